package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Outcome is what a notification reports about a finished job.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

const (
	MinProgress = 0
	MaxProgress = 100
)

// Job is one enhancement request and its tracked lifecycle state.
type Job struct {
	ID                 string
	Owner              string
	Status             JobStatus
	Progress           int
	InputPayload       string
	OutputPayload      string
	StyleParameter     string
	NotificationTarget string
	CreatedAt          time.Time
	CompletedAt        *time.Time
	ErrorDetail        string
}

// StartJobRequest is the admitted shape of POST /api/enhance.
type StartJobRequest struct {
	UserID          string `json:"userId"`
	ImagePath       string `json:"imagePath"`
	BackgroundStyle string `json:"backgroundStyle"`
	DeviceToken     string `json:"deviceToken,omitempty"`
}

func (r StartJobRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.Mark(errors.New("userId is required"), ErrValidation)
	}
	if strings.TrimSpace(r.ImagePath) == "" {
		return errors.Mark(errors.New("imagePath (base64 image) is required"), ErrValidation)
	}
	if strings.TrimSpace(r.BackgroundStyle) == "" {
		return errors.Mark(errors.New("backgroundStyle is required"), ErrValidation)
	}
	return nil
}

// StatusView is the answer to a status poll.
type StatusView struct {
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
}

// JobResultView never carries an output or error payload while the job is
// still processing.
type JobResultView struct {
	JobID           string    `json:"jobId"`
	Status          JobStatus `json:"status"`
	OutputPayload   string    `json:"imageData,omitempty"`
	BackgroundStyle string    `json:"backgroundStyle,omitempty"`
	ErrorDetail     string    `json:"errorMessage,omitempty"`
}

func (v JobResultView) InProgress() bool {
	return v.Status == JobStatusProcessing
}

func NewResultView(job Job) JobResultView {
	view := JobResultView{JobID: job.ID, Status: job.Status}
	switch job.Status {
	case JobStatusCompleted:
		view.OutputPayload = job.OutputPayload
		view.BackgroundStyle = job.StyleParameter
	case JobStatusFailed:
		view.ErrorDetail = job.ErrorDetail
		if view.ErrorDetail == "" {
			view.ErrorDetail = "Job failed"
		}
	}
	return view
}
