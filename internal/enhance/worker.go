// Package enhance defines the enhancement worker the orchestrator drives one
// step at a time, plus the implementations that ship with the service.
package enhance

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

// State is what the orchestrator knows about a job between steps.
type State struct {
	JobID     string
	Style     string
	Input     string
	Progress  int
	Iteration int
	// Scratch is whatever the previous step returned in Step.Scratch.
	Scratch any
}

// Step is either a progress increment or, when Done is set, the terminal
// result. A returned error is the terminal failure.
type Step struct {
	ProgressDelta int
	Done          bool
	Output        string
	Scratch       any
}

type Worker interface {
	Step(ctx context.Context, state State) (Step, error)
}

const (
	KindSimulated = "simulated"
	KindImaging   = "imaging"
)

// New returns the worker registered under kind.
func New(kind string) (Worker, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindSimulated:
		return NewSimulated(), nil
	case KindImaging:
		return NewImaging(ImagingConfig{}), nil
	default:
		return nil, errors.Newf("unknown enhancement worker %q", kind)
	}
}

// Simulated stands in for real enhancement: a fixed cadence of progress
// increments followed by the unchanged input as output.
type Simulated struct {
	Steps     int
	Increment int
}

func NewSimulated() Simulated {
	return Simulated{Steps: 10, Increment: 10}
}

func (w Simulated) Step(ctx context.Context, state State) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	if state.Iteration < w.Steps {
		return Step{ProgressDelta: w.Increment}, nil
	}
	return Step{Done: true, Output: state.Input}, nil
}
