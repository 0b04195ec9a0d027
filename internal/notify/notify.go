// Package notify delivers job outcome notifications to a user's device.
package notify

import (
	"context"
	"strconv"
	"strings"

	"github.com/dunamismax/florique/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	SuccessTitle = "Image Ready! ✨"
	SuccessBody  = "Your enhanced flower image is ready to view and save."
	FailureTitle = "Enhancement Failed"
	FailureBody  = "There was an error enhancing your image. Please try again."
)

// Message is one push notification addressed to a device token.
type Message struct {
	Target string            `json:"target"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Notifier is the delivery transport. Retry policy, if any, belongs to the
// implementation.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// NewMessage builds the outcome notification for a finished job.
func NewMessage(target, jobID string, outcome domain.Outcome) Message {
	success := outcome == domain.OutcomeSuccess
	msg := Message{
		Target: target,
		Title:  FailureTitle,
		Body:   FailureBody,
		Data: map[string]string{
			"jobId":   jobID,
			"success": strconv.FormatBool(success),
		},
	}
	if success {
		msg.Title = SuccessTitle
		msg.Body = SuccessBody
	}
	return msg
}

// Dispatcher is the best-effort front of a Notifier: nothing it does can
// fail the caller.
type Dispatcher struct {
	notifier   Notifier
	logger     *zap.SugaredLogger
	deliveries *prometheus.CounterVec
}

// NewDispatcher registers its delivery counter on reg when reg is non-nil.
func NewDispatcher(notifier Notifier, logger *zap.SugaredLogger, reg prometheus.Registerer) *Dispatcher {
	d := &Dispatcher{
		notifier: notifier,
		logger:   logger.Named("notify"),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "florique_notifications_total",
			Help: "Outcome notifications by delivery result.",
		}, []string{"outcome", "result"}),
	}
	if reg != nil {
		reg.MustRegister(d.deliveries)
	}
	return d
}

// Notify is a no-op for an empty target. Delivery errors are logged and
// swallowed.
func (d *Dispatcher) Notify(ctx context.Context, target, jobID string, outcome domain.Outcome) {
	if strings.TrimSpace(target) == "" {
		d.deliveries.WithLabelValues(string(outcome), "skipped").Inc()
		return
	}
	if d.notifier == nil {
		d.logger.Warnw("no notifier configured, dropping notification", "job_id", jobID, "outcome", outcome)
		d.deliveries.WithLabelValues(string(outcome), "skipped").Inc()
		return
	}

	if err := d.notifier.Send(ctx, NewMessage(target, jobID, outcome)); err != nil {
		d.logger.Warnw("notification delivery failed", "job_id", jobID, "outcome", outcome, "error", err)
		d.deliveries.WithLabelValues(string(outcome), "failed").Inc()
		return
	}
	d.logger.Debugw("notification sent", "job_id", jobID, "outcome", outcome)
	d.deliveries.WithLabelValues(string(outcome), "sent").Inc()
}

// LogNotifier only logs. It is the default when no push gateway is set up.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("push")}
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	n.logger.Infow("push notification", "target", msg.Target, "title", msg.Title, "data", msg.Data)
	return nil
}
