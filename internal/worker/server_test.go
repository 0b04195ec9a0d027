package worker

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
	"github.com/dunamismax/florique/internal/logging"
	"github.com/dunamismax/florique/internal/notify"
	"github.com/dunamismax/florique/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type stubNotifier struct {
	got []notify.Message
	err error
}

func (s *stubNotifier) Send(_ context.Context, msg notify.Message) error {
	s.got = append(s.got, msg)
	return s.err
}

func newTestServer(n notify.Notifier) *Server {
	return &Server{
		logger:   logging.Nop(),
		notifier: n,
		metrics:  newMetrics(),
		tracer:   noop.NewTracerProvider().Tracer("test"),
	}
}

func notificationTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := queue.NewSendNotificationTask(queue.SendNotificationPayload{
		Message:     notify.NewMessage("device-1", "job-1", domain.OutcomeSuccess),
		RequestedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return task
}

func TestHandleSendNotificationDelivers(t *testing.T) {
	n := &stubNotifier{}
	s := newTestServer(n)

	require.NoError(t, s.handleSendNotification(context.Background(), notificationTask(t)))

	require.Len(t, n.got, 1)
	assert.Equal(t, "job-1", n.got[0].Data["jobId"])
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.deliveriesTotal.WithLabelValues("sent")))
}

func TestHandleSendNotificationRetriesTransientFailure(t *testing.T) {
	s := newTestServer(&stubNotifier{err: errors.New("connection reset")})

	err := s.handleSendNotification(context.Background(), notificationTask(t))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.deliveriesTotal.WithLabelValues("failed")))
}

func TestHandleSendNotificationSkipsRetryOnRejection(t *testing.T) {
	s := newTestServer(&stubNotifier{err: errors.Mark(errors.New("status=400"), notify.ErrPermanent)})

	err := s.handleSendNotification(context.Background(), notificationTask(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.deliveriesTotal.WithLabelValues("rejected")))
}

func TestHandleSendNotificationMalformedPayload(t *testing.T) {
	n := &stubNotifier{}
	s := newTestServer(n)

	err := s.handleSendNotification(context.Background(), asynq.NewTask(queue.TypeSendNotification, []byte("nope")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, n.got)
}
