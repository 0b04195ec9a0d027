package queue

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/notify"
	"github.com/hibiken/asynq"
)

const TypeSendNotification = "notification:send"

type SendNotificationPayload struct {
	Message     notify.Message `json:"message"`
	RequestedAt time.Time      `json:"requested_at"`
}

func NewSendNotificationTask(payload SendNotificationPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal notification payload")
	}
	return asynq.NewTask(TypeSendNotification, body), nil
}

func ParseSendNotificationPayload(task *asynq.Task) (SendNotificationPayload, error) {
	var payload SendNotificationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return SendNotificationPayload{}, errors.Wrap(err, "unmarshal notification payload")
	}
	return payload, nil
}
