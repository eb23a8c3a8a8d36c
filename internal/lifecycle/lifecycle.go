// Package lifecycle publishes request status transitions to a Kafka topic
// for audit and replay. Publication is fire-and-forget: a failure here must
// never fail the state transition it is reporting on.
package lifecycle

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/geodds/core/logger"
	"github.com/relabs-tech/geodds/internal/store"
)

// Event is one audit record for a request status transition.
type Event struct {
	RequestID  int64     `json:"request_id"`
	UserID     uuid.UUID `json:"user_id"`
	Status     string    `json:"status"`
	FailReason *string   `json:"fail_reason,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher writes Events to the "request-lifecycle" Kafka topic.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher opens a writer against the given brokers for the
// request-lifecycle topic.
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  "request-lifecycle",
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			Async:                  true,
			Completion: func(_ []kafka.Message, err error) {
				if err != nil {
					logger.Default().WithError(err).Warn("lifecycle: publish event")
				}
			},
		},
	}
}

// Publish writes an Event, logging (not returning) any error: the audit
// stream is best-effort and must never block or fail the caller's
// transition.
func (p *Publisher) Publish(ctx context.Context, r store.Request) {
	evt := Event{
		RequestID:  r.RequestID,
		UserID:     r.UserID,
		Status:     string(r.Status),
		FailReason: r.FailReason,
		At:         r.LastUpdate,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("lifecycle: marshal event")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Status),
		Value: body,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warn("lifecycle: publish event")
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
