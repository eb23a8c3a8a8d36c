// Package queue defines the durable worker-queue contract between the
// admission broker and the executor pool, and an SQS-backed implementation
// of it. Callers depend only on Publisher/Consumer so the broker and
// executor never import the AWS SDK directly.
package queue

import "context"

// Message is one delivered queue message together with the handle needed to
// ack it on completion.
type Message struct {
	Body          string
	ReceiptHandle string
}

// Publisher publishes persistent messages to the worker queue.
type Publisher interface {
	Publish(ctx context.Context, body string) error
}

// Consumer receives messages from the worker queue and acks them once
// processed. Ack must be called with the same handle the message arrived
// with; the SQS implementation in sqs.go preserves this by round-tripping the
// receipt handle unchanged.
type Consumer interface {
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Ack(ctx context.Context, m Message) error
}
