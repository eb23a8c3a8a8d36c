package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSQueue is the query_queue durable queue implemented on top of Amazon
// SQS: at-least-once delivery and a visibility timeout stand in for the
// persistent/unacked-redelivery semantics of the original AMQP contract.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

// NewSQS resolves the named queue (creating it as a standard, non-FIFO
// queue if it does not exist) and returns a queue bound to it.
func NewSQS(ctx context.Context, queueName string) (*SQSQueue, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}
	client := sqs.NewFromConfig(cfg)

	urlOut, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueName)})
	if err != nil {
		createOut, cerr := client.CreateQueue(ctx, &sqs.CreateQueueInput{
			QueueName: aws.String(queueName),
		})
		if cerr != nil {
			return nil, fmt.Errorf("queue: resolve queue %q: %w", queueName, err)
		}
		return &SQSQueue{client: client, queueURL: *createOut.QueueUrl}, nil
	}
	return &SQSQueue{client: client, queueURL: *urlOut.QueueUrl}, nil
}

// Publish sends body as a persistent (standard-durability) message.
func (q *SQSQueue) Publish(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Receive long-polls for up to maxMessages (SQS caps this at 10), with
// prefetch equivalent to the original's prefetch_count=1 achieved by the
// executor calling Receive with maxMessages=1 per idle worker slot.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	if maxMessages > 10 {
		maxMessages = 10
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     10,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// Ack deletes the message identified by its receipt handle, which must be
// the handle the message was received with.
func (q *SQSQueue) Ack(ctx context.Context, m Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}
