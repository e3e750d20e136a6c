// Package sqs implements qa.Queue on Amazon SQS. Ack deletes the message;
// Nack makes it visible again immediately.
package sqs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/queue"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

// API is the subset of *sqs.Client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Config identifies the SQS queue and receive behavior.
type Config struct {
	QueueURL          string
	WaitSeconds       int32
	VisibilityTimeout int32
}

// NewClient loads the default AWS configuration for region.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// Queue implements qa.Queue over one SQS queue URL.
type Queue struct {
	client API
	cfg    Config
	logger *zap.Logger
}

// New wraps client for the queue at cfg.QueueURL.
func New(client API, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs client is required")
	}
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("queue url is required")
	}
	if cfg.WaitSeconds <= 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client: client,
		cfg:    cfg,
		logger: logger.Named("sqs_queue").With(zap.String("queue_url", cfg.QueueURL)),
	}, nil
}

// Enqueue sends job as the message body.
func (q *Queue) Enqueue(ctx context.Context, job qa.Job) error {
	body, err := queue.Encode(job, 1)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(job.Kind))},
		},
	})
	telemetry.ObserveQueueOp(q.cfg.QueueURL, "enqueue", err)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Dequeue long-polls until a message arrives or ctx ends. Undecodable
// messages are deleted.
func (q *Queue) Dequeue(ctx context.Context) (qa.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", err)
		}
		input := &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.cfg.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     q.cfg.WaitSeconds,
			AttributeNames:      []types.QueueAttributeName{"ApproximateReceiveCount"},
		}
		if q.cfg.VisibilityTimeout > 0 {
			input.VisibilityTimeout = q.cfg.VisibilityTimeout
		}
		out, err := q.client.ReceiveMessage(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			telemetry.ObserveQueueOp(q.cfg.QueueURL, "dequeue", err)
			return nil, fmt.Errorf("failed to receive messages: %w", err)
		}
		if len(out.Messages) == 0 {
			continue
		}
		msg := out.Messages[0]
		env, err := queue.Decode([]byte(aws.ToString(msg.Body)))
		if err != nil {
			q.logger.Error("deleting undecodable message", zap.String("message_id", aws.ToString(msg.MessageId)), zap.Error(err))
			if _, delErr := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(q.cfg.QueueURL),
				ReceiptHandle: msg.ReceiptHandle,
			}); delErr != nil {
				q.logger.Warn("delete undecodable message failed", zap.Error(delErr))
			}
			continue
		}
		telemetry.ObserveQueueOp(q.cfg.QueueURL, "dequeue", nil)
		return &delivery{
			queue:   q,
			handle:  msg.ReceiptHandle,
			job:     env.Job,
			attempt: receiveCount(msg),
		}, nil
	}
}

// Close is a no-op; the SDK client holds no long-lived connections of its own.
func (q *Queue) Close() error { return nil }

func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes["ApproximateReceiveCount"])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

type delivery struct {
	queue   *Queue
	handle  *string
	job     qa.Job
	attempt int
}

func (d *delivery) Job() qa.Job  { return d.job }
func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.queue.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queue.cfg.QueueURL),
		ReceiptHandle: d.handle,
	})
	telemetry.ObserveQueueOp(d.queue.cfg.QueueURL, "ack", err)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	_, err := d.queue.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.queue.cfg.QueueURL),
		ReceiptHandle:     d.handle,
		VisibilityTimeout: 0,
	})
	telemetry.ObserveQueueOp(d.queue.cfg.QueueURL, "nack", err)
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}
