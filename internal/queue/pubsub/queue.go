// Package pubsub implements qa.Queue on Google Cloud Pub/Sub. One topic and
// subscription pair backs each job kind. The attempt count travels in the
// message envelope: Nack republishes the job with the next attempt and acks
// the original, so redelivery stays bounded without a dead-letter policy.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/queue"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

// Config names the topic and subscription for one queue.
type Config struct {
	Topic          string
	Subscription   string
	MaxOutstanding int
}

// Queue publishes jobs to a topic and receives them from a subscription.
type Queue struct {
	name       string
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	deliveries chan *delivery

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	recvErr   error
	logger    *zap.Logger
}

// New builds a Queue from client. Either side may be left unnamed when a
// process only produces or only consumes.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Topic == "" && cfg.Subscription == "" {
		return nil, fmt.Errorf("topic or subscription is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		name:       cfg.Topic,
		deliveries: make(chan *delivery),
		done:       make(chan struct{}),
		logger:     logger.Named("pubsub_queue").With(zap.String("topic", cfg.Topic)),
	}
	if cfg.Topic != "" {
		q.publisher = client.Publisher(cfg.Topic)
	}
	if cfg.Subscription != "" {
		q.subscriber = client.Subscriber(cfg.Subscription)
		if cfg.MaxOutstanding > 0 {
			q.subscriber.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
	}
	return q, nil
}

// Enqueue publishes job and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, job qa.Job) error {
	if q.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := queue.Encode(job, 1)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": string(job.Kind)},
	}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})

	_, err = q.publisher.Publish(ctx, msg).Get(ctx)
	telemetry.ObserveQueueOp(q.name, "enqueue", err)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Dequeue returns the next received message. The receive loop starts on the
// first call and runs until Close.
func (q *Queue) Dequeue(ctx context.Context) (qa.Delivery, error) {
	if q.subscriber == nil {
		return nil, fmt.Errorf("pubsub subscriber is not configured")
	}
	q.startOnce.Do(q.startReceiving)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		if q.recvErr != nil {
			return nil, fmt.Errorf("receive: %w", q.recvErr)
		}
		return nil, qa.ErrQueueClosed
	case d := <-q.deliveries:
		return d, nil
	}
}

func (q *Queue) startReceiving() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go func() {
		defer close(q.done)
		q.recvErr = q.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			env, err := queue.Decode(msg.Data)
			if err != nil {
				q.logger.Error("dropping undecodable message", zap.String("message_id", msg.ID), zap.Error(err))
				msg.Ack()
				return
			}
			msgCtx := otel.GetTextMapPropagator().Extract(ctx, &attributeCarrier{attrs: msg.Attributes})
			attempt := env.Attempt
			if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt > attempt {
				attempt = *msg.DeliveryAttempt
			}
			d := &delivery{queue: q, msg: msg, job: env.Job, attempt: attempt, traceCtx: msgCtx}
			select {
			case q.deliveries <- d:
				telemetry.ObserveQueueOp(q.name, "dequeue", nil)
			case <-ctx.Done():
				msg.Nack()
			}
		})
	}()
}

// Close stops receiving and flushes the publisher.
func (q *Queue) Close() error {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	if q.publisher != nil {
		q.publisher.Stop()
	}
	return nil
}

type delivery struct {
	queue    *Queue
	msg      *pubsub.Message
	job      qa.Job
	attempt  int
	traceCtx context.Context
}

func (d *delivery) Job() qa.Job  { return d.job }
func (d *delivery) Attempt() int { return d.attempt }

// TraceContext returns the context carrying the producer's span.
func (d *delivery) TraceContext() context.Context { return d.traceCtx }

func (d *delivery) Ack(context.Context) error {
	d.msg.Ack()
	return nil
}

// Nack republishes the job with attempt+1 and acks this copy. Without a
// publisher, or when the republish fails, the message is nacked in place.
func (d *delivery) Nack(ctx context.Context) error {
	if d.queue.publisher == nil {
		d.msg.Nack()
		return nil
	}
	data, err := queue.Encode(d.job, d.attempt+1)
	if err != nil {
		d.msg.Nack()
		return err
	}
	attrs := make(map[string]string, len(d.msg.Attributes))
	for k, v := range d.msg.Attributes {
		attrs[k] = v
	}
	_, err = d.queue.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	telemetry.ObserveQueueOp(d.queue.name, "nack", err)
	if err != nil {
		d.msg.Nack()
		return fmt.Errorf("republish message: %w", err)
	}
	d.msg.Ack()
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
