// Package redis implements a reliable list-based queue on Redis. Jobs are
// pushed onto a ready list and atomically moved into a processing list on
// dequeue; they leave the processing list only when acked.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/qa"
	"github.com/JakeFAU/sukta/internal/queue"
	"github.com/JakeFAU/sukta/internal/telemetry"
)

// Config names the lists backing one logical queue.
type Config struct {
	Name         string
	BlockTimeout time.Duration
}

// ClientOptions describes how to reach Redis. URL wins over Addr.
type ClientOptions struct {
	URL      string
	Addr     string
	Password string
	DB       int
}

// NewClient builds a go-redis client from opts.
func NewClient(opts ClientOptions) (*redis.Client, error) {
	if opts.URL != "" {
		parsed, err := redis.ParseURL(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(parsed), nil
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

// Queue implements qa.Queue over a pair of Redis lists.
type Queue struct {
	client     redis.Cmdable
	name       string
	ready      string
	processing string
	dead       string
	block      time.Duration
	logger     *zap.Logger
}

// New wraps client. The client is owned by the caller.
func New(client redis.Cmdable, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:     client,
		name:       cfg.Name,
		ready:      cfg.Name + ":ready",
		processing: cfg.Name + ":processing",
		dead:       cfg.Name + ":dead",
		block:      cfg.BlockTimeout,
		logger:     logger.Named("redis_queue").With(zap.String("queue", cfg.Name)),
	}, nil
}

// Enqueue pushes job onto the ready list.
func (q *Queue) Enqueue(ctx context.Context, job qa.Job) error {
	payload, err := queue.Encode(job, 1)
	if err != nil {
		return err
	}
	err = q.client.LPush(ctx, q.ready, payload).Err()
	telemetry.ObserveQueueOp(q.name, "enqueue", err)
	if err != nil {
		return fmt.Errorf("lpush %s: %w", q.ready, err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx ends. Payloads that cannot
// be decoded are parked on the dead list.
func (q *Queue) Dequeue(ctx context.Context) (qa.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dequeue canceled: %w", err)
		}
		raw, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			telemetry.ObserveQueueOp(q.name, "dequeue", err)
			return nil, fmt.Errorf("blmove %s: %w", q.ready, err)
		}
		env, err := queue.Decode([]byte(raw))
		if err != nil {
			q.logger.Error("parking undecodable job", zap.Error(err))
			q.park(ctx, raw)
			continue
		}
		telemetry.ObserveQueueOp(q.name, "dequeue", nil)
		return &delivery{queue: q, raw: raw, env: env}, nil
	}
}

func (q *Queue) park(ctx context.Context, raw string) {
	if err := q.client.LPush(ctx, q.dead, raw).Err(); err != nil {
		q.logger.Warn("dead-letter push failed", zap.Error(err))
		return
	}
	if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		q.logger.Warn("processing cleanup failed", zap.Error(err))
	}
}

// Recover moves every entry stranded in the processing list back to the
// ready list. Run it only when no worker of this queue is alive.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.ready, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			if moved > 0 {
				q.logger.Info("recovered stranded jobs", zap.Int("count", moved))
			}
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("lmove %s: %w", q.processing, err)
		}
		moved++
	}
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (q *Queue) Close() error { return nil }

type delivery struct {
	queue *Queue
	raw   string
	env   queue.Envelope
}

func (d *delivery) Job() qa.Job  { return d.env.Job }
func (d *delivery) Attempt() int { return d.env.Attempt }

func (d *delivery) Ack(ctx context.Context) error {
	err := d.queue.client.LRem(ctx, d.queue.processing, 1, d.raw).Err()
	telemetry.ObserveQueueOp(d.queue.name, "ack", err)
	if err != nil {
		return fmt.Errorf("lrem %s: %w", d.queue.processing, err)
	}
	return nil
}

// Nack requeues the job at the consuming end of the ready list with the
// attempt counter bumped, then drops the processing entry.
func (d *delivery) Nack(ctx context.Context) error {
	payload, err := queue.Encode(d.env.Job, d.env.Attempt+1)
	if err != nil {
		return err
	}
	if err := d.queue.client.RPush(ctx, d.queue.ready, payload).Err(); err != nil {
		telemetry.ObserveQueueOp(d.queue.name, "nack", err)
		return fmt.Errorf("rpush %s: %w", d.queue.ready, err)
	}
	err = d.queue.client.LRem(ctx, d.queue.processing, 1, d.raw).Err()
	telemetry.ObserveQueueOp(d.queue.name, "nack", err)
	if err != nil {
		return fmt.Errorf("lrem %s: %w", d.queue.processing, err)
	}
	return nil
}
