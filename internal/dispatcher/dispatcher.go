// Package dispatcher manages worker fan-out over the job queues.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sukta/internal/worker"
)

// Runner is anything that consumes jobs until its context ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher runs a pool of workers.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher over the given workers.
func New(logger *zap.Logger, workers ...*worker.Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	runners := make([]Runner, 0, len(workers))
	for _, w := range workers {
		runners = append(runners, w)
	}
	return &Dispatcher{runners: runners, logger: logger.Named("dispatcher")}
}

// Pool builds n workers with build(i). n < 1 yields a single worker.
func Pool(n int, build func(i int) *worker.Worker) []*worker.Worker {
	if n < 1 {
		n = 1
	}
	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, build(i))
	}
	return workers
}

// Size reports how many workers the dispatcher runs.
func (d *Dispatcher) Size() int { return len(d.runners) }

// Run starts all workers and blocks until every one has returned. Workers
// return when ctx finishes or their queue is closed.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.runners)))
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	wg.Wait()
	d.logger.Info("all workers stopped")
}
