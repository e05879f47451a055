// Package schedule runs a job periodically on a ticker.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context)

// Scheduler runs a Job immediately on Start and then every interval.
// Runs never overlap.
type Scheduler struct {
	name     string
	job      Job
	interval time.Duration
	log      *zap.SugaredLogger

	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler. name is used in log lines. interval must be positive.
func New(name string, interval time.Duration, job Job, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		name:     name,
		job:      job,
		interval: interval,
		log:      log,
		ticker:   time.NewTicker(interval),
		stop:     make(chan struct{}),
	}
}

// Start launches the loop. The context passed to each run is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.log.Infow("scheduler started", "job", s.name, "interval", s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		// Run once immediately
		s.run(ctx)

		for {
			select {
			case <-s.ticker.C:
				s.run(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) run(ctx context.Context) {
	select {
	case <-s.stop:
		return
	default:
	}

	start := time.Now()
	s.job(ctx)
	s.log.Debugw("scheduled run finished", "job", s.name, "took", time.Since(start))
}

// Stop halts the ticker and waits for a run in progress to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.ticker.Stop()
		close(s.stop)
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}
