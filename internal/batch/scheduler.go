package batch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SchedulerConfig contains configuration for the flush scheduler.
type SchedulerConfig struct {
	// SweepInterval is how often batches are checked for age expiry.
	// A batch is flushed at most MaxBatchAge + SweepInterval after its first
	// record (plus store latency).
	SweepInterval time.Duration

	// FlushRate is the maximum number of age-triggered flushes per second.
	// 0 means unlimited.
	FlushRate float64
}

// DefaultSchedulerConfig returns sensible defaults for the scheduler.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepInterval: time.Second,
		FlushRate:     0,
	}
}

// Scheduler flushes batches that exceeded MaxBatchAge. Each flush runs
// under the batch's own lock, so a failing key never blocks the others.
type Scheduler struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	acc     *Accumulator
	config  SchedulerConfig
	limiter *rate.Limiter
}

// NewScheduler creates a scheduler for acc.
func NewScheduler(acc *Accumulator, config SchedulerConfig) *Scheduler {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSchedulerConfig().SweepInterval
	}

	limit := rate.Inf
	if config.FlushRate > 0 {
		limit = rate.Limit(config.FlushRate)
	}

	return &Scheduler{
		acc:     acc,
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the sweep goroutine. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Printf("[SCHEDULER] Already running")
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	go s.run(ctx, stopCh, doneCh)
	log.Printf("[SCHEDULER] Started (sweep interval: %v, max batch age: %v)",
		s.config.SweepInterval, s.acc.Policy().MaxBatchAge)
	return nil
}

// Stop stops the sweep goroutine and waits for an in-progress sweep to
// finish. Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	log.Printf("[SCHEDULER] Stopped")
	return nil
}

func (s *Scheduler) exited(stopCh chan struct{}) {
	s.mu.Lock()
	if s.running && s.stopCh == stopCh {
		s.running = false
	}
	s.mu.Unlock()
}

// IsRunning returns whether the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// run exits on Stop or when ctx is cancelled. In the latter case the
// scheduler is marked stopped so it can be started again.
func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer s.exited(stopCh)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	// Closing sweepCtx on stop interrupts a limiter wait mid-sweep.
	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-sweepCtx.Done():
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			log.Printf("[SCHEDULER] Context cancelled")
			return
		case <-ticker.C:
			if err := s.Sweep(sweepCtx); err != nil {
				log.Printf("[SCHEDULER] Sweep finished with errors: %v", err)
			}
		}
	}
}

// Sweep flushes every batch that is older than MaxBatchAge. Failures are
// already reported by the accumulator; they are joined and returned so the
// caller can log them.
func (s *Scheduler) Sweep(ctx context.Context) error {
	var errs []error
	for _, key := range s.acc.Expired() {
		if err := s.limiter.Wait(ctx); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if _, err := s.acc.FlushExpired(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
