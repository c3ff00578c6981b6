// Package lifecycle coordinates graceful shutdown of the batching layer:
// seal submissions, stop background workers, drain every buffered batch,
// then release resources.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/rzpsarthak13/history-absorber/internal/core"
)

// State is the lifecycle state of the process.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Drainer is the part of the accumulator the coordinator drives.
type Drainer interface {
	Seal()
	PeekAll() []string
	Flush(ctx context.Context, key string, trigger core.FlushTrigger) error
}

// Config contains configuration for the shutdown drain.
type Config struct {
	// DrainAttempts is how many times each key is tried during the drain.
	DrainAttempts int

	// DrainBackoff is the pause between attempts for the same key.
	DrainBackoff time.Duration
}

// DefaultConfig returns sensible defaults for the drain.
func DefaultConfig() Config {
	return Config{
		DrainAttempts: 3,
		DrainBackoff:  200 * time.Millisecond,
	}
}

// Coordinator owns the Running → Draining → Stopped transition.
type Coordinator struct {
	state  atomic.Int32
	acc    Drainer
	config Config
	hooks  hookManager
	done   chan struct{}
}

// NewCoordinator creates a coordinator in the Running state.
func NewCoordinator(acc Drainer, config Config) *Coordinator {
	if config.DrainAttempts <= 0 {
		config.DrainAttempts = DefaultConfig().DrainAttempts
	}
	if config.DrainBackoff < 0 {
		config.DrainBackoff = 0
	}
	return &Coordinator{
		acc:    acc,
		config: config,
		done:   make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook. Hooks run in registration order.
func (c *Coordinator) RegisterHook(hook Hook) {
	c.hooks.register(hook)
}

// HookCount returns the number of registered hooks.
func (c *Coordinator) HookCount() int {
	return c.hooks.count()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Accepting reports whether the process is still Running.
func (c *Coordinator) Accepting() bool {
	return c.State() == StateRunning
}

// Done is closed once Stop has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Stop drains every buffered batch and releases resources. Only the first
// call does any work; later calls return nil immediately. Keys that still
// fail after DrainAttempts are reported and joined into the returned error.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return nil
	}

	start := time.Now()
	log.Printf("[LIFECYCLE] Draining...")

	c.acc.Seal()

	errs := c.hooks.runStop(ctx)

	keys := c.acc.PeekAll()
	drained := 0
	for _, key := range keys {
		if err := c.drainKey(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		drained++
	}

	errs = append(errs, c.hooks.runClose(ctx)...)

	c.state.Store(int32(StateStopped))
	close(c.done)

	if len(errs) > 0 {
		log.Printf("[LIFECYCLE] Stopped with errors: drained %d/%d keys in %v", drained, len(keys), time.Since(start))
		return errors.Join(errs...)
	}
	log.Printf("[LIFECYCLE] Stopped: drained %d keys in %v", drained, time.Since(start))
	return nil
}

func (c *Coordinator) drainKey(ctx context.Context, key string) error {
	var err error
	for attempt := 1; attempt <= c.config.DrainAttempts; attempt++ {
		if err = c.acc.Flush(ctx, key, core.TriggerShutdown); err == nil {
			return nil
		}
		if attempt == c.config.DrainAttempts {
			break
		}
		log.Printf("[LIFECYCLE] Drain of key %s failed (attempt %d/%d), retrying in %v",
			key, attempt, c.config.DrainAttempts, c.config.DrainBackoff)

		timer := time.NewTimer(c.config.DrainBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("drain of key %s abandoned: %w", key, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
	log.Printf("[LIFECYCLE] ERROR: key %s not drained after %d attempts: %v", key, c.config.DrainAttempts, err)
	return err
}

func hookError(hook Hook, phase string, err error) error {
	name := fmt.Sprintf("%T", hook)
	if f, ok := hook.(HookFunc); ok && f.Name != "" {
		name = f.Name
	}
	log.Printf("[LIFECYCLE] %s hook %s failed: %v", phase, name, err)
	return fmt.Errorf("%s hook %s: %w", phase, name, err)
}
