// Package historyabsorber buffers "track played" records per user and
// writes them to a document store in batches.
//
// Typical usage:
//
//	cfg, _ := historyabsorber.LoadConfig("config.yaml")
//	client, _ := historyabsorber.NewClient(cfg, historyabsorber.WithSessions(nodes))
//	client.Start(ctx) // age sweeps, health poller, Kafka source
//	defer client.Stop(ctx)
//
//	client.Record(ctx, userID, track)
package historyabsorber

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzpsarthak13/history-absorber/internal/batch"
	"github.com/rzpsarthak13/history-absorber/internal/config"
	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/docstore"
	"github.com/rzpsarthak13/history-absorber/internal/lifecycle"
	"github.com/rzpsarthak13/history-absorber/internal/poller"
	"github.com/rzpsarthak13/history-absorber/internal/source"
)

type (
	// DocumentStore is the backing store batches are written to.
	DocumentStore = core.DocumentStore
	// ErrorReporter receives flush failures.
	ErrorReporter = core.ErrorReporter
	// Session is a live playback session checked by the health poller.
	Session = core.Session
	// SessionSource lists live sessions.
	SessionSource = core.SessionSource
	// Member is a participant of a session.
	Member = core.Member
	// State is the lifecycle state of a client.
	State = lifecycle.State
	// Hook is run during Stop.
	Hook = lifecycle.Hook
)

const (
	StateRunning  = lifecycle.StateRunning
	StateDraining = lifecycle.StateDraining
	StateStopped  = lifecycle.StateStopped
)

var (
	ErrSubmissionAfterShutdown = core.ErrSubmissionAfterShutdown
	ErrBatchSaturated          = core.ErrBatchSaturated
	ErrStoreWrite              = core.ErrStoreWrite
	ErrInvalidKey              = batch.ErrInvalidKey
)

// storeTimeout bounds connecting to the configured store in NewClient.
const storeTimeout = 30 * time.Second

// Option customizes a Client.
type Option func(*options)

type options struct {
	store    core.DocumentStore
	sessions core.SessionSource
	reporter core.ErrorReporter
}

// WithStore uses store instead of creating one from the store configuration.
func WithStore(store DocumentStore) Option {
	return func(o *options) { o.store = store }
}

// WithSessions enables the health poller over sessions.
func WithSessions(sessions SessionSource) Option {
	return func(o *options) { o.sessions = sessions }
}

// WithReporter sets the flush failure reporter. Failures are logged by
// default.
func WithReporter(reporter ErrorReporter) Option {
	return func(o *options) { o.reporter = reporter }
}

// Client owns the accumulator and the workers around it.
type Client struct {
	mu      sync.Mutex
	started bool

	config      *Config
	store       core.DocumentStore
	acc         *batch.Accumulator
	scheduler   *batch.Scheduler
	poller      *poller.Poller
	source      *source.KafkaSource
	coordinator *lifecycle.Coordinator
	workers     []namedWorker
}

// NewClient creates a client. The store is created from cfg.Store unless
// WithStore is given; the health poller only runs with WithSessions and the
// Kafka source only when cfg.Source.Enabled is set.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		var err error
		store, err = docstore.Create(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s store: %w", cfg.Store.Type, err)
		}
	}

	acc, err := batch.NewAccumulator(store, o.reporter, cfg.Batch.Accumulator())
	if err != nil {
		store.Close()
		return nil, err
	}

	c := &Client{
		config:      cfg,
		store:       store,
		acc:         acc,
		scheduler:   batch.NewScheduler(acc, cfg.Batch.Scheduler()),
		coordinator: lifecycle.NewCoordinator(acc, cfg.Shutdown.Lifecycle()),
	}

	if o.sessions != nil && cfg.Poller.Enabled {
		c.poller = poller.New(o.sessions, c.coordinator, cfg.Poller.Settings())
	}
	if cfg.Source.Enabled {
		c.source, err = source.NewKafkaSource(cfg.Source, acc)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create Kafka source: %w", err)
		}
	}

	c.registerHooks()
	return c, nil
}

// worker is a background loop owned by the client.
type worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type namedWorker struct {
	name string
	worker
}

// registerHooks wires the workers into the shutdown sequence. Stop hooks run
// after the accumulator is sealed and before the drain; close hooks run
// after it.
func (c *Client) registerHooks() {
	if c.source != nil {
		c.workers = append(c.workers, namedWorker{"kafka-source", c.source})
	}
	c.workers = append(c.workers, namedWorker{"age-scheduler", c.scheduler})
	if c.poller != nil {
		c.workers = append(c.workers, namedWorker{"health-poller", c.poller})
	}

	c.coordinator.RegisterHook(lifecycle.StopFunc("workers", func() error {
		return stopWorkers(c.workers)
	}))
	if c.source != nil {
		c.coordinator.RegisterHook(lifecycle.CloseFunc("kafka-reader", c.source.Close))
	}
	c.coordinator.RegisterHook(lifecycle.CloseFunc("document-store", c.store.Close))
}

// stopWorkers stops every worker concurrently. Each Stop waits for its loop
// to finish the current sweep, pass or message, so the wait is bounded by
// the slowest worker.
func stopWorkers(workers []namedWorker) error {
	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			if err := w.Stop(); err != nil {
				return fmt.Errorf("stop %s: %w", w.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RegisterHook adds a hook to the shutdown sequence, after the built-in ones.
func (c *Client) RegisterHook(hook Hook) {
	c.coordinator.RegisterHook(hook)
}

// Start starts the background workers. Calling Start twice is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	if !c.coordinator.Accepting() {
		return core.ErrSubmissionAfterShutdown
	}

	for i, w := range c.workers {
		if err := w.Start(ctx); err != nil {
			if stopErr := stopWorkers(c.workers[:i]); stopErr != nil {
				log.Printf("[CLIENT] ERROR: stopping workers after failed start: %v", stopErr)
			}
			return fmt.Errorf("failed to start %s: %w", w.name, err)
		}
	}

	c.started = true
	log.Printf("[CLIENT] Started (store: %s, poller: %t, kafka: %t)", c.config.Store.Type, c.poller != nil, c.source != nil)
	return nil
}

// Record buffers one played track for userID. It may flush the user's batch
// inline when the batch fills; a failed inline flush returns an error
// matching ErrStoreWrite while the record stays buffered.
func (c *Client) Record(ctx context.Context, userID string, track any) error {
	return c.acc.Submit(ctx, userID, track)
}

// Flush writes every buffered batch now.
func (c *Client) Flush(ctx context.Context) error {
	return c.acc.FlushAll(ctx, core.TriggerManual)
}

// FlushUser writes the batch of one user now.
func (c *Client) FlushUser(ctx context.Context, userID string) error {
	return c.acc.Flush(ctx, userID, core.TriggerManual)
}

// History returns the stored history of userID. Buffered records that have
// not been flushed yet are not included.
func (c *Client) History(ctx context.Context, userID string) ([]any, error) {
	reader, ok := c.store.(core.DocumentReader)
	if !ok {
		return nil, fmt.Errorf("%s store does not support reads", c.config.Store.Type)
	}
	return reader.ReadArray(ctx, userID, c.config.Batch.HistoryPath)
}

// Pending returns the number of buffered records for userID.
func (c *Client) Pending(userID string) int {
	return c.acc.Pending(userID)
}

// Stats returns accumulator counters.
func (c *Client) Stats() map[string]interface{} {
	stats := c.acc.Stats()
	stats["state"] = c.coordinator.State().String()
	return stats
}

// State returns the lifecycle state.
func (c *Client) State() State {
	return c.coordinator.State()
}

// Done is closed once Stop has finished.
func (c *Client) Done() <-chan struct{} {
	return c.coordinator.Done()
}

// Stop rejects new records, stops the workers, drains every buffered batch
// and closes the store. Only the first call does any work.
func (c *Client) Stop(ctx context.Context) error {
	err := c.coordinator.Stop(ctx)

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return err
}

// Accumulator exposes the underlying accumulator.
func (c *Client) Accumulator() *batch.Accumulator {
	return c.acc
}
