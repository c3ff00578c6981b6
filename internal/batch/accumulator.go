package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/metrics"
	"github.com/rzpsarthak13/history-absorber/internal/update"
)

// ErrInvalidKey is returned when Submit is called without a key.
var ErrInvalidKey = errors.New("batch key is required")

// AccumulatorConfig contains configuration for the batch accumulator.
type AccumulatorConfig struct {
	// Policy is the size/age flush policy.
	Policy core.FlushPolicy

	// HistoryPath is the document field records are appended to.
	HistoryPath string

	// HistoryLimit caps the stored array after every flush. Negative keeps
	// the newest |n| entries, positive keeps the oldest n, 0 disables the cap.
	HistoryLimit int

	// WriteTimeout bounds a single document store call. 0 means no timeout
	// beyond the caller's context.
	WriteTimeout time.Duration
}

// DefaultAccumulatorConfig returns a configuration with sensible defaults.
func DefaultAccumulatorConfig() AccumulatorConfig {
	return AccumulatorConfig{
		Policy:       core.DefaultFlushPolicy(),
		HistoryPath:  "history",
		HistoryLimit: -25,
		WriteTimeout: 5 * time.Second,
	}
}

// batch is the buffer for one key. mu is held across a whole flush.
type batch struct {
	mu        sync.Mutex
	records   []core.PlayRecord
	createdAt time.Time

	// dead is set when the batch has been evicted from the map; a submitter
	// holding a stale pointer must look the key up again.
	dead bool
}

// Accumulator buffers play records per key and flushes them to the document
// store when a batch is full, when it gets too old (via Scheduler) or when
// the process drains.
type Accumulator struct {
	store    core.DocumentStore
	reporter core.ErrorReporter
	config   AccumulatorConfig
	now      func() time.Time

	// gate serializes Seal against in-flight submissions.
	gate   sync.RWMutex
	sealed bool

	mu      sync.RWMutex
	batches map[string]*batch

	pending       atomic.Int64
	totalWrites   atomic.Int64
	totalFlushes  atomic.Int64
	totalFailures atomic.Int64
}

// NewAccumulator creates a new accumulator writing to store. A nil reporter
// falls back to LogReporter.
func NewAccumulator(store core.DocumentStore, reporter core.ErrorReporter, config AccumulatorConfig) (*Accumulator, error) {
	if store == nil {
		return nil, fmt.Errorf("document store cannot be nil")
	}
	if config.Policy.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("max_batch_size must be greater than 0, got: %d", config.Policy.MaxBatchSize)
	}
	if config.Policy.MaxBatchAge <= 0 {
		return nil, fmt.Errorf("max_batch_age must be greater than 0, got: %v", config.Policy.MaxBatchAge)
	}
	if err := update.ValidatePath(config.HistoryPath); err != nil {
		return nil, err
	}
	if config.HistoryLimit == math.MinInt {
		return nil, fmt.Errorf("%w: history_limit out of range", core.ErrCompilation)
	}
	if reporter == nil {
		reporter = LogReporter{}
	}

	return &Accumulator{
		store:    store,
		reporter: reporter,
		config:   config,
		now:      time.Now,
		batches:  make(map[string]*batch),
	}, nil
}

// Policy returns the flush policy the accumulator was built with.
func (a *Accumulator) Policy() core.FlushPolicy {
	return a.config.Policy
}

// Submit appends record to the batch for key. When the batch reaches
// MaxBatchSize it is flushed before Submit returns and a flush failure is
// returned to the caller; the record stays buffered in that case.
//
// Submit returns ErrSubmissionAfterShutdown once Seal has been called.
func (a *Accumulator) Submit(ctx context.Context, key string, record core.PlayRecord) error {
	if key == "" {
		return ErrInvalidKey
	}

	a.gate.RLock()
	defer a.gate.RUnlock()

	if a.sealed {
		metrics.RejectedSubmissionsTotal.WithLabelValues("shutdown").Inc()
		return fmt.Errorf("%w: key %s", core.ErrSubmissionAfterShutdown, key)
	}

	for {
		b := a.getOrCreate(key)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		err := a.appendLocked(ctx, key, b, record)
		empty := len(b.records) == 0
		b.mu.Unlock()

		if empty {
			a.evict(key, b)
		}
		return err
	}
}

func (a *Accumulator) appendLocked(ctx context.Context, key string, b *batch, record core.PlayRecord) error {
	max := a.config.Policy.MaxBatchSize

	// A previous size-triggered flush failed and left the batch full.
	if len(b.records) >= max {
		if err := a.flushLocked(ctx, key, b, core.TriggerSize); err != nil {
			metrics.RejectedSubmissionsTotal.WithLabelValues("saturated").Inc()
			return fmt.Errorf("%w: %w", core.ErrBatchSaturated, err)
		}
	}

	if len(b.records) == 0 {
		b.createdAt = a.now()
	}
	b.records = append(b.records, record)
	a.pending.Add(1)
	a.totalWrites.Add(1)
	metrics.PendingRecords.Inc()

	if len(b.records) >= max {
		return a.flushLocked(ctx, key, b, core.TriggerSize)
	}
	return nil
}

// Flush flushes the batch for key regardless of its size or age.
// It is a no-op for keys without buffered records.
func (a *Accumulator) Flush(ctx context.Context, key string, trigger core.FlushTrigger) error {
	b := a.lookup(key)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return nil
	}
	err := a.flushLocked(ctx, key, b, trigger)
	empty := len(b.records) == 0
	b.mu.Unlock()

	if empty {
		a.evict(key, b)
	}
	return err
}

// FlushExpired flushes the batch for key only if it is still older than
// MaxBatchAge when its lock is acquired. It reports whether a flush ran.
func (a *Accumulator) FlushExpired(ctx context.Context, key string) (bool, error) {
	b := a.lookup(key)
	if b == nil {
		return false, nil
	}

	b.mu.Lock()
	if b.dead || len(b.records) == 0 || a.now().Sub(b.createdAt) < a.config.Policy.MaxBatchAge {
		b.mu.Unlock()
		return false, nil
	}
	err := a.flushLocked(ctx, key, b, core.TriggerAge)
	empty := len(b.records) == 0
	b.mu.Unlock()

	if empty {
		a.evict(key, b)
	}
	return true, err
}

// FlushAll flushes every non-empty batch and joins the failures.
func (a *Accumulator) FlushAll(ctx context.Context, trigger core.FlushTrigger) error {
	var errs []error
	for _, key := range a.PeekAll() {
		if err := a.Flush(ctx, key, trigger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flushLocked compiles and writes the buffered records of b. The caller
// holds b.mu. The batch is cleared only after the store accepted the write;
// on failure the records and createdAt are left untouched.
func (a *Accumulator) flushLocked(ctx context.Context, key string, b *batch, trigger core.FlushTrigger) error {
	if len(b.records) == 0 {
		return nil
	}

	flushID := uuid.NewString()
	snapshot := make([]core.PlayRecord, len(b.records))
	copy(snapshot, b.records)

	ops, err := update.Compile(a.config.HistoryPath, snapshot, a.config.HistoryLimit)
	if err != nil {
		return err
	}

	writeCtx := ctx
	if a.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, a.config.WriteTimeout)
		defer cancel()
	}

	writeStart := time.Now()
	err = a.store.Apply(writeCtx, key, ops)
	duration := time.Since(writeStart)
	metrics.FlushDuration.Observe(duration.Seconds())

	if err != nil {
		a.totalFailures.Add(1)
		metrics.FlushFailuresTotal.WithLabelValues(string(trigger)).Inc()
		flushErr := &core.FlushError{Key: key, Pending: len(b.records), FlushID: flushID, Err: err}
		log.Printf("[ACCUMULATOR] Flush %s for key %s failed (trigger: %s, pending: %d, duration: %v): %v",
			flushID, key, trigger, len(b.records), duration, err)
		a.reporter.ReportFlushFailure(key, flushErr, len(b.records))
		return flushErr
	}

	flushed := len(snapshot)
	b.records = nil
	b.createdAt = time.Time{}

	a.pending.Add(-int64(flushed))
	a.totalFlushes.Add(1)
	metrics.PendingRecords.Sub(float64(flushed))
	metrics.FlushedRecordsTotal.Add(float64(flushed))
	metrics.FlushesTotal.WithLabelValues(string(trigger)).Inc()

	log.Printf("[ACCUMULATOR] Flush %s wrote %d records for key %s (trigger: %s, duration: %v)",
		flushID, flushed, key, trigger, duration)
	return nil
}

// PeekAll returns the keys that currently have buffered records, sorted.
// Each batch is inspected under its own lock.
func (a *Accumulator) PeekAll() []string {
	return a.collect(func(b *batch) bool { return len(b.records) > 0 })
}

// Expired returns the keys whose oldest record is at least MaxBatchAge old.
func (a *Accumulator) Expired() []string {
	now := a.now()
	maxAge := a.config.Policy.MaxBatchAge
	return a.collect(func(b *batch) bool {
		return len(b.records) > 0 && now.Sub(b.createdAt) >= maxAge
	})
}

func (a *Accumulator) collect(match func(*batch) bool) []string {
	a.mu.RLock()
	entries := make(map[string]*batch, len(a.batches))
	for key, b := range a.batches {
		entries[key] = b
	}
	a.mu.RUnlock()

	keys := make([]string, 0, len(entries))
	for key, b := range entries {
		b.mu.Lock()
		if !b.dead && match(b) {
			keys = append(keys, key)
		}
		b.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the batch for key.
func (a *Accumulator) Snapshot(key string) (core.BatchSnapshot, bool) {
	b := a.lookup(key)
	if b == nil {
		return core.BatchSnapshot{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead || len(b.records) == 0 {
		return core.BatchSnapshot{}, false
	}
	records := make([]core.PlayRecord, len(b.records))
	copy(records, b.records)
	return core.BatchSnapshot{Key: key, Records: records, CreatedAt: b.createdAt}, true
}

// Pending returns the number of buffered records for key.
func (a *Accumulator) Pending(key string) int {
	snapshot, ok := a.Snapshot(key)
	if !ok {
		return 0
	}
	return len(snapshot.Records)
}

// Seal makes every later Submit fail with ErrSubmissionAfterShutdown.
// It waits for submissions that are already in progress.
func (a *Accumulator) Seal() {
	a.gate.Lock()
	a.sealed = true
	a.gate.Unlock()
}

// Sealed reports whether Seal has been called.
func (a *Accumulator) Sealed() bool {
	a.gate.RLock()
	defer a.gate.RUnlock()
	return a.sealed
}

// Stats returns accumulator statistics.
func (a *Accumulator) Stats() map[string]interface{} {
	a.mu.RLock()
	keys := len(a.batches)
	a.mu.RUnlock()

	return map[string]interface{}{
		"keys":            keys,
		"pending_records": a.pending.Load(),
		"total_writes":    a.totalWrites.Load(),
		"total_flushes":   a.totalFlushes.Load(),
		"total_failures":  a.totalFailures.Load(),
		"sealed":          a.Sealed(),
	}
}

func (a *Accumulator) lookup(key string) *batch {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.batches[key]
}

func (a *Accumulator) getOrCreate(key string) *batch {
	if b := a.lookup(key); b != nil {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.batches[key]; ok {
		return b
	}
	b := &batch{}
	a.batches[key] = b
	return b
}

// evict drops an empty batch from the map. It never waits on a batch that
// is busy flushing; such a batch is left for a later eviction.
func (a *Accumulator) evict(key string, b *batch) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.batches[key] != b || !b.mu.TryLock() {
		return
	}
	if len(b.records) == 0 {
		b.dead = true
		delete(a.batches, key)
	}
	b.mu.Unlock()
}

// LogReporter reports flush failures to the standard logger.
type LogReporter struct{}

// ReportFlushFailure logs the failure.
func (LogReporter) ReportFlushFailure(key string, err error, pending int) {
	log.Printf("[ACCUMULATOR] ERROR: history for key %s not flushed, %d records kept for retry: %v", key, pending, err)
}
