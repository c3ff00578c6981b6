package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/history-absorber/internal/batch"
	"github.com/rzpsarthak13/history-absorber/internal/core"
)

type countingStore struct {
	mu      sync.Mutex
	fail    bool
	calls   map[string]int
	records map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{calls: make(map[string]int), records: make(map[string]int)}
}

func (s *countingStore) Apply(ctx context.Context, docID string, ops []core.UpdateOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[docID]++
	if s.fail {
		return errors.New("store unavailable")
	}
	for _, op := range ops {
		s.records[docID] += len(op.Records())
	}
	return nil
}

func (s *countingStore) Close() error { return nil }

func (s *countingStore) snapshot() (map[string]int, map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make(map[string]int, len(s.calls))
	records := make(map[string]int, len(s.records))
	for k, v := range s.calls {
		calls[k] = v
	}
	for k, v := range s.records {
		records[k] = v
	}
	return calls, records
}

func newAccumulator(t *testing.T, store core.DocumentStore) *batch.Accumulator {
	t.Helper()
	cfg := batch.DefaultAccumulatorConfig()
	cfg.Policy = core.FlushPolicy{MaxBatchSize: 50, MaxBatchAge: time.Hour}
	acc, err := batch.NewAccumulator(store, core.ErrorReporterFunc(func(string, error, int) {}), cfg)
	require.NoError(t, err)
	return acc
}

func TestStop_DrainsEveryKeyOnce(t *testing.T) {
	store := newCountingStore()
	acc := newAccumulator(t, store)
	ctx := context.Background()

	sizes := map[string]int{"k1": 1, "k2": 10, "k3": 49}
	for key, n := range sizes {
		for i := 0; i < n; i++ {
			require.NoError(t, acc.Submit(ctx, key, fmt.Sprintf("%s-%d", key, i)))
		}
	}
	calls, _ := store.snapshot()
	require.Empty(t, calls)

	coord := NewCoordinator(acc, DefaultConfig())
	require.NoError(t, coord.Stop(ctx))

	calls, records := store.snapshot()
	require.Equal(t, map[string]int{"k1": 1, "k2": 1, "k3": 1}, calls)
	require.Equal(t, sizes, records)
	require.Empty(t, acc.PeekAll())
	require.Equal(t, StateStopped, coord.State())

	select {
	case <-coord.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestStop_SecondCallIsNoop(t *testing.T) {
	store := newCountingStore()
	acc := newAccumulator(t, store)
	coord := NewCoordinator(acc, DefaultConfig())

	var stops int
	coord.RegisterHook(StopFunc("counter", func() error { stops++; return nil }))

	require.NoError(t, coord.Stop(context.Background()))
	require.NoError(t, coord.Stop(context.Background()))
	require.Equal(t, 1, stops)
}

func TestStop_RejectsLaterSubmissions(t *testing.T) {
	acc := newAccumulator(t, newCountingStore())
	coord := NewCoordinator(acc, DefaultConfig())
	require.True(t, coord.Accepting())

	require.NoError(t, coord.Stop(context.Background()))
	require.False(t, coord.Accepting())

	err := acc.Submit(context.Background(), "late", "t1")
	require.ErrorIs(t, err, core.ErrSubmissionAfterShutdown)
	require.Empty(t, acc.PeekAll())
}

func TestStop_FailingStoreDoesNotHang(t *testing.T) {
	store := newCountingStore()
	acc := newAccumulator(t, store)
	ctx := context.Background()
	require.NoError(t, acc.Submit(ctx, "a", "a1"))
	require.NoError(t, acc.Submit(ctx, "b", "b1"))
	store.fail = true

	coord := NewCoordinator(acc, Config{DrainAttempts: 3, DrainBackoff: time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- coord.Stop(ctx) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, core.ErrStoreWrite)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	calls, _ := store.snapshot()
	require.Equal(t, map[string]int{"a": 3, "b": 3}, calls)
	require.ElementsMatch(t, []string{"a", "b"}, acc.PeekAll())
	require.Equal(t, StateStopped, coord.State())
}

func TestStop_CancelledContextAbandonsRetries(t *testing.T) {
	store := newCountingStore()
	acc := newAccumulator(t, store)
	require.NoError(t, acc.Submit(context.Background(), "a", "a1"))
	store.fail = true

	coord := NewCoordinator(acc, Config{DrainAttempts: 5, DrainBackoff: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := coord.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, core.ErrStoreWrite)
}

func TestStop_HookOrder(t *testing.T) {
	store := newCountingStore()
	acc := newAccumulator(t, store)
	require.NoError(t, acc.Submit(context.Background(), "a", "a1"))
	coord := NewCoordinator(acc, DefaultConfig())

	var order []string
	coord.RegisterHook(HookFunc{
		Name: "worker",
		OnStopFunc: func(context.Context) error {
			calls, _ := store.snapshot()
			require.Empty(t, calls)
			order = append(order, "stop")
			return nil
		},
	})
	coord.RegisterHook(CloseFunc("store", func() error {
		calls, _ := store.snapshot()
		require.Equal(t, 1, calls["a"])
		order = append(order, "close")
		return errors.New("close failed")
	}))
	require.Equal(t, 2, coord.HookCount())

	err := coord.Stop(context.Background())
	require.ErrorContains(t, err, "close hook store")
	require.Equal(t, []string{"stop", "close"}, order)
}
