package batch

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/metrics"
)

func TestFlush_UpdatesMetrics(t *testing.T) {
	store := newFakeStore()
	acc := newTestAccumulator(t, store, 10, time.Hour)
	ctx := context.Background()

	flushes := testutil.ToFloat64(metrics.FlushesTotal.WithLabelValues(string(core.TriggerManual)))
	failures := testutil.ToFloat64(metrics.FlushFailuresTotal.WithLabelValues(string(core.TriggerManual)))
	flushed := testutil.ToFloat64(metrics.FlushedRecordsTotal)
	rejected := testutil.ToFloat64(metrics.RejectedSubmissionsTotal.WithLabelValues("shutdown"))

	require.NoError(t, acc.Submit(ctx, "metrics-user", "a"))
	require.NoError(t, acc.Submit(ctx, "metrics-user", "b"))

	store.setFail(true)
	require.Error(t, acc.Flush(ctx, "metrics-user", core.TriggerManual))
	store.setFail(false)
	require.NoError(t, acc.Flush(ctx, "metrics-user", core.TriggerManual))

	acc.Seal()
	require.ErrorIs(t, acc.Submit(ctx, "metrics-user", "c"), core.ErrSubmissionAfterShutdown)

	require.Equal(t, flushes+1, testutil.ToFloat64(metrics.FlushesTotal.WithLabelValues(string(core.TriggerManual))))
	require.Equal(t, failures+1, testutil.ToFloat64(metrics.FlushFailuresTotal.WithLabelValues(string(core.TriggerManual))))
	require.Equal(t, flushed+2, testutil.ToFloat64(metrics.FlushedRecordsTotal))
	require.Equal(t, rejected+1, testutil.ToFloat64(metrics.RejectedSubmissionsTotal.WithLabelValues("shutdown")))
}
