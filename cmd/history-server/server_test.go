package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/history-absorber/pkg/historyabsorber"
)

type fakeRecorder struct {
	recordErr error
	flushErr  error
	state     historyabsorber.State
	records   map[string][]any
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{records: make(map[string][]any)}
}

func (f *fakeRecorder) Record(ctx context.Context, userID string, track any) error {
	if f.recordErr != nil && !errors.Is(f.recordErr, historyabsorber.ErrStoreWrite) {
		return f.recordErr
	}
	f.records[userID] = append(f.records[userID], track)
	return f.recordErr
}

func (f *fakeRecorder) Flush(ctx context.Context) error { return f.flushErr }
func (f *fakeRecorder) FlushUser(ctx context.Context, userID string) error { return f.flushErr }
func (f *fakeRecorder) Pending(userID string) int { return len(f.records[userID]) }
func (f *fakeRecorder) State() historyabsorber.State { return f.state }

func (f *fakeRecorder) History(ctx context.Context, userID string) ([]any, error) {
	return []any{"stored"}, nil
}

func (f *fakeRecorder) Stats() map[string]interface{} {
	return map[string]interface{}{"keys": len(f.records)}
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestRecordHandler(t *testing.T) {
	client := newFakeRecorder()
	h := newRouter(client)

	rec, out := do(t, h, http.MethodPost, "/users/u1/history", `{"track":{"id":"t1","title":"Song"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, float64(1), out["pending"])
	require.Equal(t, []any{map[string]any{"id": "t1", "title": "Song"}}, client.records["u1"])

	rec, _ = do(t, h, http.MethodPost, "/users/u1/history", `{"track":"t2"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "t2", client.records["u1"][1])
}

func TestRecordHandler_BadRequests(t *testing.T) {
	h := newRouter(newFakeRecorder())

	for _, body := range []string{`nope`, `{}`, `{"track":null}`} {
		rec, out := do(t, h, http.MethodPost, "/users/u1/history", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.NotEmpty(t, out["error"])
	}
}

func TestRecordHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"shutdown", fmt.Errorf("%w: key u1", historyabsorber.ErrSubmissionAfterShutdown), http.StatusServiceUnavailable},
		{"saturated", fmt.Errorf("%w: timeout", historyabsorber.ErrBatchSaturated), http.StatusServiceUnavailable},
		{"buffered after failed flush", fmt.Errorf("%w: timeout", historyabsorber.ErrStoreWrite), http.StatusAccepted},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newFakeRecorder()
			client.recordErr = tc.err
			rec, _ := do(t, newRouter(client), http.MethodPost, "/users/u1/history", `{"track":"t1"}`)
			require.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestFlushAndHistoryHandlers(t *testing.T) {
	client := newFakeRecorder()
	h := newRouter(client)

	rec, _ := do(t, h, http.MethodPost, "/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/users/u1/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)

	client.flushErr = errors.New("store down")
	rec, _ = do(t, h, http.MethodPost, "/flush", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec, out := do(t, h, http.MethodGet, "/users/u1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{"stored"}, out["history"])
}

func TestHealthHandler(t *testing.T) {
	client := newFakeRecorder()
	h := newRouter(client)

	rec, out := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "running", out["status"])

	client.state = historyabsorber.StateDraining
	rec, _ = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec, _ := do(t, newRouter(newFakeRecorder()), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
