package lifecycle

import (
	"context"
	"sync"
)

// Hook is executed while the coordinator shuts down.
// OnStop runs right after submissions are sealed and before the drain; it is
// where background workers (scheduler, poller, record source) are stopped.
// OnClose runs after the drain and releases resources such as store clients.
type Hook interface {
	OnStop(ctx context.Context) error
	OnClose(ctx context.Context) error
}

// HookFunc is a function-based Hook. Nil fields are skipped.
type HookFunc struct {
	Name        string
	OnStopFunc  func(ctx context.Context) error
	OnCloseFunc func(ctx context.Context) error
}

// OnStop calls the OnStopFunc if it's not nil.
func (f HookFunc) OnStop(ctx context.Context) error {
	if f.OnStopFunc != nil {
		return f.OnStopFunc(ctx)
	}
	return nil
}

// OnClose calls the OnCloseFunc if it's not nil.
func (f HookFunc) OnClose(ctx context.Context) error {
	if f.OnCloseFunc != nil {
		return f.OnCloseFunc(ctx)
	}
	return nil
}

// StopFunc returns a hook that only stops a worker.
func StopFunc(name string, stop func() error) HookFunc {
	return HookFunc{Name: name, OnStopFunc: func(context.Context) error { return stop() }}
}

// CloseFunc returns a hook that only closes a resource.
func CloseFunc(name string, closeFn func() error) HookFunc {
	return HookFunc{Name: name, OnCloseFunc: func(context.Context) error { return closeFn() }}
}

// hookManager keeps hooks in registration order.
type hookManager struct {
	mu    sync.RWMutex
	hooks []Hook
}

func (m *hookManager) register(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *hookManager) snapshot() []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	return hooks
}

func (m *hookManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks)
}

// runStop runs every OnStop in order. Unlike enable-style hooks a failure
// does not stop the sequence; all errors are returned.
func (m *hookManager) runStop(ctx context.Context) []error {
	var errs []error
	for _, hook := range m.snapshot() {
		if err := hook.OnStop(ctx); err != nil {
			errs = append(errs, hookError(hook, "stop", err))
		}
	}
	return errs
}

func (m *hookManager) runClose(ctx context.Context) []error {
	var errs []error
	for _, hook := range m.snapshot() {
		if err := hook.OnClose(ctx); err != nil {
			errs = append(errs, hookError(hook, "close", err))
		}
	}
	return errs
}
