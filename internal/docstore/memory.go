package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/update"
)

// MemoryStore keeps documents in process memory. It is the default store and
// the one used by tests.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]map[string]any
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]any)}
}

// Apply applies ops to a copy of the document and swaps it in only if every
// operation succeeded.
func (m *MemoryStore) Apply(ctx context.Context, docID string, ops []core.UpdateOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("document store is closed")
	}

	doc, _ := cloneValue(m.docs[docID]).(map[string]any)
	if doc == nil {
		doc = make(map[string]any)
	}
	if err := update.Apply(doc, ops); err != nil {
		return err
	}
	m.docs[docID] = doc
	return nil
}

// ReadArray returns the array stored at path in docID.
func (m *MemoryStore) ReadArray(ctx context.Context, docID string, path string) ([]core.PlayRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[docID]
	if !ok {
		return []core.PlayRecord{}, nil
	}
	arr, err := update.ArrayAt(doc, path)
	if err != nil {
		return nil, &core.PathError{Path: path, Err: err}
	}
	out := make([]core.PlayRecord, len(arr))
	copy(out, arr)
	return out, nil
}

// Document returns a deep copy of docID, or nil.
func (m *MemoryStore) Document(docID string) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.docs[docID]
	if !ok {
		return nil
	}
	doc, _ := cloneValue(src).(map[string]any)
	return doc
}

// Put replaces a whole document. Used to seed existing history.
func (m *MemoryStore) Put(docID string, doc map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone, _ := cloneValue(doc).(map[string]any)
	m.docs[docID] = clone
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MemoryStoreFactory creates in-memory stores.
type MemoryStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *MemoryStoreFactory) Type() string {
	return "memory"
}

// Validate accepts any configuration of type memory.
func (f *MemoryStoreFactory) Validate(config Config) error {
	if config.Type != "memory" {
		return fmt.Errorf("invalid type for memory factory: %s", config.Type)
	}
	return nil
}

// Create returns a new empty MemoryStore.
func (f *MemoryStoreFactory) Create(ctx context.Context, config Config) (core.DocumentStore, error) {
	return NewMemoryStore(), nil
}

func init() {
	RegisterFactory(&MemoryStoreFactory{})
}
