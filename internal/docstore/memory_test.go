package docstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/update"
)

func playRecords(prefix string, n int) []core.PlayRecord {
	out := make([]core.PlayRecord, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return out
}

func TestMemoryStore_AppliesCompiledBatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Put("user1", map[string]any{"history": []any{"old1", "old2", "old3"}})

	ops, err := update.Compile("history", playRecords("r", 10), -5)
	require.NoError(t, err)
	require.NoError(t, store.Apply(ctx, "user1", ops))

	got, err := store.ReadArray(ctx, "user1", "history")
	require.NoError(t, err)
	require.Equal(t, []core.PlayRecord{"r6", "r7", "r8", "r9", "r10"}, got)
}

func TestMemoryStore_FailedApplyLeavesDocumentUnchanged(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Put("user1", map[string]any{"history": []any{"a"}, "name": "x"})

	err := store.Apply(ctx, "user1", []core.UpdateOperation{
		{Path: "history", Kind: core.OperationPushEach, Value: []core.PlayRecord{"b"}},
		{Path: "name", Kind: core.OperationPush, Value: "oops"},
	})
	var pathErr *core.PathError
	require.ErrorAs(t, err, &pathErr)
	require.Equal(t, "name", pathErr.Path)

	require.Equal(t, map[string]any{"history": []any{"a"}, "name": "x"}, store.Document("user1"))
}

func TestMemoryStore_MissingDocument(t *testing.T) {
	store := NewMemoryStore()
	got, err := store.ReadArray(context.Background(), "nobody", "history")
	require.NoError(t, err)
	require.Empty(t, got)
	require.Nil(t, store.Document("nobody"))

	store.Put("empty", map[string]any{})
	require.NotNil(t, store.Document("empty"))
	require.Empty(t, store.Document("empty"))
}

func TestMemoryStore_ClosedRejectsWrites(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	ops, err := update.Compile("history", playRecords("r", 1), 0)
	require.NoError(t, err)
	require.Error(t, store.Apply(context.Background(), "user1", ops))
}

func TestFactory_Registry(t *testing.T) {
	require.Equal(t, []string{"dynamodb", "memory", "mysql", "redis"}, RegisteredTypes())
	require.True(t, IsTypeRegistered("memory"))
	require.False(t, IsTypeRegistered("mongodb"))

	store, err := Create(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, store)

	_, err = Create(context.Background(), Config{Type: "mongodb"})
	require.ErrorContains(t, err, "unsupported store type")

	_, err = Create(context.Background(), Config{})
	require.ErrorContains(t, err, "store type is required")

	require.Panics(t, func() { RegisterFactory(&MemoryStoreFactory{}) })
}

func TestFactory_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "redis defaults", mutate: func(c *Config) { c.Type = "redis" }},
		{name: "redis without endpoints", mutate: func(c *Config) { c.Type = "redis"; c.Redis.Endpoints = nil }, wantErr: "endpoint"},
		{name: "redis bad db", mutate: func(c *Config) { c.Type = "redis"; c.Redis.DB = 16 }, wantErr: "between 0 and 15"},
		{name: "dynamodb defaults", mutate: func(c *Config) { c.Type = "dynamodb" }},
		{name: "dynamodb half credentials", mutate: func(c *Config) { c.Type = "dynamodb"; c.DynamoDB.AccessKeyID = "id" }, wantErr: "set together"},
		{name: "mysql without database", mutate: func(c *Config) { c.Type = "mysql"; c.MySQL.Username = "u" }, wantErr: "database is required"},
		{name: "mysql complete", mutate: func(c *Config) { c.Type = "mysql"; c.MySQL.Username = "u"; c.MySQL.Database = "d" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}
