package docstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/rzpsarthak13/history-absorber/internal/core"
)

// RedisStore keeps each array field as a Redis list and each scalar field as
// a string, under "<prefix><docID>:<path>". All operations for one document
// run in a single MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

// redisCommand is one command of a document update, with the field it
// touches so a failure can be attributed.
type redisCommand struct {
	path string
	args []any
}

func (r *RedisStore) fieldKey(docID, path string) string {
	return fieldKey(r.prefix, docID, path)
}

func fieldKey(prefix, docID, path string) string {
	return prefix + docID + ":" + path
}

// redisCommands translates ops into Redis commands:
//
//	PushEach/Push      RPUSH key v...
//	SliceFromEnd n     LTRIM key -n -1
//	SliceFromStart n   LTRIM key 0 n-1
//	Set                SET key v
func redisCommands(prefix, docID string, ops []core.UpdateOperation) ([]redisCommand, error) {
	cmds := make([]redisCommand, 0, len(ops))
	for _, op := range ops {
		key := fieldKey(prefix, docID, op.Path)
		switch op.Kind {
		case core.OperationPush, core.OperationPushEach:
			records := op.Records()
			if len(records) == 0 {
				continue
			}
			args := make([]any, 0, len(records)+2)
			args = append(args, "rpush", key)
			for _, rec := range records {
				encoded, err := encodeValue(rec)
				if err != nil {
					return nil, &core.PathError{Path: op.Path, Err: err}
				}
				args = append(args, encoded)
			}
			cmds = append(cmds, redisCommand{path: op.Path, args: args})
		case core.OperationSliceFromEnd:
			if op.Bound == 0 {
				cmds = append(cmds, redisCommand{path: op.Path, args: []any{"del", key}})
				continue
			}
			cmds = append(cmds, redisCommand{path: op.Path, args: []any{"ltrim", key, -op.Bound, -1}})
		case core.OperationSliceFromStart:
			if op.Bound == 0 {
				cmds = append(cmds, redisCommand{path: op.Path, args: []any{"del", key}})
				continue
			}
			cmds = append(cmds, redisCommand{path: op.Path, args: []any{"ltrim", key, 0, op.Bound - 1}})
		case core.OperationSet:
			encoded, err := encodeValue(op.Value)
			if err != nil {
				return nil, &core.PathError{Path: op.Path, Err: err}
			}
			cmds = append(cmds, redisCommand{path: op.Path, args: []any{"set", key, encoded}})
		default:
			return nil, &core.PathError{Path: op.Path, Err: fmt.Errorf("unsupported operation %s", op.Kind)}
		}
	}
	return cmds, nil
}

// Apply runs the commands for ops in one transaction.
func (r *RedisStore) Apply(ctx context.Context, docID string, ops []core.UpdateOperation) error {
	if r.closed.Load() {
		return fmt.Errorf("document store is closed")
	}

	cmds, err := redisCommands(r.prefix, docID, ops)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	results := make([]*redis.Cmd, len(cmds))
	for i, cmd := range cmds {
		results[i] = pipe.Do(ctx, cmd.args...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		for i, res := range results {
			if res.Err() != nil && isWrongType(res.Err()) {
				log.Printf("[REDIS] ERROR: %s failed for %s: %v", cmds[i].args[0], r.fieldKey(docID, cmds[i].path), res.Err())
				return &core.PathError{Path: cmds[i].path, Err: res.Err()}
			}
		}
		log.Printf("[REDIS] ERROR: transaction for document %s failed: %v", docID, err)
		return fmt.Errorf("failed to apply %d commands to document %s: %w", len(cmds), docID, err)
	}
	return nil
}

func isWrongType(err error) bool {
	return err != nil && !errors.Is(err, redis.Nil) && strings.HasPrefix(err.Error(), "WRONGTYPE")
}

// ReadArray returns the list stored for path.
func (r *RedisStore) ReadArray(ctx context.Context, docID string, path string) ([]core.PlayRecord, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("document store is closed")
	}

	vals, err := r.client.LRange(ctx, r.fieldKey(docID, path), 0, -1).Result()
	if err != nil {
		if isWrongType(err) {
			return nil, &core.PathError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("failed to read %s: %w", r.fieldKey(docID, path), err)
	}

	out := make([]core.PlayRecord, 0, len(vals))
	for _, v := range vals {
		rec, err := decodeValue(v)
		if err != nil {
			return nil, &core.PathError{Path: path, Err: err}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}

// RedisStoreFactory creates Redis-backed stores.
type RedisStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *RedisStoreFactory) Type() string {
	return "redis"
}

// Validate validates the Redis-specific configuration.
func (f *RedisStoreFactory) Validate(config Config) error {
	if config.Type != "redis" {
		return fmt.Errorf("invalid type for Redis factory: %s", config.Type)
	}
	rc := config.Redis
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required for Redis")
	}
	if rc.DB < 0 || rc.DB > 15 {
		return fmt.Errorf("Redis DB must be between 0 and 15, got: %d", rc.DB)
	}
	if rc.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be greater than 0, got: %d", rc.PoolSize)
	}
	if rc.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns must be non-negative, got: %d", rc.MinIdleConns)
	}
	if rc.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be greater than 0, got: %v", rc.DialTimeout)
	}
	if rc.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be greater than 0, got: %v", rc.ReadTimeout)
	}
	if rc.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be greater than 0, got: %v", rc.WriteTimeout)
	}
	return nil
}

// Create connects to Redis and verifies the connection with PING.
func (f *RedisStoreFactory) Create(ctx context.Context, config Config) (core.DocumentStore, error) {
	rc := config.Redis
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Endpoints[0],
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, rc.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[REDIS] Connected to %s (db %d)", rc.Endpoints[0], rc.DB)
	return NewRedisStore(client, rc.KeyPrefix), nil
}

func init() {
	RegisterFactory(&RedisStoreFactory{})
}
