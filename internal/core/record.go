package core

import (
	"time"
)

// PlayRecord is one playable-track event. The batching layer treats it as an
// opaque, immutable value; stores serialize it as JSON.
type PlayRecord = any

// FlushPolicy is the hybrid size/age policy a batch is flushed under.
// It is fixed when the accumulator is constructed.
type FlushPolicy struct {
	// MaxBatchSize is the number of buffered records that forces an
	// immediate flush inside Submit.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`

	// MaxBatchAge is how long the oldest buffered record may wait before the
	// scheduler flushes the batch.
	MaxBatchAge time.Duration `yaml:"max_batch_age" json:"max_batch_age"`
}

// DefaultFlushPolicy returns the policy used when none is configured.
func DefaultFlushPolicy() FlushPolicy {
	return FlushPolicy{
		MaxBatchSize: 50,
		MaxBatchAge:  30 * time.Second,
	}
}

// FlushTrigger records why a flush ran.
type FlushTrigger string

const (
	TriggerSize     FlushTrigger = "size"
	TriggerAge      FlushTrigger = "age"
	TriggerShutdown FlushTrigger = "shutdown"
	TriggerManual   FlushTrigger = "manual"
)

// BatchSnapshot is a point-in-time copy of one key's batch.
type BatchSnapshot struct {
	Key       string
	Records   []PlayRecord
	CreatedAt time.Time
}
