// Package source feeds play events from Kafka into the batch accumulator.
package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/rzpsarthak13/history-absorber/internal/core"
)

// ErrInvalidEvent is returned for messages that cannot be turned into a
// play record. Such messages are committed and skipped.
var ErrInvalidEvent = errors.New("invalid play event")

// Submitter accepts play records; *batch.Accumulator implements it.
type Submitter interface {
	Submit(ctx context.Context, key string, record core.PlayRecord) error
}

// Config holds configuration for the Kafka source.
type Config struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic"`
	GroupID      string        `yaml:"group_id" json:"group_id"`
	MinBytes     int           `yaml:"min_bytes" json:"min_bytes"`
	MaxBytes     int           `yaml:"max_bytes" json:"max_bytes"`
	MaxWait      time.Duration `yaml:"max_wait" json:"max_wait"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// DefaultConfig returns a disabled source with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		Topic:        "track-played",
		GroupID:      "history-absorber",
		MinBytes:     1,
		MaxBytes:     10e6,
		MaxWait:      500 * time.Millisecond,
		RetryBackoff: time.Second,
	}
}

// Validate checks an enabled source configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("Kafka topic is required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("Kafka group_id is required")
	}
	if c.MinBytes < 0 || c.MaxBytes < c.MinBytes {
		return fmt.Errorf("invalid fetch sizes: min_bytes=%d max_bytes=%d", c.MinBytes, c.MaxBytes)
	}
	return nil
}

// PlayEvent is the message payload on the play topic. Either TrackID or a
// full Track object must be set; UserID falls back to the message key.
type PlayEvent struct {
	UserID  string          `json:"user_id"`
	TrackID string          `json:"track_id,omitempty"`
	Track   json.RawMessage `json:"track,omitempty"`
}

// DecodeEvent turns a Kafka message into an accumulator key and record.
func DecodeEvent(msg kafka.Message) (string, core.PlayRecord, error) {
	var ev PlayEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	key := ev.UserID
	if key == "" {
		key = string(msg.Key)
	}
	if key == "" {
		return "", nil, fmt.Errorf("%w: missing user_id", ErrInvalidEvent)
	}

	if len(ev.Track) > 0 && string(ev.Track) != "null" {
		var track any
		if err := json.Unmarshal(ev.Track, &track); err != nil {
			return "", nil, fmt.Errorf("%w: track: %v", ErrInvalidEvent, err)
		}
		return key, track, nil
	}
	if ev.TrackID == "" {
		return "", nil, fmt.Errorf("%w: missing track_id", ErrInvalidEvent)
	}
	return key, ev.TrackID, nil
}

// messageReader is the subset of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes play events and submits them. An offset is committed
// only once its record has been accepted by the accumulator, so records
// rejected during shutdown are redelivered to the next consumer.
type KafkaSource struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	reader messageReader
	sink   Submitter
	config Config

	consumed int64
	skipped  int64
}

// NewKafkaSource creates a consumer-group reader for config.
func NewKafkaSource(config Config, sink Submitter) (*KafkaSource, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     config.Brokers,
		Topic:       config.Topic,
		GroupID:     config.GroupID,
		MinBytes:    config.MinBytes,
		MaxBytes:    config.MaxBytes,
		MaxWait:     config.MaxWait,
		StartOffset: kafka.FirstOffset,
	})

	log.Printf("[KAFKA] Consumer ready: topic %s, group %s, brokers %v", config.Topic, config.GroupID, config.Brokers)
	return newKafkaSource(reader, sink, config), nil
}

func newKafkaSource(reader messageReader, sink Submitter, config Config) *KafkaSource {
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConfig().RetryBackoff
	}
	return &KafkaSource{reader: reader, sink: sink, config: config}
}

// Start begins consuming in a background goroutine.
func (s *KafkaSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	go s.run(runCtx, s.doneCh)
	return nil
}

// Stop stops consuming and waits for the loop to exit. The reader stays
// open until Close.
func (s *KafkaSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, doneCh := s.cancel, s.doneCh
	s.mu.Unlock()

	cancel()
	<-doneCh
	log.Printf("[KAFKA] Consumer stopped (consumed: %d, skipped: %d)", s.consumed, s.skipped)
	return nil
}

// Close closes the reader, leaving the consumer group.
func (s *KafkaSource) Close() error {
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka reader: %w", err)
	}
	return nil
}

func (s *KafkaSource) run(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[KAFKA] ERROR: fetch failed: %v", err)
			if !s.wait(ctx) {
				return
			}
			continue
		}

		if !s.handle(ctx, msg) {
			return
		}
	}
}

// handle submits one message and commits it. It returns false when the
// loop must exit.
func (s *KafkaSource) handle(ctx context.Context, msg kafka.Message) bool {
	key, record, err := DecodeEvent(msg)
	if err != nil {
		log.Printf("[KAFKA] Skipping message at %s/%d offset %d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		s.skipped++
		return s.commit(ctx, msg)
	}

	for {
		err := s.sink.Submit(ctx, key, record)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrBatchSaturated):
			log.Printf("[KAFKA] Batch for %s is saturated, retrying in %v", key, s.config.RetryBackoff)
			if !s.wait(ctx) {
				return false
			}
			continue
		case errors.Is(err, core.ErrSubmissionAfterShutdown):
			return false
		case errors.Is(err, core.ErrStoreWrite):
			// The record is buffered; only the size-triggered flush failed.
		default:
			log.Printf("[KAFKA] Dropping message at offset %d for %s: %v", msg.Offset, key, err)
			s.skipped++
			return s.commit(ctx, msg)
		}
		s.consumed++
		return s.commit(ctx, msg)
	}
}

func (s *KafkaSource) commit(ctx context.Context, msg kafka.Message) bool {
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Printf("[KAFKA] ERROR: commit of offset %d failed: %v", msg.Offset, err)
	}
	return true
}

func (s *KafkaSource) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.config.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
