// Package redis provides a Redis implementation of the CheckpointStore port.
//
// Each checkpoint is one JSON string under prefix:checkpoint:name, written
// with a single SET so a reader sees either the old or the new value.
// Checkpoints never expire.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Compile-time check that CheckpointStore implements outbound.CheckpointStore
var _ outbound.CheckpointStore = (*CheckpointStore)(nil)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to all keys
	KeyPrefix string
}

// ConfigDefaults returns sensible defaults for Redis configuration.
func ConfigDefaults() Config {
	return Config{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		KeyPrefix: "baddebt",
	}
}

// CheckpointStore is a Redis implementation of the outbound.CheckpointStore port.
type CheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

// NewCheckpointStore creates a new Redis checkpoint store.
func NewCheckpointStore(cfg Config, logger *slog.Logger) (*CheckpointStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = ConfigDefaults().KeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "redis-checkpoint-store")

	return &CheckpointStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger,
	}, nil
}

// Ping checks the Redis connection.
func (s *CheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *CheckpointStore) Close() error {
	return s.client.Close()
}

// key generates a key in the format prefix:checkpoint:name
func (s *CheckpointStore) key(name string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.keyPrefix, name)
}

// Load returns the checkpoint for name, or ErrCheckpointNotFound.
func (s *CheckpointStore) Load(ctx context.Context, name string) (*entity.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, outbound.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	var cp entity.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", name, err)
	}
	return &cp, nil
}

// Save replaces the checkpoint for name.
func (s *CheckpointStore) Save(ctx context.Context, name string, cp *entity.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint cannot be nil")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", name, err)
	}
	if err := s.client.Set(ctx, s.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved", "name", name, "lastBlockFetched", cp.LastBlockFetched, "accounts", cp.Len())
	return nil
}
