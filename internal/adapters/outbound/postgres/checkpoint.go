package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Compile-time check that CheckpointStore implements outbound.CheckpointStore
var _ outbound.CheckpointStore = (*CheckpointStore)(nil)

// CheckpointStore keeps one row per parser instance in the checkpoints table.
type CheckpointStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewCheckpointStore creates a checkpoint store. The schema is created by
// db/migrator.
func NewCheckpointStore(pool *pgxpool.Pool, logger *slog.Logger) (*CheckpointStore, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointStore{
		pool:   pool,
		logger: logger.With("component", "postgres-checkpoint-store"),
	}, nil
}

// Load returns the checkpoint for name, or ErrCheckpointNotFound.
func (s *CheckpointStore) Load(ctx context.Context, name string) (*entity.Checkpoint, error) {
	var (
		lastBlock int64
		accounts  []string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT last_block_fetched, accounts FROM checkpoints WHERE name = $1`,
		name).Scan(&lastBlock, &accounts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, outbound.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", name, err)
	}
	if lastBlock < 0 {
		return nil, fmt.Errorf("checkpoint %s has negative block %d", name, lastBlock)
	}
	return entity.NewCheckpoint(uint64(lastBlock), accounts), nil
}

// ErrCheckpointRegression is returned by Save when the stored checkpoint is
// ahead of the one being saved.
var ErrCheckpointRegression = errors.New("checkpoint would move backward")

// Save upserts the checkpoint for name in one transaction. A stored row with
// a higher last_block_fetched is left untouched.
func (s *CheckpointStore) Save(ctx context.Context, name string, cp *entity.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint cannot be nil")
	}
	accounts := cp.Accounts()

	err := withTransaction(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO checkpoints (name, last_block_fetched, accounts, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (name) DO UPDATE SET
				last_block_fetched = EXCLUDED.last_block_fetched,
				accounts = EXCLUDED.accounts,
				updated_at = EXCLUDED.updated_at
			WHERE checkpoints.last_block_fetched <= EXCLUDED.last_block_fetched`,
			name, int64(cp.LastBlockFetched), accounts)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrCheckpointRegression
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}

	s.logger.Debug("checkpoint saved", "name", name, "lastBlockFetched", cp.LastBlockFetched, "accounts", len(accounts))
	return nil
}
