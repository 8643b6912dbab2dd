// Package filestore keeps discovery checkpoints as JSON files on local disk,
// one file per parser instance.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

var _ outbound.CheckpointStore = (*CheckpointStore)(nil)

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// CheckpointStore writes {dir}/{name}.json. A save goes to a temp file in the
// same directory which is synced and renamed over the target, so a crash
// leaves either the old or the new checkpoint.
type CheckpointStore struct {
	dir    string
	logger *slog.Logger
}

// NewCheckpointStore creates dir if needed.
func NewCheckpointStore(dir string, logger *slog.Logger) (*CheckpointStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &CheckpointStore{
		dir:    dir,
		logger: logger.With("component", "file-checkpoint-store"),
	}, nil
}

func (s *CheckpointStore) path(name string) (string, error) {
	if !validName.MatchString(name) {
		return "", fmt.Errorf("invalid checkpoint name %q", name)
	}
	return filepath.Join(s.dir, name+".json"), nil
}

// Load reads the checkpoint for name.
func (s *CheckpointStore) Load(ctx context.Context, name string) (*entity.Checkpoint, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, outbound.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", name, err)
	}

	var cp entity.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", name, err)
	}
	return &cp, nil
}

// Save atomically replaces the checkpoint for name.
func (s *CheckpointStore) Save(ctx context.Context, name string, cp *entity.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint cannot be nil")
	}
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing checkpoint %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing checkpoint %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing checkpoint %s: %w", name, err)
	}
	committed = true

	s.logger.Debug("checkpoint saved", "name", name, "lastBlockFetched", cp.LastBlockFetched, "accounts", cp.Len())
	return nil
}
