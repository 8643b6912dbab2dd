package outbound

import (
	"context"
	"errors"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
)

// ErrCheckpointNotFound is returned by Load when no checkpoint exists yet.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore persists discovery checkpoints keyed by parser-instance name.
// Save must be atomic: either the new checkpoint is fully stored or the
// previous one is left intact.
type CheckpointStore interface {
	Load(ctx context.Context, name string) (*entity.Checkpoint, error)
	Save(ctx context.Context, name string, cp *entity.Checkpoint) error
}
