// Package discovery finds the accounts a lending protocol instance must value.
//
// A heavy pass scans entry events from the last checkpoint to the target
// block and returns every account ever seen; a light pass scans activity
// events over a short recent range and returns only the accounts touched.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/events"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Spec describes where a protocol instance records account activity.
type Spec struct {
	// DeployBlock is where a scan starts when no checkpoint exists.
	DeployBlock uint64

	// CutoverBlock, when non-zero, is the first block emitting Entry in its
	// current shape. Blocks before it are scanned with LegacyEntry.
	CutoverBlock uint64

	Entry       []events.Watch
	LegacyEntry []events.Watch

	// Activity is every event that can change an account's balances.
	Activity []events.Watch
}

func (s Spec) validate() error {
	if len(s.Entry) == 0 {
		return errors.New("spec has no entry events")
	}
	if s.CutoverBlock > 0 && len(s.LegacyEntry) == 0 {
		return errors.New("spec has a cutover block but no legacy entry events")
	}
	if s.CutoverBlock > 0 && s.CutoverBlock <= s.DeployBlock {
		return fmt.Errorf("cutover block %d must be after deploy block %d", s.CutoverBlock, s.DeployBlock)
	}
	if len(s.Activity) == 0 {
		return errors.New("spec has no activity events")
	}
	return nil
}

// Config configures a Discoverer.
type Config struct {
	// Name keys the checkpoint in the store.
	Name string

	Logger *slog.Logger
}

// Discoverer runs heavy and light discovery for one protocol instance.
type Discoverer struct {
	scanner *events.Scanner
	store   outbound.CheckpointStore
	spec    Spec
	name    string
	logger  *slog.Logger
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(scanner *events.Scanner, store outbound.CheckpointStore, spec Spec, config Config) (*Discoverer, error) {
	if scanner == nil {
		return nil, errors.New("scanner cannot be nil")
	}
	if store == nil {
		return nil, errors.New("checkpoint store cannot be nil")
	}
	if config.Name == "" {
		return nil, errors.New("name is required")
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid discovery spec: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Discoverer{
		scanner: scanner,
		store:   store,
		spec:    spec,
		name:    config.Name,
		logger:  config.Logger.With("component", "discovery", "protocol", config.Name),
	}, nil
}

// Heavy scans entry events from the checkpoint up to target, persists the
// grown checkpoint and returns every known account.
//
// When the range straddles the cutover block the part before it is scanned
// with the legacy schema and checkpointed at cutover-1 first, so a failure
// after the cutover does not repeat the legacy scan. A failed scan leaves the
// stored checkpoint untouched.
func (d *Discoverer) Heavy(ctx context.Context, target uint64) ([]string, error) {
	start := time.Now()

	cp, from, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	if from > target {
		d.logger.Info("checkpoint already past target",
			"lastBlockFetched", cp.LastBlockFetched,
			"target", target)
		return cp.Accounts(), nil
	}

	if cutover := d.spec.CutoverBlock; cutover > 0 && from < cutover {
		legacyTo := min(cutover-1, target)
		if err := d.scanAndSave(ctx, cp, d.spec.LegacyEntry, from, legacyTo); err != nil {
			return nil, fmt.Errorf("legacy scan: %w", err)
		}
		from = legacyTo + 1
	}

	if from <= target {
		if err := d.scanAndSave(ctx, cp, d.spec.Entry, from, target); err != nil {
			return nil, err
		}
	}

	d.logger.Info("heavy discovery complete",
		"target", target,
		"accountCount", cp.Len(),
		"duration", time.Since(start))

	return cp.Accounts(), nil
}

// Light scans activity events over [from, target] and returns the distinct
// accounts touched. It does not read or write the checkpoint.
func (d *Discoverer) Light(ctx context.Context, from, target uint64) ([]string, error) {
	accounts, err := d.scanner.Scan(ctx, d.spec.Activity, from, target)
	if err != nil {
		return nil, fmt.Errorf("light scan [%d, %d]: %w", from, target, err)
	}
	d.logger.Info("light discovery complete",
		"from", from,
		"target", target,
		"accountCount", len(accounts))
	return accounts, nil
}

func (d *Discoverer) load(ctx context.Context) (*entity.Checkpoint, uint64, error) {
	cp, err := d.store.Load(ctx, d.name)
	if errors.Is(err, outbound.ErrCheckpointNotFound) {
		d.logger.Info("no checkpoint, starting from deploy block", "deployBlock", d.spec.DeployBlock)
		return entity.NewCheckpoint(0, nil), d.spec.DeployBlock, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading checkpoint: %w", err)
	}

	from := max(cp.LastBlockFetched+1, d.spec.DeployBlock)
	d.logger.Info("checkpoint loaded",
		"lastBlockFetched", cp.LastBlockFetched,
		"accountCount", cp.Len())
	return cp, from, nil
}

// scanAndSave scans [from, to], merges into a staged copy of cp and persists
// it. cp is only updated once the save succeeded.
func (d *Discoverer) scanAndSave(ctx context.Context, cp *entity.Checkpoint, watches []events.Watch, from, to uint64) error {
	accounts, err := d.scanner.Scan(ctx, watches, from, to)
	if err != nil {
		return err
	}

	staged := cp.Clone()
	added := staged.Merge(accounts)
	if err := staged.Advance(to); err != nil {
		return err
	}
	if err := d.store.Save(ctx, d.name, staged); err != nil {
		return fmt.Errorf("saving checkpoint at %d: %w", to, err)
	}

	*cp = *staged

	d.logger.Debug("checkpoint saved",
		"from", from,
		"to", to,
		"newAccounts", added,
		"accountCount", cp.Len())
	return nil
}
