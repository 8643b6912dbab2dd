// Package baddebt_runner runs the update cycle of one lending protocol
// instance on a fixed cadence.
//
// A cycle picks a target block a few confirmations behind the head, prices
// the protocol's assets at that block, discovers which accounts to refresh,
// re-reads their balances into an in-process position book and publishes a
// bad-debt report computed over the whole book. Each cycle boundary is
// reported to the monitoring sink.
package baddebt_runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/events"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
	"github.com/archon-research/stl/baddebt/internal/services/discovery"
	"github.com/archon-research/stl/baddebt/internal/services/price_resolver"
	"github.com/archon-research/stl/baddebt/internal/services/protocol"
	"github.com/archon-research/stl/baddebt/internal/services/valuation"
)

// Config holds configuration for the runner.
type Config struct {
	// Name identifies the protocol instance in reports, checkpoints and
	// monitoring events. Defaults to the protocol's name.
	Name string

	// Interval is the cadence between cycle starts.
	Interval time.Duration

	// RecoveryDelay is the pause after a failed cycle.
	RecoveryDelay time.Duration

	// ConfirmationLag is how many blocks behind the head a cycle reads.
	ConfirmationLag uint64

	// HeavyInterval is how often the full account set is re-read.
	HeavyInterval time.Duration

	Logger *slog.Logger

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// ConfigDefaults returns the default runner configuration.
func ConfigDefaults() Config {
	return Config{
		Interval:        time.Hour,
		RecoveryDelay:   10 * time.Minute,
		ConfirmationLag: 10,
		HeavyInterval:   24 * time.Hour,
		Logger:          slog.Default(),
		Now:             time.Now,
	}
}

// Dependencies are the collaborators of a Runner. Monitoring and Metrics are
// optional.
type Dependencies struct {
	Ledger      outbound.LedgerClient
	Resolver    *price_resolver.Resolver
	Protocol    protocol.Protocol
	Scanner     *events.Scanner
	Checkpoints outbound.CheckpointStore
	Engine      *valuation.Engine
	Publishers  []outbound.ReportPublisher
	Monitoring  outbound.MonitoringSink
	Metrics     outbound.CycleMetrics
}

func (d Dependencies) validate() error {
	switch {
	case d.Ledger == nil:
		return errors.New("ledger cannot be nil")
	case d.Resolver == nil:
		return errors.New("resolver cannot be nil")
	case d.Protocol == nil:
		return errors.New("protocol cannot be nil")
	case d.Scanner == nil:
		return errors.New("scanner cannot be nil")
	case d.Checkpoints == nil:
		return errors.New("checkpoint store cannot be nil")
	case d.Engine == nil:
		return errors.New("valuation engine cannot be nil")
	}
	for i, p := range d.Publishers {
		if p == nil {
			return fmt.Errorf("publisher %d cannot be nil", i)
		}
	}
	return nil
}

// Runner is the update scheduler of one protocol instance.
type Runner struct {
	config Config
	deps   Dependencies

	// mu guards the cycle state below. Cycles never overlap, the lock only
	// makes the state safe to inspect from other goroutines.
	mu        sync.Mutex
	book      protocol.Book
	lastBlock uint64
	lastHeavy time.Time
	processed bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	logger   *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(deps Dependencies, config Config) (*Runner, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	defaults := ConfigDefaults()
	if config.Name == "" {
		config.Name = deps.Protocol.Name()
	}
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.RecoveryDelay == 0 {
		config.RecoveryDelay = defaults.RecoveryDelay
	}
	if config.ConfirmationLag == 0 {
		config.ConfirmationLag = defaults.ConfirmationLag
	}
	if config.HeavyInterval == 0 {
		config.HeavyInterval = defaults.HeavyInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.Interval < 0 || config.RecoveryDelay < 0 || config.HeavyInterval < 0 {
		return nil, errors.New("durations must be positive")
	}

	return &Runner{
		config: config,
		deps:   deps,
		book:   make(protocol.Book),
		logger: config.Logger.With("component", "baddebt-runner", "protocol", config.Name),
	}, nil
}

// Start begins the polling loop in the background. Cancelling ctx stops
// scheduling new cycles the same way Stop does.
func (r *Runner) Start(ctx context.Context) error {
	if r.stop != nil {
		return errors.New("runner already started")
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go r.loop(ctx)

	r.logger.Info("bad debt runner started",
		"interval", r.config.Interval,
		"heavyInterval", r.config.HeavyInterval,
		"confirmationLag", r.config.ConfirmationLag)
	return nil
}

// Stop ends the loop and waits for the cycle in flight, if any, to finish.
// Callers bound the wait themselves.
func (r *Runner) Stop() error {
	if r.stop != nil {
		r.stopOnce.Do(func() { close(r.stop) })
		<-r.done
	}
	r.logger.Info("bad debt runner stopped")
	return nil
}

// RunOnce runs a single cycle and returns its report. No monitoring events
// are emitted.
func (r *Runner) RunOnce(ctx context.Context) (*entity.Report, error) {
	report, _, err := r.cycle(ctx)
	return report, err
}

// Book returns a copy of the position book.
func (r *Runner) Book() protocol.Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.book)
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	// a started cycle runs to completion; only scheduling watches ctx
	cycleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		delay := r.runCycle(cycleCtx)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runCycle runs one monitored cycle and returns the delay before the next.
func (r *Runner) runCycle(ctx context.Context) time.Duration {
	start := r.config.Now()
	r.record(ctx, entity.MonitoringEvent{
		Status:    entity.CycleStatusRunning,
		LastStart: start.Unix(),
	})

	report, totals, err := r.cycle(ctx)
	end := r.config.Now()
	elapsed := end.Sub(start)

	if err != nil {
		r.logger.Error("cycle failed",
			"error", err,
			"duration", elapsed,
			"retryIn", r.config.RecoveryDelay)
		r.record(ctx, entity.MonitoringEvent{
			Status: entity.CycleStatusError,
			Error:  err.Error(),
		})
		r.recordCycle(ctx, entity.CycleStatusError, elapsed)
		return r.config.RecoveryDelay
	}

	r.record(ctx, entity.MonitoringEvent{
		Status:           entity.CycleStatusSuccess,
		LastEnd:          end.Unix(),
		LastDuration:     end.Unix() - start.Unix(),
		LastBlockFetched: report.Block,
	})
	r.recordCycle(ctx, entity.CycleStatusSuccess, elapsed)
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordReport(ctx, r.config.Name,
			totals.BadDebt.InexactFloat64(),
			totals.TVL.InexactFloat64(),
			totals.Accounts)
	}

	return max(0, r.config.Interval-elapsed)
}

// cycle runs the update steps. The position book and discovery state only
// change once positions were fetched successfully.
func (r *Runner) cycle(ctx context.Context) (*entity.Report, valuation.Totals, error) {
	start := time.Now()

	head, err := r.deps.Ledger.CurrentBlock(ctx)
	if err != nil {
		return nil, valuation.Totals{}, fmt.Errorf("reading head block: %w", err)
	}
	if head < r.config.ConfirmationLag {
		return nil, valuation.Totals{}, fmt.Errorf("head block %d is below the confirmation lag %d", head, r.config.ConfirmationLag)
	}
	target := head - r.config.ConfirmationLag
	block := new(big.Int).SetUint64(target)

	timestamp, err := r.deps.Ledger.BlockTimestamp(ctx, target)
	if err != nil {
		return nil, valuation.Totals{}, fmt.Errorf("reading timestamp of block %d: %w", target, err)
	}

	prices, err := r.deps.Protocol.Prices(ctx, r.deps.Resolver.NewCycle(block))
	if err != nil {
		return nil, valuation.Totals{}, fmt.Errorf("pricing: %w", err)
	}

	accounts, heavy, err := r.discover(ctx, target)
	if err != nil {
		return nil, valuation.Totals{}, fmt.Errorf("discovery: %w", err)
	}

	fetched, err := r.deps.Protocol.FetchPositions(ctx, accounts, block)
	if err != nil {
		return nil, valuation.Totals{}, fmt.Errorf("fetching positions: %w", err)
	}
	book := r.apply(accounts, fetched, heavy, target)

	additional := func(ctx context.Context, account string) (decimal.Decimal, error) {
		return r.deps.Protocol.AdditionalCollateral(ctx, account, book, prices, block)
	}
	report, totals, err := r.deps.Engine.ComputeReport(ctx, book, prices, additional, timestamp)
	if err != nil {
		return nil, valuation.Totals{}, fmt.Errorf("valuation: %w", err)
	}
	report.Block = target

	if err := r.publish(ctx, report); err != nil {
		return nil, valuation.Totals{}, err
	}

	r.logger.Info("cycle complete",
		"block", target,
		"heavy", heavy,
		"refreshedAccounts", len(accounts),
		"bookSize", len(book),
		"badDebtAccounts", len(report.Users),
		"duration", time.Since(start))

	return report, totals, nil
}

// discover returns the accounts to refresh at target and whether the full
// account set was read.
func (r *Runner) discover(ctx context.Context, target uint64) ([]string, bool, error) {
	spec, err := r.deps.Protocol.DiscoverySpec()
	if err != nil {
		return nil, false, err
	}
	d, err := discovery.NewDiscoverer(r.deps.Scanner, r.deps.Checkpoints, spec, discovery.Config{
		Name:   r.config.Name,
		Logger: r.config.Logger,
	})
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	heavy := !r.processed || r.config.Now().Sub(r.lastHeavy) >= r.config.HeavyInterval
	from := r.lastBlock + 1
	r.mu.Unlock()

	if heavy {
		accounts, err := d.Heavy(ctx, target)
		return accounts, true, err
	}
	if from > target {
		r.logger.Debug("no new blocks since last cycle", "lastBlock", from-1, "target", target)
		return nil, false, nil
	}
	accounts, err := d.Light(ctx, from, target)
	return accounts, false, err
}

// apply stages the fetched positions on top of the current book and swaps
// the result in. A heavy refresh starts from an empty book. Empty positions
// are dropped.
func (r *Runner) apply(accounts []string, fetched map[string]*entity.AccountPosition, heavy bool, target uint64) protocol.Book {
	r.mu.Lock()
	defer r.mu.Unlock()

	var staged protocol.Book
	if heavy {
		staged = make(protocol.Book, len(fetched))
	} else {
		staged = maps.Clone(r.book)
		for _, a := range accounts {
			delete(staged, a)
		}
	}
	for account, p := range fetched {
		if p == nil || p.IsEmpty() {
			delete(staged, account)
			continue
		}
		staged[account] = p
	}

	r.book = staged
	r.lastBlock = max(r.lastBlock, target)
	r.processed = true
	if heavy {
		r.lastHeavy = r.config.Now()
	}
	return staged
}

func (r *Runner) publish(ctx context.Context, report *entity.Report) error {
	var errs []error
	for _, p := range r.deps.Publishers {
		if err := p.Publish(ctx, r.config.Name, report); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publishing report: %w", errors.Join(errs...))
	}
	return nil
}

// record sends a monitoring event. Sink failures are logged and do not fail
// the cycle.
func (r *Runner) record(ctx context.Context, event entity.MonitoringEvent) {
	if r.deps.Monitoring == nil {
		return
	}
	event.Name = r.config.Name
	event.Type = entity.MonitoringType
	event.RunEvery = int64(r.config.Interval / time.Minute)
	if err := r.deps.Monitoring.Record(ctx, event); err != nil {
		r.logger.Warn("failed to record monitoring event",
			"status", event.Status,
			"error", err)
	}
}

func (r *Runner) recordCycle(ctx context.Context, status entity.CycleStatus, duration time.Duration) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordCycle(ctx, r.config.Name, status, duration)
	}
}
