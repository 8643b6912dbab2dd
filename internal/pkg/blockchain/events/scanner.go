// Package events scans historical ledger logs in bounded block ranges and
// extracts the account addresses named by selected event arguments.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Watch selects one event emitted by a set of contracts and the address
// arguments of that event that identify accounts.
type Watch struct {
	Contracts   []common.Address
	Event       abi.Event
	AccountArgs []string
}

// Config controls range splitting. Retrying a failed query is the ledger
// client's concern.
type Config struct {
	// BlockStep is the widest block range sent in a single log query.
	BlockStep uint64

	Logger *slog.Logger
}

// ConfigDefaults returns the default scanner configuration.
func ConfigDefaults() Config {
	return Config{
		BlockStep: 10_000,
		Logger:    slog.Default(),
	}
}

// Scanner runs Watches over block ranges.
type Scanner struct {
	client outbound.LedgerClient
	config Config
	logger *slog.Logger
}

// NewScanner creates a Scanner over a LedgerClient.
func NewScanner(client outbound.LedgerClient, config Config) (*Scanner, error) {
	if client == nil {
		return nil, errors.New("ledger client cannot be nil")
	}

	defaults := ConfigDefaults()
	if config.BlockStep == 0 {
		config.BlockStep = defaults.BlockStep
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Scanner{
		client: client,
		config: config,
		logger: config.Logger.With("component", "event-scanner"),
	}, nil
}

// Scan queries every watch over [from, to] in BlockStep sub-ranges and
// returns the distinct accounts found, sorted. The zero address is never
// returned. Any sub-range query that fails fails the scan.
func (s *Scanner) Scan(ctx context.Context, watches []Watch, from, to uint64) ([]string, error) {
	if from > to {
		return []string{}, nil
	}

	for _, w := range watches {
		if err := w.validate(); err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{})
	step := s.config.BlockStep
	start := time.Now()

	for lo := from; lo <= to; {
		hi := min(lo+step-1, to)
		if hi < lo {
			// overflow near MaxUint64
			hi = to
		}

		for _, w := range watches {
			logs, err := s.filter(ctx, w, lo, hi)
			if err != nil {
				return nil, fmt.Errorf("scanning %s in [%d, %d]: %w", w.Event.Name, lo, hi, err)
			}
			for _, l := range logs {
				accounts, err := Extract(w, l)
				if err != nil {
					return nil, fmt.Errorf("decoding %s at block %d: %w", w.Event.Name, l.BlockNumber, err)
				}
				for _, a := range accounts {
					seen[a.Hex()] = struct{}{}
				}
			}
		}

		s.logger.Debug("range scanned",
			"from", lo,
			"to", hi,
			"target", to,
			"accountCount", len(seen))

		if hi == to {
			break
		}
		lo = hi + 1
	}

	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	slices.Sort(out)

	s.logger.Info("scan complete",
		"from", from,
		"to", to,
		"events", len(watches),
		"accountCount", len(out),
		"duration", time.Since(start))

	return out, nil
}

func (s *Scanner) filter(ctx context.Context, w Watch, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: w.Contracts,
		Topics:    [][]common.Hash{{w.Event.ID}},
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		s.logger.Warn("log query failed",
			"event", w.Event.Name,
			"from", from,
			"to", to,
			"error", err)
		return nil, err
	}
	return logs, nil
}

func (w Watch) validate() error {
	if len(w.Contracts) == 0 {
		return fmt.Errorf("watch on %s has no contracts", w.Event.Name)
	}
	if len(w.AccountArgs) == 0 {
		return fmt.Errorf("watch on %s names no account arguments", w.Event.Name)
	}
	for _, name := range w.AccountArgs {
		found := false
		for _, in := range w.Event.Inputs {
			if in.Name == name {
				if in.Type.T != abi.AddressTy {
					return fmt.Errorf("argument %s of %s is %s, not address", name, w.Event.Name, in.Type)
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("event %s has no argument %s", w.Event.Name, name)
		}
	}
	return nil
}

// Extract decodes a log of the watched event and returns the non-zero
// account addresses found in the watch's account arguments.
func Extract(w Watch, log types.Log) ([]common.Address, error) {
	if len(log.Topics) == 0 || log.Topics[0] != w.Event.ID {
		return nil, fmt.Errorf("log is not a %s event", w.Event.Name)
	}

	values := make(map[string]any)

	var indexed, nonIndexed abi.Arguments
	for _, in := range w.Event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		} else {
			nonIndexed = append(nonIndexed, in)
		}
	}

	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("parsing indexed arguments: %w", err)
		}
	}
	if len(nonIndexed) > 0 && len(log.Data) > 0 {
		if err := nonIndexed.UnpackIntoMap(values, log.Data); err != nil {
			return nil, fmt.Errorf("parsing data arguments: %w", err)
		}
	}

	accounts := make([]common.Address, 0, len(w.AccountArgs))
	for _, name := range w.AccountArgs {
		addr, ok := values[name].(common.Address)
		if !ok {
			return nil, fmt.Errorf("argument %s missing from %s", name, w.Event.Name)
		}
		if addr == (common.Address{}) {
			continue
		}
		accounts = append(accounts, addr)
	}
	return accounts, nil
}
