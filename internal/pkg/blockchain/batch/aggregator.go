// Package batch is the batched read aggregator: it encodes typed contract
// reads, submits them through a Multicaller in fixed-size chunks with bounded
// parallelism, and decodes each return slot according to its declared types.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

var (
	// ErrResultCountMismatch is returned when a round trip yields a different
	// number of results than calls submitted.
	ErrResultCountMismatch = errors.New("result count does not match call count")

	// ErrCallFailed is returned when a call that does not allow failure reverts.
	ErrCallFailed = errors.New("call failed")
)

// Call is one typed read. Signature is the canonical function signature,
// for example "balanceOf(address)"; Returns lists the ABI return types.
type Call struct {
	Target       common.Address
	Signature    string
	Args         []any
	Returns      []string
	AllowFailure bool
}

// Config controls chunking and parallelism.
type Config struct {
	// BatchSize is the number of calls per round trip.
	BatchSize int

	// Parallelism is the number of chunks in flight at once.
	Parallelism int

	// InterBatchDelay is slept between groups of chunks.
	InterBatchDelay time.Duration

	// Retry is applied to each chunk as a whole.
	Retry retry.Config

	Logger *slog.Logger
}

// ConfigDefaults returns the default aggregator configuration.
func ConfigDefaults() Config {
	return Config{
		BatchSize:       200,
		Parallelism:     5,
		InterBatchDelay: 100 * time.Millisecond,
		Retry:           retry.DefaultConfig(),
		Logger:          slog.Default(),
	}
}

// Aggregator executes typed reads in batches.
type Aggregator struct {
	multicaller outbound.Multicaller
	config      Config
	logger      *slog.Logger
	pool        pond.Pool

	mu      sync.RWMutex
	methods map[string]*method
}

type method struct {
	selector []byte
	inputs   abi.Arguments
}

// NewAggregator creates an Aggregator over a Multicaller.
func NewAggregator(multicaller outbound.Multicaller, config Config) (*Aggregator, error) {
	if multicaller == nil {
		return nil, errors.New("multicaller cannot be nil")
	}

	defaults := ConfigDefaults()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Parallelism <= 0 {
		config.Parallelism = defaults.Parallelism
	}
	if config.InterBatchDelay < 0 {
		config.InterBatchDelay = 0
	}
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Aggregator{
		multicaller: multicaller,
		config:      config,
		logger:      config.Logger.With("component", "batch-aggregator"),
		pool:        pond.NewPool(config.Parallelism),
		methods:     make(map[string]*method),
	}, nil
}

// Close stops the worker pool.
func (a *Aggregator) Close() {
	a.pool.StopAndWait()
}

// Execute submits calls as a single round trip and decodes every slot.
// The whole batch fails if the round trip fails, if the result count differs
// from the call count, or if a call that does not allow failure reverts.
// A failed call that allows failure decodes to a nil slot.
func (a *Aggregator) Execute(ctx context.Context, calls []Call, block *big.Int) ([][]any, error) {
	if len(calls) == 0 {
		return [][]any{}, nil
	}

	encoded := make([]outbound.Call, len(calls))
	outputs := make([]abi.Arguments, len(calls))
	for i, c := range calls {
		data, err := a.encode(c)
		if err != nil {
			return nil, fmt.Errorf("encoding %s on %s: %w", c.Signature, c.Target.Hex(), err)
		}
		out, err := arguments(c.Returns)
		if err != nil {
			return nil, &encodingError{fmt.Errorf("return types of %s: %w", c.Signature, err)}
		}
		encoded[i] = outbound.Call{Target: c.Target, AllowFailure: true, CallData: data}
		outputs[i] = out
	}

	results, err := a.multicaller.Execute(ctx, encoded, block)
	if err != nil {
		return nil, err
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("%w: %d results for %d calls", ErrResultCountMismatch, len(results), len(calls))
	}

	decoded := make([][]any, len(calls))
	for i, r := range results {
		if !r.Success || len(r.ReturnData) == 0 {
			if calls[i].AllowFailure {
				continue
			}
			return nil, fmt.Errorf("%w: %s on %s", ErrCallFailed, calls[i].Signature, calls[i].Target.Hex())
		}
		values, err := outputs[i].Unpack(r.ReturnData)
		if err != nil {
			if calls[i].AllowFailure {
				continue
			}
			return nil, fmt.Errorf("decoding %s on %s: %w", calls[i].Signature, calls[i].Target.Hex(), err)
		}
		decoded[i] = values
	}
	return decoded, nil
}

// ExecuteChunked splits calls into BatchSize chunks, runs up to Parallelism
// chunks concurrently, waits for the group, then advances. Each chunk is
// retried as a whole. Results keep call order.
func (a *Aggregator) ExecuteChunked(ctx context.Context, calls []Call, block *big.Int) ([][]any, error) {
	results := make([][]any, len(calls))
	if len(calls) == 0 {
		return results, nil
	}

	size := a.config.BatchSize
	chunks := (len(calls) + size - 1) / size

	for first := 0; first < chunks; first += a.config.Parallelism {
		if first > 0 && a.config.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.config.InterBatchDelay):
			}
		}

		last := min(first+a.config.Parallelism, chunks)
		group := a.pool.NewGroupContext(ctx)
		groupCtx := group.Context()

		for chunk := first; chunk < last; chunk++ {
			start := chunk * size
			end := min(start+size, len(calls))
			group.SubmitErr(func() error {
				values, err := retry.Do(groupCtx, a.config.Retry, isRetryable, a.onRetry(start, end), func() ([][]any, error) {
					return a.Execute(groupCtx, calls[start:end], block)
				})
				if err != nil {
					return fmt.Errorf("batch [%d, %d): %w", start, end, err)
				}
				copy(results[start:end], values)
				return nil
			})
		}

		if err := group.Wait(); err != nil {
			return nil, err
		}

		a.logger.Debug("batch group complete",
			"calls", len(calls),
			"done", min(last*size, len(calls)))
	}

	return results, nil
}

func (a *Aggregator) onRetry(start, end int) retry.OnRetryFunc {
	return func(attempt int, err error, backoff time.Duration) {
		a.logger.Warn("batch failed, retrying",
			"from", start,
			"to", end,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
	}
}

// isRetryable treats every batch failure as transient except encoding
// problems, which cannot succeed on a later attempt.
func isRetryable(err error) bool {
	var encErr *encodingError
	return !errors.As(err, &encErr)
}

type encodingError struct{ err error }

func (e *encodingError) Error() string { return e.err.Error() }
func (e *encodingError) Unwrap() error { return e.err }

func (a *Aggregator) encode(c Call) ([]byte, error) {
	m, err := a.lookup(c.Signature)
	if err != nil {
		return nil, &encodingError{err}
	}
	packed, err := m.inputs.Pack(c.Args...)
	if err != nil {
		return nil, &encodingError{err}
	}
	data := make([]byte, 0, len(m.selector)+len(packed))
	data = append(data, m.selector...)
	return append(data, packed...), nil
}

func (a *Aggregator) lookup(signature string) (*method, error) {
	a.mu.RLock()
	m, ok := a.methods[signature]
	a.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := parseSignature(signature)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.methods[signature] = m
	a.mu.Unlock()
	return m, nil
}

// parseSignature turns "name(type1,type2)" into a selector and input arguments.
func parseSignature(signature string) (*method, error) {
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return nil, fmt.Errorf("malformed signature %q", signature)
	}

	var types []string
	if inner := signature[open+1 : len(signature)-1]; inner != "" {
		types = strings.Split(inner, ",")
	}
	inputs, err := arguments(types)
	if err != nil {
		return nil, err
	}

	return &method{
		selector: crypto.Keccak256([]byte(signature))[:4],
		inputs:   inputs,
	}, nil
}

func arguments(types []string) (abi.Arguments, error) {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, err := abi.NewType(strings.TrimSpace(t), "", nil)
		if err != nil {
			return nil, fmt.Errorf("type %q: %w", t, err)
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args, nil
}
