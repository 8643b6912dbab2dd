package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FilterCall records one FilterLogs invocation.
type FilterCall struct {
	From, To uint64
}

// MockLedgerClient implements outbound.LedgerClient over an in-memory log set.
type MockLedgerClient struct {
	mu sync.Mutex

	Head       uint64
	Timestamps map[uint64]uint64
	logs       []types.Log

	// FilterErr, when set, is returned for every query touching FailBlock.
	FilterErr error
	FailBlock uint64

	// MaxSpan makes queries wider than this fail, as many nodes do.
	MaxSpan uint64

	HeadErr error

	Filters []FilterCall
}

func NewMockLedgerClient(head uint64) *MockLedgerClient {
	return &MockLedgerClient{Head: head, Timestamps: make(map[uint64]uint64)}
}

func (m *MockLedgerClient) CurrentBlock(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HeadErr != nil {
		return 0, m.HeadErr
	}
	return m.Head, nil
}

func (m *MockLedgerClient) BlockTimestamp(ctx context.Context, block uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.Timestamps[block]; ok {
		return ts, nil
	}
	return 1_700_000_000 + block*12, nil
}

func (m *MockLedgerClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	return nil, errors.New("CallContract not mocked")
}

func (m *MockLedgerClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	m.Filters = append(m.Filters, FilterCall{From: from, To: to})

	if m.MaxSpan > 0 && to-from+1 > m.MaxSpan {
		return nil, fmt.Errorf("query returned more than 10000 results")
	}
	if m.FilterErr != nil && m.FailBlock >= from && m.FailBlock <= to {
		return nil, m.FilterErr
	}

	var out []types.Log
	for _, l := range m.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !slices.Contains(q.Addresses, l.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && !slices.Contains(q.Topics[0], l.Topics[0]) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// AddLog stores a log built from event with the given argument values, in
// declaration order.
func (m *MockLedgerClient) AddLog(contract common.Address, block uint64, event abi.Event, values ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, BuildLog(contract, block, event, values...))
}

// BuildLog encodes an event log, placing indexed values into topics.
func BuildLog(contract common.Address, block uint64, event abi.Event, values ...any) types.Log {
	if len(values) != len(event.Inputs) {
		panic(fmt.Sprintf("event %s takes %d values, got %d", event.Name, len(event.Inputs), len(values)))
	}

	topics := []common.Hash{event.ID}
	var dataArgs abi.Arguments
	var dataValues []any
	for i, in := range event.Inputs {
		if in.Indexed {
			topics = append(topics, topicFor(values[i]))
			continue
		}
		dataArgs = append(dataArgs, in)
		dataValues = append(dataValues, values[i])
	}

	data, err := dataArgs.Pack(dataValues...)
	if err != nil {
		panic(fmt.Sprintf("packing %s: %v", event.Name, err))
	}
	return types.Log{Address: contract, Topics: topics, Data: data, BlockNumber: block}
}

func topicFor(v any) common.Hash {
	switch t := v.(type) {
	case common.Address:
		return common.BytesToHash(t.Bytes())
	case *big.Int:
		return common.BigToHash(t)
	case [32]byte:
		return common.Hash(t)
	case uint16:
		return common.BigToHash(new(big.Int).SetUint64(uint64(t)))
	default:
		panic(fmt.Sprintf("unsupported indexed type %T", v))
	}
}
