package multicall

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/archon-research/stl/baddebt/internal/pkg/blockchain/abis"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

type result3 struct {
	Success    bool
	ReturnData []byte
}

// echoCaller answers aggregate3 by echoing each call's calldata back as its
// return data, failing calls whose calldata is empty.
type echoCaller struct {
	t        *testing.T
	gotBlock *big.Int
	err      error
}

func (e *echoCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	e.gotBlock = block
	if e.err != nil {
		return nil, e.err
	}

	parsed, _ := abis.GetMulticall3ABI()
	method := parsed.Methods["aggregate3"]
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		e.t.Fatalf("unpacking request: %v", err)
	}
	calls := args[0].([]struct {
		Target       common.Address `json:"target"`
		AllowFailure bool           `json:"allowFailure"`
		CallData     []byte         `json:"callData"`
	})

	out := make([]result3, len(calls))
	for i, c := range calls {
		out[i] = result3{Success: len(c.CallData) > 0, ReturnData: c.CallData}
	}
	return method.Outputs.Pack(out)
}

func TestClient_Execute_RoundTrip(t *testing.T) {
	caller := &echoCaller{t: t}
	client, err := NewClient(caller, Multicall3Address)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	calls := []outbound.Call{
		{Target: common.HexToAddress("0x01"), AllowFailure: true, CallData: []byte{0x31, 0x3c, 0xe5, 0x67}},
		{Target: common.HexToAddress("0x02"), AllowFailure: true, CallData: nil},
	}

	results, err := client.Execute(context.Background(), calls, big.NewInt(19_000_000))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Success || !bytes.Equal(results[0].ReturnData, calls[0].CallData) {
		t.Errorf("result[0] = %+v", results[0])
	}
	if results[1].Success {
		t.Errorf("result[1] should have failed")
	}
	if caller.gotBlock.Int64() != 19_000_000 {
		t.Errorf("expected block 19000000, got %v", caller.gotBlock)
	}
}

func TestClient_Execute_EmptyAndErrors(t *testing.T) {
	caller := &echoCaller{t: t}
	client, _ := NewClient(caller, Multicall3Address)

	results, err := client.Execute(context.Background(), nil, nil)
	if err != nil || len(results) != 0 {
		t.Errorf("empty batch: results=%v err=%v", results, err)
	}

	caller.err = errors.New("node unavailable")
	_, err = client.Execute(context.Background(), []outbound.Call{{Target: common.HexToAddress("0x01"), CallData: []byte{1}}}, nil)
	if !errors.Is(err, caller.err) {
		t.Errorf("expected wrapped node error, got %v", err)
	}
}

func TestNewClient_RequiresCaller(t *testing.T) {
	if _, err := NewClient(nil, Multicall3Address); err == nil {
		t.Error("expected error for nil caller")
	}
}

type fakeBatcher struct {
	fail map[int]bool
}

func (f *fakeBatcher) BatchCallContext(ctx context.Context, elems []rpc.BatchElem) error {
	for i := range elems {
		if f.fail[i] {
			elems[i].Error = errors.New("execution reverted")
			continue
		}
		*(elems[i].Result.(*hexutil.Bytes)) = hexutil.Bytes{byte(i + 1)}
	}
	return nil
}

func TestDirectCaller_AllowFailure(t *testing.T) {
	caller := NewDirectCaller(&fakeBatcher{fail: map[int]bool{1: true}})

	calls := []outbound.Call{
		{Target: common.HexToAddress("0x01"), AllowFailure: true, CallData: []byte{1}},
		{Target: common.HexToAddress("0x02"), AllowFailure: true, CallData: []byte{2}},
	}
	results, err := caller.Execute(context.Background(), calls, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].Success || results[1].Success {
		t.Errorf("unexpected results %+v", results)
	}

	calls[1].AllowFailure = false
	if _, err := caller.Execute(context.Background(), calls, nil); err == nil {
		t.Error("expected error when a required call fails")
	}
}
