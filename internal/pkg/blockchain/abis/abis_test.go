package abis

import (
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestEventTopics(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		signature string
	}{
		{name: "compound MarketEntered", event: "MarketEntered", signature: "MarketEntered(address,address)"},
		{name: "compound LiquidateBorrow", event: "LiquidateBorrow", signature: "LiquidateBorrow(address,address,uint256,address,uint256)"},
		{name: "compound Transfer", event: "Transfer", signature: "Transfer(address,address,uint256)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := GetCompoundEventsABI().Events[tt.event]
			if !ok {
				t.Fatalf("event %s not found", tt.event)
			}
			if want := crypto.Keccak256Hash([]byte(tt.signature)); ev.ID != want {
				t.Errorf("topic mismatch: got %s, want %s", ev.ID.Hex(), want.Hex())
			}
		})
	}
}

func TestVenusMarketEnteredSharesTopicWithLegacy(t *testing.T) {
	legacy := GetCompoundEventsABI().Events["MarketEntered"]
	diamond := GetVenusDiamondEventsABI().Events["MarketEntered"]
	if legacy.ID != diamond.ID {
		t.Errorf("expected identical topic0, got %s and %s", legacy.ID.Hex(), diamond.ID.Hex())
	}
	if !diamond.Inputs[1].Indexed || legacy.Inputs[1].Indexed {
		t.Error("expected only the diamond variant to index account")
	}
}

func TestAave3Events(t *testing.T) {
	for _, name := range []string{"Supply", "Withdraw", "Borrow", "Repay", "LiquidationCall"} {
		if _, ok := GetAave3PoolEventsABI().Events[name]; !ok {
			t.Errorf("event %s missing", name)
		}
	}
}

func TestMulticall3ABI(t *testing.T) {
	parsed, err := GetMulticall3ABI()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	method, ok := parsed.Methods["aggregate3"]
	if !ok {
		t.Fatal("aggregate3 missing")
	}
	if got := method.ID; len(got) != 4 || got[0] != 0x82 || got[1] != 0xad || got[2] != 0x56 || got[3] != 0xcb {
		t.Errorf("unexpected aggregate3 selector %x", got)
	}
}

func TestLendingPoolEventTopics(t *testing.T) {
	tests := []struct {
		name      string
		abi       func() *abi.ABI
		event     string
		signature string
	}{
		{name: "aave2 Deposit", abi: GetAave2LendingPoolEventsABI, event: "Deposit", signature: "Deposit(address,address,address,uint256,uint16)"},
		{name: "aave2 Borrow", abi: GetAave2LendingPoolEventsABI, event: "Borrow", signature: "Borrow(address,address,address,uint256,uint256,uint256,uint16)"},
		{name: "aave2 Repay", abi: GetAave2LendingPoolEventsABI, event: "Repay", signature: "Repay(address,address,address,uint256)"},
		{name: "morpho Borrow", abi: GetMorphoBlueEventsABI, event: "Borrow", signature: "Borrow(bytes32,address,address,address,uint256,uint256)"},
		{name: "morpho SupplyCollateral", abi: GetMorphoBlueEventsABI, event: "SupplyCollateral", signature: "SupplyCollateral(bytes32,address,address,uint256)"},
		{name: "morpho Liquidate", abi: GetMorphoBlueEventsABI, event: "Liquidate", signature: "Liquidate(bytes32,address,address,uint256,uint256,uint256,uint256,uint256)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := tt.abi().Events[tt.event]
			if !ok {
				t.Fatalf("event %s not found", tt.event)
			}
			if want := crypto.Keccak256Hash([]byte(tt.signature)); ev.ID != want {
				t.Errorf("topic mismatch: got %s, want %s", ev.ID.Hex(), want.Hex())
			}
		})
	}
}
