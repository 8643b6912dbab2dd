package batch

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BigInt returns slot i of a decoded result as *big.Int. A nil result
// (a failed call that allowed failure) yields nil.
func BigInt(values []any, i int) (*big.Int, error) {
	if values == nil {
		return nil, nil
	}
	if i >= len(values) {
		return nil, fmt.Errorf("slot %d out of range (%d values)", i, len(values))
	}
	v, ok := values[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("slot %d is %T, not *big.Int", i, values[i])
	}
	return v, nil
}

// Address returns slot i as an address.
func Address(values []any, i int) (common.Address, error) {
	if i >= len(values) {
		return common.Address{}, fmt.Errorf("slot %d out of range (%d values)", i, len(values))
	}
	v, ok := values[i].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("slot %d is %T, not address", i, values[i])
	}
	return v, nil
}

// Addresses returns slot i as an address list.
func Addresses(values []any, i int) ([]common.Address, error) {
	if i >= len(values) {
		return nil, fmt.Errorf("slot %d out of range (%d values)", i, len(values))
	}
	v, ok := values[i].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("slot %d is %T, not address[]", i, values[i])
	}
	return v, nil
}

// Uint8 returns slot i as a uint8, the type ERC20 decimals decode to.
func Uint8(values []any, i int) (uint8, bool) {
	if i >= len(values) {
		return 0, false
	}
	v, ok := values[i].(uint8)
	return v, ok
}

// String returns slot i as a string.
func String(values []any, i int) (string, bool) {
	if i >= len(values) {
		return "", false
	}
	v, ok := values[i].(string)
	return v, ok
}

// Bytes32 returns slot i as a 32-byte word, such as a market id.
func Bytes32(values []any, i int) ([32]byte, error) {
	if i >= len(values) {
		return [32]byte{}, fmt.Errorf("slot %d out of range (%d values)", i, len(values))
	}
	v, ok := values[i].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("slot %d is %T, not bytes32", i, values[i])
	}
	return v, nil
}
