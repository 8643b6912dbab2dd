// Package abis holds the contract ABIs the monitor needs to decode:
// the Multicall3 batch entry point and the lending protocol events used for
// account discovery. Plain view calls are described by signature instead
// (see the batch package).
package abis

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ParseABI parses a JSON ABI definition.
func ParseABI(abiJSON string) (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func mustParse(abiJSON string) *abi.ABI {
	parsed, err := ParseABI(abiJSON)
	if err != nil {
		panic("abis: invalid embedded ABI: " + err.Error())
	}
	return parsed
}
