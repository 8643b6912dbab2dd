package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

// Market ids are the bytes32 Id type.
var morphoBlueEvents = mustParse(`[
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "id", "type": "bytes32"},
		{"indexed": true, "name": "caller", "type": "address"},
		{"indexed": true, "name": "onBehalf", "type": "address"},
		{"indexed": false, "name": "assets", "type": "uint256"}
	], "name": "SupplyCollateral", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "id", "type": "bytes32"},
		{"indexed": false, "name": "caller", "type": "address"},
		{"indexed": true, "name": "onBehalf", "type": "address"},
		{"indexed": true, "name": "receiver", "type": "address"},
		{"indexed": false, "name": "assets", "type": "uint256"}
	], "name": "WithdrawCollateral", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "id", "type": "bytes32"},
		{"indexed": false, "name": "caller", "type": "address"},
		{"indexed": true, "name": "onBehalf", "type": "address"},
		{"indexed": true, "name": "receiver", "type": "address"},
		{"indexed": false, "name": "assets", "type": "uint256"},
		{"indexed": false, "name": "shares", "type": "uint256"}
	], "name": "Borrow", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "id", "type": "bytes32"},
		{"indexed": true, "name": "caller", "type": "address"},
		{"indexed": true, "name": "onBehalf", "type": "address"},
		{"indexed": false, "name": "assets", "type": "uint256"},
		{"indexed": false, "name": "shares", "type": "uint256"}
	], "name": "Repay", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "id", "type": "bytes32"},
		{"indexed": true, "name": "caller", "type": "address"},
		{"indexed": true, "name": "borrower", "type": "address"},
		{"indexed": false, "name": "repaidAssets", "type": "uint256"},
		{"indexed": false, "name": "repaidShares", "type": "uint256"},
		{"indexed": false, "name": "seizedAssets", "type": "uint256"},
		{"indexed": false, "name": "badDebtAssets", "type": "uint256"},
		{"indexed": false, "name": "badDebtShares", "type": "uint256"}
	], "name": "Liquidate", "type": "event"}
]`)

// GetMorphoBlueEventsABI returns the Morpho Blue events that move borrower
// collateral or debt.
func GetMorphoBlueEventsABI() *abi.ABI {
	return morphoBlueEvents
}
