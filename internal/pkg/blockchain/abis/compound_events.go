package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

// Compound v2 comptroller and cToken events. Forks (Venus, Ionic, Iron Bank)
// share these shapes except where noted.
var compoundEvents = mustParse(`[
	{"anonymous": false, "inputs": [
		{"indexed": false, "name": "cToken", "type": "address"},
		{"indexed": false, "name": "account", "type": "address"}
	], "name": "MarketEntered", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": false, "name": "minter", "type": "address"},
		{"indexed": false, "name": "mintAmount", "type": "uint256"},
		{"indexed": false, "name": "mintTokens", "type": "uint256"}
	], "name": "Mint", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": false, "name": "redeemer", "type": "address"},
		{"indexed": false, "name": "redeemAmount", "type": "uint256"},
		{"indexed": false, "name": "redeemTokens", "type": "uint256"}
	], "name": "Redeem", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": false, "name": "borrower", "type": "address"},
		{"indexed": false, "name": "borrowAmount", "type": "uint256"},
		{"indexed": false, "name": "accountBorrows", "type": "uint256"},
		{"indexed": false, "name": "totalBorrows", "type": "uint256"}
	], "name": "Borrow", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": false, "name": "payer", "type": "address"},
		{"indexed": false, "name": "borrower", "type": "address"},
		{"indexed": false, "name": "repayAmount", "type": "uint256"},
		{"indexed": false, "name": "accountBorrows", "type": "uint256"},
		{"indexed": false, "name": "totalBorrows", "type": "uint256"}
	], "name": "RepayBorrow", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": false, "name": "liquidator", "type": "address"},
		{"indexed": false, "name": "borrower", "type": "address"},
		{"indexed": false, "name": "repayAmount", "type": "uint256"},
		{"indexed": false, "name": "cTokenCollateral", "type": "address"},
		{"indexed": false, "name": "seizeTokens", "type": "uint256"}
	], "name": "LiquidateBorrow", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "amount", "type": "uint256"}
	], "name": "Transfer", "type": "event"}
]`)

// Venus diamond comptroller emits MarketEntered with both arguments indexed.
var venusDiamondEvents = mustParse(`[
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "vToken", "type": "address"},
		{"indexed": true, "name": "account", "type": "address"}
	], "name": "MarketEntered", "type": "event"}
]`)

// GetCompoundEventsABI returns the comptroller and cToken event ABI.
func GetCompoundEventsABI() *abi.ABI {
	return compoundEvents
}

// GetVenusDiamondEventsABI returns the MarketEntered ABI emitted by the
// Venus comptroller after its diamond proxy upgrade.
func GetVenusDiamondEventsABI() *abi.ABI {
	return venusDiamondEvents
}
