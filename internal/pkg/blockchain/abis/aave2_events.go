package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

var aave2LendingPoolEvents = mustParse(`[
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "reserve", "type": "address"},
		{"indexed": false, "name": "user", "type": "address"},
		{"indexed": true, "name": "onBehalfOf", "type": "address"},
		{"indexed": false, "name": "amount", "type": "uint256"},
		{"indexed": true, "name": "referral", "type": "uint16"}
	], "name": "Deposit", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "reserve", "type": "address"},
		{"indexed": true, "name": "user", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "amount", "type": "uint256"}
	], "name": "Withdraw", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "reserve", "type": "address"},
		{"indexed": false, "name": "user", "type": "address"},
		{"indexed": true, "name": "onBehalfOf", "type": "address"},
		{"indexed": false, "name": "amount", "type": "uint256"},
		{"indexed": false, "name": "borrowRateMode", "type": "uint256"},
		{"indexed": false, "name": "borrowRate", "type": "uint256"},
		{"indexed": true, "name": "referral", "type": "uint16"}
	], "name": "Borrow", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "reserve", "type": "address"},
		{"indexed": true, "name": "user", "type": "address"},
		{"indexed": true, "name": "repayer", "type": "address"},
		{"indexed": false, "name": "amount", "type": "uint256"}
	], "name": "Repay", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "collateralAsset", "type": "address"},
		{"indexed": true, "name": "debtAsset", "type": "address"},
		{"indexed": true, "name": "user", "type": "address"},
		{"indexed": false, "name": "debtToCover", "type": "uint256"},
		{"indexed": false, "name": "liquidatedCollateralAmount", "type": "uint256"},
		{"indexed": false, "name": "liquidator", "type": "address"},
		{"indexed": false, "name": "receiveAToken", "type": "bool"}
	], "name": "LiquidationCall", "type": "event"}
]`)

// GetAave2LendingPoolEventsABI returns the Aave v2 LendingPool events used
// for discovery.
func GetAave2LendingPoolEventsABI() *abi.ABI {
	return aave2LendingPoolEvents
}
