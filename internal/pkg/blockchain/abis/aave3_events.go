package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

var aave3PoolEvents = mustParse(`[
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "reserve", "type": "address"},
		{"indexed": false, "name": "user", "type": "address"},
		{"indexed": true, "name": "onBehalfOf", "type": "address"},
		{"indexed": false, "name": "amount", "type": "uint256"},
		{"indexed": true, "name": "referralCode", "type": "uint16"}
	], "name": "Supply", "type": "event"},
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
		{"indexed": false, "name": "interestRateMode", "type": "uint8"},
		{"indexed": false, "name": "borrowRate", "type": "uint256"},
		{"indexed": true, "name": "referralCode", "type": "uint16"}
	], "name": "Borrow", "type": "event"},
	{"anonymous": false, "inputs": [
		{"indexed": true, "name": "reserve", "type": "address"},
		{"indexed": true, "name": "user", "type": "address"},
		{"indexed": true, "name": "repayer", "type": "address"},
		{"indexed": false, "name": "amount", "type": "uint256"},
		{"indexed": false, "name": "useATokens", "type": "bool"}
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

// GetAave3PoolEventsABI returns the Aave v3 Pool events used for discovery.
func GetAave3PoolEventsABI() *abi.ABI {
	return aave3PoolEvents
}
