package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

func GetPoolDataProviderUserReserveDataABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [
				{
					"name": "asset",
					"type": "address"
				},
				{
					"name": "user",
					"type": "address"
				}
			],
			"name": "getUserReserveData",
			"outputs": [
				{
					"name": "currentATokenBalance",
					"type": "uint256"
				},
				{
					"name": "currentStableDebt",
					"type": "uint256"
				},
				{
					"name": "currentVariableDebt",
					"type": "uint256"
				},
				{
					"name": "principalStableDebt",
					"type": "uint256"
				},
				{
					"name": "scaledVariableDebt",
					"type": "uint256"
				},
				{
					"name": "stableBorrowRate",
					"type": "uint256"
				},
				{
					"name": "liquidityRate",
					"type": "uint256"
				},
				{
					"name": "stableRateLastUpdated",
					"type": "uint40"
				},
				{
					"name": "usageAsCollateralEnabled",
					"type": "bool"
				}
			],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
}

// GetReserveConfigurationABI returns the ABI for getReserveConfigurationData,
// the call the Position Reader uses to fetch each reserve's decimals and
// liquidation threshold.
func GetReserveConfigurationABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [
				{
					"name": "asset",
					"type": "address"
				}
			],
			"name": "getReserveConfigurationData",
			"outputs": [
				{
					"name": "decimals",
					"type": "uint256"
				},
				{
					"name": "ltv",
					"type": "uint256"
				},
				{
					"name": "liquidationThreshold",
					"type": "uint256"
				},
				{
					"name": "liquidationBonus",
					"type": "uint256"
				},
				{
					"name": "reserveFactor",
					"type": "uint256"
				},
				{
					"name": "usageAsCollateralEnabled",
					"type": "bool"
				},
				{
					"name": "borrowingEnabled",
					"type": "bool"
				},
				{
					"name": "stableBorrowRateEnabled",
					"type": "bool"
				},
				{
					"name": "isActive",
					"type": "bool"
				},
				{
					"name": "isFrozen",
					"type": "bool"
				}
			],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
}

