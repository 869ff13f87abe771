package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// envelopeTuple is the ABI tuple of an envelope; see envelope.Tuple.
const envelopeTuple = `{"name": "yarTx", "type": "tuple", "internalType": "struct YarLib.YarTX", "components": [
	{"name": "mode", "type": "uint8"},
	{"name": "initialChainId", "type": "uint256"},
	{"name": "sender", "type": "address"},
	{"name": "payer", "type": "address"},
	{"name": "targetChainId", "type": "uint256"},
	{"name": "target", "type": "address"},
	{"name": "value", "type": "uint256"},
	{"name": "data", "type": "bytes"},
	{"name": "feeAmount", "type": "uint256"},
	{"name": "nonce", "type": "uint256"}
]}`

// HubABI is the ABI of the YarHub contract
const HubABI = `[
	{
		"name": "createTransaction", "type": "function", "stateMutability": "nonpayable",
		"inputs": [` + envelopeTuple + `, {"name": "originTxHash", "type": "bytes32"}],
		"outputs": []
	},
	{
		"name": "executeTransaction", "type": "function", "stateMutability": "nonpayable",
		"inputs": [` + envelopeTuple + `, {"name": "feeTokensToLock", "type": "uint256"}],
		"outputs": []
	},
	{
		"name": "completeTransaction", "type": "function", "stateMutability": "nonpayable",
		"inputs": [` + envelopeTuple + `, {"name": "deliveryTxHash", "type": "bytes32"}, {"name": "usedFee", "type": "uint256"}],
		"outputs": []
	},
	{
		"name": "deposit", "type": "function", "stateMutability": "nonpayable",
		"inputs": [{"name": "user", "type": "address"}, {"name": "amount", "type": "uint256"}],
		"outputs": []
	},
	{
		"name": "approve", "type": "function", "stateMutability": "nonpayable",
		"inputs": [{"name": "owner", "type": "address"}, {"name": "chainId", "type": "uint256"}, {"name": "spender", "type": "address"}, {"name": "amount", "type": "uint256"}],
		"outputs": []
	},
	{
		"name": "balanceOf", "type": "function", "stateMutability": "view",
		"inputs": [{"name": "user", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "allowance", "type": "function", "stateMutability": "view",
		"inputs": [{"name": "owner", "type": "address"}, {"name": "chainId", "type": "uint256"}, {"name": "spender", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "transactions", "type": "function", "stateMutability": "view",
		"inputs": [{"name": "hash", "type": "bytes32"}],
		"outputs": [
			{"name": "status", "type": "uint8"},
			{"name": "payer", "type": "address"},
			{"name": "lockedFee", "type": "uint256"},
			{"name": "usedFee", "type": "uint256"},
			{"name": "originTxHash", "type": "bytes32"},
			{"name": "deliveryTxHash", "type": "bytes32"},
			{"name": "viaAllowance", "type": "bool"}
		]
	}
]`

// ResponseABI is the ABI of the YarResponse contract
const ResponseABI = `[
	{
		"name": "deliver", "type": "function", "stateMutability": "payable",
		"inputs": [` + envelopeTuple + `],
		"outputs": []
	},
	{
		"name": "Deliver", "type": "event", "anonymous": false,
		"inputs": [` + envelopeTuple + `, {"name": "hash", "type": "bytes32", "indexed": false}]
	},
	{
		"name": "DeliveryFailed", "type": "event", "anonymous": false,
		"inputs": [` + envelopeTuple + `, {"name": "hash", "type": "bytes32", "indexed": false}, {"name": "reason", "type": "string", "indexed": false}]
	}
]`

// RequestABI holds the events of the YarRequest and YarConnector contracts
// the relayer watches
const RequestABI = `[
	{
		"name": "Send", "type": "event", "anonymous": false,
		"inputs": [` + envelopeTuple + `]
	},
	{
		"name": "CrossCall", "type": "event", "anonymous": false,
		"inputs": [` + envelopeTuple + `]
	},
	{
		"name": "Deposit", "type": "event", "anonymous": false,
		"inputs": [{"name": "user", "type": "address", "indexed": false}, {"name": "token", "type": "address", "indexed": false}, {"name": "amount", "type": "uint256", "indexed": false}]
	},
	{
		"name": "Approve", "type": "event", "anonymous": false,
		"inputs": [{"name": "user", "type": "address", "indexed": false}, {"name": "chainId", "type": "uint256", "indexed": false}, {"name": "app", "type": "address", "indexed": false}, {"name": "amount", "type": "uint256", "indexed": false}]
	}
]`

var (
	hubABI      = mustParseABI("hub", HubABI)
	responseABI = mustParseABI("response", ResponseABI)
	requestABI  = mustParseABI("request", RequestABI)
)

func mustParseABI(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("evm: failed to parse %s ABI: %v", name, err))
	}
	return parsed
}
