// Package bindings holds the hand-written ABI wrappers the retrieval pack
// has no abigen JSON to generate from: the finalizer/bridge contract's
// dry-run and write calls (§4.G), and the rollup contract's commit-blocks
// calldata decoder the etherscan backfill client needs (§4.C).
package bindings

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// finalizerABIJSON covers exactly the four methods finalizer.go calls;
// there is no contracts/WithdrawalFinalizer.json in the pack to abigen
// from, so the ABI is written out by hand the way hermez-node and the
// batch-submitter driver build one from a literal string before handing
// it to abi.JSON.
const finalizerABIJSON = `[
	{
		"name": "finalizeWithdrawals",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [{
			"name": "_requests",
			"type": "tuple[]",
			"components": [
				{"name": "l2BlockNumber", "type": "uint256"},
				{"name": "l2MessageIndex", "type": "uint256"},
				{"name": "l2TxNumberInBlock", "type": "uint16"},
				{"name": "message", "type": "bytes"},
				{"name": "merkleProof", "type": "bytes32[]"}
			]
		}],
		"outputs": [{
			"name": "",
			"type": "tuple[]",
			"components": [
				{"name": "success", "type": "bool"},
				{"name": "gas", "type": "uint256"}
			]
		}]
	},
	{
		"name": "isEthWithdrawalFinalized",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "_l2BatchNumber", "type": "uint256"},
			{"name": "_l2MessageIndex", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "isWithdrawalFinalized",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "_l2BatchNumber", "type": "uint256"},
			{"name": "_l2MessageIndex", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	}
]`

// rollupABIJSON covers only commitBatches, the single method the etherscan
// backfill client needs to decode (§4.C); the original contract's full
// surface (proveBatches, executeBatches, ...) has nothing that client
// needs to call.
const rollupABIJSON = `[
	{
		"name": "commitBatches",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{
				"name": "_lastCommittedBatchData",
				"type": "tuple",
				"components": [
					{"name": "batchNumber", "type": "uint64"},
					{"name": "batchHash", "type": "bytes32"},
					{"name": "indexRepeatedStorageChanges", "type": "uint64"},
					{"name": "numberOfLayer1Txs", "type": "uint256"},
					{"name": "priorityOperationsHash", "type": "bytes32"},
					{"name": "l2LogsTreeRoot", "type": "bytes32"},
					{"name": "timestamp", "type": "uint256"},
					{"name": "commitment", "type": "bytes32"}
				]
			},
			{
				"name": "_newBatchesData",
				"type": "tuple[]",
				"components": [
					{"name": "batchNumber", "type": "uint64"},
					{"name": "timestamp", "type": "uint64"},
					{"name": "indexRepeatedStorageChanges", "type": "uint64"},
					{"name": "newStateRoot", "type": "bytes32"},
					{"name": "numberOfLayer1Txs", "type": "uint256"},
					{"name": "priorityOperationsHash", "type": "bytes32"},
					{"name": "bootloaderHeapInitialContentsHash", "type": "bytes32"},
					{"name": "eventsQueueStateHash", "type": "bytes32"},
					{"name": "systemLogs", "type": "bytes"},
					{"name": "pubdataCommitments", "type": "bytes"}
				]
			}
		],
		"outputs": []
	}
]`

func mustParseABI(jsonSrc string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonSrc))
	if err != nil {
		panic("bindings: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

var (
	finalizerABI = mustParseABI(finalizerABIJSON)
	rollupABI    = mustParseABI(rollupABIJSON)
)
