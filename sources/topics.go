package sources

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event signatures for the rollup contract's four lifecycle logs (§4.B).
// There is no ABI JSON in the retrieval pack for this contract, so the
// topic hashes are derived the same way abigen-generated filters derive
// them: keccak256 of the canonical signature string.
var (
	topicBlockCommit        = crypto.Keccak256Hash([]byte("BlockCommit(uint256,bytes32,bytes32)"))
	topicBlocksVerification = crypto.Keccak256Hash([]byte("BlocksVerification(uint256,uint256)"))
	topicBlockExecution     = crypto.Keccak256Hash([]byte("BlockExecution(uint256,bytes32,bytes32)"))
	topicBlocksRevert       = crypto.Keccak256Hash([]byte("BlocksRevert(uint256,uint256,uint256)"))

	blockEventTopics = []common.Hash{topicBlockCommit, topicBlocksVerification, topicBlockExecution, topicBlocksRevert}
)

// Event signatures for the L2 side (§4.C): token discovery and withdrawal
// events.
var (
	topicContractDeployed    = crypto.Keccak256Hash([]byte("ContractDeployed(address,bytes32,address)"))
	topicBridgeBurn          = crypto.Keccak256Hash([]byte("BridgeBurn(address,address,uint256)"))
	topicWithdrawal          = crypto.Keccak256Hash([]byte("Withdrawal(address,address,uint256)"))
	topicBridgeInitialize    = crypto.Keccak256Hash([]byte("BridgeInitialize(address,string,string,uint8)"))
	topicBridgeInitialization = crypto.Keccak256Hash([]byte("BridgeInitialization(address,string,string,uint8)"))

	l2EventTopics    = []common.Hash{topicContractDeployed, topicBridgeBurn, topicWithdrawal}
	bridgeInitTopics = []common.Hash{topicBridgeInitialize, topicBridgeInitialization}
)

// Well-known L2 system addresses seeded into the token set at startup
// (§4.C): the native-token system account, the native-token system
// contract, and the contract-deployer system contract.
var (
	L2NativeTokenAccount  = common.HexToAddress("0x0000000000000000000000000000000000800A")
	L2NativeTokenContract = common.HexToAddress("0x000000000000000000000000000000000000Eee")
	L2ContractDeployer    = common.HexToAddress("0x00000000000000000000000000000000008006")
)
