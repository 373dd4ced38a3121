package state

import (
	"chainbft_node/types"
)

// ContextID 状态机为一次区块执行分配的上下文标识
type ContextID []byte

// ConsensusParams 执行区块时传给状态机的共识信息
type ConsensusParams struct {
	CurrentValidators    []*types.Validator `json:"current_validators"`
	ImplyMaxPrevote      bool               `json:"imply_max_prevote"`
	MaxHeightCertified   int64              `json:"max_height_certified"`
	CertificateThreshold uint64             `json:"certificate_threshold"`
}

// TxResult 交易校验/执行结果
type TxResult int

const (
	TxResultOK TxResult = iota
	TxResultInvalid
)

func (r TxResult) String() string {
	if r == TxResultOK {
		return "OK"
	}
	return "INVALID"
}

// ExecutionBackend 外部的确定性状态机
//
// 状态机持有自己的应用状态，共识引擎只通过上下文驱动执行，并在提交时给出期望的stateRoot
type ExecutionBackend interface {
	InitStateMachine(header *types.BlockHeader) (ContextID, error)
	InitGenesisState(id ContextID) (types.Events, *types.ValidatorUpdate, error)
	VerifyAssets(id ContextID, assets types.Assets) error
	BeforeTransactionsExecute(id ContextID, assets types.Assets, params *ConsensusParams) (types.Events, error)
	VerifyTransaction(id ContextID, tx *types.Transaction, header *types.BlockHeader) (TxResult, error)
	ExecuteTransaction(id ContextID, tx *types.Transaction, assets types.Assets, params *ConsensusParams, dryRun bool) (types.Events, TxResult, error)
	AfterTransactionsExecute(id ContextID, assets types.Assets, params *ConsensusParams, txs types.Txs) (types.Events, *types.ValidatorUpdate, error)

	// Commit 提交上下文中的写入，expectedStateRoot非空时必须和计算结果一致；dryRun只计算不落盘
	Commit(id ContextID, expectedStateRoot []byte, dryRun bool) ([]byte, error)
	// Revert 撤销height处区块的状态改动，回到expectedStateRoot
	Revert(height int64, stateRoot, expectedStateRoot []byte) error
	Clear(id ContextID) error
	Finalize(finalizedHeight int64) error
}
