package state

import (
	"bytes"

	"chainbft_node/bft"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
)

type BlockExecutor interface {
	// CreateBlock 在当前链头上试执行模板中的交易，填写各个根后由生成者签名
	CreateBlock(template *BlockTemplate) (*types.Block, error)

	// ExecuteBlock 执行并持久化一个已经通过校验的区块，prev是当前链头
	ExecuteBlock(block *types.Block, prev *types.BlockHeader, removeFromTemp bool) (*ExecResult, error)

	ExecuteGenesis(block *types.Block) (*ExecResult, error)

	// ComputeGenesisRoots 试执行创世区块，得到需要写入区块头的根
	ComputeGenesisRoots(block *types.Block) (*GenesisRoots, error)

	// RevertBlock 撤销最后一个区块，prev是其父区块头
	RevertBlock(block *types.Block, prev *types.BlockHeader, saveToTemp bool) error

	SetLogger(logger log.Logger)
}

// ExecResult 区块执行的结果
type ExecResult struct {
	Events              types.Events
	ValidatorUpdate     *types.ValidatorUpdate
	Heights             *bft.Heights
	FinalizedHeight     int64
	PrevFinalizedHeight int64
}

// BlockTemplate 生成区块需要的输入
type BlockTemplate struct {
	Prev            *types.BlockHeader
	Timestamp       int64
	Generator       types.PrivValidator
	Transactions    types.Txs
	Assets          types.Assets
	AggregateCommit types.AggregateCommit
}

type GenesisRoots struct {
	StateRoot      tmbytes.HexBytes `json:"state_root"`
	EventRoot      tmbytes.HexBytes `json:"event_root"`
	ValidatorsHash tmbytes.HexBytes `json:"validators_hash"`
}

func NewBlockExec(chainID string, backend ExecutionBackend, bftMethod bft.Method, blockStore *store.BlockStore) BlockExecutor {
	return &blockExecutor{
		chainID:    chainID,
		backend:    backend,
		bft:        bftMethod,
		blockStore: blockStore,
		logger:     log.NewNopLogger(),
	}
}

type blockExecutor struct {
	chainID    string
	backend    ExecutionBackend
	bft        bft.Method
	blockStore *store.BlockStore

	logger log.Logger
}

// SetLogger implements BlockExecutor
func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
}

type runResult struct {
	events          types.Events
	validatorUpdate *types.ValidatorUpdate
	validatorsHash  tmbytes.HexBytes
}

// run 驱动状态机完成一个区块的执行，直到EXECUTED，不提交
func (exec *blockExecutor) run(ectx *ExecutionContext, block *types.Block, s *store.StateStore) (*runResult, error) {
	header := block.Header
	collector := newEventCollector(header.Height)

	if err := exec.backend.VerifyAssets(ectx.ID(), block.Assets); err != nil {
		return nil, errors.Wrap(err, "verify assets")
	}
	if err := ectx.advance(ExecAssetsVerified); err != nil {
		return nil, err
	}

	// 必须在计入当前区块的投票之前计算
	implies, err := exec.bft.HeaderImpliesMaximalPrevotes(s, header)
	if err != nil {
		return nil, err
	}
	if err := exec.bft.BeforeTransactionsExecute(s, header); err != nil {
		return nil, errors.Wrap(err, "bft before transactions execute")
	}
	params, err := exec.consensusParams(s, header.Height, implies)
	if err != nil {
		return nil, err
	}
	if err := ectx.advance(ExecExecuting); err != nil {
		return nil, err
	}

	events, err := exec.backend.BeforeTransactionsExecute(ectx.ID(), block.Assets, params)
	if err != nil {
		return nil, errors.Wrap(err, "before transactions execute")
	}
	collector.add(events)

	for _, tx := range block.Transactions {
		res, err := exec.backend.VerifyTransaction(ectx.ID(), tx, header)
		if err != nil {
			return nil, errors.Wrapf(err, "verify transaction %v", tx.ID())
		}
		if res != TxResultOK {
			return nil, errors.Wrapf(ErrInvalidTransaction, "verify transaction %v: %v", tx.ID(), res)
		}
		events, res, err := exec.backend.ExecuteTransaction(ectx.ID(), tx, block.Assets, params, false)
		if err != nil {
			return nil, errors.Wrapf(err, "execute transaction %v", tx.ID())
		}
		if res != TxResultOK {
			return nil, errors.Wrapf(ErrInvalidTransaction, "execute transaction %v: %v", tx.ID(), res)
		}
		collector.add(events)
	}

	events, update, err := exec.backend.AfterTransactionsExecute(ectx.ID(), block.Assets, params, block.Transactions)
	if err != nil {
		return nil, errors.Wrap(err, "after transactions execute")
	}
	collector.add(events)
	if !update.IsEmpty() {
		if err := exec.applyValidatorUpdate(s, update); err != nil {
			return nil, err
		}
	} else {
		update = nil
	}
	if err := ectx.advance(ExecExecuted); err != nil {
		return nil, err
	}

	next, err := exec.bft.GetBFTParameters(s, header.Height+1)
	if err != nil {
		return nil, err
	}
	return &runResult{events: collector.events, validatorUpdate: update, validatorsHash: next.ValidatorsHash}, nil
}

// runGenesis 创世区块不执行交易，由状态机的initGenesisState设置初始验证者
func (exec *blockExecutor) runGenesis(ectx *ExecutionContext, block *types.Block, s *store.StateStore) (*runResult, error) {
	header := block.Header
	if err := exec.bft.InitGenesisState(s, header); err != nil {
		return nil, err
	}
	for _, step := range []ExecStatus{ExecAssetsVerified, ExecExecuting} {
		if err := ectx.advance(step); err != nil {
			return nil, err
		}
	}
	events, update, err := exec.backend.InitGenesisState(ectx.ID())
	if err != nil {
		return nil, errors.Wrap(err, "init genesis state")
	}
	if update.IsEmpty() {
		return nil, ErrNoGenesisValidators
	}
	if err := exec.applyValidatorUpdate(s, update); err != nil {
		return nil, err
	}
	collector := newEventCollector(header.Height)
	collector.add(events)
	if err := ectx.advance(ExecExecuted); err != nil {
		return nil, err
	}
	next, err := exec.bft.GetBFTParameters(s, header.Height+1)
	if err != nil {
		return nil, err
	}
	return &runResult{events: collector.events, validatorUpdate: update, validatorsHash: next.ValidatorsHash}, nil
}

func (exec *blockExecutor) consensusParams(s *store.StateStore, height int64, implies bool) (*ConsensusParams, error) {
	params, err := exec.bft.GetBFTParameters(s, height)
	if err != nil {
		return nil, err
	}
	heights, err := exec.bft.GetBFTHeights(s)
	if err != nil {
		return nil, err
	}
	return &ConsensusParams{
		CurrentValidators:    params.Validators.Validators,
		ImplyMaxPrevote:      implies,
		MaxHeightCertified:   heights.MaxHeightCertified,
		CertificateThreshold: params.CertificateThreshold,
	}, nil
}

func (exec *blockExecutor) applyValidatorUpdate(s *store.StateStore, update *types.ValidatorUpdate) error {
	vals := make([]*types.Validator, 0, len(update.NextValidators))
	gens := make([]*types.Generator, 0, len(update.NextValidators))
	for _, info := range update.NextValidators {
		vals = append(vals, info.Validator())
		gens = append(gens, info.Generator())
	}
	if err := exec.bft.SetBFTParameters(s, update.PrecommitThreshold, update.CertificateThreshold, vals); err != nil {
		return errors.Wrap(err, "set bft parameters")
	}
	return errors.Wrap(exec.bft.SetGeneratorKeys(s, gens), "set generator keys")
}

// verifyAndCommit 校验事件根和validatorsHash后提交状态机，最后原子地保存区块
func (exec *blockExecutor) verifyAndCommit(
	ectx *ExecutionContext,
	block *types.Block,
	res *runResult,
	s *store.StateStore,
	prevStateRoot []byte,
	removeFromTemp bool,
) (*ExecResult, error) {
	header := block.Header
	if root := res.events.Root(); !bytes.Equal(root, header.EventRoot) {
		return nil, errors.Wrapf(ErrEventRootMismatch, "computed %v, header %v", root, header.EventRoot)
	}
	if !bytes.Equal(res.validatorsHash, header.ValidatorsHash) {
		return nil, errors.Wrapf(ErrValidatorsHashMismatch, "computed %v, header %v", res.validatorsHash, header.ValidatorsHash)
	}
	if _, err := exec.backend.Commit(ectx.ID(), header.StateRoot, false); err != nil {
		return nil, errors.Wrap(ErrCommitFailed, err.Error())
	}
	if err := ectx.advance(ExecCommitted); err != nil {
		return nil, err
	}

	heights, err := exec.bft.GetBFTHeights(s)
	if err != nil {
		return nil, exec.revertCommitted(header, prevStateRoot, err)
	}
	prevFinalized, err := exec.blockStore.FinalizedHeight()
	if err != nil {
		return nil, exec.revertCommitted(header, prevStateRoot, err)
	}
	finalized := prevFinalized
	if heights.MaxHeightPrecommitted > finalized {
		finalized = heights.MaxHeightPrecommitted
	}
	// 创世区块
	if prevStateRoot == nil {
		finalized = header.Height
	}
	if err := exec.blockStore.SaveBlock(block, res.events, s, finalized, removeFromTemp); err != nil {
		return nil, exec.revertCommitted(header, prevStateRoot, err)
	}
	if finalized > prevFinalized {
		if err := exec.backend.Finalize(finalized); err != nil {
			exec.logger.Error("Failed to finalize state machine", "height", finalized, "err", err)
		}
	}
	return &ExecResult{
		Events:              res.events,
		ValidatorUpdate:     res.validatorUpdate,
		Heights:             heights,
		FinalizedHeight:     finalized,
		PrevFinalizedHeight: prevFinalized,
	}, nil
}

// revertCommitted 状态机已提交但区块没有保存，把状态机退回父区块的状态
func (exec *blockExecutor) revertCommitted(header *types.BlockHeader, prevStateRoot []byte, cause error) error {
	if prevStateRoot == nil {
		return cause
	}
	if err := exec.backend.Revert(header.Height, header.StateRoot, prevStateRoot); err != nil {
		exec.logger.Error("Failed to revert state machine after save failure", "height", header.Height, "err", err)
	}
	return cause
}

// ExecuteBlock implements BlockExecutor
func (exec *blockExecutor) ExecuteBlock(block *types.Block, prev *types.BlockHeader, removeFromTemp bool) (*ExecResult, error) {
	ectx, err := OpenContext(exec.backend, block.Header)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ectx.Close(); err != nil {
			exec.logger.Error("Failed to clear execution context", "height", block.Height(), "err", err)
		}
	}()

	s := exec.blockStore.NewStateStore()
	res, err := exec.run(ectx, block, s)
	if err != nil {
		return nil, err
	}
	result, err := exec.verifyAndCommit(ectx, block, res, s, prev.StateRoot, removeFromTemp)
	if err != nil {
		return nil, err
	}
	exec.logger.Debug("Executed block", "height", block.Height(), "id", block.ID(), "events", len(result.Events))
	return result, nil
}

// ExecuteGenesis implements BlockExecutor
func (exec *blockExecutor) ExecuteGenesis(block *types.Block) (*ExecResult, error) {
	if err := block.ValidateGenesis(); err != nil {
		return nil, err
	}
	ectx, err := OpenContext(exec.backend, block.Header)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := ectx.Close(); err != nil {
			exec.logger.Error("Failed to clear genesis execution context", "err", err)
		}
	}()

	s := exec.blockStore.NewStateStore()
	res, err := exec.runGenesis(ectx, block, s)
	if err != nil {
		return nil, err
	}
	return exec.verifyAndCommit(ectx, block, res, s, nil, false)
}

// ComputeGenesisRoots implements BlockExecutor
func (exec *blockExecutor) ComputeGenesisRoots(block *types.Block) (*GenesisRoots, error) {
	ectx, err := OpenContext(exec.backend, block.Header)
	if err != nil {
		return nil, err
	}
	defer ectx.Close()

	s := exec.blockStore.NewStateStore()
	res, err := exec.runGenesis(ectx, block, s)
	if err != nil {
		return nil, err
	}
	stateRoot, err := exec.backend.Commit(ectx.ID(), nil, true)
	if err != nil {
		return nil, err
	}
	return &GenesisRoots{StateRoot: stateRoot, EventRoot: res.events.Root(), ValidatorsHash: res.validatorsHash}, nil
}

// CreateBlock implements BlockExecutor
func (exec *blockExecutor) CreateBlock(t *BlockTemplate) (*types.Block, error) {
	s := exec.blockStore.NewStateStore()
	heights, err := exec.bft.GetBFTHeights(s)
	if err != nil {
		return nil, err
	}
	header := &types.BlockHeader{
		Version:            types.BlockVersion,
		Timestamp:          t.Timestamp,
		Height:             t.Prev.Height + 1,
		PreviousBlockID:    t.Prev.ID(),
		GeneratorAddress:   t.Generator.GetAddress(),
		MaxHeightPrevoted:  heights.MaxHeightPrevoted,
		MaxHeightGenerated: t.Generator.LastGeneratedHeight(),
		AggregateCommit:    t.AggregateCommit,
	}
	implies, err := exec.bft.HeaderImpliesMaximalPrevotes(s, header)
	if err != nil {
		return nil, err
	}
	header.ImpliesMaxPrevotes = implies
	assets := t.Assets
	if assets == nil {
		assets = types.Assets{}
	}
	txs := t.Transactions
	if txs == nil {
		txs = types.Txs{}
	}
	block := types.NewBlock(header, txs, assets)

	ectx, err := OpenContext(exec.backend, header)
	if err != nil {
		return nil, err
	}
	defer ectx.Close()

	res, err := exec.run(ectx, block, s)
	if err != nil {
		return nil, err
	}
	stateRoot, err := exec.backend.Commit(ectx.ID(), nil, true)
	if err != nil {
		return nil, err
	}
	header.EventRoot = res.events.Root()
	header.ValidatorsHash = res.validatorsHash
	header.StateRoot = stateRoot
	if err := t.Generator.SignHeader(exec.chainID, header); err != nil {
		return nil, errors.Wrap(err, "sign header")
	}
	return block, nil
}

// RevertBlock implements BlockExecutor
func (exec *blockExecutor) RevertBlock(block *types.Block, prev *types.BlockHeader, saveToTemp bool) error {
	finalized, err := exec.blockStore.FinalizedHeight()
	if err != nil {
		return err
	}
	if block.Height() <= finalized {
		return errors.Wrapf(ErrRemoveFinalized, "height %d finalized %d", block.Height(), finalized)
	}
	if err := exec.backend.Revert(block.Height(), block.Header.StateRoot, prev.StateRoot); err != nil {
		return errors.Wrap(err, "revert state machine")
	}
	if err := exec.blockStore.RemoveBlock(block, saveToTemp); err != nil {
		return err
	}
	exec.logger.Debug("Reverted block", "height", block.Height(), "id", block.ID())
	return nil
}
