package state

import (
	"fmt"
	"testing"

	"chainbft_node/bft"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"
)

const testChainID = "state_test"

type testChain struct {
	exec       BlockExecutor
	backend    *MockBackend
	blockStore *store.BlockStore
	bft        *bft.Module
	pvs        []*types.MockPV
	genesis    *types.Block
}

func newTestChain(t *testing.T, numValidators int) *testChain {
	pvs := make([]*types.MockPV, numValidators)
	infos := make([]*types.ValidatorInfo, numValidators)
	for i := range pvs {
		pvs[i] = types.NewMockPVFromSeed([]byte(fmt.Sprintf("state-validator-%d", i)))
		infos[i] = types.ValidatorInfoOf(pvs[i], 1)
	}
	threshold := uint64(numValidators*2/3 + 1)
	backend := NewMockBackend(&types.ValidatorUpdate{
		NextValidators:       infos,
		PrecommitThreshold:   threshold,
		CertificateThreshold: threshold,
	})
	blockStore := store.NewBlockStore(memdb.NewDB())
	bftModule := bft.NewModule(int64(numValidators))
	exec := NewBlockExec(testChainID, backend, bftModule, blockStore)
	exec.SetLogger(log.TestingLogger())

	doc := &types.GenesisDoc{ChainID: testChainID, GenesisTime: 1000, BlockTime: 10}
	require.NoError(t, doc.ValidateAndComplete())
	genesis := doc.GenesisBlock()
	roots, err := exec.ComputeGenesisRoots(genesis)
	require.NoError(t, err)
	genesis.Header.StateRoot = roots.StateRoot
	genesis.Header.EventRoot = roots.EventRoot
	genesis.Header.ValidatorsHash = roots.ValidatorsHash
	_, err = exec.ExecuteGenesis(genesis)
	require.NoError(t, err)

	return &testChain{exec: exec, backend: backend, blockStore: blockStore, bft: bftModule, pvs: pvs, genesis: genesis}
}

func (c *testChain) tip(t *testing.T) *types.Block {
	last, err := c.blockStore.LastBlock()
	require.NoError(t, err)
	return last
}

func (c *testChain) nextBlock(t *testing.T, txs types.Txs) *types.Block {
	tip := c.tip(t)
	pv := c.pvs[int(tip.Height())%len(c.pvs)]
	block, err := c.exec.CreateBlock(&BlockTemplate{
		Prev:            tip.Header,
		Timestamp:       tip.Header.Timestamp + 10,
		Generator:       pv,
		Transactions:    txs,
		AggregateCommit: types.EmptyAggregateCommit(0),
	})
	require.NoError(t, err)
	return block
}

func signedTx(t *testing.T, command string, nonce uint64) *types.Transaction {
	key := ed25519.GenPrivKeyFromSecret([]byte("sender"))
	tx := &types.Transaction{
		Module:          "mock",
		Command:         command,
		Nonce:           nonce,
		SenderPublicKey: key.PubKey().Bytes(),
		Params:          []byte{},
	}
	require.NoError(t, tx.Sign(testChainID, key))
	return tx
}

func TestExecuteBlocks(t *testing.T) {
	c := newTestChain(t, 1)
	assert.Equal(t, c.genesis.ID(), c.tip(t).ID())

	for i := 0; i < 3; i++ {
		prev := c.tip(t)
		block := c.nextBlock(t, types.Txs{signedTx(t, "transfer", uint64(i))})
		require.NoError(t, block.ValidateBasic())
		res, err := c.exec.ExecuteBlock(block, prev.Header, false)
		require.NoError(t, err)
		assert.Len(t, res.Events, 1)
		assert.Equal(t, uint32(0), res.Events[0].Index)
	}
	assert.Equal(t, int64(3), c.tip(t).Height())

	// 单个验证者时，区块3执行后高度2被precommit
	finalized, err := c.blockStore.FinalizedHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(2), finalized)
	assert.Equal(t, int64(2), c.backend.FinalizedHeight())
	assert.Equal(t, 0, c.backend.OpenContexts())
}

func TestExecuteBlockAtomicity(t *testing.T) {
	injected := errors.New("injected")
	steps := []string{MockStepVerifyAssets, MockStepBefore, MockStepVerifyTx, MockStepExecuteTx, MockStepAfter, MockStepCommit}
	for _, step := range steps {
		step := step
		t.Run(step, func(t *testing.T) {
			c := newTestChain(t, 1)
			prev := c.tip(t)
			block := c.nextBlock(t, types.Txs{signedTx(t, "transfer", 0)})

			heightsBefore, err := c.bft.GetBFTHeights(c.blockStore.NewStateStore())
			require.NoError(t, err)
			clearsBefore := c.backend.ClearCount()

			c.backend.SetFailure(step, injected)
			_, err = c.exec.ExecuteBlock(block, prev.Header, false)
			require.Error(t, err)

			assert.Equal(t, prev.ID(), c.tip(t).ID())
			heightsAfter, err := c.bft.GetBFTHeights(c.blockStore.NewStateStore())
			require.NoError(t, err)
			assert.Equal(t, heightsBefore, heightsAfter)
			assert.Equal(t, clearsBefore+1, c.backend.ClearCount())
			assert.Equal(t, 0, c.backend.OpenContexts())

			// 失败不影响之后的执行
			c.backend.SetFailure(step, nil)
			_, err = c.exec.ExecuteBlock(block, prev.Header, false)
			require.NoError(t, err)
		})
	}
}

func TestExecuteBlockRejectsWrongRoots(t *testing.T) {
	c := newTestChain(t, 1)
	prev := c.tip(t)
	block := c.nextBlock(t, types.Txs{signedTx(t, "transfer", 0)})

	tampered := *block.Header
	tampered.EventRoot = types.EmptyHash
	require.NoError(t, c.pvs[0].SignHeader(testChainID, &tampered))
	_, err := c.exec.ExecuteBlock(&types.Block{Header: &tampered, Transactions: block.Transactions, Assets: block.Assets}, prev.Header, false)
	assert.True(t, errors.Is(err, ErrEventRootMismatch))

	tampered = *block.Header
	tampered.ValidatorsHash = types.EmptyHash
	require.NoError(t, c.pvs[0].SignHeader(testChainID, &tampered))
	_, err = c.exec.ExecuteBlock(&types.Block{Header: &tampered, Transactions: block.Transactions, Assets: block.Assets}, prev.Header, false)
	assert.True(t, errors.Is(err, ErrValidatorsHashMismatch))

	tampered = *block.Header
	tampered.StateRoot = types.EmptyHash
	require.NoError(t, c.pvs[0].SignHeader(testChainID, &tampered))
	_, err = c.exec.ExecuteBlock(&types.Block{Header: &tampered, Transactions: block.Transactions, Assets: block.Assets}, prev.Header, false)
	assert.True(t, errors.Is(err, ErrCommitFailed))

	invalid := c.nextBlock(t, types.Txs{})
	invalid.Transactions = types.Txs{signedTx(t, MockInvalidCommand, 0)}
	_, err = c.exec.ExecuteBlock(invalid, prev.Header, false)
	assert.True(t, errors.Is(err, ErrInvalidTransaction))

	assert.Equal(t, prev.ID(), c.tip(t).ID())
}

func TestRevertBlock(t *testing.T) {
	c := newTestChain(t, 3)
	genesis := c.tip(t)
	block := c.nextBlock(t, types.Txs{})
	_, err := c.exec.ExecuteBlock(block, genesis.Header, false)
	require.NoError(t, err)

	require.NoError(t, c.exec.RevertBlock(block, genesis.Header, true))
	assert.Equal(t, genesis.ID(), c.tip(t).ID())
	temp, err := c.blockStore.TempBlocks()
	require.NoError(t, err)
	require.Len(t, temp, 1)

	// 重新执行同一个区块
	_, err = c.exec.ExecuteBlock(block, genesis.Header, true)
	require.NoError(t, err)
	temp, err = c.blockStore.TempBlocks()
	require.NoError(t, err)
	assert.Empty(t, temp)

	err = c.exec.RevertBlock(genesis, genesis.Header, false)
	assert.True(t, errors.Is(err, ErrRemoveFinalized))
}

func TestValidatorUpdateChangesValidatorsHash(t *testing.T) {
	c := newTestChain(t, 1)
	extra := types.NewMockPVFromSeed([]byte("extra"))
	c.backend.Updates[1] = &types.ValidatorUpdate{
		NextValidators:       []*types.ValidatorInfo{types.ValidatorInfoOf(c.pvs[0], 1), types.ValidatorInfoOf(extra, 1)},
		PrecommitThreshold:   2,
		CertificateThreshold: 2,
	}
	prev := c.tip(t)
	block := c.nextBlock(t, types.Txs{})
	assert.NotEqual(t, prev.Header.ValidatorsHash, block.Header.ValidatorsHash)
	res, err := c.exec.ExecuteBlock(block, prev.Header, false)
	require.NoError(t, err)
	require.NotNil(t, res.ValidatorUpdate)

	params, err := c.bft.GetBFTParameters(c.blockStore.NewStateStore(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, params.Validators.Size())
}

func TestExecutionContextTransitions(t *testing.T) {
	backend := NewMockBackend(nil)
	ectx, err := OpenContext(backend, &types.BlockHeader{Height: 1})
	require.NoError(t, err)
	assert.Error(t, ectx.advance(ExecExecuting))
	require.NoError(t, ectx.advance(ExecAssetsVerified))

	require.NoError(t, ectx.Close())
	require.NoError(t, ectx.Close())
	assert.Equal(t, ExecAborted, ectx.Status())
	assert.Equal(t, 1, backend.ClearCount())
	assert.Error(t, ectx.advance(ExecExecuting))
}

func TestExecuteBlockWithoutEvents(t *testing.T) {
	c := newTestChain(t, 1)
	prev := c.tip(t)
	block := c.nextBlock(t, types.Txs{})
	res, err := c.exec.ExecuteBlock(block, prev.Header, false)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, block.ID(), c.tip(t).ID())

	stored, err := c.blockStore.EventsByHeight(block.Height())
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 0, c.backend.OpenContexts())
}
