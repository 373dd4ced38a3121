package rpc

import (
	"strings"
	"testing"
	"time"

	"chainbft_node/app/smallbank"
	"chainbft_node/bft"
	cfg "chainbft_node/config"
	"chainbft_node/consensus"
	"chainbft_node/libs/metric"
	"chainbft_node/mempool"
	"chainbft_node/state"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/log"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
	"github.com/tendermint/tm-db/memdb"
)

const testChainID = "rpc_test"

type testAccount struct {
	key  crypto.PrivKey
	addr types.Address
}

func newTestAccount(seed string) testAccount {
	key := ed25519.GenPrivKeyFromSecret([]byte(seed))
	return testAccount{key: key, addr: types.GetAddress(key.PubKey())}
}

// setupEnv 启动一个单验证者的链，并把它设为rpc的环境
func setupEnv(t *testing.T, accounts ...testAccount) *Environment {
	pv := types.NewMockPVFromSeed([]byte("rpc-validator"))
	g := &smallbank.Genesis{Validators: []*types.ValidatorInfo{types.ValidatorInfoOf(pv, 1)}}
	for _, a := range accounts {
		g.Accounts = append(g.Accounts, &smallbank.GenesisAccount{Address: a.addr, Checking: 100, Saving: 50})
	}
	genDoc, err := smallbank.NewGenesisDoc(testChainID, time.Now().Unix()-1000, 10, 1, g)
	require.NoError(t, err)

	config := cfg.TestConfig()
	logger := log.TestingLogger()
	backend := smallbank.NewBackend(testChainID, g, memdb.NewDB())
	blockStore := store.NewBlockStore(memdb.NewDB())
	bftModule := bft.NewModule(genDoc.BFTBatchSize)
	exec := state.NewBlockExec(testChainID, backend, bftModule, blockStore)

	mem := mempool.NewListMempool(config.Mempool, backend, 0,
		mempool.SetPreCheck(mempool.PreCheckModule(smallbank.ModuleName)))
	mem.SetLogger(logger)
	cs := consensus.NewConsensusState(config.Consensus, genDoc, exec, blockStore, bftModule,
		consensus.WithPrivValidator(pv), consensus.WithTxSource(mem))
	cs.SetLogger(logger)
	require.NoError(t, mem.ListenBlockEvents(cs.EventSwitch()))
	require.NoError(t, cs.Start())
	t.Cleanup(func() {
		if cs.IsRunning() {
			require.NoError(t, cs.Stop())
		}
	})

	metricSet := metric.NewMetricSet()
	require.NoError(t, metricSet.SetMetrics("consensus", cs.Metrics()))
	require.NoError(t, metricSet.SetMetrics("mempool", mem))

	e := &Environment{
		Consensus:  cs,
		BlockStore: blockStore,
		BFT:        bftModule,
		Mempool:    mem,
		SmallBank:  backend,
		MetricSet:  metricSet,
		Logger:     logger,
	}
	SetEnvironment(e)
	return e
}

func generate(t *testing.T, e *Environment, count int) {
	slots := e.Consensus.Slots()
	for i := 0; i < count; i++ {
		next := slots.SlotNumber(e.Consensus.LastHeader().Timestamp) + 1
		_, err := e.Consensus.GenerateBlock(slots.SlotTime(next))
		require.NoError(t, err)
	}
}

func TestChainQueries(t *testing.T) {
	e := setupEnv(t)
	generate(t, e, 3)
	ctx := &rpctypes.Context{}

	status, err := Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, testChainID, status.ChainID)
	assert.Equal(t, int64(3), status.Height)
	assert.Equal(t, int64(2), status.FinalizedHeight)
	assert.True(t, status.Synced)
	assert.Zero(t, status.Peers)

	latest, err := Block(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Block.Height())
	assert.Equal(t, status.LastBlockID, latest.Block.ID())
	_, err = Block(ctx, 4)
	assert.ErrorIs(t, err, ErrHeightNotAvailable)

	byID, err := BlockByID(ctx, latest.Block.ID())
	require.NoError(t, err)
	assert.Equal(t, latest.Block.ID(), byID.Block.ID())
	_, err = BlockByID(ctx, []byte{0x01})
	assert.Error(t, err)

	blocks, err := Blocks(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, blocks.Blocks, 3)
	for i, b := range blocks.Blocks {
		assert.Equal(t, int64(i+1), b.Height())
	}
	_, err = Blocks(ctx, 3, 1)
	assert.Error(t, err)

	events, err := BlockEvents(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), events.Height)
	assert.NotEmpty(t, events.Events)

	intervals, err := BlockIntervals(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, intervals.Blocks)
	assert.Zero(t, intervals.TotalTxs)
	assert.Equal(t, int64(10000), intervals.MedianInterval)

	heights, err := BFTHeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.BFTHeights, *heights)

	params, err := Validators(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), params.PrecommitThreshold)
	assert.NotNil(t, params.Validators)

	next := e.Consensus.Slots().SlotTime(e.Consensus.Slots().SlotNumber(latest.Block.Header.Timestamp) + 1)
	gen, err := Generator(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, latest.Block.Header.GeneratorAddress, gen.Address)

	_, err = AggregateCommit(ctx)
	require.NoError(t, err)

	metrics, err := JSONMetrics(ctx, "")
	require.NoError(t, err)
	assert.Len(t, metrics.Metrics, 2)
	assert.True(t, strings.Contains(metrics.Metrics["consensus"], "blocks_generated"))
}

func TestBroadcastTxAndAccount(t *testing.T) {
	alice, bob := newTestAccount("alice"), newTestAccount("bob")
	e := setupEnv(t, alice, bob)
	ctx := &rpctypes.Context{}

	tx, err := smallbank.NewTransaction(testChainID, smallbank.CommandSendPayment,
		&smallbank.Params{To: bob.addr, Amount: 30}, 0, smallbank.MinFee, alice.key)
	require.NoError(t, err)
	res, err := BroadcastTx(ctx, tx.Bytes())
	require.NoError(t, err)
	assert.Equal(t, tx.ID(), res.ID)

	// 重复提交
	_, err = BroadcastTx(ctx, tx.Bytes())
	assert.Equal(t, mempool.ErrTxInCache, err)
	// 无法解码
	_, err = BroadcastTx(ctx, []byte{0xff, 0x01})
	assert.Error(t, err)

	unconfirmed, err := UnconfirmedTxs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, unconfirmed.Count)
	assert.Equal(t, 1, unconfirmed.Total)

	generate(t, e, 1)
	unconfirmed, err = UnconfirmedTxs(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, unconfirmed.Total)

	block, err := Block(ctx, 0)
	require.NoError(t, err)
	require.Len(t, block.Block.Transactions, 1)

	acc, err := Account(ctx, []byte(alice.addr))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acc.Account.Nonce)
	assert.Equal(t, int64(100-30-1), acc.Account.Checking)
	acc, err = Account(ctx, []byte(bob.addr))
	require.NoError(t, err)
	assert.Equal(t, int64(130), acc.Account.Checking)
	assert.Equal(t, int64(180), acc.Total)

	_, err = Account(ctx, []byte{0x01, 0x02})
	assert.Error(t, err)
}
