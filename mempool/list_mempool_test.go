package mempool

import (
	"errors"
	"sync"
	"testing"

	cfg "chainbft_node/config"
	"chainbft_node/consensus"
	"chainbft_node/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmrand "github.com/tendermint/tendermint/libs/rand"
)

const testChainID = "mempool_test"

// ----- utility func -----

// stubChecker 拒绝rejected中的交易，其余全部接受
type stubChecker struct {
	mtx      sync.Mutex
	rejected map[[TxKeySize]byte]bool
}

func newStubChecker() *stubChecker {
	return &stubChecker{rejected: make(map[[TxKeySize]byte]bool)}
}

func (c *stubChecker) CheckTx(tx *types.Transaction) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.rejected[TxKey(tx)] {
		return errors.New("rejected by state")
	}
	return nil
}

func (c *stubChecker) reject(txs ...*types.Transaction) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, tx := range txs {
		c.rejected[TxKey(tx)] = true
	}
}

func (c *stubChecker) accept(txs ...*types.Transaction) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, tx := range txs {
		delete(c.rejected, TxKey(tx))
	}
}

func newMempool(checker TxChecker, options ...ListMempoolOption) *ListMempool {
	return newMempoolWithConfig(cfg.TestConfig().Mempool, checker, options...)
}

func newMempoolWithConfig(config *cfg.MempoolConfig, checker TxChecker, options ...ListMempoolOption) *ListMempool {
	mempool := NewListMempool(config, checker, 0, options...)
	mempool.SetLogger(log.TestingLogger())
	return mempool
}

// newTx 同一个key、不同nonce的交易编码后大小相同（nonce < 128）
func newTx(t *testing.T, key crypto.PrivKey, nonce uint64, params []byte) *types.Transaction {
	tx := &types.Transaction{
		Module:          "test",
		Command:         "noop",
		Nonce:           nonce,
		Fee:             1,
		SenderPublicKey: key.PubKey().Bytes(),
		Params:          params,
	}
	require.NoError(t, tx.Sign(testChainID, key))
	return tx
}

// 随机生成一些交易，并对其checktx
func checkTxs(t *testing.T, mempool Mempool, count int, peerID uint16) types.Txs {
	key := ed25519.GenPrivKey()
	txs := make(types.Txs, count)
	txInfo := TxInfo{SenderID: peerID}
	for i := 0; i < count; i++ {
		txs[i] = newTx(t, key, uint64(i%128), tmrand.Bytes(20))
		if err := mempool.CheckTx(txs[i], txInfo); err != nil {
			t.Fatalf("checkTx failed: %v while checking #%d tx", err, i)
		}
	}
	return txs
}

// ----- tests -----

func TestBasicMempool(t *testing.T) {
	mem := newMempool(newStubChecker())

	txs := checkTxs(t, mem, 1, UnknownPeerID)
	assert.Equal(t, 1, mem.Size())
	assert.Equal(t, int64(txs.Size()), mem.TxsBytes())

	mem.Flush()
	assert.Equal(t, 0, mem.Size())
	assert.Equal(t, int64(0), mem.TxsBytes())

	// Flush后cache也被清空
	require.NoError(t, mem.CheckTx(txs[0], TxInfo{SenderID: UnknownPeerID}))
	mem.Flush()

	tests := []struct {
		numTxsToCreate int
		expectedTxNum  int
	}{
		{0, 0},
		{1, 1},
		{10, 10},
	}
	for index, test := range tests {
		txs := checkTxs(t, mem, test.numTxsToCreate, UnknownPeerID)
		assert.Equal(t, test.expectedTxNum, mem.Size(), "tc #%d", index)
		assert.Equal(t, int64(txs.Size()), mem.TxsBytes(), "tc #%d", index)
		mem.Flush()
	}
}

func TestCheckTxErrors(t *testing.T) {
	checker := newStubChecker()
	config := cfg.DefaultMempoolConfig()
	config.Size = 2
	mem := newMempoolWithConfig(config, checker, SetPreCheck(PreCheckModule("test")))
	key := ed25519.GenPrivKey()

	// 重复的交易
	tx := newTx(t, key, 0, []byte{0x01})
	require.NoError(t, mem.CheckTx(tx, TxInfo{}))
	assert.Equal(t, ErrTxInCache, mem.CheckTx(tx, TxInfo{SenderID: 1}))

	// 状态检查失败的交易不进入cache，状态变化后可以再次提交
	rejected := newTx(t, key, 1, []byte{0x02})
	checker.reject(rejected)
	assert.Error(t, mem.CheckTx(rejected, TxInfo{}))
	checker.accept(rejected)
	require.NoError(t, mem.CheckTx(rejected, TxInfo{}))

	// mempool已满
	err := mem.CheckTx(newTx(t, key, 2, []byte{0x03}), TxInfo{})
	assert.IsType(t, ErrMempoolIsFull{}, err)

	mem.Flush()

	// 其他模块的交易
	other := newTx(t, key, 3, nil)
	other.Module = "bank"
	require.NoError(t, other.Sign(testChainID, key))
	err = mem.CheckTx(other, TxInfo{})
	assert.True(t, IsPreCheckError(err), "expected pre check error, got %v", err)

	// 过大的交易
	large := newTx(t, key, 4, tmrand.Bytes(config.MaxTxBytes))
	err = mem.CheckTx(large, TxInfo{})
	assert.IsType(t, ErrTxTooLarge{}, err)
	assert.Zero(t, mem.Size())
}

func TestReapMaxBytes(t *testing.T) {
	mem := newMempool(newStubChecker())

	txs := checkTxs(t, mem, 1, UnknownPeerID)
	txSize := int64(len(txs[0].Bytes()))
	mem.Flush() // 清空mempool，开始测试

	tests := []struct {
		numTxsToCreate int
		maxBytes       int64
		expectedNumTxs int
	}{
		{20, -1, 20},
		{20, txSize * 20, 20},
		{20, 0, 0},
		{20, txSize*7 + txSize/2, 7},
		{20, txSize - 1, 0},
		{20, txSize * 10, 10},
	}

	for index, test := range tests {
		checkTxs(t, mem, test.numTxsToCreate, UnknownPeerID)
		txsFromReap := mem.ReapMaxBytes(test.maxBytes)
		assert.Equal(t, test.expectedNumTxs, len(txsFromReap),
			"Got %v tx, expected %d, tc #%d",
			len(txsFromReap), test.expectedNumTxs, index)
		mem.Flush()
	}
}

func TestReapSkipsSameSenderNonce(t *testing.T) {
	mem := newMempool(newStubChecker())
	key := ed25519.GenPrivKey()

	first := newTx(t, key, 0, []byte{0x01})
	second := newTx(t, key, 0, []byte{0x02})
	next := newTx(t, key, 1, []byte{0x03})
	for _, tx := range []*types.Transaction{first, second, next} {
		require.NoError(t, mem.CheckTx(tx, TxInfo{}))
	}

	assert.Equal(t, types.Txs{first, next}, mem.ReapMaxBytes(-1))
	assert.Len(t, mem.ReapMaxTxs(-1), 3)
	assert.Equal(t, types.Txs{first}, mem.ReapMaxTxs(1))
}

func TestUpdate(t *testing.T) {
	checker := newStubChecker()
	mem := newMempool(checker)
	txs := checkTxs(t, mem, 5, UnknownPeerID)

	// 已执行的交易被删除，并且不能再次加入
	mem.Lock()
	require.NoError(t, mem.Update(1, txs[:2]))
	mem.Unlock()
	assert.Equal(t, 3, mem.Size())
	assert.Equal(t, ErrTxInCache, mem.CheckTx(txs[0], TxInfo{}))

	// recheck删除在新状态下无效的交易
	checker.reject(txs[3])
	mem.Lock()
	require.NoError(t, mem.Update(2, nil))
	mem.Unlock()
	assert.Equal(t, types.Txs{txs[2], txs[4]}, mem.ReapMaxTxs(-1))
	assert.Equal(t, int64(types.Txs{txs[2], txs[4]}.Size()), mem.TxsBytes())

	// 被recheck删除的交易在状态变化后可以重新提交
	checker.accept(txs[3])
	require.NoError(t, mem.CheckTx(txs[3], TxInfo{}))

	// 区块删除后交易放回mempool
	mem.ReturnTxs(txs[:2])
	assert.Equal(t, 5, mem.Size())
}

func TestListenBlockEvents(t *testing.T) {
	mem := newMempool(newStubChecker())
	txs := checkTxs(t, mem, 3, UnknownPeerID)

	evsw := events.NewEventSwitch()
	require.NoError(t, evsw.Start())
	t.Cleanup(func() { _ = evsw.Stop() })
	require.NoError(t, mem.ListenBlockEvents(evsw))

	block := types.NewBlock(&types.BlockHeader{Height: 4}, txs[:2], types.Assets{})
	evsw.FireEvent(consensus.EventBlockNew, consensus.EventDataBlock{Block: block})
	assert.Equal(t, types.Txs{txs[2]}, mem.ReapMaxTxs(-1))

	evsw.FireEvent(consensus.EventBlockDelete, consensus.EventDataBlock{Block: block})
	assert.Equal(t, 3, mem.Size())
	assert.Contains(t, mem.JSONString(), `"committed_txs":2`)
}
