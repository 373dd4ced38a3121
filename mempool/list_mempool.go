package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"

	cfg "chainbft_node/config"
	"chainbft_node/types"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"
)

const (
	TxKeySize = 32
)

// ListMempool 按到达顺序保存交易的mempool
// 交易在加入前由TxChecker在最新状态上检查，区块执行后由Update移除并recheck剩余交易
type ListMempool struct {
	// Atomic integers
	height   int64 // the last block Update()'d to
	txsBytes int64 // total size of mempool, in bytes

	txsAvailable chan struct{} // fires once when a tx is added

	config  *cfg.MempoolConfig
	checker TxChecker

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	txs    *clist.CList
	txsMap sync.Map // TxKey -> *clist.CElement

	// Keep a cache of already-seen txs.
	// This reduces the pressure on the state machine.
	cache txCache

	metric *memMetric
	logger log.Logger
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(mem *ListMempool)

func NewListMempool(config *cfg.MempoolConfig, checker TxChecker, height int64, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height:       height,
		config:       config,
		checker:      checker,
		txs:          clist.New(),
		txsAvailable: make(chan struct{}, 1),
		metric:       newMemMetric(),
		logger:       log.NewNopLogger(),
	}
	if config.CacheSize > 0 {
		mem.cache = newLRUTxCache(config.CacheSize)
	} else {
		mem.cache = nopTxCache{}
	}

	for _, option := range options {
		option(mem)
	}

	return mem
}

func SetPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// JSONString 实现metric.MetricItem
func (mem *ListMempool) JSONString() string {
	return mem.metric.JSONString()
}

func (mem *ListMempool) CheckTx(tx *types.Transaction, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	txSize := len(tx.Bytes())
	if txSize > mem.config.MaxTxBytes {
		return ErrTxTooLarge{max: mem.config.MaxTxBytes, actual: txSize}
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return ErrPreCheck{Reason: err}
		}
	}
	if err := mem.isFull(txSize); err != nil {
		return err
	}

	key := TxKey(tx)
	if !mem.cache.Push(key) {
		// 记录又一个发送者，避免把交易发回去
		if e, ok := mem.txsMap.Load(key); ok {
			memTx := e.(*clist.CElement).Value.(*mempoolTx)
			memTx.senders.LoadOrStore(txInfo.SenderID, true)
		}
		return ErrTxInCache
	}

	if err := mem.checker.CheckTx(tx); err != nil {
		// 状态变化后交易可能重新有效
		mem.cache.Remove(key)
		mem.metric.MarkRejected()
		mem.logger.Debug("Rejected tx", "tx", tx.ID(), "peer", txInfo.SenderP2PID, "err", err)
		return err
	}

	memTx := &mempoolTx{
		height: atomic.LoadInt64(&mem.height),
		tx:     tx,
	}
	memTx.senders.Store(txInfo.SenderID, true)
	mem.addTx(memTx, txSize)
	mem.metric.MarkAccepted()
	mem.metric.MarkSize(mem.Size(), mem.TxsBytes())
	mem.logger.Debug("Added tx", "tx", tx.ID(), "peer", txInfo.SenderP2PID, "total", mem.Size())
	mem.notifyTxsAvailable()
	return nil
}

func (mem *ListMempool) isFull(txSize int) error {
	var (
		memSize  = mem.Size()
		txsBytes = mem.TxsBytes()
	)
	if memSize >= mem.config.Size || int64(txSize)+txsBytes > mem.config.MaxBytes {
		return ErrMempoolIsFull{
			numTxs:      memSize,
			maxTxs:      mem.config.Size,
			txsBytes:    txsBytes,
			maxTxsBytes: mem.config.MaxBytes,
		}
	}
	return nil
}

// ReapMaxBytes 每个发送者在同一个nonce上只取最早到达的交易
func (mem *ListMempool) ReapMaxBytes(maxBytes int64) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	var (
		total int64
		txs   = make(types.Txs, 0, mem.txs.Len())
		seen  = make(map[string]struct{})
	)
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		nonceKey := senderNonceKey(memTx.tx)
		if _, ok := seen[nonceKey]; ok {
			continue
		}
		size := int64(memTx.size())
		if maxBytes > -1 && total+size > maxBytes {
			return txs
		}
		total += size
		seen[nonceKey] = struct{}{}
		txs = append(txs, memTx.tx)
	}
	return txs
}

func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}
	txs := make(types.Txs, 0, max)
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		txs = append(txs, e.Value.(*mempoolTx).tx)
	}
	return txs
}

// Lock 锁定mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

// Unlock 释放mempool的updateMtx读写锁的写锁
func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

func (mem *ListMempool) Update(height int64, txs types.Txs) error {
	atomic.StoreInt64(&mem.height, height)

	removed := 0
	for _, tx := range txs {
		key := TxKey(tx)
		// 已执行的交易留在cache中，不再接受
		_ = mem.cache.Push(key)
		if e, ok := mem.txsMap.Load(key); ok {
			mem.removeTx(key, e.(*clist.CElement), false)
			removed++
		}
	}
	mem.metric.MarkCommitted(removed)

	if mem.config.Recheck && mem.Size() > 0 {
		mem.recheckTxs()
	}
	mem.metric.MarkSize(mem.Size(), mem.TxsBytes())
	return nil
}

// recheckTxs 在新状态上重新检查剩余交易，失效的从mempool和cache中删除
// caller持有写锁
func (mem *ListMempool) recheckTxs() {
	invalid := 0
	for e := mem.txs.Front(); e != nil; {
		next := e.Next()
		memTx := e.Value.(*mempoolTx)
		if err := mem.checker.CheckTx(memTx.tx); err != nil {
			mem.logger.Debug("Tx is no longer valid", "tx", memTx.tx.ID(), "err", err)
			mem.removeTx(TxKey(memTx.tx), e, true)
			invalid++
		}
		e = next
	}
	if invalid > 0 {
		mem.metric.MarkRecheckedOut(invalid)
		mem.logger.Info("Rechecked mempool", "removed", invalid, "remaining", mem.Size())
	}
}

func (mem *ListMempool) ReturnTxs(txs types.Txs) {
	returned := 0
	for _, tx := range txs {
		mem.cache.Remove(TxKey(tx))
		if err := mem.CheckTx(tx, TxInfo{SenderID: UnknownPeerID}); err == nil {
			returned++
		}
	}
	if returned > 0 {
		mem.logger.Info("Returned txs of deleted block", "returned", returned, "total", len(txs))
	}
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	mem.cache.Reset()
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}
	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.metric.MarkSize(0, 0)
}

func (mem *ListMempool) TxsAvailable() <-chan struct{} {
	return mem.txsAvailable
}

func (mem *ListMempool) notifyTxsAvailable() {
	select {
	case mem.txsAvailable <- struct{}{}:
	default:
	}
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// addTx 将tx加入到mempool的双向链表；
// 并且更新快速查询表txMap和mempool的tx总大小
func (mem *ListMempool) addTx(memTx *mempoolTx, size int) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(TxKey(memTx.tx), e)
	atomic.AddInt64(&mem.txsBytes, int64(size))
}

func (mem *ListMempool) removeTx(key [TxKeySize]byte, elem *clist.CElement, removeFromCache bool) {
	memTx := elem.Value.(*mempoolTx)
	mem.txs.Remove(elem)
	elem.DetachPrev()
	mem.txsMap.Delete(key)
	atomic.AddInt64(&mem.txsBytes, -int64(memTx.size()))
	if removeFromCache {
		mem.cache.Remove(key)
	}
}

func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// ------------------------------

type txCache interface {
	Reset()
	Push(key [TxKeySize]byte) bool
	Remove(key [TxKeySize]byte)
}

// lruTxCache 保存最近见过的交易，满了之后淘汰最早的
type lruTxCache struct {
	cache *lru.Cache
}

func newLRUTxCache(size int) *lruTxCache {
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &lruTxCache{cache: cache}
}

func (c *lruTxCache) Reset() {
	c.cache.Purge()
}

// Push 返回false表示已经在cache中
func (c *lruTxCache) Push(key [TxKeySize]byte) bool {
	ok, _ := c.cache.ContainsOrAdd(key, struct{}{})
	return !ok
}

func (c *lruTxCache) Remove(key [TxKeySize]byte) {
	c.cache.Remove(key)
}

type nopTxCache struct{}

func (nopTxCache) Reset() {}

func (nopTxCache) Push([TxKeySize]byte) bool { return true }

func (nopTxCache) Remove([TxKeySize]byte) {}

// ------------------------------

type mempoolTx struct {
	height int64

	tx      *types.Transaction
	senders sync.Map
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() int64 {
	return atomic.LoadInt64(&memTx.height)
}

func (memTx *mempoolTx) size() int {
	return len(memTx.tx.Bytes())
}

// ------------------------------

// TxKey is the fixed length array hash used as the key in maps.
func TxKey(tx *types.Transaction) [TxKeySize]byte {
	var key [TxKeySize]byte
	copy(key[:], tx.ID())
	return key
}

func senderNonceKey(tx *types.Transaction) string {
	return fmt.Sprintf("%X/%d", tx.SenderPublicKey, tx.Nonce)
}
