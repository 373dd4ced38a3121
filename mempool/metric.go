package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newMemMetric() *memMetric {
	return &memMetric{}
}

type memMetric struct {
	mtx sync.RWMutex

	TxsNum       int   `json:"txs_num"`       // mempool中所有的交易总数
	TxsBytes     int64 `json:"txs_bytes"`     // 目前mempool所有的交易的大小
	AcceptedNum  int64 `json:"accepted_txs"`  // 通过CheckTx的交易总数
	RejectedNum  int64 `json:"rejected_txs"`  // 没有通过CheckTx的交易总数
	CommittedNum int64 `json:"committed_txs"` // 随区块执行被移出的交易总数
	RecheckedOut int64 `json:"rechecked_out"` // recheck时失效的交易总数
}

// JSONString 实现metric.MetricItem
func (mm *memMetric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkSize(txsNum int, txsBytes int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsNum
	mm.TxsBytes = txsBytes
}

func (mm *memMetric) MarkAccepted() {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.AcceptedNum++
}

func (mm *memMetric) MarkRejected() {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.RejectedNum++
}

func (mm *memMetric) MarkCommitted(n int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.CommittedNum += int64(n)
}

func (mm *memMetric) MarkRecheckedOut(n int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.RecheckedOut += int64(n)
}
