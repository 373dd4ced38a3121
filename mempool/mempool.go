package mempool

import (
	"fmt"

	"chainbft_node/types"

	"github.com/tendermint/tendermint/p2p"
)

type Mempool interface {
	// CheckTx检验一个新交易是否合法，来决定能否将其加入到mempool中
	CheckTx(tx *types.Transaction, txInfo TxInfo) error

	// ReapMaxBytes从mempool中打包交易，打包交易的大小不超过maxBytes
	// maxBytes为负数时不限制大小
	ReapMaxBytes(maxBytes int64) types.Txs

	// ReapMaxTxs从mempool中取出caller指定数量的交易
	// 如果max是负数则表示取出mempool所有的交易
	ReapMaxTxs(max int) types.Txs

	// Lock locks the mempool，更新mempool前必须lock mempool
	Lock()

	// Unlock the Mempool
	Unlock()

	// Update 将区块中已执行的交易从mempool中删去
	// NOTE: 该函数只能在区块执行之后调用
	// NOTE: caller负责Lock/Unlock
	Update(height int64, txs types.Txs) error

	// ReturnTxs 区块被删除后，把其中的交易放回mempool
	ReturnTxs(txs types.Txs)

	// Flush将mempool中的所有交易和cache清空
	Flush()

	// TxsAvailable 有新交易加入时通知一次
	TxsAvailable() <-chan struct{}

	// Size返回mempool中的交易条数
	Size() int

	// TxsBytes返回mempool所有交易的byte大小
	TxsBytes() int64
}

// TxChecker 在当前状态上检查交易，由状态机后端实现
type TxChecker interface {
	CheckTx(tx *types.Transaction) error
}

// TxCheckerFunc 把普通函数作为TxChecker
type TxCheckerFunc func(tx *types.Transaction) error

func (f TxCheckerFunc) CheckTx(tx *types.Transaction) error {
	return f(tx)
}

//--------------------------------------------------------------------------------

// PreCheckFunc 在TxChecker之前执行的无状态检查
type PreCheckFunc func(*types.Transaction) error

// PreCheckModule 只接受指定模块的交易
func PreCheckModule(modules ...string) PreCheckFunc {
	return func(tx *types.Transaction) error {
		for _, m := range modules {
			if tx.Module == m {
				return nil
			}
		}
		return fmt.Errorf("module %q not accepted", tx.Module)
	}
}

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
