package mempool

import (
	"chainbft_node/consensus"

	"github.com/tendermint/tendermint/libs/events"
)

const listenerID = "mempool"

// ListenBlockEvents 区块执行后删除已打包的交易，区块被删除后把其中的交易放回mempool
func (mem *ListMempool) ListenBlockEvents(evsw events.EventSwitch) error {
	err := evsw.AddListenerForEvent(listenerID, consensus.EventBlockNew, func(data events.EventData) {
		ev := data.(consensus.EventDataBlock)
		mem.Lock()
		defer mem.Unlock()
		if err := mem.Update(ev.Block.Height(), ev.Block.Transactions); err != nil {
			mem.logger.Error("Failed to update mempool", "height", ev.Block.Height(), "err", err)
		}
	})
	if err != nil {
		return err
	}
	return evsw.AddListenerForEvent(listenerID, consensus.EventBlockDelete, func(data events.EventData) {
		ev := data.(consensus.EventDataBlock)
		if len(ev.Block.Transactions) > 0 {
			mem.ReturnTxs(ev.Block.Transactions)
		}
	})
}
