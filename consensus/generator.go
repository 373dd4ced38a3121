package consensus

import (
	"chainbft_node/state"
	"chainbft_node/types"

	"github.com/pkg/errors"
)

// GenerateBlock 本地验证者在timestamp所在的slot出块，返回已执行的新区块
func (cs *ConsensusState) GenerateBlock(timestamp int64) (*types.Block, error) {
	msg := &GenerateMessage{Timestamp: timestamp}
	if err := cs.send(msg, ""); err != nil {
		return nil, err
	}
	return msg.Block, nil
}

// generateBlock 在执行通道内调用
func (cs *ConsensusState) generateBlock(timestamp int64) (*types.Block, error) {
	if cs.privVal == nil {
		return nil, ErrNoPrivValidator
	}
	generator, err := cs.GetGeneratorAtTimestamp(timestamp)
	if err != nil {
		return nil, err
	}
	if !generator.Equal(cs.privVal.GetAddress()) {
		return nil, errors.Wrapf(ErrNotActiveGenerator, "slot %d generator %v", cs.slots.SlotNumber(timestamp), generator)
	}
	aggregateCommit, err := cs.GetAggregateCommit()
	if err != nil {
		return nil, errors.Wrap(err, "get aggregate commit")
	}
	var txs types.Txs
	if cs.txSource != nil {
		txs = cs.txSource.ReapMaxBytes(types.MaxTransactionsBytes)
	}
	template := &state.BlockTemplate{
		Prev:            cs.LastHeader(),
		Timestamp:       timestamp,
		Generator:       cs.privVal,
		Transactions:    txs,
		AggregateCommit: aggregateCommit,
	}
	block, err := cs.blockExec.CreateBlock(template)
	if errors.Is(err, state.ErrInvalidTransaction) {
		// 交易池中的交易在当前状态下已经失效，出一个空块
		cs.Logger.Error("Dropping transactions from generated block", "err", err)
		template.Transactions = nil
		block, err = cs.blockExec.CreateBlock(template)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create block")
	}
	if err := cs.executeValidated(block, executeOptions{}); err != nil {
		return nil, err
	}
	cs.metrics.MarkGenerated()
	cs.Logger.Info("Generated block", "height", block.Height(), "id", block.ID(), "slot", cs.slots.SlotNumber(timestamp))
	return block, nil
}

// generateRoutine 每个slot开始时检查是否轮到本地验证者出块
func (cs *ConsensusState) generateRoutine() {
	for {
		select {
		case <-cs.Quit():
			return
		case tick := <-cs.slotClock.Chan():
			if !cs.synced() {
				cs.Logger.Debug("Skip generation while behind peers", "slot", tick.Slot)
				continue
			}
			timestamp := cs.slots.SlotTime(tick.Slot)
			generator, err := cs.GetGeneratorAtTimestamp(timestamp)
			if err != nil {
				cs.Logger.Error("Failed to get slot generator", "slot", tick.Slot, "err", err)
				continue
			}
			if !generator.Equal(cs.privVal.GetAddress()) {
				continue
			}
			if _, err := cs.GenerateBlock(timestamp); err != nil && err != ErrNotRunning {
				cs.Logger.Error("Failed to generate block", "slot", tick.Slot, "err", err)
			}
		}
	}
}

// synced 与已知最好的peer状态比较
func (cs *ConsensusState) synced() bool {
	if cs.network == nil {
		return true
	}
	statuses := cs.network.PeerStatuses()
	if len(statuses) == 0 {
		return true
	}
	best := statuses[0]
	for _, ps := range statuses[1:] {
		if ps.Better(best) {
			best = ps
		}
	}
	return cs.IsSynced(best.Height, best.MaxHeightPrevoted)
}
