package state

import (
	"chainbft_node/types"
)

// State 链头：最后采纳的区块和最终高度
//
// 只由共识状态机在执行通道内修改，每次修改都在区块持久化之后
type State struct {
	ChainID         string
	LastBlock       *types.Block
	FinalizedHeight int64
}

// Copy 返回副本，区块本身不可变所以共享指针
func (state State) Copy() State {
	return State{
		ChainID:         state.ChainID,
		LastBlock:       state.LastBlock,
		FinalizedHeight: state.FinalizedHeight,
	}
}

func (state State) LastHeader() *types.BlockHeader {
	if state.LastBlock == nil {
		return nil
	}
	return state.LastBlock.Header
}

func (state State) IsEmpty() bool {
	return state.LastBlock == nil
}
