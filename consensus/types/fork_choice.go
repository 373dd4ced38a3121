package types

import (
	"bytes"
	"fmt"

	"chainbft_node/types"
)

// ForkStatus 候选区块相对当前链头的分类结果
type ForkStatus uint8

const (
	ForkStatusIdenticalBlock = ForkStatus(0x01) // 与链头相同
	ForkStatusValidBlock     = ForkStatus(0x02) // 直接延长链头
	ForkStatusDoubleForging  = ForkStatus(0x03) // 同一生成者在同一高度的另一个区块
	ForkStatusTieBreak       = ForkStatus(0x04) // 与链头竞争同一高度并胜出
	ForkStatusDifferentChain = ForkStatus(0x05) // 更重的分叉链，需要同步
	ForkStatusDiscard        = ForkStatus(0x06)
)

func (s ForkStatus) String() string {
	switch s {
	case ForkStatusIdenticalBlock:
		return "IDENTICAL_BLOCK"
	case ForkStatusValidBlock:
		return "VALID_BLOCK"
	case ForkStatusDoubleForging:
		return "DOUBLE_FORGING"
	case ForkStatusTieBreak:
		return "TIE_BREAK"
	case ForkStatusDifferentChain:
		return "DIFFERENT_CHAIN"
	case ForkStatusDiscard:
		return "DISCARD"
	default:
		return fmt.Sprintf("ForkStatus(%d)", uint8(s))
	}
}

// ForkChoice 按顺序判断，第一个满足的规则决定结果
func ForkChoice(candidate, tip *types.BlockHeader, slots types.Slots) ForkStatus {
	switch {
	case isIdenticalBlock(candidate, tip):
		return ForkStatusIdenticalBlock
	case isValidBlock(candidate, tip):
		return ForkStatusValidBlock
	case isDoubleForging(candidate, tip):
		return ForkStatusDoubleForging
	case isTieBreak(candidate, tip, slots):
		return ForkStatusTieBreak
	case isDifferentChain(candidate, tip):
		return ForkStatusDifferentChain
	default:
		return ForkStatusDiscard
	}
}

func isIdenticalBlock(candidate, tip *types.BlockHeader) bool {
	return candidate.Height == tip.Height && bytes.Equal(candidate.ID(), tip.ID())
}

func isValidBlock(candidate, tip *types.BlockHeader) bool {
	return candidate.Height == tip.Height+1 && bytes.Equal(candidate.PreviousBlockID, tip.ID())
}

func isDoubleForging(candidate, tip *types.BlockHeader) bool {
	return candidate.Height == tip.Height && candidate.GeneratorAddress.Equal(tip.GeneratorAddress)
}

// isTieBreak 同一父区块上的两个区块，prevote更多的胜出，相同时slot更早的胜出。
// 父区块不同的同高度区块不在这里比较，交给isDifferentChain走同步
func isTieBreak(candidate, tip *types.BlockHeader, slots types.Slots) bool {
	if candidate.Height != tip.Height || !bytes.Equal(candidate.PreviousBlockID, tip.PreviousBlockID) {
		return false
	}
	if candidate.MaxHeightPrevoted != tip.MaxHeightPrevoted {
		return candidate.MaxHeightPrevoted > tip.MaxHeightPrevoted
	}
	return slots.SlotNumber(candidate.Timestamp) < slots.SlotNumber(tip.Timestamp)
}

func isDifferentChain(candidate, tip *types.BlockHeader) bool {
	if candidate.MaxHeightPrevoted != tip.MaxHeightPrevoted {
		return candidate.MaxHeightPrevoted > tip.MaxHeightPrevoted
	}
	return candidate.Height > tip.Height
}
