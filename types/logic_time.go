package types

import "time"

// LTime slot编号，slot = (timestamp - genesisTimestamp) / blockTime
type LTime int64

const (
	LtimeZero = LTime(0)
)

func (t LTime) Update(delta int) LTime {
	cur := int64(t)
	return LTime(cur + int64(delta))
}

// Slots 逻辑时钟，负责timestamp和slot之间的换算
type Slots struct {
	GenesisTimestamp int64 `json:"genesis_timestamp"`
	BlockTime        int64 `json:"block_time"` // 秒
}

func NewSlots(genesisTimestamp, blockTime int64) Slots {
	if blockTime <= 0 {
		panic("block time must be positive")
	}
	return Slots{GenesisTimestamp: genesisTimestamp, BlockTime: blockTime}
}

func (s Slots) SlotNumber(timestamp int64) LTime {
	elapsed := timestamp - s.GenesisTimestamp
	if elapsed < 0 {
		// 向下取整
		return LTime((elapsed - s.BlockTime + 1) / s.BlockTime)
	}
	return LTime(elapsed / s.BlockTime)
}

func (s Slots) SlotTime(slot LTime) int64 {
	return s.GenesisTimestamp + int64(slot)*s.BlockTime
}

func (s Slots) CurrentSlot(now time.Time) LTime {
	return s.SlotNumber(now.Unix())
}

// IsFutureSlot 区块所在的slot是否晚于当前slot
func (s Slots) IsFutureSlot(timestamp int64, now time.Time) bool {
	return s.SlotNumber(timestamp) > s.CurrentSlot(now)
}
