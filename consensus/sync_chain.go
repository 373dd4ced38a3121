package consensus

import (
	"time"

	cstypes "chainbft_node/consensus/types"
	"chainbft_node/store"
	"chainbft_node/types"
)

// SyncChain 同步器使用的链视图，方法只在执行通道内调用
type SyncChain struct {
	cs *ConsensusState
}

func (cs *ConsensusState) SyncChain() *SyncChain {
	return &SyncChain{cs: cs}
}

func (c *SyncChain) LastBlock() *types.Block {
	return c.cs.LastBlock()
}

func (c *SyncChain) FinalizedHeight() int64 {
	return c.cs.FinalizedHeight()
}

func (c *SyncChain) BlockStore() *store.BlockStore {
	return c.cs.blockStore
}

func (c *SyncChain) Slots() types.Slots {
	return c.cs.slots
}

func (c *SyncChain) Now() time.Time {
	return c.cs.now()
}

func (c *SyncChain) NumActiveValidators() (int, error) {
	keys, err := c.cs.bft.GetGeneratorKeys(c.cs.blockStore.NewStateStore(), c.cs.LastHeader().Height+1)
	if err != nil {
		return 0, err
	}
	return len(keys.Generators), nil
}

func (c *SyncChain) IsGenerator(address types.Address) (bool, error) {
	keys, err := c.cs.bft.GetGeneratorKeys(c.cs.blockStore.NewStateStore(), c.cs.LastHeader().Height+1)
	if err != nil {
		return false, err
	}
	for _, g := range keys.Generators {
		if g.Address.Equal(address) {
			return true, nil
		}
	}
	return false, nil
}

func (c *SyncChain) ForkStatus(header *types.BlockHeader) cstypes.ForkStatus {
	return cstypes.ForkChoice(header, c.cs.LastHeader(), c.cs.slots)
}

func (c *SyncChain) ExecuteValidated(block *types.Block, removeFromTemp bool) error {
	return c.cs.executeValidated(block, executeOptions{skipBroadcast: true, removeFromTemp: removeFromTemp})
}

func (c *SyncChain) DeleteLastBlock(saveTemp bool) error {
	return c.cs.deleteLastBlock(saveTemp)
}
