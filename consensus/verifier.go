package consensus

import (
	"bytes"
	"time"

	"chainbft_node/bft"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
)

// blockVerifier 执行前对候选区块做的全部检查，按顺序执行，第一个失败的检查决定结果
type blockVerifier struct {
	chainID    string
	slots      types.Slots
	bft        bft.Method
	blockStore *store.BlockStore
	commitPool *CommitPool

	now func() time.Time
}

type verifyFunc func(s *store.StateStore, header, tip *types.BlockHeader) error

// Verify tip是区块将要连接的父区块
func (v *blockVerifier) Verify(block *types.Block, tip *types.BlockHeader) error {
	s := v.blockStore.NewStateStore()
	for _, check := range []verifyFunc{
		v.verifyTimestamp,
		v.verifyLinkage,
		v.verifyGenerator,
		v.verifyBFTProperties,
		v.verifySignature,
		v.verifyAggregateCommit,
	} {
		if err := check(s, block.Header, tip); err != nil {
			return err
		}
	}
	return nil
}

func (v *blockVerifier) verifyTimestamp(_ *store.StateStore, header, tip *types.BlockHeader) error {
	if v.slots.IsFutureSlot(header.Timestamp, v.now()) {
		return errors.Wrapf(ErrInvalidTimestamp, "block slot %d is in the future", v.slots.SlotNumber(header.Timestamp))
	}
	slot, tipSlot := v.slots.SlotNumber(header.Timestamp), v.slots.SlotNumber(tip.Timestamp)
	if slot <= tipSlot {
		return errors.Wrapf(ErrInvalidTimestamp, "block slot %d not after previous slot %d", slot, tipSlot)
	}
	return nil
}

func (v *blockVerifier) verifyLinkage(_ *store.StateStore, header, tip *types.BlockHeader) error {
	if !bytes.Equal(header.PreviousBlockID, tip.ID()) {
		return errors.Wrapf(ErrInvalidLinkage, "previous block id %v, tip %v", header.PreviousBlockID, tip.ID())
	}
	if header.Height != tip.Height+1 {
		return errors.Wrapf(ErrInvalidLinkage, "height %d, tip height %d", header.Height, tip.Height)
	}
	return nil
}

func (v *blockVerifier) verifyGenerator(s *store.StateStore, header, _ *types.BlockHeader) error {
	if len(header.GeneratorAddress) != crypto.AddressSize {
		return errors.Wrap(ErrInvalidGenerator, "generator address length")
	}
	expected, err := generatorAt(v.bft, s, v.slots, header.Height, header.Timestamp)
	if err != nil {
		return err
	}
	if !expected.Address.Equal(header.GeneratorAddress) {
		return errors.Wrapf(ErrInvalidGenerator, "generator %v, expected %v", header.GeneratorAddress, expected.Address)
	}
	return nil
}

// verifyBFTProperties 必须在区块的投票计入之前调用
func (v *blockVerifier) verifyBFTProperties(s *store.StateStore, header, _ *types.BlockHeader) error {
	heights, err := v.bft.GetBFTHeights(s)
	if err != nil {
		return err
	}
	if header.MaxHeightPrevoted != heights.MaxHeightPrevoted {
		return errors.Wrapf(ErrInvalidBFTProperties, "maxHeightPrevoted %d, computed %d",
			header.MaxHeightPrevoted, heights.MaxHeightPrevoted)
	}
	implies, err := v.bft.HeaderImpliesMaximalPrevotes(s, header)
	if err != nil {
		return err
	}
	if implies != header.ImpliesMaxPrevotes {
		return errors.Wrapf(ErrInvalidBFTProperties, "impliesMaxPrevotes %v, computed %v", header.ImpliesMaxPrevotes, implies)
	}
	contradicting, err := v.bft.IsHeaderContradictingChain(s, header)
	if err != nil {
		return err
	}
	if contradicting {
		return errors.Wrapf(ErrContradictingHeader, "header %v", header)
	}
	return nil
}

func (v *blockVerifier) verifySignature(s *store.StateStore, header, _ *types.BlockHeader) error {
	keys, err := v.bft.GetGeneratorKeys(s, header.Height)
	if err != nil {
		return err
	}
	for _, g := range keys.Generators {
		if !g.Address.Equal(header.GeneratorAddress) {
			continue
		}
		if !header.VerifySignature(v.chainID, g.GeneratorKey) {
			return errors.Wrapf(ErrInvalidBlockSignature, "header %v", header)
		}
		return nil
	}
	return errors.Wrapf(ErrInvalidBlockSignature, "no generator key for %v", header.GeneratorAddress)
}

func (v *blockVerifier) verifyAggregateCommit(s *store.StateStore, header, _ *types.BlockHeader) error {
	ok, err := v.commitPool.VerifyAggregateCommit(s, header.AggregateCommit)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrInvalidAggregateCommit, "%v", header.AggregateCommit)
	}
	return nil
}

// generatorAt 出块者轮流出块：slot对生成者数量取模
func generatorAt(m bft.Method, s bft.StateStore, slots types.Slots, height, timestamp int64) (*types.Generator, error) {
	keys, err := m.GetGeneratorKeys(s, height)
	if err != nil {
		return nil, err
	}
	n := int64(len(keys.Generators))
	if n == 0 {
		return nil, bft.ErrGeneratorKeysNotFound
	}
	slot := int64(slots.SlotNumber(timestamp))
	idx := ((slot % n) + n) % n
	return keys.Generators[idx], nil
}
