package synchronizer

import (
	"bytes"

	"chainbft_node/types"

	"github.com/tendermint/tendermint/p2p"
)

// fastChainSwitch 分叉不超过两轮时，直接从peer取分叉上的区块切换过去
type fastChainSwitch struct {
	*Synchronizer
}

func (f *fastChainSwitch) isApplicable(block *types.Block, peerID p2p.ID) (bool, error) {
	if peerID == "" {
		return false, nil
	}
	n, err := f.chain.NumActiveValidators()
	if err != nil {
		return false, err
	}
	diff := block.Height() - f.chain.LastBlock().Height()
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(2*n) {
		return false, nil
	}
	return f.chain.IsGenerator(block.Header.GeneratorAddress)
}

func (f *fastChainSwitch) run(block *types.Block, peerID p2p.ID) error {
	n, err := f.chain.NumActiveValidators()
	if err != nil {
		return err
	}
	twoRounds := int64(2 * n)

	common, err := f.requestLastCommonBlock(peerID, twoRounds)
	if err != nil {
		return err
	}
	if common == nil {
		return penaltyAndAbort(peerID, "no common block")
	}
	finalized := f.chain.FinalizedHeight()
	if common.Height() < finalized {
		return penaltyAndAbort(peerID, "common block %d is below finalized height %d", common.Height(), finalized)
	}

	tip := f.chain.LastBlock()
	if tip.Height()-common.Height() > twoRounds || block.Height()-common.Height() > twoRounds {
		return abort("height difference to common block %d exceeds two rounds", common.Height())
	}
	blocks, err := f.queryBlocks(peerID, common, block)
	if err != nil {
		return err
	}

	if err := f.deleteBlocksAfterHeight(common.Height(), true); err != nil {
		return err
	}
	for _, b := range blocks {
		if err := f.chain.ExecuteValidated(b, false); err != nil {
			f.logger.Error("Failed to switch chain, restoring", "height", b.Height(), "peer", peerID, "err", err)
			if rerr := f.restoreBlocks(common.Height()); rerr != nil {
				return rerr
			}
			return penaltyAndAbort(peerID, "failed to apply block %d: %v", b.Height(), err)
		}
	}
	f.logger.Info("Switched chain", "height", f.chain.LastBlock().Height(), "peer", peerID)
	return f.chain.BlockStore().ClearTempBlocks()
}

// requestLastCommonBlock 用最近两轮的区块ID询问peer
func (f *fastChainSwitch) requestLastCommonBlock(peerID p2p.ID, twoRounds int64) (*types.Block, error) {
	tipHeight := f.chain.LastBlock().Height()
	low := tipHeight - twoRounds
	if finalized := f.chain.FinalizedHeight(); low < finalized {
		low = finalized
	}
	heights := make([]int64, 0, tipHeight-low+1)
	for h := tipHeight; h >= low; h-- {
		heights = append(heights, h)
	}
	ids, err := f.blockIDsAtHeights(heights)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return f.requestHighestCommonBlock(peerID, ids)
}

// queryBlocks 下载common之后直到target的区块
func (f *fastChainSwitch) queryBlocks(peerID p2p.ID, common, target *types.Block) ([]*types.Block, error) {
	var result []*types.Block
	lastID := common.ID()
	for {
		blocks, err := f.requestBlocksFromID(peerID, lastID)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			return nil, penaltyAndAbort(peerID, "peer returned no blocks after %v", lastID)
		}
		for _, b := range blocks {
			result = append(result, b)
			if b.Height() >= target.Height() {
				if !bytes.Equal(b.ID(), target.ID()) {
					return nil, penaltyAndAbort(peerID, "block at height %d is not the received block", b.Height())
				}
				return result, nil
			}
		}
		lastID = blocks[len(blocks)-1].ID()
	}
}
