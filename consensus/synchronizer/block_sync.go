package synchronizer

import (
	"bytes"
	"math/rand"

	cstypes "chainbft_node/consensus/types"
	"chainbft_node/types"

	"github.com/tendermint/tendermint/p2p"
)

const (
	// 查找公共区块时每次请求的高度数和最多请求次数
	commonBlockHeightsPerRequest = 10
	commonBlockRequestLimit      = 3
)

// blockSync 本地链落后很多时，从最好的peer逐批下载区块
type blockSync struct {
	*Synchronizer
}

// isApplicable 最终区块落后当前slot超过三轮
func (bs *blockSync) isApplicable(_ *types.Block, _ p2p.ID) (bool, error) {
	n, err := bs.chain.NumActiveValidators()
	if err != nil {
		return false, err
	}
	finalized, err := bs.chain.BlockStore().HeaderByHeight(bs.chain.FinalizedHeight())
	if err != nil {
		return false, err
	}
	slots := bs.chain.Slots()
	current := slots.CurrentSlot(bs.chain.Now())
	return int64(current-slots.SlotNumber(finalized.Timestamp)) > int64(3*n), nil
}

func (bs *blockSync) run(_ *types.Block, _ p2p.ID) error {
	peerID, err := bs.bestPeer()
	if err != nil {
		return err
	}
	peerTip, err := bs.requestLastBlock(peerID)
	if err != nil {
		return err
	}
	status := bs.chain.ForkStatus(peerTip.Header)
	if status != cstypes.ForkStatusValidBlock && status != cstypes.ForkStatusDifferentChain {
		return penaltyAndRestart(peerID, "peer tip is %v", status)
	}

	common, err := bs.requestLastCommonBlock(peerID)
	if err != nil {
		return err
	}
	if common == nil {
		return penaltyAndRestart(peerID, "no common block")
	}
	if common.Height() < bs.chain.FinalizedHeight() {
		return penaltyAndAbort(peerID, "common block %d is below finalized height %d", common.Height(), bs.chain.FinalizedHeight())
	}

	oldTip := bs.chain.LastBlock().Header
	if err := bs.deleteBlocksAfterHeight(common.Height(), true); err != nil {
		return err
	}
	if err := bs.applyBlocks(peerID, common, peerTip); err != nil {
		bs.logger.Error("Failed to apply blocks from peer, restoring", "peer", peerID, "err", err)
		if rerr := bs.restoreBlocks(common.Height()); rerr != nil {
			return rerr
		}
		return penaltyAndRestart(peerID, "failed to apply blocks: %v", err)
	}
	if !hasPreference(bs.chain.LastBlock().Header, oldTip) {
		if err := bs.restoreBlocks(common.Height()); err != nil {
			return err
		}
		return penaltyAndRestart(peerID, "new tip has no preference over the previous tip")
	}
	bs.logger.Info("Block synchronization finished", "height", bs.chain.LastBlock().Height(), "peer", peerID)
	return bs.chain.BlockStore().ClearTempBlocks()
}

// bestPeer 在(maxHeightPrevoted, height)最大的peer中随机选择
func (bs *blockSync) bestPeer() (p2p.ID, error) {
	statuses := bs.network.PeerStatuses()
	if len(statuses) == 0 {
		return "", abort("no connected peers")
	}
	var best []cstypes.PeerStatus
	for _, ps := range statuses {
		switch {
		case len(best) == 0 || ps.Better(best[0]):
			best = []cstypes.PeerStatus{ps}
		case !best[0].Better(ps):
			best = append(best, ps)
		}
	}
	return best[rand.Intn(len(best))].PeerID, nil
}

// requestLastCommonBlock 从链头所在轮开始，每次向下取若干轮的高度询问peer
func (bs *blockSync) requestLastCommonBlock(peerID p2p.ID) (*types.Block, error) {
	n, err := bs.chain.NumActiveValidators()
	if err != nil {
		return nil, err
	}
	round := int64(n)
	tipHeight := bs.chain.LastBlock().Height()
	current := ((tipHeight + round - 1) / round) * round
	finalized := bs.chain.FinalizedHeight()

	for i := 0; i < commonBlockRequestLimit && current >= finalized; i++ {
		heights := heightsForRound(current, round, commonBlockHeightsPerRequest)
		ids, err := bs.blockIDsAtHeights(heights)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			common, err := bs.requestHighestCommonBlock(peerID, ids)
			if err != nil {
				return nil, err
			}
			if common != nil {
				return common, nil
			}
		}
		current = heights[len(heights)-1] - round
	}
	return nil, nil
}

// heightsForRound height, height-round, ...，最多limit个且不小于0
func heightsForRound(height, round int64, limit int) []int64 {
	heights := make([]int64, 0, limit)
	for i := 0; i < limit; i++ {
		h := height - int64(i)*round
		if h < 0 {
			break
		}
		heights = append(heights, h)
	}
	if len(heights) == 0 {
		heights = append(heights, 0)
	}
	return heights
}

// applyBlocks 从公共区块开始下载并执行，直到peer的链头
func (bs *blockSync) applyBlocks(peerID p2p.ID, common, peerTip *types.Block) error {
	lastID := common.ID()
	for {
		blocks, err := bs.requestBlocksFromID(peerID, lastID)
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			return penaltyAndRestart(peerID, "peer returned no blocks after %v", lastID)
		}
		for _, block := range blocks {
			if err := bs.chain.ExecuteValidated(block, false); err != nil {
				return err
			}
			if bytes.Equal(block.ID(), peerTip.ID()) || block.Height() >= peerTip.Height() {
				return nil
			}
		}
		lastID = blocks[len(blocks)-1].ID()
	}
}
