package synchronizer

import (
	"context"

	cstypes "chainbft_node/consensus/types"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/p2p"
)

// deleteBlocksAfterHeight 从链头开始删除，直到链头高度为height
func (s *Synchronizer) deleteBlocksAfterHeight(height int64, saveTemp bool) error {
	if height < s.chain.FinalizedHeight() {
		return errors.Errorf("cannot delete blocks below finalized height %d", s.chain.FinalizedHeight())
	}
	for s.chain.LastBlock().Height() > height {
		if err := s.chain.DeleteLastBlock(saveTemp); err != nil {
			return err
		}
	}
	return nil
}

// restoreBlocks 回到commonHeight后重新执行临时表中的区块
func (s *Synchronizer) restoreBlocks(commonHeight int64) error {
	bs := s.chain.BlockStore()
	temps, err := bs.TempBlocks()
	if err != nil {
		return err
	}
	if err := s.deleteBlocksAfterHeight(commonHeight, false); err != nil {
		return err
	}
	for i := len(temps) - 1; i >= 0; i-- {
		if temps[i].Height() <= commonHeight {
			continue
		}
		if err := s.chain.ExecuteValidated(temps[i], true); err != nil {
			return errors.Wrapf(err, "restore block %d", temps[i].Height())
		}
	}
	return bs.ClearTempBlocks()
}

func (s *Synchronizer) request(peerID p2p.ID, procedure string, data []byte) ([]byte, error) {
	return s.network.RequestFromPeer(context.Background(), peerID, procedure, data)
}

func (s *Synchronizer) requestLastBlock(peerID p2p.ID) (*types.Block, error) {
	bz, err := s.request(peerID, cstypes.ProcedureGetLastBlock, nil)
	if err != nil {
		return nil, err
	}
	block, err := types.DecodeBlock(bz)
	if err == nil {
		err = block.ValidateBasic()
	}
	if err != nil {
		return nil, penaltyAndRestart(peerID, "invalid last block: %v", err)
	}
	return block, nil
}

// requestHighestCommonBlock 返回ids中peer和本地都有的最高区块，没有时返回nil
func (s *Synchronizer) requestHighestCommonBlock(peerID p2p.ID, ids [][]byte) (*types.Block, error) {
	bz, err := s.request(peerID, cstypes.ProcedureGetHighestCommonBlock, (&types.BytesList{Items: ids}).Bytes())
	if err != nil {
		return nil, err
	}
	if len(bz) == 0 {
		return nil, nil
	}
	block, err := s.chain.BlockStore().BlockByID(bz)
	if errors.Is(err, store.ErrBlockNotFound) {
		return nil, penaltyAndRestart(peerID, "common block %X not found locally", bz)
	}
	return block, err
}

func (s *Synchronizer) requestBlocksFromID(peerID p2p.ID, id []byte) ([]*types.Block, error) {
	bz, err := s.request(peerID, cstypes.ProcedureGetBlocksFromID, id)
	if err != nil {
		return nil, err
	}
	list, err := types.DecodeBytesList(bz)
	if err != nil {
		return nil, penaltyAndRestart(peerID, "invalid blocks response: %v", err)
	}
	blocks := make([]*types.Block, 0, len(list.Items))
	for _, item := range list.Items {
		block, err := types.DecodeBlock(item)
		if err == nil {
			err = block.ValidateBasic()
		}
		if err != nil {
			return nil, penaltyAndRestart(peerID, "invalid block in response: %v", err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// blockIDsAtHeights 本地链上这些高度的区块ID，不存在的高度跳过
func (s *Synchronizer) blockIDsAtHeights(heights []int64) ([][]byte, error) {
	bs := s.chain.BlockStore()
	ids := make([][]byte, 0, len(heights))
	for _, h := range heights {
		id, err := bs.BlockIDByHeight(h)
		if errors.Is(err, store.ErrBlockNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// hasPreference 新链头是否优于旧链头
func hasPreference(newTip, oldTip *types.BlockHeader) bool {
	if newTip.MaxHeightPrevoted != oldTip.MaxHeightPrevoted {
		return newTip.MaxHeightPrevoted > oldTip.MaxHeightPrevoted
	}
	return newTip.Height > oldTip.Height
}
