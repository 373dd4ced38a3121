package consensus

import (
	"bytes"

	cstypes "chainbft_node/consensus/types"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/p2p"
)

const (
	// 一次getBlocksFromId最多返回的区块数
	maxBlocksPerResponse = 103
	// getHighestCommonBlock请求中最多的区块ID数
	maxCommonBlockIDs = 1000
)

// Handlers 对peer开放的RPC
func (cs *ConsensusState) Handlers() map[string]cstypes.Handler {
	return map[string]cstypes.Handler{
		cstypes.ProcedureGetLastBlock:          cs.handleGetLastBlock,
		cstypes.ProcedureGetBlocksFromID:       cs.handleGetBlocksFromID,
		cstypes.ProcedureGetHighestCommonBlock: cs.handleGetHighestCommonBlock,
	}
}

func (cs *ConsensusState) handleGetLastBlock(_ []byte, _ p2p.ID) ([]byte, error) {
	last := cs.LastBlock()
	if last == nil {
		return nil, ErrNotRunning
	}
	return last.Bytes(), nil
}

// handleGetBlocksFromID 返回id之后的区块，按高度升序
func (cs *ConsensusState) handleGetBlocksFromID(data []byte, _ p2p.ID) ([]byte, error) {
	if len(data) != types.IDLength {
		return nil, errors.Wrapf(ErrInvalidRequest, "block id length %d", len(data))
	}
	from, err := cs.blockStore.BlockByID(data)
	if err != nil {
		return nil, err
	}
	// 不在当前链上的区块没有后续区块
	id, err := cs.blockStore.BlockIDByHeight(from.Height())
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(from.ID(), id) {
		return nil, errors.Wrapf(store.ErrBlockNotFound, "block %v not on the chain", from.ID())
	}
	tip := cs.LastHeader()
	if tip == nil {
		return nil, ErrNotRunning
	}
	to := from.Height() + maxBlocksPerResponse
	if to > tip.Height {
		to = tip.Height
	}
	blocks, err := cs.blockStore.BlocksByHeightBetween(from.Height()+1, to)
	if err != nil {
		return nil, err
	}
	res := &types.BytesList{Items: make([][]byte, 0, len(blocks))}
	for _, b := range blocks {
		res.Items = append(res.Items, b.Bytes())
	}
	return res.Bytes(), nil
}

// handleGetHighestCommonBlock 返回ids中本地链上高度最大的区块ID，没有则返回空
func (cs *ConsensusState) handleGetHighestCommonBlock(data []byte, _ p2p.ID) ([]byte, error) {
	req, err := types.DecodeBytesList(data)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidRequest, err.Error())
	}
	if len(req.Items) == 0 || len(req.Items) > maxCommonBlockIDs {
		return nil, errors.Wrapf(ErrInvalidRequest, "%d block ids", len(req.Items))
	}
	for _, id := range req.Items {
		if len(id) != types.IDLength {
			return nil, errors.Wrapf(ErrInvalidRequest, "block id length %d", len(id))
		}
	}

	var highest *types.Block
	for _, id := range req.Items {
		block, err := cs.blockStore.BlockByID(id)
		if errors.Is(err, store.ErrBlockNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		onChain, err := cs.blockStore.BlockIDByHeight(block.Height())
		if err != nil || !bytes.Equal(block.ID(), onChain) {
			continue
		}
		if highest == nil || block.Height() > highest.Height() {
			highest = block
		}
	}
	if highest == nil {
		return []byte{}, nil
	}
	return highest.ID(), nil
}
