package types

import (
	"context"

	"github.com/tendermint/tendermint/p2p"
)

// 共识使用的p2p通道
const (
	BlockChannel       = byte(0x40) // 新区块gossip
	CommitChannel      = byte(0x41) // single commit gossip
	RPCRequestChannel  = byte(0x42)
	RPCResponseChannel = byte(0x43)
	StatusChannel      = byte(0x44) // 链头状态
)

// 节点之间的RPC
const (
	ProcedureGetLastBlock          = "getLastBlock"
	ProcedureGetBlocksFromID       = "getBlocksFromId"
	ProcedureGetHighestCommonBlock = "getHighestCommonBlock"
	ProcedurePostSingleCommits     = "postSingleCommits"
)

// 惩罚分数，累计达到PenaltyBanThreshold的节点会被断开
const (
	PenaltyDefault      = 10
	PenaltyBanThreshold = 100
)

// Handler 处理来自peer的RPC请求
type Handler func(data []byte, peerID p2p.ID) ([]byte, error)

// Network 共识对网络层的全部依赖
type Network interface {
	Broadcast(chID byte, msg []byte)
	Send(peerID p2p.ID, chID byte, msg []byte) bool
	ApplyPenalty(peerID p2p.ID, weight int)
	RequestFromPeer(ctx context.Context, peerID p2p.ID, procedure string, data []byte) ([]byte, error)
	PeerStatuses() []PeerStatus
}

// PeerStatus 从peer的状态广播中得到的链头信息
type PeerStatus struct {
	PeerID             p2p.ID `json:"peer_id"`
	Height             int64  `json:"height"`
	MaxHeightPrevoted  int64  `json:"max_height_prevoted"`
	MaxHeightFinalized int64  `json:"max_height_finalized"`
	LastBlockID        []byte `json:"last_block_id"`
}

// Better 按(maxHeightPrevoted, height)比较
func (ps PeerStatus) Better(other PeerStatus) bool {
	if ps.MaxHeightPrevoted != other.MaxHeightPrevoted {
		return ps.MaxHeightPrevoted > other.MaxHeightPrevoted
	}
	return ps.Height > other.Height
}
