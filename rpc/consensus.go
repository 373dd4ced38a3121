package rpc

import (
	"time"

	"chainbft_node/bft"
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/libs/utils"
	"chainbft_node/types"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/p2p"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultStatus struct {
	NodeID  p2p.ID `json:"node_id"`
	ChainID string `json:"chain_id"`

	Height          int64            `json:"height"`
	LastBlockID     tmbytes.HexBytes `json:"last_block_id"`
	LastBlockTime   int64            `json:"last_block_time"`
	FinalizedHeight int64            `json:"finalized_height"`
	BFTHeights      bft.Heights      `json:"bft_heights"`

	// 不落后于任何已知peer
	Synced bool `json:"synced"`
	Peers  int  `json:"peers"`
}

func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	tip := env.Consensus.LastHeader()
	heights, err := env.BFT.GetBFTHeights(env.BlockStore.NewStateStore())
	if err != nil {
		return nil, err
	}
	res := &ResultStatus{
		ChainID:         env.Consensus.ChainID(),
		Height:          tip.Height,
		LastBlockID:     tip.ID(),
		LastBlockTime:   tip.Timestamp,
		FinalizedHeight: env.Consensus.FinalizedHeight(),
		BFTHeights:      *heights,
		Synced:          true,
	}
	if env.NodeInfo != nil {
		res.NodeID = env.NodeInfo.ID()
	}
	for _, ps := range peerStatuses() {
		res.Peers++
		if !env.Consensus.IsSynced(ps.Height, ps.MaxHeightPrevoted) {
			res.Synced = false
		}
	}
	return res, nil
}

type ResultPeers struct {
	Peers []cstypes.PeerStatus `json:"peers"`
}

func Peers(ctx *rpctypes.Context) (*ResultPeers, error) {
	return &ResultPeers{Peers: peerStatuses()}, nil
}

func peerStatuses() []cstypes.PeerStatus {
	if env.ConsensusReactor == nil {
		return []cstypes.PeerStatus{}
	}
	return env.ConsensusReactor.PeerStatuses()
}

type ResultBlock struct {
	Block *types.Block `json:"block"`
}

// Block height为0时返回链头
func Block(ctx *rpctypes.Context, height int64) (*ResultBlock, error) {
	h, err := latestHeight(height)
	if err != nil {
		return nil, err
	}
	block, err := env.BlockStore.BlockByHeight(h)
	if err != nil {
		return nil, err
	}
	return &ResultBlock{Block: block}, nil
}

func BlockByID(ctx *rpctypes.Context, id tmbytes.HexBytes) (*ResultBlock, error) {
	if len(id) != types.IDLength {
		return nil, errors.Errorf("block id must be %d bytes", types.IDLength)
	}
	block, err := env.BlockStore.BlockByID(id)
	if err != nil {
		return nil, err
	}
	return &ResultBlock{Block: block}, nil
}

type ResultBlocks struct {
	Blocks []*types.Block `json:"blocks"`
}

// Blocks 按高度升序返回[from, to]，最多maxBlocksPerRequest个
func Blocks(ctx *rpctypes.Context, from, to int64) (*ResultBlocks, error) {
	to, err := latestHeight(to)
	if err != nil {
		return nil, err
	}
	if from < 0 || from > to {
		return nil, errors.Errorf("invalid range [%d, %d]", from, to)
	}
	if to-from+1 > maxBlocksPerRequest {
		to = from + maxBlocksPerRequest - 1
	}
	blocks, err := env.BlockStore.BlocksByHeightBetween(from, to)
	if err != nil {
		return nil, err
	}
	return &ResultBlocks{Blocks: blocks}, nil
}

type ResultEvents struct {
	Height int64        `json:"height"`
	Events types.Events `json:"events"`
}

func BlockEvents(ctx *rpctypes.Context, height int64) (*ResultEvents, error) {
	h, err := latestHeight(height)
	if err != nil {
		return nil, err
	}
	events, err := env.BlockStore.EventsByHeight(h)
	if err != nil {
		return nil, err
	}
	return &ResultEvents{Height: h, Events: events}, nil
}

// ResultBlockIntervals 最近区块的出块间隔（毫秒）和交易数统计
type ResultBlockIntervals struct {
	Blocks         int   `json:"blocks"`
	MaxInterval    int64 `json:"max_interval_ms"`
	MinInterval    int64 `json:"min_interval_ms"`
	MedianInterval int64 `json:"median_interval_ms"`
	AvgInterval    int64 `json:"avg_interval_ms"`
	TotalTxs       int64 `json:"total_txs"`
	MaxTxs         int64 `json:"max_txs"`
}

func BlockIntervals(ctx *rpctypes.Context, count int) (*ResultBlockIntervals, error) {
	if count <= 0 || count > maxBlocksPerRequest {
		count = maxBlocksPerRequest
	}
	tip := env.Consensus.LastHeader()
	// 低于创世高度的部分没有区块
	from := tip.Height - int64(count)
	if from < 0 {
		from = 0
	}
	blocks, err := env.BlockStore.BlocksByHeightBetween(from, tip.Height)
	if err != nil {
		return nil, err
	}
	res := &ResultBlockIntervals{}
	var intervals []float64
	for i := 1; i < len(blocks); i++ {
		intervals = append(intervals, float64(blocks[i].Header.Timestamp-blocks[i-1].Header.Timestamp))
		txs := int64(len(blocks[i].Transactions))
		res.TotalTxs += txs
		if txs > res.MaxTxs {
			res.MaxTxs = txs
		}
	}
	if len(intervals) == 0 {
		return res, nil
	}
	res.Blocks = len(intervals)
	res.MaxInterval = toMillis(utils.Max(intervals...))
	res.MinInterval = toMillis(utils.Min(intervals...))
	res.MedianInterval = toMillis(utils.Median(intervals...))
	res.AvgInterval = toMillis(utils.Avg(intervals...))
	return res, nil
}

func toMillis(seconds float64) int64 {
	return int64(seconds * 1000)
}

func BFTHeights(ctx *rpctypes.Context) (*bft.Heights, error) {
	return env.BFT.GetBFTHeights(env.BlockStore.NewStateStore())
}

// Validators height为0时返回下一个区块使用的验证者
func Validators(ctx *rpctypes.Context, height int64) (*bft.Parameters, error) {
	if height == 0 {
		height = env.Consensus.LastHeader().Height + 1
	}
	return env.BFT.GetBFTParameters(env.BlockStore.NewStateStore(), height)
}

type ResultAggregateCommit struct {
	AggregateCommit types.AggregateCommit `json:"aggregate_commit"`
	CommitPoolSize  int                   `json:"commit_pool_size"`
}

// AggregateCommit 下一个区块将要包含的aggregateCommit
func AggregateCommit(ctx *rpctypes.Context) (*ResultAggregateCommit, error) {
	ac, err := env.Consensus.GetAggregateCommit()
	if err != nil {
		return nil, err
	}
	return &ResultAggregateCommit{AggregateCommit: ac, CommitPoolSize: env.Consensus.CommitPool().Size()}, nil
}

type ResultGenerator struct {
	Timestamp int64         `json:"timestamp"`
	Slot      types.LTime   `json:"slot"`
	Address   types.Address `json:"address"`
}

// Generator timestamp为0时使用当前时间
func Generator(ctx *rpctypes.Context, timestamp int64) (*ResultGenerator, error) {
	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}
	slots := env.Consensus.Slots()
	addr, err := env.Consensus.GetGeneratorAtTimestamp(timestamp)
	if err != nil {
		return nil, err
	}
	return &ResultGenerator{Timestamp: timestamp, Slot: slots.SlotNumber(timestamp), Address: addr}, nil
}

type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics label为空时返回全部模块的metric
func JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	if label == "" {
		return &ResultMetrics{Metrics: env.MetricSet.JSONStrings()}, nil
	}
	return &ResultMetrics{Metrics: env.MetricSet.JSONStrings(label)}, nil
}
