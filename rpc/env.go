package rpc

import (
	"chainbft_node/app/smallbank"
	"chainbft_node/bft"
	"chainbft_node/consensus"
	"chainbft_node/libs/metric"
	"chainbft_node/mempool"
	"chainbft_node/store"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
)

const (
	// 一次请求最多返回的区块数
	maxBlocksPerRequest = 100
	// unconfirmed_txs默认返回的交易数
	defaultTxsLimit = 30
)

var (
	env *Environment

	ErrHeightNotAvailable = errors.New("height is not available")
)

func SetEnvironment(e *Environment) {
	env = e
}

// Environment rpc处理函数使用的节点组件
type Environment struct {
	Consensus        *consensus.ConsensusState
	ConsensusReactor *consensus.Reactor
	BlockStore       *store.BlockStore
	BFT              bft.Method
	Mempool          mempool.Mempool
	SmallBank        *smallbank.Backend

	NodeInfo  p2p.NodeInfo
	MetricSet *metric.MetricSet
	Logger    log.Logger
}

// latestHeight 0表示最新高度
func latestHeight(height int64) (int64, error) {
	tip := env.Consensus.LastHeader()
	if height == 0 {
		return tip.Height, nil
	}
	if height < 0 || height > tip.Height {
		return 0, errors.Wrapf(ErrHeightNotAvailable, "height %d, tip %d", height, tip.Height)
	}
	return height, nil
}
