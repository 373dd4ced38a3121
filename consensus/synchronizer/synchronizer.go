package synchronizer

import (
	"time"

	cfg "chainbft_node/config"
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/store"
	"chainbft_node/types"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
)

// Chain 同步需要的链操作，所有方法都在共识的执行通道内调用
type Chain interface {
	LastBlock() *types.Block
	FinalizedHeight() int64
	BlockStore() *store.BlockStore
	Slots() types.Slots
	Now() time.Time

	// NumActiveValidators 下一个高度的出块者数量
	NumActiveValidators() (int, error)
	// IsGenerator address是否是下一个高度的出块者
	IsGenerator(address types.Address) (bool, error)
	ForkStatus(header *types.BlockHeader) cstypes.ForkStatus

	// ExecuteValidated 校验并执行连接链头的区块，不广播
	ExecuteValidated(block *types.Block, removeFromTemp bool) error
	DeleteLastBlock(saveTemp bool) error
}

// Strategy 一种同步机制，按顺序尝试第一个适用的
type Strategy struct {
	Name         string
	IsApplicable func(block *types.Block, peerID p2p.ID) (bool, error)
	Run          func(block *types.Block, peerID p2p.ID) error
}

const abortedCacheSize = 128

type Synchronizer struct {
	chain   Chain
	network cstypes.Network
	config  *cfg.ConsensusConfig
	logger  log.Logger

	strategies []*Strategy
	// 已经放弃同步的区块，避免同一个区块反复触发同步
	aborted *lru.Cache
}

func NewSynchronizer(chain Chain, network cstypes.Network, config *cfg.ConsensusConfig, logger log.Logger) *Synchronizer {
	aborted, err := lru.New(abortedCacheSize)
	if err != nil {
		panic(err)
	}
	s := &Synchronizer{
		chain:   chain,
		network: network,
		config:  config,
		logger:  logger,
		aborted: aborted,
	}
	bs := &blockSync{s}
	fcs := &fastChainSwitch{s}
	s.strategies = []*Strategy{
		{Name: "block-sync", IsApplicable: bs.isApplicable, Run: bs.run},
		{Name: "fast-chain-switch", IsApplicable: fcs.isApplicable, Run: fcs.run},
	}
	return s
}

// Init 启动时处理上次同步中断留下的临时区块
//
// 临时区块比当前链头更好时恢复它们，否则丢弃
func (s *Synchronizer) Init() error {
	bs := s.chain.BlockStore()
	temps, err := bs.TempBlocks()
	if err != nil {
		return err
	}
	if len(temps) == 0 {
		return nil
	}
	defer func() {
		if err := bs.ClearTempBlocks(); err != nil {
			s.logger.Error("Failed to clear temp blocks", "err", err)
		}
	}()

	highest, lowest := temps[0], temps[len(temps)-1]
	status := s.chain.ForkStatus(highest.Header)
	if status != cstypes.ForkStatusValidBlock && status != cstypes.ForkStatusDifferentChain {
		s.logger.Info("Discarding temp blocks", "count", len(temps), "status", status)
		return nil
	}
	if lowest.Height()-1 < s.chain.FinalizedHeight() {
		s.logger.Info("Temp blocks are below the finalized height", "lowest", lowest.Height())
		return nil
	}
	s.logger.Info("Restoring temp blocks", "from", lowest.Height(), "to", highest.Height())
	if err := s.deleteBlocksAfterHeight(lowest.Height()-1, false); err != nil {
		return err
	}
	for i := len(temps) - 1; i >= 0; i-- {
		if err := s.chain.ExecuteValidated(temps[i], true); err != nil {
			return errors.Wrapf(err, "restore temp block %d", temps[i].Height())
		}
	}
	return nil
}

// Run 对DIFFERENT_CHAIN的区块选择同步机制并执行，按错误类型重启或放弃
func (s *Synchronizer) Run(block *types.Block, peerID p2p.ID) error {
	if s.aborted.Contains(block.ID().String()) {
		s.logger.Debug("Skip synchronization for aborted block", "id", block.ID())
		return nil
	}
	var err error
	for attempt := 0; attempt <= s.config.MaxSyncRestarts; attempt++ {
		err = s.runOnce(block, peerID)
		var (
			restart         *RestartError
			penaltyRestart  *ApplyPenaltyAndRestartError
			abortErr        *AbortError
			penaltyAbortErr *ApplyPenaltyAndAbortError
		)
		switch {
		case err == nil:
			return nil
		case errors.As(err, &restart):
			s.logger.Info("Restarting synchronization", "reason", restart.Reason)
			continue
		case errors.As(err, &penaltyRestart):
			s.logger.Info("Restarting synchronization with penalty", "peer", penaltyRestart.PeerID, "reason", penaltyRestart.Reason)
			s.network.ApplyPenalty(penaltyRestart.PeerID, cstypes.PenaltyBanThreshold)
			continue
		case errors.As(err, &abortErr):
			s.logger.Info("Synchronization aborted", "reason", abortErr.Reason)
			s.aborted.Add(block.ID().String(), struct{}{})
			return err
		case errors.As(err, &penaltyAbortErr):
			s.logger.Info("Synchronization aborted with penalty", "peer", penaltyAbortErr.PeerID, "reason", penaltyAbortErr.Reason)
			s.network.ApplyPenalty(penaltyAbortErr.PeerID, cstypes.PenaltyBanThreshold)
			s.aborted.Add(block.ID().String(), struct{}{})
			return err
		default:
			return err
		}
	}
	return errors.Wrapf(err, "synchronization restarted %d times", s.config.MaxSyncRestarts)
}

func (s *Synchronizer) runOnce(block *types.Block, peerID p2p.ID) error {
	for _, st := range s.strategies {
		ok, err := st.IsApplicable(block, peerID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s.logger.Info("Running synchronization", "mechanism", st.Name, "height", block.Height(), "peer", peerID)
		return st.Run(block, peerID)
	}
	s.logger.Info("No synchronization mechanism applicable", "height", block.Height(), "peer", peerID)
	return nil
}
