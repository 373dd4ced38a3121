package consensus

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"chainbft_node/bft"
	cfg "chainbft_node/config"
	cstypes "chainbft_node/consensus/types"
	"chainbft_node/crypto/bls"
	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/service"
)

// chainReader commit pool需要的链头信息
type chainReader interface {
	LastHeader() *types.BlockHeader
	GetMaxRemovalHeight() (int64, error)
}

// commitList height -> validator address -> commit
type commitList map[int64]map[string]*types.SingleCommit

func (l commitList) add(c *types.SingleCommit) {
	byAddr, ok := l[c.Height]
	if !ok {
		byAddr = make(map[string]*types.SingleCommit)
		l[c.Height] = byAddr
	}
	byAddr[string(c.ValidatorAddress)] = c
}

func (l commitList) has(c *types.SingleCommit) bool {
	_, ok := l[c.Height][string(c.ValidatorAddress)]
	return ok
}

func (l commitList) remove(c *types.SingleCommit) {
	byAddr, ok := l[c.Height]
	if !ok {
		return
	}
	delete(byAddr, string(c.ValidatorAddress))
	if len(byAddr) == 0 {
		delete(l, c.Height)
	}
}

func (l commitList) byHeight(height int64) []*types.SingleCommit {
	commits := make([]*types.SingleCommit, 0, len(l[height]))
	for _, c := range l[height] {
		commits = append(commits, c)
	}
	return commits
}

// sorted 按高度升序，同一高度按地址排序，保证gossip顺序确定
func (l commitList) sorted() []*types.SingleCommit {
	heights := make([]int64, 0, len(l))
	for h := range l {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	var commits []*types.SingleCommit
	for _, h := range heights {
		batch := l.byHeight(h)
		sort.Slice(batch, func(i, j int) bool {
			return bytes.Compare(batch[i].ValidatorAddress, batch[j].ValidatorAddress) < 0
		})
		commits = append(commits, batch...)
	}
	return commits
}

func (l commitList) size() int {
	n := 0
	for _, byAddr := range l {
		n += len(byAddr)
	}
	return n
}

// CommitPool 收集single commit，聚合出证书，并定期gossip
//
// 三个列表：本地产生还未gossip的、收到还未gossip的、已经gossip的
type CommitPool struct {
	service.BaseService

	config     *cfg.ConsensusConfig
	chainID    string
	blockTime  time.Duration
	bft        bft.Method
	blockStore *store.BlockStore
	chain      chainReader
	network    cstypes.Network

	mtx              sync.RWMutex
	nonGossipedLocal commitList
	nonGossiped      commitList
	gossiped         commitList
}

func NewCommitPool(
	config *cfg.ConsensusConfig,
	chainID string,
	blockTime time.Duration,
	bftMethod bft.Method,
	blockStore *store.BlockStore,
	chain chainReader,
) *CommitPool {
	pool := &CommitPool{
		config:           config,
		chainID:          chainID,
		blockTime:        blockTime,
		bft:              bftMethod,
		blockStore:       blockStore,
		chain:            chain,
		nonGossipedLocal: make(commitList),
		nonGossiped:      make(commitList),
		gossiped:         make(commitList),
	}
	pool.BaseService = *service.NewBaseService(nil, "CommitPool", pool)
	return pool
}

func (pool *CommitPool) SetNetwork(network cstypes.Network) {
	pool.network = network
}

func (pool *CommitPool) OnStart() error {
	go pool.jobRoutine()
	return nil
}

func (pool *CommitPool) jobRoutine() {
	ticker := time.NewTicker(pool.blockTime)
	defer ticker.Stop()
	for {
		select {
		case <-pool.Quit():
			return
		case <-ticker.C:
			if err := pool.Job(); err != nil {
				pool.Logger.Error("Commit pool job failed", "err", err)
			}
		}
	}
}

// AddCommit 重复添加同一(height, validator)的commit会被忽略
func (pool *CommitPool) AddCommit(c *types.SingleCommit, local bool) {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()
	if pool.nonGossipedLocal.has(c) || pool.nonGossiped.has(c) || pool.gossiped.has(c) {
		return
	}
	if local {
		pool.nonGossipedLocal.add(c)
	} else {
		pool.nonGossiped.add(c)
	}
}

func (pool *CommitPool) exists(c *types.SingleCommit) bool {
	pool.mtx.RLock()
	defer pool.mtx.RUnlock()
	return pool.nonGossipedLocal.has(c) || pool.nonGossiped.has(c) || pool.gossiped.has(c)
}

// Size 三个列表中commit的总数
func (pool *CommitPool) Size() int {
	pool.mtx.RLock()
	defer pool.mtx.RUnlock()
	return pool.nonGossipedLocal.size() + pool.nonGossiped.size() + pool.gossiped.size()
}

// ValidateCommit 结构错误返回error，调用者据此惩罚peer；其他不合格的commit返回false
func (pool *CommitPool) ValidateCommit(s bft.StateStore, c *types.SingleCommit) (bool, error) {
	if err := c.ValidateBasic(); err != nil {
		return false, err
	}
	if pool.exists(c) {
		return false, nil
	}
	maxRemovalHeight, err := pool.chain.GetMaxRemovalHeight()
	if err != nil {
		return false, err
	}
	if c.Height <= maxRemovalHeight {
		pool.Logger.Debug("Commit below max removal height", "commit", c, "maxRemovalHeight", maxRemovalHeight)
		return false, nil
	}
	heights, err := pool.bft.GetBFTHeights(s)
	if err != nil {
		return false, err
	}
	if c.Height <= heights.MaxHeightCertified {
		return false, nil
	}
	inRange := c.Height >= heights.MaxHeightPrecommitted-pool.config.CommitRangeStored
	if !inRange {
		boundary, err := pool.bft.ExistBFTParameters(s, c.Height+1)
		if err != nil {
			return false, err
		}
		if !boundary {
			pool.Logger.Debug("Commit out of stored range", "commit", c)
			return false, nil
		}
	}
	if c.Height > heights.MaxHeightPrecommitted+pool.config.CertificationLookahead {
		pool.Logger.Debug("Commit above certification lookahead", "commit", c,
			"maxHeightPrecommitted", heights.MaxHeightPrecommitted)
		return false, nil
	}
	header, err := pool.blockStore.HeaderByHeight(c.Height)
	if errors.Is(err, store.ErrBlockNotFound) {
		pool.Logger.Debug("No local block for commit", "commit", c)
		return false, nil
	} else if err != nil {
		return false, err
	}
	if !bytes.Equal(header.ID(), c.BlockID) {
		pool.Logger.Info("Commit for a block not on the local chain", "commit", c, "local", header.ID())
		return false, nil
	}
	params, err := pool.bft.GetBFTParameters(s, c.Height)
	if err != nil {
		return false, err
	}
	_, val := params.Validators.Active().GetByAddress(c.ValidatorAddress)
	if val == nil {
		pool.Logger.Info("Commit from a non-active validator", "commit", c)
		return false, nil
	}
	msg := types.CertificateSignBytes(pool.chainID, types.CertificateFromHeader(header))
	if !bls.Verify(bls.PubKey(val.BLSKey), msg, c.CertificateSignature) {
		pool.Logger.Info("Invalid commit signature", "commit", c)
		return false, nil
	}
	return true, nil
}

// GetAggregateCommit 从可认证的最高高度向下找第一个权重达到阈值的高度
func (pool *CommitPool) GetAggregateCommit(s bft.StateStore) (types.AggregateCommit, error) {
	heights, err := pool.bft.GetBFTHeights(s)
	if err != nil {
		return types.AggregateCommit{}, err
	}
	empty := types.EmptyAggregateCommit(heights.MaxHeightCertified)
	nextParams, err := pool.bft.GetNextHeightBFTParameters(s, heights.MaxHeightCertified+1)
	if errors.Is(err, bft.ErrParametersNotFound) {
		nextParams = heights.MaxHeightPrecommitted + 1
	} else if err != nil {
		return empty, err
	}
	height := heights.MaxHeightPrecommitted
	if nextParams-1 < height {
		height = nextParams - 1
	}

	pool.mtx.RLock()
	defer pool.mtx.RUnlock()
	for ; height > heights.MaxHeightCertified; height-- {
		commits := pool.commitsAt(height)
		if len(commits) == 0 {
			continue
		}
		params, err := pool.bft.GetBFTParameters(s, height)
		if err != nil {
			return empty, err
		}
		active := params.Validators.Active()
		var weight uint64
		for _, c := range commits {
			if _, val := active.GetByAddress(c.ValidatorAddress); val != nil {
				weight += val.BFTWeight
			}
		}
		if weight < params.CertificateThreshold {
			continue
		}
		return aggregateSingleCommits(active, height, commits)
	}
	return empty, nil
}

func (pool *CommitPool) commitsAt(height int64) []*types.SingleCommit {
	commits := pool.nonGossipedLocal.byHeight(height)
	commits = append(commits, pool.nonGossiped.byHeight(height)...)
	return append(commits, pool.gossiped.byHeight(height)...)
}

func aggregateSingleCommits(active *types.ValidatorSet, height int64, commits []*types.SingleCommit) (types.AggregateCommit, error) {
	keys := blsKeys(active)
	pairs := make([]bls.SignerSignature, 0, len(commits))
	for _, c := range commits {
		_, val := active.GetByAddress(c.ValidatorAddress)
		if val == nil {
			continue
		}
		pairs = append(pairs, bls.SignerSignature{PubKey: bls.PubKey(val.BLSKey), Signature: c.CertificateSignature})
	}
	bits, sig, err := bls.CreateAggregateSignature(keys, pairs)
	if err != nil {
		return types.AggregateCommit{}, errors.Wrapf(err, "aggregate commits at height %d", height)
	}
	return types.AggregateCommit{Height: height, AggregationBits: bits, CertificateSignature: sig}, nil
}

func blsKeys(vals *types.ValidatorSet) []bls.PubKey {
	keys := make([]bls.PubKey, vals.Size())
	for i, key := range vals.BLSKeys() {
		keys[i] = bls.PubKey(key)
	}
	return keys
}

// VerifyAggregateCommit 空commit只能停留在maxHeightCertified，
// 否则必须认证(maxHeightCertified, maxHeightPrecommitted]中且不跨越参数变更的高度
func (pool *CommitPool) VerifyAggregateCommit(s bft.StateStore, ac types.AggregateCommit) (bool, error) {
	heights, err := pool.bft.GetBFTHeights(s)
	if err != nil {
		return false, err
	}
	if ac.IsEmpty() {
		return ac.Height == heights.MaxHeightCertified, nil
	}
	if len(ac.AggregationBits) == 0 || len(ac.CertificateSignature) == 0 {
		return false, nil
	}
	if ac.Height <= heights.MaxHeightCertified || ac.Height > heights.MaxHeightPrecommitted {
		return false, nil
	}
	nextParams, err := pool.bft.GetNextHeightBFTParameters(s, heights.MaxHeightCertified+1)
	if err == nil {
		if ac.Height > nextParams-1 {
			return false, nil
		}
	} else if !errors.Is(err, bft.ErrParametersNotFound) {
		return false, err
	}
	header, err := pool.blockStore.HeaderByHeight(ac.Height)
	if err != nil {
		return false, err
	}
	params, err := pool.bft.GetBFTParameters(s, ac.Height)
	if err != nil {
		return false, err
	}
	active := params.Validators.Active()
	msg := types.CertificateSignBytes(pool.chainID, types.CertificateFromHeader(header))
	return bls.VerifyWeightedAggSig(
		blsKeys(active),
		ac.AggregationBits,
		ac.CertificateSignature,
		msg,
		active.Weights(),
		params.CertificateThreshold,
	), nil
}

// CreateSingleCommit 本地验证者对区块证书签名
func CreateSingleCommit(header *types.BlockHeader, pv types.PrivValidator, chainID string) (*types.SingleCommit, error) {
	sig, err := pv.SignCertificate(chainID, types.CertificateFromHeader(header))
	if err != nil {
		return nil, errors.Wrap(err, "sign certificate")
	}
	return &types.SingleCommit{
		BlockID:              header.ID(),
		Height:               header.Height,
		ValidatorAddress:     pv.GetAddress(),
		CertificateSignature: sig,
	}, nil
}

// Job 清理过期的commit，然后把最多2倍验证者数量的commit gossip出去，本地的优先
func (pool *CommitPool) Job() error {
	s := pool.blockStore.NewStateStore()
	maxRemovalHeight, err := pool.chain.GetMaxRemovalHeight()
	if err != nil {
		return err
	}
	heights, err := pool.bft.GetBFTHeights(s)
	if err != nil {
		return err
	}

	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	for _, list := range []commitList{pool.nonGossipedLocal, pool.nonGossiped, pool.gossiped} {
		for height := range list {
			if height <= maxRemovalHeight {
				delete(list, height)
				continue
			}
			if height >= heights.MaxHeightPrecommitted-pool.config.CommitRangeStored {
				continue
			}
			boundary, err := pool.bft.ExistBFTParameters(s, height+1)
			if err != nil {
				return err
			}
			if !boundary {
				delete(list, height)
			}
		}
	}

	if pool.network == nil {
		return nil
	}
	tip := pool.chain.LastHeader()
	if tip == nil {
		return nil
	}
	params, err := pool.bft.GetBFTParameters(s, tip.Height+1)
	if err != nil {
		return err
	}
	limit := 2 * params.Validators.Size()
	var selected []*types.SingleCommit
	for _, list := range []commitList{pool.nonGossipedLocal, pool.nonGossiped} {
		for _, c := range list.sorted() {
			if len(selected) >= limit {
				break
			}
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return nil
	}
	pool.network.Broadcast(cstypes.CommitChannel, (&types.PostSingleCommits{Commits: selected}).Bytes())
	for _, c := range selected {
		pool.nonGossipedLocal.remove(c)
		pool.nonGossiped.remove(c)
		pool.gossiped.add(c)
	}
	pool.Logger.Debug("Gossiped single commits", "count", len(selected))
	return nil
}
