package bft

import (
	"bytes"

	"chainbft_node/types"

	"github.com/pkg/errors"
)

var (
	ErrNotInitialized           = errors.New("bft votes not initialized")
	ErrParametersNotFound       = errors.New("bft parameters not found")
	ErrGeneratorKeysNotFound    = errors.New("generator keys not found")
	ErrValidatorNotFound        = errors.New("validator not found in bft parameters")
	ErrInvalidThreshold         = errors.New("invalid threshold")
	ErrInvalidValidators        = errors.New("invalid validators")
	ErrNoActiveValidatorsInSets = errors.New("no active validators")
)

// Method 共识引擎使用的BFT接口
type Method interface {
	InitGenesisState(s StateStore, genesis *types.BlockHeader) error
	BeforeTransactionsExecute(s StateStore, header *types.BlockHeader) error

	GetBFTHeights(s StateStore) (*Heights, error)
	GetBFTParameters(s StateStore, height int64) (*Parameters, error)
	ExistBFTParameters(s StateStore, height int64) (bool, error)
	GetNextHeightBFTParameters(s StateStore, height int64) (int64, error)
	GetGeneratorKeys(s StateStore, height int64) (*GeneratorKeys, error)

	SetBFTParameters(s StateStore, precommitThreshold, certificateThreshold uint64, validators []*types.Validator) error
	SetGeneratorKeys(s StateStore, generators []*types.Generator) error

	IsHeaderContradictingChain(s StateStore, header *types.BlockHeader) (bool, error)
	HeaderImpliesMaximalPrevotes(s StateStore, header *types.BlockHeader) (bool, error)
}

// Module 在共识状态上维护投票、BFT参数和出块者
type Module struct {
	batchSize int64
}

var _ Method = (*Module)(nil)

func NewModule(batchSize int64) *Module {
	return &Module{batchSize: batchSize}
}

// maxLengthBlockBFTInfos 需要保留的区块投票信息数量
func (m *Module) maxLengthBlockBFTInfos() int {
	return int(3 * m.batchSize)
}

// InitGenesisState 所有BFT高度都设为创世高度
func (m *Module) InitGenesisState(s StateStore, genesis *types.BlockHeader) error {
	return saveVotes(s, &Votes{
		MaxHeightPrevoted:        genesis.Height,
		MaxHeightPrecommitted:    genesis.Height,
		MaxHeightCertified:       genesis.Height,
		BlockBFTInfos:            []*BlockBFTInfo{},
		ActiveValidatorsVoteInfo: []*ActiveValidatorVoteInfo{},
	})
}

// BeforeTransactionsExecute 计入新区块隐含的投票，更新三个高度，并清理不再需要的参数
func (m *Module) BeforeTransactionsExecute(s StateStore, header *types.BlockHeader) error {
	votes, err := loadVotes(s)
	if err != nil {
		return err
	}
	params, err := m.GetBFTParameters(s, header.Height)
	if err != nil {
		return err
	}
	cache := make(map[int64]*Parameters)
	getParams := func(height int64) (*Parameters, error) {
		if p, ok := cache[height]; ok {
			return p, nil
		}
		p, err := m.GetBFTParameters(s, height)
		if err != nil {
			return nil, err
		}
		cache[height] = p
		return p, nil
	}

	insertBlockBFTInfo(votes, header, m.maxLengthBlockBFTInfos())
	updateActiveValidatorsVoteInfo(votes, params)
	if err := updatePrevotesPrecommits(votes, getParams); err != nil {
		return err
	}
	if err := updateMaxHeightPrevoted(votes, getParams); err != nil {
		return err
	}
	if err := updateMaxHeightPrecommitted(votes, getParams); err != nil {
		return err
	}
	updateMaxHeightCertified(votes, header)
	if err := saveVotes(s, votes); err != nil {
		return err
	}

	minHeight := votes.BlockBFTInfos[len(votes.BlockBFTInfos)-1].Height
	if votes.MaxHeightCertified+1 < minHeight {
		minHeight = votes.MaxHeightCertified + 1
	}
	if err := pruneBelow(s, prefixParameters, minHeight); err != nil {
		return err
	}
	return pruneBelow(s, prefixGeneratorKeys, minHeight)
}

func (m *Module) GetBFTHeights(s StateStore) (*Heights, error) {
	votes, err := loadVotes(s)
	if err != nil {
		return nil, err
	}
	return &Heights{
		MaxHeightPrevoted:     votes.MaxHeightPrevoted,
		MaxHeightPrecommitted: votes.MaxHeightPrecommitted,
		MaxHeightCertified:    votes.MaxHeightCertified,
	}, nil
}

// GetBFTParameters 返回在height生效的参数，即不大于height的最近一次设置
func (m *Module) GetBFTParameters(s StateStore, height int64) (*Parameters, error) {
	effective, found, err := latestAtOrBelow(s, prefixParameters, height)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrParametersNotFound, "height %d", height)
	}
	params := &Parameters{}
	if _, err := getRecord(s, heightKey(prefixParameters, effective), params); err != nil {
		return nil, err
	}
	return params, nil
}

func (m *Module) ExistBFTParameters(s StateStore, height int64) (bool, error) {
	bz, err := s.Get(heightKey(prefixParameters, height))
	return bz != nil, err
}

// GetNextHeightBFTParameters 大于height的第一个参数变更高度
func (m *Module) GetNextHeightBFTParameters(s StateStore, height int64) (int64, error) {
	kvs, err := s.Iterate(prefixParameters)
	if err != nil {
		return 0, err
	}
	for _, kv := range kvs {
		if h := keyHeight(prefixParameters, kv.Key); h > height {
			return h, nil
		}
	}
	return 0, errors.Wrapf(ErrParametersNotFound, "after height %d", height)
}

func (m *Module) GetGeneratorKeys(s StateStore, height int64) (*GeneratorKeys, error) {
	effective, found, err := latestAtOrBelow(s, prefixGeneratorKeys, height)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Wrapf(ErrGeneratorKeysNotFound, "height %d", height)
	}
	keys := &GeneratorKeys{}
	if _, err := getRecord(s, heightKey(prefixGeneratorKeys, effective), keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// nextHeight 新参数的生效高度：最新区块的下一个高度，创世之后为maxHeightPrevoted+1
func nextHeight(votes *Votes) int64 {
	if len(votes.BlockBFTInfos) > 0 {
		return votes.BlockBFTInfos[0].Height + 1
	}
	return votes.MaxHeightPrevoted + 1
}

// SetBFTParameters 设置下一个高度开始生效的验证者和阈值
//
// 两个阈值都必须满足 totalWeight/3 < threshold <= totalWeight
func (m *Module) SetBFTParameters(s StateStore, precommitThreshold, certificateThreshold uint64, validators []*types.Validator) error {
	set := types.NewValidatorSet(validators)
	if err := set.ValidateBasic(); err != nil {
		return errors.Wrap(ErrInvalidValidators, err.Error())
	}
	for i := 1; i < set.Size(); i++ {
		if bytes.Equal(set.Validators[i-1].BLSKey, set.Validators[i].BLSKey) {
			return errors.Wrap(ErrInvalidValidators, "duplicate bls key")
		}
	}
	total := set.TotalWeight()
	if total == 0 {
		return ErrNoActiveValidatorsInSets
	}
	for name, threshold := range map[string]uint64{"precommit": precommitThreshold, "certificate": certificateThreshold} {
		if threshold > total || 3*threshold <= total {
			return errors.Wrapf(ErrInvalidThreshold, "%s threshold %d for total weight %d", name, threshold, total)
		}
	}
	votes, err := loadVotes(s)
	if err != nil {
		return err
	}
	return setRecord(s, heightKey(prefixParameters, nextHeight(votes)), &Parameters{
		PrecommitThreshold:   precommitThreshold,
		CertificateThreshold: certificateThreshold,
		Validators:           set,
		ValidatorsHash:       set.Hash(certificateThreshold),
	})
}

func (m *Module) SetGeneratorKeys(s StateStore, generators []*types.Generator) error {
	if len(generators) == 0 {
		return errors.Wrap(ErrInvalidValidators, "empty generator list")
	}
	for _, g := range generators {
		if err := g.ValidateBasic(); err != nil {
			return errors.Wrap(ErrInvalidValidators, err.Error())
		}
	}
	votes, err := loadVotes(s)
	if err != nil {
		return err
	}
	return setRecord(s, heightKey(prefixGeneratorKeys, nextHeight(votes)), &GeneratorKeys{Generators: generators})
}

// IsHeaderContradictingChain 与同一生成者最近一个区块比较
func (m *Module) IsHeaderContradictingChain(s StateStore, header *types.BlockHeader) (bool, error) {
	votes, err := loadVotes(s)
	if err != nil {
		return false, err
	}
	candidate := &BlockBFTInfo{
		Height:             header.Height,
		GeneratorAddress:   header.GeneratorAddress,
		MaxHeightGenerated: header.MaxHeightGenerated,
		MaxHeightPrevoted:  header.MaxHeightPrevoted,
	}
	for _, info := range votes.BlockBFTInfos {
		if bytes.Equal(info.GeneratorAddress, header.GeneratorAddress) {
			return areDistinctHeadersContradicting(info, candidate), nil
		}
	}
	return false, nil
}

// HeaderImpliesMaximalPrevotes 生成者上一个区块是否就是maxHeightGenerated处的区块，
// 即该区块对其间的所有区块都投了prevote。在区块执行之前调用
func (m *Module) HeaderImpliesMaximalPrevotes(s StateStore, header *types.BlockHeader) (bool, error) {
	votes, err := loadVotes(s)
	if err != nil {
		return false, err
	}
	previousHeight := header.MaxHeightGenerated
	if previousHeight >= header.Height {
		return false, nil
	}
	offset := header.Height - previousHeight
	if offset > int64(len(votes.BlockBFTInfos)) {
		return true, nil
	}
	return bytes.Equal(votes.BlockBFTInfos[offset-1].GeneratorAddress, header.GeneratorAddress), nil
}
