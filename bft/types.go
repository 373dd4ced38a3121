package bft

import (
	"chainbft_node/store"
	"chainbft_node/types"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// StateStore 共识状态的读写接口，由 store.StateStore 实现
type StateStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Iterate(prefix []byte) ([]store.KV, error)
}

var _ StateStore = (*store.StateStore)(nil)

// BlockBFTInfo 最近区块的投票统计
type BlockBFTInfo struct {
	Height             int64         `json:"height"`
	GeneratorAddress   types.Address `json:"generator_address"`
	MaxHeightGenerated int64         `json:"max_height_generated"`
	MaxHeightPrevoted  int64         `json:"max_height_prevoted"`
	PrevoteWeight      uint64        `json:"prevote_weight"`
	PrecommitWeight    uint64        `json:"precommit_weight"`
}

// ActiveValidatorVoteInfo 活跃验证者的投票进度
type ActiveValidatorVoteInfo struct {
	Address                types.Address `json:"address"`
	MinActiveHeight        int64         `json:"min_active_height"`
	LargestHeightPrecommit int64         `json:"largest_height_precommit"`
}

// Votes 持久化的投票状态，BlockBFTInfos按高度降序
type Votes struct {
	MaxHeightPrevoted        int64                      `json:"max_height_prevoted"`
	MaxHeightPrecommitted    int64                      `json:"max_height_precommitted"`
	MaxHeightCertified       int64                      `json:"max_height_certified"`
	BlockBFTInfos            []*BlockBFTInfo            `json:"block_bft_infos"`
	ActiveValidatorsVoteInfo []*ActiveValidatorVoteInfo `json:"active_validators_vote_info"`
}

// Heights 三个BFT高度
type Heights struct {
	MaxHeightPrevoted     int64 `json:"max_height_prevoted"`
	MaxHeightPrecommitted int64 `json:"max_height_precommitted"`
	MaxHeightCertified    int64 `json:"max_height_certified"`
}

// Parameters 从某个高度开始生效的BFT参数
type Parameters struct {
	PrecommitThreshold   uint64             `json:"precommit_threshold"`
	CertificateThreshold uint64             `json:"certificate_threshold"`
	Validators           *types.ValidatorSet `json:"validators"`
	ValidatorsHash       tmbytes.HexBytes   `json:"validators_hash"`
}

// GeneratorKeys 从某个高度开始生效的出块者列表
type GeneratorKeys struct {
	Generators []*types.Generator `json:"generators"`
}
