package bft

import (
	"bytes"

	"chainbft_node/types"

	"github.com/pkg/errors"
)

// insertBlockBFTInfo 新区块插入到列表头部，只保留最近maxLength个
func insertBlockBFTInfo(votes *Votes, header *types.BlockHeader, maxLength int) {
	info := &BlockBFTInfo{
		Height:             header.Height,
		GeneratorAddress:   header.GeneratorAddress,
		MaxHeightGenerated: header.MaxHeightGenerated,
		MaxHeightPrevoted:  header.MaxHeightPrevoted,
	}
	infos := append([]*BlockBFTInfo{info}, votes.BlockBFTInfos...)
	if len(infos) > maxLength {
		infos = infos[:maxLength]
	}
	votes.BlockBFTInfos = infos
}

// updateActiveValidatorsVoteInfo 按当前高度的参数重建活跃验证者列表，新加入的验证者从当前高度开始投票
func updateActiveValidatorsVoteInfo(votes *Votes, params *Parameters) {
	existing := make(map[string]*ActiveValidatorVoteInfo, len(votes.ActiveValidatorsVoteInfo))
	for _, info := range votes.ActiveValidatorsVoteInfo {
		existing[string(info.Address)] = info
	}
	current := votes.BlockBFTInfos[0].Height
	infos := make([]*ActiveValidatorVoteInfo, 0, params.Validators.Size())
	for _, val := range params.Validators.Active().Validators {
		if info, ok := existing[string(val.Address)]; ok {
			infos = append(infos, info)
			continue
		}
		infos = append(infos, &ActiveValidatorVoteInfo{
			Address:                val.Address,
			MinActiveHeight:        current,
			LargestHeightPrecommit: current - 1,
		})
	}
	votes.ActiveValidatorsVoteInfo = infos
}

// getHeightNotPrevoted 沿着生成者此前的区块回溯，返回第一个没有被其prevote的高度
func getHeightNotPrevoted(votes *Votes) int64 {
	current := votes.BlockBFTInfos[0]
	heightPreviousBlock := current.MaxHeightGenerated
	for current.Height-heightPreviousBlock < int64(len(votes.BlockBFTInfos)) {
		info := votes.BlockBFTInfos[current.Height-heightPreviousBlock]
		if !bytes.Equal(info.GeneratorAddress, current.GeneratorAddress) ||
			info.MaxHeightGenerated >= heightPreviousBlock {
			return heightPreviousBlock
		}
		heightPreviousBlock = info.MaxHeightGenerated
	}
	return heightPreviousBlock
}

type paramsGetter func(height int64) (*Parameters, error)

func validatorWeight(params *Parameters, address []byte) (uint64, error) {
	_, val := params.Validators.GetByAddress(address)
	if val == nil {
		return 0, errors.Wrapf(ErrValidatorNotFound, "%X", address)
	}
	return val.BFTWeight, nil
}

// updatePrevotesPrecommits 新区块隐含了生成者对之前区块的precommit和prevote
func updatePrevotesPrecommits(votes *Votes, getParams paramsGetter) error {
	if len(votes.BlockBFTInfos) == 0 {
		return nil
	}
	newInfo := votes.BlockBFTInfos[0]
	// 生成者声称在当前或更高高度出过块，不计票
	if newInfo.MaxHeightGenerated >= newInfo.Height {
		return nil
	}
	var voter *ActiveValidatorVoteInfo
	for _, info := range votes.ActiveValidatorsVoteInfo {
		if bytes.Equal(info.Address, newInfo.GeneratorAddress) {
			voter = info
			break
		}
	}
	if voter == nil {
		return nil
	}

	heightNotPrevoted := getHeightNotPrevoted(votes)
	minPrecommitHeight := max64(voter.MinActiveHeight, heightNotPrevoted+1, voter.LargestHeightPrecommit+1)
	hasPrecommitted := false
	for _, info := range votes.BlockBFTInfos {
		if info.Height < minPrecommitHeight {
			break
		}
		params, err := getParams(info.Height)
		if err != nil {
			return err
		}
		if info.PrevoteWeight < params.PrecommitThreshold {
			continue
		}
		weight, err := validatorWeight(params, newInfo.GeneratorAddress)
		if err != nil {
			return err
		}
		info.PrecommitWeight += weight
		if !hasPrecommitted {
			voter.LargestHeightPrecommit = info.Height
			hasPrecommitted = true
		}
	}

	minPrevoteHeight := max64(newInfo.MaxHeightGenerated+1, voter.MinActiveHeight)
	for _, info := range votes.BlockBFTInfos {
		if info.Height < minPrevoteHeight {
			break
		}
		params, err := getParams(info.Height)
		if err != nil {
			return err
		}
		weight, err := validatorWeight(params, newInfo.GeneratorAddress)
		if err != nil {
			return err
		}
		info.PrevoteWeight += weight
	}
	return nil
}

func updateMaxHeightPrevoted(votes *Votes, getParams paramsGetter) error {
	for _, info := range votes.BlockBFTInfos {
		params, err := getParams(info.Height)
		if err != nil {
			return err
		}
		if info.PrevoteWeight >= params.PrecommitThreshold {
			votes.MaxHeightPrevoted = info.Height
			return nil
		}
	}
	return nil
}

func updateMaxHeightPrecommitted(votes *Votes, getParams paramsGetter) error {
	for _, info := range votes.BlockBFTInfos {
		params, err := getParams(info.Height)
		if err != nil {
			return err
		}
		if info.PrecommitWeight >= params.PrecommitThreshold {
			votes.MaxHeightPrecommitted = info.Height
			return nil
		}
	}
	return nil
}

// updateMaxHeightCertified 区块携带了非空的聚合commit时更新
func updateMaxHeightCertified(votes *Votes, header *types.BlockHeader) {
	if header.AggregateCommit.IsEmpty() {
		return
	}
	votes.MaxHeightCertified = header.AggregateCommit.Height
}

// areDistinctHeadersContradicting 同一生成者的两个不同区块头是否互相矛盾
func areDistinctHeadersContradicting(b1, b2 *BlockBFTInfo) bool {
	earlier, later := b1, b2
	higherMHG := earlier.MaxHeightGenerated > later.MaxHeightGenerated
	sameMHG := earlier.MaxHeightGenerated == later.MaxHeightGenerated
	higherMHP := earlier.MaxHeightPrevoted > later.MaxHeightPrevoted
	sameMHP := earlier.MaxHeightPrevoted == later.MaxHeightPrevoted
	if higherMHG || (sameMHG && higherMHP) || (sameMHG && sameMHP && earlier.Height > later.Height) {
		earlier, later = later, earlier
	}
	// 双重出块
	if earlier.MaxHeightPrevoted == later.MaxHeightPrevoted && earlier.Height >= later.Height {
		return true
	}
	// 出块区间重叠
	if earlier.Height > later.MaxHeightGenerated {
		return true
	}
	// maxHeightPrevoted 回退
	if earlier.MaxHeightPrevoted > later.MaxHeightPrevoted {
		return true
	}
	return false
}

func max64(vals ...int64) int64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
