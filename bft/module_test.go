package bft

import (
	"fmt"
	"testing"

	"chainbft_node/store"
	"chainbft_node/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tm-db/memdb"
)

func newTestState(t *testing.T, pvs []*types.MockPV, threshold uint64) (*Module, *store.StateStore) {
	m := NewModule(3)
	s := store.NewStateStore(memdb.NewDB())
	require.NoError(t, m.InitGenesisState(s, &types.BlockHeader{Height: 0}))

	vals := make([]*types.Validator, len(pvs))
	gens := make([]*types.Generator, len(pvs))
	for i, pv := range pvs {
		info := types.ValidatorInfoOf(pv, 1)
		vals[i] = info.Validator()
		gens[i] = info.Generator()
	}
	require.NoError(t, m.SetBFTParameters(s, threshold, threshold, vals))
	require.NoError(t, m.SetGeneratorKeys(s, gens))
	return m, s
}

func makePVs(n int) []*types.MockPV {
	pvs := make([]*types.MockPV, n)
	for i := range pvs {
		pvs[i] = types.NewMockPVFromSeed([]byte(fmt.Sprintf("validator-%d", i)))
	}
	return pvs
}

func header(height, mhg int64, generator types.Address) *types.BlockHeader {
	return &types.BlockHeader{
		Height:             height,
		GeneratorAddress:   generator,
		MaxHeightGenerated: mhg,
		AggregateCommit:    types.EmptyAggregateCommit(0),
	}
}

func TestSingleValidatorVotes(t *testing.T) {
	pvs := makePVs(1)
	m, s := newTestState(t, pvs, 1)
	addr := pvs[0].GetAddress()

	params, err := m.GetBFTParameters(s, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), params.CertificateThreshold)
	_, err = m.GetBFTParameters(s, 0)
	assert.ErrorIs(t, err, ErrParametersNotFound)

	require.NoError(t, m.BeforeTransactionsExecute(s, header(1, 0, addr)))
	heights, err := m.GetBFTHeights(s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), heights.MaxHeightPrevoted)
	assert.Equal(t, int64(0), heights.MaxHeightPrecommitted)

	require.NoError(t, m.BeforeTransactionsExecute(s, header(2, 1, addr)))
	heights, err = m.GetBFTHeights(s)
	require.NoError(t, err)
	assert.Equal(t, int64(2), heights.MaxHeightPrevoted)
	assert.Equal(t, int64(1), heights.MaxHeightPrecommitted)
	assert.Equal(t, int64(0), heights.MaxHeightCertified)

	h3 := header(3, 2, addr)
	h3.AggregateCommit = types.AggregateCommit{Height: 1, AggregationBits: []byte{1}, CertificateSignature: []byte{1}}
	require.NoError(t, m.BeforeTransactionsExecute(s, h3))
	heights, err = m.GetBFTHeights(s)
	require.NoError(t, err)
	assert.Equal(t, int64(3), heights.MaxHeightPrevoted)
	assert.Equal(t, int64(2), heights.MaxHeightPrecommitted)
	assert.Equal(t, int64(1), heights.MaxHeightCertified)
}

func TestFourValidatorsRoundRobin(t *testing.T) {
	pvs := makePVs(4)
	m, s := newTestState(t, pvs, 3)
	lastGenerated := make(map[int]int64)
	for height := int64(1); height <= 8; height++ {
		idx := int(height-1) % 4
		require.NoError(t, m.BeforeTransactionsExecute(s, header(height, lastGenerated[idx], pvs[idx].GetAddress())))
		lastGenerated[idx] = height
	}
	heights, err := m.GetBFTHeights(s)
	require.NoError(t, err)
	// 3个验证者prevote后达到阈值
	assert.Equal(t, int64(6), heights.MaxHeightPrevoted)
	assert.Equal(t, int64(3), heights.MaxHeightPrecommitted)
}

func TestParametersEffectiveHeight(t *testing.T) {
	pvs := makePVs(2)
	m, s := newTestState(t, pvs[:1], 1)
	addr := pvs[0].GetAddress()
	require.NoError(t, m.BeforeTransactionsExecute(s, header(1, 0, addr)))

	vals := []*types.Validator{types.ValidatorInfoOf(pvs[0], 1).Validator(), types.ValidatorInfoOf(pvs[1], 1).Validator()}
	assert.ErrorIs(t, m.SetBFTParameters(s, 3, 2, vals), ErrInvalidThreshold)
	assert.ErrorIs(t, m.SetBFTParameters(s, 2, 0, vals), ErrInvalidThreshold)
	require.NoError(t, m.SetBFTParameters(s, 2, 2, vals))

	exist, err := m.ExistBFTParameters(s, 2)
	require.NoError(t, err)
	assert.True(t, exist)
	next, err := m.GetNextHeightBFTParameters(s, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)
	_, err = m.GetNextHeightBFTParameters(s, 2)
	assert.ErrorIs(t, err, ErrParametersNotFound)

	p1, err := m.GetBFTParameters(s, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p1.Validators.Size())
	p5, err := m.GetBFTParameters(s, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, p5.Validators.Size())
	assert.Equal(t, p5.Validators.Hash(2), p5.ValidatorsHash)
}

func TestContradictingHeaders(t *testing.T) {
	pvs := makePVs(2)
	m, s := newTestState(t, pvs, 2)
	a, b := pvs[0].GetAddress(), pvs[1].GetAddress()
	require.NoError(t, m.BeforeTransactionsExecute(s, header(1, 0, a)))
	require.NoError(t, m.BeforeTransactionsExecute(s, header(2, 0, b)))

	// 正常延续
	ok, err := m.IsHeaderContradictingChain(s, header(3, 1, a))
	require.NoError(t, err)
	assert.False(t, ok)

	// 声称上一次出块在高度0，但实际在高度1出过块
	ok, err = m.IsHeaderContradictingChain(s, header(3, 0, a))
	require.NoError(t, err)
	assert.True(t, ok)

	// 同一高度再次出块
	ok, err = m.IsHeaderContradictingChain(s, header(1, 0, a))
	require.NoError(t, err)
	assert.True(t, ok)

	implies, err := m.HeaderImpliesMaximalPrevotes(s, header(3, 1, a))
	require.NoError(t, err)
	assert.True(t, implies)
	implies, err = m.HeaderImpliesMaximalPrevotes(s, header(3, 2, a))
	require.NoError(t, err)
	assert.False(t, implies)
}
