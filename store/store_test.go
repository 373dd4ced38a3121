package store

import (
	"testing"

	"chainbft_node/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tm-db/memdb"
)

func TestStateStoreOverlay(t *testing.T) {
	db := memdb.NewDB()
	require.NoError(t, db.Set(stateKey([]byte("a")), []byte("1")))
	require.NoError(t, db.Set(stateKey([]byte("b")), []byte("2")))

	s := NewStateStore(db)
	require.NoError(t, s.Set([]byte("a"), []byte("10")))
	require.NoError(t, s.Delete([]byte("b")))
	require.NoError(t, s.Set([]byte("c"), []byte("3")))

	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("10"), v)
	v, err = s.Get([]byte("b"))
	require.NoError(t, err)
	assert.Nil(t, v)

	// 数据库未被修改
	raw, err := db.Get(stateKey([]byte("a")))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), raw)

	kvs, err := s.Iterate([]byte{})
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, []byte("a"), kvs[0].Key)
	assert.Equal(t, []byte("c"), kvs[1].Key)
}

func TestStateStoreFinalizeAndRevert(t *testing.T) {
	db := memdb.NewDB()
	require.NoError(t, db.Set(stateKey([]byte("a")), []byte("1")))
	require.NoError(t, db.Set(stateKey([]byte("b")), []byte("2")))

	s := NewStateStore(db)
	require.NoError(t, s.Set([]byte("a"), []byte("10")))
	require.NoError(t, s.Delete([]byte("b")))
	require.NoError(t, s.Set([]byte("c"), []byte("3")))

	batch := db.NewBatch()
	diff, err := s.Finalize(batch)
	require.NoError(t, err)
	require.NoError(t, batch.Write())
	require.NoError(t, batch.Close())

	assert.Equal(t, [][]byte{[]byte("c")}, diff.Created)
	assert.Equal(t, []KV{{Key: []byte("a"), Value: []byte("1")}}, diff.Updated)
	assert.Equal(t, []KV{{Key: []byte("b"), Value: []byte("2")}}, diff.Deleted)

	bz, err := diff.Bytes()
	require.NoError(t, err)
	decoded, err := DecodeDiff(bz)
	require.NoError(t, err)

	batch = db.NewBatch()
	require.NoError(t, RevertDiff(batch, decoded))
	require.NoError(t, batch.Write())
	require.NoError(t, batch.Close())

	after := NewStateStore(db)
	for key, want := range map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": nil} {
		v, err := after.Get([]byte(key))
		require.NoError(t, err)
		assert.Equal(t, want, v, key)
	}
}

func TestStateStoreEmptyValue(t *testing.T) {
	db := memdb.NewDB()
	finalize := func(s *StateStore) *Diff {
		batch := db.NewBatch()
		defer batch.Close()
		diff, err := s.Finalize(batch)
		require.NoError(t, err)
		require.NoError(t, batch.Write())
		return diff
	}

	s := NewStateStore(db)
	require.NoError(t, s.Set([]byte("e"), nil))
	finalize(s)

	s = NewStateStore(db)
	v, err := s.Get([]byte("e"))
	require.NoError(t, err)
	assert.Empty(t, v)
	require.NoError(t, s.Set([]byte("e"), []byte("x")))
	diff := finalize(s)

	bz, err := diff.Bytes()
	require.NoError(t, err)
	decoded, err := DecodeDiff(bz)
	require.NoError(t, err)
	batch := db.NewBatch()
	require.NoError(t, RevertDiff(batch, decoded))
	require.NoError(t, batch.Write())
	require.NoError(t, batch.Close())

	v, err = NewStateStore(db).Get([]byte("e"))
	require.NoError(t, err)
	assert.Empty(t, v)
}

func makeBlock(height int64, prev []byte) *types.Block {
	return types.NewBlock(&types.BlockHeader{
		Version:         types.BlockVersion,
		Timestamp:       height * 10,
		Height:          height,
		PreviousBlockID: prev,
		AggregateCommit: types.EmptyAggregateCommit(0),
	}, types.Txs{}, types.Assets{})
}

func TestBlockStoreSaveAndRemove(t *testing.T) {
	bs := NewBlockStore(memdb.NewDB())
	_, err := bs.LastBlock()
	assert.ErrorIs(t, err, ErrBlockNotFound)

	b1 := makeBlock(1, tmhash.Sum([]byte("genesis")))
	s1 := bs.NewStateStore()
	require.NoError(t, s1.Set([]byte("k"), []byte("v1")))
	require.NoError(t, bs.SaveBlock(b1, types.Events{}, s1, 1, false))

	b2 := makeBlock(2, b1.ID())
	s2 := bs.NewStateStore()
	require.NoError(t, s2.Set([]byte("k"), []byte("v2")))
	events := types.Events{{Module: "m", Name: "n", Data: []byte{1}, Height: 2}}
	require.NoError(t, bs.SaveBlock(b2, events, s2, 1, false))

	last, err := bs.LastBlock()
	require.NoError(t, err)
	assert.Equal(t, b2.ID(), last.ID())
	stored, err := bs.EventsByHeight(2)
	require.NoError(t, err)
	assert.Equal(t, events.Root(), stored.Root())

	blocks, err := bs.BlocksByHeightBetween(1, 2)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, int64(1), blocks[0].Height())

	assert.ErrorIs(t, bs.RemoveBlock(b1, false), ErrRemoveFinalized)
	require.NoError(t, bs.RemoveBlock(b2, true))

	v, err := bs.NewStateStore().Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	temp, err := bs.TempBlocks()
	require.NoError(t, err)
	require.Len(t, temp, 1)
	assert.Equal(t, b2.ID(), temp[0].ID())

	require.NoError(t, bs.SaveBlock(b2, events, bs.NewStateStore(), 2, true))
	temp, err = bs.TempBlocks()
	require.NoError(t, err)
	assert.Empty(t, temp)
	finalized, err := bs.FinalizedHeight()
	require.NoError(t, err)
	assert.Equal(t, int64(2), finalized)
}

func TestSaveBlockWithoutEvents(t *testing.T) {
	assert.NotNil(t, types.Events{}.Bytes())

	bs := NewBlockStore(memdb.NewDB())
	b1 := makeBlock(1, tmhash.Sum([]byte("genesis")))
	require.NoError(t, bs.SaveBlock(b1, types.Events{}, bs.NewStateStore(), 0, false))
	b2 := makeBlock(2, b1.ID())
	require.NoError(t, bs.SaveBlock(b2, nil, bs.NewStateStore(), 0, false))

	for _, h := range []int64{1, 2} {
		events, err := bs.EventsByHeight(h)
		require.NoError(t, err)
		assert.Empty(t, events)
	}
	last, err := bs.LastBlock()
	require.NoError(t, err)
	assert.Equal(t, b2.ID(), last.ID())
}
