package store

import (
	"bytes"
	"encoding/binary"
	"sync"

	"chainbft_node/types"

	"github.com/pkg/errors"
	tmdb "github.com/tendermint/tm-db"
)

var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrRemoveFinalized    = errors.New("cannot remove finalized block")
	ErrRemoveNotLastBlock = errors.New("only the last block can be removed")
)

// 链数据库中的key
var (
	prefixBlockID      = []byte("b:")
	prefixHeight       = []byte("h:")
	prefixEvents       = []byte("e:")
	prefixDiff         = []byte("d:")
	prefixTempBlock    = []byte("t:")
	keyFinalizedHeight = []byte("finalized")
)

func heightKey(prefix []byte, height int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(height))
	return key
}

func idKey(id []byte) []byte {
	return append(append([]byte{}, prefixBlockID...), id...)
}

// BlockStore 区块、事件、状态diff和最终高度的持久化
//
// 保存区块和删除区块都在一个batch中完成，崩溃后不会出现区块和状态不一致
type BlockStore struct {
	mtx sync.RWMutex
	db  tmdb.DB
}

func NewBlockStore(db tmdb.DB) *BlockStore {
	return &BlockStore{db: db}
}

// NewStateStore 基于当前已提交状态的写缓存
func (bs *BlockStore) NewStateStore() *StateStore {
	return NewStateStore(bs.db)
}

// SaveBlock 原子地写入区块、事件、状态改动和最终高度，finalizedHeight只会增大
func (bs *BlockStore) SaveBlock(
	block *types.Block,
	events types.Events,
	stateStore *StateStore,
	finalizedHeight int64,
	removeFromTemp bool,
) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	batch := bs.db.NewBatch()
	defer batch.Close()

	height := block.Height()
	id := block.ID()
	if err := batch.Set(idKey(id), block.Bytes()); err != nil {
		return err
	}
	if err := batch.Set(heightKey(prefixHeight, height), id); err != nil {
		return err
	}
	if err := batch.Set(heightKey(prefixEvents, height), events.Bytes()); err != nil {
		return err
	}
	if stateStore != nil {
		diff, err := stateStore.Finalize(batch)
		if err != nil {
			return err
		}
		diffBz, err := diff.Bytes()
		if err != nil {
			return err
		}
		if err := batch.Set(heightKey(prefixDiff, height), diffBz); err != nil {
			return err
		}
	}
	current, err := bs.finalizedHeight()
	if err != nil {
		return err
	}
	if finalizedHeight > current {
		if err := batch.Set(keyFinalizedHeight, encodeHeight(finalizedHeight)); err != nil {
			return err
		}
	}
	if removeFromTemp {
		if err := batch.Delete(heightKey(prefixTempBlock, height)); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// RemoveBlock 删除最后一个区块并回滚其状态改动，saveToTemp为true时把区块放入临时表
func (bs *BlockStore) RemoveBlock(block *types.Block, saveToTemp bool) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	height := block.Height()
	finalized, err := bs.finalizedHeight()
	if err != nil {
		return err
	}
	if height <= finalized {
		return errors.Wrapf(ErrRemoveFinalized, "height %d finalized %d", height, finalized)
	}
	lastID, err := bs.db.Get(heightKey(prefixHeight, height))
	if err != nil {
		return err
	}
	if !bytes.Equal(lastID, block.ID()) {
		return errors.Wrapf(ErrBlockNotFound, "block %v at height %d", block.ID(), height)
	}
	if next, err := bs.db.Has(heightKey(prefixHeight, height+1)); err != nil {
		return err
	} else if next {
		return ErrRemoveNotLastBlock
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	diffBz, err := bs.db.Get(heightKey(prefixDiff, height))
	if err != nil {
		return err
	}
	if diffBz != nil {
		diff, err := DecodeDiff(diffBz)
		if err != nil {
			return err
		}
		if err := RevertDiff(batch, diff); err != nil {
			return err
		}
	}
	for _, key := range [][]byte{
		idKey(block.ID()),
		heightKey(prefixHeight, height),
		heightKey(prefixEvents, height),
		heightKey(prefixDiff, height),
	} {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	if saveToTemp {
		if err := batch.Set(heightKey(prefixTempBlock, height), block.Bytes()); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (bs *BlockStore) BlockByID(id []byte) (*types.Block, error) {
	bz, err := bs.db.Get(idKey(id))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, errors.Wrapf(ErrBlockNotFound, "id %X", id)
	}
	return types.DecodeBlock(bz)
}

func (bs *BlockStore) HasBlock(id []byte) (bool, error) {
	return bs.db.Has(idKey(id))
}

func (bs *BlockStore) BlockIDByHeight(height int64) ([]byte, error) {
	id, err := bs.db.Get(heightKey(prefixHeight, height))
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errors.Wrapf(ErrBlockNotFound, "height %d", height)
	}
	return id, nil
}

func (bs *BlockStore) BlockByHeight(height int64) (*types.Block, error) {
	id, err := bs.BlockIDByHeight(height)
	if err != nil {
		return nil, err
	}
	return bs.BlockByID(id)
}

func (bs *BlockStore) HeaderByHeight(height int64) (*types.BlockHeader, error) {
	block, err := bs.BlockByHeight(height)
	if err != nil {
		return nil, err
	}
	return block.Header, nil
}

// BlocksByHeightBetween 返回[from, to]之间的区块，按高度升序
func (bs *BlockStore) BlocksByHeightBetween(from, to int64) ([]*types.Block, error) {
	if from > to {
		return []*types.Block{}, nil
	}
	it, err := bs.db.Iterator(heightKey(prefixHeight, from), heightKey(prefixHeight, to+1))
	if err != nil {
		return nil, err
	}
	var ids [][]byte
	for ; it.Valid(); it.Next() {
		ids = append(ids, copyBytes(it.Value()))
	}
	if err := it.Error(); err != nil {
		it.Close()
		return nil, err
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	blocks := make([]*types.Block, 0, len(ids))
	for _, id := range ids {
		block, err := bs.BlockByID(id)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// LastBlock 高度最大的区块，链为空时返回ErrBlockNotFound
func (bs *BlockStore) LastBlock() (*types.Block, error) {
	it, err := bs.db.ReverseIterator(prefixHeight, prefixEnd(prefixHeight))
	if err != nil {
		return nil, err
	}
	var id []byte
	if it.Valid() {
		id = copyBytes(it.Value())
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	if id == nil {
		return nil, errors.Wrap(ErrBlockNotFound, "empty chain")
	}
	return bs.BlockByID(id)
}

func (bs *BlockStore) FinalizedHeight() (int64, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.finalizedHeight()
}

func (bs *BlockStore) finalizedHeight() (int64, error) {
	bz, err := bs.db.Get(keyFinalizedHeight)
	if err != nil || bz == nil {
		return 0, err
	}
	return decodeHeight(bz), nil
}

// GenesisBlockExist 检查数据库中是否已有这个创世区块，已有不同的创世区块时返回错误
func (bs *BlockStore) GenesisBlockExist(genesis *types.Block) (bool, error) {
	id, err := bs.db.Get(heightKey(prefixHeight, genesis.Height()))
	if err != nil {
		return false, err
	}
	if id == nil {
		return false, nil
	}
	if !bytes.Equal(id, genesis.ID()) {
		return false, errors.Errorf("genesis block mismatch: stored %X, configured %v", id, genesis.ID())
	}
	return true, nil
}

func (bs *BlockStore) EventsByHeight(height int64) (types.Events, error) {
	bz, err := bs.db.Get(heightKey(prefixEvents, height))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return types.Events{}, nil
	}
	return types.DecodeEvents(bz)
}

// TempBlocks 临时表中的区块，按高度降序
func (bs *BlockStore) TempBlocks() ([]*types.Block, error) {
	it, err := bs.db.ReverseIterator(prefixTempBlock, prefixEnd(prefixTempBlock))
	if err != nil {
		return nil, err
	}
	var raw [][]byte
	for ; it.Valid(); it.Next() {
		raw = append(raw, copyBytes(it.Value()))
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	blocks := make([]*types.Block, 0, len(raw))
	for _, bz := range raw {
		block, err := types.DecodeBlock(bz)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func (bs *BlockStore) ClearTempBlocks() error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	it, err := bs.db.Iterator(prefixTempBlock, prefixEnd(prefixTempBlock))
	if err != nil {
		return err
	}
	var keys [][]byte
	for ; it.Valid(); it.Next() {
		keys = append(keys, copyBytes(it.Key()))
	}
	if err := it.Close(); err != nil {
		return err
	}
	batch := bs.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

func encodeHeight(height int64) []byte {
	bz := make([]byte, 8)
	binary.BigEndian.PutUint64(bz, uint64(height))
	return bz
}

func decodeHeight(bz []byte) int64 {
	return int64(binary.BigEndian.Uint64(bz))
}

// prefixEnd 前缀区间的上界
func prefixEnd(prefix []byte) []byte {
	end := copyBytes(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
