package store

import (
	"bytes"
	"sort"

	tmdb "github.com/tendermint/tm-db"
)

// stateKeyPrefix 共识模块状态（BFT投票、参数）在链数据库中的前缀
var stateKeyPrefix = []byte("s:")

type cacheValue struct {
	value   []byte
	deleted bool
	dirty   bool

	// 第一次从数据库读到的值，用于生成diff
	initial       []byte
	existsInitial bool
}

// StateStore 链数据库上的写缓存，一次区块执行对应一个StateStore
//
// 所有写入先保存在内存中，Finalize把改动写入batch并返回可以回滚的Diff。
// 非并发安全，只能在执行区块的goroutine中使用
type StateStore struct {
	db    tmdb.DB
	cache map[string]*cacheValue
}

func NewStateStore(db tmdb.DB) *StateStore {
	return &StateStore{db: db, cache: make(map[string]*cacheValue)}
}

func stateKey(key []byte) []byte {
	out := make([]byte, 0, len(stateKeyPrefix)+len(key))
	out = append(out, stateKeyPrefix...)
	return append(out, key...)
}

func (s *StateStore) load(key []byte) (*cacheValue, error) {
	if v, ok := s.cache[string(key)]; ok {
		return v, nil
	}
	bz, err := s.db.Get(stateKey(key))
	if err != nil {
		return nil, err
	}
	v := &cacheValue{value: bz, deleted: bz == nil, initial: bz, existsInitial: bz != nil}
	s.cache[string(key)] = v
	return v, nil
}

// Get 不存在时返回nil
func (s *StateStore) Get(key []byte) ([]byte, error) {
	v, err := s.load(key)
	if err != nil || v.deleted {
		return nil, err
	}
	return copyBytes(v.value), nil
}

func (s *StateStore) Has(key []byte) (bool, error) {
	v, err := s.load(key)
	if err != nil {
		return false, err
	}
	return !v.deleted, nil
}

func (s *StateStore) Set(key, value []byte) error {
	v, err := s.load(key)
	if err != nil {
		return err
	}
	v.value = nonNilBytes(copyBytes(value))
	v.deleted = false
	v.dirty = true
	return nil
}

func (s *StateStore) Delete(key []byte) error {
	v, err := s.load(key)
	if err != nil {
		return err
	}
	if v.deleted {
		return nil
	}
	v.value = nil
	v.deleted = true
	v.dirty = true
	return nil
}

// KV 迭代结果
type KV struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Iterate 合并数据库和缓存中以prefix开头的键值对，按key升序返回
func (s *StateStore) Iterate(prefix []byte) ([]KV, error) {
	merged := make(map[string][]byte)
	it, err := tmdb.IteratePrefix(s.db, stateKey(prefix))
	if err != nil {
		return nil, err
	}
	for ; it.Valid(); it.Next() {
		merged[string(it.Key()[len(stateKeyPrefix):])] = copyBytes(it.Value())
	}
	if err := it.Error(); err != nil {
		it.Close()
		return nil, err
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	for k, v := range s.cache {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v.deleted {
			delete(merged, k)
		} else {
			merged[k] = copyBytes(v.value)
		}
	}
	out := make([]KV, 0, len(merged))
	for k, v := range merged {
		out = append(out, KV{Key: []byte(k), Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Finalize 把改动写入batch，返回回滚这些改动所需的Diff
func (s *StateStore) Finalize(batch tmdb.Batch) (*Diff, error) {
	diff := &Diff{}
	keys := make([]string, 0, len(s.cache))
	for k, v := range s.cache {
		if v.dirty {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := s.cache[k]
		key := []byte(k)
		switch {
		case v.deleted && v.existsInitial:
			if err := batch.Delete(stateKey(key)); err != nil {
				return nil, err
			}
			diff.Deleted = append(diff.Deleted, KV{Key: key, Value: v.initial})
		case v.deleted:
			// 新建后又删除，数据库中不存在
		case v.existsInitial:
			if bytes.Equal(v.initial, v.value) {
				continue
			}
			if err := batch.Set(stateKey(key), v.value); err != nil {
				return nil, err
			}
			diff.Updated = append(diff.Updated, KV{Key: key, Value: v.initial})
		default:
			if err := batch.Set(stateKey(key), v.value); err != nil {
				return nil, err
			}
			diff.Created = append(diff.Created, key)
		}
	}
	return diff, nil
}

// RevertDiff 在batch中撤销一个区块的状态改动
func RevertDiff(batch tmdb.Batch, diff *Diff) error {
	for _, key := range diff.Created {
		if err := batch.Delete(stateKey(key)); err != nil {
			return err
		}
	}
	for _, kv := range diff.Updated {
		if err := batch.Set(stateKey(kv.Key), nonNilBytes(kv.Value)); err != nil {
			return err
		}
	}
	for _, kv := range diff.Deleted {
		if err := batch.Set(stateKey(kv.Key), nonNilBytes(kv.Value)); err != nil {
			return err
		}
	}
	return nil
}

func copyBytes(bz []byte) []byte {
	if bz == nil {
		return nil
	}
	out := make([]byte, len(bz))
	copy(out, bz)
	return out
}

// nonNilBytes tm-db不接受nil值，空值统一存为空切片
func nonNilBytes(bz []byte) []byte {
	if bz == nil {
		return []byte{}
	}
	return bz
}
