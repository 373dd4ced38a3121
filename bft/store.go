package bft

import (
	"encoding/binary"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

var (
	keyVotes            = []byte("bft:votes")
	prefixParameters    = []byte("bft:params:")
	prefixGeneratorKeys = []byte("bft:generators:")
)

func heightKey(prefix []byte, height int64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(height))
	return key
}

func keyHeight(prefix, key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(prefix):]))
}

func getRecord(s StateStore, key []byte, out interface{}) (bool, error) {
	bz, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if bz == nil {
		return false, nil
	}
	if err := tmjson.Unmarshal(bz, out); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

func setRecord(s StateStore, key []byte, v interface{}) error {
	bz, err := tmjson.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, bz)
}

func loadVotes(s StateStore) (*Votes, error) {
	votes := &Votes{}
	found, err := getRecord(s, keyVotes, votes)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotInitialized
	}
	return votes, nil
}

func saveVotes(s StateStore, votes *Votes) error {
	return setRecord(s, keyVotes, votes)
}

// latestAtOrBelow 返回prefix下高度不大于height的最大key对应的高度
func latestAtOrBelow(s StateStore, prefix []byte, height int64) (int64, bool, error) {
	kvs, err := s.Iterate(prefix)
	if err != nil {
		return 0, false, err
	}
	found := false
	var best int64
	for _, kv := range kvs {
		h := keyHeight(prefix, kv.Key)
		if h > height {
			break
		}
		best, found = h, true
	}
	return best, found, nil
}

// pruneBelow 删除被height处生效记录覆盖的旧记录
func pruneBelow(s StateStore, prefix []byte, height int64) error {
	effective, found, err := latestAtOrBelow(s, prefix, height)
	if err != nil || !found {
		return err
	}
	kvs, err := s.Iterate(prefix)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if keyHeight(prefix, kv.Key) >= effective {
			break
		}
		if err := s.Delete(kv.Key); err != nil {
			return err
		}
	}
	return nil
}
