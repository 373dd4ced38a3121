package store

import (
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// Diff 一个区块对共识状态的改动，删除区块时用来恢复状态
type Diff struct {
	Created [][]byte `json:"created"`
	Updated []KV     `json:"updated"` // 旧值
	Deleted []KV     `json:"deleted"` // 旧值
}

func (d *Diff) IsEmpty() bool {
	return len(d.Created) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

func (d *Diff) Bytes() ([]byte, error) {
	return tmjson.Marshal(d)
}

func DecodeDiff(bz []byte) (*Diff, error) {
	d := &Diff{}
	if err := tmjson.Unmarshal(bz, d); err != nil {
		return nil, err
	}
	return d, nil
}
