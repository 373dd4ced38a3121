package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// ValidatorSet 某一高度生效的验证者集合
//
// 内部按BLS公钥升序排列，AggregationBits中的下标与这个顺序一致
type ValidatorSet struct {
	Validators []*Validator `json:"validators"`
}

// NewValidatorSet 复制并排序验证者
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{Validators: make([]*Validator, 0, len(valz))}
	for _, val := range valz {
		vals.Validators = append(vals.Validators, val.Copy())
	}
	sort.Slice(vals.Validators, func(i, j int) bool {
		return bytes.Compare(vals.Validators[i].BLSKey, vals.Validators[j].BLSKey) < 0
	})
	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}
	seen := make(map[string]bool, len(vals.Validators))
	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
		if seen[string(val.Address)] {
			return fmt.Errorf("duplicate validator %v", val.Address)
		}
		seen[string(val.Address)] = true
	}
	return nil
}

func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

func (vals *ValidatorSet) Copy() *ValidatorSet {
	return NewValidatorSet(vals.Validators)
}

// Active 返回BFTWeight大于0的验证者，保持排序
func (vals *ValidatorSet) Active() *ValidatorSet {
	active := &ValidatorSet{Validators: make([]*Validator, 0, len(vals.Validators))}
	for _, val := range vals.Validators {
		if val.BFTWeight > 0 {
			active.Validators = append(active.Validators, val)
		}
	}
	return active
}

func (vals *ValidatorSet) TotalWeight() uint64 {
	var sum uint64
	for _, val := range vals.Validators {
		sum += val.BFTWeight
	}
	return sum
}

// GetByAddress 返回验证者的下标和副本，不存在时返回-1和nil
func (vals *ValidatorSet) GetByAddress(address []byte) (int, *Validator) {
	for idx, val := range vals.Validators {
		if bytes.Equal(val.Address, address) {
			return idx, val.Copy()
		}
	}
	return -1, nil
}

func (vals *ValidatorSet) HasAddress(address []byte) bool {
	idx, _ := vals.GetByAddress(address)
	return idx >= 0
}

func (vals *ValidatorSet) BLSKeys() [][]byte {
	keys := make([][]byte, len(vals.Validators))
	for i, val := range vals.Validators {
		keys[i] = val.BLSKey
	}
	return keys
}

func (vals *ValidatorSet) Weights() []uint64 {
	weights := make([]uint64, len(vals.Validators))
	for i, val := range vals.Validators {
		weights[i] = val.BFTWeight
	}
	return weights
}

// Hash validatorsHash = hash(活跃验证者(blsKey, bftWeight) || certificateThreshold)
func (vals *ValidatorSet) Hash(certificateThreshold uint64) tmbytes.HexBytes {
	e := &encoder{}
	for _, val := range vals.Active().Validators {
		e.writeBytes(1, val.Bytes())
	}
	e.writeUint(2, certificateThreshold)
	return tmhash.Sum(e.Bytes())
}

func (vals *ValidatorSet) String() string {
	return vals.StringIndented("")
}

func (vals *ValidatorSet) StringIndented(indent string) string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	var valStrings []string
	for _, val := range vals.Validators {
		valStrings = append(valStrings, val.String())
	}
	return fmt.Sprintf(`ValidatorSet{
%s  Validators:
%s    %v
%s}`,
		indent, indent, strings.Join(valStrings, "\n"+indent+"    "),
		indent)
}
