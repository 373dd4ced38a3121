package types

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Validator 参与BFT投票的验证者，BFTWeight为0表示不活跃
type Validator struct {
	Address   Address          `json:"address"`
	BFTWeight uint64           `json:"bft_weight"`
	BLSKey    tmbytes.HexBytes `json:"bls_key"`
}

func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}
	if len(v.BLSKey) == 0 {
		return errors.New("validator does not have a bls key")
	}
	return nil
}

func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%v w:%d}", v.Address, v.BFTWeight)
}

// Bytes 参与validatorsHash计算的编码，不包含地址
func (v *Validator) Bytes() []byte {
	e := &encoder{}
	e.writeBytes(1, v.BLSKey)
	e.writeUint(2, v.BFTWeight)
	return e.Bytes()
}

// Generator 出块者，GeneratorKey为ed25519公钥
type Generator struct {
	Address      Address          `json:"address"`
	GeneratorKey tmbytes.HexBytes `json:"generator_key"`
}

func (g *Generator) ValidateBasic() error {
	if len(g.Address) != crypto.AddressSize {
		return fmt.Errorf("generator address is the wrong size: %v", g.Address)
	}
	if len(g.GeneratorKey) != ed25519.PubKeySize {
		return fmt.Errorf("generator key is the wrong size: %v", g.GeneratorKey)
	}
	return nil
}

// ValidatorInfo 创世文件和验证者更新中使用的完整验证者信息
type ValidatorInfo struct {
	Address      Address          `json:"address"`
	BFTWeight    uint64           `json:"bft_weight"`
	BLSKey       tmbytes.HexBytes `json:"bls_key"`
	GeneratorKey tmbytes.HexBytes `json:"generator_key"`
}

func (vi *ValidatorInfo) Validator() *Validator {
	return &Validator{Address: vi.Address, BFTWeight: vi.BFTWeight, BLSKey: vi.BLSKey}
}

func (vi *ValidatorInfo) Generator() *Generator {
	return &Generator{Address: vi.Address, GeneratorKey: vi.GeneratorKey}
}

// ValidatorUpdate 状态机在afterTransactionsExecute中返回的下一组验证者
type ValidatorUpdate struct {
	NextValidators       []*ValidatorInfo `json:"next_validators"`
	PrecommitThreshold   uint64           `json:"precommit_threshold"`
	CertificateThreshold uint64           `json:"certificate_threshold"`
}

func (u *ValidatorUpdate) IsEmpty() bool {
	return u == nil || len(u.NextValidators) == 0
}
