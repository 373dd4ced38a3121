package types

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// MessageTagCertificate 证书BLS签名的域分隔前缀
const MessageTagCertificate = "CB_CE_"

var ErrInvalidCommit = errors.New("invalid commit")

// AggregateCommit 某一高度的聚合证书签名，AggregationBits的第i位对应
// 按BLS公钥排序后的第i个活跃验证者
type AggregateCommit struct {
	Height               int64            `json:"height"`
	AggregationBits      tmbytes.HexBytes `json:"aggregation_bits"`
	CertificateSignature tmbytes.HexBytes `json:"certificate_signature"`
}

// EmptyAggregateCommit 不证明任何新高度的commit
func EmptyAggregateCommit(height int64) AggregateCommit {
	return AggregateCommit{Height: height, AggregationBits: []byte{}, CertificateSignature: []byte{}}
}

func (ac AggregateCommit) IsEmpty() bool {
	return len(ac.AggregationBits) == 0 && len(ac.CertificateSignature) == 0
}

func (ac AggregateCommit) ValidateBasic() error {
	if ac.Height < 0 {
		return errors.Wrap(ErrInvalidCommit, "negative aggregate commit height")
	}
	if (len(ac.AggregationBits) == 0) != (len(ac.CertificateSignature) == 0) {
		return errors.Wrap(ErrInvalidCommit, "aggregation bits and signature must both be set or both empty")
	}
	return nil
}

func (ac AggregateCommit) Bytes() []byte {
	e := &encoder{}
	e.writeInt(1, ac.Height)
	e.writeBytes(2, ac.AggregationBits)
	e.writeBytes(3, ac.CertificateSignature)
	return e.Bytes()
}

func DecodeAggregateCommit(bz []byte) (*AggregateCommit, error) {
	d := newDecoder("aggregate commit", bz)
	ac := &AggregateCommit{}
	for {
		num, typ, ok, err := d.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			ac.Height, err = d.int(typ)
		case 2:
			ac.AggregationBits, err = d.bytes(typ)
		case 3:
			ac.CertificateSignature, err = d.bytes(typ)
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.require(1, 2, 3); err != nil {
		return nil, err
	}
	return ac, nil
}

func (ac AggregateCommit) String() string {
	return fmt.Sprintf("AggregateCommit{%d bits:%v}", ac.Height, ac.AggregationBits)
}

// SingleCommit 单个验证者对某个区块证书的BLS签名
type SingleCommit struct {
	BlockID              tmbytes.HexBytes `json:"block_id"`
	Height               int64            `json:"height"`
	ValidatorAddress     Address          `json:"validator_address"`
	CertificateSignature tmbytes.HexBytes `json:"certificate_signature"`
}

func (c *SingleCommit) ValidateBasic() error {
	if len(c.BlockID) != IDLength {
		return errors.Wrap(ErrInvalidCommit, "block id length")
	}
	if c.Height < 0 {
		return errors.Wrap(ErrInvalidCommit, "negative height")
	}
	if len(c.ValidatorAddress) != crypto.AddressSize {
		return errors.Wrap(ErrInvalidCommit, "validator address length")
	}
	if len(c.CertificateSignature) == 0 {
		return errors.Wrap(ErrInvalidCommit, "empty certificate signature")
	}
	return nil
}

func (c *SingleCommit) Bytes() []byte {
	e := &encoder{}
	e.writeBytes(1, c.BlockID)
	e.writeInt(2, c.Height)
	e.writeBytes(3, c.ValidatorAddress)
	e.writeBytes(4, c.CertificateSignature)
	return e.Bytes()
}

func DecodeSingleCommit(bz []byte) (*SingleCommit, error) {
	d := newDecoder("single commit", bz)
	c := &SingleCommit{}
	for {
		num, typ, ok, err := d.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch num {
		case 1:
			c.BlockID, err = d.bytes(typ)
		case 2:
			c.Height, err = d.int(typ)
		case 3:
			c.ValidatorAddress, err = d.bytes(typ)
		case 4:
			c.CertificateSignature, err = d.bytes(typ)
		default:
			err = d.unknown(num)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := d.require(1, 2, 3, 4); err != nil {
		return nil, err
	}
	return c, nil
}

// Key 去重使用的key：同一验证者在同一高度只保留一个commit
func (c *SingleCommit) Key() string {
	return fmt.Sprintf("%d/%X", c.Height, []byte(c.ValidatorAddress))
}

func (c *SingleCommit) String() string {
	return fmt.Sprintf("SingleCommit{%d %v by %v}", c.Height, c.BlockID, c.ValidatorAddress)
}

// Certificate 从区块头中抽取出来、由验证者用BLS签名的摘要
type Certificate struct {
	BlockID         tmbytes.HexBytes `json:"block_id"`
	Height          int64            `json:"height"`
	Timestamp       int64            `json:"timestamp"`
	StateRoot       tmbytes.HexBytes `json:"state_root"`
	ValidatorsHash  tmbytes.HexBytes `json:"validators_hash"`
	AggregationBits tmbytes.HexBytes `json:"aggregation_bits,omitempty"`
	Signature       tmbytes.HexBytes `json:"signature,omitempty"`
}

func CertificateFromHeader(h *BlockHeader) *Certificate {
	return &Certificate{
		BlockID:        h.ID(),
		Height:         h.Height,
		Timestamp:      h.Timestamp,
		StateRoot:      h.StateRoot,
		ValidatorsHash: h.ValidatorsHash,
	}
}

// SigningBytes 只包含前五个字段，聚合结果不参与签名
func (c *Certificate) SigningBytes() []byte {
	e := &encoder{}
	e.writeBytes(1, c.BlockID)
	e.writeInt(2, c.Height)
	e.writeInt(3, c.Timestamp)
	e.writeBytes(4, c.StateRoot)
	e.writeBytes(5, c.ValidatorsHash)
	return e.Bytes()
}

func CertificateSignBytes(chainID string, c *Certificate) []byte {
	return signBytes(MessageTagCertificate, chainID, c.SigningBytes())
}
