package types

import (
	"chainbft_node/crypto/bls"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivValidator 本地验证者：ed25519生成者密钥签区块头，BLS密钥签证书
type PrivValidator interface {
	GetAddress() Address
	GetPubKey() crypto.PubKey
	GetBLSPubKey() bls.PubKey
	// LastGeneratedHeight 本验证者上一次出块的高度，没有出过块时为0
	LastGeneratedHeight() int64

	SignHeader(chainID string, header *BlockHeader) error
	SignCertificate(chainID string, cert *Certificate) ([]byte, error)
}

// ValidatorInfoOf 由私钥信息得到创世/更新中使用的验证者描述
func ValidatorInfoOf(pv PrivValidator, weight uint64) *ValidatorInfo {
	return &ValidatorInfo{
		Address:      pv.GetAddress(),
		BFTWeight:    weight,
		BLSKey:       []byte(pv.GetBLSPubKey()),
		GeneratorKey: pv.GetPubKey().Bytes(),
	}
}

// MockPV 仅用于测试的内存私钥
type MockPV struct {
	PrivKey crypto.PrivKey
	BLSKey  *bls.PrivKey

	lastGenerated int64
}

func NewMockPV() *MockPV {
	return &MockPV{PrivKey: ed25519.GenPrivKey(), BLSKey: bls.GenPrivKey()}
}

// NewMockPVFromSeed 同一个seed得到相同的密钥
func NewMockPVFromSeed(seed []byte) *MockPV {
	return &MockPV{PrivKey: ed25519.GenPrivKeyFromSecret(seed), BLSKey: bls.GenPrivKeyFromSeed(seed)}
}

func (pv *MockPV) GetAddress() Address {
	return GetAddress(pv.PrivKey.PubKey())
}

func (pv *MockPV) GetPubKey() crypto.PubKey {
	return pv.PrivKey.PubKey()
}

func (pv *MockPV) GetBLSPubKey() bls.PubKey {
	return pv.BLSKey.PubKey()
}

func (pv *MockPV) LastGeneratedHeight() int64 {
	return pv.lastGenerated
}

func (pv *MockPV) SignHeader(chainID string, header *BlockHeader) error {
	if err := header.Sign(chainID, pv.PrivKey); err != nil {
		return err
	}
	if header.Height > pv.lastGenerated {
		pv.lastGenerated = header.Height
	}
	return nil
}

func (pv *MockPV) SignCertificate(chainID string, cert *Certificate) ([]byte, error) {
	return pv.BLSKey.Sign(CertificateSignBytes(chainID, cert))
}

var _ PrivValidator = (*MockPV)(nil)
