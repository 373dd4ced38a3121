// Package bls wraps kyber's BN256 BLS scheme: key generation, single
// signatures and weighted aggregate signatures over a validator key list.
package bls

import (
	"bytes"
	"errors"
	"sort"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	kbls "go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
)

var (
	ErrInvalidPubKey     = errors.New("invalid bls public key")
	ErrInvalidPrivKey    = errors.New("invalid bls private key")
	ErrNoSignatures      = errors.New("no signatures to aggregate")
	ErrUnknownSignerKey  = errors.New("signer key not in key list")
	ErrKeyListMismatched = errors.New("keys and weights have different length")
)

var suite = bn256.NewSuite()

// PubKey is the binary encoding of a G2 point.
type PubKey []byte

func (pk PubKey) point() (kyber.Point, error) {
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(pk); err != nil {
		return nil, ErrInvalidPubKey
	}
	return p, nil
}

// PrivKey is a BLS secret scalar.
type PrivKey struct {
	scalar kyber.Scalar
}

// GenPrivKey generates a random key.
func GenPrivKey() *PrivKey {
	x, _ := kbls.NewKeyPair(suite, random.New())
	return &PrivKey{scalar: x}
}

// GenPrivKeyFromSeed derives a deterministic key, used by tests and the
// genesis generator.
func GenPrivKeyFromSeed(seed []byte) *PrivKey {
	x, _ := kbls.NewKeyPair(suite, suite.XOF(seed))
	return &PrivKey{scalar: x}
}

func PrivKeyFromBytes(bz []byte) (*PrivKey, error) {
	s := suite.G2().Scalar()
	if err := s.UnmarshalBinary(bz); err != nil {
		return nil, ErrInvalidPrivKey
	}
	return &PrivKey{scalar: s}, nil
}

func (k *PrivKey) Bytes() []byte {
	bz, err := k.scalar.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bz
}

func (k *PrivKey) PubKey() PubKey {
	bz, err := suite.G2().Point().Mul(k.scalar, nil).MarshalBinary()
	if err != nil {
		panic(err)
	}
	return bz
}

func (k *PrivKey) Sign(msg []byte) ([]byte, error) {
	return kbls.Sign(suite, k.scalar, msg)
}

// Verify checks a single signature.
func Verify(pub PubKey, msg, sig []byte) bool {
	p, err := pub.point()
	if err != nil {
		return false
	}
	return kbls.Verify(suite, p, msg, sig) == nil
}

// VerifyAggregate checks sig against the aggregate of pubs.
func VerifyAggregate(pubs []PubKey, msg, sig []byte) bool {
	if len(pubs) == 0 {
		return false
	}
	points := make([]kyber.Point, 0, len(pubs))
	for _, pub := range pubs {
		p, err := pub.point()
		if err != nil {
			return false
		}
		points = append(points, p)
	}
	return kbls.Verify(suite, kbls.AggregatePublicKeys(suite, points...), msg, sig) == nil
}

// SignerSignature pairs a signer key with its signature.
type SignerSignature struct {
	PubKey    PubKey
	Signature []byte
}

// SortKeys orders keys lexicographically; aggregation bits index this order.
func SortKeys(keys []PubKey) {
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
}

// CreateAggregateSignature folds the signatures of pairs into one signature
// and returns the bitmap marking the signers inside keys. keys must be
// sorted with SortKeys.
func CreateAggregateSignature(keys []PubKey, pairs []SignerSignature) (bits []byte, sig []byte, err error) {
	if len(pairs) == 0 {
		return nil, nil, ErrNoSignatures
	}
	bits = make([]byte, (len(keys)+7)/8)
	sigs := make([][]byte, 0, len(pairs))
	for _, pair := range pairs {
		idx := indexOfKey(keys, pair.PubKey)
		if idx < 0 {
			return nil, nil, ErrUnknownSignerKey
		}
		bits[idx/8] |= 1 << (uint(idx) % 8)
		sigs = append(sigs, pair.Signature)
	}
	sig, err = kbls.AggregateSignatures(suite, sigs...)
	if err != nil {
		return nil, nil, err
	}
	return bits, sig, nil
}

// SelectedKeys returns the keys marked in bits. ok is false when the bitmap
// has the wrong length or marks positions past the key list.
func SelectedKeys(keys []PubKey, bits []byte) (selected []PubKey, indices []int, ok bool) {
	if len(bits) != (len(keys)+7)/8 {
		return nil, nil, false
	}
	for i := 0; i < len(bits)*8; i++ {
		if bits[i/8]&(1<<(uint(i)%8)) == 0 {
			continue
		}
		if i >= len(keys) {
			return nil, nil, false
		}
		selected = append(selected, keys[i])
		indices = append(indices, i)
	}
	return selected, indices, true
}

// VerifyWeightedAggSig verifies an aggregate signature whose signers are
// selected from keys by bits and whose combined weight must reach threshold.
func VerifyWeightedAggSig(keys []PubKey, bits, sig, msg []byte, weights []uint64, threshold uint64) bool {
	if len(keys) != len(weights) {
		return false
	}
	selected, indices, ok := SelectedKeys(keys, bits)
	if !ok || len(selected) == 0 {
		return false
	}
	var weight uint64
	for _, idx := range indices {
		weight += weights[idx]
	}
	if weight < threshold {
		return false
	}
	return VerifyAggregate(selected, msg, sig)
}

func indexOfKey(keys []PubKey, key PubKey) int {
	for i, k := range keys {
		if bytes.Equal(k, key) {
			return i
		}
	}
	return -1
}
