package bls

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	k := GenPrivKeyFromSeed([]byte("seed-1"))
	msg := []byte("certificate")
	sig, err := k.Sign(msg)
	require.NoError(t, err)
	assert.True(t, Verify(k.PubKey(), msg, sig))
	assert.False(t, Verify(k.PubKey(), []byte("other"), sig))

	restored, err := PrivKeyFromBytes(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k.PubKey(), restored.PubKey())
}

func TestWeightedAggregate(t *testing.T) {
	msg := []byte("block-7")
	privs := make(map[string]*PrivKey)
	keys := make([]PubKey, 0, 4)
	for i := 0; i < 4; i++ {
		k := GenPrivKeyFromSeed([]byte(fmt.Sprintf("validator-%d", i)))
		privs[string(k.PubKey())] = k
		keys = append(keys, k.PubKey())
	}
	SortKeys(keys)
	weights := []uint64{1, 1, 1, 1}

	pairs := make([]SignerSignature, 0, 3)
	for _, key := range keys[:3] {
		sig, err := privs[string(key)].Sign(msg)
		require.NoError(t, err)
		pairs = append(pairs, SignerSignature{PubKey: key, Signature: sig})
	}
	bits, sig, err := CreateAggregateSignature(keys, pairs)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, bits)

	assert.True(t, VerifyWeightedAggSig(keys, bits, sig, msg, weights, 3))
	assert.False(t, VerifyWeightedAggSig(keys, bits, sig, msg, weights, 4))
	assert.False(t, VerifyWeightedAggSig(keys, []byte{0x17}, sig, msg, weights, 3))
	assert.False(t, VerifyWeightedAggSig(keys, []byte{0x07, 0x00}, sig, msg, weights, 3))

	_, _, err = CreateAggregateSignature(keys, nil)
	assert.Equal(t, ErrNoSignatures, err)
}
