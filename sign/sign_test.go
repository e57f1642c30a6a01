package sign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestED25519(t *testing.T) {
	privKey, pubKey := GenED25519Keys()
	msg := []byte("bv broadcast")
	sig := SignEd25519(privKey, msg)

	ok, err := VerifySignEd25519(pubKey, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignEd25519(pubKey, []byte("other"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifySignEd25519(pubKey, msg, sig[:10])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTSKeyEncoding(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)

	pubAsBytes, err := EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)
	decodedPub, err := DecodeTSPublicKey(pubAsBytes)
	require.NoError(t, err)
	assert.True(t, decodedPub.Equal(pubPoly))

	shareAsBytes, err := EncodeTSPartialKey(shares[2])
	require.NoError(t, err)
	decodedShare, err := DecodeTSPartialKey(shareAsBytes)
	require.NoError(t, err)
	assert.Equal(t, shares[2].I, decodedShare.I)
	assert.True(t, shares[2].V.Equal(decodedShare.V))
}

func TestSigShareSetMergesSameSignature(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)
	msg := []byte("1:2:0")

	managers := make([]*CryptoManager, 4)
	partials := make([][]byte, 4)
	for i := 0; i < 4; i++ {
		managers[i] = NewCryptoManager(pubPoly, shares[i], 3, 4)
		sig, err := managers[i].Sign(msg)
		require.NoError(t, err)
		require.NoError(t, managers[0].VerifySigShare(msg, sig, uint64(i+1)))
		partials[i] = sig
	}

	// a share must be attributed to the right signer
	assert.Error(t, managers[0].VerifySigShare(msg, partials[1], 1))

	first := managers[0].CreateSigShareSet(msg)
	for _, p := range partials[:3] {
		added, err := first.AddSigShare(p)
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := first.AddSigShare(partials[0])
	require.NoError(t, err)
	assert.False(t, added)
	require.True(t, first.IsEnough())

	second := managers[3].CreateSigShareSet(msg)
	for _, p := range partials[1:] {
		_, err := second.AddSigShare(p)
		require.NoError(t, err)
	}

	sig1, err := first.MergeSignature()
	require.NoError(t, err)
	sig2, err := second.MergeSignature()
	require.NoError(t, err)
	assert.Equal(t, sig1.Random(), sig2.Random())

	ok, err := VerifyTS(pubPoly, msg, sig1.Sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMergeBelowThreshold(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)
	manager := NewCryptoManager(pubPoly, shares[0], 3, 4)
	set := manager.CreateSigShareSet([]byte("m"))
	sig, err := manager.Sign([]byte("m"))
	require.NoError(t, err)
	_, err = set.AddSigShare(sig)
	require.NoError(t, err)
	assert.False(t, set.IsEnough())
	_, err = set.MergeSignature()
	assert.Equal(t, ErrNotEnoughShares, err)
}
