package consensus

import (
	"testing"

	"github.com/gitzhang10/BinBFT/sign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newThresholdCoins(t *testing.T, n int) []*ThresholdSigCoin {
	threshold := int(QuorumSize(uint64(n)))
	shares, pub := sign.GenTSKeys(threshold, n)
	coins := make([]*ThresholdSigCoin, n)
	for i := 0; i < n; i++ {
		coins[i] = NewThresholdSigCoin(sign.NewCryptoManager(pub, shares[i], threshold, n))
	}
	return coins
}

func TestThresholdCoinIsCommon(t *testing.T) {
	coins := newThresholdCoins(t, 4)
	key := ProtocolKey{BlockID: 3, ProposerIndex: 2}

	shares := make(map[uint64][]byte)
	for i, c := range coins {
		share, err := c.SignShare(key, 1)
		require.NoError(t, err)
		require.NoError(t, coins[0].VerifyShare(key, 1, uint64(i)+1, share))
		shares[uint64(i)+1] = share
	}
	assert.Error(t, coins[0].VerifyShare(key, 1, 2, shares[1]))
	assert.Error(t, coins[0].VerifyShare(key, 2, 1, shares[1]))

	first := map[uint64][]byte{1: shares[1], 2: shares[2], 3: shares[3]}
	second := map[uint64][]byte{2: shares[2], 3: shares[3], 4: shares[4]}
	r1, err := coins[0].Random(key, 1, first)
	require.NoError(t, err)
	r2, err := coins[3].Random(key, 1, second)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)

	_, err = coins[0].Random(key, 1, map[uint64][]byte{1: shares[1], 2: shares[2]})
	assert.Error(t, err)
}

func TestDeterministicCoin(t *testing.T) {
	key := ProtocolKey{BlockID: 1, ProposerIndex: 1}
	a := NewDeterministicTestCoin(1, 0)
	b := NewDeterministicTestCoin(2, 0)

	share, err := b.SignShare(key, 0)
	require.NoError(t, err)
	assert.NoError(t, a.VerifyShare(key, 0, 2, share))
	assert.Error(t, a.VerifyShare(key, 0, 3, share))

	ra, _ := a.Random(key, 0, nil)
	rb, _ := b.Random(key, 0, nil)
	assert.Equal(t, ra, rb)

	seeded, _ := NewDeterministicTestCoin(1, 7).Random(key, 0, nil)
	assert.NotEqual(t, ra, seeded)
}
