package consensus

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/gitzhang10/BinBFT/sign"
	"github.com/pkg/errors"
)

// CommonCoinSource produces the per-round shared random value. Shares travel
// inside AUX messages; once a quorum of them is known the coin is computed
// from them.
type CommonCoinSource interface {
	// SignShare returns this node's share for the round's coin.
	SignShare(key ProtocolKey, round uint64) ([]byte, error)
	// VerifyShare checks a share received from signer.
	VerifyShare(key ProtocolKey, round uint64, signer uint64, share []byte) error
	// Random combines shares (map from signer index to share) into the coin.
	Random(key ProtocolKey, round uint64, shares map[uint64][]byte) (uint64, error)
}

// CoinMessage is the message signed by the coin shares of one round.
func CoinMessage(key ProtocolKey, round uint64) []byte {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%d", key.BlockID, key.ProposerIndex, round)))
	return digest[:]
}

func sortedSigners(shares map[uint64][]byte) []uint64 {
	signers := make([]uint64, 0, len(shares))
	for signer := range shares {
		signers = append(signers, signer)
	}
	sort.Slice(signers, func(i, j int) bool { return signers[i] < signers[j] })
	return signers
}

// ThresholdSigCoin derives the coin from a threshold BLS signature: any quorum
// of shares merges into the same signature, so every node sees the same value.
type ThresholdSigCoin struct {
	crypto *sign.CryptoManager
}

func NewThresholdSigCoin(crypto *sign.CryptoManager) *ThresholdSigCoin {
	return &ThresholdSigCoin{crypto: crypto}
}

func (c *ThresholdSigCoin) SignShare(key ProtocolKey, round uint64) ([]byte, error) {
	return c.crypto.Sign(CoinMessage(key, round))
}

func (c *ThresholdSigCoin) VerifyShare(key ProtocolKey, round uint64, signer uint64, share []byte) error {
	return c.crypto.VerifySigShare(CoinMessage(key, round), share, signer)
}

func (c *ThresholdSigCoin) Random(key ProtocolKey, round uint64, shares map[uint64][]byte) (uint64, error) {
	set := c.crypto.CreateSigShareSet(CoinMessage(key, round))
	for _, signer := range sortedSigners(shares) {
		if set.IsEnough() {
			break
		}
		if _, err := set.AddSigShare(shares[signer]); err != nil {
			return 0, errors.Wrapf(err, "add coin share of node %d", signer)
		}
	}
	sig, err := set.MergeSignature()
	if err != nil {
		return 0, errors.Wrapf(err, "merge coin for %s round %d", key, round)
	}
	return sig.Random(), nil
}

// DeterministicTestCoin is an insecure coin for tests and debugging. Its value
// is a hash of the instance, the round and Seed. Shares are hashes that only
// prove which node produced them.
type DeterministicTestCoin struct {
	SelfIndex uint64
	Seed      uint64
}

func NewDeterministicTestCoin(selfIndex, seed uint64) *DeterministicTestCoin {
	return &DeterministicTestCoin{SelfIndex: selfIndex, Seed: seed}
}

func (c *DeterministicTestCoin) share(key ProtocolKey, round, signer uint64) []byte {
	digest := sha256.Sum256([]byte(fmt.Sprintf("share:%d:%d:%d:%d:%d", c.Seed, key.BlockID, key.ProposerIndex, round, signer)))
	return digest[:]
}

func (c *DeterministicTestCoin) SignShare(key ProtocolKey, round uint64) ([]byte, error) {
	return c.share(key, round, c.SelfIndex), nil
}

func (c *DeterministicTestCoin) VerifyShare(key ProtocolKey, round uint64, signer uint64, share []byte) error {
	if !bytes.Equal(share, c.share(key, round, signer)) {
		return errors.Errorf("bad mock coin share from node %d", signer)
	}
	return nil
}

// Random ignores the shares. The hash input follows the block:round:proposer
// layout; a non-zero Seed is appended.
func (c *DeterministicTestCoin) Random(key ProtocolKey, round uint64, _ map[uint64][]byte) (uint64, error) {
	input := fmt.Sprintf("%d:%d:%d", key.BlockID, round, key.ProposerIndex)
	if c.Seed != 0 {
		input = fmt.Sprintf("%s:%d", input, c.Seed)
	}
	digest := sha256.Sum256([]byte(input))
	return binary.LittleEndian.Uint64(digest[:8]), nil
}

// coinValue maps a random value to the coin bit.
func coinValue(random uint64) bool {
	return random%2 == 0
}
