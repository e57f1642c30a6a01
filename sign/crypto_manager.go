package sign

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3/share"
)

// ErrNotEnoughShares is returned when a merge is attempted below the threshold.
var ErrNotEnoughShares = errors.New("not enough signature shares")

// CryptoManager holds this node's threshold key share and the group public
// key. Schain indices are 1-based; key share indices are 0-based.
type CryptoManager struct {
	tsPublicKey  *share.PubPoly
	tsPrivateKey *share.PriShare
	threshold    int
	nodeNum      int
}

// NewCryptoManager creates a manager for a (threshold, nodeNum) key.
func NewCryptoManager(tsPublicKey *share.PubPoly, tsPrivateKey *share.PriShare, threshold, nodeNum int) *CryptoManager {
	return &CryptoManager{
		tsPublicKey:  tsPublicKey,
		tsPrivateKey: tsPrivateKey,
		threshold:    threshold,
		nodeNum:      nodeNum,
	}
}

// Threshold returns the number of shares needed to merge a signature.
func (c *CryptoManager) Threshold() int {
	return c.threshold
}

// Sign produces this node's signature share over hash.
func (c *CryptoManager) Sign(hash []byte) ([]byte, error) {
	if c.tsPrivateKey == nil {
		return nil, errors.New("no threshold key share configured")
	}
	return SignTSPartial(c.tsPrivateKey, hash), nil
}

// VerifySigShare checks that sigShare is a valid share over hash produced by
// the node with the given schain index.
func (c *CryptoManager) VerifySigShare(hash []byte, sigShare []byte, signerIndex uint64) error {
	idx, err := PartialIndex(sigShare)
	if err != nil {
		return errors.Wrap(err, "malformed signature share")
	}
	if uint64(idx)+1 != signerIndex {
		return errors.Errorf("signature share index %d does not belong to signer %d", idx, signerIndex)
	}
	return VerifyTSPartial(c.tsPublicKey, hash, sigShare)
}

// CreateSigShareSet starts collecting shares over hash.
func (c *CryptoManager) CreateSigShareSet(hash []byte) *SigShareSet {
	return &SigShareSet{
		manager: c,
		hash:    hash,
		shares:  make(map[int][]byte),
	}
}

// SigShareSet accumulates distinct signature shares over one message.
type SigShareSet struct {
	lock    sync.Mutex
	manager *CryptoManager
	hash    []byte
	shares  map[int][]byte // map from key share index to share
}

// AddSigShare adds a share; it reports false for a share index already present.
func (s *SigShareSet) AddSigShare(sigShare []byte) (bool, error) {
	idx, err := PartialIndex(sigShare)
	if err != nil {
		return false, errors.Wrap(err, "malformed signature share")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.shares[idx]; ok {
		return false, nil
	}
	s.shares[idx] = sigShare
	return true, nil
}

// IsEnough reports whether the threshold has been reached.
func (s *SigShareSet) IsEnough() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.shares) >= s.manager.threshold
}

// MergeSignature recovers the threshold signature from the collected shares.
func (s *SigShareSet) MergeSignature() (*Signature, error) {
	s.lock.Lock()
	partialSigs := make([][]byte, 0, len(s.shares))
	for _, sig := range s.shares {
		partialSigs = append(partialSigs, sig)
	}
	s.lock.Unlock()
	if len(partialSigs) < s.manager.threshold {
		return nil, ErrNotEnoughShares
	}
	sig, err := AssembleIntactTSPartial(partialSigs, s.manager.tsPublicKey, s.hash, s.manager.threshold, s.manager.nodeNum)
	if err != nil {
		return nil, err
	}
	return &Signature{Sig: sig}, nil
}

// Signature is a merged threshold signature.
type Signature struct {
	Sig []byte
}

// Random derives a 64 bit value from the signature. A threshold signature is
// unique for its message, so every node derives the same value.
func (s *Signature) Random() uint64 {
	h := sha256.Sum256(s.Sig)
	return binary.BigEndian.Uint64(h[:8])
}
