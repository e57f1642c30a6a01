package consensus

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// ProtocolKey identifies one binary consensus instance: the block height under
// agreement and the proposer whose candidate block the instance decides on.
type ProtocolKey struct {
	BlockID       uint64
	ProposerIndex uint64
}

// NewProtocolKey validates and builds a key. Both components are 1-based.
func NewProtocolKey(blockID, proposerIndex uint64) (ProtocolKey, error) {
	if blockID == 0 || proposerIndex == 0 {
		return ProtocolKey{}, errors.Errorf("invalid protocol key %d:%d", blockID, proposerIndex)
	}
	return ProtocolKey{BlockID: blockID, ProposerIndex: proposerIndex}, nil
}

// Valid reports whether the key addresses an instance of an schain with nodeCount members.
func (k ProtocolKey) Valid(nodeCount uint64) bool {
	return k.BlockID > 0 && k.ProposerIndex > 0 && k.ProposerIndex <= nodeCount
}

// Less orders keys by block id, then proposer index.
func (k ProtocolKey) Less(other ProtocolKey) bool {
	if k.BlockID != other.BlockID {
		return k.BlockID < other.BlockID
	}
	return k.ProposerIndex < other.ProposerIndex
}

func (k ProtocolKey) String() string {
	return fmt.Sprintf("%d:%d", k.BlockID, k.ProposerIndex)
}

// SortKeys sorts keys in place.
func SortKeys(keys []ProtocolKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
}
