package schain

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// BlockHeader is the part of a finalized block every honest node agrees on.
type BlockHeader struct {
	BlockID       uint64
	ProposerIndex uint64 // 0 for an empty block
	PreviousHash  []byte
}

// FinalizedBlock is a block whose proposer was selected by binary consensus.
type FinalizedBlock struct {
	BlockID       uint64
	ProposerIndex uint64
	PreviousHash  []byte
	Vector        []bool // local view of the decisions when the block was selected
	Hash          []byte // hash of the header
}

func (b *FinalizedBlock) header() *BlockHeader {
	return &BlockHeader{
		BlockID:       b.BlockID,
		ProposerIndex: b.ProposerIndex,
		PreviousHash:  b.PreviousHash,
	}
}

// Chain stores blocks which are committed
type Chain struct {
	height uint64                     // the id of the last committed block
	blocks map[uint64]*FinalizedBlock // map from block id to the block
}

func newChain() *Chain {
	return &Chain{blocks: make(map[uint64]*FinalizedBlock)}
}

func (c *Chain) tipHash() []byte {
	if tip, ok := c.blocks[c.height]; ok {
		return tip.Hash
	}
	return nil
}

func (c *Chain) append(b *FinalizedBlock) error {
	if b.BlockID != c.height+1 {
		return errors.Errorf("block %d does not extend a chain of height %d", b.BlockID, c.height)
	}
	c.blocks[b.BlockID] = b
	c.height = b.BlockID
	return nil
}

// seed of the proposer selection of blockID: 1 for the first block, the
// first 8 bytes of the previous block hash, little endian, afterwards
func (c *Chain) seed(blockID uint64) (uint64, error) {
	if blockID <= 1 {
		return 1, nil
	}
	prev, ok := c.blocks[blockID-1]
	if !ok {
		return 0, errors.Errorf("block %d is not committed yet", blockID-1)
	}
	return binary.LittleEndian.Uint64(prev.Hash[:8]), nil
}
