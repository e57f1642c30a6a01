package store

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

const blockTable = "blk"

var lastBlockKey = []byte(blockTable + ":last")

func blockKey(blockID uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d", blockTable, blockID))
}

// WriteBlock stores an encoded finalized block and makes it the last one.
// Finalized blocks are not removed by PruneBlock.
func (s *ConsensusStateDB) WriteBlock(blockID uint64, data []byte) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(blockKey(blockID), data); err != nil {
		return errors.Wrapf(err, "write block %d", blockID)
	}
	if err := batch.Set(lastBlockKey, []byte(strconv.FormatUint(blockID, 10))); err != nil {
		return errors.Wrap(err, "write last block id")
	}
	return errors.Wrapf(batch.WriteSync(), "commit block %d", blockID)
}

// ReadBlock returns the encoded block, or false if it is unknown.
func (s *ConsensusStateDB) ReadBlock(blockID uint64) ([]byte, bool, error) {
	data, err := s.db.Get(blockKey(blockID))
	if err != nil {
		return nil, false, errors.Wrapf(err, "read block %d", blockID)
	}
	return data, data != nil, nil
}

// LastBlockID returns the id of the last stored block, 0 if there is none.
func (s *ConsensusStateDB) LastBlockID() (uint64, error) {
	id, _, err := s.readUint(lastBlockKey)
	return id, err
}
