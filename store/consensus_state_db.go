/*
Package store implements the durable consensus state log.

Every vote, bin value, proposal, round change and decision of a binary
consensus instance is written here before the instance acts on it, so that a
restarted node can rebuild the instance and continue where it stopped.
*/
package store

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/goleveldb"
)

const (
	consensusTable = "cs"
	randomTable    = "rnd"

	currentRoundSuffix = "cr"
	decidedRoundSuffix = "dr"
	decidedValueSuffix = "dv"
	proposalSection    = "prp"
	bvbVoteSection     = "bvb"
	auxVoteSection     = "aux"
	binValueSection    = "bin"
)

// ErrMissingValue is returned when a key that must exist is absent.
var ErrMissingValue = errors.New("missing value in consensus state db")

// InstanceState is the persisted state of one binary consensus instance.
type InstanceState struct {
	CurrentRound  uint64
	Decided       bool
	DecidedRound  uint64
	DecidedValue  bool
	Proposals     map[uint64]bool                // map from round to proposed value
	BVTrueVotes   map[uint64]map[uint64]struct{} // map from round to voter index
	BVFalseVotes  map[uint64]map[uint64]struct{} // map from round to voter index
	AUXTrueVotes  map[uint64]map[uint64][]byte   // map from round to voter index to sig share
	AUXFalseVotes map[uint64]map[uint64][]byte   // map from round to voter index to sig share
	BinValues     map[uint64]map[bool]struct{}   // map from round to values
}

func newInstanceState() *InstanceState {
	return &InstanceState{
		Proposals:     make(map[uint64]bool),
		BVTrueVotes:   make(map[uint64]map[uint64]struct{}),
		BVFalseVotes:  make(map[uint64]map[uint64]struct{}),
		AUXTrueVotes:  make(map[uint64]map[uint64][]byte),
		AUXFalseVotes: make(map[uint64]map[uint64][]byte),
		BinValues:     make(map[uint64]map[bool]struct{}),
	}
}

// ConsensusStateDB is the key/value log backing crash recovery.
type ConsensusStateDB struct {
	db     tmdb.DB
	logger hclog.Logger
}

// NewConsensusStateDB opens (or creates) a goleveldb database under dir.
func NewConsensusStateDB(name, dir string, logger hclog.Logger) (*ConsensusStateDB, error) {
	levelDB, err := goleveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open consensus state db %s in %s", name, dir)
	}
	return NewConsensusStateDBWithDB(levelDB, logger), nil
}

// NewConsensusStateDBWithDB wraps an already opened database, e.g. memdb.NewDB() in tests.
func NewConsensusStateDBWithDB(db tmdb.DB, logger hclog.Logger) *ConsensusStateDB {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "binbft-store",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &ConsensusStateDB{db: db, logger: logger}
}

// Close closes the underlying database.
func (s *ConsensusStateDB) Close() error {
	return s.db.Close()
}

func instancePrefix(blockID, proposerIndex uint64) string {
	return fmt.Sprintf("%s:%d:%d:", consensusTable, blockID, proposerIndex)
}

func blockPrefix(table string, blockID uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d:", table, blockID))
}

func boolToString(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func currentRoundKey(blockID, proposerIndex uint64) []byte {
	return []byte(instancePrefix(blockID, proposerIndex) + currentRoundSuffix)
}

func decidedRoundKey(blockID, proposerIndex uint64) []byte {
	return []byte(instancePrefix(blockID, proposerIndex) + decidedRoundSuffix)
}

func decidedValueKey(blockID, proposerIndex uint64) []byte {
	return []byte(instancePrefix(blockID, proposerIndex) + decidedValueSuffix)
}

func proposalKey(blockID, proposerIndex, round uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", instancePrefix(blockID, proposerIndex), proposalSection, round))
}

func voteKey(section string, blockID, proposerIndex, round, voterIndex uint64, value bool) []byte {
	return []byte(fmt.Sprintf("%s%s:%d:%d:%s", instancePrefix(blockID, proposerIndex), section, round,
		voterIndex, boolToString(value)))
}

func binValueKey(blockID, proposerIndex, round uint64, value bool) []byte {
	return []byte(fmt.Sprintf("%s%s:%d:%s", instancePrefix(blockID, proposerIndex), binValueSection, round,
		boolToString(value)))
}

func randomKey(blockID, proposerIndex, round uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d:%d:%d", randomTable, blockID, proposerIndex, round))
}

func (s *ConsensusStateDB) writeUint(key []byte, v uint64, sync bool) error {
	value := []byte(strconv.FormatUint(v, 10))
	var err error
	if sync {
		err = s.db.SetSync(key, value)
	} else {
		err = s.db.Set(key, value)
	}
	return errors.Wrapf(err, "write %s", key)
}

func (s *ConsensusStateDB) readUint(key []byte) (uint64, bool, error) {
	value, err := s.db.Get(key)
	if err != nil {
		return 0, false, errors.Wrapf(err, "read %s", key)
	}
	if value == nil {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(string(value), 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "parse %s", key)
	}
	return v, true, nil
}

// WriteCR records the current round. It is the only synchronous write: a
// round change must never be lost.
func (s *ConsensusStateDB) WriteCR(blockID, proposerIndex, round uint64) error {
	return s.writeUint(currentRoundKey(blockID, proposerIndex), round, true)
}

// ReadCR returns the current round, 0 when none was recorded.
func (s *ConsensusStateDB) ReadCR(blockID, proposerIndex uint64) (uint64, error) {
	round, _, err := s.readUint(currentRoundKey(blockID, proposerIndex))
	return round, err
}

// WriteDR records the decided round.
func (s *ConsensusStateDB) WriteDR(blockID, proposerIndex, round uint64) error {
	return s.writeUint(decidedRoundKey(blockID, proposerIndex), round, false)
}

// ReadDR reports whether the instance decided and in which round.
func (s *ConsensusStateDB) ReadDR(blockID, proposerIndex uint64) (bool, uint64, error) {
	round, ok, err := s.readUint(decidedRoundKey(blockID, proposerIndex))
	return ok, round, err
}

// WriteDV records the decided value.
func (s *ConsensusStateDB) WriteDV(blockID, proposerIndex uint64, value bool) error {
	return errors.Wrap(s.db.Set(decidedValueKey(blockID, proposerIndex), []byte(boolToString(value))), "write dv")
}

// ReadDV returns the decided value; it must only be called for decided instances.
func (s *ConsensusStateDB) ReadDV(blockID, proposerIndex uint64) (bool, error) {
	value, err := s.db.Get(decidedValueKey(blockID, proposerIndex))
	if err != nil {
		return false, errors.Wrap(err, "read dv")
	}
	if value == nil {
		return false, errors.Wrapf(ErrMissingValue, "dv %d:%d", blockID, proposerIndex)
	}
	return string(value) == "1", nil
}

// WritePr records the value proposed by this node in a round.
func (s *ConsensusStateDB) WritePr(blockID, proposerIndex, round uint64, value bool) error {
	return errors.Wrap(s.db.Set(proposalKey(blockID, proposerIndex, round), []byte(boolToString(value))), "write pr")
}

// ReadPR returns the value proposed in round.
func (s *ConsensusStateDB) ReadPR(blockID, proposerIndex, round uint64) (bool, error) {
	value, err := s.db.Get(proposalKey(blockID, proposerIndex, round))
	if err != nil {
		return false, errors.Wrap(err, "read pr")
	}
	if value == nil {
		return false, errors.Wrapf(ErrMissingValue, "pr %d:%d:%d", blockID, proposerIndex, round)
	}
	return string(value) == "1", nil
}

// WriteBVBVote records a BV vote.
func (s *ConsensusStateDB) WriteBVBVote(blockID, proposerIndex, round, voterIndex uint64, value bool) error {
	key := voteKey(bvbVoteSection, blockID, proposerIndex, round, voterIndex, value)
	return errors.Wrap(s.db.Set(key, []byte{}), "write bvb vote")
}

// WriteAUXVote records an AUX vote together with its signature share.
func (s *ConsensusStateDB) WriteAUXVote(blockID, proposerIndex, round, voterIndex uint64, value bool, sigShare []byte) error {
	key := voteKey(auxVoteSection, blockID, proposerIndex, round, voterIndex, value)
	if sigShare == nil {
		sigShare = []byte{}
	}
	return errors.Wrap(s.db.Set(key, sigShare), "write aux vote")
}

// WriteBinValue records that value entered the bin values of round.
func (s *ConsensusStateDB) WriteBinValue(blockID, proposerIndex, round uint64, value bool) error {
	return errors.Wrap(s.db.Set(binValueKey(blockID, proposerIndex, round, value), []byte{}), "write bin value")
}

// WriteRandom records the coin randomness derived for a round.
func (s *ConsensusStateDB) WriteRandom(blockID, proposerIndex, round, random uint64) error {
	return s.writeUint(randomKey(blockID, proposerIndex, round), random, false)
}

// ReadRandom returns the randomness recorded for a round.
func (s *ConsensusStateDB) ReadRandom(blockID, proposerIndex, round uint64) (uint64, bool, error) {
	return s.readUint(randomKey(blockID, proposerIndex, round))
}

// readPrefix calls fn with the key suffix (after prefix) and value of every key under prefix.
func (s *ConsensusStateDB) readPrefix(prefix string, fn func(suffix string, value []byte) error) error {
	it, err := tmdb.IteratePrefix(s.db, []byte(prefix))
	if err != nil {
		return errors.Wrapf(err, "iterate %s", prefix)
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, []byte(prefix)) {
			return errors.Errorf("key %s outside prefix %s", key, prefix)
		}
		value := append([]byte{}, it.Value()...)
		if err := fn(string(key[len(prefix):]), value); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "iterate")
}

// parseFields splits "a:b:c" into exactly n unsigned integers.
func parseFields(suffix string, n int) ([]uint64, error) {
	parts := strings.Split(suffix, ":")
	if len(parts) != n {
		return nil, errors.Errorf("malformed key suffix %q", suffix)
	}
	out := make([]uint64, n)
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed key suffix %q", suffix)
		}
		out[i] = v
	}
	return out, nil
}

// ReadBVBVotes returns the true and false BV votes by round.
func (s *ConsensusStateDB) ReadBVBVotes(blockID, proposerIndex uint64) (map[uint64]map[uint64]struct{},
	map[uint64]map[uint64]struct{}, error) {
	trueVotes := make(map[uint64]map[uint64]struct{})
	falseVotes := make(map[uint64]map[uint64]struct{})
	prefix := instancePrefix(blockID, proposerIndex) + bvbVoteSection + ":"
	err := s.readPrefix(prefix, func(suffix string, _ []byte) error {
		f, err := parseFields(suffix, 3)
		if err != nil {
			return err
		}
		out := falseVotes
		if f[2] > 0 {
			out = trueVotes
		}
		if _, ok := out[f[0]]; !ok {
			out[f[0]] = make(map[uint64]struct{})
		}
		out[f[0]][f[1]] = struct{}{}
		return nil
	})
	return trueVotes, falseVotes, err
}

// ReadAUXVotes returns the true and false AUX votes with their shares by round.
func (s *ConsensusStateDB) ReadAUXVotes(blockID, proposerIndex uint64) (map[uint64]map[uint64][]byte,
	map[uint64]map[uint64][]byte, error) {
	trueVotes := make(map[uint64]map[uint64][]byte)
	falseVotes := make(map[uint64]map[uint64][]byte)
	prefix := instancePrefix(blockID, proposerIndex) + auxVoteSection + ":"
	err := s.readPrefix(prefix, func(suffix string, value []byte) error {
		f, err := parseFields(suffix, 3)
		if err != nil {
			return err
		}
		out := falseVotes
		if f[2] > 0 {
			out = trueVotes
		}
		if _, ok := out[f[0]]; !ok {
			out[f[0]] = make(map[uint64][]byte)
		}
		out[f[0]][f[1]] = value
		return nil
	})
	return trueVotes, falseVotes, err
}

// ReadBinValues returns the bin values by round.
func (s *ConsensusStateDB) ReadBinValues(blockID, proposerIndex uint64) (map[uint64]map[bool]struct{}, error) {
	result := make(map[uint64]map[bool]struct{})
	prefix := instancePrefix(blockID, proposerIndex) + binValueSection + ":"
	err := s.readPrefix(prefix, func(suffix string, _ []byte) error {
		f, err := parseFields(suffix, 2)
		if err != nil {
			return err
		}
		if _, ok := result[f[0]]; !ok {
			result[f[0]] = make(map[bool]struct{})
		}
		result[f[0]][f[1] > 0] = struct{}{}
		return nil
	})
	return result, err
}

// ReadPRs returns every recorded proposal by round.
func (s *ConsensusStateDB) ReadPRs(blockID, proposerIndex uint64) (map[uint64]bool, error) {
	result := make(map[uint64]bool)
	prefix := instancePrefix(blockID, proposerIndex) + proposalSection + ":"
	err := s.readPrefix(prefix, func(suffix string, value []byte) error {
		f, err := parseFields(suffix, 1)
		if err != nil {
			return err
		}
		result[f[0]] = string(value) == "1"
		return nil
	})
	return result, err
}

// ReadInstance assembles the whole persisted state of an instance.
func (s *ConsensusStateDB) ReadInstance(blockID, proposerIndex uint64) (*InstanceState, error) {
	st := newInstanceState()
	var err error
	if st.CurrentRound, err = s.ReadCR(blockID, proposerIndex); err != nil {
		return nil, err
	}
	if st.Decided, st.DecidedRound, err = s.ReadDR(blockID, proposerIndex); err != nil {
		return nil, err
	}
	if st.Decided {
		if st.DecidedValue, err = s.ReadDV(blockID, proposerIndex); err != nil {
			return nil, err
		}
	}
	if st.BVTrueVotes, st.BVFalseVotes, err = s.ReadBVBVotes(blockID, proposerIndex); err != nil {
		return nil, err
	}
	if st.AUXTrueVotes, st.AUXFalseVotes, err = s.ReadAUXVotes(blockID, proposerIndex); err != nil {
		return nil, err
	}
	if st.BinValues, err = s.ReadBinValues(blockID, proposerIndex); err != nil {
		return nil, err
	}
	if st.Proposals, err = s.ReadPRs(blockID, proposerIndex); err != nil {
		return nil, err
	}
	return st, nil
}

// PruneBlock deletes all consensus state and randoms recorded for blockID.
func (s *ConsensusStateDB) PruneBlock(blockID uint64) error {
	var keys [][]byte
	for _, prefix := range [][]byte{blockPrefix(consensusTable, blockID), blockPrefix(randomTable, blockID)} {
		it, err := tmdb.IteratePrefix(s.db, prefix)
		if err != nil {
			return errors.Wrapf(err, "iterate %s", prefix)
		}
		for ; it.Valid(); it.Next() {
			keys = append(keys, append([]byte{}, it.Key()...))
		}
		err = it.Error()
		it.Close()
		if err != nil {
			return errors.Wrap(err, "iterate")
		}
	}
	if len(keys) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return errors.Wrapf(err, "delete %s", key)
		}
	}
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "write batch")
	}
	s.logger.Debug("pruned consensus state", "block", blockID, "keys", len(keys))
	return nil
}
