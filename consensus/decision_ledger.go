package consensus

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// DefaultDecisionHistory is how many recent blocks the ledger remembers per proposer.
const DefaultDecisionHistory = 10

// DecisionRecord is what the ledger keeps about one decided instance.
type DecisionRecord struct {
	Key     ProtocolKey
	Value   bool
	Round   uint64
	History []Event
}

// DecisionLedger remembers recent decisions, split by proposer and value, and
// catches an instance being decided both ways.
type DecisionLedger struct {
	lock           sync.Mutex
	nodeCount      uint64
	trueDecisions  []*lru.Cache // index proposer-1, map from block id to DecisionRecord
	falseDecisions []*lru.Cache
}

func NewDecisionLedger(nodeCount uint64, size int) (*DecisionLedger, error) {
	if size <= 0 {
		size = DefaultDecisionHistory
	}
	l := &DecisionLedger{
		nodeCount:      nodeCount,
		trueDecisions:  make([]*lru.Cache, nodeCount),
		falseDecisions: make([]*lru.Cache, nodeCount),
	}
	for i := uint64(0); i < nodeCount; i++ {
		var err error
		if l.trueDecisions[i], err = lru.New(size); err != nil {
			return nil, errors.Wrap(err, "create decision cache")
		}
		if l.falseDecisions[i], err = lru.New(size); err != nil {
			return nil, errors.Wrap(err, "create decision cache")
		}
	}
	return l, nil
}

func (l *DecisionLedger) caches(proposer uint64, value bool) (same, opposite *lru.Cache) {
	if value {
		return l.trueDecisions[proposer-1], l.falseDecisions[proposer-1]
	}
	return l.falseDecisions[proposer-1], l.trueDecisions[proposer-1]
}

// Record stores rec. It fails with ErrSafetyViolation if the opposite value
// is already recorded for the same instance.
func (l *DecisionLedger) Record(rec DecisionRecord) error {
	if !rec.Key.Valid(l.nodeCount) {
		return errors.Wrapf(ErrInvariant, "decision for invalid key %s", rec.Key)
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	same, opposite := l.caches(rec.Key.ProposerIndex, rec.Value)
	if prior, ok := opposite.Get(rec.Key.BlockID); ok {
		p := prior.(DecisionRecord)
		return errors.Wrapf(ErrSafetyViolation, "%s decided %t at round %d and %t at round %d",
			rec.Key, p.Value, p.Round, rec.Value, rec.Round)
	}
	same.Add(rec.Key.BlockID, rec)
	return nil
}

// Lookup returns the remembered decision for key.
func (l *DecisionLedger) Lookup(key ProtocolKey) (DecisionRecord, bool) {
	if !key.Valid(l.nodeCount) {
		return DecisionRecord{}, false
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, value := range []bool{true, false} {
		same, _ := l.caches(key.ProposerIndex, value)
		if rec, ok := same.Get(key.BlockID); ok {
			return rec.(DecisionRecord), true
		}
	}
	return DecisionRecord{}, false
}
