package consensus

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerDetectsConflict(t *testing.T) {
	l, err := NewDecisionLedger(4, 10)
	require.NoError(t, err)
	key := ProtocolKey{BlockID: 5, ProposerIndex: 3}

	require.NoError(t, l.Record(DecisionRecord{Key: key, Value: true, Round: 1}))
	require.NoError(t, l.Record(DecisionRecord{Key: key, Value: true, Round: 1}))
	err = l.Record(DecisionRecord{Key: key, Value: false, Round: 2})
	assert.Equal(t, ErrSafetyViolation, errors.Cause(err))
	assert.True(t, IsFatal(err))

	// same block, other proposer
	require.NoError(t, l.Record(DecisionRecord{Key: ProtocolKey{BlockID: 5, ProposerIndex: 2}, Value: false}))

	rec, ok := l.Lookup(key)
	require.True(t, ok)
	assert.True(t, rec.Value)
	assert.Equal(t, uint64(1), rec.Round)

	assert.Error(t, l.Record(DecisionRecord{Key: ProtocolKey{BlockID: 5, ProposerIndex: 9}}))
}

func TestLedgerForgetsOldBlocks(t *testing.T) {
	l, err := NewDecisionLedger(1, 2)
	require.NoError(t, err)
	for b := uint64(1); b <= 3; b++ {
		require.NoError(t, l.Record(DecisionRecord{Key: ProtocolKey{BlockID: b, ProposerIndex: 1}, Value: true}))
	}
	_, ok := l.Lookup(ProtocolKey{BlockID: 1, ProposerIndex: 1})
	assert.False(t, ok)
	_, ok = l.Lookup(ProtocolKey{BlockID: 3, ProposerIndex: 1})
	assert.True(t, ok)
}
