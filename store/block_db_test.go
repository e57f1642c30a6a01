package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksSurvivePruning(t *testing.T) {
	db := newTestDB()

	last, err := db.LastBlockID()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	require.NoError(t, db.WriteBlock(1, []byte("one")))
	require.NoError(t, db.WriteBlock(2, []byte("two")))
	require.NoError(t, db.PruneBlock(1))

	data, ok, err := db.ReadBlock(1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("one"), data)

	_, ok, err = db.ReadBlock(3)
	require.NoError(t, err)
	assert.False(t, ok)

	last, err = db.LastBlockID()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}
