package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryWrapsAround(t *testing.T) {
	h := NewHistory(3)
	for r := uint64(0); r < 5; r++ {
		h.Add(Event{Kind: EventNewRound, Round: r})
	}
	events := h.Events()
	assert.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+2), e.Round)
	}
	assert.Contains(t, events[0].String(), "new-round r=2")
}

func TestDisabledHistory(t *testing.T) {
	h := NewHistory(0)
	h.Add(Event{Kind: EventDecide})
	assert.Nil(t, h.Events())
}
