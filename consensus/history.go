package consensus

import (
	"fmt"
	"sync"
	"time"
)

// DefaultHistorySize is the number of events an instance keeps for debugging.
const DefaultHistorySize = 2048

type EventKind uint8

const (
	EventNetworkBV EventKind = iota
	EventNetworkAUX
	EventParentProposal
	EventBVSelfVote
	EventAUXSelfVote
	EventCommonCoin
	EventNewRound
	EventDecide
)

var eventNames = map[EventKind]string{
	EventNetworkBV:      "bv",
	EventNetworkAUX:     "aux",
	EventParentProposal: "proposal",
	EventBVSelfVote:     "bv-self",
	EventAUXSelfVote:    "aux-self",
	EventCommonCoin:     "coin",
	EventNewRound:       "new-round",
	EventDecide:         "decide",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is one entry of an instance's message history.
type Event struct {
	Time  time.Time
	Kind  EventKind
	Round uint64
	Value bool
	Src   uint64
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s r=%d v=%t src=%d",
		e.Time.Format("15:04:05.000"), e.Kind, e.Round, e.Value, e.Src)
}

// History is a bounded ring buffer of events. A nil *History discards everything.
type History struct {
	lock   sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewHistory returns nil when size is not positive.
func NewHistory(size int) *History {
	if size <= 0 {
		return nil
	}
	return &History{events: make([]Event, size)}
}

func (h *History) Add(e Event) {
	if h == nil {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.events[h.next] = e
	h.next++
	if h.next == len(h.events) {
		h.next = 0
		h.full = true
	}
}

// Events returns the kept events, oldest first.
func (h *History) Events() []Event {
	if h == nil {
		return nil
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.full {
		return append([]Event(nil), h.events[:h.next]...)
	}
	out := make([]Event, 0, len(h.events))
	out = append(out, h.events[h.next:]...)
	return append(out, h.events[:h.next]...)
}
