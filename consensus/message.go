package consensus

import "time"

// Wire tags of the network messages. Internal messages never leave the process.
const (
	BVBroadcastTag uint8 = iota
	AUXBroadcastTag
	ChildDecidedTag
	ParentProposalTag
)

// Origin tells where an envelope comes from.
type Origin uint8

const (
	OriginNetwork Origin = iota
	OriginParent
	OriginChild
)

func (o Origin) String() string {
	switch o {
	case OriginNetwork:
		return "network"
	case OriginParent:
		return "parent"
	case OriginChild:
		return "child"
	}
	return "unknown"
}

// Message is implemented by *BVBroadcast, *AUXBroadcast, *ChildDecided and *ParentProposal.
type Message interface {
	Key() ProtocolKey
	Tag() uint8
}

// BVBroadcast is a first phase vote for Value in Round.
type BVBroadcast struct {
	BlockID       uint64
	ProposerIndex uint64
	Round         uint64
	Value         bool
	Sender        uint64 // schain index of the voter
	TimeMs        int64  // sender clock when the message was created
}

func (m *BVBroadcast) Key() ProtocolKey {
	return ProtocolKey{BlockID: m.BlockID, ProposerIndex: m.ProposerIndex}
}

func (m *BVBroadcast) Tag() uint8 { return BVBroadcastTag }

// AUXBroadcast is a second phase vote carrying the voter's share of the
// threshold signature over the round's coin message.
type AUXBroadcast struct {
	BlockID       uint64
	ProposerIndex uint64
	Round         uint64
	Value         bool
	Sender        uint64
	TimeMs        int64
	SigShare      []byte
}

func (m *AUXBroadcast) Key() ProtocolKey {
	return ProtocolKey{BlockID: m.BlockID, ProposerIndex: m.ProposerIndex}
}

func (m *AUXBroadcast) Tag() uint8 { return AUXBroadcastTag }

// ChildDecided is sent by an instance to its agent once it decides.
type ChildDecided struct {
	ProtocolKey         ProtocolKey
	Value               bool
	Round               uint64
	MaxProcessingTimeMs uint64
	MaxLatencyTimeMs    uint64
}

func (m *ChildDecided) Key() ProtocolKey { return m.ProtocolKey }

func (m *ChildDecided) Tag() uint8 { return ChildDecidedTag }

// ParentProposal hands an instance its round 0 value.
type ParentProposal struct {
	ProtocolKey ProtocolKey
	Value       bool
}

func (m *ParentProposal) Key() ProtocolKey { return m.ProtocolKey }

func (m *ParentProposal) Tag() uint8 { return ParentProposalTag }

// Envelope wraps a message with its origin, its sender and its arrival time.
type Envelope struct {
	Origin  Origin
	Src     uint64 // schain index of the sender
	Arrival time.Time
	Msg     Message
}

func nowMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
