package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/BinBFT/store"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tm-db/memdb"
)

type recordingNetwork struct {
	lock sync.Mutex
	sent []Message
}

func (n *recordingNetwork) Broadcast(msg Message) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.sent = append(n.sent, msg)
}

func (n *recordingNetwork) take() []Message {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := n.sent
	n.sent = nil
	return out
}

type recordingParent struct {
	decided []*ChildDecided
}

func (p *recordingParent) RouteAndProcessMessage(env *Envelope) error {
	p.decided = append(p.decided, env.Msg.(*ChildDecided))
	return nil
}

// fixedCoin checks shares like DeterministicTestCoin but always lands on random.
type fixedCoin struct {
	*DeterministicTestCoin
	random uint64
}

func (c *fixedCoin) Random(ProtocolKey, uint64, map[uint64][]byte) (uint64, error) {
	return c.random, nil
}

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{Name: "binbft-consensus", Level: hclog.Error})
}

func newTestInstanceConfig(self, n uint64, coin CommonCoinSource, net Broadcaster) *InstanceConfig {
	return &InstanceConfig{
		SelfIndex:   self,
		NodeCount:   n,
		DB:          store.NewConsensusStateDBWithDB(memdb.NewDB(), testLogger()),
		Coin:        coin,
		Network:     net,
		Logger:      testLogger(),
		HistorySize: 64,
	}
}

type instanceFixture struct {
	inst   *BinInstance
	conf   *InstanceConfig
	net    *recordingNetwork
	parent *recordingParent
}

func newInstanceFixture(t *testing.T, self, n uint64, key ProtocolKey, random uint64) *instanceFixture {
	net := &recordingNetwork{}
	parent := &recordingParent{}
	conf := newTestInstanceConfig(self, n, &fixedCoin{NewDeterministicTestCoin(self, 0), random}, net)
	inst, err := NewBinInstance(parent, key, conf)
	require.NoError(t, err)
	return &instanceFixture{inst: inst, conf: conf, net: net, parent: parent}
}

func (f *instanceFixture) propose(t *testing.T, v bool) {
	require.NoError(t, f.inst.ProcessMessage(&Envelope{
		Origin: OriginParent, Src: f.conf.SelfIndex, Arrival: time.Now(),
		Msg: &ParentProposal{ProtocolKey: f.inst.Key(), Value: v},
	}))
}

func (f *instanceFixture) deliver(t *testing.T, env *Envelope) {
	require.NoError(t, f.inst.ProcessMessage(env))
}

func bvEnvelope(key ProtocolKey, round uint64, v bool, sender uint64) *Envelope {
	return &Envelope{
		Origin:  OriginNetwork,
		Src:     sender,
		Arrival: time.Now(),
		Msg: &BVBroadcast{
			BlockID: key.BlockID, ProposerIndex: key.ProposerIndex,
			Round: round, Value: v, Sender: sender, TimeMs: nowMs(),
		},
	}
}

func auxEnvelope(key ProtocolKey, round uint64, v bool, sender uint64) *Envelope {
	share, _ := NewDeterministicTestCoin(sender, 0).SignShare(key, round)
	return &Envelope{
		Origin:  OriginNetwork,
		Src:     sender,
		Arrival: time.Now(),
		Msg: &AUXBroadcast{
			BlockID: key.BlockID, ProposerIndex: key.ProposerIndex,
			Round: round, Value: v, Sender: sender, TimeMs: nowMs(), SigShare: share,
		},
	}
}

type sentSummary struct {
	tag   uint8
	round uint64
	value bool
}

func summarize(msgs []Message) []sentSummary {
	var out []sentSummary
	for _, msg := range msgs {
		switch m := msg.(type) {
		case *BVBroadcast:
			out = append(out, sentSummary{BVBroadcastTag, m.Round, m.Value})
		case *AUXBroadcast:
			out = append(out, sentSummary{AUXBroadcastTag, m.Round, m.Value})
		}
	}
	return out
}
