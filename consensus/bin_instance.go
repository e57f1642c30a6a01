package consensus

import (
	"sync"
	"time"

	"github.com/gitzhang10/BinBFT/store"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// MaxRound bounds the rounds of an instance. Messages at or beyond it are dropped.
const MaxRound = 100

// maxFutureMessages bounds the per instance buffer of messages more than one
// round ahead of the current round.
const maxFutureMessages = 1024

// StateDB is the persistence an instance needs. *store.ConsensusStateDB implements it.
type StateDB interface {
	WriteCR(blockID, proposerIndex, round uint64) error
	WriteDR(blockID, proposerIndex, round uint64) error
	WriteDV(blockID, proposerIndex uint64, value bool) error
	WritePr(blockID, proposerIndex, round uint64, value bool) error
	WriteBVBVote(blockID, proposerIndex, round, voterIndex uint64, value bool) error
	WriteAUXVote(blockID, proposerIndex, round, voterIndex uint64, value bool, sigShare []byte) error
	WriteBinValue(blockID, proposerIndex, round uint64, value bool) error
	WriteRandom(blockID, proposerIndex, round, random uint64) error
	ReadInstance(blockID, proposerIndex uint64) (*store.InstanceState, error)
	PruneBlock(blockID uint64) error
}

// Broadcaster sends a message to every other node of the schain. It must not
// block on the network and must not call back into consensus.
type Broadcaster interface {
	Broadcast(msg Message)
}

// Parent receives the decision of an instance.
type Parent interface {
	RouteAndProcessMessage(env *Envelope) error
}

// InstanceConfig holds what all instances of one node share.
type InstanceConfig struct {
	SelfIndex   uint64
	NodeCount   uint64
	DB          StateDB
	Coin        CommonCoinSource
	Network     Broadcaster
	Logger      hclog.Logger
	Metrics     *Metrics
	HistorySize int // 0 disables the debug history
}

func (c *InstanceConfig) check() error {
	switch {
	case c.NodeCount == 0:
		return errors.New("node count must be positive")
	case c.SelfIndex == 0 || c.SelfIndex > c.NodeCount:
		return errors.Errorf("self index %d out of range [1, %d]", c.SelfIndex, c.NodeCount)
	case c.DB == nil || c.Coin == nil || c.Network == nil:
		return errors.New("state db, coin and network are required")
	}
	if c.Logger == nil {
		c.Logger = hclog.New(&hclog.LoggerOptions{Name: "binbft-consensus", Level: hclog.Info})
	}
	if c.Metrics == nil {
		c.Metrics, _ = NewMetrics(nil)
	}
	return nil
}

type valueSet map[bool]struct{}

func (s valueSet) has(v bool) bool {
	_, ok := s[v]
	return ok
}

// BinInstance runs one binary Byzantine agreement: BV-broadcast, AUX-broadcast
// and a common coin per round, until it decides.
type BinInstance struct {
	lock    sync.Mutex
	key     ProtocolKey
	conf    *InstanceConfig
	parent  Parent
	logger  hclog.Logger
	history *History

	currentRound uint64
	decided      bool
	decidedRound uint64
	decidedValue bool

	proposals       map[uint64]bool
	bvTrueVotes     map[uint64]map[uint64]struct{}
	bvFalseVotes    map[uint64]map[uint64]struct{}
	auxTrueVotes    map[uint64]map[uint64][]byte
	auxFalseVotes   map[uint64]map[uint64][]byte
	binValues       map[uint64]valueSet
	broadcastValues map[uint64]valueSet // values this node BV-broadcast, by round

	future               []*Envelope
	delayedEstimateArmed bool // a decided node saw the next round start before its AUX quorum

	maxProcessingTime time.Duration
	maxLatency        time.Duration
}

// NewBinInstance creates a fresh instance at round 0.
func NewBinInstance(parent Parent, key ProtocolKey, conf *InstanceConfig) (*BinInstance, error) {
	if err := conf.check(); err != nil {
		return nil, err
	}
	if !key.Valid(conf.NodeCount) {
		return nil, errors.Errorf("invalid protocol key %s for %d nodes", key, conf.NodeCount)
	}
	if parent == nil {
		return nil, errors.New("instance needs a parent")
	}
	return &BinInstance{
		key:             key,
		conf:            conf,
		parent:          parent,
		logger:          conf.Logger.With("instance", key.String()),
		history:         NewHistory(conf.HistorySize),
		proposals:       make(map[uint64]bool),
		bvTrueVotes:     make(map[uint64]map[uint64]struct{}),
		bvFalseVotes:    make(map[uint64]map[uint64]struct{}),
		auxTrueVotes:    make(map[uint64]map[uint64][]byte),
		auxFalseVotes:   make(map[uint64]map[uint64][]byte),
		binValues:       make(map[uint64]valueSet),
		broadcastValues: make(map[uint64]valueSet),
	}, nil
}

// NewBinInstanceFromState rebuilds an instance from its persisted state. The
// values it already BV-broadcast are recovered from its own persisted votes.
func NewBinInstanceFromState(parent Parent, key ProtocolKey, conf *InstanceConfig, st *store.InstanceState) (*BinInstance, error) {
	b, err := NewBinInstance(parent, key, conf)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return b, nil
	}
	b.currentRound = st.CurrentRound
	b.decided = st.Decided
	b.decidedRound = st.DecidedRound
	b.decidedValue = st.DecidedValue
	for r, v := range st.Proposals {
		b.proposals[r] = v
	}
	copyVoters(b.bvTrueVotes, st.BVTrueVotes)
	copyVoters(b.bvFalseVotes, st.BVFalseVotes)
	copyShares(b.auxTrueVotes, st.AUXTrueVotes)
	copyShares(b.auxFalseVotes, st.AUXFalseVotes)
	for r, values := range st.BinValues {
		for v := range values {
			b.binValuesAt(r)[v] = struct{}{}
		}
	}
	self := conf.SelfIndex
	for r, voters := range b.bvTrueVotes {
		if _, ok := voters[self]; ok {
			b.broadcastValuesAt(r)[true] = struct{}{}
		}
	}
	for r, voters := range b.bvFalseVotes {
		if _, ok := voters[self]; ok {
			b.broadcastValuesAt(r)[false] = struct{}{}
		}
	}
	return b, nil
}

// resumePending replays the steps of the current round that a restored
// instance may have persisted the input of but never acted on: its own BV
// vote, the third and two-thirds rules, its AUX vote and the common coin.
// Every step is idempotent.
func (b *BinInstance) resumePending() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.decided {
		return nil
	}
	r := b.currentRound
	if v, ok := b.proposals[r]; ok {
		if err := b.networkBroadcastValue(r, v); err != nil {
			return err
		}
	}
	for _, v := range []bool{true, false} {
		if err := b.networkBroadcastValueIfThird(r, v); err != nil {
			return err
		}
		if err := b.addToBinValuesIfTwoThirds(r, v); err != nil {
			return err
		}
		if b.decided || b.currentRound != r {
			return nil
		}
	}
	bin := b.binValues[r]
	if len(bin) == 0 {
		return nil
	}
	self := b.conf.SelfIndex
	_, votedTrue := b.auxTrueVotes[r][self]
	_, votedFalse := b.auxFalseVotes[r][self]
	if !votedTrue && !votedFalse {
		if err := b.auxSelfVoteAndBroadcast(r, bin.has(true)); err != nil {
			return err
		}
	}
	return b.proceedWithCommonCoinIfAUXTwoThird(r)
}

func copyVoters(dst, src map[uint64]map[uint64]struct{}) {
	for r, voters := range src {
		m := make(map[uint64]struct{}, len(voters))
		for voter := range voters {
			m[voter] = struct{}{}
		}
		dst[r] = m
	}
}

func copyShares(dst, src map[uint64]map[uint64][]byte) {
	for r, voters := range src {
		m := make(map[uint64][]byte, len(voters))
		for voter, share := range voters {
			m[voter] = share
		}
		dst[r] = m
	}
}

func (b *BinInstance) Key() ProtocolKey { return b.key }

func (b *BinInstance) CurrentRound() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.currentRound
}

// Decision reports whether the instance decided, and if so on what in which round.
func (b *BinInstance) Decision() (decided bool, value bool, round uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.decided, b.decidedValue, b.decidedRound
}

// BinValues returns the bin values of round r.
func (b *BinInstance) BinValues(r uint64) []bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	var out []bool
	for _, v := range []bool{false, true} {
		if b.binValues[r].has(v) {
			out = append(out, v)
		}
	}
	return out
}

// Proposed reports whether the parent already gave this instance its proposal.
func (b *BinInstance) Proposed() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	_, ok := b.proposals[0]
	return ok
}

// History returns the debug history, oldest first. It does not take the
// instance lock and can be called while the instance is processing.
func (b *BinInstance) History() []Event {
	return b.history.Events()
}

// Stats returns the largest processing time and network latency observed.
func (b *BinInstance) Stats() (maxProcessing, maxLatency time.Duration) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.maxProcessingTime, b.maxLatency
}

// ProcessMessage handles a network vote or the parent's proposal.
func (b *BinInstance) ProcessMessage(env *Envelope) error {
	if env == nil || env.Msg == nil {
		return errors.Wrap(ErrInvariant, "empty envelope")
	}
	if env.Msg.Key() != b.key {
		return errors.Wrapf(ErrWrongInstance, "message for %s delivered to %s", env.Msg.Key(), b.key)
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	switch m := env.Msg.(type) {
	case *ParentProposal:
		if env.Origin != OriginParent {
			return errors.Wrapf(ErrInvariant, "proposal from %s", env.Origin)
		}
		return b.processParentProposal(m)
	case *BVBroadcast, *AUXBroadcast:
		if env.Origin != OriginNetwork {
			return errors.Wrapf(ErrInvariant, "vote from %s", env.Origin)
		}
		return b.processNetworkMessage(env)
	}
	return errors.Wrapf(ErrInvariant, "instance cannot process message with tag %d", env.Msg.Tag())
}

func (b *BinInstance) processParentProposal(m *ParentProposal) error {
	if _, ok := b.proposals[0]; ok {
		return errors.Wrapf(ErrInvariant, "%s proposed twice", b.key)
	}
	b.history.Add(Event{Kind: EventParentProposal, Value: m.Value, Src: b.conf.SelfIndex})
	if err := b.setProposal(0, m.Value); err != nil {
		return err
	}
	if err := b.networkBroadcastValue(0, m.Value); err != nil {
		return err
	}
	return b.addToBinValuesIfTwoThirds(0, m.Value)
}

func messageRound(msg Message) uint64 {
	switch m := msg.(type) {
	case *BVBroadcast:
		return m.Round
	case *AUXBroadcast:
		return m.Round
	}
	return 0
}

func messageTimeMs(msg Message) int64 {
	switch m := msg.(type) {
	case *BVBroadcast:
		return m.TimeMs
	case *AUXBroadcast:
		return m.TimeMs
	}
	return 0
}

func (b *BinInstance) processNetworkMessage(env *Envelope) error {
	if env.Src == 0 || env.Src > b.conf.NodeCount || env.Src == b.conf.SelfIndex {
		b.logger.Warn("drop vote with bad sender", "src", env.Src)
		return nil
	}
	round := messageRound(env.Msg)
	if round >= MaxRound {
		b.logger.Warn("drop vote beyond max round", "round", round, "src", env.Src)
		return nil
	}
	if round > b.currentRound+1 {
		if len(b.future) >= maxFutureMessages {
			b.logger.Warn("future buffer full, drop vote", "round", round, "src", env.Src)
			return nil
		}
		b.future = append(b.future, env)
		return nil
	}
	b.updateStats(env)

	switch m := env.Msg.(type) {
	case *BVBroadcast:
		b.history.Add(Event{Kind: EventNetworkBV, Round: m.Round, Value: m.Value, Src: env.Src})
		return b.handleBV(m.Round, m.Value, env.Src)
	case *AUXBroadcast:
		b.history.Add(Event{Kind: EventNetworkAUX, Round: m.Round, Value: m.Value, Src: env.Src})
		return b.handleAUX(m, env.Src)
	}
	return nil
}

func (b *BinInstance) updateStats(env *Envelope) {
	if env.Arrival.IsZero() {
		return
	}
	now := time.Now()
	if processing := now.Sub(env.Arrival); processing > b.maxProcessingTime {
		b.maxProcessingTime = processing
	}
	if sent := messageTimeMs(env.Msg); sent > 0 {
		latency := env.Arrival.Sub(time.Unix(0, sent*int64(time.Millisecond)))
		if latency > b.maxLatency {
			b.maxLatency = latency
		}
	}
}

// replayFuture reprocesses buffered messages after a round change. Messages
// still too far ahead go back to the buffer.
func (b *BinInstance) replayFuture() error {
	if len(b.future) == 0 {
		return nil
	}
	pending := b.future
	b.future = nil
	for i, env := range pending {
		if err := b.processNetworkMessage(env); err != nil {
			b.future = append(b.future, pending[i+1:]...)
			return err
		}
	}
	return nil
}

func (b *BinInstance) handleBV(r uint64, v bool, src uint64) error {
	added, err := b.bvVote(r, v, src)
	if err != nil || !added {
		return err
	}
	if err := b.networkBroadcastValueIfThird(r, v); err != nil {
		return err
	}
	if err := b.sendDelayedEstimateIfDecided(r); err != nil {
		return err
	}
	return b.addToBinValuesIfTwoThirds(r, v)
}

func (b *BinInstance) handleAUX(m *AUXBroadcast, src uint64) error {
	if _, ok := b.auxVotes(m.Value)[m.Round][src]; ok {
		return nil
	}
	if err := b.conf.Coin.VerifyShare(b.key, m.Round, src, m.SigShare); err != nil {
		b.conf.Metrics.rejectedShares.Inc()
		b.logger.Warn("drop AUX vote with invalid coin share", "round", m.Round, "src", src, "error", err)
		return nil
	}
	if _, err := b.auxVote(m.Round, m.Value, src, m.SigShare); err != nil {
		return err
	}
	if err := b.sendDelayedEstimateIfDecided(m.Round); err != nil {
		return err
	}
	if m.Round != b.currentRound {
		return nil
	}
	if b.decided {
		return b.sendArmedDelayedEstimate()
	}
	return b.proceedWithCommonCoinIfAUXTwoThird(m.Round)
}

func (b *BinInstance) bvVotes(v bool) map[uint64]map[uint64]struct{} {
	if v {
		return b.bvTrueVotes
	}
	return b.bvFalseVotes
}

func (b *BinInstance) auxVotes(v bool) map[uint64]map[uint64][]byte {
	if v {
		return b.auxTrueVotes
	}
	return b.auxFalseVotes
}

func (b *BinInstance) binValuesAt(r uint64) valueSet {
	s, ok := b.binValues[r]
	if !ok {
		s = make(valueSet)
		b.binValues[r] = s
	}
	return s
}

func (b *BinInstance) broadcastValuesAt(r uint64) valueSet {
	s, ok := b.broadcastValues[r]
	if !ok {
		s = make(valueSet)
		b.broadcastValues[r] = s
	}
	return s
}

// bvVote records a BV vote. It reports false if voter already voted v in r.
func (b *BinInstance) bvVote(r uint64, v bool, voter uint64) (bool, error) {
	track := b.bvVotes(v)
	if _, ok := track[r][voter]; ok {
		return false, nil
	}
	if err := b.conf.DB.WriteBVBVote(b.key.BlockID, b.key.ProposerIndex, r, voter, v); err != nil {
		return false, errors.Wrapf(err, "persist BV vote of node %d", voter)
	}
	if track[r] == nil {
		track[r] = make(map[uint64]struct{})
	}
	track[r][voter] = struct{}{}
	return true, nil
}

func (b *BinInstance) auxVote(r uint64, v bool, voter uint64, share []byte) (bool, error) {
	track := b.auxVotes(v)
	if _, ok := track[r][voter]; ok {
		return false, nil
	}
	if err := b.conf.DB.WriteAUXVote(b.key.BlockID, b.key.ProposerIndex, r, voter, v, share); err != nil {
		return false, errors.Wrapf(err, "persist AUX vote of node %d", voter)
	}
	if track[r] == nil {
		track[r] = make(map[uint64][]byte)
	}
	track[r][voter] = share
	return true, nil
}

func (b *BinInstance) totalAUXVotes(r uint64) uint64 {
	return uint64(len(b.auxTrueVotes[r]) + len(b.auxFalseVotes[r]))
}

func (b *BinInstance) setProposal(r uint64, v bool) error {
	if err := b.conf.DB.WritePr(b.key.BlockID, b.key.ProposerIndex, r, v); err != nil {
		return errors.Wrap(err, "persist proposal")
	}
	b.proposals[r] = v
	return nil
}

func (b *BinInstance) setCurrentRound(r uint64) error {
	if err := b.conf.DB.WriteCR(b.key.BlockID, b.key.ProposerIndex, r); err != nil {
		return errors.Wrap(err, "persist current round")
	}
	b.currentRound = r
	return nil
}

func (b *BinInstance) networkBroadcastValueIfThird(r uint64, v bool) error {
	if !isThird(uint64(len(b.bvVotes(v)[r])), b.conf.NodeCount) {
		return nil
	}
	return b.networkBroadcastValue(r, v)
}

// networkBroadcastValue BV-broadcasts v for round r once. The node's own vote
// is recorded before the message leaves because peers never echo it back.
func (b *BinInstance) networkBroadcastValue(r uint64, v bool) error {
	sent := b.broadcastValuesAt(r)
	if sent.has(v) {
		return nil
	}
	sent[v] = struct{}{}
	added, err := b.bvVote(r, v, b.conf.SelfIndex)
	if err != nil {
		return err
	}
	if !added {
		return errors.Wrapf(ErrInvariant, "%s duplicate self BV vote round %d value %t", b.key, r, v)
	}
	b.history.Add(Event{Kind: EventBVSelfVote, Round: r, Value: v, Src: b.conf.SelfIndex})
	b.conf.Network.Broadcast(&BVBroadcast{
		BlockID:       b.key.BlockID,
		ProposerIndex: b.key.ProposerIndex,
		Round:         r,
		Value:         v,
		Sender:        b.conf.SelfIndex,
		TimeMs:        nowMs(),
	})
	return nil
}

func (b *BinInstance) addToBinValuesIfTwoThirds(r uint64, v bool) error {
	bin := b.binValuesAt(r)
	if bin.has(v) || !isTwoThird(uint64(len(b.bvVotes(v)[r])), b.conf.NodeCount) {
		return nil
	}
	if err := b.conf.DB.WriteBinValue(b.key.BlockID, b.key.ProposerIndex, r, v); err != nil {
		return errors.Wrap(err, "persist bin value")
	}
	bin[v] = struct{}{}
	if len(bin) == 1 {
		if err := b.auxSelfVoteAndBroadcast(r, v); err != nil {
			return err
		}
	}
	if r == b.currentRound {
		return b.proceedWithCommonCoinIfAUXTwoThird(r)
	}
	return nil
}

func (b *BinInstance) auxSelfVoteAndBroadcast(r uint64, v bool) error {
	share, err := b.conf.Coin.SignShare(b.key, r)
	if err != nil {
		return errors.Wrapf(err, "sign coin share for round %d", r)
	}
	added, err := b.auxVote(r, v, b.conf.SelfIndex, share)
	if err != nil {
		return err
	}
	if !added {
		return errors.Wrapf(ErrInvariant, "%s duplicate self AUX vote round %d value %t", b.key, r, v)
	}
	b.history.Add(Event{Kind: EventAUXSelfVote, Round: r, Value: v, Src: b.conf.SelfIndex})
	b.conf.Network.Broadcast(&AUXBroadcast{
		BlockID:       b.key.BlockID,
		ProposerIndex: b.key.ProposerIndex,
		Round:         r,
		Value:         v,
		Sender:        b.conf.SelfIndex,
		TimeMs:        nowMs(),
		SigShare:      share,
	})
	return nil
}

// proceedWithCommonCoinIfAUXTwoThird plays the round's lottery once more than
// two thirds of the nodes sent an AUX vote whose value is in the round's bin
// values. A voter counts once even if it voted in both tracks.
func (b *BinInstance) proceedWithCommonCoinIfAUXTwoThird(r uint64) error {
	if b.decided {
		return nil
	}
	if r != b.currentRound {
		return errors.Wrapf(ErrInvariant, "%s coin for round %d at round %d", b.key, r, b.currentRound)
	}
	bin := b.binValues[r]
	hasTrue := bin.has(true) && len(b.auxTrueVotes[r]) > 0
	hasFalse := bin.has(false) && len(b.auxFalseVotes[r]) > 0
	shares := make(map[uint64][]byte)
	if hasTrue {
		for voter, share := range b.auxTrueVotes[r] {
			shares[voter] = share
		}
	}
	if hasFalse {
		for voter, share := range b.auxFalseVotes[r] {
			if _, ok := shares[voter]; !ok {
				shares[voter] = share
			}
		}
	}
	if !isTwoThird(uint64(len(shares)), b.conf.NodeCount) {
		return nil
	}
	random, err := b.computeRandom(r, shares)
	if err != nil {
		return err
	}
	return b.playDecisionLottery(hasTrue, hasFalse, random)
}

func (b *BinInstance) computeRandom(r uint64, shares map[uint64][]byte) (uint64, error) {
	random, err := b.conf.Coin.Random(b.key, r, shares)
	if err != nil {
		return 0, errors.Wrapf(err, "compute common coin for %s round %d", b.key, r)
	}
	if err := b.conf.DB.WriteRandom(b.key.BlockID, b.key.ProposerIndex, r, random); err != nil {
		return 0, errors.Wrap(err, "persist common coin")
	}
	b.conf.Metrics.coins.Inc()
	return random, nil
}

func (b *BinInstance) playDecisionLottery(hasTrue, hasFalse bool, random uint64) error {
	if b.decided {
		return errors.Wrapf(ErrInvariant, "%s lottery after decision", b.key)
	}
	coin := coinValue(random)
	b.history.Add(Event{Kind: EventCommonCoin, Round: b.currentRound, Value: coin, Src: b.conf.SelfIndex})
	b.logger.Debug("common coin", "round", b.currentRound, "coin", coin, "true", hasTrue, "false", hasFalse)

	if hasTrue && hasFalse {
		return b.proceedWithNextRound(coin)
	}
	v := hasTrue
	if v == coin {
		return b.decide(v)
	}
	return b.proceedWithNextRound(v)
}

func (b *BinInstance) proceedWithNextRound(v bool) error {
	if b.currentRound+1 >= MaxRound {
		return errors.Wrapf(ErrInvariant, "%s reached max round", b.key)
	}
	if !isTwoThird(b.totalAUXVotes(b.currentRound), b.conf.NodeCount) {
		return errors.Wrapf(ErrInvariant, "%s advancing without AUX quorum in round %d", b.key, b.currentRound)
	}
	next := b.currentRound + 1
	// the proposal goes first: a restored round always has its proposal
	if err := b.setProposal(next, v); err != nil {
		return err
	}
	if err := b.setCurrentRound(next); err != nil {
		return err
	}
	b.delayedEstimateArmed = false
	b.history.Add(Event{Kind: EventNewRound, Round: next, Value: v, Src: b.conf.SelfIndex})

	if err := b.networkBroadcastValue(next, v); err != nil {
		return err
	}
	if err := b.addToBinValuesIfTwoThirds(next, v); err != nil {
		return err
	}
	// votes received while behind may already complete the new round
	if b.currentRound == next && !b.decided && len(b.binValues[next]) > 0 {
		if err := b.proceedWithCommonCoinIfAUXTwoThird(next); err != nil {
			return err
		}
	}
	return b.replayFuture()
}

// sendDelayedEstimateIfDecided keeps a decided instance voting: when the next
// round starts it proposes its decided value there, so nodes still running can
// reach their quorums.
func (b *BinInstance) sendDelayedEstimateIfDecided(r uint64) error {
	if !b.decided || r != b.currentRound+1 {
		return nil
	}
	b.delayedEstimateArmed = true
	return b.sendArmedDelayedEstimate()
}

func (b *BinInstance) sendArmedDelayedEstimate() error {
	if !b.delayedEstimateArmed || !isTwoThird(b.totalAUXVotes(b.currentRound), b.conf.NodeCount) {
		return nil
	}
	b.delayedEstimateArmed = false
	return b.proceedWithNextRound(b.decidedValue)
}

func (b *BinInstance) decide(v bool) error {
	if b.decided {
		return errors.Wrapf(ErrInvariant, "%s decided twice", b.key)
	}
	if err := b.conf.DB.WriteDR(b.key.BlockID, b.key.ProposerIndex, b.currentRound); err != nil {
		return errors.Wrap(err, "persist decided round")
	}
	if err := b.conf.DB.WriteDV(b.key.BlockID, b.key.ProposerIndex, v); err != nil {
		return errors.Wrap(err, "persist decided value")
	}
	b.decided = true
	b.decidedRound = b.currentRound
	b.decidedValue = v
	b.history.Add(Event{Kind: EventDecide, Round: b.currentRound, Value: v, Src: b.conf.SelfIndex})
	b.conf.Metrics.observeDecision(v, b.currentRound)
	b.logger.Debug("decided", "value", v, "round", b.currentRound)

	return b.parent.RouteAndProcessMessage(&Envelope{
		Origin:  OriginChild,
		Src:     b.conf.SelfIndex,
		Arrival: time.Now(),
		Msg:     b.decisionMessage(),
	})
}

func (b *BinInstance) decisionMessage() *ChildDecided {
	return &ChildDecided{
		ProtocolKey:         b.key,
		Value:               b.decidedValue,
		Round:               b.decidedRound,
		MaxProcessingTimeMs: uint64(b.maxProcessingTime / time.Millisecond),
		MaxLatencyTimeMs:    uint64(b.maxLatency / time.Millisecond),
	}
}

// RebroadcastOwnVotes resends every vote this node cast, e.g. after a restart.
func (b *BinInstance) RebroadcastOwnVotes() {
	b.lock.Lock()
	defer b.lock.Unlock()
	self := b.conf.SelfIndex
	for r := uint64(0); r <= b.currentRound+1; r++ {
		for _, v := range []bool{true, false} {
			if _, ok := b.bvVotes(v)[r][self]; ok {
				b.conf.Network.Broadcast(&BVBroadcast{
					BlockID: b.key.BlockID, ProposerIndex: b.key.ProposerIndex,
					Round: r, Value: v, Sender: self, TimeMs: nowMs(),
				})
			}
			if share, ok := b.auxVotes(v)[r][self]; ok {
				b.conf.Network.Broadcast(&AUXBroadcast{
					BlockID: b.key.BlockID, ProposerIndex: b.key.ProposerIndex,
					Round: r, Value: v, Sender: self, TimeMs: nowMs(), SigShare: share,
				})
			}
		}
	}
}

// decidedMessage returns the decision notice of a decided instance, used to
// re-report decisions restored from the state db.
func (b *BinInstance) decidedMessage() (*ChildDecided, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if !b.decided {
		return nil, false
	}
	return b.decisionMessage(), true
}
