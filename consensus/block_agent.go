package consensus

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// DefaultMaxActiveConsensuses is the width of the block window the agent keeps
// instances for, on both sides of the last committed block.
const DefaultMaxActiveConsensuses = 5

// BlockDecision is the outcome of binary consensus for one block.
type BlockDecision struct {
	BlockID uint64
	// ProposerIndex is the selected proposer, 0 for an empty block.
	ProposerIndex uint64
	// Vector holds the decided value per proposer, index proposer-1. Entries
	// of instances that had not decided yet are false.
	Vector []bool
}

// SeedSource gives the seed used to pick a proposer among the accepted ones.
type SeedSource interface {
	BlockSeed(blockID uint64) (uint64, error)
}

// SeedFunc adapts a function to SeedSource.
type SeedFunc func(blockID uint64) (uint64, error)

func (f SeedFunc) BlockSeed(blockID uint64) (uint64, error) { return f(blockID) }

// BlockFinalizer receives every block decision exactly once. It is called
// with consensus locks held and must not block or call back into the agent.
type BlockFinalizer interface {
	FinalizeBlock(decision *BlockDecision) error
}

// AgentConfig configures a BlockAgent.
type AgentConfig struct {
	InstanceConfig
	Ledger               *DecisionLedger
	Seeds                SeedSource
	Finalizer            BlockFinalizer
	Recover              bool // restore instances from the state db when first touched
	MaxActiveConsensuses uint64
}

// InstanceStatus is a snapshot of one instance.
type InstanceStatus struct {
	Key          ProtocolKey
	Round        uint64
	Decided      bool
	DecidedValue bool
}

// BlockAgent owns the binary consensus instances of a node, routes messages
// to them and turns per proposer decisions into block decisions.
type BlockAgent struct {
	conf      *InstanceConfig
	ledger    *DecisionLedger
	seeds     SeedSource
	finalizer BlockFinalizer
	recover   bool
	window    uint64
	logger    hclog.Logger

	childrenLock  sync.Mutex
	children      map[ProtocolKey]*BinInstance
	lastCommitted uint64

	decisionsLock  sync.Mutex
	proposedBlocks map[uint64]struct{}
	trueDecisions  map[uint64]map[uint64]struct{} // map from block id to proposers decided true
	falseDecisions map[uint64]map[uint64]struct{}
	decidedBlocks  map[uint64]uint64 // map from block id to selected proposer
}

func NewBlockAgent(conf *AgentConfig) (*BlockAgent, error) {
	if err := conf.InstanceConfig.check(); err != nil {
		return nil, err
	}
	if conf.Seeds == nil || conf.Finalizer == nil {
		return nil, errors.New("block agent needs a seed source and a finalizer")
	}
	ledger := conf.Ledger
	if ledger == nil {
		var err error
		if ledger, err = NewDecisionLedger(conf.NodeCount, DefaultDecisionHistory); err != nil {
			return nil, err
		}
	}
	window := conf.MaxActiveConsensuses
	if window == 0 {
		window = DefaultMaxActiveConsensuses
	}
	return &BlockAgent{
		conf:           &conf.InstanceConfig,
		ledger:         ledger,
		seeds:          conf.Seeds,
		finalizer:      conf.Finalizer,
		recover:        conf.Recover,
		window:         window,
		logger:         conf.Logger,
		children:       make(map[ProtocolKey]*BinInstance),
		proposedBlocks: make(map[uint64]struct{}),
		trueDecisions:  make(map[uint64]map[uint64]struct{}),
		falseDecisions: make(map[uint64]map[uint64]struct{}),
		decidedBlocks:  make(map[uint64]uint64),
	}, nil
}

// StartConsensusProposal starts one instance per proposer of blockID with the
// given vector of proposals, index proposer-1. More than two thirds of the
// proposals must be true.
func (a *BlockAgent) StartConsensusProposal(blockID uint64, proposals []bool) error {
	if blockID == 0 {
		return errors.Wrap(ErrInvalidProposal, "block id must be positive")
	}
	if uint64(len(proposals)) != a.conf.NodeCount {
		return errors.Wrapf(ErrInvalidProposal, "%d proposals for %d nodes", len(proposals), a.conf.NodeCount)
	}
	var truthCount uint64
	for _, p := range proposals {
		if p {
			truthCount++
		}
	}
	if !isTwoThird(truthCount, a.conf.NodeCount) {
		return errors.Wrapf(ErrInvalidProposal, "only %d of %d proposals are true", truthCount, a.conf.NodeCount)
	}

	a.decisionsLock.Lock()
	if _, ok := a.proposedBlocks[blockID]; ok {
		a.decisionsLock.Unlock()
		return errors.Wrapf(ErrAlreadyProposed, "block %d", blockID)
	}
	a.proposedBlocks[blockID] = struct{}{}
	a.decisionsLock.Unlock()

	if blockID <= a.LastCommitted() {
		a.logger.Debug("proposal for already committed block", "block", blockID)
	}
	for i, p := range proposals {
		if err := a.propose(p, uint64(i)+1, blockID); err != nil {
			return err
		}
	}
	return nil
}

func (a *BlockAgent) propose(value bool, proposerIndex, blockID uint64) error {
	key := ProtocolKey{BlockID: blockID, ProposerIndex: proposerIndex}
	child, err := a.GetChild(key)
	if err != nil {
		return err
	}
	return errors.Wrapf(child.ProcessMessage(&Envelope{
		Origin:  OriginParent,
		Src:     a.conf.SelfIndex,
		Arrival: time.Now(),
		Msg:     &ParentProposal{ProtocolKey: key, Value: value},
	}), "propose %t for %s", value, key)
}

// GetChild returns the instance for key, creating it on first use. When the
// agent recovers, new instances are restored from the state db and finish the
// steps they had persisted the input of.
func (a *BlockAgent) GetChild(key ProtocolKey) (*BinInstance, error) {
	child, restored, err := a.getOrCreateChild(key)
	if err != nil || !restored {
		return child, err
	}
	// outside childrenLock: a decision reports back to the agent
	if err := child.resumePending(); err != nil {
		return nil, errors.Wrapf(err, "resume instance %s", key)
	}
	return child, nil
}

func (a *BlockAgent) getOrCreateChild(key ProtocolKey) (*BinInstance, bool, error) {
	if !key.Valid(a.conf.NodeCount) {
		return nil, false, errors.Errorf("invalid protocol key %s", key)
	}
	a.childrenLock.Lock()
	defer a.childrenLock.Unlock()
	if child, ok := a.children[key]; ok {
		return child, false, nil
	}
	var child *BinInstance
	var err error
	if a.recover {
		st, rerr := a.conf.DB.ReadInstance(key.BlockID, key.ProposerIndex)
		if rerr != nil {
			return nil, false, errors.Wrapf(rerr, "restore instance %s", key)
		}
		child, err = NewBinInstanceFromState(a, key, a.conf, st)
	} else {
		child, err = NewBinInstance(a, key, a.conf)
	}
	if err != nil {
		return nil, false, err
	}
	a.children[key] = child
	a.conf.Metrics.activeInstances.Set(float64(len(a.children)))
	return child, a.recover, nil
}

func (a *BlockAgent) existingChild(key ProtocolKey) *BinInstance {
	a.childrenLock.Lock()
	defer a.childrenLock.Unlock()
	return a.children[key]
}

func (a *BlockAgent) LastCommitted() uint64 {
	a.childrenLock.Lock()
	defer a.childrenLock.Unlock()
	return a.lastCommitted
}

func (a *BlockAgent) inWindow(blockID uint64) bool {
	last := a.LastCommitted()
	if blockID+a.window <= last {
		return false
	}
	return blockID <= last+a.window
}

// RouteAndProcessMessage routes network votes to their instance and handles
// the decisions reported by instances.
func (a *BlockAgent) RouteAndProcessMessage(env *Envelope) error {
	if env == nil || env.Msg == nil {
		return errors.Wrap(ErrInvariant, "empty envelope")
	}
	switch env.Origin {
	case OriginChild:
		m, ok := env.Msg.(*ChildDecided)
		if !ok {
			return errors.Wrapf(ErrInvariant, "child sent message with tag %d", env.Msg.Tag())
		}
		return a.reportConsensusAndDecideIfNeeded(m)
	case OriginNetwork:
		switch env.Msg.(type) {
		case *BVBroadcast, *AUXBroadcast:
		default:
			a.logger.Warn("drop network message with unexpected tag", "tag", env.Msg.Tag(), "src", env.Src)
			return nil
		}
		key := env.Msg.Key()
		if !key.Valid(a.conf.NodeCount) {
			a.logger.Warn("drop vote with invalid key", "key", key.String(), "src", env.Src)
			return nil
		}
		if !a.inWindow(key.BlockID) {
			a.logger.Debug("drop vote outside of the active window", "key", key.String(), "src", env.Src)
			return nil
		}
		child, err := a.GetChild(key)
		if err != nil {
			return err
		}
		return errors.Wrapf(child.ProcessMessage(env), "process vote for %s", key)
	}
	return errors.Wrapf(ErrInvariant, "agent cannot route message from %s", env.Origin)
}

func (a *BlockAgent) reportConsensusAndDecideIfNeeded(m *ChildDecided) error {
	key := m.ProtocolKey
	rec := DecisionRecord{Key: key, Value: m.Value, Round: m.Round}
	if child := a.existingChild(key); child != nil {
		rec.History = child.History()
	}
	if err := a.ledger.Record(rec); err != nil {
		if errors.Cause(err) == ErrSafetyViolation {
			a.conf.Metrics.safetyViolations.Inc()
			a.logger.Error("safety violation", "key", key.String(), "error", err)
			for _, e := range rec.History {
				a.logger.Error("history", "key", key.String(), "event", e.String())
			}
		}
		return err
	}
	a.logger.Debug("instance decided", "key", key.String(), "value", m.Value, "round", m.Round,
		"max_processing_ms", m.MaxProcessingTimeMs, "max_latency_ms", m.MaxLatencyTimeMs)

	a.decisionsLock.Lock()
	defer a.decisionsLock.Unlock()
	blockID := key.BlockID
	decisions := a.trueDecisions
	if !m.Value {
		decisions = a.falseDecisions
	}
	if decisions[blockID] == nil {
		decisions[blockID] = make(map[uint64]struct{})
	}
	decisions[blockID][key.ProposerIndex] = struct{}{}
	return a.tryDecideBlock(blockID)
}

// tryDecideBlock selects the proposer of blockID if enough instances decided.
// It must be called with decisionsLock held.
func (a *BlockAgent) tryDecideBlock(blockID uint64) error {
	if _, ok := a.decidedBlocks[blockID]; ok {
		return nil
	}
	n := a.conf.NodeCount
	if len(a.trueDecisions[blockID]) == 0 {
		if uint64(len(a.falseDecisions[blockID])) == n {
			return a.decideBlock(blockID, 0)
		}
		return nil
	}

	seed, err := a.seeds.BlockSeed(blockID)
	if err != nil {
		// the previous block is not finalized yet, CommitBlock retries
		a.logger.Debug("no seed to select proposer", "block", blockID, "error", err)
		return nil
	}
	start := seed % n
	for i := start; i < start+n; i++ {
		index := i%n + 1
		if _, ok := a.trueDecisions[blockID][index]; ok {
			return a.decideBlock(blockID, index)
		}
		if _, ok := a.falseDecisions[blockID][index]; !ok {
			// undecided proposers before the first true one, wait
			return nil
		}
	}
	return errors.Wrapf(ErrInvariant, "block %d has true decisions but no proposer was selected", blockID)
}

// decideBlock must be called with decisionsLock held.
func (a *BlockAgent) decideBlock(blockID, proposerIndex uint64) error {
	a.decidedBlocks[blockID] = proposerIndex
	vector := make([]bool, a.conf.NodeCount)
	for index := range a.trueDecisions[blockID] {
		vector[index-1] = true
	}
	if proposerIndex == 0 {
		a.conf.Metrics.emptyBlocks.Inc()
	}
	a.conf.Metrics.finalizedBlocks.Inc()
	a.logger.Info("block decided", "block", blockID, "proposer", proposerIndex)
	return errors.Wrapf(a.finalizer.FinalizeBlock(&BlockDecision{
		BlockID:       blockID,
		ProposerIndex: proposerIndex,
		Vector:        vector,
	}), "finalize block %d", blockID)
}

// DecidedBlock returns the proposer selected for blockID.
func (a *BlockAgent) DecidedBlock(blockID uint64) (uint64, bool) {
	a.decisionsLock.Lock()
	defer a.decisionsLock.Unlock()
	proposer, ok := a.decidedBlocks[blockID]
	return proposer, ok
}

// CommitBlock tells the agent blockID is committed. Instances and state of
// blocks that fall out of the active window are dropped.
func (a *BlockAgent) CommitBlock(blockID uint64) error {
	a.childrenLock.Lock()
	if blockID > a.lastCommitted {
		a.lastCommitted = blockID
	}
	last := a.lastCommitted
	pruned := make(map[uint64]struct{})
	for key := range a.children {
		if key.BlockID+a.window <= last {
			delete(a.children, key)
			pruned[key.BlockID] = struct{}{}
		}
	}
	a.conf.Metrics.activeInstances.Set(float64(len(a.children)))
	a.childrenLock.Unlock()

	a.decisionsLock.Lock()
	for id := range a.decidedBlocks {
		if id+a.window <= last {
			pruned[id] = struct{}{}
		}
	}
	for id := range pruned {
		delete(a.proposedBlocks, id)
		delete(a.trueDecisions, id)
		delete(a.falseDecisions, id)
		delete(a.decidedBlocks, id)
	}
	err := a.tryDecideBlock(last + 1)
	a.decisionsLock.Unlock()
	if err != nil {
		return err
	}

	for id := range pruned {
		if err := a.conf.DB.PruneBlock(id); err != nil {
			return errors.Wrapf(err, "prune block %d", id)
		}
	}
	return nil
}

// Resume restores the instances of blockID after a restart, rebroadcasts the
// votes this node cast and re-reports decisions that were already reached.
// If the proposal for blockID had been started, starting it again fails with
// ErrAlreadyProposed.
func (a *BlockAgent) Resume(blockID uint64) error {
	for p := uint64(1); p <= a.conf.NodeCount; p++ {
		child, err := a.GetChild(ProtocolKey{BlockID: blockID, ProposerIndex: p})
		if err != nil {
			return err
		}
		if child.Proposed() {
			a.decisionsLock.Lock()
			a.proposedBlocks[blockID] = struct{}{}
			a.decisionsLock.Unlock()
		}
		child.RebroadcastOwnVotes()
		if m, ok := child.decidedMessage(); ok {
			if err := a.reportConsensusAndDecideIfNeeded(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// RebroadcastUndecided resends the votes this node cast in every undecided
// instance it holds and returns how many instances it covered. Peers ignore
// the duplicates; it recovers votes lost on the way.
func (a *BlockAgent) RebroadcastUndecided() int {
	a.childrenLock.Lock()
	keys := make([]ProtocolKey, 0, len(a.children))
	for key := range a.children {
		keys = append(keys, key)
	}
	SortKeys(keys)
	children := make([]*BinInstance, 0, len(keys))
	for _, key := range keys {
		children = append(children, a.children[key])
	}
	a.childrenLock.Unlock()

	count := 0
	for _, child := range children {
		if decided, _, _ := child.Decision(); decided {
			continue
		}
		child.RebroadcastOwnVotes()
		count++
	}
	return count
}

// Round returns the current round of an instance held by the agent.
func (a *BlockAgent) Round(key ProtocolKey) (uint64, bool) {
	child := a.existingChild(key)
	if child == nil {
		return 0, false
	}
	return child.CurrentRound(), true
}

// Decided reports the decision of an instance held by the agent.
func (a *BlockAgent) Decided(key ProtocolKey) (decided bool, value bool) {
	child := a.existingChild(key)
	if child == nil {
		return false, false
	}
	decided, value, _ = child.Decision()
	return decided, value
}

// ActiveInstances returns a snapshot of the instances held, ordered by key.
func (a *BlockAgent) ActiveInstances() []InstanceStatus {
	a.childrenLock.Lock()
	keys := make([]ProtocolKey, 0, len(a.children))
	children := make([]*BinInstance, 0, len(a.children))
	for key := range a.children {
		keys = append(keys, key)
	}
	SortKeys(keys)
	for _, key := range keys {
		children = append(children, a.children[key])
	}
	a.childrenLock.Unlock()

	out := make([]InstanceStatus, 0, len(children))
	for _, child := range children {
		decided, value, _ := child.Decision()
		out = append(out, InstanceStatus{
			Key:          child.Key(),
			Round:        child.CurrentRound(),
			Decided:      decided,
			DecidedValue: value,
		})
	}
	return out
}

// DecidedProposers returns the proposers decided true for blockID, ascending.
func (a *BlockAgent) DecidedProposers(blockID uint64) []uint64 {
	a.decisionsLock.Lock()
	defer a.decisionsLock.Unlock()
	out := make([]uint64, 0, len(a.trueDecisions[blockID]))
	for p := range a.trueDecisions[blockID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
