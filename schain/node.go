/*
Package schain runs binary consensus as a node of a permissioned schain: it
connects the consensus agent to the TCP transport, the state database and
the chain of finalized blocks.
*/
package schain

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/gitzhang10/BinBFT/config"
	"github.com/gitzhang10/BinBFT/conn"
	"github.com/gitzhang10/BinBFT/consensus"
	"github.com/gitzhang10/BinBFT/sign"
	"github.com/gitzhang10/BinBFT/store"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendermint/tm-db/memdb"
	"golang.org/x/sync/errgroup"
)

const monitorInterval = 5 * time.Second

type Node struct {
	name    string
	index   uint64
	nodeNum uint64
	logger  hclog.Logger

	lock        sync.RWMutex
	chain       *Chain
	proposeTime map[uint64]time.Time // map from block id to the time this node proposed it
	evaluation  []time.Duration      // latency of every committed block
	commitTime  []time.Time

	pendingLock sync.Mutex
	pending     map[uint64]*consensus.BlockDecision // decided blocks waiting for their predecessor
	finalizeCh  chan struct{}
	committedCh chan struct{}

	clusterPort map[string]int // map from name to p2pPort
	peers       []*peer
	isFaulty    bool // true indicate this node is faulty node

	maxPool     int
	trans       *conn.NetworkTransport
	blockNumber uint64 // the number of blocks the node will propose
	workers     int
	metricsAddr string

	//Used for ED25519 signature
	publicKeyMap map[string]ed25519.PublicKey
	privateKey   ed25519.PrivateKey

	reflectedTypesMap map[uint8]reflect.Type

	db          *store.ConsensusStateDB
	agent       *consensus.BlockAgent
	registry    *prometheus.Registry
	chainHeight prometheus.Gauge
	debug       bool
}

func NewNode(conf *config.Config) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	index, _ := conf.Index()
	n := &Node{
		name:              conf.Name,
		index:             index,
		nodeNum:           conf.NodeCount(),
		chain:             newChain(),
		proposeTime:       make(map[uint64]time.Time),
		pending:           make(map[uint64]*consensus.BlockDecision),
		finalizeCh:        make(chan struct{}, 1),
		committedCh:       make(chan struct{}, 1),
		clusterPort:       conf.ClusterPort,
		isFaulty:          conf.IsFaulty,
		maxPool:           conf.MaxPool,
		blockNumber:       uint64(conf.Round),
		workers:           conf.Workers,
		metricsAddr:       conf.MetricsAddr,
		publicKeyMap:      conf.PublicKeyMap,
		privateKey:        conf.PrivateKey,
		reflectedTypesMap: reflectedTypesMap,
		registry:          prometheus.NewRegistry(),
		debug:             conf.DebugHistory,
	}
	n.logger = hclog.New(&hclog.LoggerOptions{
		Name:   "binbft-node",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})

	for addr, i := range conf.ClusterAddrWithPorts {
		if uint64(i) == n.index {
			continue
		}
		n.peers = append(n.peers, &peer{index: uint64(i), addr: addr, queue: make(chan outbound, peerQueueSize)})
	}
	sort.Slice(n.peers, func(i, j int) bool { return n.peers[i].index < n.peers[j].index })

	var err error
	storeLogger := n.logger.ResetNamed("binbft-store")
	if conf.DBDir == "" {
		n.db = store.NewConsensusStateDBWithDB(memdb.NewDB(), storeLogger)
	} else if n.db, err = store.NewConsensusStateDB(conf.Name, conf.DBDir, storeLogger); err != nil {
		return nil, err
	}

	if err = n.setupAgent(conf); err != nil {
		_ = n.db.Close()
		return nil, err
	}
	if conf.Recover {
		if err = n.recoverChain(); err != nil {
			_ = n.db.Close()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) setupAgent(conf *config.Config) error {
	metrics, err := consensus.NewMetrics(n.registry)
	if err != nil {
		return err
	}
	n.chainHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "binbft",
		Name:      "chain_height",
		Help:      "Id of the last committed block.",
	})
	if err = n.registry.Register(n.chainHeight); err != nil {
		return errors.Wrap(err, "register chain height")
	}

	var coin consensus.CommonCoinSource
	switch conf.Coin {
	case config.CoinDeterministic:
		coin = consensus.NewDeterministicTestCoin(n.index, 0)
	default:
		crypto := sign.NewCryptoManager(conf.TsPublicKey, conf.TsPrivateKey,
			int(consensus.QuorumSize(n.nodeNum)), int(n.nodeNum))
		coin = consensus.NewThresholdSigCoin(crypto)
	}

	ledger, err := consensus.NewDecisionLedger(n.nodeNum, conf.DecisionHistory)
	if err != nil {
		return err
	}
	historySize := 0
	if conf.DebugHistory {
		historySize = conf.HistorySize
	}
	n.agent, err = consensus.NewBlockAgent(&consensus.AgentConfig{
		InstanceConfig: consensus.InstanceConfig{
			SelfIndex:   n.index,
			NodeCount:   n.nodeNum,
			DB:          n.db,
			Coin:        coin,
			Network:     n,
			Logger:      n.logger.ResetNamed("binbft-consensus"),
			Metrics:     metrics,
			HistorySize: historySize,
		},
		Ledger:               ledger,
		Seeds:                consensus.SeedFunc(n.blockSeed),
		Finalizer:            n,
		Recover:              conf.Recover,
		MaxActiveConsensuses: uint64(conf.MaxActiveConsensuses),
	})
	return err
}

// recoverChain loads the committed blocks and resumes consensus on the next one.
func (n *Node) recoverChain() error {
	last, err := n.db.LastBlockID()
	if err != nil {
		return err
	}
	n.lock.Lock()
	for id := uint64(1); id <= last; id++ {
		data, ok, err := n.db.ReadBlock(id)
		if err != nil {
			n.lock.Unlock()
			return err
		}
		if !ok {
			n.lock.Unlock()
			return errors.Errorf("block %d is missing from the store", id)
		}
		var block FinalizedBlock
		if err = decode(data, &block); err != nil {
			n.lock.Unlock()
			return errors.Wrapf(err, "decode block %d", id)
		}
		if err = n.chain.append(&block); err != nil {
			n.lock.Unlock()
			return err
		}
	}
	n.lock.Unlock()
	n.chainHeight.Set(float64(last))

	if last > 0 {
		if err = n.agent.CommitBlock(last); err != nil {
			return err
		}
	}
	n.logger.Info("recovered the chain", "node", n.name, "height", last)
	return n.agent.Resume(last + 1)
}

// Run starts the node's loops and blocks until ctx is done or one of them
// fails.
func (n *Node) Run(ctx context.Context) error {
	if n.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n.workers; i++ {
		g.Go(func() error { return n.handleMsgLoop(ctx) })
	}
	for _, p := range n.peers {
		p := p
		g.Go(func() error { return n.sendLoop(ctx, p) })
	}
	g.Go(func() error { return n.finalizeLoop(ctx) })
	g.Go(func() error { return n.monitorLoop(ctx) })
	if !n.isFaulty {
		g.Go(func() error { return n.proposeLoop(ctx) })
	}
	if n.metricsAddr != "" {
		g.Go(func() error { return n.serveMetrics(ctx) })
	}
	err := g.Wait()
	if err != nil {
		n.logger.Error("node stopped", "node", n.name, "error", err)
	}
	return err
}

// proposeLoop proposes the blocks one after another and logs the average
// latency and throughput once all of them are committed.
func (n *Node) proposeLoop(ctx context.Context) error {
	start := time.Now()
	next := n.Height() + 1
	for next <= n.blockNumber {
		n.lock.Lock()
		n.proposeTime[next] = time.Now()
		n.lock.Unlock()
		err := n.agent.StartConsensusProposal(next, n.proposalVector())
		if err != nil && errors.Cause(err) != consensus.ErrAlreadyProposed {
			return err
		}
		for n.Height() < next {
			select {
			case <-ctx.Done():
				return nil
			case <-n.committedCh:
			}
		}
		next = n.Height() + 1
	}

	n.lock.RLock()
	blockNum := len(n.evaluation)
	if blockNum == 0 {
		n.lock.RUnlock()
		return nil
	}
	pastTime := n.commitTime[blockNum-1].Sub(start).Seconds()
	var totalTime time.Duration
	for _, t := range n.evaluation {
		totalTime += t
	}
	n.lock.RUnlock()
	latency := totalTime.Seconds() / float64(blockNum)
	throughput := float64(blockNum) / pastTime

	n.logger.Info("the average", "latency", latency, "throughput", throughput)
	n.logger.Info("the total commit", "block number", blockNum, "time", pastTime)
	return nil
}

// Without block payloads every proposer counts as available.
func (n *Node) proposalVector() []bool {
	proposals := make([]bool, n.nodeNum)
	for i := range proposals {
		proposals[i] = true
	}
	return proposals
}

func (n *Node) blockSeed(blockID uint64) (uint64, error) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.chain.seed(blockID)
}

// FinalizeBlock queues a block decision for the finalize loop. It is called
// by the agent with its locks held.
func (n *Node) FinalizeBlock(decision *consensus.BlockDecision) error {
	if decision.BlockID <= n.Height() {
		return nil
	}
	n.pendingLock.Lock()
	n.pending[decision.BlockID] = decision
	n.pendingLock.Unlock()
	select {
	case n.finalizeCh <- struct{}{}:
	default:
	}
	return nil
}

func (n *Node) finalizeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.finalizeCh:
			if err := n.commitPending(); err != nil {
				return err
			}
		}
	}
}

// commitPending commits the decided blocks that extend the chain, in order.
func (n *Node) commitPending() error {
	for {
		next := n.Height() + 1
		n.pendingLock.Lock()
		decision, ok := n.pending[next]
		delete(n.pending, next)
		n.pendingLock.Unlock()
		if !ok {
			return nil
		}
		if err := n.commitBlock(decision); err != nil {
			return err
		}
		if err := n.agent.CommitBlock(decision.BlockID); err != nil {
			return err
		}
		select {
		case n.committedCh <- struct{}{}:
		default:
		}
	}
}

func (n *Node) commitBlock(decision *consensus.BlockDecision) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	block := &FinalizedBlock{
		BlockID:       decision.BlockID,
		ProposerIndex: decision.ProposerIndex,
		PreviousHash:  n.chain.tipHash(),
		Vector:        decision.Vector,
	}
	hash, err := block.header().getHash()
	if err != nil {
		return errors.Wrapf(err, "hash block %d", block.BlockID)
	}
	block.Hash = hash
	data, err := encode(block)
	if err != nil {
		return errors.Wrapf(err, "encode block %d", block.BlockID)
	}
	if err = n.db.WriteBlock(block.BlockID, data); err != nil {
		return err
	}
	if err = n.chain.append(block); err != nil {
		return err
	}
	n.chainHeight.Set(float64(block.BlockID))

	now := time.Now()
	if proposed, ok := n.proposeTime[block.BlockID]; ok {
		n.evaluation = append(n.evaluation, now.Sub(proposed))
		delete(n.proposeTime, block.BlockID)
	}
	n.commitTime = append(n.commitTime, now)
	n.logger.Info("commit the block", "node", n.name, "block", block.BlockID, "block-proposer",
		block.ProposerIndex, "hash", block.getHashAsString())
	return nil
}

// monitorLoop periodically logs the state of the instances held by the agent
// and resends this node's votes in the undecided ones, so that votes dropped
// on a full send queue or a failed connection are delivered eventually.
func (n *Node) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		instances := n.agent.ActiveInstances()
		resent := 0
		if !n.isFaulty {
			resent = n.agent.RebroadcastUndecided()
		}
		n.logger.Debug("consensus status", "node", n.name, "height", n.Height(),
			"active-instances", len(instances), "rebroadcast", resent)
		if !n.debug || !n.logger.IsTrace() {
			continue
		}
		for _, st := range instances {
			if st.Decided {
				continue
			}
			child, err := n.agent.GetChild(st.Key)
			if err != nil {
				continue
			}
			for _, e := range child.History() {
				n.logger.Trace("instance history", "key", st.Key, "event", e)
			}
		}
	}
}

func (n *Node) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: n.metricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	n.logger.Info("serving metrics", "address", n.metricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrapf(err, "serve metrics on %s", n.metricsAddr)
	}
	return nil
}

// Height returns the id of the last committed block.
func (n *Node) Height() uint64 {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.chain.height
}

// Block returns a committed block.
func (n *Node) Block(blockID uint64) (*FinalizedBlock, bool) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	b, ok := n.chain.blocks[blockID]
	return b, ok
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) IsFaultyNode() bool {
	return n.isFaulty
}

// Close stops the transport and closes the state database.
func (n *Node) Close() error {
	var err error
	if n.trans != nil {
		err = n.trans.Close()
	}
	if dbErr := n.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
