package schain

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"strconv"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gitzhang10/BinBFT/config"
	"github.com/gitzhang10/BinBFT/consensus"
	"github.com/gitzhang10/BinBFT/sign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nodeCount = 4

type testCluster struct {
	confs []*config.Config
	nodes []*Node
}

func clusterConfigs(basePort int, coin string, blocks int) []*config.Config {
	names := make([]string, nodeCount)
	clusterAddr := make(map[string]string)
	clusterPort := make(map[string]int)
	clusterAddrWithPorts := make(map[string]uint8)
	for i := 0; i < nodeCount; i++ {
		names[i] = "node" + strconv.Itoa(i)
		clusterAddr[names[i]] = "127.0.0.1"
		clusterPort[names[i]] = basePort + i*10
		clusterAddrWithPorts["127.0.0.1:"+strconv.Itoa(clusterPort[names[i]])] = uint8(i + 1)
	}

	// create the ED25519 keys
	privKeys := make([]ed25519.PrivateKey, nodeCount)
	pubKeyMap := make(map[string]ed25519.PublicKey)
	for i := 0; i < nodeCount; i++ {
		var pubKey ed25519.PublicKey
		privKeys[i], pubKey = sign.GenED25519Keys()
		pubKeyMap[names[i]] = pubKey
	}

	// create the threshold keys
	shares, pubPoly := sign.GenTSKeys(int(consensus.QuorumSize(nodeCount)), nodeCount)

	confs := make([]*config.Config, nodeCount)
	for i := 0; i < nodeCount; i++ {
		confs[i] = config.New(names[i], 10, clusterAddr, clusterPort, clusterAddrWithPorts, pubKeyMap, privKeys[i],
			pubPoly, shares[i], 4, false, blocks)
		confs[i].Coin = coin
	}
	return confs
}

func startCluster(t *testing.T, confs []*config.Config) *testCluster {
	c := &testCluster{confs: confs, nodes: make([]*Node, len(confs))}
	for i, conf := range confs {
		node, err := NewNode(conf)
		require.NoError(t, err)
		require.NoError(t, node.StartP2PListen())
		c.nodes[i] = node
	}
	for _, node := range c.nodes {
		require.NoError(t, node.EstablishP2PConns())
	}
	return c
}

// run runs the cluster until every honest node reached height, then stops it.
func (c *testCluster) run(t *testing.T, height uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, len(c.nodes))
	for _, node := range c.nodes {
		go func(node *Node) { errs <- node.Run(ctx) }(node)
	}

	reached := assert.Eventually(t, func() bool {
		for _, node := range c.nodes {
			if !node.IsFaultyNode() && node.Height() < height {
				return false
			}
		}
		return true
	}, 30*time.Second, 20*time.Millisecond)

	cancel()
	for range c.nodes {
		assert.NoError(t, <-errs)
	}
	for _, node := range c.nodes {
		assert.NoError(t, node.Close())
	}
	require.True(t, reached, "the cluster did not reach height %d", height)
}

func requireSameChains(t *testing.T, nodes []*Node, height uint64) {
	var reference *Node
	for _, node := range nodes {
		if node.IsFaultyNode() {
			continue
		}
		if reference == nil {
			reference = node
			continue
		}
		for id := uint64(1); id <= height; id++ {
			want, ok := reference.Block(id)
			require.True(t, ok)
			got, ok := node.Block(id)
			require.True(t, ok, "%s misses block %d", node.Name(), id)
			assert.Equal(t, want.ProposerIndex, got.ProposerIndex, "block %d", id)
			assert.Equal(t, want.Hash, got.Hash, "block %d", id)
		}
	}
}

func TestWith4Nodes(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	c := startCluster(t, clusterConfigs(8100, config.CoinThreshold, 5))
	c.run(t, 5)
	requireSameChains(t, c.nodes, 5)

	// with every proposal true the first block goes to the proposer the seed points at
	first, _ := c.nodes[0].Block(1)
	assert.Equal(t, uint64(2), first.ProposerIndex)
	assert.Nil(t, first.PreviousHash)
	second, _ := c.nodes[0].Block(2)
	assert.Equal(t, first.Hash, second.PreviousHash)
}

func TestWithFaultyNode(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	confs := clusterConfigs(8200, config.CoinDeterministic, 3)
	confs[0].IsFaulty = true
	c := startCluster(t, confs)
	c.run(t, 3)

	assert.Equal(t, uint64(0), c.nodes[0].Height())
	requireSameChains(t, c.nodes, 3)
}

func TestRestartFromStore(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	confs := clusterConfigs(8300, config.CoinThreshold, 2)
	for _, conf := range confs {
		conf.DBDir = t.TempDir()
	}
	c := startCluster(t, confs)
	c.run(t, 2)
	requireSameChains(t, c.nodes, 2)
	before, _ := c.nodes[1].Block(2)

	for _, conf := range confs {
		conf.Recover = true
		conf.Round = 4
	}
	c = startCluster(t, confs)
	for _, node := range c.nodes {
		assert.Equal(t, uint64(2), node.Height())
	}
	c.run(t, 4)
	requireSameChains(t, c.nodes, 4)

	after, _ := c.nodes[1].Block(2)
	assert.Equal(t, before.Hash, after.Hash)
	third, _ := c.nodes[1].Block(3)
	assert.Equal(t, before.Hash, third.PreviousHash)
}

func TestDecisionsCommitInOrder(t *testing.T) {
	confs := clusterConfigs(8400, config.CoinDeterministic, 1)
	node, err := NewNode(confs[0])
	require.NoError(t, err)
	defer node.Close()

	vector := []bool{true, true, true, true}
	require.NoError(t, node.FinalizeBlock(&consensus.BlockDecision{BlockID: 2, ProposerIndex: 3, Vector: vector}))
	require.NoError(t, node.commitPending())
	assert.Equal(t, uint64(0), node.Height())

	require.NoError(t, node.FinalizeBlock(&consensus.BlockDecision{BlockID: 1, ProposerIndex: 2, Vector: vector}))
	require.NoError(t, node.commitPending())
	assert.Equal(t, uint64(2), node.Height())

	first, _ := node.Block(1)
	second, _ := node.Block(2)
	assert.Equal(t, first.Hash, second.PreviousHash)

	seed, err := node.blockSeed(3)
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian.Uint64(second.Hash[:8]), seed)
	_, err = node.blockSeed(4)
	assert.Error(t, err)

	// a decision for a committed block is ignored
	require.NoError(t, node.FinalizeBlock(&consensus.BlockDecision{BlockID: 1, ProposerIndex: 4, Vector: vector}))
	require.NoError(t, node.commitPending())
	first, _ = node.Block(1)
	assert.Equal(t, uint64(2), first.ProposerIndex)
}

func TestDroppedVotesAreSentAgain(t *testing.T) {
	confs := clusterConfigs(8500, config.CoinDeterministic, 1)
	node, err := NewNode(confs[0])
	require.NoError(t, err)
	defer node.Close()
	for _, p := range node.peers {
		p.queue = make(chan outbound, nodeCount)
	}

	require.NoError(t, node.agent.StartConsensusProposal(1, node.proposalVector()))
	// the queue holds one BV vote per proposer, the ones behind it are dropped
	require.NoError(t, node.agent.StartConsensusProposal(2, node.proposalVector()))
	receiver := node.peers[0]
	lost := make([]outbound, 0, nodeCount)
	for len(receiver.queue) > 0 {
		lost = append(lost, <-receiver.queue)
	}
	require.Len(t, lost, nodeCount)

	assert.Equal(t, 2*nodeCount, node.agent.RebroadcastUndecided())
	require.Len(t, receiver.queue, nodeCount)
	for i := 0; i < nodeCount; i++ {
		out := <-receiver.queue
		assert.Equal(t, lost[i].msg.Key(), out.msg.Key())
		assert.Equal(t, consensus.BVBroadcastTag, out.tag)
	}
}
