package consensus

// isThird reports whether count votes out of nodeCount exceed one third.
// For one and two nodes the general formula degenerates, a single vote is enough.
func isThird(count, nodeCount uint64) bool {
	if nodeCount <= 2 {
		return count >= 1
	}
	return count*3 > nodeCount
}

// isTwoThird reports whether count votes out of nodeCount exceed two thirds.
// For one and two nodes every node has to vote.
func isTwoThird(count, nodeCount uint64) bool {
	if nodeCount <= 2 {
		return count >= nodeCount
	}
	return count*3 > 2*nodeCount
}

// QuorumSize is the smallest vote count satisfying isTwoThird. It is also the
// threshold of the coin's threshold signature.
func QuorumSize(nodeCount uint64) uint64 {
	if nodeCount <= 2 {
		return nodeCount
	}
	return 2*nodeCount/3 + 1
}
