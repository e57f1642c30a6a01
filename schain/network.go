package schain

import (
	"strconv"
	"time"

	"github.com/gitzhang10/BinBFT/conn"
	"github.com/pkg/errors"
)

// StartP2PListen starts the node to listen for P2P connection.
func (n *Node) StartP2PListen() error {
	var err error
	n.trans, err = conn.NewTCPTransport(":"+strconv.Itoa(n.clusterPort[n.name]), 30*time.Second,
		nil, n.maxPool, n.reflectedTypesMap)
	return err
}

// EstablishP2PConns establishes P2P connections with other nodes.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	for _, p := range n.peers {
		connect, err := n.trans.GetConn(p.addr)
		if err != nil {
			return err
		}
		if err = n.trans.ReturnConn(connect); err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "sender", n.name, "receiver", p.addr)
	}
	return nil
}
