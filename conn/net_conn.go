/*
Package conn implements the connections between schain nodes.
A connection is only used in one direction: if node1 dials node2, node1 sends
packets over it and node2 only reads. Each connection carries a buffered
writer and a msgpack encoder.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn represents a connection established from one node to another.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Target returns the address the connection was dialed to.
func (n *NetConn) Target() string {
	return n.target
}

// Release closes the connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
