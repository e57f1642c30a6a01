package conn

import (
	"reflect"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	voteTag uint8 = iota
	noteTag
)

type vote struct {
	Block uint64
	Round uint64
	Value bool
}

type note struct {
	Text string
}

var testTypes = map[uint8]reflect.Type{
	voteTag: reflect.TypeOf(vote{}),
	noteTag: reflect.TypeOf(note{}),
}

func newTestTransport(t *testing.T) *NetworkTransport {
	trans, err := NewTCPTransport("127.0.0.1:0", 2*time.Second, nil, 2, testTypes)
	require.NoError(t, err)
	return trans
}

func receive(t *testing.T, trans *NetworkTransport) Packet {
	select {
	case p := <-trans.PacketChan():
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no packet received")
	}
	return Packet{}
}

// TestSendAndReceive checks that packets sent by one transport reach the
// other one in order, decoded into their registered types.
func TestSendAndReceive(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	server := newTestTransport(t)
	defer server.Close()
	client := newTestTransport(t)
	defer client.Close()

	require.NoError(t, client.Send(server.LocalAddr(), voteTag, &vote{Block: 7, Round: 2, Value: true}, []byte("sig-1")))
	require.NoError(t, client.Send(server.LocalAddr(), noteTag, &note{Text: "hello"}, nil))

	p := receive(t, server)
	assert.Equal(t, voteTag, p.Tag)
	assert.Equal(t, &vote{Block: 7, Round: 2, Value: true}, p.Msg)
	assert.Equal(t, []byte("sig-1"), p.Sig)
	assert.False(t, p.Arrival.IsZero())

	p = receive(t, server)
	assert.Equal(t, noteTag, p.Tag)
	assert.Equal(t, &note{Text: "hello"}, p.Msg)
}

func TestConnPoolReuse(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	server := newTestTransport(t)
	defer server.Close()
	client := newTestTransport(t)
	defer client.Close()

	c1, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, client.ReturnConn(c1))
	c2, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	require.NoError(t, client.ReturnConn(c2))
}

func TestUnknownTagClosesConn(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	server := newTestTransport(t)
	defer server.Close()
	client := newTestTransport(t)
	defer client.Close()

	c, err := client.GetConn(server.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, SendMsg(c, 42, &note{Text: "?"}, nil))
	c.Release()

	require.NoError(t, client.Send(server.LocalAddr(), noteTag, &note{Text: "after"}, nil))
	p := receive(t, server)
	assert.Equal(t, &note{Text: "after"}, p.Msg)
}

func TestClosedTransport(t *testing.T) {
	trans := newTestTransport(t)
	require.NoError(t, trans.Close())
	assert.True(t, trans.IsShutdown())
	_, err := trans.GetConn("127.0.0.1:1")
	assert.Equal(t, ErrTransportShutdown, err)
	assert.NoError(t, trans.Close())
}
