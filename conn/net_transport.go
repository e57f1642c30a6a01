package conn

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
	// ErrUnknownTag is returned for a packet whose tag has no registered type.
	ErrUnknownTag = errors.New("unknown packet tag")
)

const defaultPacketBuffer = 1024

// Packet is a decoded message with the ED25519 signature its sender put on it.
type Packet struct {
	Tag     uint8
	Msg     interface{} // pointer to a value of the type registered for Tag
	Sig     []byte
	Arrival time.Time
}

/*
NetworkTransport sends and receives signed packets over a stream layer such as
plain TCP. Every packet is framed as one byte holding the message tag,
followed by the msgpack encoded message and the msgpack encoded signature.
*/
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	packetCh chan Packet

	reflectedTypesMap map[uint8]reflect.Type

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// PacketChan returns the channel incoming packets are delivered on.
func (n *NetworkTransport) PacketChan() <-chan Packet {
	return n.packetCh
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			n.logger.Error("failed to accept connection", "error", err)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan. The
// handler will exit when the passed context is cancelled or the connection is
// closed.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleMsg(r, dec); err != nil {
			if err != io.EOF && errors.Cause(err) != ErrTransportShutdown {
				n.logger.Error("failed to decode incoming packet", "remote-address", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
	}
}

// handleMsg decodes a single packet and hands it over.
func (n *NetworkTransport) handleMsg(r *bufio.Reader, dec *codec.Decoder) error {
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}
	reflectedType, ok := n.reflectedTypesMap[tag]
	if !ok {
		return errors.Wrapf(ErrUnknownTag, "tag %d", tag)
	}
	msg := reflect.New(reflectedType).Interface()
	if err := dec.Decode(msg); err != nil {
		return errors.Wrapf(err, "decode message with tag %d", tag)
	}
	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return errors.Wrap(err, "decode signature")
	}

	packet := Packet{Tag: tag, Msg: msg, Sig: sig, Arrival: time.Now()}
	select {
	case n.packetCh <- packet:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

// LocalAddr returns the address the transport listens on.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops the transport and releases the pooled connections.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if n.shutdown {
		return nil
	}
	close(n.shutdownCh)
	n.streamCtxLock.Lock()
	n.streamCancel()
	n.streamCtxLock.Unlock()
	err := n.stream.Close()
	n.shutdown = true

	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()
	for target, conns := range n.connPool {
		for _, c := range conns {
			c.Release()
		}
		delete(n.connPool, target)
	}
	return err
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	netC := &NetConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}
	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})
	return netC, nil
}

// GetConn returns an idle connection. If there is no one, dial a new connection.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	n.connPoolLock.Lock()
	netConns, ok := n.connPool[target]
	if ok && len(netConns) > 0 {
		var netC *NetConn
		num := len(netConns)
		netC, netConns[num-1] = netConns[num-1], nil
		n.connPool[target] = netConns[:num-1]
		n.connPoolLock.Unlock()
		return netC, nil
	}
	n.connPoolLock.Unlock()

	return n.dialConn(target)
}

// ReturnConn returns the connection back to the pool so that later sends can
// reuse it. Beyond maxPool idle connections it is closed.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := netC.target
	netConns := n.connPool[key]
	if !n.IsShutdown() && len(netConns) < n.maxPool {
		n.connPool[key] = append(netConns, netC)
		return nil
	}
	return netC.Release()
}

// Send writes one packet to target over a pooled connection.
func (n *NetworkTransport) Send(target string, tag uint8, msg interface{}, sig []byte) error {
	netC, err := n.GetConn(target)
	if err != nil {
		return err
	}
	if err := SendMsg(netC, tag, msg, sig); err != nil {
		return errors.Wrapf(err, "send packet with tag %d to %s", tag, target)
	}
	return n.ReturnConn(netC)
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	MaxPool int

	// PacketBuffer is the capacity of the incoming packet channel.
	PacketBuffer int

	ReflectedTypesMap map[uint8]reflect.Type

	Logger hclog.Logger

	// Dialer
	Stream StreamLayer

	// Timeout is used to apply I/O deadlines when dialing.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct.
func NewNetworkTransportWithConfig(config *NetworkTransportConfig) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "binbft-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	if config.PacketBuffer <= 0 {
		config.PacketBuffer = defaultPacketBuffer
	}
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           config.MaxPool,
		packetCh:          make(chan Packet, config.PacketBuffer),
		reflectedTypesMap: config.ReflectedTypesMap,
		logger:            config.Logger,
		shutdownCh:        make(chan struct{}),
		stream:            config.Stream,
		timeout:           config.Timeout,
	}

	trans.setupStreamContext()
	go trans.listen()

	return trans
}

// NewNetworkTransport creates a new network transport with the given stream
// layer. The maxPool controls how many idle connections are kept per target.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	logOutput io.Writer,
	maxPool int,
	reflectedTypesMap map[uint8]reflect.Type,
) *NetworkTransport {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "binbft-net",
		Output: logOutput,
		Level:  hclog.DefaultLevel,
	})
	config := &NetworkTransportConfig{Stream: stream, Timeout: timeout, Logger: logger, MaxPool: maxPool,
		ReflectedTypesMap: reflectedTypesMap}
	return NewNetworkTransportWithConfig(config)
}

// SendMsg encodes and sends one packet. The connection is released on error.
func SendMsg(conn *NetConn, tag uint8, msg interface{}, sig []byte) error {
	if err := conn.w.WriteByte(tag); err != nil {
		conn.Release()
		return err
	}
	if err := conn.enc.Encode(msg); err != nil {
		conn.Release()
		return err
	}
	if err := conn.enc.Encode(sig); err != nil {
		conn.Release()
		return err
	}
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}
