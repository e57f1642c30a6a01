package schain

import (
	"context"

	"github.com/gitzhang10/BinBFT/consensus"
	"github.com/gitzhang10/BinBFT/sign"
)

const peerQueueSize = 4096

type outbound struct {
	tag uint8
	msg consensus.Message
	sig []byte
}

// peer is another node of the schain with its own send queue, so that a slow
// node does not hold back the others.
type peer struct {
	index uint64
	addr  string
	queue chan outbound
}

// Broadcast signs msg and queues it for every other node. It never blocks:
// messages for a peer whose queue is full are dropped and sent again by the
// monitor loop while their instance is undecided.
func (n *Node) Broadcast(msg consensus.Message) {
	data, err := encode(msg)
	if err != nil {
		n.logger.Error("fail to encode the message", "tag", msg.Tag(), "error", err)
		return
	}
	out := outbound{tag: msg.Tag(), msg: msg, sig: sign.SignEd25519(n.privateKey, data)}
	for _, p := range n.peers {
		select {
		case p.queue <- out:
		default:
			n.logger.Warn("send queue is full, dropping message", "receiver", p.addr, "tag", out.tag,
				"key", msg.Key())
		}
	}
}

func (n *Node) sendLoop(ctx context.Context, p *peer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-p.queue:
			if err := n.trans.Send(p.addr, out.tag, out.msg, out.sig); err != nil {
				n.logger.Warn("fail to send the message", "receiver", p.addr, "tag", out.tag, "error", err)
			}
		}
	}
}
