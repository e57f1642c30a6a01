package schain

import (
	"context"

	"github.com/gitzhang10/BinBFT/config"
	"github.com/gitzhang10/BinBFT/conn"
	"github.com/gitzhang10/BinBFT/consensus"
	"github.com/gitzhang10/BinBFT/sign"
	"github.com/pkg/errors"
)

func (n *Node) handleMsgLoop(ctx context.Context) error {
	packetCh := n.trans.PacketChan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case packet := <-packetCh:
			if n.isFaulty {
				continue
			}
			if err := n.handlePacket(&packet); err != nil {
				if consensus.IsFatal(err) {
					return err
				}
				n.logger.Debug("fail to process the message", "tag", packet.Tag, "error", err)
			}
		}
	}
}

func (n *Node) handlePacket(packet *conn.Packet) error {
	var sender uint64
	var msg consensus.Message
	switch msgAsserted := packet.Msg.(type) {
	case *consensus.BVBroadcast:
		sender, msg = msgAsserted.Sender, msgAsserted
	case *consensus.AUXBroadcast:
		sender, msg = msgAsserted.Sender, msgAsserted
	default:
		return errors.Errorf("unexpected message type %T", packet.Msg)
	}
	if sender == n.index {
		return nil
	}
	if !n.verifySigED25519(sender, packet.Msg, packet.Sig) {
		n.logger.Error("fail to verify the message's signature", "tag", packet.Tag, "key", msg.Key(),
			"sender", sender)
		return nil
	}
	return n.agent.RouteAndProcessMessage(&consensus.Envelope{
		Origin:  consensus.OriginNetwork,
		Src:     sender,
		Arrival: packet.Arrival,
		Msg:     msg,
	})
}

func (n *Node) verifySigED25519(sender uint64, data interface{}, sig []byte) bool {
	pubKey, ok := n.publicKeyMap[config.NodeName(sender)]
	if !ok {
		n.logger.Error("node is unknown", "node", sender)
		return false
	}
	dataAsBytes, err := encode(data)
	if err != nil {
		n.logger.Error("fail to encode the data", "error", err)
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, dataAsBytes, sig)
	if err != nil {
		n.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}
