// Package eventparser decodes the IBC lifecycle events emitted during tx
// execution (send_packet, recv_packet, write_acknowledgement,
// acknowledge_packet, timeout_packet) into the identifying triple plus,
// for send_packet, the reconstructed packet data.
package eventparser

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/ibc/ics20"
)

const (
	KindSendPacket           = "send_packet"
	KindRecvPacket           = "recv_packet"
	KindWriteAcknowledgement = "write_acknowledgement"
	KindAcknowledgePacket    = "acknowledge_packet"
	KindTimeoutPacket        = "timeout_packet"
	KindPacketAlreadyRecv    = "packet_already_received"
)

// IsLifecycleEvent reports whether kind is one ChainPulse tracks.
func IsLifecycleEvent(kind string) bool {
	switch kind {
	case KindSendPacket, KindRecvPacket, KindWriteAcknowledgement, KindAcknowledgePacket, KindTimeoutPacket:
		return true
	default:
		return false
	}
}

// Parsed is a decoded lifecycle event: the identifying triple, and for
// send_packet, the transfer payload reconstructed from the packet data.
type Parsed struct {
	Kind     string
	Packet   ibc.PacketData
	Transfer *ibc.Transfer
}

// Parse extracts the identifying triple (and, for send_packet, the
// transfer payload) from ev's attributes. chainID is the chain the event
// was observed on, used to populate the key.
func Parse(chainID string, ev ibc.RawEvent) (Parsed, bool) {
	if !IsLifecycleEvent(ev.Kind) {
		return Parsed{}, false
	}

	seqStr, ok := ev.Get("packet_sequence")
	if !ok {
		return Parsed{}, false
	}
	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return Parsed{}, false
	}

	srcPort, _ := ev.Get("packet_src_port")
	srcChannel, _ := ev.Get("packet_src_channel")
	dstPort, _ := ev.Get("packet_dst_port")
	dstChannel, _ := ev.Get("packet_dst_channel")

	pkt := ibc.PacketData{
		Key: ibc.PacketKey{
			SourceChainID: chainID,
			SourceChannel: srcChannel,
			Sequence:      seq,
		},
		SourcePort:         srcPort,
		DestinationPort:    dstPort,
		DestinationChannel: dstChannel,
	}

	if ts, ok := ev.Get("packet_timeout_timestamp"); ok {
		if n, err := strconv.ParseInt(ts, 10, 64); err == nil && n != 0 {
			pkt.TimeoutTimestamp = &n
		}
	}
	if th, ok := ev.Get("packet_timeout_height"); ok {
		if h, ok := parseTimeoutHeight(th); ok {
			pkt.TimeoutHeight = &h
		}
	}

	result := Parsed{Kind: ev.Kind, Packet: pkt}

	if ev.Kind == KindSendPacket {
		data, ok := extractPacketData(ev)
		if ok {
			pkt.Data = data
			result.Packet = pkt
			if payload, err := ics20.Decode(data); err == nil {
				result.Transfer = &ibc.Transfer{
					Sender:     payload.Sender,
					Receiver:   payload.Receiver,
					Denom:      payload.Denom,
					Amount:     payload.Amount,
					IBCVersion: "v1",
				}
			}
		}
	}

	return result, true
}

// extractPacketData synthesizes the raw packet data bytes: hex-decoded
// when the 0.38-style "packet_data_hex" attribute is present, else the
// UTF-8 bytes of the 0.34/0.37-style "packet_data" string.
func extractPacketData(ev ibc.RawEvent) ([]byte, bool) {
	if hexStr, ok := ev.Get("packet_data_hex"); ok {
		b, err := hex.DecodeString(hexStr)
		if err != nil {
			return nil, false
		}
		return b, true
	}
	if s, ok := ev.Get("packet_data"); ok {
		return []byte(s), true
	}
	return nil, false
}

// parseTimeoutHeight parses the "revision-height" wire form CometBFT
// events use for height attributes.
func parseTimeoutHeight(s string) (ibc.Height, bool) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return ibc.Height{}, false
	}
	rev, err1 := strconv.ParseUint(parts[0], 10, 64)
	h, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return ibc.Height{}, false
	}
	if rev == 0 && h == 0 {
		return ibc.Height{}, false
	}
	return ibc.Height{RevisionNumber: rev, RevisionHeight: h}, true
}
