// Package msgparser decodes the IBC messages ChainPulse cares about from
// their protobuf Any payload: the four packet-lifecycle messages plus
// MsgTransfer (informational only). Unknown type_urls are silently
// ignored, per the spec's unknown-message tolerance design note.
package msgparser

import (
	"crypto/sha256"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/ibc/ics20"
)

const (
	TypeMsgRecvPacket      = "/ibc.core.channel.v1.MsgRecvPacket"
	TypeMsgAcknowledgement = "/ibc.core.channel.v1.MsgAcknowledgement"
	TypeMsgTimeout         = "/ibc.core.channel.v1.MsgTimeout"
	TypeMsgTimeoutOnClose  = "/ibc.core.channel.v1.MsgTimeoutOnClose"
	TypeMsgTransfer        = "/ibc.applications.transfer.v1.MsgTransfer"
)

// Kind classifies a recognized IBC message.
type Kind int

const (
	KindUnknown Kind = iota
	KindRecvPacket
	KindAcknowledgement
	KindTimeout
	KindTimeoutOnClose
	KindTransfer
)

var kindByTypeURL = map[string]Kind{
	TypeMsgRecvPacket:      KindRecvPacket,
	TypeMsgAcknowledgement: KindAcknowledgement,
	TypeMsgTimeout:         KindTimeout,
	TypeMsgTimeoutOnClose:  KindTimeoutOnClose,
	TypeMsgTransfer:        KindTransfer,
}

// ClassifyTypeURL returns the Kind for a message's type_url, or
// KindUnknown for anything ChainPulse doesn't track.
func ClassifyTypeURL(typeURL string) Kind {
	if k, ok := kindByTypeURL[typeURL]; ok {
		return k
	}
	return KindUnknown
}

// Parsed is the outcome of decoding one of the four packet-carrying
// messages: the extracted packet fields, the computed data hash, and the
// transfer payload when ICS-20 decode succeeds.
type Parsed struct {
	Kind     Kind
	Packet   ibc.PacketData
	DataHash [32]byte
	Signer   string
	Transfer *ibc.Transfer
}

// Parse decodes msg.Value according to msg's type_url. It returns
// ok=false for unrecognized type_urls (not an error — see the package
// doc) and an error only for a recognized type whose payload fails to
// decode.
func Parse(msg ibc.RawMsg) (Parsed, bool, error) {
	kind := ClassifyTypeURL(msg.TypeURL)
	if kind == KindUnknown || kind == KindTransfer {
		return Parsed{}, false, nil
	}

	pkt, signer, err := decodePacketCarryingMsg(kind, msg.Value)
	if err != nil {
		return Parsed{}, false, fmt.Errorf("msgparser: decode %s: %w", msg.TypeURL, err)
	}

	hash := sha256.Sum256(pkt.Data)

	result := Parsed{
		Kind:     kind,
		Packet:   pkt,
		DataHash: hash,
		Signer:   signer,
	}

	if payload, err := ics20.Decode(pkt.Data); err == nil {
		result.Transfer = &ibc.Transfer{
			Sender:     payload.Sender,
			Receiver:   payload.Receiver,
			Denom:      payload.Denom,
			Amount:     payload.Amount,
			IBCVersion: "v1",
		}
	}

	return result, true, nil
}

// decodePacketCarryingMsg walks the outer message (MsgRecvPacket,
// MsgAcknowledgement, MsgTimeout, MsgTimeoutOnClose), all of which carry
// an embedded Packet at field 1 and a bech32 signer as their last string
// field.
func decodePacketCarryingMsg(kind Kind, b []byte) (ibc.PacketData, string, error) {
	var packetBytes []byte
	var signer string

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ibc.PacketData{}, "", protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ibc.PacketData{}, "", protowire.ParseError(n)
			}
			b = b[n:]
			if num == 1 {
				packetBytes = v
			} else if isSignerField(kind, num) {
				signer = string(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return ibc.PacketData{}, "", protowire.ParseError(m)
			}
			b = b[m:]
		}
	}

	if packetBytes == nil {
		return ibc.PacketData{}, "", fmt.Errorf("missing embedded Packet")
	}

	pkt, err := decodePacket(packetBytes)
	if err != nil {
		return ibc.PacketData{}, "", err
	}
	return pkt, signer, nil
}

// isSignerField reports whether field num is the trailing "signer"
// string on the given message kind.
func isSignerField(kind Kind, num protowire.Number) bool {
	switch kind {
	case KindRecvPacket:
		return num == 4
	case KindAcknowledgement:
		return num == 5
	case KindTimeout:
		return num == 5
	case KindTimeoutOnClose:
		return num == 6
	default:
		return false
	}
}

// decodePacket walks:
//
//	message Packet {
//	  uint64 sequence = 1;
//	  string source_port = 2;
//	  string source_channel = 3;
//	  string destination_port = 4;
//	  string destination_channel = 5;
//	  bytes data = 6;
//	  Height timeout_height = 7;
//	  uint64 timeout_timestamp = 8;
//	}
func decodePacket(b []byte) (ibc.PacketData, error) {
	var pkt ibc.PacketData
	var seq uint64
	var destChannel string

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ibc.PacketData{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return ibc.PacketData{}, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case 1:
				seq = v
			case 8:
				ts := int64(v)
				pkt.TimeoutTimestamp = &ts
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ibc.PacketData{}, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case 2:
				pkt.SourcePort = string(v)
			case 3:
				pkt.Key.SourceChannel = string(v)
			case 4:
				pkt.DestinationPort = string(v)
			case 5:
				destChannel = string(v)
			case 6:
				pkt.Data = v
			case 7:
				h, err := decodeHeight(v)
				if err != nil {
					return ibc.PacketData{}, err
				}
				pkt.TimeoutHeight = &h
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return ibc.PacketData{}, protowire.ParseError(m)
			}
			b = b[m:]
		}
	}

	pkt.Key.Sequence = seq
	pkt.DestinationChannel = destChannel
	return pkt, nil
}

func decodeHeight(b []byte) (ibc.Height, error) {
	var h ibc.Height
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ibc.Height{}, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return ibc.Height{}, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return ibc.Height{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			h.RevisionNumber = v
		case 2:
			h.RevisionHeight = v
		}
	}
	return h, nil
}
