// Package ibc holds the data model shared by the version adapter, the
// message/event parsers, and the lifecycle engine.
package ibc

import "time"

// CometVersion identifies the CometBFT/Tendermint protocol dialect a chain
// speaks. It is selected once per chain at startup and threaded through the
// version adapter, which dispatches on it only at its outer boundary.
type CometVersion int

const (
	V034 CometVersion = iota
	V037
	V038
)

func (v CometVersion) String() string {
	switch v {
	case V034:
		return "0.34"
	case V037:
		return "0.37"
	case V038:
		return "0.38"
	default:
		return "unknown"
	}
}

// ParseCometVersion validates a configured comet_version string.
func ParseCometVersion(s string) (CometVersion, bool) {
	switch s {
	case "", "0.34":
		return V034, true
	case "0.37":
		return V037, true
	case "0.38":
		return V038, true
	default:
		return 0, false
	}
}

// RawMsg is a protobuf Any-shaped message as it appears in a tx body.
type RawMsg struct {
	TypeURL string
	Value   []byte
}

// RawEvent is a normalized tx-scoped event: kind plus UTF-8 attributes.
type RawEvent struct {
	Kind       string
	Attributes []Attribute
}

// Attribute is a single event attribute pair, already decoded to UTF-8.
type Attribute struct {
	Key   string
	Value string
}

// Get returns the first attribute value for key, and whether it was found.
func (e RawEvent) Get(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// NormalizedTx is a single transaction within a normalized block.
type NormalizedTx struct {
	Hash     string
	Memo     string
	Messages []RawMsg
	Events   []RawEvent
	Success  bool
}

// NormalizedBlock is the version-agnostic shape every dialect is adapted
// into before it reaches the message/event parsers.
type NormalizedBlock struct {
	ChainID string
	Height  int64
	Time    time.Time
	Txs     []NormalizedTx
}

// EffectedState is the tri-state lifecycle flag on a Packet.
type EffectedState int

const (
	Pending EffectedState = iota
	Delivered
	Uneffected
)

func (s EffectedState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Uneffected:
		return "uneffected"
	default:
		return "unknown"
	}
}

// Height is a timeout-height pair (revision, height).
type Height struct {
	RevisionNumber uint64
	RevisionHeight uint64
}

// PacketKey is the identifying triple for a packet.
type PacketKey struct {
	SourceChainID  string
	SourceChannel  string
	Sequence       uint64
}

// Transfer holds the ICS-20 fungible-token-transfer payload, when the
// packet data parses as one. All four fields are set together or not at
// all.
type Transfer struct {
	Sender     string
	Receiver   string
	Denom      string
	Amount     string
	IBCVersion string
}

// Packet is the central entity: one row per (source_chain_id,
// source_channel, sequence).
type Packet struct {
	PacketKey

	SourcePort         string
	DestinationPort    string
	DestinationChannel string

	DataHash [32]byte

	CreatedAt        time.Time
	EffectedAt        time.Time
	TimeoutTimestamp *int64 // ns since epoch
	TimeoutHeight    *Height

	Effected EffectedState

	Signer  string
	TxHash  string
	TxMemo  string

	Transfer *Transfer
}

// Packet fields extracted from an IBC message or event before it is
// merged into storage.
type PacketData struct {
	Key                PacketKey
	SourcePort         string
	DestinationPort    string
	DestinationChannel string
	Data               []byte
	TimeoutTimestamp   *int64
	TimeoutHeight      *Height
}
