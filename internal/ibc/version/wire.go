// Package version adapts the three CometBFT/Tendermint wire dialects
// (0.34, 0.37, 0.38) into a single NormalizedBlock, papering over the
// differences the spec calls out: event-attribute encoding, event
// location, and begin/end-block noise.
package version

import (
	"encoding/base64"
	"strings"
	"time"
)

// WireAttribute is a single event attribute as it arrives on the wire,
// before dialect-specific decoding.
type WireAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// WireEvent is a tx-scoped event as it arrives on the wire.
type WireEvent struct {
	Type       string          `json:"type"`
	Attributes []WireAttribute `json:"attributes"`
}

// WireTxResult is the per-tx execution result carried in a block
// notification: the raw tx bytes plus its code and events.
type WireTxResult struct {
	TxBase64 string      `json:"tx"`
	Code     uint32      `json:"code"`
	Events   []WireEvent `json:"events"`
}

// BlockNotification is the decoded JSON-RPC payload for a committed
// block, as delivered by the chain node's WebSocket subscription. The
// shape is identical across dialects at this level; what differs is how
// Events/Attributes within each TxResult must be interpreted (see
// attributeDecoderFor in common.go) and where begin/end-block events
// live (ignored here; this collector is tx-scoped per the spec).
type BlockNotification struct {
	ChainID           string         `json:"chain_id"`
	Height            int64          `json:"height"`
	Time              time.Time      `json:"time"`
	TxResults         []WireTxResult `json:"tx_results"`
	BeginBlockEvents  []WireEvent    `json:"begin_block_events,omitempty"`
	EndBlockEvents    []WireEvent    `json:"end_block_events,omitempty"`
}

// decodeBase64Lossy decodes standard base64, falling back to the raw
// string bytes when the input isn't valid base64 at all — matching the
// spec's "falls back to lossy UTF-8 conversion on invalid bytes"
// requirement. strings.ToValidUTF8 repairs any bytes that aren't valid
// UTF-8 once decoded.
func decodeBase64Lossy(s string) string {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return strings.ToValidUTF8(s, "�")
	}
	return strings.ToValidUTF8(string(b), "�")
}
