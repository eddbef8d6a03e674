// Package ics20 decodes ICS-20 fungible-token-transfer packet payloads.
//
// Both protobuf and JSON encodings are observed in the wild (newer chains
// favor protobuf, some still emit JSON); protobuf is tried first, and the
// JSON fallback runs when the protobuf walk fails or leaves any of the
// four transfer fields empty, per the spec's Open Question (a).
package ics20

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload is the decoded ICS-20 FungibleTokenPacketData. Memo is carried
// for completeness but the data model only keeps the four transfer
// fields; callers that need it can read it directly.
type Payload struct {
	Denom    string
	Amount   string
	Sender   string
	Receiver string
	Memo     string
}

// jsonShape mirrors FungibleTokenPacketData's canonical JSON field names.
type jsonShape struct {
	Denom    string `json:"denom"`
	Amount   string `json:"amount"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Memo     string `json:"memo"`
}

// Decode attempts a protobuf decode of data, falling back to JSON.
func Decode(data []byte) (Payload, error) {
	if p, err := decodeProto(data); err == nil && p.valid() {
		return p, nil
	}
	if p, err := decodeJSON(data); err == nil && p.valid() {
		return p, nil
	}
	return Payload{}, fmt.Errorf("ics20: data does not decode as protobuf or JSON FungibleTokenPacketData")
}

func (p Payload) valid() bool {
	return p.Denom != "" && p.Amount != "" && p.Sender != "" && p.Receiver != ""
}

func decodeJSON(data []byte) (Payload, error) {
	var s jsonShape
	if err := json.Unmarshal(data, &s); err != nil {
		return Payload{}, err
	}
	return Payload{
		Denom:    s.Denom,
		Amount:   s.Amount,
		Sender:   s.Sender,
		Receiver: s.Receiver,
		Memo:     s.Memo,
	}, nil
}

// decodeProto walks the FungibleTokenPacketData wire format by hand:
//
//	message FungibleTokenPacketData {
//	  string denom    = 1;
//	  string amount   = 2;
//	  string sender   = 3;
//	  string receiver = 4;
//	  string memo     = 5;
//	}
//
// A minimal protowire walk avoids depending on the full Cosmos SDK just to
// decode five string fields.
func decodeProto(data []byte) (Payload, error) {
	var p Payload
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Payload{}, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			// Unexpected wire type for a string field; skip it rather than
			// fail the whole payload.
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return Payload{}, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Payload{}, protowire.ParseError(n)
		}
		b = b[n:]

		s := string(v)
		switch num {
		case 1:
			p.Denom = s
		case 2:
			p.Amount = s
		case 3:
			p.Sender = s
		case 4:
			p.Receiver = s
		case 5:
			p.Memo = s
		}
	}
	return p, nil
}
