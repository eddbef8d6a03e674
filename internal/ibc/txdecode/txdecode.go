// Package txdecode decodes raw Cosmos SDK Tx protobuf bytes into the
// fields the rest of ChainPulse needs: the message list and the memo.
// Signers are not decoded; see Decode. It walks the wire format directly with protowire
// instead of depending on the generated cosmos-sdk/tx types, mirroring
// how the surrounding corpus hand-decodes binary wire formats rather than
// importing an entire SDK for a handful of fields.
package txdecode

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chainpulse/chainpulse/internal/ibc"
)

// Decoded is the subset of a Cosmos SDK Tx this collector cares about.
type Decoded struct {
	Messages []ibc.RawMsg
	Memo     string
}

// Decode parses raw Tx bytes:
//
//	message Tx {
//	  TxBody      body       = 1;
//	  AuthInfo    auth_info  = 2;
//	  repeated bytes signatures = 3;
//	}
//	message TxBody {
//	  repeated google.protobuf.Any messages = 1;
//	  string memo = 2;
//	  ...
//	}
//	message AuthInfo {
//	  repeated SignerInfo signer_infos = 1;
//	  ...
//	}
//
// AuthInfo.signer_infos carries public keys, not bech32 addresses, and
// this collector has no chain-specific address prefix available at the
// wire-decode layer to turn one into the other. Relayer/signer
// attribution instead comes from the IBC message body itself (every
// message this collector parses carries its signer/relayer address
// inline) via internal/ibc/msgparser, so AuthInfo is skipped entirely
// here rather than decoded into a field nothing reads.
func Decode(raw []byte) (Decoded, error) {
	body, err := splitTx(raw)
	if err != nil {
		return Decoded{}, err
	}

	messages, memo, err := decodeBody(body)
	if err != nil {
		return Decoded{}, err
	}

	return Decoded{Messages: messages, Memo: memo}, nil
}

func splitTx(raw []byte) (body []byte, err error) {
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		if num == 1 {
			body = v
		}
	}
	if body == nil {
		return nil, fmt.Errorf("txdecode: missing TxBody")
	}
	return body, nil
}

func decodeBody(body []byte) ([]ibc.RawMsg, string, error) {
	var messages []ibc.RawMsg
	var memo string

	b := body
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, "", protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, "", protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, "", protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			typeURL, value, err := decodeAny(v)
			if err != nil {
				// A single malformed Any shouldn't sink the whole tx; skip it.
				continue
			}
			messages = append(messages, ibc.RawMsg{TypeURL: typeURL, Value: value})
		case 2:
			memo = string(v)
		}
	}
	return messages, memo, nil
}

// decodeAny walks google.protobuf.Any { string type_url = 1; bytes value = 2; }.
func decodeAny(b []byte) (typeURL string, value []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", nil, protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case 1:
			typeURL = string(v)
		case 2:
			value = v
		}
	}
	if typeURL == "" {
		return "", nil, fmt.Errorf("txdecode: Any missing type_url")
	}
	return typeURL, value, nil
}
