package version

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/chainpulse/chainpulse/internal/ibc"
)

// attributeDecoder turns a wire-form (key, value) attribute pair into the
// UTF-8 strings the normalized form requires. It is the single point
// where the base64-vs-plain dialect difference is resolved.
type attributeDecoder func(key, value string) (string, string)

func attributeDecoderFor(v ibc.CometVersion) attributeDecoder {
	switch v {
	case ibc.V034, ibc.V037:
		// 0.34 and 0.37 both emit base64-encoded attribute keys/values.
		return func(key, value string) (string, string) {
			return decodeBase64Lossy(key), decodeBase64Lossy(value)
		}
	default:
		// 0.38 emits attributes already decoded.
		return func(key, value string) (string, string) { return key, value }
	}
}

func decodeTxBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 tx: %w", err)
	}
	return b, nil
}

func txHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
