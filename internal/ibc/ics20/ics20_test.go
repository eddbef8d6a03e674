package ics20

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func encodeProto(denom, amount, sender, receiver, memo string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, denom)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, amount)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, sender)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, receiver)
	if memo != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, memo)
	}
	return b
}

func TestDecode_Protobuf(t *testing.T) {
	data := encodeProto("uatom", "1000", "cosmos1sender", "cosmos1receiver", "hello")

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Payload{
		Denom:    "uatom",
		Amount:   "1000",
		Sender:   "cosmos1sender",
		Receiver: "cosmos1receiver",
		Memo:     "hello",
	}, got)
}

func TestDecode_JSONFallback(t *testing.T) {
	data := []byte(`{"denom":"uosmo","amount":"42","sender":"osmo1a","receiver":"osmo1b","memo":""}`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "uosmo", got.Denom)
	assert.Equal(t, "42", got.Amount)
	assert.Equal(t, "osmo1a", got.Sender)
	assert.Equal(t, "osmo1b", got.Receiver)
}

func TestDecode_ProtobufPayloadNotParseableAsJSON(t *testing.T) {
	// Valid protobuf encoding whose bytes would not parse as JSON at all;
	// this succeeds only through the protobuf path.
	data := encodeProto("uatom", "5", "a", "b", "")

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "uatom", got.Denom)
}

func TestDecode_RejectsIncompletePayload(t *testing.T) {
	_, err := Decode([]byte(`{"denom":"uatom"}`))
	assert.Error(t, err)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
