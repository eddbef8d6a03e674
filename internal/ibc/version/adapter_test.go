package version

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chainpulse/chainpulse/internal/ibc"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func encodeTxBody(messages [][]byte, memo string) []byte {
	var b []byte
	for _, m := range messages {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if memo != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, memo)
	}
	return b
}

func encodeTx(body []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b
}

func rawTxBase64(memo string) string {
	return base64.StdEncoding.EncodeToString(encodeTx(encodeTxBody(nil, memo)))
}

// TestAdapter_AllDialectsNormalizeToTheSameBlock asserts the only
// observable difference between dialects is attribute encoding on the
// wire, never in the NormalizedBlock the rest of the collector sees.
func TestAdapter_AllDialectsNormalizeToTheSameBlock(t *testing.T) {
	logger := zap.NewNop()
	now := time.Now().UTC().Truncate(time.Second)

	base64Notification := BlockNotification{
		ChainID: "cosmoshub-4",
		Height:  100,
		Time:    now,
		TxResults: []WireTxResult{
			{
				TxBase64: rawTxBase64("memo-a"),
				Code:     0,
				Events: []WireEvent{
					{
						Type: "send_packet",
						Attributes: []WireAttribute{
							{Key: b64("packet_sequence"), Value: b64("1")},
							{Key: b64("packet_src_channel"), Value: b64("channel-0")},
						},
					},
				},
			},
		},
	}

	plainNotification := base64Notification
	plainNotification.TxResults = []WireTxResult{
		{
			TxBase64: rawTxBase64("memo-a"),
			Code:     0,
			Events: []WireEvent{
				{
					Type: "send_packet",
					Attributes: []WireAttribute{
						{Key: "packet_sequence", Value: "1"},
						{Key: "packet_src_channel", Value: "channel-0"},
					},
				},
			},
		},
	}

	for _, tc := range []struct {
		name    string
		version ibc.CometVersion
		notif   BlockNotification
	}{
		{"v034", ibc.V034, base64Notification},
		{"v037", ibc.V037, base64Notification},
		{"v038", ibc.V038, plainNotification},
	} {
		t.Run(tc.name, func(t *testing.T) {
			adapter := New(tc.version, logger)
			block, err := adapter.Normalize(tc.notif)
			require.NoError(t, err)

			assert.Equal(t, "cosmoshub-4", block.ChainID)
			assert.Equal(t, int64(100), block.Height)
			require.Len(t, block.Txs, 1)
			assert.Equal(t, "memo-a", block.Txs[0].Memo)
			assert.True(t, block.Txs[0].Success)
			require.Len(t, block.Txs[0].Events, 1)
			assert.Equal(t, "send_packet", block.Txs[0].Events[0].Kind)

			seq, ok := block.Txs[0].Events[0].Get("packet_sequence")
			require.True(t, ok)
			assert.Equal(t, "1", seq)

			channel, ok := block.Txs[0].Events[0].Get("packet_src_channel")
			require.True(t, ok)
			assert.Equal(t, "channel-0", channel)
		})
	}
}

func TestAdapter_SkipsUndecodableFirstTxWithoutFailingBlock(t *testing.T) {
	logger := zap.NewNop()
	adapter := New(ibc.V038, logger)

	notif := BlockNotification{
		ChainID: "neutron-1",
		Height:  5,
		TxResults: []WireTxResult{
			{TxBase64: "not-valid-base64!!", Code: 0},
			{TxBase64: rawTxBase64("second tx memo"), Code: 0},
		},
	}

	block, err := adapter.Normalize(notif)
	require.NoError(t, err)
	require.Len(t, block.Txs, 1)
	assert.Equal(t, "second tx memo", block.Txs[0].Memo)
}

func TestAdapter_MarksFailedTxUnsuccessful(t *testing.T) {
	logger := zap.NewNop()
	adapter := New(ibc.V038, logger)

	notif := BlockNotification{
		ChainID: "cosmoshub-4",
		Height:  1,
		TxResults: []WireTxResult{
			{TxBase64: rawTxBase64(""), Code: 5},
		},
	}

	block, err := adapter.Normalize(notif)
	require.NoError(t, err)
	require.Len(t, block.Txs, 1)
	assert.False(t, block.Txs[0].Success)
}

func TestDecodeBase64Lossy_FallsBackOnInvalidBase64(t *testing.T) {
	got := decodeBase64Lossy("not valid base64!!")
	assert.Equal(t, "not valid base64!!", got)
}
