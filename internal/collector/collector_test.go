package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainpulse/chainpulse/internal/ibc"
)

// fakeSink records every block handed to it and every observe call,
// guarded by a mutex since Run streams from its own goroutine.
type fakeSink struct {
	mu         sync.Mutex
	blocks     []ibc.NormalizedBlock
	reconnects int
	errors     int
}

func (s *fakeSink) HandleBlock(_ context.Context, b ibc.NormalizedBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
	return nil
}

func (s *fakeSink) ObserveReconnect(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
}

func (s *fakeSink) ObserveError(string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

func (s *fakeSink) blockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// fakeNode upgrades each incoming connection, drains the subscribe
// request, then writes a fixed number of plain-attribute (0.38-style)
// NewBlock notifications before falling silent.
func fakeNode(t *testing.T, blocks int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		for i := 1; i <= blocks; i++ {
			envelope := map[string]any{
				"jsonrpc": "2.0",
				"id":      "chainpulse",
				"result": map[string]any{
					"data": map[string]any{
						"value": map[string]any{
							"chain_id": "cosmoshub-4",
							"height":   i,
							"time":     time.Now().Format(time.RFC3339Nano),
							"tx_results": []map[string]any{{
								"tx":   "",
								"code": 0,
								"events": []map[string]any{{
									"type": "send_packet",
									"attributes": []map[string]any{
										{"key": "packet_sequence", "value": "1"},
										{"key": "packet_src_port", "value": "transfer"},
										{"key": "packet_src_channel", "value": "channel-0"},
										{"key": "packet_dst_port", "value": "transfer"},
										{"key": "packet_dst_channel", "value": "channel-1"},
									},
								}},
							}},
						},
					},
				},
			}
			if err := conn.WriteJSON(envelope); err != nil {
				return
			}
		}
		// keep the connection open, idle, until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(t *testing.T, server *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/websocket"
}

func TestCollector_StreamsNormalizedBlocksFromSubscription(t *testing.T) {
	server := fakeNode(t, 3)
	defer server.Close()

	sink := &fakeSink{}
	c := New(Config{
		ChainID: "cosmoshub-4",
		URL:     wsURL(t, server),
		Version: ibc.V038,
	}, sink, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go c.Run(ctx)

	require.Eventually(t, func() bool { return sink.blockCount() >= 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), sink.blocks[0].Height)
}

func TestCollector_ReconnectsAfterConfiguredBlockCount(t *testing.T) {
	server := fakeNode(t, 5)
	defer server.Close()

	sink := &fakeSink{}
	c := New(Config{
		ChainID:              "cosmoshub-4",
		URL:                  wsURL(t, server),
		Version:              ibc.V038,
		ReconnectEveryBlocks: 2,
	}, sink, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go c.Run(ctx)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.reconnects >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestCollector_BackoffOnDialFailureObservesError(t *testing.T) {
	sink := &fakeSink{}
	c := New(Config{
		ChainID: "cosmoshub-4",
		URL:     "ws://127.0.0.1:1/websocket", // nothing listens here
		Version: ibc.V038,
	}, sink, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_ = c.Run(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Greater(t, sink.errors, 0)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "unknown", State(99).String())
}
