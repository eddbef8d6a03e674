// chainsim is a synthetic CometBFT RPC node: it speaks just enough of
// the tm.event='NewBlock' subscription protocol to drive
// internal/collector without a live chain. It exists for soak-testing
// the collector/lifecycle/storage pipeline at a configurable block rate,
// the same role loadtest/main.go played for the teacher's connection
// hub — flipped from a WS load *client* hammering a server into a WS
// feed *server* a collector dials into.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chainpulse/chainpulse/internal/ibc/version"
)

type config struct {
	addr            string
	chainID         string
	blockIntervalMS int
	packetsPerBlock int
	reportIntervalS int
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.addr, "addr", ":26657", "listen address for the fake RPC websocket")
	flag.StringVar(&cfg.chainID, "chain-id", "chainsim-1", "synthetic chain id reported in block notifications")
	flag.IntVar(&cfg.blockIntervalMS, "block-interval-ms", 500, "milliseconds between synthetic blocks")
	flag.IntVar(&cfg.packetsPerBlock, "packets-per-block", 2, "send_packet/recv_packet events emitted per block")
	flag.IntVar(&cfg.reportIntervalS, "report-interval-s", 10, "seconds between stderr progress reports")
	flag.Parse()
	return cfg
}

// counters mirrors loadtest's State: plain atomics read by a periodic
// reporter goroutine, no locking on the hot path.
type counters struct {
	blocksSent  int64
	packetsSent int64
	clientsLive int64
	writeErrors int64
}

func main() {
	cfg := parseFlags()

	var cn counters
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade failed: %v", err)
			return
		}
		atomic.AddInt64(&cn.clientsLive, 1)
		defer atomic.AddInt64(&cn.clientsLive, -1)
		serveClient(r.Context(), conn, cfg, &cn)
	})

	srv := &http.Server{Addr: cfg.addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportProgress(ctx, cfg.reportIntervalS, &cn)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("chainsim: serving synthetic %s blocks on ws://%s/websocket", cfg.chainID, cfg.addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %v", err)
	}
}

// serveClient drains the subscription request (its content doesn't
// matter, every client gets the same NewBlock feed) and then streams
// synthetic blocks until the connection or context dies.
func serveClient(ctx context.Context, conn *websocket.Conn, cfg config, cn *counters) {
	defer conn.Close()

	if _, _, err := conn.ReadMessage(); err != nil {
		return
	}

	ticker := time.NewTicker(time.Duration(cfg.blockIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	var height int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height++
			notif := syntheticBlock(cfg.chainID, height, cfg.packetsPerBlock)
			envelope := map[string]any{
				"jsonrpc": "2.0",
				"id":      "chainpulse",
				"result": map[string]any{
					"data": map[string]any{
						"value": notif,
					},
				},
			}
			if err := conn.WriteJSON(envelope); err != nil {
				atomic.AddInt64(&cn.writeErrors, 1)
				return
			}
			atomic.AddInt64(&cn.blocksSent, 1)
			atomic.AddInt64(&cn.packetsSent, int64(cfg.packetsPerBlock))
		}
	}
}

// syntheticBlock builds one tx per packet index, alternating send_packet
// and recv_packet events so the resulting packets exercise both
// InsertSend and MarkEffected paths in roughly equal measure. Each tx is
// a minimal protobuf Tx whose body carries only a memo. Attributes are
// base64-encoded per the 0.34/0.37 wire dialect; point a chainpulse.toml
// chain entry at this server with comet_version = "0.34" or "0.37".
func syntheticBlock(chainID string, height int64, packets int) version.BlockNotification {
	results := make([]version.WireTxResult, 0, packets)
	for i := 0; i < packets; i++ {
		seq := strconv.FormatInt(height*100+int64(i), 10)
		data := transferPayload(seq)

		kind := "send_packet"
		if i%2 == 1 {
			kind = "recv_packet"
		}

		body := protowire.AppendString(protowire.AppendTag(nil, 2, protowire.BytesType), fmt.Sprintf("chainsim-tx-%d-%d", height, i))
		tx := protowire.AppendBytes(protowire.AppendTag(nil, 1, protowire.BytesType), body)

		results = append(results, version.WireTxResult{
			TxBase64: base64.StdEncoding.EncodeToString(tx),
			Code:     0,
			Events: []version.WireEvent{{
				Type: kind,
				Attributes: []version.WireAttribute{
					{Key: b64("packet_sequence"), Value: b64(seq)},
					{Key: b64("packet_src_port"), Value: b64("transfer")},
					{Key: b64("packet_src_channel"), Value: b64("channel-0")},
					{Key: b64("packet_dst_port"), Value: b64("transfer")},
					{Key: b64("packet_dst_channel"), Value: b64("channel-1")},
					{Key: b64("packet_timeout_timestamp"), Value: b64(strconv.FormatInt(time.Now().Add(time.Hour).UnixNano(), 10))},
					{Key: b64("packet_data"), Value: b64(string(data))},
				},
			}},
		})
	}

	return version.BlockNotification{
		ChainID:   chainID,
		Height:    height,
		Time:      time.Now(),
		TxResults: results,
	}
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func transferPayload(seq string) []byte {
	amount := strconv.Itoa(1000 + rand.Intn(9000))
	return []byte(`{"denom":"uatom","amount":"` + amount + `","sender":"cosmos1sim` + seq + `","receiver":"cosmos1recv` + seq + `"}`)
}

func reportProgress(ctx context.Context, intervalS int, cn *counters) {
	ticker := time.NewTicker(time.Duration(intervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("chainsim: clients=%d blocks=%d packets=%d write_errors=%d",
				atomic.LoadInt64(&cn.clientsLive),
				atomic.LoadInt64(&cn.blocksSent),
				atomic.LoadInt64(&cn.packetsSent),
				atomic.LoadInt64(&cn.writeErrors))
		}
	}
}
