// Package eventbus optionally fans lifecycle transitions out over NATS
// for relayer-health tooling that wants a push feed instead of polling
// the read API. It follows the teacher's own NATS client
// (go-server/pkg/nats/client.go) almost verbatim: the same connect-option
// shape, the same connection-lifecycle handlers wired to metrics, the
// same subject-builder pattern.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chainpulse/chainpulse/internal/ibc"
)

// Gauges is the slice of the metrics registry the bus needs to report
// connection status, kept narrow so eventbus doesn't import the whole
// metrics package.
type Gauges interface {
	SetEventBusConnected(bool)
	ObserveEventBusReconnect()
	ObserveEventBusPublishError()
}

// Config controls the NATS connection.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWaitMs int
}

// Bus publishes packet lifecycle transitions to NATS subjects. A nil
// *Bus is valid and simply means the event bus is disabled
// (eventbus.enabled=false); lifecycle.Engine treats a nil Publisher the
// same way.
type Bus struct {
	conn   *nats.Conn
	gauges Gauges
	logger *zap.Logger
}

// Connect dials the configured NATS server. Publish failures are never
// fatal to the collector pipeline; this mirrors the teacher's posture of
// treating the message bus as an auxiliary, not a dependency the core
// loop blocks on.
func Connect(cfg Config, gauges Gauges, logger *zap.Logger) (*Bus, error) {
	b := &Bus{gauges: gauges, logger: logger}

	wait := time.Duration(cfg.ReconnectWaitMs) * time.Millisecond
	if wait <= 0 {
		wait = time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(wait),
		nats.ConnectHandler(b.onConnect),
		nats.DisconnectErrHandler(b.onDisconnect),
		nats.ReconnectHandler(b.onReconnect),
		nats.ErrorHandler(b.onError),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect to %s: %w", cfg.URL, err)
	}
	b.conn = conn
	b.gauges.SetEventBusConnected(true)
	return b, nil
}

func (b *Bus) onConnect(conn *nats.Conn) {
	b.logger.Info("eventbus connected", zap.String("url", conn.ConnectedUrl()))
	b.gauges.SetEventBusConnected(true)
}

func (b *Bus) onDisconnect(_ *nats.Conn, err error) {
	b.logger.Warn("eventbus disconnected", zap.Error(err))
	b.gauges.SetEventBusConnected(false)
}

func (b *Bus) onReconnect(conn *nats.Conn) {
	b.logger.Info("eventbus reconnected", zap.String("url", conn.ConnectedUrl()))
	b.gauges.SetEventBusConnected(true)
	b.gauges.ObserveEventBusReconnect()
}

func (b *Bus) onError(_ *nats.Conn, _ *nats.Subscription, err error) {
	b.logger.Warn("eventbus error", zap.Error(err))
}

// subjects builds the subject names used below.
type subjects struct{}

func (subjects) Effected(chainID, channel string) string {
	return fmt.Sprintf("chainpulse.packets.%s.%s", chainID, channel)
}

func (subjects) Frontrun(chainID string) string {
	return fmt.Sprintf("chainpulse.frontruns.%s", chainID)
}

var subj subjects

type effectedEvent struct {
	ChainID       string `json:"chain_id"`
	SourceChannel string `json:"src_channel"`
	Sequence      uint64 `json:"sequence"`
	Signer        string `json:"signer"`
	TxHash        string `json:"tx_hash"`
}

type frontrunEvent struct {
	ChainID       string `json:"chain_id"`
	SourceChannel string `json:"src_channel"`
	Sequence      uint64 `json:"sequence"`
	WinnerSigner  string `json:"winner_signer"`
	LoserSigner   string `json:"loser_signer"`
}

// PublishEffected publishes a delivered-packet notification. Failures are
// logged and counted, never returned — the lifecycle engine must not
// block or fail on an event-bus hiccup.
func (b *Bus) PublishEffected(_ context.Context, p ibc.Packet) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(effectedEvent{
		ChainID:       p.SourceChainID,
		SourceChannel: p.SourceChannel,
		Sequence:      p.Sequence,
		Signer:        p.Signer,
		TxHash:        p.TxHash,
	})
	if err != nil {
		b.gauges.ObserveEventBusPublishError()
		return
	}
	if err := b.conn.Publish(subj.Effected(p.SourceChainID, p.SourceChannel), payload); err != nil {
		b.logger.Debug("eventbus publish failed", zap.Error(err))
		b.gauges.ObserveEventBusPublishError()
	}
}

// PublishFrontrun publishes a frontrun notification naming both the
// winning row's signer and the losing observation's signer.
func (b *Bus) PublishFrontrun(_ context.Context, p ibc.Packet, loserSigner string) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(frontrunEvent{
		ChainID:       p.SourceChainID,
		SourceChannel: p.SourceChannel,
		Sequence:      p.Sequence,
		WinnerSigner:  p.Signer,
		LoserSigner:   loserSigner,
	})
	if err != nil {
		b.gauges.ObserveEventBusPublishError()
		return
	}
	if err := b.conn.Publish(subj.Frontrun(p.SourceChainID), payload); err != nil {
		b.logger.Debug("eventbus publish failed", zap.Error(err))
		b.gauges.ObserveEventBusPublishError()
	}
}

// Close closes the NATS connection without draining it.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	b.conn.Close()
	b.gauges.SetEventBusConnected(false)
}
