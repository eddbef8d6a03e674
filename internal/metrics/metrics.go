// Package metrics holds the Prometheus registry and the aggregator that
// derives counters/gauges/histograms from lifecycle transitions (spec
// §4.7).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/lifecycle"
	"github.com/chainpulse/chainpulse/internal/storage"
)

const packetLifecycleLabels = "chain_id src_channel dst_channel src_port dst_port signer memo"

// Registry is the Prometheus collector set ChainPulse exposes at
// /metrics.
type Registry struct {
	registerer prometheus.Registerer

	ibcEffected   *prometheus.CounterVec
	ibcUneffected *prometheus.CounterVec
	ibcFrontrun   *prometheus.CounterVec
	packetAge     *prometheus.HistogramVec

	chainpulsePackets     *prometheus.CounterVec
	chainpulseTxs         *prometheus.CounterVec
	chainpulseErrors      *prometheus.CounterVec
	chainpulseReconnects  *prometheus.CounterVec
	chainpulseUnknownMsgs *prometheus.CounterVec
	chainpulseChains      prometheus.Gauge

	hostCPUPercent  prometheus.Gauge
	hostMemoryBytes prometheus.Gauge

	eventBusConnected  prometheus.Gauge
	eventBusReconnects prometheus.Counter
	eventBusPubErrors  prometheus.Counter
}

// NewRegistry creates and registers every collector on a fresh
// prometheus.Registry, so tests can run many instances without the
// "duplicate metrics collector registration attempted" panic that the
// global DefaultRegisterer would cause.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	effectedLabels := []string{"chain_id", "src_channel", "dst_channel", "src_port", "dst_port", "signer", "memo"}

	r := &Registry{
		registerer: reg,

		ibcEffected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_effected_packets",
			Help: "Packets whose delivery/acknowledgement/timeout was observed to succeed.",
		}, effectedLabels),
		ibcUneffected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_uneffected_packets",
			Help: "Packets whose delivery attempt failed or was rejected as already processed.",
		}, effectedLabels),
		ibcFrontrun: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_frontrun_counter",
			Help: "Delivery attempts that lost a race against an earlier successful relayer.",
		}, effectedLabels),
		packetAge: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ibc_packet_age_seconds",
			Help:    "Age of a packet at its terminal transition.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s .. 32768s (~9h)
		}, []string{"chain_id", "src_channel", "dst_channel"}),

		chainpulsePackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_packets",
			Help: "Packets observed per chain.",
		}, []string{"chain_id"}),
		chainpulseTxs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_txs",
			Help: "Transactions processed per chain.",
		}, []string{"chain_id"}),
		chainpulseErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_errors",
			Help: "Transient errors recovered per chain.",
		}, []string{"chain_id"}),
		chainpulseReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_reconnects",
			Help: "WebSocket reconnects per chain.",
		}, []string{"chain_id"}),
		chainpulseUnknownMsgs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_unknown_msgs",
			Help: "Messages with an unrecognized type_url, observed per chain.",
		}, []string{"type_url", "chain_id"}),
		chainpulseChains: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainpulse_chains",
			Help: "Number of configured chains.",
		}),

		hostCPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainpulse_host_cpu_percent",
			Help: "Process CPU utilization percentage, sampled periodically.",
		}),
		hostMemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainpulse_host_memory_bytes",
			Help: "Process resident memory in bytes.",
		}),

		eventBusConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chainpulse_eventbus_connected",
			Help: "Whether the optional NATS event bus connection is up (1) or down (0).",
		}),
		eventBusReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainpulse_eventbus_reconnects_total",
			Help: "Event bus reconnects.",
		}),
		eventBusPubErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "chainpulse_eventbus_publish_errors_total",
			Help: "Event bus publish failures.",
		}),
	}

	return r
}

// Handler exposes the registry in the standard Prometheus exposition
// format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registerer.(prometheus.Gatherer), promhttp.HandlerOpts{})
}

func (r *Registry) SetChainCount(n int) { r.chainpulseChains.Set(float64(n)) }

func (r *Registry) ObserveReconnect(chainID string) { r.chainpulseReconnects.WithLabelValues(chainID).Inc() }

func (r *Registry) ObserveError(chainID string) { r.chainpulseErrors.WithLabelValues(chainID).Inc() }

func (r *Registry) ObservePacket(chainID string) { r.chainpulsePackets.WithLabelValues(chainID).Inc() }

func (r *Registry) SetEventBusConnected(up bool) {
	if up {
		r.eventBusConnected.Set(1)
	} else {
		r.eventBusConnected.Set(0)
	}
}

func (r *Registry) ObserveEventBusReconnect()    { r.eventBusReconnects.Inc() }
func (r *Registry) ObserveEventBusPublishError() { r.eventBusPubErrors.Inc() }

func (r *Registry) ObserveTx(chainID string) { r.chainpulseTxs.WithLabelValues(chainID).Inc() }

func (r *Registry) ObserveUnknownMsg(typeURL, chainID string) {
	r.chainpulseUnknownMsgs.WithLabelValues(typeURL, chainID).Inc()
}

func (r *Registry) ObserveEffected(l lifecycle.Labels) {
	r.ibcEffected.WithLabelValues(l.ChainID, l.SourceChannel, l.DestinationChannel, l.SourcePort, l.DestinationPort, l.Signer, l.Memo).Inc()
}

func (r *Registry) ObserveUneffected(l lifecycle.Labels) {
	r.ibcUneffected.WithLabelValues(l.ChainID, l.SourceChannel, l.DestinationChannel, l.SourcePort, l.DestinationPort, l.Signer, l.Memo).Inc()
}

func (r *Registry) ObserveFrontrun(l lifecycle.Labels, loserSigner string) {
	r.ibcFrontrun.WithLabelValues(l.ChainID, l.SourceChannel, l.DestinationChannel, l.SourcePort, l.DestinationPort, loserSigner, l.Memo).Inc()
}

func (r *Registry) ObservePacketAge(l lifecycle.Labels, age time.Duration) {
	r.packetAge.WithLabelValues(l.ChainID, l.SourceChannel, l.DestinationChannel).Observe(age.Seconds())
}

// PopulateFromStore replays persisted rows to seed counters on startup,
// when configured (metrics.populate_on_start). Operators are warned this
// double-counts if the external Prometheus store already retained the
// prior absolute values; see spec §4.7.
func (r *Registry) PopulateFromStore(ctx context.Context, store storage.Store) error {
	stuck, err := store.FindStuck(ctx, 0, 1_000_000)
	if err != nil {
		return err
	}
	for _, p := range stuck {
		r.chainpulsePackets.WithLabelValues(p.SourceChainID).Inc()
	}

	terminal, err := store.AllTerminal(ctx)
	if err != nil {
		return err
	}
	for _, p := range terminal {
		labels := labelsFor(p)
		switch p.Effected {
		case ibc.Delivered:
			r.ObserveEffected(labels)
		case ibc.Uneffected:
			r.ObserveUneffected(labels)
		}
	}

	// ChannelCongestion is a derived aggregate, not itself a counter seed;
	// call it anyway (at the same 15-minute default the API uses) so a
	// broken aggregation query surfaces at startup rather than silently
	// at first API request.
	_, err = store.ChannelCongestion(ctx, 15*time.Minute)
	return err
}

func labelsFor(p ibc.Packet) lifecycle.Labels {
	return lifecycle.Labels{
		ChainID:            p.SourceChainID,
		SourceChannel:      p.SourceChannel,
		DestinationChannel: p.DestinationChannel,
		SourcePort:         p.SourcePort,
		DestinationPort:    p.DestinationPort,
		Signer:             p.Signer,
		Memo:               p.TxMemo,
	}
}
