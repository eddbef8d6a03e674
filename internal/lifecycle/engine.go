// Package lifecycle drives the packet state machine: it consumes a
// NormalizedBlock, runs messages then events through the parsers (spec
// §4.6), and turns the result into storage calls and metric increments.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"time"

	"go.uber.org/zap"

	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/ibc/eventparser"
	"github.com/chainpulse/chainpulse/internal/ibc/msgparser"
	"github.com/chainpulse/chainpulse/internal/storage"
)

// Metrics is the subset of the metrics aggregator the engine drives.
// Defined here (rather than importing the metrics package directly) so
// the engine can be tested without a real Prometheus registry.
type Metrics interface {
	ObservePacket(chainID string)
	ObserveTx(chainID string)
	ObserveEffected(labels Labels)
	ObserveUneffected(labels Labels)
	ObserveFrontrun(labels Labels, loserSigner string)
	ObservePacketAge(labels Labels, age time.Duration)
	ObserveUnknownMsg(typeURL, chainID string)
}

// Labels carries the label set shared by the effected/uneffected/frontrun
// counters.
type Labels struct {
	ChainID            string
	SourceChannel      string
	DestinationChannel string
	SourcePort         string
	DestinationPort    string
	Signer             string
	Memo               string
}

// Publisher is the optional event-bus sink for lifecycle transitions.
type Publisher interface {
	PublishEffected(ctx context.Context, p ibc.Packet)
	PublishFrontrun(ctx context.Context, p ibc.Packet, loserSigner string)
}

// Engine correlates messages and events into packet lifecycle rows.
type Engine struct {
	store     storage.Store
	metrics   Metrics
	publisher Publisher
	logger    *zap.Logger
}

func New(store storage.Store, metrics Metrics, publisher Publisher, logger *zap.Logger) *Engine {
	return &Engine{store: store, metrics: metrics, publisher: publisher, logger: logger}
}

// ProcessBlock runs every tx in block through the message parser then the
// event parser, in that order, and each tx's messages in index order, per
// spec §4.6.
func (e *Engine) ProcessBlock(ctx context.Context, block ibc.NormalizedBlock) error {
	for _, tx := range block.Txs {
		e.metrics.ObserveTx(block.ChainID)
		if err := e.processTx(ctx, block.ChainID, tx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processTx(ctx context.Context, chainID string, tx ibc.NormalizedTx) error {
	for _, msg := range tx.Messages {
		if err := e.processMessage(ctx, chainID, tx, msg); err != nil {
			return err
		}
	}
	for _, ev := range tx.Events {
		e.processEvent(ctx, chainID, tx, ev)
	}
	return nil
}

func (e *Engine) processMessage(ctx context.Context, chainID string, tx ibc.NormalizedTx, msg ibc.RawMsg) error {
	kind := msgparser.ClassifyTypeURL(msg.TypeURL)
	if kind == msgparser.KindUnknown {
		e.metrics.ObserveUnknownMsg(msg.TypeURL, chainID)
		return nil
	}
	if kind == msgparser.KindTransfer {
		return nil // informational only; the matching send_packet event drives insert_send
	}

	parsed, ok, err := msgparser.Parse(msg)
	if err != nil {
		e.logger.Debug("malformed ibc message", zap.String("type_url", msg.TypeURL), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	parsed.Packet.Key.SourceChainID = chainID
	key := parsed.Packet.Key
	now := time.Now()

	if ensureErr := e.ensurePending(ctx, key, parsed.Packet, parsed.DataHash, now); ensureErr != nil {
		return ensureErr
	}

	labels := Labels{
		ChainID:            chainID,
		SourceChannel:      key.SourceChannel,
		DestinationChannel: parsed.Packet.DestinationChannel,
		SourcePort:         parsed.Packet.SourcePort,
		DestinationPort:    parsed.Packet.DestinationPort,
		Signer:             parsed.Signer,
		Memo:               tx.Memo,
	}

	if tx.Success {
		return e.markEffected(ctx, key, parsed.Signer, tx.Hash, tx.Memo, now, labels)
	}
	return e.markUneffected(ctx, key, parsed.Signer, tx.Hash, tx.Memo, now, labels)
}

func (e *Engine) processEvent(ctx context.Context, chainID string, tx ibc.NormalizedTx, ev ibc.RawEvent) {
	parsed, ok := eventparser.Parse(chainID, ev)
	if !ok {
		return
	}

	key := parsed.Packet.Key
	now := time.Now()

	switch parsed.Kind {
	case eventparser.KindSendPacket:
		hash := sha256.Sum256(parsed.Packet.Data)
		p := newPacket(key, parsed.Packet, hash, parsed.Transfer, now)
		if err := e.store.InsertSend(ctx, p); err != nil {
			e.logger.Error("insert_send failed", zap.Error(err), zap.String("chain", chainID))
		}
		e.metrics.ObservePacket(chainID)

	case eventparser.KindRecvPacket, eventparser.KindWriteAcknowledgement, eventparser.KindAcknowledgePacket, eventparser.KindTimeoutPacket:
		labels := Labels{
			ChainID:            chainID,
			SourceChannel:      key.SourceChannel,
			DestinationChannel: parsed.Packet.DestinationChannel,
			SourcePort:         parsed.Packet.SourcePort,
			DestinationPort:    parsed.Packet.DestinationPort,
			Memo:               tx.Memo,
		}
		if !tx.Success {
			_ = e.markUneffected(ctx, key, "", tx.Hash, tx.Memo, now, labels)
			return
		}
		_ = e.markEffected(ctx, key, "", tx.Hash, tx.Memo, now, labels)
	}
}

// ensurePending guarantees a Pending row exists before a terminal
// transition is attempted; the source-side send_packet may live on a
// chain ChainPulse doesn't monitor.
func (e *Engine) ensurePending(ctx context.Context, key ibc.PacketKey, data ibc.PacketData, hash [32]byte, now time.Time) error {
	_, err := e.store.Get(ctx, key.SourceChainID, key.SourceChannel, key.Sequence)
	if err == nil {
		return nil
	}
	p := newPacket(key, data, hash, nil, now)
	return e.store.InsertSend(ctx, p)
}

func newPacket(key ibc.PacketKey, data ibc.PacketData, hash [32]byte, transfer *ibc.Transfer, now time.Time) ibc.Packet {
	return ibc.Packet{
		PacketKey:          key,
		SourcePort:         data.SourcePort,
		DestinationPort:    data.DestinationPort,
		DestinationChannel: data.DestinationChannel,
		DataHash:           hash,
		CreatedAt:          now,
		TimeoutTimestamp:   data.TimeoutTimestamp,
		TimeoutHeight:      data.TimeoutHeight,
		Effected:           ibc.Pending,
		Transfer:           transfer,
	}
}

func (e *Engine) markEffected(ctx context.Context, key ibc.PacketKey, signer, txHash, memo string, when time.Time, labels Labels) error {
	result, row, err := e.store.MarkEffected(ctx, key, signer, txHash, memo, when)
	if err != nil {
		e.logger.Error("mark_effected failed", zap.Error(err))
		return err
	}

	switch result {
	case storage.Applied:
		e.metrics.ObserveEffected(labels)
		e.metrics.ObservePacketAge(labels, when.Sub(row.CreatedAt))
		if e.publisher != nil {
			e.publisher.PublishEffected(ctx, row)
		}
	case storage.WouldFrontrun:
		// A later MsgRecvPacket succeeded against a packet already
		// delivered by an earlier observation: the loser is this
		// message's signer, the winner is already on the row.
		e.metrics.ObserveFrontrun(labels, signer)
		if e.publisher != nil {
			e.publisher.PublishFrontrun(ctx, row, signer)
		}
	case storage.NoOp:
		// duplicate observation of an already-terminal row; tolerated,
		// no metric change per spec's at-most-once progress invariant.
	}
	return nil
}

func (e *Engine) markUneffected(ctx context.Context, key ibc.PacketKey, signer, txHash, memo string, when time.Time, labels Labels) error {
	result, row, err := e.store.MarkUneffected(ctx, key, signer, txHash, memo, when)
	if err != nil {
		e.logger.Error("mark_uneffected failed", zap.Error(err))
		return err
	}

	switch result {
	case storage.Applied:
		e.metrics.ObserveUneffected(labels)
		e.metrics.ObservePacketAge(labels, when.Sub(row.CreatedAt))
		if row.Effected == ibc.Delivered {
			// shouldn't happen for Applied+Uneffected, guard anyway
		}
	case storage.NoOp:
		if row.Effected == ibc.Delivered {
			// A failed recv/ack/timeout against an already-delivered
			// packet: this is the frontrun loser case.
			e.metrics.ObserveFrontrun(labels, signer)
			if e.publisher != nil {
				e.publisher.PublishFrontrun(ctx, row, signer)
			}
		}
	case storage.WouldFrontrun:
		// mark_uneffected never returns WouldFrontrun; defensive no-op.
	}
	return nil
}
