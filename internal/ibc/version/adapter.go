package version

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/ibc/txdecode"
)

// Adapter normalizes a chain's block notifications according to the
// CometVersion it was constructed with. The version is selected once per
// chain at startup; Normalize dispatches on it exactly once, at this
// outer boundary, per the design note on version polymorphism.
type Adapter struct {
	version ibc.CometVersion
	logger  *zap.Logger
}

func New(version ibc.CometVersion, logger *zap.Logger) *Adapter {
	return &Adapter{version: version, logger: logger}
}

// Normalize converts a raw block notification into a NormalizedBlock. The
// first tx failing protobuf decode is skipped with a debug log rather
// than failing the block (the Neutron oracle-vote-extension case).
func (a *Adapter) Normalize(n BlockNotification) (ibc.NormalizedBlock, error) {
	attrsFn := attributeDecoderFor(a.version)

	out := ibc.NormalizedBlock{
		ChainID: n.ChainID,
		Height:  n.Height,
		Time:    n.Time,
	}

	for i, txResult := range n.TxResults {
		tx, ok, err := a.normalizeTx(txResult, attrsFn)
		if err != nil {
			if i == 0 {
				a.logger.Debug("skipping undecodable first tx in block",
					zap.Int64("height", n.Height), zap.String("chain", n.ChainID), zap.Error(err))
				continue
			}
			a.logger.Debug("skipping undecodable tx",
				zap.Int("index", i), zap.Int64("height", n.Height), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		out.Txs = append(out.Txs, tx)
	}

	return out, nil
}

func (a *Adapter) normalizeTx(tr WireTxResult, attrsFn attributeDecoder) (ibc.NormalizedTx, bool, error) {
	rawTx, err := decodeTxBase64(tr.TxBase64)
	if err != nil {
		return ibc.NormalizedTx{}, false, fmt.Errorf("decode tx bytes: %w", err)
	}

	decoded, err := txdecode.Decode(rawTx)
	if err != nil {
		return ibc.NormalizedTx{}, false, fmt.Errorf("decode tx envelope: %w", err)
	}

	events := make([]ibc.RawEvent, 0, len(tr.Events))
	for _, we := range tr.Events {
		events = append(events, normalizeEvent(we, attrsFn))
	}

	return ibc.NormalizedTx{
		Hash:     txHash(rawTx),
		Memo:     decoded.Memo,
		Messages: decoded.Messages,
		Events:   events,
		Success:  tr.Code == 0,
	}, true, nil
}

func normalizeEvent(we WireEvent, attrsFn attributeDecoder) ibc.RawEvent {
	attrs := make([]ibc.Attribute, 0, len(we.Attributes))
	for _, wa := range we.Attributes {
		k, v := attrsFn(wa.Key, wa.Value)
		attrs = append(attrs, ibc.Attribute{Key: k, Value: v})
	}
	return ibc.RawEvent{Kind: we.Type, Attributes: attrs}
}
