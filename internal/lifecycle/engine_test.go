package lifecycle

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/ibc/msgparser"
	"github.com/chainpulse/chainpulse/internal/storage"
)

// fakeStore is an in-memory storage.Store good enough to exercise the
// engine's lifecycle transitions without a real database.
type fakeStore struct {
	rows map[ibc.PacketKey]ibc.Packet
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[ibc.PacketKey]ibc.Packet{}} }

func (s *fakeStore) InsertSend(_ context.Context, p ibc.Packet) error {
	if _, exists := s.rows[p.PacketKey]; exists {
		return nil
	}
	s.rows[p.PacketKey] = p
	return nil
}

func (s *fakeStore) markTerminal(key ibc.PacketKey, state ibc.EffectedState, signer, txHash, memo string, when time.Time) (storage.MutateResult, ibc.Packet, error) {
	row, ok := s.rows[key]
	if !ok {
		row = ibc.Packet{PacketKey: key, CreatedAt: when, Effected: ibc.Pending}
		s.rows[key] = row
	}

	if row.Effected != ibc.Pending {
		if row.TxHash == txHash {
			return storage.NoOp, row, nil
		}
		if state == ibc.Delivered {
			return storage.WouldFrontrun, row, nil
		}
		return storage.NoOp, row, nil
	}

	row.Effected = state
	row.EffectedAt = when
	row.Signer = signer
	row.TxHash = txHash
	row.TxMemo = memo
	s.rows[key] = row
	return storage.Applied, row, nil
}

func (s *fakeStore) MarkEffected(_ context.Context, key ibc.PacketKey, signer, txHash, memo string, when time.Time) (storage.MutateResult, ibc.Packet, error) {
	return s.markTerminal(key, ibc.Delivered, signer, txHash, memo, when)
}

func (s *fakeStore) MarkUneffected(_ context.Context, key ibc.PacketKey, signer, txHash, memo string, when time.Time) (storage.MutateResult, ibc.Packet, error) {
	return s.markTerminal(key, ibc.Uneffected, signer, txHash, memo, when)
}

func (s *fakeStore) FindByUser(context.Context, string, storage.Role, int, time.Duration) ([]ibc.Packet, error) {
	return nil, nil
}

func (s *fakeStore) FindStuck(context.Context, time.Duration, int) ([]ibc.Packet, error) { return nil, nil }

func (s *fakeStore) Get(_ context.Context, chainID, channel string, sequence uint64) (ibc.Packet, error) {
	key := ibc.PacketKey{SourceChainID: chainID, SourceChannel: channel, Sequence: sequence}
	row, ok := s.rows[key]
	if !ok {
		return ibc.Packet{}, storage.ErrNotFound
	}
	return row, nil
}

func (s *fakeStore) ChannelCongestion(context.Context, time.Duration) ([]storage.ChannelCongestionRow, error) {
	return nil, nil
}

func (s *fakeStore) AllTerminal(context.Context) ([]ibc.Packet, error) {
	var out []ibc.Packet
	for _, row := range s.rows {
		if row.Effected != ibc.Pending {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

// fakeMetrics records which Observe* calls fired, so tests can assert on
// counts without a real Prometheus registry.
type fakeMetrics struct {
	packets    int
	txs        int
	effected   int
	uneffected int
	frontruns  int
	unknown    int
}

func (m *fakeMetrics) ObservePacket(string)                   { m.packets++ }
func (m *fakeMetrics) ObserveTx(string)                       { m.txs++ }
func (m *fakeMetrics) ObserveEffected(Labels)                 { m.effected++ }
func (m *fakeMetrics) ObserveUneffected(Labels)               { m.uneffected++ }
func (m *fakeMetrics) ObserveFrontrun(Labels, string)         { m.frontruns++ }
func (m *fakeMetrics) ObservePacketAge(Labels, time.Duration) {}
func (m *fakeMetrics) ObserveUnknownMsg(string, string)       { m.unknown++ }

type fakePublisher struct {
	effected       []ibc.Packet
	frontruns      []ibc.Packet
	frontrunLosers []string
}

func (p *fakePublisher) PublishEffected(_ context.Context, pkt ibc.Packet) {
	p.effected = append(p.effected, pkt)
}

func (p *fakePublisher) PublishFrontrun(_ context.Context, pkt ibc.Packet, loserSigner string) {
	p.frontruns = append(p.frontruns, pkt)
	p.frontrunLosers = append(p.frontrunLosers, loserSigner)
}

func sendPacketEvent(seq uint64, srcChannel, dstChannel string) ibc.RawEvent {
	return ibc.RawEvent{
		Kind: "send_packet",
		Attributes: []ibc.Attribute{
			{Key: "packet_sequence", Value: strconv.FormatUint(seq, 10)},
			{Key: "packet_src_port", Value: "transfer"},
			{Key: "packet_src_channel", Value: srcChannel},
			{Key: "packet_dst_port", Value: "transfer"},
			{Key: "packet_dst_channel", Value: dstChannel},
			{Key: "packet_data", Value: `{"denom":"uatom","amount":"1","sender":"a","receiver":"b","memo":""}`},
		},
	}
}

func TestEngine_HappyPath_SendThenRecv(t *testing.T) {
	store := newFakeStore()
	metrics := &fakeMetrics{}
	publisher := &fakePublisher{}
	engine := New(store, metrics, publisher, zap.NewNop())

	key := ibc.PacketKey{SourceChainID: "cosmoshub-4", SourceChannel: "channel-0", Sequence: 42}

	block := ibc.NormalizedBlock{
		ChainID: "cosmoshub-4",
		Height:  1,
		Txs: []ibc.NormalizedTx{
			{Hash: "tx1", Success: true, Events: []ibc.RawEvent{sendPacketEvent(42, "channel-0", "channel-1")}},
		},
	}
	require.NoError(t, engine.ProcessBlock(context.Background(), block))

	row, err := store.Get(context.Background(), key.SourceChainID, key.SourceChannel, key.Sequence)
	require.NoError(t, err)
	assert.Equal(t, ibc.Pending, row.Effected)
	assert.Equal(t, 1, metrics.packets)

	// Deliver it.
	result, _, err := store.MarkEffected(context.Background(), key, "cosmos1relayer", "tx2", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, storage.Applied, result)

	row, err = store.Get(context.Background(), key.SourceChainID, key.SourceChannel, key.Sequence)
	require.NoError(t, err)
	assert.Equal(t, ibc.Delivered, row.Effected)
}

func TestEngine_Frontrun_SecondDeliveryLoses(t *testing.T) {
	store := newFakeStore()
	metrics := &fakeMetrics{}
	engine := New(store, metrics, nil, zap.NewNop())

	block := ibc.NormalizedBlock{
		ChainID: "cosmoshub-4",
		Height:  1,
		Txs: []ibc.NormalizedTx{
			{Hash: "tx1", Success: true, Events: []ibc.RawEvent{sendPacketEvent(42, "channel-0", "channel-1")}},
		},
	}
	require.NoError(t, engine.ProcessBlock(context.Background(), block))

	key := ibc.PacketKey{SourceChainID: "cosmoshub-4", SourceChannel: "channel-0", Sequence: 42}

	result1, _, err := store.MarkEffected(context.Background(), key, "cosmos1winner", "tx-winner", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, storage.Applied, result1)

	result2, row, err := store.MarkEffected(context.Background(), key, "cosmos1loser", "tx-loser", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, storage.WouldFrontrun, result2)
	assert.Equal(t, "cosmos1winner", row.Signer)
}

func TestEngine_PendingRow_MarkUneffectedApplies(t *testing.T) {
	store := newFakeStore()
	engine := New(store, &fakeMetrics{}, nil, zap.NewNop())

	block := ibc.NormalizedBlock{
		ChainID: "cosmoshub-4",
		Height:  1,
		Txs: []ibc.NormalizedTx{
			{Hash: "tx1", Success: true, Events: []ibc.RawEvent{sendPacketEvent(42, "channel-0", "channel-1")}},
		},
	}
	require.NoError(t, engine.ProcessBlock(context.Background(), block))

	key := ibc.PacketKey{SourceChainID: "cosmoshub-4", SourceChannel: "channel-0", Sequence: 42}
	result, row, err := store.MarkUneffected(context.Background(), key, "", "tx-timeout", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, storage.Applied, result)
	assert.Equal(t, ibc.Uneffected, row.Effected)
}

func TestEngine_DuplicateTerminalObservationIsNoOp(t *testing.T) {
	store := newFakeStore()
	engine := New(store, &fakeMetrics{}, nil, zap.NewNop())

	block := ibc.NormalizedBlock{
		ChainID: "cosmoshub-4",
		Height:  1,
		Txs: []ibc.NormalizedTx{
			{Hash: "tx1", Success: true, Events: []ibc.RawEvent{sendPacketEvent(42, "channel-0", "channel-1")}},
		},
	}
	require.NoError(t, engine.ProcessBlock(context.Background(), block))

	key := ibc.PacketKey{SourceChainID: "cosmoshub-4", SourceChannel: "channel-0", Sequence: 42}
	_, _, err := store.MarkEffected(context.Background(), key, "s", "tx-a", "", time.Now())
	require.NoError(t, err)

	result, _, err := store.MarkEffected(context.Background(), key, "s", "tx-a", "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, storage.NoOp, result)
}

// encodePacket and encodeMsgRecvPacket mirror
// internal/ibc/msgparser's own test fixtures, building the wire bytes
// msgparser.Parse expects for a MsgRecvPacket's embedded Packet.
func encodePacket(seq uint64, srcPort, srcChannel, dstPort, dstChannel string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, srcPort)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, srcChannel)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, dstPort)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, dstChannel)
	b = protowire.AppendTag(b, 6, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("not-a-transfer-payload"))
	return b
}

func encodeMsgRecvPacket(packet []byte, signer string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packet)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, signer)
	return b
}

func recvPacketMsg(seq uint64, srcChannel, dstChannel, signer string) ibc.RawMsg {
	packet := encodePacket(seq, "transfer", srcChannel, "transfer", dstChannel)
	return ibc.RawMsg{TypeURL: msgparser.TypeMsgRecvPacket, Value: encodeMsgRecvPacket(packet, signer)}
}

func TestEngine_MsgRecvPacket_MarksEffectedAndPublishes(t *testing.T) {
	store := newFakeStore()
	metrics := &fakeMetrics{}
	publisher := &fakePublisher{}
	engine := New(store, metrics, publisher, zap.NewNop())

	block := ibc.NormalizedBlock{
		ChainID: "osmosis-1",
		Height:  1,
		Txs: []ibc.NormalizedTx{
			{
				Hash:     "tx-recv",
				Success:  true,
				Memo:     "relayed",
				Messages: []ibc.RawMsg{recvPacketMsg(7, "channel-0", "channel-1", "cosmos1relayer")},
			},
		},
	}
	require.NoError(t, engine.ProcessBlock(context.Background(), block))

	key := ibc.PacketKey{SourceChainID: "osmosis-1", SourceChannel: "channel-0", Sequence: 7}
	row, err := store.Get(context.Background(), key.SourceChainID, key.SourceChannel, key.Sequence)
	require.NoError(t, err)
	assert.Equal(t, ibc.Delivered, row.Effected)
	assert.Equal(t, "cosmos1relayer", row.Signer)

	assert.Equal(t, 1, metrics.effected)
	require.Len(t, publisher.effected, 1)
	assert.Equal(t, "cosmos1relayer", publisher.effected[0].Signer)
}

func TestEngine_MsgRecvPacket_FailedTxMarksUneffected(t *testing.T) {
	store := newFakeStore()
	metrics := &fakeMetrics{}
	engine := New(store, metrics, nil, zap.NewNop())

	block := ibc.NormalizedBlock{
		ChainID: "osmosis-1",
		Height:  1,
		Txs: []ibc.NormalizedTx{
			{
				Hash:     "tx-recv",
				Success:  false,
				Messages: []ibc.RawMsg{recvPacketMsg(7, "channel-0", "channel-1", "cosmos1relayer")},
			},
		},
	}
	require.NoError(t, engine.ProcessBlock(context.Background(), block))

	key := ibc.PacketKey{SourceChainID: "osmosis-1", SourceChannel: "channel-0", Sequence: 7}
	row, err := store.Get(context.Background(), key.SourceChainID, key.SourceChannel, key.Sequence)
	require.NoError(t, err)
	assert.Equal(t, ibc.Uneffected, row.Effected)
	assert.Equal(t, 1, metrics.uneffected)
}

func TestEngine_MsgRecvPacket_FrontrunLoserPublished(t *testing.T) {
	store := newFakeStore()
	metrics := &fakeMetrics{}
	publisher := &fakePublisher{}
	engine := New(store, metrics, publisher, zap.NewNop())

	block := ibc.NormalizedBlock{
		ChainID: "osmosis-1",
		Height:  1,
		Txs: []ibc.NormalizedTx{
			{Hash: "tx-winner", Success: true, Messages: []ibc.RawMsg{recvPacketMsg(7, "channel-0", "channel-1", "cosmos1winner")}},
			{Hash: "tx-loser", Success: true, Messages: []ibc.RawMsg{recvPacketMsg(7, "channel-0", "channel-1", "cosmos1loser")}},
		},
	}
	require.NoError(t, engine.ProcessBlock(context.Background(), block))

	assert.Equal(t, 1, metrics.effected)
	assert.Equal(t, 1, metrics.frontruns)
	require.Len(t, publisher.frontrunLosers, 1)
	assert.Equal(t, "cosmos1loser", publisher.frontrunLosers[0])
}

func TestEngine_UnknownMessageTypeIsObservedNotFailed(t *testing.T) {
	store := newFakeStore()
	metrics := &fakeMetrics{}
	engine := New(store, metrics, nil, zap.NewNop())

	block := ibc.NormalizedBlock{
		ChainID: "osmosis-1",
		Height:  1,
		Txs: []ibc.NormalizedTx{
			{Hash: "tx1", Success: true, Messages: []ibc.RawMsg{{TypeURL: "/cosmwasm.wasm.v1.MsgExecuteContract", Value: []byte("x")}}},
		},
	}
	require.NoError(t, engine.ProcessBlock(context.Background(), block))
	assert.Equal(t, 1, metrics.unknown)
}
