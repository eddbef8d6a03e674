// Package storage defines the persistence contract for packet lifecycle
// rows (spec §4.5). The single-writer funnel that serializes mutating
// calls onto one goroutine per handle (spec §5) lives in the backend,
// internal/storage/sqlite.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chainpulse/chainpulse/internal/ibc"
)

// ErrNotFound is returned by Get when no row matches the identifying
// triple.
var ErrNotFound = errors.New("storage: packet not found")

// Role selects which address column find_by_user filters on.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// MutateResult reports what a mutating call actually did, so the
// lifecycle engine can decide whether a metric should be incremented
// (spec invariant: duplicate observations must not double-count).
type MutateResult int

const (
	// Applied means this call performed the transition.
	Applied MutateResult = iota
	// WouldFrontrun means the row was already made terminal by a
	// different transaction; mark_effected refuses to overwrite it.
	WouldFrontrun
	// NoOp means the row was already in a terminal state and the call
	// was a tolerated duplicate: the same transaction observed again, or
	// mark_uneffected on a terminal row.
	NoOp
)

// ChannelCongestionRow is one aggregate row from ChannelCongestion.
type ChannelCongestionRow struct {
	SourceChannel      string
	DestinationChannel string
	PendingCount       int64
	AmountByDenom      map[string]string // denom -> decimal-string sum
}

// Store is the persistence contract every backend (SQLite, or any future
// backing) must satisfy. All methods are safe for concurrent use; Store
// implementations serialize their own mutating calls internally.
type Store interface {
	InsertSend(ctx context.Context, p ibc.Packet) error
	MarkEffected(ctx context.Context, key ibc.PacketKey, signer, txHash, memo string, when time.Time) (MutateResult, ibc.Packet, error)
	MarkUneffected(ctx context.Context, key ibc.PacketKey, signer, txHash, memo string, when time.Time) (MutateResult, ibc.Packet, error)
	FindByUser(ctx context.Context, addr string, role Role, limit int, minAge time.Duration) ([]ibc.Packet, error)
	FindStuck(ctx context.Context, minAge time.Duration, limit int) ([]ibc.Packet, error)
	Get(ctx context.Context, chainID, channel string, sequence uint64) (ibc.Packet, error)
	// ChannelCongestion aggregates pending packets older than minAge per
	// channel pair and denom, per spec §3's stuck-threshold definition.
	ChannelCongestion(ctx context.Context, minAge time.Duration) ([]ChannelCongestionRow, error)
	// AllTerminal returns every row that has reached a terminal state
	// (Delivered or Uneffected), for seeding the metrics registry's
	// counters from persisted history on startup.
	AllTerminal(ctx context.Context) ([]ibc.Packet, error)
	Close() error
}
