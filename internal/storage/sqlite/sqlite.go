// Package sqlite backs the storage.Store contract with a pure-Go SQLite
// driver (modernc.org/sqlite — no example repo in the retrieval pack
// ships a SQLite driver, so this dependency is named rather than
// grounded; see DESIGN.md). Writes funnel through a single goroutine
// reading a bounded channel, matching the spec's single-writer-per-handle
// discipline; reads use a separate connection pool.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/storage"
)

const defaultQueueSize = 1024

// Options configures the SQLite-backed store.
type Options struct {
	Path      string
	QueueSize int
}

// Store implements storage.Store over a SQLite database file.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB

	queue  chan writeRequest
	closed chan struct{}
}

type writeRequest struct {
	run  func(ctx context.Context, tx *sql.Tx) error
	done chan error
}

// Open creates (or attaches to) the database at opts.Path, applies
// pending migrations, and starts the single-writer goroutine.
func Open(opts Options) (*Store, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	dsn := opts.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open write handle: %w", err)
	}
	writeDB.SetMaxOpenConns(1) // single-writer discipline enforced at the connection level too

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("sqlite: open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(4)

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		queue:   make(chan writeRequest, opts.QueueSize),
		closed:  make(chan struct{}),
	}

	if err := migrate(writeDB); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	go s.writerLoop()

	return s, nil
}

func (s *Store) writerLoop() {
	for req := range s.queue {
		req.done <- s.runWithRetry(req.run)
	}
	close(s.closed)
}

// runWithRetry makes up to three attempts at a write that fails with a
// storage error (constraint/busy), 100ms apart, before giving up, per
// spec §7.3.
func (s *Store) runWithRetry(run func(ctx context.Context, tx *sql.Tx) error) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := s.runOnce(run)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	return lastErr
}

func (s *Store) runOnce(run func(ctx context.Context, tx *sql.Tx) error) error {
	ctx := context.Background()
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := run(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// submit enqueues a write and blocks until it completes. Enqueue blocks
// (not drops) when the queue is full — this is the backpressure point
// collectors observe per spec §5.
func (s *Store) submit(run func(ctx context.Context, tx *sql.Tx) error) error {
	req := writeRequest{run: run, done: make(chan error, 1)}
	s.queue <- req
	return <-req.done
}

func (s *Store) Close() error {
	close(s.queue)
	<-s.closed
	_ = s.writeDB.Close()
	return s.readDB.Close()
}

func (s *Store) InsertSend(ctx context.Context, p ibc.Packet) error {
	return s.submit(func(_ context.Context, tx *sql.Tx) error {
		return insertSend(tx, p)
	})
}

func (s *Store) MarkEffected(ctx context.Context, key ibc.PacketKey, signer, txHash, memo string, when time.Time) (storage.MutateResult, ibc.Packet, error) {
	var result storage.MutateResult
	var row ibc.Packet
	err := s.submit(func(_ context.Context, tx *sql.Tx) error {
		r, p, err := markTerminal(tx, key, ibc.Delivered, signer, txHash, memo, when)
		result, row = r, p
		return err
	})
	return result, row, err
}

func (s *Store) MarkUneffected(ctx context.Context, key ibc.PacketKey, signer, txHash, memo string, when time.Time) (storage.MutateResult, ibc.Packet, error) {
	var result storage.MutateResult
	var row ibc.Packet
	err := s.submit(func(_ context.Context, tx *sql.Tx) error {
		r, p, err := markTerminal(tx, key, ibc.Uneffected, signer, txHash, memo, when)
		result, row = r, p
		return err
	})
	return result, row, err
}

func (s *Store) Get(ctx context.Context, chainID, channel string, sequence uint64) (ibc.Packet, error) {
	return getPacket(ctx, s.readDB, ibc.PacketKey{SourceChainID: chainID, SourceChannel: channel, Sequence: sequence})
}

func (s *Store) FindByUser(ctx context.Context, addr string, role storage.Role, limit int, minAge time.Duration) ([]ibc.Packet, error) {
	return findByUser(ctx, s.readDB, addr, role, limit, minAge)
}

func (s *Store) FindStuck(ctx context.Context, minAge time.Duration, limit int) ([]ibc.Packet, error) {
	return findStuck(ctx, s.readDB, minAge, limit)
}

func (s *Store) ChannelCongestion(ctx context.Context, minAge time.Duration) ([]storage.ChannelCongestionRow, error) {
	return channelCongestion(ctx, s.readDB, minAge)
}

func (s *Store) AllTerminal(ctx context.Context) ([]ibc.Packet, error) {
	return allTerminal(ctx, s.readDB)
}
