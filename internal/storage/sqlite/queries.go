package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chainpulse/chainpulse/internal/ibc"
	"github.com/chainpulse/chainpulse/internal/storage"
)

func insertSend(tx *sql.Tx, p ibc.Packet) error {
	var timeoutRev, timeoutHeight sql.NullInt64
	if p.TimeoutHeight != nil {
		timeoutRev = sql.NullInt64{Int64: int64(p.TimeoutHeight.RevisionNumber), Valid: true}
		timeoutHeight = sql.NullInt64{Int64: int64(p.TimeoutHeight.RevisionHeight), Valid: true}
	}

	var sender, receiver, denom, amount, ibcVersion sql.NullString
	if p.Transfer != nil {
		sender = sql.NullString{String: p.Transfer.Sender, Valid: true}
		receiver = sql.NullString{String: p.Transfer.Receiver, Valid: true}
		denom = sql.NullString{String: p.Transfer.Denom, Valid: true}
		amount = sql.NullString{String: p.Transfer.Amount, Valid: true}
		ibcVersion = sql.NullString{String: p.Transfer.IBCVersion, Valid: true}
	}

	_, err := tx.Exec(`
		INSERT INTO packets (
			source_chain_id, source_port, source_channel, sequence,
			destination_port, destination_channel, data_hash,
			created_at, timeout_timestamp, timeout_rev_number, timeout_rev_height,
			effected, transfer_sender, transfer_receiver, transfer_denom, transfer_amount, transfer_ibc_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
		ON CONFLICT (source_chain_id, source_channel, sequence) DO NOTHING`,
		p.SourceChainID, p.SourcePort, p.SourceChannel, p.Sequence,
		p.DestinationPort, p.DestinationChannel, p.DataHash[:],
		p.CreatedAt.UnixNano(), nullableTimestamp(p.TimeoutTimestamp), timeoutRev, timeoutHeight,
		sender, receiver, denom, amount, ibcVersion,
	)
	return err
}

func nullableTimestamp(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// markTerminal transitions a row to state only if it is currently
// Pending. If the row doesn't exist, it is inserted as Pending first
// (the source-side send_packet may live on a chain ChainPulse doesn't
// monitor), then the transition is attempted again.
func markTerminal(tx *sql.Tx, key ibc.PacketKey, state ibc.EffectedState, signer, txHash, memo string, when time.Time) (storage.MutateResult, ibc.Packet, error) {
	existing, err := getPacketTx(tx, key)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := tx.Exec(`
			INSERT INTO packets (source_chain_id, source_port, source_channel, sequence, destination_port, destination_channel, data_hash, created_at, effected)
			VALUES (?, '', ?, ?, '', '', ?, ?, 0)`,
			key.SourceChainID, key.SourceChannel, key.Sequence, make([]byte, 32), when.UnixNano(),
		); err != nil {
			return 0, ibc.Packet{}, fmt.Errorf("sqlite: insert placeholder row: %w", err)
		}
		existing, err = getPacketTx(tx, key)
		if err != nil {
			return 0, ibc.Packet{}, fmt.Errorf("sqlite: fatal invariant violation: row missing immediately after insert: %w", err)
		}
	} else if err != nil {
		return 0, ibc.Packet{}, err
	}

	if existing.Effected != ibc.Pending {
		if existing.TxHash == txHash {
			// the transaction that made the row terminal, observed again
			return storage.NoOp, existing, nil
		}
		if state == ibc.Delivered {
			return storage.WouldFrontrun, existing, nil
		}
		return storage.NoOp, existing, nil
	}

	res, err := tx.Exec(`
		UPDATE packets SET effected = ?, effected_at = ?, signer = ?, tx_hash = ?, tx_memo = ?
		WHERE source_chain_id = ? AND source_channel = ? AND sequence = ? AND effected = 0`,
		int(state), when.UnixNano(), signer, txHash, memo,
		key.SourceChainID, key.SourceChannel, key.Sequence,
	)
	if err != nil {
		return 0, ibc.Packet{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, ibc.Packet{}, err
	}
	if affected == 0 {
		// Lost a race against another writer on the same handle; since
		// writes are funneled through one goroutine this should not
		// happen, but treat it as a tolerated no-op rather than panic.
		updated, err := getPacketTx(tx, key)
		if err != nil {
			return 0, ibc.Packet{}, err
		}
		return storage.NoOp, updated, nil
	}

	updated, err := getPacketTx(tx, key)
	if err != nil {
		return 0, ibc.Packet{}, err
	}
	return storage.Applied, updated, nil
}

const selectColumns = `
	source_chain_id, source_port, source_channel, sequence,
	destination_port, destination_channel, data_hash,
	created_at, effected_at, timeout_timestamp, timeout_rev_number, timeout_rev_height,
	effected, signer, tx_hash, tx_memo,
	transfer_sender, transfer_receiver, transfer_denom, transfer_amount, transfer_ibc_version`

type scanner interface {
	Scan(dest ...any) error
}

func scanPacket(row scanner) (ibc.Packet, error) {
	var p ibc.Packet
	var dataHash []byte
	var createdAt int64
	var effectedAt, timeoutTimestamp, timeoutRev, timeoutHeight sql.NullInt64
	var signer, txHash, txMemo sql.NullString
	var sender, receiver, denom, amount, ibcVersion sql.NullString
	var effected int

	err := row.Scan(
		&p.SourceChainID, &p.SourcePort, &p.SourceChannel, &p.Sequence,
		&p.DestinationPort, &p.DestinationChannel, &dataHash,
		&createdAt, &effectedAt, &timeoutTimestamp, &timeoutRev, &timeoutHeight,
		&effected, &signer, &txHash, &txMemo,
		&sender, &receiver, &denom, &amount, &ibcVersion,
	)
	if err != nil {
		return ibc.Packet{}, err
	}

	p.CreatedAt = time.Unix(0, createdAt).UTC()
	if effectedAt.Valid {
		p.EffectedAt = time.Unix(0, effectedAt.Int64).UTC()
	}
	if timeoutTimestamp.Valid {
		v := timeoutTimestamp.Int64
		p.TimeoutTimestamp = &v
	}
	if timeoutRev.Valid && timeoutHeight.Valid {
		p.TimeoutHeight = &ibc.Height{
			RevisionNumber: uint64(timeoutRev.Int64),
			RevisionHeight: uint64(timeoutHeight.Int64),
		}
	}
	p.Effected = ibc.EffectedState(effected)
	p.Signer = signer.String
	p.TxHash = txHash.String
	p.TxMemo = txMemo.String
	copy(p.DataHash[:], dataHash)

	if sender.Valid && receiver.Valid && denom.Valid && amount.Valid {
		p.Transfer = &ibc.Transfer{
			Sender:     sender.String,
			Receiver:   receiver.String,
			Denom:      denom.String,
			Amount:     amount.String,
			IBCVersion: ibcVersion.String,
		}
	}

	return p, nil
}

func getPacketTx(tx *sql.Tx, key ibc.PacketKey) (ibc.Packet, error) {
	row := tx.QueryRow(`SELECT `+selectColumns+` FROM packets WHERE source_chain_id = ? AND source_channel = ? AND sequence = ?`,
		key.SourceChainID, key.SourceChannel, key.Sequence)
	p, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ibc.Packet{}, storage.ErrNotFound
	}
	return p, err
}

func getPacket(ctx context.Context, db *sql.DB, key ibc.PacketKey) (ibc.Packet, error) {
	row := db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM packets WHERE source_chain_id = ? AND source_channel = ? AND sequence = ?`,
		key.SourceChainID, key.SourceChannel, key.Sequence)
	p, err := scanPacket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ibc.Packet{}, storage.ErrNotFound
	}
	return p, err
}

func findByUser(ctx context.Context, db *sql.DB, addr string, role storage.Role, limit int, minAge time.Duration) ([]ibc.Packet, error) {
	column := "transfer_sender"
	if role == storage.RoleReceiver {
		column = "transfer_receiver"
	}
	cutoff := time.Now().Add(-minAge).UnixNano()

	rows, err := db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM packets WHERE `+column+` = ? AND created_at <= ? ORDER BY created_at DESC LIMIT ?`,
		addr, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAll(rows)
}

func findStuck(ctx context.Context, db *sql.DB, minAge time.Duration, limit int) ([]ibc.Packet, error) {
	cutoff := time.Now().Add(-minAge).UnixNano()

	rows, err := db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM packets WHERE effected = 0 AND created_at < ? ORDER BY created_at ASC LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAll(rows)
}

func allTerminal(ctx context.Context, db *sql.DB) ([]ibc.Packet, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM packets WHERE effected != 0 ORDER BY effected_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]ibc.Packet, error) {
	var out []ibc.Packet
	for rows.Next() {
		p, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func channelCongestion(ctx context.Context, db *sql.DB, minAge time.Duration) ([]storage.ChannelCongestionRow, error) {
	cutoff := time.Now().Add(-minAge).UnixNano()

	rows, err := db.QueryContext(ctx, `
		SELECT source_channel, destination_channel, COUNT(*), transfer_denom, COALESCE(SUM(CAST(transfer_amount AS REAL)), 0)
		FROM packets
		WHERE effected = 0 AND created_at < ?
		GROUP BY source_channel, destination_channel, transfer_denom`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byChannel := map[[2]string]*storage.ChannelCongestionRow{}
	var order [][2]string

	for rows.Next() {
		var srcChannel, dstChannel string
		var count int64
		var denom sql.NullString
		var sum float64
		if err := rows.Scan(&srcChannel, &dstChannel, &count, &denom, &sum); err != nil {
			return nil, err
		}

		key := [2]string{srcChannel, dstChannel}
		row, ok := byChannel[key]
		if !ok {
			row = &storage.ChannelCongestionRow{
				SourceChannel:      srcChannel,
				DestinationChannel: dstChannel,
				AmountByDenom:      map[string]string{},
			}
			byChannel[key] = row
			order = append(order, key)
		}
		row.PendingCount += count
		if denom.Valid {
			row.AmountByDenom[denom.String] = formatAmount(sum)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]storage.ChannelCongestionRow, 0, len(order))
	for _, key := range order {
		out = append(out, *byChannel[key])
	}
	return out, nil
}

func formatAmount(v float64) string {
	return fmt.Sprintf("%.0f", v)
}
