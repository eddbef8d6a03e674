package sqlite

import (
	"database/sql"
	"strconv"
)

// migrations is an ordered list of DDL patches. Each runs inside its own
// transaction and bumps the database's user_version by one; migrate
// applies only the patches beyond the current user_version, so restarts
// against an already-migrated database are no-ops.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS packets (
		source_chain_id     TEXT    NOT NULL,
		source_port         TEXT    NOT NULL,
		source_channel      TEXT    NOT NULL,
		sequence            INTEGER NOT NULL,
		destination_port    TEXT    NOT NULL,
		destination_channel TEXT    NOT NULL,
		data_hash           BLOB    NOT NULL,
		created_at          INTEGER NOT NULL,
		effected_at         INTEGER,
		timeout_timestamp   INTEGER,
		timeout_rev_number  INTEGER,
		timeout_rev_height  INTEGER,
		effected            INTEGER NOT NULL DEFAULT 0,
		signer              TEXT,
		tx_hash             TEXT,
		tx_memo             TEXT,
		transfer_sender     TEXT,
		transfer_receiver   TEXT,
		transfer_denom      TEXT,
		transfer_amount     TEXT,
		transfer_ibc_version TEXT,
		PRIMARY KEY (source_chain_id, source_channel, sequence)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_packets_sender ON packets(transfer_sender) WHERE transfer_sender IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_packets_receiver ON packets(transfer_receiver) WHERE transfer_receiver IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_packets_stuck ON packets(source_channel, destination_channel, effected, created_at) WHERE effected = 0;`,
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return err
	}

	var version int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&version); err != nil {
		return err
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return err
		}
		// PRAGMA user_version can't be parameterized; the index i+1 is an
		// int we generated, not user input.
		if _, err := tx.Exec(pragmaUserVersion(i + 1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func pragmaUserVersion(v int) string {
	return "PRAGMA user_version = " + strconv.Itoa(v) + ";"
}
