// Package sqlindex implements the auxiliary relational index described in
// spec §6: an ordered, queryable record of produced blueprints, kernel
// upgrades, publisher high-water marks and the delayed-inbox cursor,
// backed by modernc.org/sqlite (pure Go, no cgo), in WAL journal mode
// unless another mode is passed to Open.
package sqlindex

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// JournalMode selects the sqlite journal_mode pragma; spec §6 exposes this
// as the sqlite_journal_mode configuration option.
type JournalMode string

const (
	JournalWAL    JournalMode = "wal"
	JournalDelete JournalMode = "delete"
)

// Index wraps the sqlite database holding the node's metadata tables.
type Index struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS blueprints (
	number     INTEGER PRIMARY KEY,
	payload    BLOB NOT NULL,
	timestamp  INTEGER NOT NULL,
	state_root BLOB NOT NULL,
	block_hash BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS kernel_upgrades (
	number  INTEGER PRIMARY KEY,
	payload BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS publisher_state (
	id                 INTEGER PRIMARY KEY CHECK (id = 0),
	last_published     INTEGER NOT NULL,
	last_seen_on_chain INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS delayed_inbox_cursor (
	source   TEXT PRIMARY KEY,
	l1_level INTEGER NOT NULL
);
`

// Open opens (or creates) the sqlite index file at path.
func Open(path string, mode JournalMode) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlindex: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite allows one writer; keep it simple and serialized
	if mode == "" {
		mode = JournalWAL
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA journal_mode=%s;", mode)); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlindex: set journal_mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlindex: create schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// RecordBlueprint indexes a committed blueprint for later lookup by
// number, along with the resulting state root and block hash so a later
// Replay can reconstruct the pre-state of any archived block without
// depending on the current head.
func (idx *Index) RecordBlueprint(ctx context.Context, number uint64, payload []byte, timestamp int64, stateRoot, blockHash [32]byte) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blueprints (number, payload, timestamp, state_root, block_hash) VALUES (?, ?, ?, ?, ?)`,
		number, payload, timestamp, stateRoot[:], blockHash[:])
	if err != nil {
		return fmt.Errorf("sqlindex: record blueprint %d: %w", number, err)
	}
	return nil
}

// BlueprintRecord is one row of the blueprints table.
type BlueprintRecord struct {
	Payload   []byte
	Timestamp int64
	StateRoot [32]byte
	BlockHash [32]byte
}

// Blueprint returns the record stored for number.
func (idx *Index) Blueprint(ctx context.Context, number uint64) (BlueprintRecord, bool, error) {
	var rec BlueprintRecord
	var root, hash []byte
	row := idx.db.QueryRowContext(ctx, `SELECT payload, timestamp, state_root, block_hash FROM blueprints WHERE number = ?`, number)
	if scanErr := row.Scan(&rec.Payload, &rec.Timestamp, &root, &hash); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return BlueprintRecord{}, false, nil
		}
		return BlueprintRecord{}, false, fmt.Errorf("sqlindex: blueprint %d: %w", number, scanErr)
	}
	copy(rec.StateRoot[:], root)
	copy(rec.BlockHash[:], hash)
	return rec, true, nil
}

// CountBlueprints returns the number of committed blueprints recorded,
// used by evmcontext.Init to set next_blueprint_number on reload (spec §8's "after restart, next_blueprint_number equals the in-store
// count of committed blueprints" invariant).
func (idx *Index) CountBlueprints(ctx context.Context) (uint64, error) {
	var n uint64
	row := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blueprints`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlindex: count blueprints: %w", err)
	}
	return n, nil
}

// RecordKernelUpgrade indexes a kernel-upgrade event observed at an L1-driven number.
func (idx *Index) RecordKernelUpgrade(ctx context.Context, number uint64, payload []byte) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kernel_upgrades (number, payload) VALUES (?, ?)`, number, payload)
	if err != nil {
		return fmt.Errorf("sqlindex: record kernel upgrade %d: %w", number, err)
	}
	return nil
}

// PublisherState is the persisted high-water mark the publisher resumes from.
type PublisherState struct {
	LastPublished    uint64
	LastSeenOnChain  uint64
}

// LoadPublisherState reads the persisted mark, defaulting to zeros if unset.
func (idx *Index) LoadPublisherState(ctx context.Context) (PublisherState, error) {
	var st PublisherState
	row := idx.db.QueryRowContext(ctx, `SELECT last_published, last_seen_on_chain FROM publisher_state WHERE id = 0`)
	if err := row.Scan(&st.LastPublished, &st.LastSeenOnChain); err != nil {
		if err == sql.ErrNoRows {
			return PublisherState{}, nil
		}
		return PublisherState{}, fmt.Errorf("sqlindex: load publisher state: %w", err)
	}
	return st, nil
}

// SavePublisherState atomically replaces the persisted high-water mark.
func (idx *Index) SavePublisherState(ctx context.Context, st PublisherState) error {
	_, err := idx.db.ExecContext(ctx,
		`INSERT INTO publisher_state (id, last_published, last_seen_on_chain) VALUES (0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_published = excluded.last_published, last_seen_on_chain = excluded.last_seen_on_chain`,
		st.LastPublished, st.LastSeenOnChain)
	if err != nil {
		return fmt.Errorf("sqlindex: save publisher state: %w", err)
	}
	return nil
}

// DelayedInboxCursor returns the last L1 level processed for source, or 0.
func (idx *Index) DelayedInboxCursor(ctx context.Context, source string) (uint64, error) {
	var level uint64
	row := idx.db.QueryRowContext(ctx, `SELECT l1_level FROM delayed_inbox_cursor WHERE source = ?`, source)
	if err := row.Scan(&level); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("sqlindex: cursor %q: %w", source, err)
	}
	return level, nil
}

// AdvanceDelayedInboxCursor persists level for source iff it is not lower
// than the currently stored value, enforcing the monotonic-cursor
// invariant from spec §8 inside the index itself.
func (idx *Index) AdvanceDelayedInboxCursor(ctx context.Context, source string, level uint64) error {
	cur, err := idx.DelayedInboxCursor(ctx, source)
	if err != nil {
		return err
	}
	if level < cur {
		return fmt.Errorf("sqlindex: refusing to move cursor %q backwards: %d -> %d", source, cur, level)
	}
	_, err = idx.db.ExecContext(ctx,
		`INSERT INTO delayed_inbox_cursor (source, l1_level) VALUES (?, ?)
		 ON CONFLICT(source) DO UPDATE SET l1_level = excluded.l1_level`,
		source, level)
	if err != nil {
		return fmt.Errorf("sqlindex: advance cursor %q: %w", source, err)
	}
	return nil
}
