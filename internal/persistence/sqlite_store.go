package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mkallio/flowstate/pkg/api"
)

// SQLiteStore implements RecordStore, LockStore, and HistoryStore on a
// single SQLite database.
//
// It expects an *sql.DB opened with a SQLite driver (for example
// "modernc.org/sqlite"). The caller is responsible for importing the
// driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ RecordStore  = (*SQLiteStore)(nil)
	_ LockStore    = (*SQLiteStore)(nil)
	_ HistoryStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			machine_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			state TEXT NOT NULL,
			context BLOB,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (machine_id, entity_id)
		);
		CREATE INDEX IF NOT EXISTS idx_entities_state ON entities(machine_id, state);

		CREATE TABLE IF NOT EXISTS transitions (
			id TEXT PRIMARY KEY,
			machine_id TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			event TEXT NOT NULL,
			event_data BLOB,
			triggered_by TEXT NOT NULL,
			at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_entity ON transitions(machine_id, entity_id, at);

		CREATE TABLE IF NOT EXISTS locks (
			key TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`)
	return err
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *Record) error {
	blob, err := encodeContext(rec.Context)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (machine_id, entity_id, state, context, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		rec.MachineID, rec.EntityID, rec.State, blob, now.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrRecordExists
		}
		return err
	}

	rec.Version = 1
	rec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, machineID, entityID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state, context, version, updated_at
		FROM entities
		WHERE machine_id = ? AND entity_id = ?`,
		machineID, entityID,
	)

	rec := &Record{MachineID: machineID, EntityID: entityID}
	var blob []byte
	var updatedAt int64

	if err := row.Scan(&rec.State, &blob, &rec.Version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	c, err := decodeContext(blob)
	if err != nil {
		return nil, err
	}
	rec.Context = c
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return rec, nil
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *Record) error {
	blob, err := encodeContext(rec.Context)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET state = ?, context = ?, version = version + 1, updated_at = ?
		WHERE machine_id = ? AND entity_id = ? AND version = ?`,
		rec.State, blob, now.UnixNano(),
		rec.MachineID, rec.EntityID, rec.Version,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing record from a stale version.
		if _, gerr := s.GetRecord(ctx, rec.MachineID, rec.EntityID); gerr != nil {
			return gerr
		}
		return ErrVersionConflict
	}

	rec.Version++
	rec.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) ListByState(ctx context.Context, machineID, state string, limit int) ([]*Record, error) {
	query := `
		SELECT entity_id, context, version, updated_at
		FROM entities
		WHERE machine_id = ? AND state = ?`
	args := []any{machineID, state}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{MachineID: machineID, State: state}
		var blob []byte
		var updatedAt int64
		if err := rows.Scan(&rec.EntityID, &blob, &rec.Version, &updatedAt); err != nil {
			return nil, err
		}
		c, err := decodeContext(blob)
		if err != nil {
			return nil, err
		}
		rec.Context = c
		rec.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (key, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE
		SET token = excluded.token, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ?`,
		key, token, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) DeleteKey(ctx context.Context, key, token string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM locks WHERE key = ? AND token = ?`,
		key, token,
	)
	return err
}

func (s *SQLiteStore) RenewKey(ctx context.Context, key, token string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE locks
		SET expires_at = ?
		WHERE key = ? AND token = ? AND expires_at > ?`,
		now.Add(ttl).UnixNano(), key, token, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotLockOwner
	}
	return nil
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, rec api.TransitionRecord) error {
	blob, err := encodeEventData(rec.EventData)
	if err != nil {
		return err
	}

	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transitions (id, machine_id, entity_id, from_state, to_state, event, event_data, triggered_by, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MachineID, rec.EntityID,
		rec.From, rec.To, rec.Event, blob,
		string(rec.TriggeredBy), at.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, machineID, entityID string, q api.HistoryQuery) ([]api.TransitionRecord, error) {
	query := `
		SELECT id, from_state, to_state, event, event_data, triggered_by, at
		FROM transitions
		WHERE machine_id = ? AND entity_id = ?`
	args := []any{machineID, entityID}

	if !q.From.IsZero() {
		query += " AND at >= ?"
		args = append(args, q.From.UnixNano())
	}
	if !q.To.IsZero() {
		query += " AND at <= ?"
		args = append(args, q.To.UnixNano())
	}

	query += " ORDER BY at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.TransitionRecord
	for rows.Next() {
		rec := api.TransitionRecord{MachineID: machineID, EntityID: entityID}
		var blob []byte
		var triggeredBy string
		var at int64
		if err := rows.Scan(&rec.ID, &rec.From, &rec.To, &rec.Event, &blob, &triggeredBy, &at); err != nil {
			return nil, err
		}
		data, err := decodeEventData(blob)
		if err != nil {
			return nil, err
		}
		rec.EventData = data
		rec.TriggeredBy = api.TriggerSource(triggeredBy)
		rec.At = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}
