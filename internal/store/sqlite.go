package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
)

// SQLiteStore implements Store using a local SQLite database. It serves as
// the fallback backend when Postgres is unreachable and as the default for
// local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) a SQLite database at the given path.
func NewSQLite(path string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=NORMAL`,
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS uk_lrt (
	record_key TEXT PRIMARY KEY,
	type_code  TEXT NOT NULL,
	year       INTEGER NOT NULL,
	number     TEXT NOT NULL,
	title_en   TEXT,
	family     TEXT,
	live       TEXT,
	fields     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uk_lrt_family ON uk_lrt(family);
CREATE INDEX IF NOT EXISTS idx_uk_lrt_live ON uk_lrt(live);
CREATE INDEX IF NOT EXISTS idx_uk_lrt_year ON uk_lrt(type_code, year);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT,
	started_at DATETIME NOT NULL,
	confirmed  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cascade_entries (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	record_key  TEXT NOT NULL,
	layer       INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	update_kind TEXT NOT NULL,
	source_keys TEXT NOT NULL DEFAULT '[]',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	UNIQUE (session_id, record_key)
);

CREATE INDEX IF NOT EXISTS idx_cascade_session_status ON cascade_entries(session_id, status);
CREATE INDEX IF NOT EXISTS idx_cascade_layer ON cascade_entries(layer);

CREATE TABLE IF NOT EXISTS change_log (
	id         TEXT PRIMARY KEY,
	record_key TEXT NOT NULL,
	session_id TEXT,
	added      INTEGER NOT NULL DEFAULT 0,
	updated    INTEGER NOT NULL DEFAULT 0,
	deleted    INTEGER NOT NULL DEFAULT 0,
	fields     TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_log_record ON change_log(record_key, created_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return eris.Wrap(s.db.Close(), "sqlite: close")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, key model.RecordKey) (*model.Record, error) {
	var fieldsJSON string
	var createdAt, updatedAt time.Time

	err := s.db.QueryRowContext(ctx,
		`SELECT fields, created_at, updated_at FROM uk_lrt WHERE record_key = ?`,
		key.String(),
	).Scan(&fieldsJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get record %s", key)
	}

	var rec model.Record
	if err := json.Unmarshal([]byte(fieldsJSON), &rec); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal record %s", key)
	}
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return &rec, nil
}

func (s *SQLiteStore) PutRecord(ctx context.Context, rec *model.Record) error {
	key := rec.Key()
	if err := key.Validate(); err != nil {
		return eris.Wrap(err, "sqlite: put record")
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	fieldsJSON, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "sqlite: marshal record %s", key)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO uk_lrt (record_key, type_code, year, number, title_en, family, live, fields, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (record_key) DO UPDATE SET
		   title_en = excluded.title_en, family = excluded.family, live = excluded.live,
		   fields = excluded.fields, updated_at = excluded.updated_at`,
		key.String(), rec.TypeCode, rec.Year, rec.Number,
		rec.TitleEn, rec.Family, rec.Live, string(fieldsJSON), now, now,
	)
	return eris.Wrapf(err, "sqlite: put record %s", key)
}

func (s *SQLiteStore) EnsureSession(ctx context.Context, id, name string) (*model.Session, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, started_at, confirmed) VALUES (?, ?, ?, 0)
		 ON CONFLICT (id) DO NOTHING`,
		id, name, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure session %s", id)
	}
	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, started_at, confirmed FROM sessions WHERE id = ?`,
		id,
	).Scan(&sess.ID, &sess.Name, &sess.StartedAt, &sess.Confirmed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, started_at, confirmed FROM sessions ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.StartedAt, &sess.Confirmed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) IncrementSessionConfirmed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET confirmed = confirmed + 1 WHERE id = ?`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: bump session %s", id)
	}
	return checkRowsAffected(res, "session", id)
}

// UpsertCascadeEntry merges inside a transaction. SQLite has no array type,
// so source_keys is stored as a JSON array and the merge runs in Go using
// the same helpers that mirror the Postgres single-statement upsert.
func (s *SQLiteStore) UpsertCascadeEntry(ctx context.Context, entry *model.CascadeEntry, maxLayer int) (*model.CascadeEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	merged := &model.CascadeEntry{
		SessionID:  entry.SessionID,
		Key:        entry.Key,
		Layer:      entry.Layer,
		UpdateKind: entry.UpdateKind,
		UpdatedAt:  now,
	}

	var (
		existingID     string
		existingLayer  int
		existingStatus model.EntryStatus
		existingKind   model.UpdateKind
		existingKeys   string
		existingAt     time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, layer, status, update_kind, source_keys, created_at
		 FROM cascade_entries WHERE session_id = ? AND record_key = ?`,
		entry.SessionID, entry.Key.String(),
	).Scan(&existingID, &existingLayer, &existingStatus, &existingKind, &existingKeys, &existingAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		merged.ID = entry.ID
		if merged.ID == "" {
			merged.ID = uuid.New().String()
		}
		merged.Status = mergedStatus("", entry.Layer, maxLayer)
		merged.SourceKeys = mergeSourceKeys(nil, entry.SourceKeys)
		merged.CreatedAt = now

		keysJSON, err := json.Marshal(merged.SourceKeys)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal source keys")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cascade_entries (id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			merged.ID, merged.SessionID, merged.Key.String(), merged.Layer,
			string(merged.Status), string(merged.UpdateKind), string(keysJSON), now, now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert cascade entry %s", entry.Key)
		}

	case err != nil:
		return nil, eris.Wrapf(err, "sqlite: lookup cascade entry %s", entry.Key)

	default:
		var keys []string
		if err := json.Unmarshal([]byte(existingKeys), &keys); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal source keys")
		}
		merged.ID = existingID
		merged.Layer = minLayer(existingLayer, entry.Layer)
		merged.Status = mergedStatus(existingStatus, merged.Layer, maxLayer)
		merged.UpdateKind = mergedKind(existingKind, entry.UpdateKind)
		merged.SourceKeys = mergeSourceKeys(keys, entry.SourceKeys)
		merged.CreatedAt = existingAt

		keysJSON, err := json.Marshal(merged.SourceKeys)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal source keys")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE cascade_entries SET layer = ?, status = ?, update_kind = ?, source_keys = ?, updated_at = ?
			 WHERE id = ?`,
			merged.Layer, string(merged.Status), string(merged.UpdateKind), string(keysJSON), now, existingID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: update cascade entry %s", entry.Key)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert")
	}
	return merged, nil
}

func (s *SQLiteStore) GetCascadeEntry(ctx context.Context, id string) (*model.CascadeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at
		 FROM cascade_entries WHERE id = ?`,
		id,
	)
	entry, err := scanSQLiteCascadeEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get cascade entry %s", id)
	}
	return entry, nil
}

func (s *SQLiteStore) FindCascadeEntry(ctx context.Context, sessionID string, key model.RecordKey) (*model.CascadeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at
		 FROM cascade_entries WHERE session_id = ? AND record_key = ?`,
		sessionID, key.String(),
	)
	entry, err := scanSQLiteCascadeEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: find cascade entry %s", key)
	}
	return entry, nil
}

func (s *SQLiteStore) ListCascade(ctx context.Context, filter CascadeFilter) ([]model.CascadeEntry, error) {
	query := `SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at
	          FROM cascade_entries WHERE true`
	args := []any{}

	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Layer > 0 {
		query += ` AND layer = ?`
		args = append(args, filter.Layer)
	}
	query += ` ORDER BY layer ASC, created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cascade")
	}
	defer rows.Close()
	return collectSQLiteCascade(rows, "sqlite: list cascade")
}

func (s *SQLiteStore) DequeuePending(ctx context.Context, sessionID string, limit int) ([]model.CascadeEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at
		 FROM cascade_entries WHERE session_id = ? AND status = 'pending'
		 ORDER BY layer ASC, created_at ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue pending")
	}
	defer rows.Close()
	return collectSQLiteCascade(rows, "sqlite: dequeue pending")
}

func (s *SQLiteStore) MarkCascadeProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cascade_entries SET status = 'processed', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark cascade processed %s", id)
	}
	return checkRowsAffected(res, "cascade entry", id)
}

func (s *SQLiteStore) ClearCascade(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cascade_entries WHERE session_id = ?`,
		sessionID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear cascade %s", sessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: clear cascade rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) AppendChangeLog(ctx context.Context, entry *model.ChangeLogEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	fieldsJSON, err := json.Marshal(entry.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal change log fields")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO change_log (id, record_key, session_id, added, updated, deleted, fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.Key.String(), entry.SessionID,
		entry.Added, entry.Updated, entry.Deleted, string(fieldsJSON), at,
	)
	return eris.Wrapf(err, "sqlite: append change log %s", entry.Key)
}

func (s *SQLiteStore) ListChangeLog(ctx context.Context, key model.RecordKey, limit int) ([]model.ChangeLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_key, session_id, added, updated, deleted, fields, created_at
		 FROM change_log WHERE record_key = ? ORDER BY created_at DESC LIMIT ?`,
		key.String(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list change log")
	}
	defer rows.Close()

	var entries []model.ChangeLogEntry
	for rows.Next() {
		var e model.ChangeLogEntry
		var rawKey string
		var fieldsJSON sql.NullString
		if err := rows.Scan(&e.ID, &rawKey, &e.SessionID, &e.Added, &e.Updated, &e.Deleted, &fieldsJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change log")
		}
		k, err := model.ParseRecordKey(rawKey)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: change log record key")
		}
		e.Key = k
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal change log fields")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list change log iterate")
}

func scanSQLiteCascadeEntry(row scannable) (*model.CascadeEntry, error) {
	var e model.CascadeEntry
	var rawKey, keysJSON string
	if err := row.Scan(&e.ID, &e.SessionID, &rawKey, &e.Layer, &e.Status, &e.UpdateKind,
		&keysJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	key, err := model.ParseRecordKey(rawKey)
	if err != nil {
		return nil, eris.Wrap(err, "cascade entry record key")
	}
	e.Key = key
	if err := json.Unmarshal([]byte(keysJSON), &e.SourceKeys); err != nil {
		return nil, eris.Wrap(err, "cascade entry source keys")
	}
	return &e, nil
}

func collectSQLiteCascade(rows *sql.Rows, op string) ([]model.CascadeEntry, error) {
	var entries []model.CascadeEntry
	for rows.Next() {
		entry, err := scanSQLiteCascadeEntry(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: scan", op)
		}
		entries = append(entries, *entry)
	}
	return entries, eris.Wrapf(rows.Err(), "%s: iterate", op)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "%s rows affected", entity)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func minLayer(a, b int) int {
	if a < b {
		return a
	}
	return b
}
