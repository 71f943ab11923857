package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/shotleybuilder/sertantai-ingest/internal/db"
	"github.com/shotleybuilder/sertantai-ingest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot per-run store operations.
var preparedStatements = map[string]string{
	"get_record":      `SELECT fields, created_at, updated_at FROM uk_lrt WHERE record_key = $1`,
	"mark_processed":  `UPDATE cascade_entries SET status = 'processed', updated_at = $2 WHERE id = $1`,
	"dequeue_pending": `SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at FROM cascade_entries WHERE session_id = $1 AND status = 'pending' ORDER BY layer ASC, created_at ASC LIMIT $2`,
	"bump_session":    `UPDATE sessions SET confirmed = confirmed + 1 WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS uk_lrt (
	record_key TEXT PRIMARY KEY,
	type_code  TEXT NOT NULL,
	year       INTEGER NOT NULL,
	number     TEXT NOT NULL,
	title_en   TEXT,
	family     TEXT,
	live       TEXT,
	fields     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_uk_lrt_family ON uk_lrt(family);
CREATE INDEX IF NOT EXISTS idx_uk_lrt_live ON uk_lrt(live);
CREATE INDEX IF NOT EXISTS idx_uk_lrt_year ON uk_lrt(type_code, year);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	name       TEXT,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	confirmed  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cascade_entries (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	record_key  TEXT NOT NULL,
	layer       INTEGER NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	update_kind TEXT NOT NULL,
	source_keys TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	fields     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_change_log_record ON change_log(record_key, created_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, key model.RecordKey) (*model.Record, error) {
	var fieldsJSON []byte
	var createdAt, updatedAt time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT fields, created_at, updated_at FROM uk_lrt WHERE record_key = $1`,
		key.String(),
	).Scan(&fieldsJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get record %s", key)
	}

	var rec model.Record
	if err := json.Unmarshal(fieldsJSON, &rec); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal record %s", key)
	}
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return &rec, nil
}

func (s *PostgresStore) PutRecord(ctx context.Context, rec *model.Record) error {
	key := rec.Key()
	if err := key.Validate(); err != nil {
		return eris.Wrap(err, "postgres: put record")
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	fieldsJSON, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal record %s", key)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO uk_lrt (record_key, type_code, year, number, title_en, family, live, fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (record_key) DO UPDATE SET
		   title_en = $5, family = $6, live = $7, fields = $8, updated_at = $9`,
		key.String(), rec.TypeCode, rec.Year, rec.Number,
		rec.TitleEn, rec.Family, rec.Live, fieldsJSON, now,
	)
	return eris.Wrapf(err, "postgres: put record %s", key)
}

func (s *PostgresStore) EnsureSession(ctx context.Context, id, name string) (*model.Session, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, name, started_at, confirmed) VALUES ($1, $2, $3, 0)
		 ON CONFLICT (id) DO NOTHING`,
		id, name, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure session %s", id)
	}
	return s.GetSession(ctx, id)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, started_at, confirmed FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.Name, &sess.StartedAt, &sess.Confirmed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	return &sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, started_at, confirmed FROM sessions ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.StartedAt, &sess.Confirmed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) IncrementSessionConfirmed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET confirmed = confirmed + 1 WHERE id = $1`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: bump session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("session not found: %s", id)
	}
	return nil
}

// upsertCascadeSQL merges a nomination into any existing entry in one
// statement: minimum layer, source-key union, processed never reopens,
// and the merged layer against the cap decides pending vs deferred.
const upsertCascadeSQL = `
INSERT INTO cascade_entries (id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at)
VALUES ($1, $2, $3, $4,
        CASE WHEN $4 <= $8 THEN 'pending' ELSE 'deferred' END,
        $5, $6, $7, $7)
ON CONFLICT (session_id, record_key) DO UPDATE SET
    layer = LEAST(cascade_entries.layer, EXCLUDED.layer),
    status = CASE
        WHEN cascade_entries.status = 'processed' THEN 'processed'
        WHEN LEAST(cascade_entries.layer, EXCLUDED.layer) <= $8 THEN 'pending'
        ELSE 'deferred'
    END,
    update_kind = CASE
        WHEN cascade_entries.update_kind = 're_parse' THEN 're_parse'
        ELSE EXCLUDED.update_kind
    END,
    source_keys = ARRAY(SELECT DISTINCT k FROM unnest(cascade_entries.source_keys || EXCLUDED.source_keys) AS k ORDER BY k),
    updated_at = EXCLUDED.updated_at
RETURNING id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at`

func (s *PostgresStore) UpsertCascadeEntry(ctx context.Context, entry *model.CascadeEntry, maxLayer int) (*model.CascadeEntry, error) {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	row := s.pool.QueryRow(ctx, upsertCascadeSQL,
		id, entry.SessionID, entry.Key.String(), entry.Layer,
		string(entry.UpdateKind), entry.SourceKeys, time.Now().UTC(), maxLayer,
	)
	merged, err := scanCascadeEntry(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert cascade entry %s", entry.Key)
	}
	return merged, nil
}

func (s *PostgresStore) GetCascadeEntry(ctx context.Context, id string) (*model.CascadeEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at
		 FROM cascade_entries WHERE id = $1`,
		id,
	)
	entry, err := scanCascadeEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cascade entry %s", id)
	}
	return entry, nil
}

func (s *PostgresStore) FindCascadeEntry(ctx context.Context, sessionID string, key model.RecordKey) (*model.CascadeEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at
		 FROM cascade_entries WHERE session_id = $1 AND record_key = $2`,
		sessionID, key.String(),
	)
	entry, err := scanCascadeEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find cascade entry %s", key)
	}
	return entry, nil
}

func (s *PostgresStore) ListCascade(ctx context.Context, filter CascadeFilter) ([]model.CascadeEntry, error) {
	query := `SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at
	          FROM cascade_entries WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Layer > 0 {
		query += fmt.Sprintf(` AND layer = $%d`, argIdx)
		args = append(args, filter.Layer)
		argIdx++
	}
	query += ` ORDER BY layer ASC, created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cascade")
	}
	defer rows.Close()

	var entries []model.CascadeEntry
	for rows.Next() {
		entry, err := scanCascadeEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan cascade entry")
		}
		entries = append(entries, *entry)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list cascade iterate")
}

func (s *PostgresStore) DequeuePending(ctx context.Context, sessionID string, limit int) ([]model.CascadeEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, record_key, layer, status, update_kind, source_keys, created_at, updated_at
		 FROM cascade_entries WHERE session_id = $1 AND status = 'pending'
		 ORDER BY layer ASC, created_at ASC LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue pending")
	}
	defer rows.Close()

	var entries []model.CascadeEntry
	for rows.Next() {
		entry, err := scanCascadeEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan cascade entry")
		}
		entries = append(entries, *entry)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue pending iterate")
}

func (s *PostgresStore) MarkCascadeProcessed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cascade_entries SET status = 'processed', updated_at = $2 WHERE id = $1`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark cascade processed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("cascade entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ClearCascade(ctx context.Context, sessionID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cascade_entries WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: clear cascade %s", sessionID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AppendChangeLog(ctx context.Context, entry *model.ChangeLogEntry) error {
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
		return eris.Wrap(err, "postgres: marshal change log fields")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO change_log (id, record_key, session_id, added, updated, deleted, fields, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, entry.Key.String(), entry.SessionID,
		entry.Added, entry.Updated, entry.Deleted, fieldsJSON, at,
	)
	return eris.Wrapf(err, "postgres: append change log %s", entry.Key)
}

func (s *PostgresStore) ListChangeLog(ctx context.Context, key model.RecordKey, limit int) ([]model.ChangeLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, record_key, session_id, added, updated, deleted, fields, created_at
		 FROM change_log WHERE record_key = $1 ORDER BY created_at DESC LIMIT $2`,
		key.String(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list change log")
	}
	defer rows.Close()

	var entries []model.ChangeLogEntry
	for rows.Next() {
		var e model.ChangeLogEntry
		var rawKey string
		var fieldsJSON []byte
		if err := rows.Scan(&e.ID, &rawKey, &e.SessionID, &e.Added, &e.Updated, &e.Deleted, &fieldsJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change log")
		}
		k, err := model.ParseRecordKey(rawKey)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: change log record key")
		}
		e.Key = k
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal change log fields")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list change log iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCascadeEntry(row scannable) (*model.CascadeEntry, error) {
	var e model.CascadeEntry
	var rawKey string
	if err := row.Scan(&e.ID, &e.SessionID, &rawKey, &e.Layer, &e.Status, &e.UpdateKind,
		&e.SourceKeys, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	key, err := model.ParseRecordKey(rawKey)
	if err != nil {
		return nil, eris.Wrap(err, "cascade entry record key")
	}
	e.Key = key
	return &e, nil
}
