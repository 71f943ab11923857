package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
)

// DualStore keeps a fallback backend in step with the primary so cascade
// state survives a Postgres outage. Reads come from the primary and consult
// the fallback only when the primary itself errors; a record absent from a
// healthy primary is absent. Writes go to the primary first (failure is
// fatal) and then to the fallback (failure is logged and surfaced so the
// caller knows the backends have diverged).
type DualStore struct {
	primary  Store
	fallback Store
	log      *zap.Logger
}

// NewDual wraps a primary and fallback store.
func NewDual(primary, fallback Store, log *zap.Logger) *DualStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &DualStore{primary: primary, fallback: fallback, log: log.Named("dualstore")}
}

func (s *DualStore) fallbackErr(op string, err error) error {
	s.log.Warn("fallback write failed, backends diverged",
		zap.String("op", op), zap.Error(err))
	return eris.Wrapf(err, "dual: fallback %s", op)
}

func (s *DualStore) primaryDown(op string, err error) {
	s.log.Warn("primary read failed, serving from fallback",
		zap.String("op", op), zap.Error(err))
}

func (s *DualStore) GetRecord(ctx context.Context, key model.RecordKey) (*model.Record, error) {
	rec, err := s.primary.GetRecord(ctx, key)
	if err == nil {
		return rec, nil
	}
	s.primaryDown("get_record", err)
	return s.fallback.GetRecord(ctx, key)
}

func (s *DualStore) PutRecord(ctx context.Context, rec *model.Record) error {
	if err := s.primary.PutRecord(ctx, rec); err != nil {
		return err
	}
	if err := s.fallback.PutRecord(ctx, rec); err != nil {
		return s.fallbackErr("put_record", err)
	}
	return nil
}

func (s *DualStore) EnsureSession(ctx context.Context, id, name string) (*model.Session, error) {
	sess, err := s.primary.EnsureSession(ctx, id, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.fallback.EnsureSession(ctx, id, name); err != nil {
		return nil, s.fallbackErr("ensure_session", err)
	}
	return sess, nil
}

func (s *DualStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.primary.GetSession(ctx, id)
	if err == nil {
		return sess, nil
	}
	s.primaryDown("get_session", err)
	return s.fallback.GetSession(ctx, id)
}

func (s *DualStore) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	sessions, err := s.primary.ListSessions(ctx, limit)
	if err == nil {
		return sessions, nil
	}
	s.primaryDown("list_sessions", err)
	return s.fallback.ListSessions(ctx, limit)
}

func (s *DualStore) IncrementSessionConfirmed(ctx context.Context, id string) error {
	if err := s.primary.IncrementSessionConfirmed(ctx, id); err != nil {
		return err
	}
	if err := s.fallback.IncrementSessionConfirmed(ctx, id); err != nil {
		return s.fallbackErr("bump_session", err)
	}
	return nil
}

// UpsertCascadeEntry assigns the entry ID before delegating so both
// backends store the same row identity.
func (s *DualStore) UpsertCascadeEntry(ctx context.Context, entry *model.CascadeEntry, maxLayer int) (*model.CascadeEntry, error) {
	e := *entry
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	merged, err := s.primary.UpsertCascadeEntry(ctx, &e, maxLayer)
	if err != nil {
		return nil, err
	}
	if _, err := s.fallback.UpsertCascadeEntry(ctx, &e, maxLayer); err != nil {
		return nil, s.fallbackErr("upsert_cascade", err)
	}
	return merged, nil
}

func (s *DualStore) GetCascadeEntry(ctx context.Context, id string) (*model.CascadeEntry, error) {
	entry, err := s.primary.GetCascadeEntry(ctx, id)
	if err == nil {
		return entry, nil
	}
	s.primaryDown("get_cascade_entry", err)
	return s.fallback.GetCascadeEntry(ctx, id)
}

func (s *DualStore) FindCascadeEntry(ctx context.Context, sessionID string, key model.RecordKey) (*model.CascadeEntry, error) {
	entry, err := s.primary.FindCascadeEntry(ctx, sessionID, key)
	if err == nil {
		return entry, nil
	}
	s.primaryDown("find_cascade_entry", err)
	return s.fallback.FindCascadeEntry(ctx, sessionID, key)
}

func (s *DualStore) ListCascade(ctx context.Context, filter CascadeFilter) ([]model.CascadeEntry, error) {
	entries, err := s.primary.ListCascade(ctx, filter)
	if err == nil {
		return entries, nil
	}
	s.primaryDown("list_cascade", err)
	return s.fallback.ListCascade(ctx, filter)
}

func (s *DualStore) DequeuePending(ctx context.Context, sessionID string, limit int) ([]model.CascadeEntry, error) {
	entries, err := s.primary.DequeuePending(ctx, sessionID, limit)
	if err == nil {
		return entries, nil
	}
	s.primaryDown("dequeue_pending", err)
	return s.fallback.DequeuePending(ctx, sessionID, limit)
}

func (s *DualStore) MarkCascadeProcessed(ctx context.Context, id string) error {
	if err := s.primary.MarkCascadeProcessed(ctx, id); err != nil {
		return err
	}
	if err := s.fallback.MarkCascadeProcessed(ctx, id); err != nil {
		return s.fallbackErr("mark_processed", err)
	}
	return nil
}

// ClearCascade removes the session's entries from both backends. A
// fallback failure is surfaced because a stale fallback queue would
// resurrect cleared entries on the next failover.
func (s *DualStore) ClearCascade(ctx context.Context, sessionID string) (int, error) {
	n, err := s.primary.ClearCascade(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if _, err := s.fallback.ClearCascade(ctx, sessionID); err != nil {
		return n, s.fallbackErr("clear_cascade", err)
	}
	return n, nil
}

// AppendChangeLog assigns the entry ID before delegating so both backends
// store the same row identity.
func (s *DualStore) AppendChangeLog(ctx context.Context, entry *model.ChangeLogEntry) error {
	e := *entry
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if err := s.primary.AppendChangeLog(ctx, &e); err != nil {
		return err
	}
	if err := s.fallback.AppendChangeLog(ctx, &e); err != nil {
		return s.fallbackErr("append_change_log", err)
	}
	return nil
}

func (s *DualStore) ListChangeLog(ctx context.Context, key model.RecordKey, limit int) ([]model.ChangeLogEntry, error) {
	entries, err := s.primary.ListChangeLog(ctx, key, limit)
	if err == nil {
		return entries, nil
	}
	s.primaryDown("list_change_log", err)
	return s.fallback.ListChangeLog(ctx, key, limit)
}

func (s *DualStore) Migrate(ctx context.Context) error {
	if err := s.primary.Migrate(ctx); err != nil {
		return err
	}
	if err := s.fallback.Migrate(ctx); err != nil {
		return s.fallbackErr("migrate", err)
	}
	return nil
}

func (s *DualStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	if err := s.fallback.Ping(ctx); err != nil {
		return eris.Wrap(err, "dual: fallback ping")
	}
	return nil
}

func (s *DualStore) Close() error {
	err := s.primary.Close()
	if ferr := s.fallback.Close(); err == nil {
		err = ferr
	}
	return err
}
