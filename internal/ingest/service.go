// Package ingest is the confirmation gate between pipeline output and the
// register. A run's outcome is inert until a caller previews and confirms
// it; Confirm is the only code path that writes register records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/store"
)

// ErrBadPayload marks failures caused by what the caller sent, as opposed
// to storage failures. The HTTP layer maps it to a client error.
var ErrBadPayload = errors.New("bad payload")

// Queue receives the references a confirmation discovers and closes the
// confirmed record's own cascade entry. Satisfied by *cascade.Queue.
type Queue interface {
	Enqueue(ctx context.Context, sessionID string, sourceKey model.RecordKey, sourceLayer int, refs []model.Reference) error
	MarkProcessed(ctx context.Context, sessionID string, key model.RecordKey) error
}

// ConfirmOptions carries the session context of a confirmation.
// SourceLayer is the cascade layer the confirmed record sits at; seed
// ingestions confirm at layer zero. Overrides replace proposed field
// values after review, keyed by register field name.
type ConfirmOptions struct {
	SessionID   string
	SourceLayer int
	Overrides   map[string]any
}

// ConfirmResult is what a confirmation persisted.
type ConfirmResult struct {
	Record *model.Record `json:"record"`
	Diff   model.Diff    `json:"diff"`
}

// Service previews and confirms pipeline outcomes against the register.
type Service struct {
	store store.Store
	queue Queue
	log   *zap.Logger
}

// NewService returns a confirmation gate over st that feeds discovered
// references into q.
func NewService(st store.Store, q Queue) *Service {
	return &Service{
		store: st,
		queue: q,
		log:   zap.L().With(zap.String("component", "ingest")),
	}
}

// Preview compares the outcome's proposed fields against the stored
// record and returns the per-field diff. It writes nothing.
func (s *Service) Preview(ctx context.Context, key model.RecordKey, outcome *model.RunOutcome) (model.Diff, error) {
	if err := validateOutcome(key, outcome); err != nil {
		return model.Diff{}, err
	}
	current, _, err := s.currentFields(ctx, key)
	if err != nil {
		return model.Diff{}, err
	}
	return model.BuildDiff(current, outcome.ProposedFields()), nil
}

// Confirm applies an outcome to the register. The diff is recomputed from
// the outcome the caller passes back, never re-derived from the registry,
// so what was reviewed is exactly what lands. On success the record is
// upserted, the change is logged, the outcome's references are enqueued
// under the session, and the record's own cascade entry, if one exists,
// is marked processed. Storage failures surface to the caller; nothing is
// retried here, and a caller retry is safe because enqueueing the same
// references again is a no-op.
func (s *Service) Confirm(ctx context.Context, key model.RecordKey, outcome *model.RunOutcome, opts ConfirmOptions) (*ConfirmResult, error) {
	if err := validateOutcome(key, outcome); err != nil {
		return nil, err
	}

	current, rec, err := s.currentFields(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &model.Record{TypeCode: key.TypeCode, Year: key.Year, Number: key.Number}
	}

	proposed := outcome.ProposedFields()
	for name, v := range opts.Overrides {
		proposed[name] = v
	}
	diff := model.BuildDiff(current, proposed)

	if err := rec.ApplyFieldMap(proposed); err != nil {
		return nil, eris.Wrapf(ErrBadPayload, "ingest: confirm %s: %v", key, err)
	}
	if !diff.Empty() {
		appendChangeLogLine(rec, time.Now().UTC(), opts.SessionID, diff)
	}
	if err := s.store.PutRecord(ctx, rec); err != nil {
		return nil, eris.Wrapf(err, "ingest: persist %s", key)
	}
	if !diff.Empty() {
		if err := s.store.AppendChangeLog(ctx, changeLogEntry(key, opts.SessionID, diff)); err != nil {
			return nil, eris.Wrapf(err, "ingest: log change for %s", key)
		}
	}

	if opts.SessionID != "" {
		if _, err := s.store.EnsureSession(ctx, opts.SessionID, ""); err != nil {
			return nil, eris.Wrapf(err, "ingest: session %s", opts.SessionID)
		}
		if err := s.store.IncrementSessionConfirmed(ctx, opts.SessionID); err != nil {
			return nil, eris.Wrapf(err, "ingest: session %s", opts.SessionID)
		}
		if err := s.queue.Enqueue(ctx, opts.SessionID, key, opts.SourceLayer, outcome.References()); err != nil {
			return nil, err
		}
		if err := s.queue.MarkProcessed(ctx, opts.SessionID, key); err != nil {
			return nil, err
		}
	}

	added, updated, deleted := diff.Counts()
	s.log.Info("ingest: record confirmed",
		zap.String("key", key.String()),
		zap.String("session_id", opts.SessionID),
		zap.Int("layer", opts.SourceLayer),
		zap.Int("added", added),
		zap.Int("updated", updated),
		zap.Int("deleted", deleted),
		zap.Int("references", len(outcome.References())))
	return &ConfirmResult{Record: rec, Diff: diff}, nil
}

// currentFields loads the stored record and flattens it for diffing. A
// record that does not exist yet diffs against the empty field set.
func (s *Service) currentFields(ctx context.Context, key model.RecordKey) (map[string]any, *model.Record, error) {
	rec, err := s.store.GetRecord(ctx, key)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "ingest: load %s", key)
	}
	if rec == nil {
		return nil, nil, nil
	}
	return rec.FieldMap(), rec, nil
}

func validateOutcome(key model.RecordKey, outcome *model.RunOutcome) error {
	if err := key.Validate(); err != nil {
		return eris.Wrapf(ErrBadPayload, "ingest: %v", err)
	}
	if outcome == nil {
		return eris.Wrap(ErrBadPayload, "ingest: no run outcome")
	}
	if !outcome.Key.IsZero() && outcome.Key != key {
		return eris.Wrapf(ErrBadPayload, "ingest: outcome is for %s, not %s", outcome.Key, key)
	}
	return nil
}

// appendChangeLogLine adds one line to the record's own audit column. The
// full field-level detail lives in the change log table; the inline log
// keeps a compact history readable straight off the record.
func appendChangeLogLine(rec *model.Record, now time.Time, sessionID string, diff model.Diff) {
	added, updated, deleted := diff.Counts()
	line := fmt.Sprintf("%s added=%d updated=%d deleted=%d", now.Format(time.RFC3339), added, updated, deleted)
	if sessionID != "" {
		line += " session=" + sessionID
	}
	if rec.RecordChangeLog == "" {
		rec.RecordChangeLog = line
		return
	}
	rec.RecordChangeLog = rec.RecordChangeLog + "\n" + line
}

func changeLogEntry(key model.RecordKey, sessionID string, diff model.Diff) *model.ChangeLogEntry {
	entry := &model.ChangeLogEntry{Key: key, SessionID: sessionID}
	entry.Added, entry.Updated, entry.Deleted = diff.Counts()
	for _, c := range diff.Changes {
		entry.Fields = append(entry.Fields, fmt.Sprintf("%s:%s", c.Field, c.Kind))
	}
	return entry
}

// DescribeDiff renders a diff as a short human line for CLI output.
func DescribeDiff(diff model.Diff) string {
	if diff.Empty() {
		return "no changes"
	}
	added, updated, deleted := diff.Counts()
	parts := make([]string, 0, 3)
	if added > 0 {
		parts = append(parts, fmt.Sprintf("%d added", added))
	}
	if updated > 0 {
		parts = append(parts, fmt.Sprintf("%d updated", updated))
	}
	if deleted > 0 {
		parts = append(parts, fmt.Sprintf("%d deleted", deleted))
	}
	return strings.Join(parts, ", ")
}
