// Package cascade maintains the propagation queue that fans a confirmed
// record's discovered references out to the records they touch, layer by
// layer, and the worker that drains it.
package cascade

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/store"
)

// DefaultMaxDepth is the deepest layer at which newly discovered entries
// stay actionable. Entries beyond it are recorded as deferred, never
// dropped.
const DefaultMaxDepth = 3

// Queue manages the cascade entries of ingestion sessions. Entries are
// keyed (session, record): nominating a record again merges into its
// existing entry, so a retried confirmation cannot duplicate work.
type Queue struct {
	store    store.Store
	maxDepth int
	log      *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxDepth sets the layer cap entries are enqueued against.
func WithMaxDepth(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxDepth = n
		}
	}
}

// NewQueue returns a queue backed by st.
func NewQueue(st store.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:    st,
		maxDepth: DefaultMaxDepth,
		log:      zap.L().With(zap.String("component", "cascade")),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxDepth reports the layer cap the queue enqueues against.
func (q *Queue) MaxDepth() int { return q.maxDepth }

// Enqueue records the references discovered while confirming sourceKey.
// Each reference lands one layer below its source; references back to the
// source itself never enter the queue. New entries past the depth cap are
// stored deferred. Calling again with the same references is a no-op, so
// a caller retrying a failed confirmation cannot inflate the queue.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, sourceKey model.RecordKey, sourceLayer int, refs []model.Reference) error {
	if sessionID == "" {
		return eris.New("cascade: enqueue requires a session")
	}
	layer := sourceLayer + 1
	var pending, deferred int
	for _, ref := range refs {
		if ref.Key == sourceKey {
			continue
		}
		entry := &model.CascadeEntry{
			SessionID:  sessionID,
			Key:        ref.Key,
			Layer:      layer,
			UpdateKind: ref.UpdateKind,
			SourceKeys: []string{sourceKey.String()},
		}
		merged, err := q.store.UpsertCascadeEntry(ctx, entry, q.maxDepth)
		if err != nil {
			return eris.Wrapf(err, "cascade: enqueue %s", ref.Key)
		}
		switch merged.Status {
		case model.EntryPending:
			pending++
		case model.EntryDeferred:
			deferred++
		}
	}
	if pending > 0 || deferred > 0 {
		q.log.Info("cascade: references enqueued",
			zap.String("session_id", sessionID),
			zap.String("source", sourceKey.String()),
			zap.Int("layer", layer),
			zap.Int("pending", pending),
			zap.Int("deferred", deferred))
	}
	return nil
}

// DequeuePending returns up to limit actionable entries for the session,
// shallowest layer first. Deferred and processed entries never surface
// here.
func (q *Queue) DequeuePending(ctx context.Context, sessionID string, limit int) ([]model.CascadeEntry, error) {
	entries, err := q.store.DequeuePending(ctx, sessionID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "cascade: dequeue")
	}
	return entries, nil
}

// MarkProcessed closes the session's entry for key. Confirming a record
// that was never queued is fine: there is nothing to close.
func (q *Queue) MarkProcessed(ctx context.Context, sessionID string, key model.RecordKey) error {
	entry, err := q.store.FindCascadeEntry(ctx, sessionID, key)
	if err != nil {
		return eris.Wrapf(err, "cascade: find entry for %s", key)
	}
	if entry == nil || entry.Status == model.EntryProcessed {
		return nil
	}
	if err := q.store.MarkCascadeProcessed(ctx, entry.ID); err != nil {
		return eris.Wrapf(err, "cascade: mark %s processed", key)
	}
	return nil
}

// Clear drops every cascade entry in the session, whatever its status,
// and reports how many were removed.
func (q *Queue) Clear(ctx context.Context, sessionID string) (int, error) {
	removed, err := q.store.ClearCascade(ctx, sessionID)
	if err != nil {
		return 0, eris.Wrap(err, "cascade: clear session")
	}
	q.log.Info("cascade: session cleared",
		zap.String("session_id", sessionID),
		zap.Int("removed", removed))
	return removed, nil
}
