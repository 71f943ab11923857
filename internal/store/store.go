package store

import (
	"context"
	"sort"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
)

// CascadeFilter specifies criteria for listing cascade entries. Zero
// values are unfiltered; layer 0 never occurs on an entry.
type CascadeFilter struct {
	SessionID string            `json:"session_id,omitempty"`
	Status    model.EntryStatus `json:"status,omitempty"`
	Layer     int               `json:"layer,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// Store defines persistence for the register, ingestion sessions, the
// cascade queue, and the per-record audit trail. Lookups return
// (nil, nil) when the row does not exist.
type Store interface {
	// Register records
	GetRecord(ctx context.Context, key model.RecordKey) (*model.Record, error)
	PutRecord(ctx context.Context, rec *model.Record) error

	// Sessions
	EnsureSession(ctx context.Context, id, name string) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, limit int) ([]model.Session, error)
	IncrementSessionConfirmed(ctx context.Context, id string) error

	// Cascade queue. UpsertCascadeEntry merges into any existing
	// (session, key) entry atomically: layer takes the minimum, source
	// keys union, a processed entry never reopens, and the merged layer
	// decides pending vs deferred against maxLayer. The merged row is
	// returned.
	UpsertCascadeEntry(ctx context.Context, entry *model.CascadeEntry, maxLayer int) (*model.CascadeEntry, error)
	GetCascadeEntry(ctx context.Context, id string) (*model.CascadeEntry, error)
	FindCascadeEntry(ctx context.Context, sessionID string, key model.RecordKey) (*model.CascadeEntry, error)
	ListCascade(ctx context.Context, filter CascadeFilter) ([]model.CascadeEntry, error)
	DequeuePending(ctx context.Context, sessionID string, limit int) ([]model.CascadeEntry, error)
	MarkCascadeProcessed(ctx context.Context, id string) error
	ClearCascade(ctx context.Context, sessionID string) (int, error)

	// Audit trail
	AppendChangeLog(ctx context.Context, entry *model.ChangeLogEntry) error
	ListChangeLog(ctx context.Context, key model.RecordKey, limit int) ([]model.ChangeLogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// mergeSourceKeys unions two source-key lists into a sorted, deduplicated
// slice. Keeps the SQLite merge identical to the Postgres
// ARRAY(SELECT DISTINCT ... ORDER BY ...) expression.
func mergeSourceKeys(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	var merged []string
	for _, k := range existing {
		if !seen[k] {
			seen[k] = true
			merged = append(merged, k)
		}
	}
	for _, k := range incoming {
		if !seen[k] {
			seen[k] = true
			merged = append(merged, k)
		}
	}
	sort.Strings(merged)
	return merged
}

// mergedStatus applies the cascade merge rules in Go for the SQLite
// backend: processed is terminal, otherwise the merged layer against the
// cap decides.
func mergedStatus(current model.EntryStatus, mergedLayer, maxLayer int) model.EntryStatus {
	if current == model.EntryProcessed {
		return model.EntryProcessed
	}
	if mergedLayer <= maxLayer {
		return model.EntryPending
	}
	return model.EntryDeferred
}

// mergedKind upgrades update_enactment_link to re_parse but never the
// other way.
func mergedKind(current, incoming model.UpdateKind) model.UpdateKind {
	if current == model.UpdateReParse || incoming == model.UpdateReParse {
		return model.UpdateReParse
	}
	return current
}
