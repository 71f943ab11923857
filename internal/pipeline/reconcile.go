package pipeline

import (
	"fmt"
	"strings"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
)

// Reconciler resolves a record's authoritative lifecycle status from the
// two independently derived candidates: the change-history candidate
// (amended_by stage) and the registry-status candidate (repeal_revoke
// stage). The more severe status wins and the disagreement is flagged; a
// missing candidate counts as in_force but is noted so a caller can tell
// "known in force" from "source unavailable".
type Reconciler struct {
	severity map[model.LiveStatus]int
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithSeverity overrides the status severity ranking.
func WithSeverity(ranks map[model.LiveStatus]int) ReconcilerOption {
	return func(r *Reconciler) { r.severity = ranks }
}

// NewReconciler creates a Reconciler with the default severity ranking.
func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{severity: model.DefaultSeverity}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) rank(s model.LiveStatus) int {
	if v, ok := r.severity[s]; ok {
		return v
	}
	return r.severity[model.LiveInForce]
}

// Reconcile merges the two candidates into one verdict.
func (r *Reconciler) Reconcile(changes, metadata *model.CandidateStatus) model.Reconciliation {
	var out model.Reconciliation
	var notes []string

	candidate := func(c *model.CandidateStatus, name string) (model.LiveStatus, bool) {
		if c == nil {
			notes = append(notes, name+" unavailable, assumed in_force")
			return model.LiveInForce, false
		}
		if c.Status == "" {
			return model.LiveInForce, true
		}
		return c.Status, true
	}

	fromChanges, changesKnown := candidate(changes, "change history")
	fromMetadata, metadataKnown := candidate(metadata, "registry status")
	if changesKnown {
		out.FromChanges = fromChanges
	}
	if metadataKnown {
		out.FromMetadata = fromMetadata
	}

	switch cr, mr := r.rank(fromChanges), r.rank(fromMetadata); {
	case cr > mr:
		out.Status = fromChanges
		out.Source = model.SourceChanges
		out.Conflict = true
	case mr > cr:
		out.Status = fromMetadata
		out.Source = model.SourceMetadata
		out.Conflict = true
	default:
		out.Status = fromMetadata
		out.Source = model.SourceBoth
	}

	if fromChanges != fromMetadata {
		notes = append(notes, fmt.Sprintf("change history says %s, registry status says %s", fromChanges, fromMetadata))
	}
	out.Detail = strings.Join(notes, "; ")
	out.Description = r.describe(out.Status, changes, metadata)
	return out
}

// describe prefers the registry's own status prose and falls back to
// synthesizing one from the change-history superseding list.
func (r *Reconciler) describe(status model.LiveStatus, changes, metadata *model.CandidateStatus) string {
	if metadata != nil && metadata.Description != "" {
		return metadata.Description
	}
	if changes != nil && len(changes.Superseding) > 0 {
		switch status {
		case model.LiveSuperseded:
			return "Revoked by " + strings.Join(changes.Superseding, ", ")
		case model.LivePartiallySuperseded:
			return "Partially revoked by " + strings.Join(changes.Superseding, ", ")
		}
	}
	if status == model.LiveInForce {
		return "In force"
	}
	return ""
}
