package model

// LiveStatus is the lifecycle state of a record on the register.
type LiveStatus string

const (
	LiveInForce             LiveStatus = "in_force"
	LivePartiallySuperseded LiveStatus = "partially_superseded"
	LiveSuperseded          LiveStatus = "superseded"
)

// DefaultSeverity ranks lifecycle statuses for reconciliation. Higher
// wins. The compliance bias: a false "still in force" is worse than a
// false "superseded".
var DefaultSeverity = map[LiveStatus]int{
	LiveInForce:             1,
	LivePartiallySuperseded: 2,
	LiveSuperseded:          3,
}

// Lifecycle source labels recorded on the reconciled record.
const (
	SourceChanges  = "changes"
	SourceMetadata = "metadata"
	SourceBoth     = "both"
)

// CandidateStatus is one source's lifecycle guess for a record, produced
// by the amended_by stage (change history) or the repeal_revoke stage
// (resource metadata). Discarded after reconciliation; the raw statuses
// stay on the record for audit.
type CandidateStatus struct {
	Status      LiveStatus `json:"status"`
	Description string     `json:"description,omitempty"`
	Superseding []string   `json:"superseding,omitempty"`
}

// Reconciliation is the merged lifecycle verdict for one run.
type Reconciliation struct {
	Status       LiveStatus `json:"status"`
	Source       string     `json:"source"`
	Conflict     bool       `json:"conflict"`
	Detail       string     `json:"detail,omitempty"`
	Description  string     `json:"description,omitempty"`
	FromChanges  LiveStatus `json:"from_changes,omitempty"`
	FromMetadata LiveStatus `json:"from_metadata,omitempty"`
}

// FieldMap flattens the verdict into the record's lifecycle columns.
func (r *Reconciliation) FieldMap() map[string]any {
	return map[string]any{
		"live":                 string(r.Status),
		"live_source":          r.Source,
		"live_conflict":        r.Conflict,
		"live_conflict_detail": r.Detail,
		"live_description":     r.Description,
		"live_from_changes":    string(r.FromChanges),
		"live_from_metadata":   string(r.FromMetadata),
	}
}
