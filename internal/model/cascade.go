package model

import "time"

// EntryStatus is the state of a cascade queue entry.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryProcessed EntryStatus = "processed"
	EntryDeferred  EntryStatus = "deferred"
)

// UpdateKind says how much re-processing a cascade target needs.
type UpdateKind string

const (
	// UpdateReParse re-runs the amendment-side stages for the target.
	UpdateReParse UpdateKind = "re_parse"
	// UpdateEnactmentLink only refreshes the target's enactment links.
	UpdateEnactmentLink UpdateKind = "update_enactment_link"
)

// Stages returns the default stage subset for re-processing an entry of
// this kind. A full re-parse refreshes the amendment side plus lifecycle;
// an enactment-link update touches only that stage.
func (k UpdateKind) Stages() []StageName {
	switch k {
	case UpdateEnactmentLink:
		return []StageName{StageEnactedBy}
	default:
		return []StageName{StageAmending, StageAmendedBy, StageRepealRevoke}
	}
}

// CascadeEntry is one queued re-processing obligation: "record key should
// be re-processed because the records in SourceKeys referenced it." At
// most one entry exists per (session, key); nominations merge into it.
type CascadeEntry struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	Key        RecordKey   `json:"key"`
	Layer      int         `json:"layer"`
	Status     EntryStatus `json:"status"`
	UpdateKind UpdateKind  `json:"update_kind"`
	SourceKeys []string    `json:"source_keys,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Session groups the confirmations and cascade entries of one ingestion
// batch.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Confirmed int       `json:"confirmed"`
}
