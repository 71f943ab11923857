package model

import "time"

// ChangeLogEntry is one confirmed write in a record's audit trail.
type ChangeLogEntry struct {
	ID        string    `json:"id"`
	Key       RecordKey `json:"key"`
	SessionID string    `json:"session_id,omitempty"`
	Added     int       `json:"added"`
	Updated   int       `json:"updated"`
	Deleted   int       `json:"deleted"`
	Fields    []string  `json:"fields,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
