package model

import (
	"reflect"
	"sort"
)

// ChangeKind classifies one field's difference in a preview.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// FieldChange is one field-level difference between the stored record and
// a proposed field set.
type FieldChange struct {
	Field string     `json:"field"`
	Kind  ChangeKind `json:"kind"`
	Old   any        `json:"old,omitempty"`
	New   any        `json:"new,omitempty"`
}

// Diff is the per-field comparison surfaced by a preview.
type Diff struct {
	Changes []FieldChange `json:"changes"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool { return len(d.Changes) == 0 }

// Counts returns the number of added, updated, and deleted fields.
func (d Diff) Counts() (added, updated, deleted int) {
	for _, c := range d.Changes {
		switch c.Kind {
		case ChangeAdded:
			added++
		case ChangeUpdated:
			updated++
		case ChangeDeleted:
			deleted++
		}
	}
	return
}

// BuildDiff compares proposed fields against the stored field map. Only
// fields present in proposed participate: a run that skipped a stage
// leaves that stage's stored fields untouched and undiffed. Fields empty
// on both sides are excluded as noise.
func BuildDiff(current, proposed map[string]any) Diff {
	fields := make([]string, 0, len(proposed))
	for k := range proposed {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var d Diff
	for _, field := range fields {
		prop := normalizeValue(proposed[field])
		cur := normalizeValue(current[field])
		propEmpty := isEmptyValue(prop)
		curEmpty := isEmptyValue(cur)
		switch {
		case propEmpty && curEmpty:
		case curEmpty:
			d.Changes = append(d.Changes, FieldChange{Field: field, Kind: ChangeAdded, New: prop})
		case propEmpty:
			d.Changes = append(d.Changes, FieldChange{Field: field, Kind: ChangeDeleted, Old: cur})
		case !reflect.DeepEqual(cur, prop):
			d.Changes = append(d.Changes, FieldChange{Field: field, Kind: ChangeUpdated, Old: cur, New: prop})
		}
	}
	return d
}

// normalizeValue maps JSON round-trip shapes onto the native ones so a
// streamed-then-confirmed outcome compares equal to a freshly built one.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case float64:
		if t == float64(int(t)) {
			return int(t)
		}
		return t
	case int64:
		return int(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return v
			}
			out = append(out, s)
		}
		return out
	default:
		return v
	}
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case int:
		return t == 0
	case float64:
		return t == 0
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	default:
		return false
	}
}
