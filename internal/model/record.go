package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RecordKey identifies a piece of legislation on the register.
// TypeCode is the legislation.gov.uk document class (ukpga, uksi, asp, ...),
// Number is kept as a string because some series use alphanumeric numbers.
type RecordKey struct {
	TypeCode string `json:"type_code"`
	Year     int    `json:"year"`
	Number   string `json:"number"`
}

// String renders the key in registry path form, e.g. "ukpga/2010/15".
func (k RecordKey) String() string {
	return k.TypeCode + "/" + strconv.Itoa(k.Year) + "/" + k.Number
}

// IsZero reports whether the key is empty.
func (k RecordKey) IsZero() bool {
	return k.TypeCode == "" && k.Year == 0 && k.Number == ""
}

// Validate checks the key fields are plausible registry identifiers.
func (k RecordKey) Validate() error {
	if k.TypeCode == "" || len(k.TypeCode) > 10 {
		return fmt.Errorf("invalid type code %q", k.TypeCode)
	}
	for _, c := range k.TypeCode {
		if c < 'a' || c > 'z' {
			return fmt.Errorf("invalid type code %q", k.TypeCode)
		}
	}
	if k.Year < 1000 || k.Year > 3000 {
		return fmt.Errorf("invalid year %d", k.Year)
	}
	if k.Number == "" {
		return fmt.Errorf("missing number")
	}
	return nil
}

// ParseRecordKey parses "type/year/number" into a RecordKey.
func ParseRecordKey(s string) (RecordKey, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 3 {
		return RecordKey{}, fmt.Errorf("record key %q: want type/year/number", s)
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return RecordKey{}, fmt.Errorf("record key %q: bad year: %w", s, err)
	}
	k := RecordKey{TypeCode: strings.ToLower(parts[0]), Year: year, Number: parts[2]}
	if err := k.Validate(); err != nil {
		return RecordKey{}, fmt.Errorf("record key %q: %w", s, err)
	}
	return k, nil
}

// Record is one row of the legal register. Field names follow the register's
// column vocabulary: md_* fields come from the metadata parse, geo_* from the
// extent parse, live* from lifecycle reconciliation. Date fields hold ISO
// dates as returned by the registry.
type Record struct {
	TypeCode string `json:"type_code"`
	Year     int    `json:"year"`
	Number   string `json:"number"`

	TitleEn     string `json:"title_en,omitempty"`
	Acronym     string `json:"acronym,omitempty"`
	LegGovUkURL string `json:"leg_gov_uk_url,omitempty"`

	// Lifecycle, set by reconciliation only.
	Live               string `json:"live,omitempty"`
	LiveSource         string `json:"live_source,omitempty"`
	LiveConflict       bool   `json:"live_conflict,omitempty"`
	LiveConflictDetail string `json:"live_conflict_detail,omitempty"`
	LiveDescription    string `json:"live_description,omitempty"`
	LiveFromChanges    string `json:"live_from_changes,omitempty"`
	LiveFromMetadata   string `json:"live_from_metadata,omitempty"`

	// Metadata stage.
	MDDescription         string   `json:"md_description,omitempty"`
	MDSubjects            []string `json:"md_subjects,omitempty"`
	MDTotalParas          int      `json:"md_total_paras,omitempty"`
	MDBodyParas           int      `json:"md_body_paras,omitempty"`
	MDScheduleParas       int      `json:"md_schedule_paras,omitempty"`
	MDAttachmentParas     int      `json:"md_attachment_paras,omitempty"`
	MDImages              int      `json:"md_images,omitempty"`
	MDMadeDate            string   `json:"md_made_date,omitempty"`
	MDEnactmentDate       string   `json:"md_enactment_date,omitempty"`
	MDComingIntoForceDate string   `json:"md_coming_into_force_date,omitempty"`
	MDDctValidDate        string   `json:"md_dct_valid_date,omitempty"`
	MDModified            string   `json:"md_modified,omitempty"`
	MDRestrictExtent      string   `json:"md_restrict_extent,omitempty"`
	MDRestrictStartDate   string   `json:"md_restrict_start_date,omitempty"`

	// Extent stage.
	GeoExtent string   `json:"geo_extent,omitempty"`
	GeoRegion []string `json:"geo_region,omitempty"`
	GeoDetail string   `json:"geo_detail,omitempty"`

	// Enacting parents.
	EnactedBy       []string `json:"enacted_by,omitempty"`
	LinkedEnactedBy []string `json:"linked_enacted_by,omitempty"`

	// Outbound amendments (laws this record affects).
	Amending              []string `json:"amending,omitempty"`
	LinkedAmending        []string `json:"linked_amending,omitempty"`
	IsAmending            bool     `json:"is_amending,omitempty"`
	LatestAmendDate       string   `json:"latest_amend_date,omitempty"`
	StatsAffectsCount     int      `json:"stats_affects_count,omitempty"`
	StatsSelfAffectsCount int      `json:"stats_self_affects_count,omitempty"`

	// Inbound amendments (laws affecting this record).
	AmendedBy            []string `json:"amended_by,omitempty"`
	LinkedAmendedBy      []string `json:"linked_amended_by,omitempty"`
	RescindedBy          []string `json:"rescinded_by,omitempty"`
	LinkedRescindedBy    []string `json:"linked_rescinded_by,omitempty"`
	LatestRescindDate    string   `json:"latest_rescind_date,omitempty"`
	StatsAffectedByCount int      `json:"stats_affected_by_count,omitempty"`

	// Classification stage.
	Family      string   `json:"family,omitempty"`
	Purpose     []string `json:"purpose,omitempty"`
	Role        []string `json:"role,omitempty"`
	DutyHolder  []string `json:"duty_holder,omitempty"`
	PowerHolder []string `json:"power_holder,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	SICode      string   `json:"si_code,omitempty"`
	Function    string   `json:"function,omitempty"`

	RecordChangeLog string    `json:"record_change_log,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Key returns the record's registry key.
func (r *Record) Key() RecordKey {
	return RecordKey{TypeCode: r.TypeCode, Year: r.Year, Number: r.Number}
}

// FieldMap flattens the record into registry field names and values.
// Bookkeeping columns (change log, timestamps) are excluded: the map is the
// record as the diff and confirmation layers see it.
func (r *Record) FieldMap() map[string]any {
	return map[string]any{
		"title_en":                  r.TitleEn,
		"acronym":                   r.Acronym,
		"leg_gov_uk_url":            r.LegGovUkURL,
		"live":                      r.Live,
		"live_source":               r.LiveSource,
		"live_conflict":             r.LiveConflict,
		"live_conflict_detail":      r.LiveConflictDetail,
		"live_description":          r.LiveDescription,
		"live_from_changes":         r.LiveFromChanges,
		"live_from_metadata":        r.LiveFromMetadata,
		"md_description":            r.MDDescription,
		"md_subjects":               r.MDSubjects,
		"md_total_paras":            r.MDTotalParas,
		"md_body_paras":             r.MDBodyParas,
		"md_schedule_paras":         r.MDScheduleParas,
		"md_attachment_paras":       r.MDAttachmentParas,
		"md_images":                 r.MDImages,
		"md_made_date":              r.MDMadeDate,
		"md_enactment_date":         r.MDEnactmentDate,
		"md_coming_into_force_date": r.MDComingIntoForceDate,
		"md_dct_valid_date":         r.MDDctValidDate,
		"md_modified":               r.MDModified,
		"md_restrict_extent":        r.MDRestrictExtent,
		"md_restrict_start_date":    r.MDRestrictStartDate,
		"geo_extent":                r.GeoExtent,
		"geo_region":                r.GeoRegion,
		"geo_detail":                r.GeoDetail,
		"enacted_by":                r.EnactedBy,
		"linked_enacted_by":         r.LinkedEnactedBy,
		"amending":                  r.Amending,
		"linked_amending":           r.LinkedAmending,
		"is_amending":               r.IsAmending,
		"latest_amend_date":         r.LatestAmendDate,
		"stats_affects_count":       r.StatsAffectsCount,
		"stats_self_affects_count":  r.StatsSelfAffectsCount,
		"amended_by":                r.AmendedBy,
		"linked_amended_by":         r.LinkedAmendedBy,
		"rescinded_by":              r.RescindedBy,
		"linked_rescinded_by":       r.LinkedRescindedBy,
		"latest_rescind_date":       r.LatestRescindDate,
		"stats_affected_by_count":   r.StatsAffectedByCount,
		"family":                    r.Family,
		"purpose":                   r.Purpose,
		"role":                      r.Role,
		"duty_holder":               r.DutyHolder,
		"power_holder":              r.PowerHolder,
		"tags":                      r.Tags,
		"si_code":                   r.SICode,
		"function":                  r.Function,
	}
}

// ApplyFieldMap sets record fields from registry field names. Unknown names
// are rejected so caller typos surface instead of silently dropping data.
func (r *Record) ApplyFieldMap(fields map[string]any) error {
	for name, v := range fields {
		if err := r.applyField(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Record) applyField(name string, v any) error {
	var err error
	switch name {
	case "title_en":
		r.TitleEn, err = asString(name, v)
	case "acronym":
		r.Acronym, err = asString(name, v)
	case "leg_gov_uk_url":
		r.LegGovUkURL, err = asString(name, v)
	case "live":
		r.Live, err = asString(name, v)
	case "live_source":
		r.LiveSource, err = asString(name, v)
	case "live_conflict":
		r.LiveConflict, err = asBool(name, v)
	case "live_conflict_detail":
		r.LiveConflictDetail, err = asString(name, v)
	case "live_description":
		r.LiveDescription, err = asString(name, v)
	case "live_from_changes":
		r.LiveFromChanges, err = asString(name, v)
	case "live_from_metadata":
		r.LiveFromMetadata, err = asString(name, v)
	case "md_description":
		r.MDDescription, err = asString(name, v)
	case "md_subjects":
		r.MDSubjects, err = asStrings(name, v)
	case "md_total_paras":
		r.MDTotalParas, err = asInt(name, v)
	case "md_body_paras":
		r.MDBodyParas, err = asInt(name, v)
	case "md_schedule_paras":
		r.MDScheduleParas, err = asInt(name, v)
	case "md_attachment_paras":
		r.MDAttachmentParas, err = asInt(name, v)
	case "md_images":
		r.MDImages, err = asInt(name, v)
	case "md_made_date":
		r.MDMadeDate, err = asString(name, v)
	case "md_enactment_date":
		r.MDEnactmentDate, err = asString(name, v)
	case "md_coming_into_force_date":
		r.MDComingIntoForceDate, err = asString(name, v)
	case "md_dct_valid_date":
		r.MDDctValidDate, err = asString(name, v)
	case "md_modified":
		r.MDModified, err = asString(name, v)
	case "md_restrict_extent":
		r.MDRestrictExtent, err = asString(name, v)
	case "md_restrict_start_date":
		r.MDRestrictStartDate, err = asString(name, v)
	case "geo_extent":
		r.GeoExtent, err = asString(name, v)
	case "geo_region":
		r.GeoRegion, err = asStrings(name, v)
	case "geo_detail":
		r.GeoDetail, err = asString(name, v)
	case "enacted_by":
		r.EnactedBy, err = asStrings(name, v)
	case "linked_enacted_by":
		r.LinkedEnactedBy, err = asStrings(name, v)
	case "amending":
		r.Amending, err = asStrings(name, v)
	case "linked_amending":
		r.LinkedAmending, err = asStrings(name, v)
	case "is_amending":
		r.IsAmending, err = asBool(name, v)
	case "latest_amend_date":
		r.LatestAmendDate, err = asString(name, v)
	case "stats_affects_count":
		r.StatsAffectsCount, err = asInt(name, v)
	case "stats_self_affects_count":
		r.StatsSelfAffectsCount, err = asInt(name, v)
	case "amended_by":
		r.AmendedBy, err = asStrings(name, v)
	case "linked_amended_by":
		r.LinkedAmendedBy, err = asStrings(name, v)
	case "rescinded_by":
		r.RescindedBy, err = asStrings(name, v)
	case "linked_rescinded_by":
		r.LinkedRescindedBy, err = asStrings(name, v)
	case "latest_rescind_date":
		r.LatestRescindDate, err = asString(name, v)
	case "stats_affected_by_count":
		r.StatsAffectedByCount, err = asInt(name, v)
	case "family":
		r.Family, err = asString(name, v)
	case "purpose":
		r.Purpose, err = asStrings(name, v)
	case "role":
		r.Role, err = asStrings(name, v)
	case "duty_holder":
		r.DutyHolder, err = asStrings(name, v)
	case "power_holder":
		r.PowerHolder, err = asStrings(name, v)
	case "tags":
		r.Tags, err = asStrings(name, v)
	case "si_code":
		r.SICode, err = asString(name, v)
	case "function":
		r.Function, err = asString(name, v)
	default:
		return fmt.Errorf("unknown record field %q", name)
	}
	return err
}

func asString(name string, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q: want string, got %T", name, v)
	}
	return s, nil
}

func asBool(name string, v any) (bool, error) {
	if v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q: want bool, got %T", name, v)
	}
	return b, nil
}

func asInt(name string, v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		// JSON round-trips land here.
		return int(n), nil
	default:
		return 0, fmt.Errorf("field %q: want int, got %T", name, v)
	}
}

func asStrings(name string, v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: want string list, got %T element", name, e)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %q: want string list, got %T", name, v)
	}
}
