package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// StageName identifies one pipeline stage.
type StageName string

const (
	StageMetadata     StageName = "metadata"
	StageExtent       StageName = "extent"
	StageEnactedBy    StageName = "enacted_by"
	StageAmending     StageName = "amending"
	StageAmendedBy    StageName = "amended_by"
	StageRepealRevoke StageName = "repeal_revoke"
	StageClassify     StageName = "classify"
)

// StageOrder is the fixed execution order. repeal_revoke depends on
// amended_by's candidate; the rest are mutually independent.
var StageOrder = []StageName{
	StageMetadata,
	StageExtent,
	StageEnactedBy,
	StageAmending,
	StageAmendedBy,
	StageRepealRevoke,
	StageClassify,
}

// ParseStage validates a stage name.
func ParseStage(s string) (StageName, error) {
	for _, name := range StageOrder {
		if s == string(name) {
			return name, nil
		}
	}
	return "", eris.Errorf("unknown stage %q", s)
}

// ParseStages validates a list of stage names, preserving order and
// dropping duplicates.
func ParseStages(names []string) ([]StageName, error) {
	seen := make(map[StageName]bool, len(names))
	out := make([]StageName, 0, len(names))
	for _, s := range names {
		name, err := ParseStage(s)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

// StageStatus is the outcome of one stage invocation.
type StageStatus string

const (
	StageStatusOK      StageStatus = "ok"
	StageStatusError   StageStatus = "error"
	StageStatusSkipped StageStatus = "skipped"
)

// Error kinds carried on failed stage results. upstream_unavailable is
// distinct from not_found: the caller retries the former and trusts the
// latter.
const (
	ErrKindStage       = "stage_error"
	ErrKindNotFound    = "not_found"
	ErrKindUnavailable = "upstream_unavailable"
)

// StagePayload is the stage-specific result shape. The set of payload
// types is fixed at compile time; dispatch is by stage name.
type StagePayload interface {
	PayloadStage() StageName
	// FieldMap flattens the payload into registry field names for the
	// preview diff and record fold. Nil when the stage contributes no
	// record fields directly.
	FieldMap() map[string]any
}

// StageResult is the per-stage outcome of one pipeline run. Ephemeral:
// folded into the record only on confirmation.
type StageResult struct {
	Stage      StageName    `json:"stage"`
	Status     StageStatus  `json:"status"`
	Summary    string       `json:"summary,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	Error      string       `json:"error,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Payload    StagePayload `json:"payload,omitempty"`
}

// UnmarshalJSON decodes the payload into the concrete type selected by the
// stage name, so outcomes survive the stream -> confirm round trip intact.
func (r *StageResult) UnmarshalJSON(data []byte) error {
	var shadow struct {
		Stage      StageName       `json:"stage"`
		Status     StageStatus     `json:"status"`
		Summary    string          `json:"summary"`
		DurationMS int64           `json:"duration_ms"`
		Error      string          `json:"error"`
		ErrorKind  string          `json:"error_kind"`
		Payload    json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}
	r.Stage = shadow.Stage
	r.Status = shadow.Status
	r.Summary = shadow.Summary
	r.DurationMS = shadow.DurationMS
	r.Error = shadow.Error
	r.ErrorKind = shadow.ErrorKind
	r.Payload = nil
	if len(shadow.Payload) == 0 || string(shadow.Payload) == "null" {
		return nil
	}
	payload, err := newPayload(shadow.Stage)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(shadow.Payload, payload); err != nil {
		return fmt.Errorf("stage %s payload: %w", shadow.Stage, err)
	}
	r.Payload = payload
	return nil
}

func newPayload(stage StageName) (StagePayload, error) {
	switch stage {
	case StageMetadata:
		return &MetadataPayload{}, nil
	case StageExtent:
		return &ExtentPayload{}, nil
	case StageEnactedBy:
		return &EnactedByPayload{}, nil
	case StageAmending:
		return &AmendingPayload{}, nil
	case StageAmendedBy:
		return &AmendedByPayload{}, nil
	case StageRepealRevoke:
		return &RepealRevokePayload{}, nil
	case StageClassify:
		return &ClassifyPayload{}, nil
	default:
		return nil, eris.Errorf("unknown stage %q", stage)
	}
}

// MetadataPayload holds the resource-metadata parse.
type MetadataPayload struct {
	Title               string   `json:"title,omitempty"`
	Description         string   `json:"description,omitempty"`
	Subjects            []string `json:"subjects,omitempty"`
	SICode              string   `json:"si_code,omitempty"`
	TotalParas          int      `json:"total_paras,omitempty"`
	BodyParas           int      `json:"body_paras,omitempty"`
	ScheduleParas       int      `json:"schedule_paras,omitempty"`
	AttachmentParas     int      `json:"attachment_paras,omitempty"`
	Images              int      `json:"images,omitempty"`
	MadeDate            string   `json:"made_date,omitempty"`
	EnactmentDate       string   `json:"enactment_date,omitempty"`
	ComingIntoForceDate string   `json:"coming_into_force_date,omitempty"`
	DctValidDate        string   `json:"dct_valid_date,omitempty"`
	Modified            string   `json:"modified,omitempty"`
	RestrictExtent      string   `json:"restrict_extent,omitempty"`
	RestrictStartDate   string   `json:"restrict_start_date,omitempty"`
	RegistryURL         string   `json:"registry_url,omitempty"`
}

func (p *MetadataPayload) PayloadStage() StageName { return StageMetadata }

func (p *MetadataPayload) FieldMap() map[string]any {
	return map[string]any{
		"title_en":                  p.Title,
		"leg_gov_uk_url":            p.RegistryURL,
		"md_description":            p.Description,
		"md_subjects":               p.Subjects,
		"si_code":                   p.SICode,
		"md_total_paras":            p.TotalParas,
		"md_body_paras":             p.BodyParas,
		"md_schedule_paras":         p.ScheduleParas,
		"md_attachment_paras":       p.AttachmentParas,
		"md_images":                 p.Images,
		"md_made_date":              p.MadeDate,
		"md_enactment_date":         p.EnactmentDate,
		"md_coming_into_force_date": p.ComingIntoForceDate,
		"md_dct_valid_date":         p.DctValidDate,
		"md_modified":               p.Modified,
		"md_restrict_extent":        p.RestrictExtent,
		"md_restrict_start_date":    p.RestrictStartDate,
	}
}

// ExtentPayload holds the geographic extent parse.
type ExtentPayload struct {
	Extent  string   `json:"extent,omitempty"`
	Regions []string `json:"regions,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

func (p *ExtentPayload) PayloadStage() StageName { return StageExtent }

func (p *ExtentPayload) FieldMap() map[string]any {
	return map[string]any{
		"geo_extent": p.Extent,
		"geo_region": p.Regions,
		"geo_detail": p.Detail,
	}
}

// EnactedByPayload holds the parent-enactment links.
type EnactedByPayload struct {
	Parents []string `json:"parents,omitempty"`
	Links   []string `json:"links,omitempty"`
}

func (p *EnactedByPayload) PayloadStage() StageName { return StageEnactedBy }

func (p *EnactedByPayload) FieldMap() map[string]any {
	return map[string]any{
		"enacted_by":        p.Parents,
		"linked_enacted_by": p.Links,
	}
}

// AmendingPayload holds the outbound amendment feed (laws this record
// affects). SelfCount tracks commencement self-references, which are kept
// out of Affected and out of the per-source counts.
type AmendingPayload struct {
	Affected        []string `json:"affected,omitempty"`
	Links           []string `json:"links,omitempty"`
	LatestAmendDate string   `json:"latest_amend_date,omitempty"`
	Count           int      `json:"count,omitempty"`
	SelfCount       int      `json:"self_count,omitempty"`
	// RevokeCount is how many of the outbound effects revoke or repeal.
	// Not a register column; it feeds the classify stage's function call.
	RevokeCount int `json:"revoke_count,omitempty"`
}

func (p *AmendingPayload) PayloadStage() StageName { return StageAmending }

func (p *AmendingPayload) FieldMap() map[string]any {
	return map[string]any{
		"amending":                 p.Affected,
		"linked_amending":          p.Links,
		"is_amending":              len(p.Affected) > 0,
		"latest_amend_date":        p.LatestAmendDate,
		"stats_affects_count":      p.Count,
		"stats_self_affects_count": p.SelfCount,
	}
}

// AmendedByPayload holds the inbound amendment feed (laws affecting this
// record) and the change-history lifecycle candidate derived from it.
type AmendedByPayload struct {
	AffectedBy        []string         `json:"affected_by,omitempty"`
	Links             []string         `json:"links,omitempty"`
	RescindedBy       []string         `json:"rescinded_by,omitempty"`
	RescindLinks      []string         `json:"rescind_links,omitempty"`
	LatestRescindDate string           `json:"latest_rescind_date,omitempty"`
	Count             int              `json:"count,omitempty"`
	Candidate         *CandidateStatus `json:"candidate,omitempty"`
}

func (p *AmendedByPayload) PayloadStage() StageName { return StageAmendedBy }

func (p *AmendedByPayload) FieldMap() map[string]any {
	return map[string]any{
		"amended_by":              p.AffectedBy,
		"linked_amended_by":       p.Links,
		"rescinded_by":            p.RescindedBy,
		"linked_rescinded_by":     p.RescindLinks,
		"latest_rescind_date":     p.LatestRescindDate,
		"stats_affected_by_count": p.Count,
	}
}

// RepealRevokePayload holds the registry's own status line and the
// metadata-side lifecycle candidate derived from it. Lifecycle fields are
// folded by the reconciliation, not here.
type RepealRevokePayload struct {
	StatusLine  string           `json:"status_line,omitempty"`
	Superseding []string         `json:"superseding,omitempty"`
	Candidate   *CandidateStatus `json:"candidate,omitempty"`
}

func (p *RepealRevokePayload) PayloadStage() StageName { return StageRepealRevoke }

func (p *RepealRevokePayload) FieldMap() map[string]any { return nil }

// ClassifyPayload holds the taxonomy classification.
type ClassifyPayload struct {
	Family         string   `json:"family,omitempty"`
	Purpose        []string `json:"purpose,omitempty"`
	Role           []string `json:"role,omitempty"`
	DutyHolder     []string `json:"duty_holder,omitempty"`
	PowerHolder    []string `json:"power_holder,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Function       string   `json:"function,omitempty"`
	RulesetVersion string   `json:"ruleset_version,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
}

func (p *ClassifyPayload) PayloadStage() StageName { return StageClassify }

func (p *ClassifyPayload) FieldMap() map[string]any {
	return map[string]any{
		"family":       p.Family,
		"purpose":      p.Purpose,
		"role":         p.Role,
		"duty_holder":  p.DutyHolder,
		"power_holder": p.PowerHolder,
		"tags":         p.Tags,
		"function":     p.Function,
	}
}

// RunOutcome is the full result of one pipeline run. Ephemeral until a
// confirmation folds it into the record.
type RunOutcome struct {
	Key            RecordKey       `json:"key"`
	RulesetVersion string          `json:"ruleset_version,omitempty"`
	TitleKept      bool            `json:"title_kept,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMS     int64           `json:"duration_ms"`
	Stages         []StageResult   `json:"stages"`
	Reconciliation *Reconciliation `json:"reconciliation,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
}

// Stage returns the result for the named stage, or nil.
func (o *RunOutcome) Stage(name StageName) *StageResult {
	for i := range o.Stages {
		if o.Stages[i].Stage == name {
			return &o.Stages[i]
		}
	}
	return nil
}

// HasStageErrors reports whether any stage failed.
func (o *RunOutcome) HasStageErrors() bool {
	for i := range o.Stages {
		if o.Stages[i].Status == StageStatusError {
			return true
		}
	}
	return false
}

// ProposedFields flattens the run into registry field names: successful
// stage payloads in stage order, then the reconciled lifecycle fields.
// When the stored title was kept, the proposed title is dropped here; it
// stays visible in the metadata payload.
func (o *RunOutcome) ProposedFields() map[string]any {
	fields := make(map[string]any)
	for _, name := range StageOrder {
		res := o.Stage(name)
		if res == nil || res.Status != StageStatusOK || res.Payload == nil {
			continue
		}
		for k, v := range res.Payload.FieldMap() {
			fields[k] = v
		}
	}
	if o.Reconciliation != nil {
		for k, v := range o.Reconciliation.FieldMap() {
			fields[k] = v
		}
	}
	if o.TitleKept {
		delete(fields, "title_en")
	}
	return fields
}

// References collects the externally-referenced record keys discovered by
// this run, deduplicated by key. A key nominated for both a full re-parse
// and an enactment-link refresh keeps the re-parse.
func (o *RunOutcome) References() []Reference {
	type slot struct {
		ref   Reference
		order int
	}
	found := make(map[RecordKey]*slot)
	add := func(keys []string, kind UpdateKind) {
		for _, raw := range keys {
			key, err := ParseRecordKey(raw)
			if err != nil {
				continue
			}
			if s, ok := found[key]; ok {
				if kind == UpdateReParse {
					s.ref.UpdateKind = UpdateReParse
				}
				continue
			}
			found[key] = &slot{ref: Reference{Key: key, UpdateKind: kind}, order: len(found)}
		}
	}
	if res := o.Stage(StageAmending); res != nil && res.Status == StageStatusOK {
		if p, ok := res.Payload.(*AmendingPayload); ok {
			add(p.Affected, UpdateReParse)
		}
	}
	if res := o.Stage(StageAmendedBy); res != nil && res.Status == StageStatusOK {
		if p, ok := res.Payload.(*AmendedByPayload); ok {
			add(p.AffectedBy, UpdateReParse)
			add(p.RescindedBy, UpdateReParse)
		}
	}
	if res := o.Stage(StageEnactedBy); res != nil && res.Status == StageStatusOK {
		if p, ok := res.Payload.(*EnactedByPayload); ok {
			add(p.Parents, UpdateEnactmentLink)
		}
	}
	out := make([]Reference, len(found))
	for _, s := range found {
		out[s.order] = s.ref
	}
	return out
}

// Reference is one discovered cross-reference, ready for cascade enqueue.
type Reference struct {
	Key        RecordKey  `json:"key"`
	UpdateKind UpdateKind `json:"update_kind"`
}
