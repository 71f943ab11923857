package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStages(t *testing.T) {
	t.Parallel()

	stages, err := ParseStages([]string{"amended_by", "repeal_revoke", "amended_by"})
	require.NoError(t, err)
	assert.Equal(t, []StageName{StageAmendedBy, StageRepealRevoke}, stages)

	_, err = ParseStages([]string{"amended_by", "teleport"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestStageResult_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	outcome := RunOutcome{
		Key: RecordKey{TypeCode: "uksi", Year: 2013, Number: "1506"},
		Stages: []StageResult{
			{
				Stage:  StageMetadata,
				Status: StageStatusOK,
				Payload: &MetadataPayload{
					Title:      "The Explosives Regulations 2013",
					Subjects:   []string{"health and safety"},
					TotalParas: 120,
					MadeDate:   "2013-06-19",
				},
			},
			{
				Stage:  StageAmendedBy,
				Status: StageStatusOK,
				Payload: &AmendedByPayload{
					AffectedBy: []string{"uksi/2016/315"},
					Candidate:  &CandidateStatus{Status: LivePartiallySuperseded},
				},
			},
			{
				Stage:     StageClassify,
				Status:    StageStatusError,
				Error:     "ruleset v9 not found",
				ErrorKind: ErrKindStage,
			},
			{Stage: StageExtent, Status: StageStatusSkipped},
		},
	}

	data, err := json.Marshal(outcome)
	require.NoError(t, err)

	var decoded RunOutcome
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Stages, 4)

	md, ok := decoded.Stage(StageMetadata).Payload.(*MetadataPayload)
	require.True(t, ok, "metadata payload should decode to its concrete type")
	assert.Equal(t, "The Explosives Regulations 2013", md.Title)
	assert.Equal(t, 120, md.TotalParas)

	ab, ok := decoded.Stage(StageAmendedBy).Payload.(*AmendedByPayload)
	require.True(t, ok)
	require.NotNil(t, ab.Candidate)
	assert.Equal(t, LivePartiallySuperseded, ab.Candidate.Status)

	cl := decoded.Stage(StageClassify)
	assert.Equal(t, StageStatusError, cl.Status)
	assert.Equal(t, ErrKindStage, cl.ErrorKind)
	assert.Nil(t, cl.Payload)
}

func TestStageResult_UnmarshalUnknownStage(t *testing.T) {
	t.Parallel()

	var r StageResult
	err := json.Unmarshal([]byte(`{"stage":"warp","status":"ok","payload":{}}`), &r)
	require.Error(t, err)
}

func TestRunOutcome_ProposedFields(t *testing.T) {
	t.Parallel()

	o := RunOutcome{
		Stages: []StageResult{
			{Stage: StageMetadata, Status: StageStatusOK, Payload: &MetadataPayload{
				Title: "New Title", Description: "desc",
			}},
			{Stage: StageExtent, Status: StageStatusError, Error: "boom", Payload: &ExtentPayload{Extent: "E"}},
			{Stage: StageClassify, Status: StageStatusSkipped},
		},
		Reconciliation: &Reconciliation{
			Status: LiveSuperseded, Source: SourceChanges, Conflict: true,
			FromChanges: LiveSuperseded, FromMetadata: LiveInForce,
		},
	}

	fields := o.ProposedFields()
	assert.Equal(t, "New Title", fields["title_en"])
	assert.Equal(t, "desc", fields["md_description"])
	// Failed and skipped stages contribute nothing.
	assert.NotContains(t, fields, "geo_extent")
	assert.NotContains(t, fields, "family")
	// Reconciliation folds the lifecycle columns.
	assert.Equal(t, "superseded", fields["live"])
	assert.Equal(t, true, fields["live_conflict"])
	assert.Equal(t, "in_force", fields["live_from_metadata"])
}

func TestRunOutcome_ProposedFields_TitleKept(t *testing.T) {
	t.Parallel()

	o := RunOutcome{
		TitleKept: true,
		Stages: []StageResult{
			{Stage: StageMetadata, Status: StageStatusOK, Payload: &MetadataPayload{
				Title: "Parsed Title", Description: "desc",
			}},
		},
	}

	fields := o.ProposedFields()
	assert.NotContains(t, fields, "title_en")
	assert.Equal(t, "desc", fields["md_description"])
	// The parsed value stays visible on the payload for the operator.
	md := o.Stage(StageMetadata).Payload.(*MetadataPayload)
	assert.Equal(t, "Parsed Title", md.Title)
}

func TestRunOutcome_References(t *testing.T) {
	t.Parallel()

	o := RunOutcome{
		Key: RecordKey{TypeCode: "uksi", Year: 2013, Number: "1506"},
		Stages: []StageResult{
			{Stage: StageEnactedBy, Status: StageStatusOK, Payload: &EnactedByPayload{
				Parents: []string{"ukpga/1974/37"},
			}},
			{Stage: StageAmending, Status: StageStatusOK, Payload: &AmendingPayload{
				Affected: []string{"uksi/2005/1082", "not-a-key"},
			}},
			{Stage: StageAmendedBy, Status: StageStatusOK, Payload: &AmendedByPayload{
				AffectedBy:  []string{"uksi/2016/315", "uksi/2005/1082"},
				RescindedBy: []string{"ukpga/1974/37"},
			}},
		},
	}

	refs := o.References()
	require.Len(t, refs, 3)

	byKey := make(map[string]UpdateKind, len(refs))
	for _, r := range refs {
		byKey[r.Key.String()] = r.UpdateKind
	}
	assert.Equal(t, UpdateReParse, byKey["uksi/2005/1082"])
	assert.Equal(t, UpdateReParse, byKey["uksi/2016/315"])
	// Nominated first for an enactment-link refresh, then rescinded-by
	// upgrades it to a full re-parse.
	assert.Equal(t, UpdateReParse, byKey["ukpga/1974/37"])
}

func TestRunOutcome_References_FailedStagesContributeNothing(t *testing.T) {
	t.Parallel()

	o := RunOutcome{
		Stages: []StageResult{
			{Stage: StageAmending, Status: StageStatusError, Error: "offline", Payload: &AmendingPayload{
				Affected: []string{"uksi/2005/1082"},
			}},
		},
	}
	assert.Empty(t, o.References())
}

func TestUpdateKind_Stages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []StageName{StageEnactedBy}, UpdateEnactmentLink.Stages())
	assert.Equal(t, []StageName{StageAmending, StageAmendedBy, StageRepealRevoke}, UpdateReParse.Stages())
}
