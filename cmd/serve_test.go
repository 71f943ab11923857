package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shotleybuilder/sertantai-ingest/internal/cascade"
	"github.com/shotleybuilder/sertantai-ingest/internal/ingest"
	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/pipeline"
	"github.com/shotleybuilder/sertantai-ingest/internal/store"
	"github.com/shotleybuilder/sertantai-ingest/pkg/classifier"
	"github.com/shotleybuilder/sertantai-ingest/pkg/legislation"
)

// fakeRegistry satisfies legislation.Client with plain funcs so each test
// scripts only the endpoints its run touches. Unscripted endpoints return
// empty results, which the pipeline treats as a clean "nothing found".
type fakeRegistry struct {
	metadata     func(key string) (*legislation.MetadataFields, error)
	extent       func(key string) (*legislation.ExtentFields, error)
	enactedBy    func(key string) (*legislation.EnactedByFields, error)
	amending     func(key string) (*legislation.ChangeFields, error)
	amendedBy    func(key string) (*legislation.ChangeFields, error)
	repealRevoke func(key string) (*legislation.RevocationFields, error)
}

func (f *fakeRegistry) Metadata(_ context.Context, key string) (*legislation.MetadataFields, error) {
	if f.metadata == nil {
		return &legislation.MetadataFields{}, nil
	}
	return f.metadata(key)
}

func (f *fakeRegistry) Extent(_ context.Context, key string) (*legislation.ExtentFields, error) {
	if f.extent == nil {
		return &legislation.ExtentFields{}, nil
	}
	return f.extent(key)
}

func (f *fakeRegistry) EnactedBy(_ context.Context, key string) (*legislation.EnactedByFields, error) {
	if f.enactedBy == nil {
		return &legislation.EnactedByFields{}, nil
	}
	return f.enactedBy(key)
}

func (f *fakeRegistry) Amending(_ context.Context, key string) (*legislation.ChangeFields, error) {
	if f.amending == nil {
		return &legislation.ChangeFields{}, nil
	}
	return f.amending(key)
}

func (f *fakeRegistry) AmendedBy(_ context.Context, key string) (*legislation.ChangeFields, error) {
	if f.amendedBy == nil {
		return &legislation.ChangeFields{}, nil
	}
	return f.amendedBy(key)
}

func (f *fakeRegistry) RepealRevoke(_ context.Context, key string) (*legislation.RevocationFields, error) {
	if f.repealRevoke == nil {
		return &legislation.RevocationFields{}, nil
	}
	return f.repealRevoke(key)
}

func newTestAPI(t *testing.T, reg legislation.Client) (*apiHandler, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	catalog, err := classifier.DefaultCatalog()
	require.NoError(t, err)

	queue := cascade.NewQueue(st)
	api := &apiHandler{
		env: &ingestEnv{
			Store:    st,
			Client:   reg,
			Catalog:  catalog,
			Executor: pipeline.NewExecutor(reg, catalog),
			Queue:    queue,
			Gate:     ingest.NewService(st, queue),
		},
		keepalive: time.Second,
	}
	return api, st
}

func doRequest(api *apiHandler, method, target string, body []byte) *httptest.ResponseRecorder {
	router := newRouter(api, []string{"*"})
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	name string
	data string
}

// parseSSE splits a recorded event-stream body into named events,
// dropping keepalive comments.
func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func riddorRegistry() *fakeRegistry {
	return &fakeRegistry{
		metadata: func(key string) (*legislation.MetadataFields, error) {
			return &legislation.MetadataFields{
				Title:      "The Reporting of Injuries, Diseases and Dangerous Occurrences Regulations 2013",
				SICode:     "HEALTH AND SAFETY",
				Subjects:   []string{"Health and safety"},
				TotalParas: 40,
				MadeDate:   "2013-08-05",
			}, nil
		},
		extent: func(key string) (*legislation.ExtentFields, error) {
			return &legislation.ExtentFields{Extent: "E+W+S", Regions: []string{"England", "Wales", "Scotland"}}, nil
		},
		enactedBy: func(key string) (*legislation.EnactedByFields, error) {
			return &legislation.EnactedByFields{
				Parents: []string{"ukpga/1974/37"},
				Links:   []string{"https://www.legislation.gov.uk/ukpga/1974/37"},
			}, nil
		},
		amending: func(key string) (*legislation.ChangeFields, error) {
			return &legislation.ChangeFields{Effects: []legislation.Effect{
				{Type: "revoked", Affected: "uksi/1995/3163", Affecting: "uksi/2013/1471", Date: "2013-10-01"},
			}}, nil
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRegistry{})

	rec := doRequest(api, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStreamRunsPipelineWithoutPersisting(t *testing.T) {
	api, st := newTestAPI(t, riddorRegistry())

	rec := doRequest(api, http.MethodPost, "/ingest/uksi/2013/1471/stream", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)

	var started, completed int
	for _, ev := range events {
		switch ev.name {
		case "stage_started":
			started++
		case "stage_completed":
			completed++
		}
	}
	assert.Equal(t, len(model.StageOrder), started)
	assert.Equal(t, len(model.StageOrder), completed)

	last := events[len(events)-1]
	require.Equal(t, "run_completed", last.name)

	var payload struct {
		Outcome *model.RunOutcome `json:"outcome"`
		Diff    model.Diff        `json:"diff"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.data), &payload))
	require.NotNil(t, payload.Outcome)
	assert.Equal(t, model.RecordKey{TypeCode: "uksi", Year: 2013, Number: "1471"}, payload.Outcome.Key)
	assert.False(t, payload.Outcome.HasStageErrors())
	require.NotNil(t, payload.Outcome.Reconciliation)

	added, _, _ := payload.Diff.Counts()
	assert.Greater(t, added, 5)

	// Streaming never writes the register.
	recStored, err := st.GetRecord(context.Background(), model.RecordKey{TypeCode: "uksi", Year: 2013, Number: "1471"})
	require.NoError(t, err)
	assert.Nil(t, recStored)
}

func TestStreamHonorsStageSubset(t *testing.T) {
	api, _ := newTestAPI(t, riddorRegistry())

	body := []byte(`{"stages":["metadata","extent"]}`)
	rec := doRequest(api, http.MethodPost, "/ingest/uksi/2013/1471/stream", body)

	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	require.Equal(t, "run_completed", last.name)

	var payload struct {
		Outcome *model.RunOutcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.data), &payload))
	assert.Equal(t, model.StageStatusOK, payload.Outcome.Stage(model.StageMetadata).Status)
	assert.Equal(t, model.StageStatusOK, payload.Outcome.Stage(model.StageExtent).Status)
	assert.Equal(t, model.StageStatusSkipped, payload.Outcome.Stage(model.StageAmending).Status)
	assert.Equal(t, model.StageStatusSkipped, payload.Outcome.Stage(model.StageClassify).Status)
}

func TestStreamRejectsBadKey(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRegistry{})

	rec := doRequest(api, http.MethodPost, "/ingest/uksi/abc/1471/stream", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "year")
}

func TestStreamRejectsUnknownStage(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRegistry{})

	rec := doRequest(api, http.MethodPost, "/ingest/uksi/2013/1471/stream", []byte(`{"stages":["bogus"]}`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "bogus")
}

func confirmBody(t *testing.T, outcome *model.RunOutcome, sessionID string) []byte {
	t.Helper()
	payload := map[string]any{"outcome": outcome}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return raw
}

func streamedOutcome(t *testing.T, api *apiHandler, target string) *model.RunOutcome {
	t.Helper()
	rec := doRequest(api, http.MethodPost, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "run_completed", last.name)

	var payload struct {
		Outcome *model.RunOutcome `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal([]byte(last.data), &payload))
	require.NotNil(t, payload.Outcome)
	return payload.Outcome
}

func TestConfirmPersistsStreamedOutcome(t *testing.T) {
	api, st := newTestAPI(t, riddorRegistry())
	ctx := context.Background()

	// Stream first, then confirm what was streamed, as a client would.
	outcome := streamedOutcome(t, api, "/ingest/uksi/2013/1471/stream")

	rec := doRequest(api, http.MethodPost, "/ingest/uksi/2013/1471/confirm", confirmBody(t, outcome, "sess-http"))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Record *model.Record `json:"record"`
		Diff   model.Diff    `json:"diff"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Record)
	assert.Equal(t, "The Reporting of Injuries, Diseases and Dangerous Occurrences Regulations 2013", res.Record.TitleEn)
	added, _, _ := res.Diff.Counts()
	assert.Greater(t, added, 5)

	stored, err := st.GetRecord(ctx, model.RecordKey{TypeCode: "uksi", Year: 2013, Number: "1471"})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, []string{"uksi/1995/3163"}, stored.Amending)

	// The discovered references are queued under the session.
	entries, err := st.ListCascade(ctx, store.CascadeFilter{SessionID: "sess-http"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConfirmRejectsMalformedBody(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRegistry{})

	rec := doRequest(api, http.MethodPost, "/ingest/uksi/2013/1471/confirm", []byte(`{"outcome":`))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid request body")
}

func TestConfirmRejectsMismatchedOutcome(t *testing.T) {
	api, _ := newTestAPI(t, riddorRegistry())

	outcome := streamedOutcome(t, api, "/ingest/uksi/2013/1471/stream")

	// Confirm against a different record than the one streamed.
	rec := doRequest(api, http.MethodPost, "/ingest/uksi/2013/9999/confirm", confirmBody(t, outcome, ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "uksi/2013/1471")
}

func TestConfirmReportsStorageFailure(t *testing.T) {
	api, st := newTestAPI(t, riddorRegistry())

	outcome := streamedOutcome(t, api, "/ingest/uksi/2013/1471/stream")
	require.NoError(t, st.Close())

	rec := doRequest(api, http.MethodPost, "/ingest/uksi/2013/1471/confirm", confirmBody(t, outcome, ""))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "storage failure")
}

func seedCascade(t *testing.T, api *apiHandler, sessionID string) {
	t.Helper()
	source := model.RecordKey{TypeCode: "uksi", Year: 2013, Number: "1471"}
	refs := []model.Reference{
		{Key: model.RecordKey{TypeCode: "uksi", Year: 1995, Number: "3163"}, UpdateKind: model.UpdateReParse},
		{Key: model.RecordKey{TypeCode: "ukpga", Year: 1974, Number: "37"}, UpdateKind: model.UpdateEnactmentLink},
	}
	require.NoError(t, api.env.Queue.Enqueue(context.Background(), sessionID, source, 0, refs))
}

func TestCascadeListFiltersAndClear(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRegistry{})
	seedCascade(t, api, "sess-a")
	seedCascade(t, api, "sess-b")

	rec := doRequest(api, http.MethodGet, "/cascade?session_id=sess-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Entries []model.CascadeEntry `json:"entries"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 2, listed.Count)
	for _, e := range listed.Entries {
		assert.Equal(t, "sess-a", e.SessionID)
		assert.Equal(t, 1, e.Layer)
	}

	rec = doRequest(api, http.MethodGet, "/cascade?session_id=sess-a&status=processed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Zero(t, listed.Count)

	rec = doRequest(api, http.MethodGet, "/cascade?session_id=sess-a&layer=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(api, http.MethodDelete, "/cascade", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(api, http.MethodDelete, "/cascade?session_id=sess-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":2}`, rec.Body.String())

	// The other session's queue is untouched.
	rec = doRequest(api, http.MethodGet, "/cascade?session_id=sess-b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, 2, listed.Count)
}

func TestCascadeReparseStreamsEntryStages(t *testing.T) {
	api, st := newTestAPI(t, &fakeRegistry{})
	seedCascade(t, api, "sess-a")

	entry, err := st.FindCascadeEntry(context.Background(), "sess-a", model.RecordKey{TypeCode: "ukpga", Year: 1974, Number: "37"})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, model.UpdateEnactmentLink, entry.UpdateKind)

	outcome := streamedOutcome(t, api, fmt.Sprintf("/cascade/%s/reparse", entry.ID))

	// An enactment-link entry re-runs only the enacted_by stage.
	assert.Equal(t, model.StageStatusOK, outcome.Stage(model.StageEnactedBy).Status)
	var ran int
	for _, res := range outcome.Stages {
		if res.Status != model.StageStatusSkipped {
			ran++
		}
	}
	assert.Equal(t, 1, ran)
}

func TestCascadeReparseUnknownEntry(t *testing.T) {
	api, _ := newTestAPI(t, &fakeRegistry{})

	rec := doRequest(api, http.MethodPost, "/cascade/no-such-id/reparse", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "cascade entry not found")
}

func TestKeyFromRequestNormalizesType(t *testing.T) {
	api, _ := newTestAPI(t, riddorRegistry())

	outcome := streamedOutcome(t, api, "/ingest/UKSI/2013/1471/stream")
	assert.Equal(t, "uksi", outcome.Key.TypeCode)
}
