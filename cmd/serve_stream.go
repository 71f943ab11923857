package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/pipeline"
)

// streamRequest is the optional body of a streaming run.
type streamRequest struct {
	Stages         []string `json:"stages"`
	OverwriteTitle bool     `json:"overwrite_title"`
}

// runCompleted is the payload of the final stream event: the outcome the
// caller passes back on confirmation, plus the preview diff against the
// stored record.
type runCompleted struct {
	Outcome *model.RunOutcome `json:"outcome"`
	Diff    model.Diff        `json:"diff"`
}

// ingestStream runs the pipeline for the addressed record and streams
// progress as server-sent events. Nothing is persisted.
func (h *apiHandler) ingestStream(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req streamRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stages, err := model.ParseStages(req.Stages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := h.env.Store.GetRecord(r.Context(), key)
	if err != nil {
		zap.L().Error("record lookup failed", zap.String("key", key.String()), zap.Error(err))
		writeError(w, http.StatusBadGateway, "storage failure")
		return
	}

	h.streamRun(w, r, key, existing, pipeline.RunOptions{
		Stages:         stages,
		OverwriteTitle: req.OverwriteTitle,
		RulesetVersion: h.ruleset,
	})
}

// cascadeReparse re-enters the pipeline for a queued entry. The stage
// subset defaults to what the entry's update kind asks for; the body may
// narrow or widen it. Confirmation still goes through the confirm
// endpoint.
func (h *apiHandler) cascadeReparse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.env.Store.GetCascadeEntry(r.Context(), id)
	if err != nil {
		zap.L().Error("cascade entry lookup failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "storage failure")
		return
	}
	if entry == nil {
		writeError(w, http.StatusNotFound, "cascade entry not found")
		return
	}

	var req streamRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stages := entry.UpdateKind.Stages()
	if len(req.Stages) > 0 {
		stages, err = model.ParseStages(req.Stages)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	existing, err := h.env.Store.GetRecord(r.Context(), entry.Key)
	if err != nil {
		zap.L().Error("record lookup failed", zap.String("key", entry.Key.String()), zap.Error(err))
		writeError(w, http.StatusBadGateway, "storage failure")
		return
	}

	h.streamRun(w, r, entry.Key, existing, pipeline.RunOptions{
		Stages:         stages,
		RulesetVersion: h.ruleset,
	})
}

// streamRun executes the pipeline and relays its progress as SSE. The run
// itself is detached from the request context: a caller who disconnects
// mid-run costs a discarded outcome, not an abandoned fetch.
func (h *apiHandler) streamRun(w http.ResponseWriter, r *http.Request, key model.RecordKey, existing *model.Record, opts pipeline.RunOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream := pipeline.NewStream(h.keepalive)
	defer stream.Close()
	opts.Progress = stream

	runCtx := context.WithoutCancel(r.Context())
	go h.env.Executor.Run(runCtx, key, existing, opts)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			zap.L().Info("stream subscriber left", zap.String("key", key.String()))
			return
		case ev := <-stream.Events():
			switch ev.Kind {
			case pipeline.EventKeepalive:
				fmt.Fprint(w, ":ka\n\n")
			case pipeline.EventRunCompleted:
				diff, err := h.env.Gate.Preview(runCtx, key, ev.Outcome)
				if err != nil {
					writeSSE(w, "error", map[string]string{"error": err.Error()})
					flusher.Flush()
					return
				}
				writeSSE(w, string(ev.Kind), runCompleted{Outcome: ev.Outcome, Diff: diff})
				flusher.Flush()
				return
			default:
				writeSSE(w, string(ev.Kind), ev)
			}
			flusher.Flush()
		}
	}
}

// decodeOptionalBody decodes a JSON body, treating an empty body as the
// zero request.
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

func writeSSE(w io.Writer, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(`{"error":"encode failure"}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
}
