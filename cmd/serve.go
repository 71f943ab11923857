package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shotleybuilder/sertantai-ingest/internal/ingest"
	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion HTTP API",
	Long:  "Serves the streaming ingest endpoints, the confirmation endpoint, and the cascade queue endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		api := &apiHandler{
			env:       env,
			keepalive: time.Duration(cfg.Server.KeepaliveSecs) * time.Second,
			ruleset:   cfg.Classifier.DefaultVersion,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(api, cfg.Server.AllowedOrigins),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiHandler carries the wiring the HTTP handlers run against.
type apiHandler struct {
	env       *ingestEnv
	keepalive time.Duration
	ruleset   string
}

func newRouter(api *apiHandler, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", api.health)
	r.Route("/ingest/{type}/{year}/{number}", func(r chi.Router) {
		r.Post("/stream", api.ingestStream)
		r.Post("/confirm", api.ingestConfirm)
	})
	r.Get("/cascade", api.cascadeList)
	r.Delete("/cascade", api.cascadeClear)
	r.Post("/cascade/{id}/reparse", api.cascadeReparse)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (h *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestConfirm is the only write path the API exposes: it takes the
// outcome the caller streamed, recomputes the diff, and persists.
func (h *apiHandler) ingestConfirm(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req struct {
		Outcome     *model.RunOutcome `json:"outcome"`
		SessionID   string            `json:"session_id"`
		SourceLayer int               `json:"source_layer"`
		Overrides   map[string]any    `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.env.Gate.Confirm(r.Context(), key, req.Outcome, ingest.ConfirmOptions{
		SessionID:   req.SessionID,
		SourceLayer: req.SourceLayer,
		Overrides:   req.Overrides,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrBadPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		zap.L().Error("confirm failed", zap.String("key", key.String()), zap.Error(err))
		writeError(w, http.StatusBadGateway, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *apiHandler) cascadeList(w http.ResponseWriter, r *http.Request) {
	filter := store.CascadeFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Status:    model.EntryStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("layer"); raw != "" {
		layer, err := strconv.Atoi(raw)
		if err != nil || layer < 1 {
			writeError(w, http.StatusBadRequest, "layer must be a positive integer")
			return
		}
		filter.Layer = layer
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.env.Store.ListCascade(r.Context(), filter)
	if err != nil {
		zap.L().Error("cascade list failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (h *apiHandler) cascadeClear(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	removed, err := h.env.Queue.Clear(r.Context(), sessionID)
	if err != nil {
		zap.L().Error("cascade clear failed", zap.String("session_id", sessionID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func keyFromRequest(r *http.Request) (model.RecordKey, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return model.RecordKey{}, fmt.Errorf("year %q is not a number", chi.URLParam(r, "year"))
	}
	key := model.RecordKey{
		TypeCode: strings.ToLower(chi.URLParam(r, "type")),
		Year:     year,
		Number:   chi.URLParam(r, "number"),
	}
	if err := key.Validate(); err != nil {
		return model.RecordKey{}, err
	}
	return key, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
