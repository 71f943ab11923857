package cascade

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shotleybuilder/sertantai-ingest/internal/ingest"
	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/pipeline"
	"github.com/shotleybuilder/sertantai-ingest/internal/store"
)

// DefaultConcurrency bounds how many cascade entries a worker runs at
// once.
const DefaultConcurrency = 4

// WorkStats summarizes one drain pass over a session's queue.
type WorkStats struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Worker drains pending cascade entries: each entry gets a pipeline run
// restricted to the stages its update kind asks for, and a successful run
// is confirmed straight back through the gate, which marks the entry
// processed and enqueues whatever the run discovered one layer down.
type Worker struct {
	store       store.Store
	queue       *Queue
	exec        *pipeline.Executor
	gate        *ingest.Service
	concurrency int
	layerCap    int
	log         *zap.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets how many entries run in parallel.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithLayerCap makes the worker touch only entries at or below the given
// layer, leaving deeper ones pending.
func WithLayerCap(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.layerCap = n
		}
	}
}

// NewWorker wires a worker over the queue's store, the pipeline executor,
// and the confirmation gate.
func NewWorker(st store.Store, q *Queue, exec *pipeline.Executor, gate *ingest.Service, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:       st,
		queue:       q,
		exec:        exec,
		gate:        gate,
		concurrency: DefaultConcurrency,
		log:         zap.L().With(zap.String("component", "cascade")),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Work drains the session's pending entries until none are left that the
// worker may touch. Entries whose run or confirmation fails stay pending
// for a later pass and are reported in Failed; entries beyond the layer
// cap are never attempted. Remaining counts what is still pending when
// the pass ends.
func (w *Worker) Work(ctx context.Context, sessionID string) (WorkStats, error) {
	var stats WorkStats
	if sessionID == "" {
		return stats, eris.New("cascade: work requires a session")
	}

	attempted := make(map[string]bool)
	batch := 4 * w.concurrency
	if batch < 16 {
		batch = 16
	}
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		// The window always exceeds the attempted set, and entries order
		// shallowest-first, so a window holding nothing new and eligible
		// proves the queue has nothing left for this pass.
		entries, err := w.queue.DequeuePending(ctx, sessionID, len(attempted)+batch)
		if err != nil {
			return stats, err
		}
		runnable := entries[:0]
		for _, e := range entries {
			if attempted[e.ID] {
				continue
			}
			if w.layerCap > 0 && e.Layer > w.layerCap {
				continue
			}
			runnable = append(runnable, e)
		}
		if len(runnable) == 0 {
			break
		}

		var mu sync.Mutex
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(w.concurrency)
		for _, entry := range runnable {
			attempted[entry.ID] = true
			entry := entry
			g.Go(func() error {
				ok := w.process(gCtx, entry)
				mu.Lock()
				if ok {
					stats.Processed++
				} else {
					stats.Failed++
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	left, err := w.store.ListCascade(ctx, store.CascadeFilter{SessionID: sessionID, Status: model.EntryPending, Limit: 100000})
	if err != nil {
		return stats, eris.Wrap(err, "cascade: count remaining")
	}
	stats.Remaining = len(left)
	w.log.Info("cascade: session drained",
		zap.String("session_id", sessionID),
		zap.Int("processed", stats.Processed),
		zap.Int("failed", stats.Failed),
		zap.Int("remaining", stats.Remaining))
	return stats, nil
}

// process runs one entry end to end. A run that left stage errors is not
// confirmed: confirming it would mark the entry processed and lose the
// retry, so the entry stays pending instead.
func (w *Worker) process(ctx context.Context, entry model.CascadeEntry) bool {
	log := w.log.With(
		zap.String("session_id", entry.SessionID),
		zap.String("key", entry.Key.String()),
		zap.Int("layer", entry.Layer),
		zap.String("update_kind", string(entry.UpdateKind)))

	existing, err := w.store.GetRecord(ctx, entry.Key)
	if err != nil {
		log.Warn("cascade: record lookup failed", zap.Error(err))
		return false
	}
	outcome := w.exec.Run(ctx, entry.Key, existing, pipeline.RunOptions{Stages: entry.UpdateKind.Stages()})
	if outcome.HasStageErrors() {
		log.Warn("cascade: update incomplete, entry stays pending", zap.Strings("errors", outcome.Errors))
		return false
	}
	if _, err := w.gate.Confirm(ctx, entry.Key, outcome, ingest.ConfirmOptions{SessionID: entry.SessionID, SourceLayer: entry.Layer}); err != nil {
		log.Warn("cascade: confirmation failed", zap.Error(err))
		return false
	}
	log.Info("cascade: entry processed")
	return true
}
