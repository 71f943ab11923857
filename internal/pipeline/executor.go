// Package pipeline runs the fixed seven-stage ingestion pipeline for one
// legislation record: metadata, extent, enacted_by, amending, amended_by,
// repeal_revoke, classify. Stages fail independently; one stage's error
// never aborts its siblings, and the run always produces a full outcome
// for the confirmation layer to diff and fold.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/pkg/classifier"
	"github.com/shotleybuilder/sertantai-ingest/pkg/legislation"
)

// Executor runs pipeline stages against the registry client and the
// classifier catalog. Safe for concurrent runs; per-run state lives in
// Run's frame.
type Executor struct {
	client       legislation.Client
	catalog      *classifier.Catalog
	reconciler   *Reconciler
	stageTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStageTimeout bounds each stage invocation. Default 2m.
func WithStageTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stageTimeout = d }
}

// WithReconciler overrides the lifecycle reconciler.
func WithReconciler(r *Reconciler) ExecutorOption {
	return func(e *Executor) { e.reconciler = r }
}

// NewExecutor creates an Executor.
func NewExecutor(client legislation.Client, catalog *classifier.Catalog, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:       client,
		catalog:      catalog,
		reconciler:   NewReconciler(),
		stageTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions selects what one run executes. An empty Stages means all
// seven; stages not selected are reported skipped, not executed. The
// ruleset version is threaded through the run so concurrent runs can
// classify against different versions.
type RunOptions struct {
	Stages         []model.StageName
	OverwriteTitle bool
	RulesetVersion string
	Progress       Sink
}

// Run executes the pipeline for one record key. The returned outcome is
// ephemeral: nothing is persisted until a confirmation. existing may be
// nil for a first-time record.
func (e *Executor) Run(ctx context.Context, key model.RecordKey, existing *model.Record, opts RunOptions) *model.RunOutcome {
	started := time.Now()
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("key", key.String()),
	)

	selected := make(map[model.StageName]bool, len(model.StageOrder))
	if len(opts.Stages) == 0 {
		for _, name := range model.StageOrder {
			selected[name] = true
		}
	} else {
		for _, name := range opts.Stages {
			selected[name] = true
		}
	}

	var mu sync.Mutex
	results := make(map[model.StageName]*model.StageResult, len(model.StageOrder))
	done := make(map[model.StageName]chan struct{}, len(model.StageOrder))
	for _, name := range model.StageOrder {
		done[name] = make(chan struct{})
	}

	// setResult is the only writer of results; closing done unblocks the
	// stages gated on this one.
	setResult := func(res *model.StageResult) {
		mu.Lock()
		results[res.Stage] = res
		mu.Unlock()
		close(done[res.Stage])
	}
	payloadOf := func(name model.StageName) model.StagePayload {
		mu.Lock()
		defer mu.Unlock()
		res := results[name]
		if res == nil || res.Status != model.StageStatusOK {
			return nil
		}
		return res.Payload
	}
	publish := func(ev Event) {
		if opts.Progress != nil {
			ev.At = time.Now().UTC()
			opts.Progress.Publish(ev)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	waitFor := func(names ...model.StageName) {
		for _, name := range names {
			select {
			case <-done[name]:
			case <-gCtx.Done():
				return
			}
		}
	}
	// Stage errors land in the result, never in the group, so one failed
	// stage cannot cancel its siblings.
	run := func(name model.StageName, fn func(context.Context) (model.StagePayload, string, error)) {
		g.Go(func() error {
			if !selected[name] {
				setResult(&model.StageResult{Stage: name, Status: model.StageStatusSkipped})
				return nil
			}
			setResult(e.trackStage(gCtx, log, name, publish, fn))
			return nil
		})
	}

	run(model.StageMetadata, func(ctx context.Context) (model.StagePayload, string, error) {
		return e.runMetadata(ctx, key)
	})
	run(model.StageExtent, func(ctx context.Context) (model.StagePayload, string, error) {
		return e.runExtent(ctx, key)
	})
	run(model.StageEnactedBy, func(ctx context.Context) (model.StagePayload, string, error) {
		return e.runEnactedBy(ctx, key)
	})
	run(model.StageAmending, func(ctx context.Context) (model.StagePayload, string, error) {
		return e.runAmending(ctx, key)
	})
	run(model.StageAmendedBy, func(ctx context.Context) (model.StagePayload, string, error) {
		return e.runAmendedBy(ctx, key)
	})
	run(model.StageRepealRevoke, func(ctx context.Context) (model.StagePayload, string, error) {
		// The reconciliation needs both lifecycle candidates, so this
		// stage starts only after the change-history side settles.
		waitFor(model.StageAmendedBy)
		return e.runRepealRevoke(ctx, key)
	})
	run(model.StageClassify, func(ctx context.Context) (model.StagePayload, string, error) {
		waitFor(model.StageMetadata, model.StageAmending)
		md, _ := payloadOf(model.StageMetadata).(*model.MetadataPayload)
		am, _ := payloadOf(model.StageAmending).(*model.AmendingPayload)
		return e.runClassify(ctx, existing, md, am, opts.RulesetVersion)
	})
	_ = g.Wait()

	outcome := &model.RunOutcome{Key: key, StartedAt: started.UTC()}
	for _, name := range model.StageOrder {
		res := results[name]
		outcome.Stages = append(outcome.Stages, *res)
		if res.Status == model.StageStatusError {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("%s: %s", name, res.Error))
		}
	}

	// Reconcile lifecycle when either source produced a candidate. A run
	// that touched neither feed leaves lifecycle fields alone.
	var changesCand, metaCand *model.CandidateStatus
	if p, ok := payloadOf(model.StageAmendedBy).(*model.AmendedByPayload); ok {
		changesCand = p.Candidate
	}
	if p, ok := payloadOf(model.StageRepealRevoke).(*model.RepealRevokePayload); ok {
		metaCand = p.Candidate
	}
	if changesCand != nil || metaCand != nil {
		recon := e.reconciler.Reconcile(changesCand, metaCand)
		outcome.Reconciliation = &recon
		if recon.Conflict {
			log.Warn("pipeline: lifecycle sources disagree",
				zap.String("status", string(recon.Status)),
				zap.String("detail", recon.Detail),
			)
		}
	}

	// The stored title is authoritative; a fetched replacement is kept
	// visible in the payload but dropped from the proposed fields.
	if md, ok := payloadOf(model.StageMetadata).(*model.MetadataPayload); ok {
		if md.Title != "" && existing != nil && existing.TitleEn != "" && !opts.OverwriteTitle {
			outcome.TitleKept = true
		}
	}
	if cl, ok := payloadOf(model.StageClassify).(*model.ClassifyPayload); ok {
		outcome.RulesetVersion = cl.RulesetVersion
	}
	outcome.DurationMS = time.Since(started).Milliseconds()

	log.Info("pipeline: run complete",
		zap.Int64("duration_ms", outcome.DurationMS),
		zap.Int("stage_errors", len(outcome.Errors)),
		zap.Bool("title_kept", outcome.TitleKept),
	)
	publish(Event{Kind: EventRunCompleted, Outcome: outcome})
	return outcome
}

// trackStage wraps one stage invocation with its timeout, timing, logging,
// and progress events.
func (e *Executor) trackStage(ctx context.Context, log *zap.Logger, name model.StageName, publish func(Event), fn func(context.Context) (model.StagePayload, string, error)) *model.StageResult {
	publish(Event{Kind: EventStageStarted, Stage: name})

	stageCtx, cancel := context.WithTimeout(ctx, e.stageTimeout)
	defer cancel()

	start := time.Now()
	payload, summary, err := fn(stageCtx)
	res := &model.StageResult{
		Stage:      name,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Status = model.StageStatusError
		res.Error = err.Error()
		res.ErrorKind = stageErrorKind(err)
		log.Warn("pipeline: stage failed",
			zap.String("stage", string(name)),
			zap.String("kind", res.ErrorKind),
			zap.Int64("duration_ms", res.DurationMS),
			zap.Error(err),
		)
	} else {
		res.Status = model.StageStatusOK
		res.Summary = summary
		res.Payload = payload
		log.Info("pipeline: stage complete",
			zap.String("stage", string(name)),
			zap.String("summary", summary),
			zap.Int64("duration_ms", res.DurationMS),
		)
	}

	eventSummary := res.Summary
	if res.Status == model.StageStatusError {
		eventSummary = res.Error
	}
	publish(Event{Kind: EventStageCompleted, Stage: name, Status: res.Status, Summary: eventSummary})
	return res
}

// stageErrorKind maps a stage failure onto the error taxonomy carried on
// results: a definitive not_found, an unreachable upstream, or a plain
// stage error (parse failures, timeouts, classifier misconfiguration).
func stageErrorKind(err error) string {
	switch {
	case legislation.IsNotFound(err):
		return model.ErrKindNotFound
	case legislation.IsUnavailable(err):
		return model.ErrKindUnavailable
	default:
		return model.ErrKindStage
	}
}
