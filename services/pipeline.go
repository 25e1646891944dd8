package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pii-redactor/internal/logger"
	"pii-redactor/internal/telemetry"
	"pii-redactor/models"
	"pii-redactor/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobRecorder persists pipeline state transitions
type JobRecorder interface {
	Create(ctx context.Context, job *models.Job) error
	Transition(ctx context.Context, id string, state models.PipelineState, detail models.JobDetail) error
}

// Pipeline runs one document through extraction, redaction, rendering and
// archival. Stages run strictly in order and the first failure ends the run;
// nothing is archived for a failed run.
type Pipeline struct {
	extractor DocumentExtractor
	redactor  *Redactor
	renderer  FormatRenderer
	archiver  Archiver
	workspace *Workspace
	jobs      JobRecorder
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

func NewPipeline(
	extractor DocumentExtractor,
	redactor *Redactor,
	renderer FormatRenderer,
	archiver Archiver,
	workspace *Workspace,
	jobs JobRecorder,
	metrics *telemetry.Metrics,
) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		redactor:  redactor,
		renderer:  renderer,
		archiver:  archiver,
		workspace: workspace,
		jobs:      jobs,
		metrics:   metrics,
		tracer:    otel.Tracer("pipeline"),
	}
}

// Submit records a new job in the Uploaded state
func (p *Pipeline) Submit(ctx context.Context, doc *models.Document, async bool) (*models.Job, error) {
	if doc == nil || doc.JobID == "" || doc.Filename == "" {
		return nil, fmt.Errorf("%w: document without job id or filename", ErrInput)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        doc.JobID,
		Filename:  doc.Filename,
		Format:    doc.Format,
		State:     models.StateUploaded,
		Async:     async,
		CreatedAt: now,
		UpdatedAt: now,
	}

	rctx, cancel := utils.Detached(ctx)
	defer cancel()
	if err := p.jobs.Create(rctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job record: %w", err)
	}
	return job, nil
}

// Process submits doc and runs it to completion
func (p *Pipeline) Process(ctx context.Context, doc *models.Document) (*models.RedactedArtifact, error) {
	if _, err := p.Submit(ctx, doc, false); err != nil {
		return nil, err
	}
	return p.Run(ctx, doc)
}

// Run executes the stages for a submitted document. The returned error is a
// *StageError carrying one of the ErrExtraction, ErrDetection, ErrRender or
// ErrArchival kinds.
func (p *Pipeline) Run(ctx context.Context, doc *models.Document) (*models.RedactedArtifact, error) {
	if doc == nil || doc.JobID == "" {
		return nil, fmt.Errorf("%w: document without job id", ErrInput)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("job.id", doc.JobID),
		attribute.String("document.format", string(doc.Format)),
		attribute.Int("document.bytes", len(doc.Data)),
	))
	defer span.End()

	run := &pipelineRun{p: p, doc: doc, state: models.StateUploaded, started: time.Now()}
	logger.Info("Pipeline started", "job_id", doc.JobID, "filename", doc.Filename, "format", doc.Format, "bytes", len(doc.Data))

	artifact, err := run.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		run.fail(ctx, err)
		return nil, err
	}

	p.metrics.RecordPipeline(ctx, string(doc.Format), "archived", time.Since(run.started).Seconds())
	logger.Info("Pipeline finished", "job_id", doc.JobID, "artifact", artifact.Filename, "sha256", utils.ContentDigest(artifact.Data), "duration_ms", time.Since(run.started).Milliseconds())
	return artifact, nil
}

// Abort fails a submitted job that could not be started
func (p *Pipeline) Abort(ctx context.Context, jobID string, cause error) {
	logger.Error("Pipeline aborted", "job_id", jobID, "error", cause)

	rctx, cancel := utils.Detached(ctx)
	defer cancel()
	if err := p.jobs.Transition(rctx, jobID, models.StateFailed, models.JobDetail{Error: FailureReason(cause)}); err != nil {
		logger.Warn("Failed to record job state", "job_id", jobID, "state", models.StateFailed, "error", err)
	}
}

type pipelineRun struct {
	p       *Pipeline
	doc     *models.Document
	state   models.PipelineState
	started time.Time
}

func (r *pipelineRun) execute(ctx context.Context) (*models.RedactedArtifact, error) {
	p, doc := r.p, r.doc

	err := r.stage(ctx, "extract", ErrExtraction, func(ctx context.Context) error {
		extraction, err := p.extractor.Extract(ctx, doc)
		if err != nil {
			return err
		}
		doc.Extraction = extraction
		return r.advance(ctx, models.StateExtracted, models.JobDetail{})
	})
	if err != nil {
		return nil, err
	}

	var redacted *models.RedactedText
	err = r.stage(ctx, "redact", ErrDetection, func(ctx context.Context) error {
		var err error
		redacted, err = p.redactor.Redact(ctx, doc.Extraction.Text)
		if err != nil {
			return err
		}
		counts := redacted.KindCounts()
		p.metrics.RecordChunks(ctx, redacted.ChunkCount)
		p.metrics.RecordEntities(ctx, counts)
		return r.advance(ctx, models.StateRedacted, models.JobDetail{
			ChunkCount:   redacted.ChunkCount,
			EntityCounts: counts,
		})
	})
	if err != nil {
		return nil, err
	}

	var artifact *models.RedactedArtifact
	err = r.stage(ctx, "render", ErrRender, func(ctx context.Context) error {
		var err error
		artifact, err = p.renderer.Render(ctx, doc, redacted)
		if err != nil {
			return err
		}
		if err := p.workspace.WriteArtifact(doc, artifact); err != nil {
			return err
		}
		return r.advance(ctx, models.StateRendered, models.JobDetail{ArtifactName: artifact.Filename})
	})
	if err != nil {
		return nil, err
	}

	err = r.stage(ctx, "archive", ErrArchival, func(ctx context.Context) error {
		if err := p.archiver.Store(ctx, doc.JobID, artifact); err != nil {
			return err
		}
		return r.advance(ctx, models.StateArchived, models.JobDetail{})
	})
	if err != nil {
		return nil, err
	}

	return artifact, nil
}

// stage runs fn inside a child span and classifies its error
func (r *pipelineRun) stage(ctx context.Context, name string, kind error, fn func(ctx context.Context) error) error {
	ctx, span := r.p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		return stageError(name, kind, err)
	}

	logger.Debug("Pipeline stage complete", "job_id", r.doc.JobID, "stage", name, "state", r.state, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (r *pipelineRun) advance(ctx context.Context, to models.PipelineState, detail models.JobDetail) error {
	if !r.state.CanTransition(to) {
		return fmt.Errorf("invalid transition %s -> %s", r.state, to)
	}
	// A rejected transition means the job was finished elsewhere, usually
	// failed by the reaper; the run must not carry on to archival.
	if err := r.record(ctx, to, detail); errors.Is(err, ErrInvalidJobUpdate) {
		return err
	}
	r.state = to
	return nil
}

func (r *pipelineRun) fail(ctx context.Context, err error) {
	var se *StageError
	stage := "unknown"
	if errors.As(err, &se) {
		stage = se.Stage
	}

	logger.Error("Pipeline failed", "job_id", r.doc.JobID, "filename", r.doc.Filename, "stage", stage, "state", r.state, "error", err)
	r.p.metrics.RecordPipeline(ctx, string(r.doc.Format), "failed", time.Since(r.started).Seconds())

	if !r.state.CanTransition(models.StateFailed) {
		return
	}
	r.state = models.StateFailed
	r.record(ctx, models.StateFailed, models.JobDetail{Error: FailureReason(err)})
}

// record persists a transition. Store outages are only logged; callers
// decide whether a rejected transition ends the run.
func (r *pipelineRun) record(ctx context.Context, state models.PipelineState, detail models.JobDetail) error {
	rctx, cancel := utils.Detached(ctx)
	defer cancel()

	err := r.p.jobs.Transition(rctx, r.doc.JobID, state, detail)
	if err != nil {
		logger.Warn("Failed to record job state", "job_id", r.doc.JobID, "state", state, "error", err)
	}
	return err
}

// FailureReason is the stored form of a pipeline error: the failed stage and
// the error kind, without the underlying message.
func FailureReason(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage + ": " + se.Kind.Error()
	}
	if kind := ErrorKind(err); kind != nil {
		return kind.Error()
	}
	return "internal error"
}
