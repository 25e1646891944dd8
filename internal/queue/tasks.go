package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pii-redactor/internal/logger"
	"pii-redactor/models"
	"pii-redactor/services"

	"github.com/hibiken/asynq"
)

const (
	TaskRedactDocument = "document:redact"
	QueueRedaction     = "redaction"
)

type RedactPayload struct {
	JobID    string `json:"job_id"`
	Filename string `json:"filename"`
}

// NewRedactTask builds the task for a saved upload. Queued documents are
// attempted at most once; transient collaborator failures are already retried
// inside the adapters.
func NewRedactTask(jobID, filename string, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(RedactPayload{
		JobID:    jobID,
		Filename: filename,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskRedactDocument,
		payload,
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.Queue(QueueRedaction),
		asynq.TaskID(jobID),
	), nil
}

// JobLoader is the subset of the job store the worker needs
type JobLoader interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

// TaskProcessor runs queued redaction jobs through the pipeline
type TaskProcessor struct {
	pipeline  *services.Pipeline
	workspace *services.Workspace
	jobs      JobLoader
}

func NewTaskProcessor(pipeline *services.Pipeline, workspace *services.Workspace, jobs JobLoader) *TaskProcessor {
	return &TaskProcessor{
		pipeline:  pipeline,
		workspace: workspace,
		jobs:      jobs,
	}
}

func (p *TaskProcessor) ProcessRedaction(ctx context.Context, t *asynq.Task) error {
	var payload RedactPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}

	job, err := p.jobs.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("load job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	if job.State != models.StateUploaded {
		logger.Warn("Skipping job not in uploaded state", "job_id", job.ID, "state", job.State)
		return nil
	}

	doc, err := p.workspace.Load(payload.JobID, payload.Filename)
	if err != nil {
		p.pipeline.Abort(ctx, payload.JobID, err)
		return fmt.Errorf("load upload %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	logger.Info("Processing queued document", "job_id", doc.JobID, "format", doc.Format)

	if _, err := p.pipeline.Run(ctx, doc); err != nil {
		return fmt.Errorf("%s: %w", services.FailureReason(err), asynq.SkipRetry)
	}
	return nil
}
