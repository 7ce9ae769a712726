package app

import (
	"context"
	"errors"

	"askdocs/internal/util"
	"askdocs/pkg/queue"
	"askdocs/pkg/rag"
	"askdocs/pkg/store"
)

// Index job stages reported through JobStatus.Stage.
const (
	StageExtract = "extract"
	StageChunk   = "chunk"
	StageEmbed   = "embed"
)

// IndexDocument queues extract, chunk and embed for the document.
func (a *App) IndexDocument(ctx context.Context, ownerID, id string) (queue.JobStatus, error) {
	if _, err := a.ownedDocument(ctx, "index document", ownerID, id); err != nil {
		return queue.JobStatus{}, err
	}
	if a.queue == nil {
		return queue.JobStatus{}, ErrQueueDisabled
	}
	job, err := a.queue.Enqueue(ctx, id, ownerID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	util.LoggerFromContext(ctx).Info("index job queued", "job_id", job.ID, "document_id", id)
	return job, nil
}

// GetJob returns an index job owned by ownerID.
func (a *App) GetJob(ctx context.Context, ownerID, jobID string) (queue.JobStatus, error) {
	if a.queue == nil {
		return queue.JobStatus{}, ErrQueueDisabled
	}
	job, ok, err := a.queue.GetJob(ctx, jobID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if !ok || job.OwnerID != ownerID {
		return queue.JobStatus{}, rag.NewError(rag.ErrNotFound, "get job", "job not found", nil)
	}
	return job, nil
}

// HandleIndexJob is the queue handler. Errors that retrying cannot fix are
// marked permanent so the job fails immediately.
func (a *App) HandleIndexJob(ctx context.Context, job queue.JobStatus) error {
	log := util.LoggerFromContext(ctx).With("job_id", job.ID, "document_id", job.DocumentID, "attempt", job.Attempts)
	err := a.runIndex(ctx, job)
	if err == nil {
		a.metrics.IndexJob(queue.StatusDone)
		log.Info("index job finished")
		return nil
	}
	log.Warn("index job step failed", "err", err)
	if isPermanent(err) {
		a.metrics.IndexJob(queue.StatusFailed)
		return queue.Permanent(err)
	}
	a.metrics.IndexJob("retry")
	return err
}

// runIndex runs the stages from resumeAt onward. The chunk stage keeps a
// chunk set that already matches the text, so vectors stored by an earlier
// attempt survive and the embed stage only fills in the rest.
func (a *App) runIndex(ctx context.Context, job queue.JobStatus) error {
	steps := []struct {
		stage string
		run   func() error
	}{
		{StageExtract, func() error {
			_, err := a.ExtractText(ctx, job.OwnerID, job.DocumentID)
			return err
		}},
		{StageChunk, func() error {
			_, err := a.chunkDocument(ctx, job.OwnerID, job.DocumentID, true)
			return err
		}},
		{StageEmbed, func() error {
			_, err := a.EmbedDocument(ctx, job.OwnerID, job.DocumentID)
			return err
		}},
	}
	start := a.resumeAt(ctx, job)
	if start > 0 {
		util.LoggerFromContext(ctx).Info("index job resumed", "job_id", job.ID, "stage", steps[start].stage, "attempt", job.Attempts)
	}
	for _, step := range steps[start:] {
		if a.queue != nil {
			if err := a.queue.SetStage(ctx, job.ID, step.stage); err != nil {
				util.LoggerFromContext(ctx).Warn("set job stage failed", "job_id", job.ID, "stage", step.stage, "err", err)
			}
		}
		if err := step.run(); err != nil {
			return err
		}
	}
	return nil
}

// resumeAt returns the index of the first stage to run. A retried job starts
// at the stage its previous attempt reached, provided that stage's input is
// still stored; anything else starts from extraction.
func (a *App) resumeAt(ctx context.Context, job queue.JobStatus) int {
	if job.Attempts <= 1 {
		return 0
	}
	var start int
	switch job.Stage {
	case StageChunk:
		start = 1
	case StageEmbed:
		start = 2
	default:
		return 0
	}
	doc, ok, err := a.store.GetDocument(ctx, job.DocumentID)
	if err != nil || !ok || !doc.HasText() {
		return 0
	}
	if start == 2 {
		chunks, err := a.store.ListChunks(ctx, store.ChunkFilter{DocumentID: job.DocumentID, Limit: 1})
		if err != nil || len(chunks) == 0 {
			return 1
		}
	}
	return start
}

func isPermanent(err error) bool {
	return errors.Is(err, rag.ErrValidation) ||
		errors.Is(err, rag.ErrNotFound) ||
		errors.Is(err, rag.ErrPrecondition) ||
		errors.Is(err, rag.ErrConfiguration) ||
		errors.Is(err, ErrForbidden)
}
