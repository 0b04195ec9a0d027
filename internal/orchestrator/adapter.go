package orchestrator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
	"github.com/dunamismax/florique/internal/store"
)

// jobStoreAdapter turns store results into the domain error taxonomy.
type jobStoreAdapter struct {
	store store.JobStore
}

func (a jobStoreAdapter) create(ctx context.Context, job domain.Job) error {
	if err := a.store.CreateJob(ctx, job); err != nil {
		return errors.Mark(errors.Wrapf(err, "persist job %s", job.ID), domain.ErrPersistence)
	}
	return nil
}

func (a jobStoreAdapter) progress(ctx context.Context, jobID string, progress int) error {
	if err := a.store.UpdateProgress(ctx, jobID, progress); err != nil {
		return errors.Mark(errors.Wrapf(err, "persist progress %d for job %s", progress, jobID), domain.ErrPersistence)
	}
	return nil
}

func (a jobStoreAdapter) complete(ctx context.Context, jobID, output string) error {
	if err := a.store.CompleteJob(ctx, jobID, output); err != nil {
		return errors.Mark(errors.Wrapf(err, "complete job %s", jobID), domain.ErrPersistence)
	}
	return nil
}

func (a jobStoreAdapter) fail(ctx context.Context, jobID, detail string) error {
	if err := a.store.FailJob(ctx, jobID, detail); err != nil {
		return errors.Mark(errors.Wrapf(err, "fail job %s", jobID), domain.ErrPersistence)
	}
	return nil
}

func (a jobStoreAdapter) get(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, errors.Mark(errors.Wrapf(err, "load job %s", jobID), domain.ErrPersistence)
	}
	if !ok {
		return domain.Job{}, errors.Mark(errors.Newf("job %s not found", jobID), domain.ErrNotFound)
	}
	return job, nil
}

// result loads the job and, for a completed job, the output payload a
// payload-offloading store keeps outside the row.
func (a jobStoreAdapter) result(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := a.get(ctx, jobID)
	if err != nil || job.Status != domain.JobStatusCompleted {
		return job, err
	}
	loader, ok := a.store.(store.PayloadLoader)
	if !ok {
		return job, nil
	}
	if job.OutputPayload, err = loader.LoadOutputPayload(ctx, job); err != nil {
		return domain.Job{}, errors.Mark(errors.Wrapf(err, "load result of job %s", jobID), domain.ErrPersistence)
	}
	return job, nil
}
