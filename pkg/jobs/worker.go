package jobs

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Result is what a DraftGenerator reports for a finished job.
type Result struct {
	DraftID     string
	DraftStatus string
}

// DraftGenerator runs the generation described by a job's payload. An
// error means the job should be retried; a draft that finished PARTIAL is
// a result, not an error.
type DraftGenerator interface {
	GenerateForJob(ctx context.Context, job *GenerationJob) (Result, error)
}

// WorkerPool runs queued generation jobs. Several replicas may run pools
// against the same table; Claim hands each job to exactly one worker.
type WorkerPool struct {
	store     *JobStore
	generator DraftGenerator
	cfg       *JobConfig
	logger    *slog.Logger
	wake      chan struct{}
}

// NewWorkerPool creates a pool. A nil cfg uses DefaultJobConfig and a nil
// logger slog.Default().
func NewWorkerPool(store *JobStore, generator DraftGenerator, cfg *JobConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &WorkerPool{
		store:     store,
		generator: generator,
		cfg:       cfg,
		logger:    logger.With("component", "jobs"),
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes one idle worker so a fresh job does not wait a poll period.
func (wp *WorkerPool) Notify() {
	select {
	case wp.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done, running cfg.Concurrency workers plus the
// housekeeping loop, and returns once all of them have exited. A worker in
// the middle of a job finishes its bookkeeping first.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || wp.generator == nil || !wp.cfg.Enabled {
		wp.logger.Info("generation workers disabled")
		return
	}
	wp.logger.Info("generation workers starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval,
		"runTimeout", wp.cfg.RunTimeout)

	var g errgroup.Group
	g.Go(func() error {
		wp.housekeeping(ctx)
		return nil
	})
	for id := range wp.cfg.Concurrency {
		g.Go(func() error {
			wp.work(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	wp.logger.Info("generation workers stopped")
}

// work sleeps until the poll ticker fires or Notify is called, then drains
// the queue.
func (wp *WorkerPool) work(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wp.wake:
		}
		for ctx.Err() == nil && wp.processOne(ctx, workerID) {
		}
	}
}

// processOne claims and runs at most one job, reporting whether it found
// one.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) bool {
	job, err := wp.store.Claim(ctx, wp.cfg.MaxRetries)
	if err != nil {
		wp.logger.Error("claim failed", "worker", workerID, "error", err)
		return false
	}
	if job == nil {
		return false
	}
	log := wp.logger.With("worker", workerID, "jobID", job.ID)
	log.Info("generation job claimed",
		"projectID", job.ProjectID,
		"playbookID", job.PlaybookID,
		"attempt", job.AttemptCount)

	runCtx := ctx
	if wp.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, wp.cfg.RunTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := wp.generator.GenerateForJob(runCtx, job)
	elapsed := time.Since(start)

	// Shutdown must not leave the row claimed.
	bookCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.Error("generation job failed", "elapsed", elapsed, "error", err)
		if err := wp.store.Fail(bookCtx, job.ID, err.Error(), wp.cfg.MaxRetries); err != nil {
			log.Error("recording job failure", "error", err)
		}
		return true
	}
	log.Info("generation job finished",
		"draftID", res.DraftID,
		"draftStatus", res.DraftStatus,
		"elapsed", elapsed)
	if err := wp.store.Complete(bookCtx, job.ID, res.DraftID, res.DraftStatus, elapsed); err != nil {
		log.Error("recording job completion", "error", err)
	}
	return true
}

func (wp *WorkerPool) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.cleanup(ctx)
		}
	}
}

// cleanup requeues jobs whose worker vanished and prunes finished jobs past
// retention.
func (wp *WorkerPool) cleanup(ctx context.Context) {
	if wp.cfg.ClaimTimeout > 0 {
		n, err := wp.store.CleanupStuckJobs(ctx, wp.cfg.ClaimTimeout)
		switch {
		case err != nil:
			wp.logger.Error("requeueing stuck jobs", "error", err)
		case n > 0:
			wp.logger.Warn("requeued stuck jobs", "count", n, "claimTimeout", wp.cfg.ClaimTimeout)
		}
	}
	if wp.cfg.RetentionDays <= 0 {
		return
	}
	n, err := wp.store.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -wp.cfg.RetentionDays))
	switch {
	case err != nil:
		wp.logger.Error("pruning finished jobs", "error", err)
	case n > 0:
		wp.logger.Info("pruned finished jobs", "count", n)
	}
}
