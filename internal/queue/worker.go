package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/engine"
)

// worker consumes jobs until the channel closes or ctx is cancelled.
func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.runJob(ctx, job)
		}
	}
}

// markStarted transitions a job to running and hands back a cancellable
// context for it. Jobs cancelled while still queued are skipped here.
func (q *Queue) markStarted(ctx context.Context, job *Job) (context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.State != StateQueued {
		return nil, false
	}
	job.State = StateRunning
	now := q.now()
	job.StartedAt = &now
	jctx, cancel := context.WithCancel(ctx)
	q.cancels[job.ID] = cancel
	return jctx, true
}

func (q *Queue) runJob(ctx context.Context, job *Job) {
	jctx, ok := q.markStarted(ctx, job)
	if !ok {
		return
	}
	q.metrics.QueueDepth(ctx, -1)
	q.emit(EventStarted, q.snapshot(job.ID))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.RetryInterval
	bo.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts, not wall time
	bo.Reset()

	var result *engine.Result
	var runErr error
retry:
	for {
		q.mu.Lock()
		job.Attempts++
		attempt := job.Attempts
		q.mu.Unlock()

		result, runErr = q.execute(jctx, job)
		if runErr == nil || !connector.IsTransient(runErr) || attempt >= job.MaxAttempts {
			break
		}
		q.metrics.JobRetried(jctx)
		wait := bo.NextBackOff()
		log.Printf("queue: job %s attempt %d/%d failed, retrying in %s: %v",
			job.ID, attempt, job.MaxAttempts, wait.Round(time.Millisecond), runErr)
		select {
		case <-jctx.Done():
			runErr = fmt.Errorf("cancelled while waiting to retry: %w", jctx.Err())
			break retry
		case <-time.After(wait):
		}
	}
	q.finish(job, result, runErr)
}

// execute loads the job's config and runs one engine execution against it.
func (q *Queue) execute(ctx context.Context, job *Job) (*engine.Result, error) {
	cfg, err := q.store.GetSyncConfig(ctx, job.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("load sync config: %w", err)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("sync config %q is inactive", cfg.Name)
	}
	eng := engine.New(cfg, engine.Deps{
		Store:    q.store,
		Registry: q.reg,
		Mapper:   q.mapper,
		Metrics:  q.metrics,
	})
	return eng.Execute(ctx, job.Options)
}

// finish records the terminal state and releases the job's cancel handle.
// An execution that completed with item errors is still a completed job;
// only engine-level failure fails the job.
func (q *Queue) finish(job *Job, result *engine.Result, runErr error) {
	q.mu.Lock()
	now := q.now()
	job.FinishedAt = &now
	job.Result = result
	if runErr != nil {
		job.State = StateFailed
		job.Error = runErr.Error()
	} else {
		job.State = StateCompleted
	}
	delete(q.cancels, job.ID)
	snap := *job
	q.mu.Unlock()

	if runErr != nil {
		q.emit(EventFailed, snap)
		return
	}
	q.emit(EventCompleted, snap)
}

func (q *Queue) snapshot(id string) Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.records[id]; ok {
		return *job
	}
	return Job{ID: id}
}
