// Package queue runs sync jobs on a bounded worker pool. Jobs are enqueued
// by the scheduler, the webhook intake, and operators; each worker runs one
// job to completion before taking another. Job failure means the engine
// failed, not that the sync had per-item errors.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worksync/worksync/internal/engine"
	"github.com/worksync/worksync/internal/mapping"
	"github.com/worksync/worksync/internal/registry"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/telemetry"
)

var (
	// ErrQueueFull is returned by Add when the buffer is at capacity.
	// Callers should surface it rather than retry blindly.
	ErrQueueFull = errors.New("queue: full")

	// ErrQueueClosed is returned by Add once draining has begun.
	ErrQueueClosed = errors.New("queue: closed")
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Job is one unit of queued sync work and its outcome. Payload carries the
// raw trigger body for webhook-triggered jobs; the engine never reads it.
type Job struct {
	ID          string          `json:"id"`
	ConfigID    string          `json:"config_id"`
	Options     engine.Options  `json:"options"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      *engine.Result  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Counts summarizes the queue by job state.
type Counts struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Config sizes the pool. Zero values take the defaults.
type Config struct {
	Workers       int           // worker goroutines, default 5
	Capacity      int           // buffered jobs before Add refuses, default 100
	MaxAttempts   int           // attempts per job including the first, default 3
	RetryInterval time.Duration // initial backoff between attempts, default 500ms
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	return c
}

// Deps bundles the services job execution needs.
type Deps struct {
	Store    store.Store
	Registry *registry.Registry
	Mapper   *mapping.Engine
	Metrics  *telemetry.SyncMetrics
}

// Queue is a bounded FIFO of sync jobs with a fixed worker pool.
type Queue struct {
	cfg     Config
	store   store.Store
	reg     *registry.Registry
	mapper  *mapping.Engine
	metrics *telemetry.SyncMetrics

	jobs chan *Job

	mu        sync.Mutex
	records   map[string]*Job
	cancels   map[string]context.CancelFunc
	accepting bool
	started   bool

	subsMu sync.RWMutex
	subs   []func(Event)

	wg  sync.WaitGroup
	now func() time.Time
}

// New builds a queue. It accepts jobs immediately; workers start on Start.
func New(deps Deps, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:       cfg,
		store:     deps.Store,
		reg:       deps.Registry,
		mapper:    deps.Mapper,
		metrics:   deps.Metrics,
		jobs:      make(chan *Job, cfg.Capacity),
		records:   make(map[string]*Job),
		cancels:   make(map[string]context.CancelFunc),
		accepting: true,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or the
// queue is drained. Start is idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Add enqueues a sync job for a config and returns its id.
func (q *Queue) Add(configID string, opts engine.Options) (string, error) {
	return q.AddWithPayload(configID, opts, nil)
}

// AddWithPayload enqueues like Add and attaches the raw trigger payload to
// the job, where Status and event subscribers can inspect it.
func (q *Queue) AddWithPayload(configID string, opts engine.Options, payload json.RawMessage) (string, error) {
	if configID == "" {
		return "", errors.New("queue: config id required")
	}
	job := &Job{
		ID:          uuid.NewString(),
		ConfigID:    configID,
		Options:     opts,
		Payload:     payload,
		State:       StateQueued,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  q.now(),
	}

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	select {
	case q.jobs <- job:
	default:
		q.mu.Unlock()
		return "", ErrQueueFull
	}
	q.records[job.ID] = job
	snap := *job
	q.mu.Unlock()

	q.metrics.QueueDepth(context.Background(), 1)
	q.emit(EventQueued, snap)
	return job.ID, nil
}

// Status returns a snapshot of one job.
func (q *Queue) Status(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.records[id]
	if !ok {
		return nil, fmt.Errorf("queue: no job %s", id)
	}
	snap := *job
	return &snap, nil
}

// Counts reports how many jobs sit in each state.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c Counts
	for _, job := range q.records {
		switch job.State {
		case StateQueued:
			c.Queued++
		case StateRunning:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		case StateCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Cancel stops a job. A queued job is dropped before it runs; a running job
// has its context cancelled and finishes as failed once the engine unwinds.
// Terminal jobs report false.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	switch job.State {
	case StateQueued:
		job.State = StateCancelled
		now := q.now()
		job.FinishedAt = &now
		q.mu.Unlock()
		q.metrics.QueueDepth(context.Background(), -1)
		return true
	case StateRunning:
		cancel := q.cancels[id]
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		q.mu.Unlock()
		return false
	}
}

// Drain stops intake, discards jobs that never started, and waits up to
// grace for in-flight jobs to finish.
func (q *Queue) Drain(grace time.Duration) error {
	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return nil
	}
	q.accepting = false
	close(q.jobs)
	dropped := 0
	for _, job := range q.records {
		if job.State == StateQueued {
			job.State = StateCancelled
			now := q.now()
			job.FinishedAt = &now
			dropped++
		}
	}
	started := q.started
	q.mu.Unlock()

	if dropped > 0 {
		q.metrics.QueueDepth(context.Background(), -dropped)
	}
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("queue: drain timed out after %s", grace)
	}
}
