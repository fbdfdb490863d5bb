// Package scheduler fires queued sync jobs on cron schedules. It keeps one
// cron entry per active config with a scheduled trigger; entries only
// enqueue, execution stays with the queue's worker pool.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/worksync/worksync/internal/engine"
	"github.com/worksync/worksync/internal/queue"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
)

// Status reports the runner lifecycle and how many entries it holds.
type Status struct {
	Running  bool `json:"running"`
	JobCount int  `json:"job_count"`
}

// Scheduler owns the cron runner and the config-to-entry table.
type Scheduler struct {
	store store.Store
	queue *queue.Queue

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	running bool
}

// New builds a scheduler that enqueues into q.
func New(s store.Store, q *queue.Queue) *Scheduler {
	return &Scheduler{
		store:   s,
		queue:   q,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers every active scheduled config and starts the runner.
// Configs with expressions that no longer parse are skipped and logged, not
// fatal: one broken schedule must not block the rest.
func (s *Scheduler) Start(ctx context.Context) error {
	configs, err := s.store.ListScheduledConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled configs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	for _, cfg := range configs {
		if err := s.register(cfg.ID, cfg.CronExpr); err != nil {
			log.Printf("scheduler: skipping config %q: %v", cfg.Name, err)
		}
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the runner and waits for in-flight entry callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Schedule validates the expression, persists it on the config, and swaps
// the live entry. Inactive configs keep the persisted schedule but get no
// entry until they are activated and the scheduler restarts.
func (s *Scheduler) Schedule(ctx context.Context, configID, expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("cron expression %q: %w", expr, err)
	}
	cfg, err := s.store.GetSyncConfig(ctx, configID)
	if err != nil {
		return err
	}
	cfg.TriggerKind = types.TriggerScheduled
	cfg.CronExpr = expr
	if err := s.store.UpdateSyncConfig(ctx, cfg); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}
	if !cfg.Active {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(configID, expr)
}

// Unschedule drops the config's entry and reverts its trigger to manual.
// Unscheduling a config with no entry is a no-op.
func (s *Scheduler) Unschedule(ctx context.Context, configID string) error {
	cfg, err := s.store.GetSyncConfig(ctx, configID)
	if err != nil {
		return err
	}
	cfg.TriggerKind = types.TriggerManual
	cfg.CronExpr = ""
	if err := s.store.UpdateSyncConfig(ctx, cfg); err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[configID]; ok {
		s.cron.Remove(id)
		delete(s.entries, configID)
	}
	return nil
}

// Status reports whether the runner is live and the entry count.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Running: s.running, JobCount: len(s.entries)}
}

// register adds or replaces a cron entry. The caller holds s.mu.
func (s *Scheduler) register(configID, expr string) error {
	if old, ok := s.entries[configID]; ok {
		s.cron.Remove(old)
	}
	id, err := s.cron.AddFunc(expr, func() { s.fire(configID) })
	if err != nil {
		return fmt.Errorf("cron expression %q: %w", expr, err)
	}
	s.entries[configID] = id
	return nil
}

// fire enqueues one scheduled run. A refused enqueue (queue full or
// draining) loses this tick; the next tick tries again.
func (s *Scheduler) fire(configID string) {
	if _, err := s.queue.Add(configID, engine.Options{Trigger: types.TriggeredScheduled}); err != nil {
		log.Printf("scheduler: enqueue for config %s: %v", configID, err)
	}
}
