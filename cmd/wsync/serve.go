package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/worksync/worksync/internal/mapping"
	"github.com/worksync/worksync/internal/queue"
	"github.com/worksync/worksync/internal/scheduler"
	"github.com/worksync/worksync/internal/telemetry"
	"github.com/worksync/worksync/internal/webhookd"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync service: worker pool, scheduler, and webhook intake",
	Long: `Run the sync service until interrupted.

The service starts the job queue's worker pool, registers every scheduled
configuration with the cron scheduler, and listens for inbound tracker
webhooks. Shutdown is ordered: the scheduler stops firing, the queue drains
in-flight jobs within the grace period, the HTTP listener closes, and the
database is released last.

Examples:
  # Serve with settings from worksync.yaml
  wsync serve

  # Override the listen address and pool size
  wsync serve --listen :9000 --workers 10`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address for webhook intake (config key 'listen')")
	serveCmd.Flags().Int("workers", 0, "Sync worker pool size (config key 'workers')")
	serveCmd.Flags().Int("queue-capacity", 0, "Queued job capacity before intake refuses (config key 'queue_capacity')")
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("workers", serveCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("queue_capacity", serveCmd.Flags().Lookup("queue-capacity"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	if err := telemetry.Init(rootCtx, "wsync", Version); err != nil {
		WarnError("telemetry init: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	}()

	reg, err := newRegistry()
	if err != nil {
		FatalErrorRespectJSON("%v", err)
	}
	defer reg.Close()

	q := queue.New(queue.Deps{
		Store:    db,
		Registry: reg,
		Mapper:   mapping.NewEngine(db),
		Metrics:  telemetry.NewSyncMetrics(),
	}, queue.Config{
		Workers:     viper.GetInt("workers"),
		Capacity:    viper.GetInt("queue_capacity"),
		MaxAttempts: viper.GetInt("retry.max_attempts"),
	})
	q.Subscribe(func(ev queue.Event) {
		switch ev.Type {
		case queue.EventCompleted:
			if r := ev.Job.Result; r != nil {
				log.Printf("wsync: job %s for config %s finished %s: %d created, %d updated, %d skipped, %d errors",
					ev.Job.ID, ev.Job.ConfigID, r.Status, r.Created, r.Updated, r.Skipped, r.Errors)
			}
		case queue.EventFailed:
			log.Printf("wsync: job %s for config %s failed: %s", ev.Job.ID, ev.Job.ConfigID, ev.Job.Error)
		}
	})

	// Workers get their own context so a signal starts a drain instead of
	// cutting in-flight executions mid-write. The cancel is the backstop for
	// a drain that overruns its grace period.
	jobsCtx, jobsCancel := context.WithCancel(context.Background())
	defer jobsCancel()
	q.Start(jobsCtx)

	sched := scheduler.New(db, q)
	if err := sched.Start(rootCtx); err != nil {
		FatalErrorRespectJSON("start scheduler: %v", err)
	}

	hooks := webhookd.New(db, q)
	addr := viper.GetString("listen")
	serverErr := make(chan error, 1)
	go func() {
		if err := hooks.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("wsync: config file %s changed; shutdown_grace applies live, listen/workers/database take effect on restart", e.Name)
	})
	viper.WatchConfig()

	log.Printf("wsync serve: listening on %s, %d workers, %d scheduled configs",
		addr, viper.GetInt("workers"), sched.Status().JobCount)

	select {
	case <-rootCtx.Done():
		log.Printf("wsync serve: shutdown signal received")
	case err := <-serverErr:
		log.Printf("wsync serve: http server failed: %v", err)
	}

	sched.Stop()
	if err := q.Drain(viper.GetDuration("shutdown_grace")); err != nil {
		WarnError("%v; cancelling in-flight jobs", err)
		jobsCancel()
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hooks.Shutdown(shutCtx); err != nil {
		WarnError("http shutdown: %v", err)
	}
	log.Printf("wsync serve: stopped")
}
