package dispatch

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"pluginhub/pkg/builds"
)

var riverJobKind = "pluginhub.build"

type buildArgs struct {
	builds.Job
}

func (buildArgs) Kind() string { return riverJobKind }

type buildWorker struct {
	river.WorkerDefaults[buildArgs]
	dispatcher *Dispatcher
}

func (w *buildWorker) Work(ctx context.Context, job *river.Job[buildArgs]) error {
	w.dispatcher.Dispatch(ctx, job.Args.Job)
	return nil
}

// RiverConfig configures the River-backed dispatch mode, where jobs live in
// the river_job table instead of a broker topic.
type RiverConfig struct {
	DSN        string
	Queue      string
	Kind       string
	MaxWorkers int
}

// RunRiver starts a River client working build jobs and blocks until the
// context is canceled. The queue Subscribe loop is not used in this mode;
// the Dispatcher is driven directly from river jobs.
func RunRiver(ctx context.Context, d *Dispatcher, cfg RiverConfig, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = river.QueueDefault
	}
	if cfg.Kind != "" {
		riverJobKind = cfg.Kind
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}

	dbPool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	workers := river.NewWorkers()
	river.AddWorker(workers, &buildWorker{dispatcher: d})

	client, err := river.NewClient(riverpgxv5.New(dbPool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return err
	}

	if err := client.Start(ctx); err != nil {
		return err
	}
	logger.Printf("river dispatch started queue=%s kind=%s", cfg.Queue, riverJobKind)

	<-ctx.Done()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := client.Stop(stopCtx); err != nil {
		logger.Printf("river stop: %v", err)
	}
	return nil
}
