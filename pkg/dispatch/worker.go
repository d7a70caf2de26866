// Package dispatch consumes pending builds and hands them to the external
// builder. The webhook handler never waits on a build: it inserts the row,
// signals the queue, and returns. This worker picks the signal up, and a
// periodic sweep re-dispatches pending rows whose signal was lost.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"pluginhub/pkg/builder"
	"pluginhub/pkg/builds"
	"pluginhub/pkg/storage"
)

// Subscriber is the queue side the dispatcher consumes from.
// *internal.Queue satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Config tunes the dispatcher.
type Config struct {
	Topic       string
	Concurrency int
	SweepAfter  time.Duration
	SweepEvery  time.Duration
}

// Dispatcher moves builds from pending to building and into the builder.
type Dispatcher struct {
	queue   Subscriber
	builds  storage.BuildStore
	plugins storage.PluginStore
	builder builder.Builder
	cfg     Config
	logger  *log.Logger
}

// New constructs a Dispatcher.
func New(queue Subscriber, buildStore storage.BuildStore, pluginStore storage.PluginStore, b builder.Builder, cfg Config, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SweepAfter <= 0 {
		cfg.SweepAfter = time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 5 * time.Minute
	}
	return &Dispatcher{
		queue:   queue,
		builds:  buildStore,
		plugins: pluginStore,
		builder: b,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run subscribes and processes until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.queue == nil {
		return errors.New("subscriber is required")
	}
	msgs, err := d.queue.Subscribe(ctx, d.cfg.Topic)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, d.cfg.Concurrency)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case msg, ok := <-msgs:
			if !ok {
				wg.Wait()
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(msg *message.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				d.handleMessage(ctx, msg)
			}(msg)
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *message.Message) {
	var job builds.Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		d.logger.Printf("discarding undecodable job: %v", err)
		msg.Ack()
		return
	}
	d.Dispatch(ctx, job)
	msg.Ack()
}

// Dispatch claims the build and submits it. Claiming is the pending→building
// transition; a row someone else already claimed or finalized is skipped,
// which makes duplicate signals harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, job builds.Job) {
	if err := d.builds.StartBuild(ctx, job.BuildID); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return
		}
		d.logger.Printf("claim build %s failed: %v", job.BuildID, err)
		return
	}
	if err := d.builder.TriggerBuild(ctx, job); err != nil {
		d.logger.Printf("builder submission failed build=%s: %v", job.BuildID, err)
		if finishErr := d.builds.FinishBuild(ctx, job.BuildID, storage.BuildFailure, "", "builder submission failed: "+err.Error()); finishErr != nil {
			d.logger.Printf("finalize build %s failed: %v", job.BuildID, finishErr)
		}
		return
	}
	d.logger.Printf("build dispatched build=%s plugin=%s version=%s", job.BuildID, job.PluginID, job.Version)
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepEvery)
	defer ticker.Stop()

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep re-dispatches pending rows older than the threshold. The build row
// is the durable queue entry, so a lost or crashed signal is recovered
// here from storage alone.
func (d *Dispatcher) Sweep(ctx context.Context) {
	stale, err := d.builds.ListStalePending(ctx, time.Now().UTC().Add(-d.cfg.SweepAfter))
	if err != nil {
		d.logger.Printf("pending sweep failed: %v", err)
		return
	}
	for _, record := range stale {
		job, err := d.jobFromRecord(ctx, record)
		if err != nil {
			d.logger.Printf("sweep skip build=%s: %v", record.ID, err)
			continue
		}
		d.logger.Printf("sweep re-dispatching build=%s", record.ID)
		d.Dispatch(ctx, job)
	}
}

func (d *Dispatcher) jobFromRecord(ctx context.Context, record storage.BuildRecord) (builds.Job, error) {
	plugin, err := d.plugins.GetPlugin(ctx, record.PluginID)
	if err != nil {
		return builds.Job{}, err
	}
	return builds.Job{
		BuildID:        record.ID,
		PluginID:       record.PluginID,
		Version:        record.Version,
		TarballURL:     record.TarballURL,
		ReleaseTag:     record.GithubReleaseTag,
		Changelog:      record.Changelog,
		IsPrerelease:   record.IsPrerelease,
		PluginPath:     plugin.GithubPluginPath,
		InstallationID: plugin.GithubInstallationID,
	}, nil
}
