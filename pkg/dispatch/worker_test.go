package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"pluginhub/pkg/builds"
	"pluginhub/pkg/storage"
)

type claimingBuildStore struct {
	mu       sync.Mutex
	claimed  []string
	startErr map[string]error
	finished []string
	stale    []storage.BuildRecord
}

func (s *claimingBuildStore) CreateBuild(context.Context, storage.BuildRecord) error { return nil }

func (s *claimingBuildStore) GetBuild(context.Context, string) (*storage.BuildRecord, error) {
	return nil, storage.ErrNotFound
}

func (s *claimingBuildStore) GetActiveBuild(context.Context, string, int64) (*storage.BuildRecord, error) {
	return nil, storage.ErrNotFound
}

func (s *claimingBuildStore) GetLatestBuildForRelease(context.Context, string, int64) (*storage.BuildRecord, error) {
	return nil, storage.ErrNotFound
}

func (s *claimingBuildStore) StartBuild(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.startErr[id]; ok {
		return err
	}
	s.claimed = append(s.claimed, id)
	return nil
}

func (s *claimingBuildStore) FinishBuild(_ context.Context, id, status, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, id+":"+status)
	return nil
}

func (s *claimingBuildStore) ListBuilds(context.Context, string) ([]storage.BuildRecord, error) {
	return nil, nil
}

func (s *claimingBuildStore) ListStalePending(context.Context, time.Time) ([]storage.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale, nil
}

type staticPluginStore struct {
	plugins map[string]*storage.PluginRecord
}

func (s *staticPluginStore) GetPlugin(_ context.Context, id string) (*storage.PluginRecord, error) {
	if record, ok := s.plugins[id]; ok {
		return record, nil
	}
	return nil, storage.ErrNotFound
}

func (s *staticPluginStore) GetPluginByRepoID(context.Context, int64) (*storage.PluginRecord, error) {
	return nil, storage.ErrNotFound
}

func (s *staticPluginStore) SetInstallationForRepos(context.Context, []int64, int64) error {
	return nil
}

func (s *staticPluginStore) ClearInstallationForRepos(context.Context, []int64, int64) error {
	return nil
}

func (s *staticPluginStore) ClearInstallation(context.Context, int64) error { return nil }

type recordingBuilder struct {
	mu   sync.Mutex
	jobs []builds.Job
	err  error
}

func (b *recordingBuilder) TriggerBuild(_ context.Context, job builds.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.jobs = append(b.jobs, job)
	return nil
}

type channelSubscriber struct {
	messages chan *message.Message
}

func (s *channelSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return s.messages, nil
}

func TestDispatchClaimsAndSubmits(t *testing.T) {
	buildStore := &claimingBuildStore{}
	builderClient := &recordingBuilder{}
	d := New(nil, buildStore, &staticPluginStore{}, builderClient, Config{}, nil)

	job := builds.Job{BuildID: "b-1", PluginID: "p-1", Version: "1.2.3"}
	d.Dispatch(context.Background(), job)

	if len(buildStore.claimed) != 1 || buildStore.claimed[0] != "b-1" {
		t.Fatalf("expected build claimed, got %v", buildStore.claimed)
	}
	if len(builderClient.jobs) != 1 || builderClient.jobs[0].BuildID != "b-1" {
		t.Fatalf("expected job submitted, got %+v", builderClient.jobs)
	}
	if len(buildStore.finished) != 0 {
		t.Fatalf("expected no finalization on success")
	}
}

// TestDispatchLostClaimSkips tests that a row someone else claimed or
// already finalized is skipped without touching the builder, which makes
// duplicate wake-up signals harmless.
func TestDispatchLostClaimSkips(t *testing.T) {
	buildStore := &claimingBuildStore{startErr: map[string]error{
		"b-1": storage.ErrConflict,
		"b-2": storage.ErrNotFound,
	}}
	builderClient := &recordingBuilder{}
	d := New(nil, buildStore, &staticPluginStore{}, builderClient, Config{}, nil)

	d.Dispatch(context.Background(), builds.Job{BuildID: "b-1"})
	d.Dispatch(context.Background(), builds.Job{BuildID: "b-2"})

	if len(builderClient.jobs) != 0 {
		t.Fatalf("expected no submissions, got %+v", builderClient.jobs)
	}
}

func TestDispatchSubmissionFailureFailsBuild(t *testing.T) {
	buildStore := &claimingBuildStore{}
	builderClient := &recordingBuilder{err: errors.New("builder down")}
	d := New(nil, buildStore, &staticPluginStore{}, builderClient, Config{}, nil)

	d.Dispatch(context.Background(), builds.Job{BuildID: "b-1"})

	if len(buildStore.finished) != 1 || buildStore.finished[0] != "b-1:"+storage.BuildFailure {
		t.Fatalf("expected build marked failed, got %v", buildStore.finished)
	}
}

// TestSweepReconstructsJobFromRow tests that the pending row plus the
// plugin row carry everything needed to re-dispatch a build whose wake-up
// signal was lost.
func TestSweepReconstructsJobFromRow(t *testing.T) {
	buildStore := &claimingBuildStore{stale: []storage.BuildRecord{{
		ID:               "b-1",
		PluginID:         "p-1",
		Version:          "1.2.3",
		Status:           storage.BuildPending,
		GithubReleaseTag: "v1.2.3",
		TarballURL:       "https://example.com/tarball",
		Changelog:        "release notes",
		IsPrerelease:     true,
	}}}
	plugins := &staticPluginStore{plugins: map[string]*storage.PluginRecord{
		"p-1": {ID: "p-1", GithubPluginPath: "plugin", GithubInstallationID: 7},
	}}
	builderClient := &recordingBuilder{}
	d := New(nil, buildStore, plugins, builderClient, Config{}, nil)

	d.Sweep(context.Background())

	if len(builderClient.jobs) != 1 {
		t.Fatalf("expected one re-dispatched job, got %d", len(builderClient.jobs))
	}
	job := builderClient.jobs[0]
	if job.BuildID != "b-1" || job.TarballURL != "https://example.com/tarball" {
		t.Fatalf("unexpected job %+v", job)
	}
	if !job.IsPrerelease || job.InstallationID != 7 || job.PluginPath != "plugin" {
		t.Fatalf("expected plugin fields restored, got %+v", job)
	}
	if job.Changelog != "release notes" {
		t.Fatalf("expected changelog restored, got %q", job.Changelog)
	}
}

func TestSweepSkipsOrphanedRows(t *testing.T) {
	buildStore := &claimingBuildStore{stale: []storage.BuildRecord{{ID: "b-1", PluginID: "gone"}}}
	builderClient := &recordingBuilder{}
	d := New(nil, buildStore, &staticPluginStore{}, builderClient, Config{}, nil)

	d.Sweep(context.Background())

	if len(builderClient.jobs) != 0 {
		t.Fatalf("expected orphaned row skipped, got %+v", builderClient.jobs)
	}
}

func TestRunConsumesMessages(t *testing.T) {
	buildStore := &claimingBuildStore{}
	builderClient := &recordingBuilder{}
	sub := &channelSubscriber{messages: make(chan *message.Message, 1)}
	d := New(sub, buildStore, &staticPluginStore{}, builderClient, Config{Topic: "builds.pending", SweepEvery: time.Hour, SweepAfter: time.Hour}, nil)

	payload, _ := json.Marshal(builds.Job{BuildID: "b-1", PluginID: "p-1"})
	msg := message.NewMessage(watermill.NewUUID(), payload)
	sub.messages <- msg

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		builderClient.mu.Lock()
		submitted := len(builderClient.jobs)
		builderClient.mu.Unlock()
		if submitted == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job submission")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case <-msg.Acked():
	default:
		t.Fatalf("expected message acked")
	}
}

func TestRunDiscardsUndecodableMessage(t *testing.T) {
	buildStore := &claimingBuildStore{}
	builderClient := &recordingBuilder{}
	sub := &channelSubscriber{messages: make(chan *message.Message, 1)}
	d := New(sub, buildStore, &staticPluginStore{}, builderClient, Config{Topic: "builds.pending", SweepEvery: time.Hour, SweepAfter: time.Hour}, nil)

	msg := message.NewMessage(watermill.NewUUID(), []byte("{not json"))
	sub.messages <- msg

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-msg.Acked():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected undecodable message acked")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(builderClient.jobs) != 0 {
		t.Fatalf("expected no submissions")
	}
}
