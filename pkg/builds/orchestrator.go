// Package builds turns qualifying GitHub releases into durable,
// de-duplicated build rows and enqueues them for the external builder.
package builds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"pluginhub/internal"
	"pluginhub/pkg/githubapp"
	"pluginhub/pkg/storage"
)

// ReleaseEvent is a published release, from a webhook payload or a
// latest-release lookup.
type ReleaseEvent struct {
	Action         string
	RepoID         int64
	RepoFullName   string
	InstallationID int64
	ReleaseID      int64
	TagName        string
	TarballURL     string
	Draft          bool
	Prerelease     bool
	Changelog      string
}

// Result reports what a release event resolved to. A nil Result means the
// event did not apply to any plugin.
type Result struct {
	BuildID      string
	Version      string
	ReleaseTag   string
	InProgress   bool
	AlreadyBuilt bool
}

// CredentialBroker is the slice of the GitHub App broker the orchestrator
// needs. *githubapp.Broker satisfies it.
type CredentialBroker interface {
	Configured() bool
	InstallationToken(ctx context.Context, installationID int64) (githubapp.Token, error)
	LatestRelease(ctx context.Context, installationID int64, fullName string) (*githubapp.Release, error)
}

// Publisher enqueues build jobs. The Build row is the durable queue entry;
// the published message is only the wake-up signal.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Orchestrator creates build rows for qualifying releases.
type Orchestrator struct {
	plugins      storage.PluginStore
	builds       storage.BuildStore
	broker       CredentialBroker
	queue        Publisher
	topic        string
	tokenTimeout time.Duration
	logger       *log.Logger
}

// NewOrchestrator wires the orchestrator. queue may be nil in tests; the
// dispatcher's pending sweep covers lost or unsent signals either way.
func NewOrchestrator(plugins storage.PluginStore, builds storage.BuildStore, broker CredentialBroker, queue Publisher, topic string, tokenTimeout time.Duration, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if tokenTimeout == 0 {
		tokenTimeout = 10 * time.Second
	}
	return &Orchestrator{
		plugins:      plugins,
		builds:       builds,
		broker:       broker,
		queue:        queue,
		topic:        topic,
		tokenTimeout: tokenTimeout,
		logger:       logger,
	}
}

// HandleRelease processes a release delivery. Non-published or draft
// releases and releases for repositories with no plugin resolve to
// (nil, nil): valid GitHub traffic that does not apply here.
func (o *Orchestrator) HandleRelease(ctx context.Context, event ReleaseEvent) (*Result, error) {
	if event.Action != "published" || event.Draft {
		return nil, nil
	}

	plugin, err := o.plugins.GetPluginByRepoID(ctx, event.RepoID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("plugin lookup: %w", err)
	}

	if event.InstallationID != 0 && plugin.GithubInstallationID == 0 {
		if err := o.plugins.SetInstallationForRepos(ctx, []int64{plugin.GithubRepoID}, event.InstallationID); err != nil {
			o.logger.Printf("installation backfill failed plugin=%s: %v", plugin.ID, err)
		} else {
			plugin.GithubInstallationID = event.InstallationID
		}
	}

	return o.createBuild(ctx, plugin, event)
}

// TriggerBuild is the manual path: the plugin's author asks for a build of
// the repository's latest release. Preconditions fail fast with coded
// errors instead of silently degrading.
func (o *Orchestrator) TriggerBuild(ctx context.Context, pluginID, callerID string) (*Result, error) {
	plugin, err := o.plugins.GetPlugin(ctx, pluginID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, codedError(CodePluginNotFound, "plugin %s does not exist", pluginID)
	}
	if err != nil {
		return nil, fmt.Errorf("plugin lookup: %w", err)
	}
	if plugin.AuthorID != callerID {
		return nil, codedError(CodeNotAuthor, "only the plugin author may trigger builds")
	}
	if plugin.GithubRepoID == 0 || plugin.GithubRepoFullName == "" {
		return nil, codedError(CodeNoRepoLinked, "plugin %s has no linked repository", pluginID)
	}
	if o.broker == nil || !o.broker.Configured() {
		return nil, codedError(CodeAppNotConfigured, "github app credentials are not configured")
	}
	if plugin.GithubInstallationID == 0 {
		return nil, codedError(CodeAppNotInstalled, "github app is not installed on %s", plugin.GithubRepoFullName)
	}

	release, err := o.broker.LatestRelease(ctx, plugin.GithubInstallationID, plugin.GithubRepoFullName)
	if errors.Is(err, githubapp.ErrNoReleases) {
		return nil, codedError(CodeNoReleases, "%s has no releases", plugin.GithubRepoFullName)
	}
	if err != nil {
		return nil, fmt.Errorf("latest release lookup: %w", err)
	}
	if release.Draft {
		return nil, codedError(CodeNoReleases, "latest release of %s is a draft", plugin.GithubRepoFullName)
	}

	return o.createBuild(ctx, plugin, ReleaseEvent{
		Action:         "published",
		RepoID:         plugin.GithubRepoID,
		RepoFullName:   plugin.GithubRepoFullName,
		InstallationID: plugin.GithubInstallationID,
		ReleaseID:      release.ID,
		TagName:        release.TagName,
		TarballURL:     release.TarballURL,
		Prerelease:     release.Prerelease,
		Changelog:      release.Body,
	})
}

func (o *Orchestrator) createBuild(ctx context.Context, plugin *storage.PluginRecord, event ReleaseEvent) (*Result, error) {
	version := ParseReleaseTag(event.TagName)

	if active, err := o.builds.GetActiveBuild(ctx, plugin.ID, event.ReleaseID); err == nil {
		return &Result{BuildID: active.ID, Version: active.Version, ReleaseTag: active.GithubReleaseTag, InProgress: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("active build lookup: %w", err)
	}
	if last, err := o.builds.GetLatestBuildForRelease(ctx, plugin.ID, event.ReleaseID); err == nil {
		if last.Status == storage.BuildSuccess {
			return &Result{BuildID: last.ID, Version: last.Version, ReleaseTag: last.GithubReleaseTag, AlreadyBuilt: true}, nil
		}
		// A prior failure or cancellation is retried with a fresh row.
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("build history lookup: %w", err)
	}

	tarballURL := o.resolveTarballURL(ctx, plugin, event)

	record := storage.BuildRecord{
		ID:               uuid.NewString(),
		PluginID:         plugin.ID,
		Version:          version,
		Status:           storage.BuildPending,
		GithubReleaseID:  event.ReleaseID,
		GithubReleaseTag: event.TagName,
		TarballURL:       tarballURL,
		Changelog:        event.Changelog,
		IsPrerelease:     event.Prerelease,
	}
	if err := o.builds.CreateBuild(ctx, record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A concurrent delivery won the insert; its row is canonical.
			if active, lookupErr := o.builds.GetActiveBuild(ctx, plugin.ID, event.ReleaseID); lookupErr == nil {
				return &Result{BuildID: active.ID, Version: active.Version, ReleaseTag: active.GithubReleaseTag, InProgress: true}, nil
			}
			if last, lookupErr := o.builds.GetLatestBuildForRelease(ctx, plugin.ID, event.ReleaseID); lookupErr == nil {
				return &Result{BuildID: last.ID, Version: last.Version, ReleaseTag: last.GithubReleaseTag, AlreadyBuilt: last.Status == storage.BuildSuccess}, nil
			}
			return nil, err
		}
		return nil, fmt.Errorf("create build: %w", err)
	}
	internal.IncBuildCreated()

	o.enqueue(ctx, plugin, record, event)

	return &Result{BuildID: record.ID, Version: version, ReleaseTag: event.TagName}, nil
}

// resolveTarballURL authorizes the tarball download when an installation is
// known. Broker failure degrades to the public URL so the delivery still
// succeeds; private repos will surface the failure at fetch time.
func (o *Orchestrator) resolveTarballURL(ctx context.Context, plugin *storage.PluginRecord, event ReleaseEvent) string {
	installationID := plugin.GithubInstallationID
	if installationID == 0 {
		installationID = event.InstallationID
	}
	if installationID == 0 || o.broker == nil || !o.broker.Configured() {
		return event.TarballURL
	}
	tokenCtx, cancel := context.WithTimeout(ctx, o.tokenTimeout)
	defer cancel()
	token, err := o.broker.InstallationToken(tokenCtx, installationID)
	if err != nil {
		o.logger.Printf("installation token failed plugin=%s installation=%d, using public tarball: %v", plugin.ID, installationID, err)
		return event.TarballURL
	}
	return githubapp.AuthenticatedTarballURL(event.TarballURL, token.Value)
}

// enqueue signals the dispatcher. Failures are logged, not returned; the
// pending row stays durable and the sweep re-enqueues it.
func (o *Orchestrator) enqueue(ctx context.Context, plugin *storage.PluginRecord, record storage.BuildRecord, event ReleaseEvent) {
	if o.queue == nil {
		return
	}
	job := Job{
		BuildID:        record.ID,
		PluginID:       plugin.ID,
		Version:        record.Version,
		TarballURL:     record.TarballURL,
		ReleaseTag:     record.GithubReleaseTag,
		Changelog:      event.Changelog,
		IsPrerelease:   event.Prerelease,
		PluginPath:     plugin.GithubPluginPath,
		InstallationID: plugin.GithubInstallationID,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		o.logger.Printf("marshal build job %s: %v", record.ID, err)
		return
	}
	if err := o.queue.Publish(ctx, o.topic, payload); err != nil {
		o.logger.Printf("enqueue build %s failed, sweep will recover it: %v", record.ID, err)
	}
}
