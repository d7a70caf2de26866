package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert collides with an existing record,
// such as a second active build for the same release or a duplicate version
// string. Callers treat it as the canonical "already exists" signal.
var ErrConflict = errors.New("record already exists")

// Plugin statuses.
const (
	PluginDraft         = "draft"
	PluginPendingReview = "pending_review"
	PluginPublished     = "published"
	PluginRejected      = "rejected"
	PluginDeprecated    = "deprecated"
)

// Build statuses.
const (
	BuildPending   = "pending"
	BuildBuilding  = "building"
	BuildSuccess   = "success"
	BuildFailure   = "failure"
	BuildCancelled = "cancelled"
)

// PluginRecord is a marketplace plugin entry linked to a GitHub repository.
type PluginRecord struct {
	ID                   string
	AuthorID             string
	Name                 string
	Status               string
	CurrentVersion       string
	Rating               float64
	RatingCount          int64
	Downloads            int64
	WeeklyDownloads      int64
	GithubRepoID         int64
	GithubRepoFullName   string
	GithubInstallationID int64
	GithubWebhookID      int64
	GithubDefaultBranch  string
	GithubPluginPath     string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// VersionRecord is a published, installable version of a plugin.
type VersionRecord struct {
	ID           string
	PluginID     string
	Version      string
	DownloadURL  string
	Checksum     string
	FileSize     int64
	Permissions  []string
	Changelog    string
	IsLatest     bool
	IsPrerelease bool
	Downloads    int64
	CreatedAt    time.Time
}

// BuildRecord tracks one attempt to turn a GitHub release into a version.
// Failed rows are never mutated; a retry is a fresh row for the same release.
type BuildRecord struct {
	ID               string
	PluginID         string
	VersionID        string
	Version          string
	Status           string
	GithubReleaseID  int64
	GithubReleaseTag string
	TarballURL       string
	Changelog        string
	IsPrerelease     bool
	ErrorMessage     string
	CreatedAt        time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// DownloadRecord is an append-only install pull, kept only for the dedup
// window query.
type DownloadRecord struct {
	PluginID  string
	VersionID string
	IPHash    string
	UserID    string
	CreatedAt time.Time
}

// RatingRecord is one user's rating of a plugin. Resubmission replaces it.
type RatingRecord struct {
	UserID    string
	PluginID  string
	Rating    int
	Review    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PluginStore reads plugins and applies installation-binding updates.
// Installation bindings are owned by the installation registry; nothing
// else mutates GithubInstallationID except the orchestrator's backfill.
type PluginStore interface {
	GetPlugin(ctx context.Context, id string) (*PluginRecord, error)
	GetPluginByRepoID(ctx context.Context, repoID int64) (*PluginRecord, error)
	SetInstallationForRepos(ctx context.Context, repoIDs []int64, installationID int64) error
	ClearInstallationForRepos(ctx context.Context, repoIDs []int64, installationID int64) error
	ClearInstallation(ctx context.Context, installationID int64) error
}

// BuildStore persists build rows. CreateBuild must enforce at most one
// active (pending or building) row per (plugin, release) and report a
// violation as ErrConflict.
type BuildStore interface {
	CreateBuild(ctx context.Context, record BuildRecord) error
	GetBuild(ctx context.Context, id string) (*BuildRecord, error)
	GetActiveBuild(ctx context.Context, pluginID string, releaseID int64) (*BuildRecord, error)
	GetLatestBuildForRelease(ctx context.Context, pluginID string, releaseID int64) (*BuildRecord, error)
	StartBuild(ctx context.Context, id string) error
	FinishBuild(ctx context.Context, id, status, versionID, errorMessage string) error
	ListBuilds(ctx context.Context, pluginID string) ([]BuildRecord, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]BuildRecord, error)
}

// VersionStore persists plugin versions. PublishVersion runs as one unit of
// work: for a non-prerelease it clears isLatest on every other version of
// the plugin, inserts the new row with isLatest set, and marks the plugin
// published with the new current version. A duplicate version string for
// the plugin is ErrConflict.
type VersionStore interface {
	GetVersion(ctx context.Context, pluginID, version string) (*VersionRecord, error)
	GetVersionByID(ctx context.Context, id string) (*VersionRecord, error)
	PublishVersion(ctx context.Context, record VersionRecord) error
	ListVersions(ctx context.Context, pluginID string) ([]VersionRecord, error)
}

// DownloadStore records install pulls. RecordDownload reports whether the
// pull was counted; a pull from the same (version, ipHash) inside the
// window inserts nothing and counts nothing.
type DownloadStore interface {
	RecordDownload(ctx context.Context, record DownloadRecord, window time.Duration) (counted bool, err error)
}

// RatingStore upserts ratings keyed by (user, plugin) and recomputes the
// plugin's aggregate rating and count from all rows after every write.
type RatingStore interface {
	UpsertRating(ctx context.Context, record RatingRecord) error
	GetRating(ctx context.Context, userID, pluginID string) (*RatingRecord, error)
}

// Store bundles every persistence concern behind one handle.
type Store interface {
	PluginStore
	BuildStore
	VersionStore
	DownloadStore
	RatingStore
	Close() error
}
