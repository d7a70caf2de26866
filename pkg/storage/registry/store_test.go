package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"pluginhub/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Driver: "sqlite", DSN: ":memory:", AutoMigrate: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPlugin(t *testing.T, store *Store, id string, repoID int64) {
	t.Helper()
	row := pluginRow{
		ID:                 id,
		AuthorID:           "u-1",
		Name:               "Widget",
		Status:             storage.PluginDraft,
		GithubRepoID:       repoID,
		GithubRepoFullName: "acme/widget",
	}
	if err := store.db.Create(&row).Error; err != nil {
		t.Fatalf("seed plugin: %v", err)
	}
}

func TestGetPluginNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetPlugin(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetPluginByRepoID(context.Background(), 99); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInstallationBinding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)
	seedPlugin(t, store, "p-2", 11)

	if err := store.SetInstallationForRepos(ctx, []int64{10, 11, 12}, 55); err != nil {
		t.Fatalf("set installation: %v", err)
	}
	plugin, err := store.GetPluginByRepoID(ctx, 10)
	if err != nil {
		t.Fatalf("get plugin: %v", err)
	}
	if plugin.GithubInstallationID != 55 {
		t.Fatalf("expected installation 55, got %d", plugin.GithubInstallationID)
	}

	// Reapplying the same binding is a no-op, not an error.
	if err := store.SetInstallationForRepos(ctx, []int64{10}, 55); err != nil {
		t.Fatalf("reapply installation: %v", err)
	}

	// Clearing for a different installation must not touch the binding.
	if err := store.ClearInstallationForRepos(ctx, []int64{10}, 77); err != nil {
		t.Fatalf("clear other installation: %v", err)
	}
	plugin, _ = store.GetPluginByRepoID(ctx, 10)
	if plugin.GithubInstallationID != 55 {
		t.Fatalf("expected binding to survive, got %d", plugin.GithubInstallationID)
	}

	if err := store.ClearInstallationForRepos(ctx, []int64{10}, 55); err != nil {
		t.Fatalf("clear installation: %v", err)
	}
	plugin, _ = store.GetPluginByRepoID(ctx, 10)
	if plugin.GithubInstallationID != 0 {
		t.Fatalf("expected binding cleared, got %d", plugin.GithubInstallationID)
	}

	if err := store.ClearInstallation(ctx, 55); err != nil {
		t.Fatalf("clear whole installation: %v", err)
	}
	plugin, _ = store.GetPluginByRepoID(ctx, 11)
	if plugin.GithubInstallationID != 0 {
		t.Fatalf("expected all bindings cleared, got %d", plugin.GithubInstallationID)
	}
}

// TestCreateBuildActiveConflict tests that a second active row for the same
// (plugin, release) is refused, while a finalized one unblocks a retry.
func TestCreateBuildActiveConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)

	first := storage.BuildRecord{ID: "b-1", PluginID: "p-1", Version: "1.2.3", Status: storage.BuildPending, GithubReleaseID: 500}
	if err := store.CreateBuild(ctx, first); err != nil {
		t.Fatalf("create build: %v", err)
	}

	dup := first
	dup.ID = "b-2"
	if err := store.CreateBuild(ctx, dup); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict for second active build, got %v", err)
	}

	// Another release of the same plugin is independent.
	other := first
	other.ID = "b-3"
	other.GithubReleaseID = 501
	if err := store.CreateBuild(ctx, other); err != nil {
		t.Fatalf("create build for other release: %v", err)
	}

	if err := store.FinishBuild(ctx, "b-1", storage.BuildFailure, "", "boom"); err != nil {
		t.Fatalf("finish build: %v", err)
	}
	retry := first
	retry.ID = "b-4"
	if err := store.CreateBuild(ctx, retry); err != nil {
		t.Fatalf("expected retry after failure to insert, got %v", err)
	}
}

func TestBuildLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)

	record := storage.BuildRecord{ID: "b-1", PluginID: "p-1", Version: "1.2.3", Status: storage.BuildPending, GithubReleaseID: 500, GithubReleaseTag: "v1.2.3", IsPrerelease: true}
	if err := store.CreateBuild(ctx, record); err != nil {
		t.Fatalf("create build: %v", err)
	}

	active, err := store.GetActiveBuild(ctx, "p-1", 500)
	if err != nil {
		t.Fatalf("get active build: %v", err)
	}
	if active.ID != "b-1" || !active.IsPrerelease {
		t.Fatalf("unexpected active build %+v", active)
	}

	if err := store.StartBuild(ctx, "b-1"); err != nil {
		t.Fatalf("start build: %v", err)
	}
	// A second claim must lose.
	if err := store.StartBuild(ctx, "b-1"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict on double claim, got %v", err)
	}
	if err := store.StartBuild(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.FinishBuild(ctx, "b-1", storage.BuildSuccess, "v-1", ""); err != nil {
		t.Fatalf("finish build: %v", err)
	}
	// Terminal rows never rewrite.
	if err := store.FinishBuild(ctx, "b-1", storage.BuildFailure, "", "late"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict on double finalize, got %v", err)
	}
	if err := store.FinishBuild(ctx, "b-1", "exploded", "", ""); err == nil {
		t.Fatalf("expected error for invalid terminal status")
	}

	got, err := store.GetBuild(ctx, "b-1")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.Status != storage.BuildSuccess || got.VersionID != "v-1" {
		t.Fatalf("unexpected build %+v", got)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("expected started and finished stamps")
	}

	latest, err := store.GetLatestBuildForRelease(ctx, "p-1", 500)
	if err != nil {
		t.Fatalf("get latest build: %v", err)
	}
	if latest.ID != "b-1" {
		t.Fatalf("unexpected latest build %+v", latest)
	}
}

func TestListStalePending(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)

	if err := store.CreateBuild(ctx, storage.BuildRecord{ID: "b-1", PluginID: "p-1", Status: storage.BuildPending, GithubReleaseID: 500}); err != nil {
		t.Fatalf("create build: %v", err)
	}
	if err := store.CreateBuild(ctx, storage.BuildRecord{ID: "b-2", PluginID: "p-1", Status: storage.BuildPending, GithubReleaseID: 501}); err != nil {
		t.Fatalf("create build: %v", err)
	}
	if err := store.StartBuild(ctx, "b-2"); err != nil {
		t.Fatalf("start build: %v", err)
	}

	stale, err := store.ListStalePending(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("list stale pending: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "b-1" {
		t.Fatalf("expected only the unclaimed pending row, got %+v", stale)
	}

	stale, err = store.ListStalePending(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list stale pending: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no rows older than the past threshold, got %d", len(stale))
	}
}

// TestPublishVersionLatestFlip tests that publishing a new stable version
// moves the latest flag and the plugin's current version in one step.
func TestPublishVersionLatestFlip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)

	if err := store.PublishVersion(ctx, storage.VersionRecord{ID: "v-1", PluginID: "p-1", Version: "1.0.0", IsLatest: true, Permissions: []string{"clipboard"}}); err != nil {
		t.Fatalf("publish 1.0.0: %v", err)
	}
	if err := store.PublishVersion(ctx, storage.VersionRecord{ID: "v-2", PluginID: "p-1", Version: "1.1.0", IsLatest: true}); err != nil {
		t.Fatalf("publish 1.1.0: %v", err)
	}

	versions, err := store.ListVersions(ctx, "p-1")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	latestCount := 0
	for _, version := range versions {
		if version.IsLatest {
			latestCount++
			if version.Version != "1.1.0" {
				t.Fatalf("expected 1.1.0 to be latest, got %s", version.Version)
			}
		}
	}
	if latestCount != 1 {
		t.Fatalf("expected exactly one latest version, got %d", latestCount)
	}

	plugin, err := store.GetPlugin(ctx, "p-1")
	if err != nil {
		t.Fatalf("get plugin: %v", err)
	}
	if plugin.Status != storage.PluginPublished || plugin.CurrentVersion != "1.1.0" {
		t.Fatalf("expected published plugin at 1.1.0, got %+v", plugin)
	}

	first, err := store.GetVersion(ctx, "p-1", "1.0.0")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if len(first.Permissions) != 1 || first.Permissions[0] != "clipboard" {
		t.Fatalf("expected permissions round trip, got %v", first.Permissions)
	}
}

func TestPublishVersionPrereleaseKeepsLatest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)

	if err := store.PublishVersion(ctx, storage.VersionRecord{ID: "v-1", PluginID: "p-1", Version: "1.0.0", IsLatest: true}); err != nil {
		t.Fatalf("publish 1.0.0: %v", err)
	}
	if err := store.PublishVersion(ctx, storage.VersionRecord{ID: "v-2", PluginID: "p-1", Version: "2.0.0-beta.1", IsPrerelease: true}); err != nil {
		t.Fatalf("publish prerelease: %v", err)
	}

	stable, err := store.GetVersion(ctx, "p-1", "1.0.0")
	if err != nil {
		t.Fatalf("get stable: %v", err)
	}
	if !stable.IsLatest {
		t.Fatalf("expected stable version to stay latest")
	}
	beta, err := store.GetVersion(ctx, "p-1", "2.0.0-beta.1")
	if err != nil {
		t.Fatalf("get beta: %v", err)
	}
	if beta.IsLatest || !beta.IsPrerelease {
		t.Fatalf("unexpected prerelease flags %+v", beta)
	}

	plugin, _ := store.GetPlugin(ctx, "p-1")
	if plugin.CurrentVersion != "1.0.0" {
		t.Fatalf("expected current version untouched by prerelease, got %s", plugin.CurrentVersion)
	}
}

func TestPublishVersionDuplicateConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)

	if err := store.PublishVersion(ctx, storage.VersionRecord{ID: "v-1", PluginID: "p-1", Version: "1.0.0"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	err := store.PublishVersion(ctx, storage.VersionRecord{ID: "v-2", PluginID: "p-1", Version: "1.0.0"})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate version, got %v", err)
	}
}

func TestRecordDownloadDedupWindow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)
	if err := store.PublishVersion(ctx, storage.VersionRecord{ID: "v-1", PluginID: "p-1", Version: "1.0.0"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	record := storage.DownloadRecord{PluginID: "p-1", VersionID: "v-1", IPHash: "hash-a", UserID: "u-1"}
	counted, err := store.RecordDownload(ctx, record, 24*time.Hour)
	if err != nil {
		t.Fatalf("record download: %v", err)
	}
	if !counted {
		t.Fatalf("expected first pull to count")
	}

	counted, err = store.RecordDownload(ctx, record, 24*time.Hour)
	if err != nil {
		t.Fatalf("record repeat download: %v", err)
	}
	if counted {
		t.Fatalf("expected repeat pull inside window not to count")
	}

	// A different address counts.
	other := record
	other.IPHash = "hash-b"
	counted, err = store.RecordDownload(ctx, other, 24*time.Hour)
	if err != nil {
		t.Fatalf("record download: %v", err)
	}
	if !counted {
		t.Fatalf("expected pull from other address to count")
	}

	plugin, _ := store.GetPlugin(ctx, "p-1")
	if plugin.Downloads != 2 || plugin.WeeklyDownloads != 2 {
		t.Fatalf("expected plugin counters at 2, got %d/%d", plugin.Downloads, plugin.WeeklyDownloads)
	}
	version, _ := store.GetVersionByID(ctx, "v-1")
	if version.Downloads != 2 {
		t.Fatalf("expected version counter at 2, got %d", version.Downloads)
	}
}

// TestUpsertRatingRecomputesAggregates tests that the aggregate is derived
// from all rows after every write, including replacement of an earlier
// rating by the same user.
func TestUpsertRatingRecomputesAggregates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedPlugin(t, store, "p-1", 10)

	ratings := map[string]int{"u-1": 5, "u-2": 4, "u-3": 3}
	for userID, value := range ratings {
		if err := store.UpsertRating(ctx, storage.RatingRecord{UserID: userID, PluginID: "p-1", Rating: value}); err != nil {
			t.Fatalf("upsert rating: %v", err)
		}
	}
	plugin, err := store.GetPlugin(ctx, "p-1")
	if err != nil {
		t.Fatalf("get plugin: %v", err)
	}
	if plugin.Rating != 4.0 || plugin.RatingCount != 3 {
		t.Fatalf("expected aggregate 4.0/3, got %v/%d", plugin.Rating, plugin.RatingCount)
	}

	if err := store.UpsertRating(ctx, storage.RatingRecord{UserID: "u-1", PluginID: "p-1", Rating: 1, Review: "changed my mind"}); err != nil {
		t.Fatalf("replace rating: %v", err)
	}
	plugin, _ = store.GetPlugin(ctx, "p-1")
	if plugin.Rating != 2.67 || plugin.RatingCount != 3 {
		t.Fatalf("expected aggregate 2.67/3 after replacement, got %v/%d", plugin.Rating, plugin.RatingCount)
	}

	got, err := store.GetRating(ctx, "u-1", "p-1")
	if err != nil {
		t.Fatalf("get rating: %v", err)
	}
	if got.Rating != 1 || got.Review != "changed my mind" {
		t.Fatalf("unexpected rating %+v", got)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}
