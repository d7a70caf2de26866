package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"pluginhub/pkg/storage"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config holds the connection settings for the registry store.
type Config struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

// Store implements storage.Store on top of GORM.
type Store struct {
	db     *gorm.DB
	driver string
}

type pluginRow struct {
	ID                   string     `gorm:"column:id;primaryKey;size:128"`
	AuthorID             string     `gorm:"column:author_id;size:128;not null;index"`
	Name                 string     `gorm:"column:name;size:255"`
	Status               string     `gorm:"column:status;size:32;not null"`
	CurrentVersion       string     `gorm:"column:current_version;size:64"`
	Rating               float64    `gorm:"column:rating"`
	RatingCount          int64      `gorm:"column:rating_count"`
	Downloads            int64      `gorm:"column:downloads"`
	WeeklyDownloads      int64      `gorm:"column:weekly_downloads"`
	GithubRepoID         int64      `gorm:"column:github_repo_id;index"`
	GithubRepoFullName   string     `gorm:"column:github_repo_full_name;size:255"`
	GithubInstallationID *int64     `gorm:"column:github_installation_id;index"`
	GithubWebhookID      int64      `gorm:"column:github_webhook_id"`
	GithubDefaultBranch  string     `gorm:"column:github_default_branch;size:255"`
	GithubPluginPath     string     `gorm:"column:github_plugin_path;size:255"`
	CreatedAt            time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (pluginRow) TableName() string { return "plugins" }

type versionRow struct {
	ID           string    `gorm:"column:id;primaryKey;size:64"`
	PluginID     string    `gorm:"column:plugin_id;size:128;not null;uniqueIndex:idx_plugin_version,priority:1"`
	Version      string    `gorm:"column:version;size:64;not null;uniqueIndex:idx_plugin_version,priority:2"`
	DownloadURL  string    `gorm:"column:download_url;size:1024"`
	Checksum     string    `gorm:"column:checksum;size:64"`
	FileSize     int64     `gorm:"column:file_size"`
	Permissions  string    `gorm:"column:permissions;type:text"`
	Changelog    string    `gorm:"column:changelog;type:text"`
	IsLatest     bool      `gorm:"column:is_latest;index"`
	IsPrerelease bool      `gorm:"column:is_prerelease"`
	Downloads    int64     `gorm:"column:downloads"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (versionRow) TableName() string { return "plugin_versions" }

type buildRow struct {
	ID               string     `gorm:"column:id;primaryKey;size:64"`
	PluginID         string     `gorm:"column:plugin_id;size:128;not null;index:idx_build_release,priority:1"`
	VersionID        string     `gorm:"column:version_id;size:64"`
	Version          string     `gorm:"column:version;size:64"`
	Status           string     `gorm:"column:status;size:16;not null;index"`
	GithubReleaseID  int64      `gorm:"column:github_release_id;index:idx_build_release,priority:2"`
	GithubReleaseTag string     `gorm:"column:github_release_tag;size:255"`
	TarballURL       string     `gorm:"column:tarball_url;size:1024"`
	Changelog        string     `gorm:"column:changelog;type:text"`
	IsPrerelease     bool       `gorm:"column:is_prerelease"`
	ErrorMessage     string     `gorm:"column:error_message;type:text"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	StartedAt        *time.Time `gorm:"column:started_at"`
	FinishedAt       *time.Time `gorm:"column:finished_at"`
}

func (buildRow) TableName() string { return "builds" }

type downloadRow struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	PluginID  string    `gorm:"column:plugin_id;size:128;not null"`
	VersionID string    `gorm:"column:version_id;size:64;not null;index:idx_download_dedup,priority:1"`
	IPHash    string    `gorm:"column:ip_hash;size:64;not null;index:idx_download_dedup,priority:2"`
	UserID    string    `gorm:"column:user_id;size:128"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime;index:idx_download_dedup,priority:3"`
}

func (downloadRow) TableName() string { return "plugin_downloads" }

type ratingRow struct {
	UserID    string    `gorm:"column:user_id;size:128;not null;uniqueIndex:idx_user_plugin,priority:1"`
	PluginID  string    `gorm:"column:plugin_id;size:128;not null;uniqueIndex:idx_user_plugin,priority:2"`
	Rating    int       `gorm:"column:rating;not null"`
	Review    string    `gorm:"column:review;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ratingRow) TableName() string { return "plugin_ratings" }

// Open connects to the configured database and optionally migrates.
func Open(cfg Config) (*Store, error) {
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	gormDB, err := openGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store := &Store{db: gormDB, driver: driver}
	if cfg.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&pluginRow{}, &versionRow{}, &buildRow{}, &downloadRow{}, &ratingRow{}); err != nil {
		return err
	}
	// One active build per (plugin, release). MySQL has no partial indexes;
	// a stored generated column that is NULL on terminal rows gives the same
	// guarantee, since unique indexes ignore NULL entries.
	if s.driver == "mysql" {
		migrator := s.db.Migrator()
		if !migrator.HasColumn(&buildRow{}, "active_marker") {
			if err := s.db.Exec(
				`ALTER TABLE builds ADD COLUMN active_marker TINYINT
GENERATED ALWAYS AS (CASE WHEN status IN ('pending','building') THEN 1 ELSE NULL END) STORED`,
			).Error; err != nil {
				return err
			}
		}
		if !migrator.HasIndex(&buildRow{}, "idx_builds_active_release") {
			return s.db.Exec(
				`CREATE UNIQUE INDEX idx_builds_active_release
ON builds (plugin_id, github_release_id, active_marker)`,
			).Error
		}
		return nil
	}
	return s.db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_builds_active_release
ON builds (plugin_id, github_release_id)
WHERE status IN ('pending','building')`,
	).Error
}

// GetPlugin fetches a plugin by id.
func (s *Store) GetPlugin(ctx context.Context, id string) (*storage.PluginRecord, error) {
	var data pluginRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromPluginRow(data)
	return &record, nil
}

// GetPluginByRepoID fetches the plugin linked to a GitHub repository.
func (s *Store) GetPluginByRepoID(ctx context.Context, repoID int64) (*storage.PluginRecord, error) {
	var data pluginRow
	err := s.db.WithContext(ctx).Where("github_repo_id = ?", repoID).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromPluginRow(data)
	return &record, nil
}

// SetInstallationForRepos binds an installation id to every plugin whose
// linked repository is in repoIDs. Reapplying is a no-op.
func (s *Store) SetInstallationForRepos(ctx context.Context, repoIDs []int64, installationID int64) error {
	if len(repoIDs) == 0 || installationID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&pluginRow{}).
		Where("github_repo_id IN ?", repoIDs).
		Update("github_installation_id", installationID).Error
}

// ClearInstallationForRepos removes the installation binding from plugins
// whose repository was taken out of the installation's grant.
func (s *Store) ClearInstallationForRepos(ctx context.Context, repoIDs []int64, installationID int64) error {
	if len(repoIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&pluginRow{}).
		Where("github_repo_id IN ? AND github_installation_id = ?", repoIDs, installationID).
		Update("github_installation_id", nil).Error
}

// ClearInstallation removes the binding from every plugin referencing the
// installation. Used when the installation itself is deleted.
func (s *Store) ClearInstallation(ctx context.Context, installationID int64) error {
	if installationID == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&pluginRow{}).
		Where("github_installation_id = ?", installationID).
		Update("github_installation_id", nil).Error
}

// CreateBuild inserts a build row. At most one active build per
// (plugin, release) is enforced by a unique index on every driver; a
// collision is reported as storage.ErrConflict.
func (s *Store) CreateBuild(ctx context.Context, record storage.BuildRecord) error {
	data := toBuildRow(record)
	err := s.db.WithContext(ctx).Create(&data).Error
	if isDuplicate(err) {
		return storage.ErrConflict
	}
	return err
}

// GetBuild fetches a build by id.
func (s *Store) GetBuild(ctx context.Context, id string) (*storage.BuildRecord, error) {
	var data buildRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromBuildRow(data)
	return &record, nil
}

// GetActiveBuild fetches the pending or building row for a release, if any.
func (s *Store) GetActiveBuild(ctx context.Context, pluginID string, releaseID int64) (*storage.BuildRecord, error) {
	var data buildRow
	err := s.db.WithContext(ctx).
		Where("plugin_id = ? AND github_release_id = ? AND status IN ?",
			pluginID, releaseID, []string{storage.BuildPending, storage.BuildBuilding}).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromBuildRow(data)
	return &record, nil
}

// GetLatestBuildForRelease fetches the most recent build row for a release,
// whatever its status.
func (s *Store) GetLatestBuildForRelease(ctx context.Context, pluginID string, releaseID int64) (*storage.BuildRecord, error) {
	var data buildRow
	err := s.db.WithContext(ctx).
		Where("plugin_id = ? AND github_release_id = ?", pluginID, releaseID).
		Order("created_at desc").
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromBuildRow(data)
	return &record, nil
}

// StartBuild moves a pending build to building and stamps started_at.
func (s *Store) StartBuild(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&buildRow{}).
		Where("id = ? AND status = ?", id, storage.BuildPending).
		Updates(map[string]interface{}{"status": storage.BuildBuilding, "started_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.notStartable(ctx, id)
	}
	return nil
}

func (s *Store) notStartable(ctx context.Context, id string) error {
	var data buildRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return storage.ErrConflict
}

// FinishBuild finalizes an active build. Terminal rows are never rewritten;
// finalizing one again reports storage.ErrConflict.
func (s *Store) FinishBuild(ctx context.Context, id, status, versionID, errorMessage string) error {
	if status != storage.BuildSuccess && status != storage.BuildFailure && status != storage.BuildCancelled {
		return fmt.Errorf("invalid terminal build status: %s", status)
	}
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&buildRow{}).
		Where("id = ? AND status IN ?", id, []string{storage.BuildPending, storage.BuildBuilding}).
		Updates(map[string]interface{}{
			"status":        status,
			"version_id":    versionID,
			"error_message": errorMessage,
			"finished_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.notStartable(ctx, id)
	}
	return nil
}

// ListBuilds lists a plugin's builds, newest first.
func (s *Store) ListBuilds(ctx context.Context, pluginID string) ([]storage.BuildRecord, error) {
	var data []buildRow
	err := s.db.WithContext(ctx).
		Where("plugin_id = ?", pluginID).
		Order("created_at desc").
		Find(&data).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.BuildRecord, 0, len(data))
	for _, item := range data {
		records = append(records, fromBuildRow(item))
	}
	return records, nil
}

// ListStalePending lists pending builds created before olderThan, for the
// dispatcher's recovery sweep.
func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time) ([]storage.BuildRecord, error) {
	var data []buildRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", storage.BuildPending, olderThan).
		Order("created_at asc").
		Find(&data).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.BuildRecord, 0, len(data))
	for _, item := range data {
		records = append(records, fromBuildRow(item))
	}
	return records, nil
}

// GetVersion fetches a version by plugin and version string.
func (s *Store) GetVersion(ctx context.Context, pluginID, version string) (*storage.VersionRecord, error) {
	var data versionRow
	err := s.db.WithContext(ctx).
		Where("plugin_id = ? AND version = ?", pluginID, version).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromVersionRow(data)
	return &record, nil
}

// GetVersionByID fetches a version by id.
func (s *Store) GetVersionByID(ctx context.Context, id string) (*storage.VersionRecord, error) {
	var data versionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := fromVersionRow(data)
	return &record, nil
}

// PublishVersion inserts a version inside one transaction. Non-prereleases
// take over the latest flag and the plugin's current version; prereleases
// are inserted without touching either.
func (s *Store) PublishVersion(ctx context.Context, record storage.VersionRecord) error {
	data := toVersionRow(record)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing versionRow
		err := tx.Where("plugin_id = ? AND version = ?", record.PluginID, record.Version).
			Take(&existing).Error
		if err == nil {
			return storage.ErrConflict
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if record.IsPrerelease {
			data.IsLatest = false
			return tx.Create(&data).Error
		}

		if err := tx.Model(&versionRow{}).
			Where("plugin_id = ? AND is_latest = ?", record.PluginID, true).
			Update("is_latest", false).Error; err != nil {
			return err
		}
		data.IsLatest = true
		if err := tx.Create(&data).Error; err != nil {
			if isDuplicate(err) {
				return storage.ErrConflict
			}
			return err
		}
		return tx.Model(&pluginRow{}).
			Where("id = ?", record.PluginID).
			Updates(map[string]interface{}{
				"status":          storage.PluginPublished,
				"current_version": record.Version,
			}).Error
	})
}

// ListVersions lists a plugin's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, pluginID string) ([]storage.VersionRecord, error) {
	var data []versionRow
	err := s.db.WithContext(ctx).
		Where("plugin_id = ?", pluginID).
		Order("created_at desc").
		Find(&data).Error
	if err != nil {
		return nil, err
	}
	records := make([]storage.VersionRecord, 0, len(data))
	for _, item := range data {
		records = append(records, fromVersionRow(item))
	}
	return records, nil
}

// RecordDownload appends a download row and bumps the counters, unless the
// same (version, ipHash) already pulled inside the window.
func (s *Store) RecordDownload(ctx context.Context, record storage.DownloadRecord, window time.Duration) (bool, error) {
	counted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		since := time.Now().UTC().Add(-window)
		var seen int64
		if err := tx.Model(&downloadRow{}).
			Where("version_id = ? AND ip_hash = ? AND created_at > ?", record.VersionID, record.IPHash, since).
			Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			return nil
		}
		data := downloadRow{
			PluginID:  record.PluginID,
			VersionID: record.VersionID,
			IPHash:    record.IPHash,
			UserID:    record.UserID,
		}
		if err := tx.Create(&data).Error; err != nil {
			return err
		}
		if err := tx.Model(&pluginRow{}).
			Where("id = ?", record.PluginID).
			Updates(map[string]interface{}{
				"downloads":        gorm.Expr("downloads + 1"),
				"weekly_downloads": gorm.Expr("weekly_downloads + 1"),
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&versionRow{}).
			Where("id = ?", record.VersionID).
			Update("downloads", gorm.Expr("downloads + 1")).Error; err != nil {
			return err
		}
		counted = true
		return nil
	})
	return counted, err
}

// UpsertRating writes the rating keyed by (user, plugin) and recomputes the
// plugin's aggregates from all rows. Aggregates are always derived, never
// incrementally adjusted.
func (s *Store) UpsertRating(ctx context.Context, record storage.RatingRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		data := ratingRow{
			UserID:   record.UserID,
			PluginID: record.PluginID,
			Rating:   record.Rating,
			Review:   record.Review,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "plugin_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"rating", "review", "updated_at"}),
		}).Create(&data).Error; err != nil {
			return err
		}

		var agg struct {
			Count int64
			Mean  float64
		}
		if err := tx.Model(&ratingRow{}).
			Select("COUNT(*) as count, COALESCE(AVG(rating), 0) as mean").
			Where("plugin_id = ?", record.PluginID).
			Scan(&agg).Error; err != nil {
			return err
		}
		return tx.Model(&pluginRow{}).
			Where("id = ?", record.PluginID).
			Updates(map[string]interface{}{
				"rating":       math.Round(agg.Mean*100) / 100,
				"rating_count": agg.Count,
			}).Error
	})
}

// GetRating fetches one user's rating of a plugin.
func (s *Store) GetRating(ctx context.Context, userID, pluginID string) (*storage.RatingRecord, error) {
	var data ratingRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND plugin_id = ?", userID, pluginID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record := storage.RatingRecord{
		UserID:    data.UserID,
		PluginID:  data.PluginID,
		Rating:    data.Rating,
		Review:    data.Review,
		CreatedAt: data.CreatedAt,
		UpdatedAt: data.UpdatedAt,
	}
	return &record, nil
}

func fromPluginRow(data pluginRow) storage.PluginRecord {
	var installationID int64
	if data.GithubInstallationID != nil {
		installationID = *data.GithubInstallationID
	}
	return storage.PluginRecord{
		ID:                   data.ID,
		AuthorID:             data.AuthorID,
		Name:                 data.Name,
		Status:               data.Status,
		CurrentVersion:       data.CurrentVersion,
		Rating:               data.Rating,
		RatingCount:          data.RatingCount,
		Downloads:            data.Downloads,
		WeeklyDownloads:      data.WeeklyDownloads,
		GithubRepoID:         data.GithubRepoID,
		GithubRepoFullName:   data.GithubRepoFullName,
		GithubInstallationID: installationID,
		GithubWebhookID:      data.GithubWebhookID,
		GithubDefaultBranch:  data.GithubDefaultBranch,
		GithubPluginPath:     data.GithubPluginPath,
		CreatedAt:            data.CreatedAt,
		UpdatedAt:            data.UpdatedAt,
	}
}

func toBuildRow(record storage.BuildRecord) buildRow {
	return buildRow{
		ID:               record.ID,
		PluginID:         record.PluginID,
		VersionID:        record.VersionID,
		Version:          record.Version,
		Status:           record.Status,
		GithubReleaseID:  record.GithubReleaseID,
		GithubReleaseTag: record.GithubReleaseTag,
		TarballURL:       record.TarballURL,
		Changelog:        record.Changelog,
		IsPrerelease:     record.IsPrerelease,
		ErrorMessage:     record.ErrorMessage,
		StartedAt:        record.StartedAt,
		FinishedAt:       record.FinishedAt,
	}
}

func fromBuildRow(data buildRow) storage.BuildRecord {
	return storage.BuildRecord{
		ID:               data.ID,
		PluginID:         data.PluginID,
		VersionID:        data.VersionID,
		Version:          data.Version,
		Status:           data.Status,
		GithubReleaseID:  data.GithubReleaseID,
		GithubReleaseTag: data.GithubReleaseTag,
		TarballURL:       data.TarballURL,
		Changelog:        data.Changelog,
		IsPrerelease:     data.IsPrerelease,
		ErrorMessage:     data.ErrorMessage,
		CreatedAt:        data.CreatedAt,
		StartedAt:        data.StartedAt,
		FinishedAt:       data.FinishedAt,
	}
}

func toVersionRow(record storage.VersionRecord) versionRow {
	return versionRow{
		ID:           record.ID,
		PluginID:     record.PluginID,
		Version:      record.Version,
		DownloadURL:  record.DownloadURL,
		Checksum:     record.Checksum,
		FileSize:     record.FileSize,
		Permissions:  encodePermissions(record.Permissions),
		Changelog:    record.Changelog,
		IsLatest:     record.IsLatest,
		IsPrerelease: record.IsPrerelease,
		Downloads:    record.Downloads,
	}
}

func fromVersionRow(data versionRow) storage.VersionRecord {
	return storage.VersionRecord{
		ID:           data.ID,
		PluginID:     data.PluginID,
		Version:      data.Version,
		DownloadURL:  data.DownloadURL,
		Checksum:     data.Checksum,
		FileSize:     data.FileSize,
		Permissions:  decodePermissions(data.Permissions),
		Changelog:    data.Changelog,
		IsLatest:     data.IsLatest,
		IsPrerelease: data.IsPrerelease,
		Downloads:    data.Downloads,
		CreatedAt:    data.CreatedAt,
	}
}

func encodePermissions(perms []string) string {
	if len(perms) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(perms)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodePermissions(raw string) []string {
	if raw == "" {
		return nil
	}
	var perms []string
	if err := json.Unmarshal([]byte(raw), &perms); err != nil {
		return nil
	}
	return perms
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{TranslateError: true}
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
