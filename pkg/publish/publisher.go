// Package publish consumes builder completion signals and enforces the
// registry invariants a version must satisfy before it becomes current:
// exactly one latest non-prerelease version per plugin, derived download
// and rating aggregates, and build rows that finalize exactly once.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"pluginhub/internal"
	"pluginhub/pkg/storage"
)

// DownloadDedupWindow is the trailing window in which repeat pulls of the
// same version from the same address are not counted.
const DownloadDedupWindow = 24 * time.Hour

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?$`)

// ErrInvalidVersion rejects version strings outside semver shape.
var ErrInvalidVersion = errors.New("version must be major.minor.patch with optional prerelease suffix")

// ErrDuplicateVersion rejects a version string already published for the
// plugin.
var ErrDuplicateVersion = errors.New("version already exists for plugin")

// ErrInvalidRating rejects ratings outside 1..5.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// BuildSuccess is the builder's completion signal for a successful build.
type BuildSuccess struct {
	BuildID      string   `json:"buildId"`
	PluginID     string   `json:"pluginId"`
	Version      string   `json:"version"`
	ArtifactURL  string   `json:"artifactUrl"`
	Checksum     string   `json:"checksum"`
	FileSize     int64    `json:"fileSize"`
	Permissions  []string `json:"permissions"`
	Changelog    string   `json:"changelog"`
	IsPrerelease bool     `json:"isPrerelease"`
}

// Publisher applies builder outcomes and registry writes.
type Publisher struct {
	versions  storage.VersionStore
	builds    storage.BuildStore
	downloads storage.DownloadStore
	ratings   storage.RatingStore
	logger    *log.Logger
}

// NewPublisher wires the version publisher.
func NewPublisher(versions storage.VersionStore, builds storage.BuildStore, downloads storage.DownloadStore, ratings storage.RatingStore, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	return &Publisher{
		versions:  versions,
		builds:    builds,
		downloads: downloads,
		ratings:   ratings,
		logger:    logger,
	}
}

// CompleteBuild publishes the version a successful build produced and
// finalizes the build row. Validation happens before any write.
func (p *Publisher) CompleteBuild(ctx context.Context, signal BuildSuccess) (*storage.VersionRecord, error) {
	if !versionPattern.MatchString(signal.Version) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, signal.Version)
	}
	if _, err := p.versions.GetVersion(ctx, signal.PluginID, signal.Version); err == nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, signal.PluginID, signal.Version)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("version lookup: %w", err)
	}

	record := storage.VersionRecord{
		ID:           uuid.NewString(),
		PluginID:     signal.PluginID,
		Version:      signal.Version,
		DownloadURL:  signal.ArtifactURL,
		Checksum:     signal.Checksum,
		FileSize:     signal.FileSize,
		Permissions:  signal.Permissions,
		Changelog:    signal.Changelog,
		IsLatest:     !signal.IsPrerelease,
		IsPrerelease: signal.IsPrerelease,
	}
	if err := p.versions.PublishVersion(ctx, record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, signal.PluginID, signal.Version)
		}
		return nil, fmt.Errorf("publish version: %w", err)
	}

	if signal.BuildID != "" {
		if err := p.builds.FinishBuild(ctx, signal.BuildID, storage.BuildSuccess, record.ID, ""); err != nil {
			// The version is live; a finalization race only loses the link.
			p.logger.Printf("finalize build %s failed: %v", signal.BuildID, err)
		}
	}
	internal.IncBuildOutcome(storage.BuildSuccess)
	p.logger.Printf("published plugin=%s version=%s prerelease=%t", signal.PluginID, signal.Version, signal.IsPrerelease)
	return &record, nil
}

// FailBuild marks a build failed, keeping the row intact for audit. A
// redelivered signal for an already-final build is a no-op.
func (p *Publisher) FailBuild(ctx context.Context, buildID, errorMessage string) error {
	err := p.builds.FinishBuild(ctx, buildID, storage.BuildFailure, "", errorMessage)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize build %s: %w", buildID, err)
	}
	internal.IncBuildOutcome(storage.BuildFailure)
	p.logger.Printf("build failed build=%s: %s", buildID, errorMessage)
	return nil
}

// RecordDownload counts an install pull. The caller's address is hashed
// before it is stored; repeat pulls inside the dedup window do not count.
func (p *Publisher) RecordDownload(ctx context.Context, pluginID, versionID, remoteIP, userID string) (bool, error) {
	counted, err := p.downloads.RecordDownload(ctx, storage.DownloadRecord{
		PluginID:  pluginID,
		VersionID: versionID,
		IPHash:    HashIP(remoteIP),
		UserID:    userID,
	}, DownloadDedupWindow)
	if err != nil {
		return false, fmt.Errorf("record download: %w", err)
	}
	internal.IncDownload(counted)
	return counted, nil
}

// Rate upserts one user's rating; the plugin's aggregates are recomputed
// from all rows inside the same write.
func (p *Publisher) Rate(ctx context.Context, userID, pluginID string, rating int, review string) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	if err := p.ratings.UpsertRating(ctx, storage.RatingRecord{
		UserID:   userID,
		PluginID: pluginID,
		Rating:   rating,
		Review:   review,
	}); err != nil {
		return fmt.Errorf("upsert rating: %w", err)
	}
	return nil
}

// HashIP hashes an address for storage: SHA-256, first 16 bytes, hex. The
// raw address never reaches the database.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:16])
}
