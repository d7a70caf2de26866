// Package api exposes the control-plane HTTP endpoints: manual build
// triggers, build listing, the builder's result callback, download
// counting, and ratings. Webhook ingestion lives in pkg/webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"pluginhub/internal"
	"pluginhub/pkg/builds"
	"pluginhub/pkg/publish"
	"pluginhub/pkg/storage"
)

// BuildTrigger is the orchestrator surface the trigger endpoint needs.
type BuildTrigger interface {
	TriggerBuild(ctx context.Context, pluginID, callerID string) (*builds.Result, error)
}

// BuildPublisher is the publish surface the callback, download, and rating
// endpoints need. *publish.Publisher satisfies it.
type BuildPublisher interface {
	CompleteBuild(ctx context.Context, signal publish.BuildSuccess) (*storage.VersionRecord, error)
	FailBuild(ctx context.Context, buildID, errorMessage string) error
	RecordDownload(ctx context.Context, pluginID, versionID, remoteIP, userID string) (bool, error)
	Rate(ctx context.Context, userID, pluginID string, rating int, review string) error
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// TriggerBuildHandler starts a build for the linked repo's latest release.
// Only the plugin author may call it.
type TriggerBuildHandler struct {
	Orchestrator BuildTrigger
	Auth         *Authenticator
	Logger       *log.Logger
}

func (h *TriggerBuildHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "valid bearer token required")
		return
	}
	pluginID := r.PathValue("id")
	result, err := h.Orchestrator.TriggerBuild(r.Context(), pluginID, userID)
	if err != nil {
		var coded *builds.Error
		if errors.As(err, &coded) {
			writeError(w, statusForCode(coded.Code), coded.Code, coded.Message)
			return
		}
		if h.Logger != nil {
			h.Logger.Printf("trigger build plugin=%s: %v", pluginID, err)
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "build trigger failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"buildId":      result.BuildID,
		"version":      result.Version,
		"releaseTag":   result.ReleaseTag,
		"inProgress":   result.InProgress,
		"alreadyBuilt": result.AlreadyBuilt,
	})
}

func statusForCode(code string) int {
	switch code {
	case builds.CodePluginNotFound:
		return http.StatusNotFound
	case builds.CodeNotAuthor:
		return http.StatusForbidden
	case builds.CodeNoRepoLinked, builds.CodeNoReleases:
		return http.StatusBadRequest
	case builds.CodeAppNotInstalled:
		return http.StatusConflict
	case builds.CodeAppNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ListBuildsHandler returns a plugin's build history, newest first. Only
// the plugin author may read it; failure rows carry error detail.
type ListBuildsHandler struct {
	Builds  storage.BuildStore
	Plugins storage.PluginStore
	Auth    *Authenticator
	Logger  *log.Logger
}

type buildView struct {
	ID           string `json:"id"`
	Version      string `json:"version"`
	Status       string `json:"status"`
	ReleaseTag   string `json:"releaseTag,omitempty"`
	IsPrerelease bool   `json:"isPrerelease"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func (h *ListBuildsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "valid bearer token required")
		return
	}
	pluginID := r.PathValue("id")
	plugin, err := h.Plugins.GetPlugin(r.Context(), pluginID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, builds.CodePluginNotFound, "plugin not found")
			return
		}
		if h.Logger != nil {
			h.Logger.Printf("list builds plugin=%s: %v", pluginID, err)
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "list builds failed")
		return
	}
	if plugin.AuthorID != userID {
		writeError(w, http.StatusForbidden, builds.CodeNotAuthor, "only the plugin author may list builds")
		return
	}
	records, err := h.Builds.ListBuilds(r.Context(), pluginID)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Printf("list builds plugin=%s: %v", pluginID, err)
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "list builds failed")
		return
	}
	views := make([]buildView, 0, len(records))
	for _, rec := range records {
		views = append(views, buildView{
			ID:           rec.ID,
			Version:      rec.Version,
			Status:       rec.Status,
			ReleaseTag:   rec.GithubReleaseTag,
			IsPrerelease: rec.IsPrerelease,
			ErrorMessage: rec.ErrorMessage,
			CreatedAt:    rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// BuilderCallbackHandler receives the builder's terminal result for a build.
// It is authenticated by a shared secret, not a user token.
type BuilderCallbackHandler struct {
	Publisher BuildPublisher
	Auth      *Authenticator
	Logger    *log.Logger
}

type builderCallback struct {
	publish.BuildSuccess
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

func (h *BuilderCallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.Auth.VerifyCallback(r) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid callback secret")
		return
	}
	var cb builderCallback
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed callback body")
		return
	}
	if cb.BuildID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "buildId is required")
		return
	}

	switch cb.Status {
	case "success":
		version, err := h.Publisher.CompleteBuild(r.Context(), cb.BuildSuccess)
		if err != nil {
			switch {
			case errors.Is(err, publish.ErrInvalidVersion), errors.Is(err, publish.ErrDuplicateVersion):
				writeError(w, http.StatusConflict, "PUBLISH_REJECTED", err.Error())
			case errors.Is(err, storage.ErrNotFound):
				writeError(w, http.StatusNotFound, "NOT_FOUND", "build not found")
			default:
				if h.Logger != nil {
					h.Logger.Printf("complete build %s: %v", cb.BuildID, err)
				}
				writeError(w, http.StatusInternalServerError, "INTERNAL", "publish failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"versionId": version.ID, "version": version.Version})
	case "failure":
		if err := h.Publisher.FailBuild(r.Context(), cb.BuildID, cb.ErrorMessage); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, "NOT_FOUND", "build not found")
				return
			}
			if h.Logger != nil {
				h.Logger.Printf("fail build %s: %v", cb.BuildID, err)
			}
			writeError(w, http.StatusInternalServerError, "INTERNAL", "record failure failed")
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "status must be success or failure")
	}
}

// DownloadHandler counts an install pull. Anonymous calls are allowed;
// the caller IP is hashed before the dedup check.
type DownloadHandler struct {
	Publisher BuildPublisher
	Auth      *Authenticator
	Logger    *log.Logger
}

func (h *DownloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.OptionalUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
		return
	}
	pluginID := r.PathValue("id")
	versionID := r.PathValue("versionId")
	counted, err := h.Publisher.RecordDownload(r.Context(), pluginID, versionID, internal.ClientIP(r), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "plugin version not found")
			return
		}
		if h.Logger != nil {
			h.Logger.Printf("record download plugin=%s version=%s: %v", pluginID, versionID, err)
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", "record download failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"counted": counted})
}

// RatingHandler upserts the caller's rating for a plugin.
type RatingHandler struct {
	Publisher BuildPublisher
	Auth      *Authenticator
	Logger    *log.Logger
}

type ratingRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

func (h *RatingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.UserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "valid bearer token required")
		return
	}
	pluginID := r.PathValue("id")
	var req ratingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed rating body")
		return
	}
	if err := h.Publisher.Rate(r.Context(), userID, pluginID, req.Rating, strings.TrimSpace(req.Review)); err != nil {
		switch {
		case errors.Is(err, publish.ErrInvalidRating):
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "plugin not found")
		default:
			if h.Logger != nil {
				h.Logger.Printf("rate plugin=%s: %v", pluginID, err)
			}
			writeError(w, http.StatusInternalServerError, "INTERNAL", "rating failed")
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Routes mounts the API handlers on mux.
func Routes(mux *http.ServeMux, trigger *TriggerBuildHandler, list *ListBuildsHandler, callback *BuilderCallbackHandler, download *DownloadHandler, rating *RatingHandler) {
	mux.Handle("POST /api/plugins/{id}/builds", trigger)
	mux.Handle("GET /api/plugins/{id}/builds", list)
	mux.Handle("POST /api/builder/callback", callback)
	mux.Handle("POST /api/plugins/{id}/versions/{versionId}/download", download)
	mux.Handle("POST /api/plugins/{id}/rating", rating)
}
