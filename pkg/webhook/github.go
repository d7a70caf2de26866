// Package webhook terminates GitHub webhook deliveries: signature
// verification over the raw body, then typed dispatch by event kind.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-playground/webhooks/v6/github"

	"pluginhub/internal"
	"pluginhub/pkg/builds"
	"pluginhub/pkg/githubapp"
)

// InstallationRegistry consumes installation lifecycle events.
type InstallationRegistry interface {
	InstallationCreated(ctx context.Context, installationID int64, repoIDs []int64) error
	InstallationDeleted(ctx context.Context, installationID int64) error
	RepositoriesAdded(ctx context.Context, installationID int64, repoIDs []int64) error
	RepositoriesRemoved(ctx context.Context, installationID int64, repoIDs []int64) error
}

// BuildSink consumes qualifying release events.
type BuildSink interface {
	HandleRelease(ctx context.Context, event builds.ReleaseEvent) (*builds.Result, error)
}

// GitHubHandler verifies and routes GitHub webhook deliveries. Signature
// verification happens here, over the raw body, before the library parses
// anything: the library only checks the legacy SHA-1 header, while GitHub
// signs current deliveries with X-Hub-Signature-256.
type GitHubHandler struct {
	hook         *github.Webhook
	secret       string
	installs     InstallationRegistry
	buildSink    BuildSink
	maxBodyBytes int64
	logger       *log.Logger
}

var githubEvents = []github.Event{
	github.PingEvent,
	github.InstallationEvent,
	github.InstallationRepositoriesEvent,
	github.ReleaseEvent,
}

// NewGitHubHandler constructs the handler. An empty secret is refused:
// unverified deliveries must never reach the registry. The hook itself is
// built without a secret; it is used for parsing only.
func NewGitHubHandler(secret string, installs InstallationRegistry, buildSink BuildSink, maxBodyBytes int64, logger *log.Logger) (*GitHubHandler, error) {
	if secret == "" {
		return nil, errors.New("github webhook secret is required")
	}
	hook, err := github.New()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &GitHubHandler{
		hook:         hook,
		secret:       secret,
		installs:     installs,
		buildSink:    buildSink,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}, nil
}

func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	delivery := r.Header.Get("X-GitHub-Delivery")
	event := r.Header.Get("X-GitHub-Event")

	// The signature covers the exact bytes on the wire, so the body is
	// captured raw before any parsing touches it.
	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	if !h.verifySignature(r.Header, rawBody) {
		internal.IncSignatureFailure()
		h.logger.Printf("signature rejected delivery=%s event=%s", delivery, event)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	payload, err := h.hook.Parse(r, githubEvents...)
	if err != nil {
		h.rejectParse(w, delivery, event, err)
		return
	}
	internal.IncDelivery(event)

	switch p := payload.(type) {
	case github.PingPayload:
		w.WriteHeader(http.StatusOK)
	case github.InstallationPayload:
		h.handleInstallation(w, r, delivery, p)
	case github.InstallationRepositoriesPayload:
		h.handleInstallationRepositories(w, r, delivery, p)
	case github.ReleasePayload:
		h.handleRelease(w, r, delivery, p, rawBody)
	default:
		// In the allow list but not routed anywhere: acknowledge.
		w.WriteHeader(http.StatusOK)
	}
}

// verifySignature checks the delivery signature against the raw body.
// Current deliveries carry sha256=hex(HMAC-SHA256) in X-Hub-Signature-256;
// the legacy SHA-1 header is accepted only when the SHA-256 one is absent.
func (h *GitHubHandler) verifySignature(header http.Header, body []byte) bool {
	if sig := header.Get("X-Hub-Signature-256"); sig != "" {
		mac := hmac.New(sha256.New, []byte(h.secret))
		_, _ = mac.Write(body)
		expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(expected))
	}
	if sig := header.Get("X-Hub-Signature"); sig != "" {
		mac := hmac.New(sha1.New, []byte(h.secret))
		_, _ = mac.Write(body)
		expected := "sha1=" + hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sig), []byte(expected))
	}
	return false
}

func (h *GitHubHandler) rejectParse(w http.ResponseWriter, delivery, event string, err error) {
	switch {
	case errors.Is(err, github.ErrEventNotFound),
		errors.Is(err, github.ErrMissingGithubEventHeader):
		// Verified but not an event this service consumes.
		h.logger.Printf("event ignored delivery=%s event=%s", delivery, event)
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, github.ErrInvalidHTTPMethod):
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	default:
		h.logger.Printf("payload rejected delivery=%s event=%s: %v", delivery, event, err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
	}
}

func (h *GitHubHandler) handleInstallation(w http.ResponseWriter, r *http.Request, delivery string, p github.InstallationPayload) {
	installationID := p.Installation.ID
	repoIDs := make([]int64, 0, len(p.Repositories))
	for _, repo := range p.Repositories {
		repoIDs = append(repoIDs, repo.ID)
	}

	var err error
	switch p.Action {
	case "created":
		err = h.installs.InstallationCreated(r.Context(), installationID, repoIDs)
	case "deleted":
		err = h.installs.InstallationDeleted(r.Context(), installationID)
	default:
		// suspend, unsuspend, new_permissions_accepted: no binding change.
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		h.logger.Printf("installation %s failed delivery=%s: %v", p.Action, delivery, err)
		http.Error(w, "installation update failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *GitHubHandler) handleInstallationRepositories(w http.ResponseWriter, r *http.Request, delivery string, p github.InstallationRepositoriesPayload) {
	installationID := p.Installation.ID

	var err error
	switch p.Action {
	case "added":
		ids := make([]int64, 0, len(p.RepositoriesAdded))
		for _, repo := range p.RepositoriesAdded {
			ids = append(ids, repo.ID)
		}
		err = h.installs.RepositoriesAdded(r.Context(), installationID, ids)
	case "removed":
		ids := make([]int64, 0, len(p.RepositoriesRemoved))
		for _, repo := range p.RepositoriesRemoved {
			ids = append(ids, repo.ID)
		}
		err = h.installs.RepositoriesRemoved(r.Context(), installationID, ids)
	default:
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		h.logger.Printf("installation_repositories %s failed delivery=%s: %v", p.Action, delivery, err)
		http.Error(w, "installation update failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *GitHubHandler) handleRelease(w http.ResponseWriter, r *http.Request, delivery string, p github.ReleasePayload, rawBody []byte) {
	if p.Action != "published" || p.Release.Draft {
		// Valid GitHub traffic that does not apply here. A failure status
		// would make GitHub retry a delivery that can never apply.
		w.WriteHeader(http.StatusOK)
		return
	}

	// The typed release payload drops the installation object; recover the
	// id from the raw body.
	installationID, _, err := githubapp.InstallationIDFromPayload(rawBody)
	if err != nil {
		installationID = 0
	}

	// Release.Body is a pointer in the payload type; nil means no notes.
	changelog := ""
	if p.Release.Body != nil {
		changelog = *p.Release.Body
	}

	event := builds.ReleaseEvent{
		Action:         p.Action,
		RepoID:         p.Repository.ID,
		RepoFullName:   p.Repository.FullName,
		InstallationID: installationID,
		ReleaseID:      p.Release.ID,
		TagName:        p.Release.TagName,
		TarballURL:     p.Release.TarballURL,
		Draft:          p.Release.Draft,
		Prerelease:     p.Release.Prerelease,
		Changelog:      changelog,
	}
	result, err := h.buildSink.HandleRelease(r.Context(), event)
	if err != nil {
		// Storage errors are retryable: idempotency makes a redelivery safe.
		h.logger.Printf("release handling failed delivery=%s repo=%d release=%d: %v", delivery, event.RepoID, event.ReleaseID, err)
		http.Error(w, "release handling failed", http.StatusInternalServerError)
		return
	}
	if result == nil {
		h.logger.Printf("release ignored delivery=%s repo=%d: no plugin associated", delivery, event.RepoID)
		w.WriteHeader(http.StatusOK)
		return
	}
	switch {
	case result.AlreadyBuilt:
		h.logger.Printf("release already built delivery=%s build=%s", delivery, result.BuildID)
	case result.InProgress:
		h.logger.Printf("release build in progress delivery=%s build=%s", delivery, result.BuildID)
	default:
		h.logger.Printf("build created delivery=%s build=%s version=%s", delivery, result.BuildID, result.Version)
	}
	w.WriteHeader(http.StatusOK)
}
