// Package builder is the client side of the external builder collaborator:
// the service that fetches a release tarball, compiles the plugin, and
// reports the outcome back over the callback endpoint.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pluginhub/pkg/builds"
)

// Builder hands a build job to the external builder. The call only starts
// the build; completion arrives asynchronously via the callback.
type Builder interface {
	TriggerBuild(ctx context.Context, job builds.Job) error
}

// Config holds the builder endpoint settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPBuilder posts jobs to the builder's /builds endpoint.
type HTTPBuilder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBuilder constructs the client.
func NewHTTPBuilder(cfg Config) (*HTTPBuilder, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("builder base_url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBuilder{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// TriggerBuild submits the job. Non-2xx responses are hard errors; the
// dispatcher decides whether the build row fails or stays pending.
func (b *HTTPBuilder) TriggerBuild(ctx context.Context, job builds.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/builds", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("builder rejected job %s: %s", job.BuildID, strings.TrimSpace(string(body)))
	}
	return nil
}
