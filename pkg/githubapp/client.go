package githubapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Release is the subset of a GitHub release the build pipeline consumes.
type Release struct {
	ID         int64
	TagName    string
	TarballURL string
	Body       string
	Draft      bool
	Prerelease bool
}

// NewInstallationClient exchanges an installation token and wraps it in the
// official GitHub SDK client.
func (b *Broker) NewInstallationClient(ctx context.Context, installationID int64) (*gh.Client, error) {
	token, err := b.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value})
	httpClient := oauth2.NewClient(ctx, ts)

	if b.baseURL != defaultBaseURL {
		client, err := gh.NewEnterpriseClient(b.baseURL, b.baseURL, httpClient)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return gh.NewClient(httpClient), nil
}

// LatestRelease fetches a repository's latest published release using an
// installation-scoped client. ErrNoReleases when the repo has none.
func (b *Broker) LatestRelease(ctx context.Context, installationID int64, fullName string) (*Release, error) {
	owner, repo, err := SplitFullName(fullName)
	if err != nil {
		return nil, err
	}
	client, err := b.NewInstallationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}
	release, resp, err := client.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrNoReleases
		}
		return nil, fmt.Errorf("github latest release lookup: %w", err)
	}
	return &Release{
		ID:         release.GetID(),
		TagName:    release.GetTagName(),
		TarballURL: release.GetTarballURL(),
		Body:       release.GetBody(),
		Draft:      release.GetDraft(),
		Prerelease: release.GetPrerelease(),
	}, nil
}

// SplitFullName splits an "owner/repo" name.
func SplitFullName(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("repository full name must be owner/repo")
	}
	return parts[0], parts[1], nil
}
