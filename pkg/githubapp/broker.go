// Package githubapp brokers the two GitHub App credential kinds: the
// short-lived RS256 App JWT that identifies the App itself, and the
// ~1 hour installation access token exchanged from it. The two are never
// interchangeable; the JWT only ever buys tokens and App-level lookups.
package githubapp

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// ErrNotInstalled is returned when a repository has no App installation.
var ErrNotInstalled = errors.New("github app is not installed on repository")

// ErrNoReleases is returned when a repository has no published releases.
var ErrNoReleases = errors.New("repository has no releases")

// Config contains GitHub App authentication settings.
type Config struct {
	AppID          int64
	PrivateKeyPath string
	BaseURL        string
	Timeout        time.Duration
}

// Token is an installation access token with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Broker mints App JWTs and exchanges them for installation tokens. The
// private key is loaded once; JWTs are minted fresh per use because GitHub
// rejects anything expiring more than ten minutes out.
type Broker struct {
	appID    int64
	keyPath  string
	baseURL  string
	client   *http.Client
	keyOnce  sync.Once
	key      *rsa.PrivateKey
	keyError error
}

// NewBroker constructs a Broker. Configured reports false when App
// credentials are absent, which disables authenticated operations.
func NewBroker(cfg Config) *Broker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Broker{
		appID:   cfg.AppID,
		keyPath: cfg.PrivateKeyPath,
		baseURL: normalizeBaseURL(cfg.BaseURL),
		client:  &http.Client{Timeout: timeout},
	}
}

// Configured reports whether App credentials are present.
func (b *Broker) Configured() bool {
	return b != nil && b.appID != 0 && b.keyPath != ""
}

// AppJWT mints a fresh App JWT: iat backdated 60s for clock skew, exp the
// full 10 minutes GitHub allows, iss the App id.
func (b *Broker) AppJWT() (string, error) {
	key, err := b.privateKey()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := map[string]interface{}{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": b.appID,
	}
	header := map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
	}
	encodedHeader, err := encodeSegment(header)
	if err != nil {
		return "", err
	}
	encodedClaims, err := encodeSegment(claims)
	if err != nil {
		return "", err
	}
	unsigned := encodedHeader + "." + encodedClaims
	hash := sha256.Sum256([]byte(unsigned))
	signature, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	encodedSig := base64.RawURLEncoding.EncodeToString(signature)
	return unsigned + "." + encodedSig, nil
}

// InstallationToken exchanges an App JWT for an installation access token.
// Exchange failure is a hard error; there is no fallback for authenticated
// operations.
func (b *Broker) InstallationToken(ctx context.Context, installationID int64) (Token, error) {
	if installationID == 0 {
		return Token{}, errors.New("installation id is required")
	}
	jwt, err := b.AppJWT()
	if err != nil {
		return Token{}, err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", b.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return Token{}, fmt.Errorf("github token exchange failed: %s", strings.TrimSpace(string(body)))
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, err
	}
	if out.Token == "" {
		return Token{}, errors.New("github installation token missing from response")
	}
	return Token{Value: out.Token, ExpiresAt: out.ExpiresAt}, nil
}

// FindRepoInstallation looks up the installation id covering a repository,
// authorized by App JWT. ErrNotInstalled when GitHub reports none.
func (b *Broker) FindRepoInstallation(ctx context.Context, owner, repo string) (int64, error) {
	jwt, err := b.AppJWT()
	if err != nil {
		return 0, err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/installation", b.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrNotInstalled
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("github installation lookup failed: %s", strings.TrimSpace(string(body)))
	}
	var payload struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	if payload.ID == 0 {
		return 0, ErrNotInstalled
	}
	return payload.ID, nil
}

// AuthenticatedTarballURL appends the installation token to a tarball URL
// as a query parameter, authorizing snapshot downloads of private repos.
func AuthenticatedTarballURL(tarballURL, token string) string {
	if token == "" || tarballURL == "" {
		return tarballURL
	}
	parsed, err := url.Parse(tarballURL)
	if err != nil {
		return tarballURL
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func (b *Broker) privateKey() (*rsa.PrivateKey, error) {
	b.keyOnce.Do(func() {
		keyBytes, err := os.ReadFile(b.keyPath)
		if err != nil {
			b.keyError = err
			return
		}
		key, err := ParsePrivateKey(keyBytes)
		if err != nil {
			b.keyError = err
			return
		}
		b.key = key
	})
	if b.keyError != nil {
		return nil, b.keyError
	}
	if b.key == nil {
		return nil, errors.New("github private key not loaded")
	}
	return b.key, nil
}

// ParsePrivateKey decodes a PEM-encoded RSA private key in either PKCS#1
// (what GitHub issues) or PKCS#8 form.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("github private key PEM decode failed")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	typed, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github private key is not RSA")
	}
	return typed, nil
}

func encodeSegment(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}
