package githubapp

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "app.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, key
}

// TestAppJWT tests that the minted JWT carries the backdated iat, the ten
// minute exp, the app id as issuer, and a signature the App key verifies.
func TestAppJWT(t *testing.T) {
	path, key := writeTestKey(t)
	broker := NewBroker(Config{AppID: 4242, PrivateKeyPath: path})

	token, err := broker.AppJWT()
	if err != nil {
		t.Fatalf("mint jwt: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 JWT segments, got %d", len(parts))
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	var header struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if header.Alg != "RS256" || header.Typ != "JWT" {
		t.Fatalf("unexpected header %+v", header)
	}

	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims struct {
		Iat int64 `json:"iat"`
		Exp int64 `json:"exp"`
		Iss int64 `json:"iss"`
	}
	if err := json.Unmarshal(claimsRaw, &claims); err != nil {
		t.Fatalf("parse claims: %v", err)
	}
	if claims.Iss != 4242 {
		t.Fatalf("expected issuer 4242, got %d", claims.Iss)
	}
	now := time.Now().Unix()
	if claims.Iat > now-55 || claims.Iat < now-70 {
		t.Fatalf("expected iat about 60s in the past, got %d (now %d)", claims.Iat, now)
	}
	if claims.Exp-claims.Iat != 660 {
		t.Fatalf("expected exp 10 minutes after the backdated iat, got span %d", claims.Exp-claims.Iat)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	hash := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, hash[:], sig); err != nil {
		t.Fatalf("verify signature: %v", err)
	}
}

func TestConfigured(t *testing.T) {
	if (&Broker{}).Configured() {
		t.Fatalf("expected unconfigured broker")
	}
	broker := NewBroker(Config{AppID: 1, PrivateKeyPath: "/tmp/key.pem"})
	if !broker.Configured() {
		t.Fatalf("expected configured broker")
	}
}

func TestInstallationToken(t *testing.T) {
	path, _ := writeTestKey(t)

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/77/access_tokens" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"ghs_abc","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	broker := NewBroker(Config{AppID: 1, PrivateKeyPath: path, BaseURL: server.URL})
	token, err := broker.InstallationToken(context.Background(), 77)
	if err != nil {
		t.Fatalf("installation token: %v", err)
	}
	if token.Value != "ghs_abc" {
		t.Fatalf("expected token value, got %q", token.Value)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("expected bearer App JWT, got %q", gotAuth)
	}
}

func TestFindRepoInstallationNotInstalled(t *testing.T) {
	path, _ := writeTestKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	broker := NewBroker(Config{AppID: 1, PrivateKeyPath: path, BaseURL: server.URL})
	if _, err := broker.FindRepoInstallation(context.Background(), "acme", "widget"); err != ErrNotInstalled {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestAuthenticatedTarballURL(t *testing.T) {
	got := AuthenticatedTarballURL("https://api.github.com/repos/a/b/tarball/v1.0.0", "ghs_tok")
	if got != "https://api.github.com/repos/a/b/tarball/v1.0.0?token=ghs_tok" {
		t.Fatalf("unexpected url %q", got)
	}
	if got := AuthenticatedTarballURL("https://example.com/t?ref=x", "tok"); !strings.Contains(got, "ref=x") || !strings.Contains(got, "token=tok") {
		t.Fatalf("expected both params, got %q", got)
	}
	if got := AuthenticatedTarballURL("https://example.com/t", ""); got != "https://example.com/t" {
		t.Fatalf("expected untouched url, got %q", got)
	}
}

func TestParsePrivateKeyPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	parsed, err := ParsePrivateKey(pemBytes)
	if err != nil {
		t.Fatalf("parse pkcs8 key: %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Fatalf("parsed key does not match")
	}
}
