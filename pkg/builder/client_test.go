package builder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pluginhub/pkg/builds"
)

func TestTriggerBuildPostsJob(t *testing.T) {
	var got builds.Job
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/builds" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Fatalf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := NewHTTPBuilder(Config{BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	job := builds.Job{BuildID: "b-1", PluginID: "p-1", Version: "1.2.3", TarballURL: "https://example.com/t"}
	if err := client.TriggerBuild(context.Background(), job); err != nil {
		t.Fatalf("trigger build: %v", err)
	}
	if got.BuildID != "b-1" || got.Version != "1.2.3" {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestTriggerBuildNon2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewHTTPBuilder(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	if err := client.TriggerBuild(context.Background(), builds.Job{BuildID: "b-1"}); err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestNewHTTPBuilderRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPBuilder(Config{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
