package azureopenai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deangilmoreremix/contactsfeature-sub000/engine"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

func TestClient_MapsAzureRequests(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("api-version"); got != "2024-05-01-preview" {
			t.Errorf("unexpected api-version: %q", got)
		}
		if r.Header.Get("api-key") != "azure-key" {
			t.Errorf("expected api-key header")
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("azure requests must not carry a bearer token")
		}
		paths = append(paths, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/openai/assistants":
			var req map[string]any
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("failed to decode request: %v", err)
			}
			if req["model"] != "dep" {
				t.Errorf("expected deployment as model, got %#v", req["model"])
			}
			_, _ = w.Write([]byte(`{"id":"asst_az"}`))
		case "/openai/threads":
			_, _ = w.Write([]byte(`{"id":"thread_az"}`))
		case "/openai/threads/thread_az/runs":
			_, _ = w.Write([]byte(`{"id":"run_az","thread_id":"thread_az","status":"completed"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	client, err := New("azure-key",
		WithEndpoint(ts.URL+"/"),
		WithDeployment("dep"),
		WithHTTPClient(ts.Client()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if client.Name() != "azureopenai" {
		t.Fatalf("unexpected name: %q", client.Name())
	}

	ctx := context.Background()
	sessionID, err := client.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	run, err := client.CreateRun(ctx, engine.RunRequest{SessionID: sessionID, Goal: "qualify"})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.Status != types.RunCompleted {
		t.Fatalf("unexpected status: %s", run.Status)
	}
	want := []string{"POST /openai/threads", "POST /openai/assistants", "POST /openai/threads/thread_az/runs"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected calls: %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestNew_RequiresSettings(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := New("k", WithDeployment("dep")); err == nil {
		t.Fatal("expected missing endpoint error")
	}
	if _, err := New("k", WithEndpoint("https://x.openai.azure.com")); err == nil {
		t.Fatal("expected missing deployment error")
	}
}
