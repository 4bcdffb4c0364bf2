package coordlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestCommandSendsProjectScopedPath(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["command_type"] != "deploy" {
			t.Fatalf("command_type = %v, want deploy", body["command_type"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(AdmissionResult{
			Command: Command{CommandID: "cmd-1", Status: "PENDING"},
			Card:    Card{CardID: "card-1", State: "READY"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "proj-1")
	res, err := c.RequestCommand(context.Background(), "corr-1", "deploy", "deploy", nil, 0)
	if err != nil {
		t.Fatalf("request command: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/v0/projects/proj-1/commands" {
		t.Fatalf("path = %s, want /v0/projects/proj-1/commands", gotPath)
	}
	if res.Card.State != "READY" {
		t.Fatalf("card state = %s, want READY", res.Card.State)
	}
}

func TestDoReturnsAPIErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "proj-1")
	_, err := c.GetArtifact(context.Background(), "missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", apiErr.StatusCode)
	}
}

func TestBearerTokenTakesPrecedenceOverAPIKey(t *testing.T) {
	var gotAuth, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Snapshot{Status: "pending"})
	}))
	defer srv.Close()

	c := New(srv.URL, "proj-1")
	c.BearerToken = "tok-123"
	c.APIKey = "key-456"
	if _, err := c.AwaitDecision(context.Background(), "dec-1"); err != nil {
		t.Fatalf("await decision: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("authorization = %q, want Bearer tok-123", gotAuth)
	}
	if gotAPIKey != "" {
		t.Fatalf("x-api-key = %q, want empty when bearer token set", gotAPIKey)
	}
}
