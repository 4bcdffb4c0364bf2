package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/coordline-dev/coordline/internal/artifacts"
	"github.com/coordline-dev/coordline/internal/config"
	"github.com/coordline-dev/coordline/internal/db"
	"github.com/coordline-dev/coordline/internal/domain"
	"github.com/coordline-dev/coordline/internal/engine"
	"github.com/coordline-dev/coordline/internal/migrate"
	"github.com/coordline-dev/coordline/internal/repo"
	"github.com/coordline-dev/coordline/internal/sweeper"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, artifacts.NewLocalProvider(dir+"/blobs"))
	sw := sweeper.New(conn, eng.Log, sweeper.Thresholds{DeferCount: cfg.Decisions.DeferThreshold, EmergencyCount: cfg.Decisions.EmergencyThreshold}, nil)

	handler, err := New(Config{
		Engine:   eng,
		Sweeper:  sw,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyUserHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			_ = srv.Shutdown(context.Background())
			_ = ln.Close()
			_ = conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "owner-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestAdmissionAndDecisionFlow(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"tenant_id": "tenant-1", "project_id": "proj-1", "name": "test",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("init project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/members", map[string]any{
		"user_id": "bot-1", "role": "bot",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add bot member: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/commands", map[string]any{
		"correlation_id": "corr-1", "title": "deploy", "command_type": "deploy",
	}, map[string]string{"X-User-Id": "bot-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request command: %d %s", res.StatusCode, string(data))
	}
	var admitted struct {
		Command domain.Command `json:"command"`
		Card    domain.Card    `json:"card"`
	}
	if err := json.Unmarshal(data, &admitted); err != nil {
		t.Fatalf("unmarshal admission: %v", err)
	}
	if admitted.Card.State != "READY" {
		t.Fatalf("card state = %s, want READY", admitted.Card.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/commands/"+admitted.Command.CommandID+"/runs",
		map[string]any{"card_id": admitted.Card.CardID, "executor": "worker-1"}, map[string]string{"X-User-Id": "bot-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start run: %d %s", res.StatusCode, string(data))
	}
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatalf("unmarshal run: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/decisions", map[string]any{
		"card_id": admitted.Card.CardID, "command_id": admitted.Command.CommandID, "run_id": run.RunID,
		"correlation_id": "corr-1", "urgency": "today", "title": "pick region",
		"options": []map[string]any{{"key": "us-east", "label": "US East"}, {"key": "eu-west", "label": "EU West"}},
	}, map[string]string{"X-User-Id": "bot-1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request decision: %d %s", res.StatusCode, string(data))
	}
	var d domain.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/decisions/"+d.DecisionID+"/claim", nil,
		map[string]string{"X-User-Id": "owner-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim decision: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-1/decisions/"+d.DecisionID+"/render",
		map[string]any{"option_key": "us-east"}, map[string]string{"X-User-Id": "owner-1"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("render decision: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-1/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("project status: %d %s", res.StatusCode, string(data))
	}
	var status repo.ProjectStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.CardsByState["RUNNING"] != 1 {
		t.Fatalf("cards_by_state[RUNNING] = %d, want 1", status.CardsByState["RUNNING"])
	}
}

// TestDecisionScopeIsolation covers §4.6/§8's "cross-project fetch
// yields NotFound": an operator who belongs to project A must not be
// able to claim, render, renew, or await a decision that belongs to
// project B by addressing it through project A's path prefix.
func TestDecisionScopeIsolation(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"tenant_id": "tenant-1", "project_id": "proj-a", "name": "a",
	}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"tenant_id": "tenant-1", "project_id": "proj-b", "name": "b",
	}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-a/members", map[string]any{
		"user_id": "owner-1", "role": "owner",
	}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-b/members", map[string]any{
		"user_id": "owner-1", "role": "owner",
	}, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-b/commands", map[string]any{
		"correlation_id": "corr-b", "title": "deploy", "command_type": "deploy",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request command in proj-b: %d %s", res.StatusCode, string(data))
	}
	var admitted struct {
		Command domain.Command `json:"command"`
		Card    domain.Card    `json:"card"`
	}
	if err := json.Unmarshal(data, &admitted); err != nil {
		t.Fatalf("unmarshal admission: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/proj-b/decisions", map[string]any{
		"card_id": admitted.Card.CardID, "command_id": admitted.Command.CommandID,
		"correlation_id": "corr-b", "urgency": "today", "title": "pick region",
		"options": []map[string]any{{"key": "us-east", "label": "US East"}},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request decision in proj-b: %d %s", res.StatusCode, string(data))
	}
	var d domain.Decision
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}

	base := srv.URL + "/v0/projects/proj-a/decisions/" + d.DecisionID
	cases := []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, base + "/claim", nil},
		{http.MethodPost, base + "/claim/renew", nil},
		{http.MethodPost, base + "/render", map[string]any{"option_key": "us-east"}},
		{http.MethodGet, base + "/await", nil},
	}
	for _, c := range cases {
		res, data := doJSON(t, client, c.method, c.path, c.body, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s cross-project = %d %s, want 404", c.method, c.path, res.StatusCode, string(data))
		}
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	srv := newTestServer(t)
	client := srv.client

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"tenant_id": "tenant-1", "project_id": "proj-a", "name": "a",
	}, nil)

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/proj-a/artifacts/does-not-exist", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}
