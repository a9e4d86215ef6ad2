package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenthq/server/internal/config"
)

func newHandlersTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{
		Port:                   0,
		Host:                   "127.0.0.1",
		AllowedOrigins:         []string{"*"},
		WorkspaceDir:           t.TempDir(),
		SessionTTL:             time.Hour,
		SessionCleanupInterval: time.Hour,
		ScryptN:                1 << 4,
		ScryptR:                8,
		ScryptP:                1,
		HTTPReadTimeout:        5 * time.Second,
		HTTPIdleTimeout:        30 * time.Second,
		WSReadBufferSize:       4096,
		WSWriteBufferSize:      4096,
		ProcessBufferSize:      1024,
		SeedUsername:           "operator",
		SeedPassword:           "correct horse battery staple",
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.authStore.Close() })

	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)

	return s, ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func TestNewSeedsMainWorktreeForLocalRepos(t *testing.T) {
	workspaceDir := t.TempDir()
	repoDir := filepath.Join(workspaceDir, "myrepo")
	if err := os.MkdirAll(filepath.Join(repoDir, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir repo: %v", err)
	}

	cfg := &config.Config{
		Port:                   0,
		Host:                   "127.0.0.1",
		AllowedOrigins:         []string{"*"},
		WorkspaceDir:           workspaceDir,
		SessionTTL:             time.Hour,
		SessionCleanupInterval: time.Hour,
		ScryptN:                1 << 4,
		ScryptR:                8,
		ScryptP:                1,
		HTTPReadTimeout:        5 * time.Second,
		HTTPIdleTimeout:        30 * time.Second,
		WSReadBufferSize:       4096,
		WSWriteBufferSize:      4096,
		ProcessBufferSize:      1024,
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.authStore.Close() })

	wt, ok := s.worktrees.Get("main-myrepo")
	if !ok {
		t.Fatalf("expected a main worktree to be seeded for the discovered local repo")
	}
	if !wt.IsMain || wt.Path != repoDir || !wt.Ready() {
		t.Fatalf("unexpected seeded main worktree: %+v", wt)
	}
}

func TestHandleHealth(t *testing.T) {
	_, ts := newHandlersTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleLoginRejectsBadCredentials(t *testing.T) {
	_, ts := newHandlersTestServer(t)

	resp := postJSON(t, ts, "/api/auth/login", map[string]string{
		"username": "operator",
		"password": "wrong",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleLoginSetsCookieOnSuccess(t *testing.T) {
	_, ts := newHandlersTestServer(t)

	resp := postJSON(t, ts, "/api/auth/login", map[string]string{
		"username": "operator",
		"password": "correct horse battery staple",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "agenthq_session" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected session cookie to be set")
	}
}

func TestHandleLoginRequiresDevicePinWhenMissing(t *testing.T) {
	_, ts := newHandlersTestServer(t)

	resp := postJSON(t, ts, "/api/auth/login", map[string]string{
		"username": "operator",
		"password": "correct horse battery staple",
		"deviceId": "device-without-pin",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionRequired {
		t.Fatalf("expected 428, got %d", resp.StatusCode)
	}

	var body map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body["devicePinRequired"] {
		t.Fatalf("expected devicePinRequired=true, got %+v", body)
	}
}

func TestHandleSpawnProcessRejectsUndersizedDimensions(t *testing.T) {
	s, ts := newHandlersTestServer(t)
	wt := s.worktrees.RegisterMain("myrepo", "/work/myrepo", "main", "local")

	resp := postJSON(t, ts, fmt.Sprintf("/api/worktrees/%s/processes", wt.ID), map[string]any{
		"agent": "claude",
		"cols":  5,
		"rows":  3,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for undersized dimensions, got %d", resp.StatusCode)
	}
}

func TestHandleSpawnProcessRejectsUnknownWorktree(t *testing.T) {
	_, ts := newHandlersTestServer(t)

	resp := postJSON(t, ts, "/api/worktrees/does-not-exist/processes", map[string]any{
		"agent": "claude",
		"cols":  80,
		"rows":  24,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleSpawnProcessFailsWithoutConnectedDaemon(t *testing.T) {
	s, ts := newHandlersTestServer(t)
	wt := s.worktrees.RegisterMain("myrepo", "/work/myrepo", "main", "local")

	resp := postJSON(t, ts, fmt.Sprintf("/api/worktrees/%s/processes", wt.ID), map[string]any{
		"agent": "claude",
		"cols":  80,
		"rows":  24,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 when environment is not connected, got %d", resp.StatusCode)
	}
}

func TestHandleCreateWorktreeRejectsUnknownRepo(t *testing.T) {
	_, ts := newHandlersTestServer(t)

	resp := postJSON(t, ts, "/api/repos/does-not-exist/worktrees", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 400 or 404 for a disconnected/unknown repo, got %d", resp.StatusCode)
	}
}

func TestHandleRemoveWorktreeRejectsMain(t *testing.T) {
	s, ts := newHandlersTestServer(t)
	wt := s.worktrees.RegisterMain("myrepo", "/work/myrepo", "main", "local")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/worktrees/"+wt.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE worktree: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for removing the main worktree, got %d", resp.StatusCode)
	}
}

func TestHandleRemoveProcessWithoutRemoveFlagKillsButKeepsRecord(t *testing.T) {
	s, ts := newHandlersTestServer(t)
	wt := s.worktrees.RegisterMain("myrepo", "/work/myrepo", "main", "local")
	proc := s.processes.Create("p-1", wt.ID, "local", "claude", 80, 24)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/processes/"+proc.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE process: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, ok := s.processes.Get(proc.ID); !ok {
		t.Fatalf("expected process record to survive a kill-only delete")
	}
}

func TestHandleRemoveProcessWithRemoveFlagDeletesRecord(t *testing.T) {
	s, ts := newHandlersTestServer(t)
	wt := s.worktrees.RegisterMain("myrepo", "/work/myrepo", "main", "local")
	proc := s.processes.Create("p-1", wt.ID, "local", "claude", 80, 24)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/processes/"+proc.ID+"?remove=true", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE process: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, ok := s.processes.Get(proc.ID); ok {
		t.Fatalf("expected process record to be removed")
	}
}

func TestHandleSetDevicePinRequiresAuthentication(t *testing.T) {
	_, ts := newHandlersTestServer(t)

	resp := postJSON(t, ts, "/api/auth/device-pin", map[string]string{
		"deviceId": "0123456789abcdef",
		"pin":      "1234",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session cookie, got %d", resp.StatusCode)
	}
}

func TestValidPin(t *testing.T) {
	tests := []struct {
		pin  string
		want bool
	}{
		{"1234", true},
		{"12345678", true},
		{" 1234 ", true},
		{"123", false},
		{"123456789", false},
		{"12a4", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validPin(tt.pin); got != tt.want {
			t.Errorf("validPin(%q) = %v, want %v", tt.pin, got, tt.want)
		}
	}
}
