package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agenthq/server/internal/authstore"
	"github.com/agenthq/server/internal/domain"
	"github.com/agenthq/server/internal/protocol"
)

const (
	minCols = 20
	minRows = 5
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- Auth endpoints ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId,omitempty"`
}

// handleLogin authenticates a username/password pair. When a deviceId is
// supplied and that device has no PIN registered yet, the response is the
// opaque-but-distinguished 428 the device-PIN onboarding flow needs, per
// the one carve-out in the otherwise uniform authentication error surface.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID, err := s.authStore.Login(req.Username, req.Password, s.cfg.SessionTTL)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if req.DeviceID != "" {
		hasPin, err := s.authStore.HasDevicePin(req.DeviceID)
		if err == nil && !hasPin {
			writeJSON(w, http.StatusPreconditionRequired, map[string]any{"devicePinRequired": true})
			return
		}
	}

	authstore.SetCookie(w, sessionID, s.cfg.SessionTTL, authstore.IsSecureRequest(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginPinRequest struct {
	DeviceID string `json:"deviceId"`
	Pin      string `json:"pin"`
}

func (s *Server) handleLoginWithPin(w http.ResponseWriter, r *http.Request) {
	var req loginPinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validPin(req.Pin) {
		writeError(w, http.StatusBadRequest, "pin must be 4-8 digits")
		return
	}

	sessionID, err := s.authStore.LoginWithDevicePin(req.DeviceID, req.Pin, s.cfg.SessionTTL)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid device or pin")
		return
	}

	authstore.SetCookie(w, sessionID, s.cfg.SessionTTL, authstore.IsSecureRequest(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if userID, ok := s.authStore.Authenticate(r.Header.Get("Cookie")); ok {
		_ = userID
	}
	authstore.ClearCookie(w, authstore.IsSecureRequest(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type devicePinRequest struct {
	DeviceID string `json:"deviceId"`
	Pin      string `json:"pin"`
	Password string `json:"password"`
	Username string `json:"username"`
}

func (s *Server) handleSetDevicePin(w http.ResponseWriter, r *http.Request) {
	var req devicePinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.DeviceID) < 16 || len(req.DeviceID) > 200 {
		writeError(w, http.StatusBadRequest, "deviceId must be 16-200 characters")
		return
	}
	if !validPin(req.Pin) {
		writeError(w, http.StatusBadRequest, "pin must be 4-8 digits")
		return
	}

	userID, ok := s.authStore.Authenticate(r.Header.Get("Cookie"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	if err := s.authStore.UpsertDevicePin(req.DeviceID, userID, req.Pin); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set device pin")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validPin(pin string) bool {
	trimmed := pin
	for len(trimmed) > 0 && trimmed[0] == ' ' {
		trimmed = trimmed[1:]
	}
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == ' ' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	if len(trimmed) < 4 || len(trimmed) > 8 {
		return false
	}
	for _, c := range trimmed {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// --- Worktree / process endpoints (§4.6) ---

// handleCreateWorktree creates a branch worktree for an existing repo and
// asks its daemon to materialise it on disk. On send failure the record
// created in this request is deleted before returning 500.
func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	repoName := chi.URLParam(r, "name")

	envID := r.URL.Query().Get("envId")
	if envID == "" {
		envID = domain.LocalEnvironmentID
	}
	if !s.envs.IsConnected(envID) {
		writeError(w, http.StatusBadRequest, "environment is not connected")
		return
	}
	repo, ok := s.repos.Get(envID, repoName)
	if !ok {
		writeError(w, http.StatusNotFound, "repo not found")
		return
	}

	id, err := domain.GenerateID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate worktree id")
		return
	}
	branch := "agent/" + id
	wt := s.worktrees.Create(id, repoName, branch, envID)

	ok = s.daemons.SendToEnv(envID, protocol.ServerCreateWorktree, protocol.CreateWorktreePayload{
		WorktreeID: wt.ID,
		RepoName:   repoName,
		RepoPath:   repo.Path,
	})
	if !ok {
		s.worktrees.Delete(wt.ID)
		writeError(w, http.StatusInternalServerError, "failed to reach daemon")
		return
	}

	s.browsers.BroadcastWorktreeUpdate(wt)
	writeJSON(w, http.StatusCreated, wt)
}

// handleRemoveWorktree kills every running/pending process in the worktree,
// asks the daemon to remove its checkout, then deletes the record.
func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	wt, ok := s.worktrees.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "worktree not found")
		return
	}
	if wt.IsMain {
		writeError(w, http.StatusBadRequest, "cannot remove the main worktree")
		return
	}

	for _, proc := range s.processes.ListForWorktree(id) {
		if proc.Status == domain.ProcessPending || proc.Status == domain.ProcessRunning {
			s.daemons.SendToEnv(proc.EnvID, protocol.ServerKill, protocol.KillPayload{ProcessID: proc.ID})
		}
	}

	s.daemons.SendToEnv(wt.EnvID, protocol.ServerRemoveWorktree, protocol.RemoveWorktreePayload{
		WorktreeID:   wt.ID,
		WorktreePath: wt.Path,
	})

	s.worktrees.Delete(id)
	s.browsers.BroadcastWorktreeRemoved(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type spawnRequest struct {
	Agent    string `json:"agent"`
	Task     string `json:"task,omitempty"`
	Cols     int    `json:"cols"`
	Rows     int    `json:"rows"`
	YoloMode bool   `json:"yoloMode,omitempty"`
}

// handleSpawnProcess validates terminal dimensions and worktree readiness,
// creates a pending process record, and asks the daemon to spawn it. On
// send failure the record is rolled back and a 500 returned.
func (s *Server) handleSpawnProcess(w http.ResponseWriter, r *http.Request) {
	worktreeID := chi.URLParam(r, "id")

	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validDimension(req.Cols, minCols) || !validDimension(req.Rows, minRows) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("cols must be >= %d and rows >= %d", minCols, minRows))
		return
	}

	wt, ok := s.worktrees.Get(worktreeID)
	if !ok {
		writeError(w, http.StatusNotFound, "worktree not found")
		return
	}
	if !wt.Ready() {
		writeError(w, http.StatusBadRequest, "worktree is not ready")
		return
	}
	if !s.envs.IsConnected(wt.EnvID) {
		writeError(w, http.StatusBadRequest, "environment is not connected")
		return
	}

	processID, err := domain.GenerateID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate process id")
		return
	}
	proc := s.processes.Create(processID, wt.ID, wt.EnvID, req.Agent, req.Cols, req.Rows)

	ok = s.daemons.SendToEnv(wt.EnvID, protocol.ServerSpawn, protocol.SpawnPayload{
		ProcessID:    proc.ID,
		WorktreeID:   wt.ID,
		WorktreePath: wt.Path,
		Agent:        req.Agent,
		Task:         req.Task,
		Cols:         req.Cols,
		Rows:         req.Rows,
		YoloMode:     req.YoloMode,
	})
	if !ok {
		s.processes.Delete(proc.ID)
		writeError(w, http.StatusInternalServerError, "failed to reach daemon")
		return
	}

	s.browsers.BroadcastProcessUpdate(proc)
	writeJSON(w, http.StatusCreated, proc)
}

func validDimension(v, min int) bool {
	return v >= min && !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}

// handleRemoveProcess either kills the process's daemon-side PTY (the
// default) or, with ?remove=true, deletes the record and its buffer and
// announces the removal.
func (s *Server) handleRemoveProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	proc, ok := s.processes.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}

	if r.URL.Query().Get("remove") == "true" {
		s.processes.Delete(id)
		s.browsers.BroadcastProcessRemoved(id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	s.daemons.SendToEnv(proc.EnvID, protocol.ServerKill, protocol.KillPayload{ProcessID: id})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type diffMergeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// handleWorktreeDiff spawns a short-lived diff process using the same path
// as a regular spawn, wrapping a diff command as the agent's task.
func (s *Server) handleWorktreeDiff(w http.ResponseWriter, r *http.Request) {
	s.spawnSyntheticScript(w, r, "diff", "git --no-pager diff")
}

// handleWorktreeMerge spawns a short-lived merge process the same way.
func (s *Server) handleWorktreeMerge(w http.ResponseWriter, r *http.Request) {
	s.spawnSyntheticScript(w, r, "merge", "git merge --no-edit")
}

func (s *Server) spawnSyntheticScript(w http.ResponseWriter, r *http.Request, agent, script string) {
	worktreeID := chi.URLParam(r, "id")

	var req diffMergeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}
	if !validDimension(req.Cols, minCols) || !validDimension(req.Rows, minRows) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("cols must be >= %d and rows >= %d", minCols, minRows))
		return
	}

	wt, ok := s.worktrees.Get(worktreeID)
	if !ok {
		writeError(w, http.StatusNotFound, "worktree not found")
		return
	}
	if !wt.Ready() {
		writeError(w, http.StatusBadRequest, "worktree is not ready")
		return
	}
	if !s.envs.IsConnected(wt.EnvID) {
		writeError(w, http.StatusBadRequest, "environment is not connected")
		return
	}

	processID, err := domain.GenerateID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate process id")
		return
	}
	proc := s.processes.Create(processID, wt.ID, wt.EnvID, agent, req.Cols, req.Rows)

	ok = s.daemons.SendToEnv(wt.EnvID, protocol.ServerSpawn, protocol.SpawnPayload{
		ProcessID:    proc.ID,
		WorktreeID:   wt.ID,
		WorktreePath: wt.Path,
		Agent:        agent,
		Task:         script,
		Cols:         req.Cols,
		Rows:         req.Rows,
	})
	if !ok {
		s.processes.Delete(proc.ID)
		writeError(w, http.StatusInternalServerError, "failed to reach daemon")
		return
	}

	s.browsers.BroadcastProcessUpdate(proc)
	writeJSON(w, http.StatusCreated, map[string]string{"processId": proc.ID})
}
