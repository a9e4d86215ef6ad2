package server

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agenthq/server/internal/configstore"
	"github.com/agenthq/server/internal/domain"
	"github.com/agenthq/server/internal/protocol"
)

// DaemonHub owns one inbound connection per environment and routes its
// frames into the domain stores, fanning state changes out to the browser
// hub. At most one connection is authoritative per environment id; a new
// registration for the same id supersedes the previous socket.
type DaemonHub struct {
	upgrader websocket.Upgrader
	token    func() string

	envs       *domain.EnvironmentStore
	repos      *domain.RepoStore
	worktrees  *domain.WorktreeStore
	processes  *domain.ProcessStore
	configured *configstore.Store
	browsers   *BrowserHub

	mu    sync.Mutex
	byEnv map[string]*conn
}

// NewDaemonHub wires a daemon hub against the shared domain stores and the
// browser hub it fans updates out through. token is re-read on every
// connection attempt so a rotated auth token takes effect immediately.
func NewDaemonHub(
	envs *domain.EnvironmentStore,
	repos *domain.RepoStore,
	worktrees *domain.WorktreeStore,
	processes *domain.ProcessStore,
	configured *configstore.Store,
	browsers *BrowserHub,
	readBuf, writeBuf int,
) *DaemonHub {
	return &DaemonHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		token:      configured.DaemonAuthToken,
		envs:       envs,
		repos:      repos,
		worktrees:  worktrees,
		processes:  processes,
		configured: configured,
		browsers:   browsers,
		byEnv:      make(map[string]*conn),
	}
}

// SendToEnv serialises and writes msg to envId's daemon connection.
// Returns false if there is no live connection or the outbound queue is
// full; callers use a false return to roll back whatever domain state they
// just created.
func (h *DaemonHub) SendToEnv(envID, msgType string, payload any) bool {
	h.mu.Lock()
	c, ok := h.byEnv[envID]
	h.mu.Unlock()
	if !ok {
		return false
	}

	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		slog.Error("encode frame to daemon", "envId", envID, "type", msgType, "error", err)
		return false
	}
	return c.Send(frame)
}

// ServeHTTP upgrades /ws/daemon connections and runs this connection's read
// loop until it disconnects. The token is checked before upgrading; a
// missing server token or a wrong client token still completes the upgrade
// so the socket can be closed with code 4003 or 4001.
func (h *DaemonHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	configured := h.token()
	if configured == "" {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(ws)
		c.CloseWithCode(4003, "daemon auth not configured")
		return
	}

	if r.URL.Query().Get("token") != configured {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newConn(ws)
		c.CloseWithCode(4001, "invalid daemon token")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("daemon websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws)
	h.readLoop(c)
}

// readLoop is this connection's logical reader: one frame at a time, until
// the socket closes, read fails, or the framing layer fails to parse — it
// never exits because of a frame's contents.
func (h *DaemonHub) readLoop(c *conn) {
	var envID string
	defer func() {
		c.Close()
		if envID != "" {
			h.handleDisconnect(envID, c)
		}
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		msgType, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			slog.Debug("daemon sent invalid frame", "error", err)
			continue
		}

		if msgType == protocol.DaemonRegister {
			envID = h.handleRegister(raw, c)
			continue
		}

		if envID == "" {
			slog.Debug("daemon frame before register, dropping", "type", msgType)
			continue
		}

		h.dispatch(envID, msgType, raw)
	}
}

func (h *DaemonHub) handleRegister(raw []byte, c *conn) string {
	var p protocol.RegisterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Debug("invalid register frame", "error", err)
		return ""
	}

	envID := h.configured.MatchEnvironment(p.EnvID, p.EnvName, p.VMName)
	if envID == "" {
		envID = p.EnvID
	}

	h.mu.Lock()
	previous := h.byEnv[envID]
	h.byEnv[envID] = c
	h.mu.Unlock()

	if previous != nil && previous != c {
		previous.CloseWithCode(1000, "daemon replaced")
	}

	h.envs.Register(envID, p.EnvName, p.Capabilities, c)
	h.browsers.BroadcastEnvUpdate(h.snapshotEnvironments())

	h.SendToEnv(envID, protocol.ServerListRepos, struct{}{})
	return envID
}

func (h *DaemonHub) dispatch(envID, msgType string, raw []byte) {
	switch msgType {
	case protocol.DaemonHeartbeat:
		h.envs.Heartbeat(envID)

	case protocol.DaemonPTYData:
		h.handlePTYData(envID, raw)

	case protocol.DaemonPTYSize:
		var p protocol.PTYSizePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid pty-size frame", "error", err)
			return
		}
		h.browsers.SendToSubscribers(p.ProcessID, protocol.ToBrowserPTYSize, protocol.ToBrowserPTYSizePayload{
			ProcessID: p.ProcessID, Cols: p.Cols, Rows: p.Rows,
		})

	case protocol.DaemonProcessStart:
		var p protocol.ProcessStartedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid process-started frame", "error", err)
			return
		}
		if proc, err := h.processes.Transition(p.ProcessID, domain.ProcessRunning, nil); err == nil {
			h.browsers.BroadcastProcessUpdate(proc)
		}

	case protocol.DaemonProcessExit:
		var p protocol.ProcessExitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid process-exit frame", "error", err)
			return
		}
		exitCode := p.ExitCode
		if proc, err := h.processes.Transition(p.ProcessID, domain.ProcessStopped, &exitCode); err == nil {
			h.browsers.BroadcastProcessUpdate(proc)
		}

	case protocol.DaemonWorktreeReady:
		var p protocol.WorktreeReadyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid worktree-ready frame", "error", err)
			return
		}
		if wt, ok := h.worktrees.MarkReady(p.WorktreeID, p.Path, p.Branch); ok {
			h.browsers.BroadcastWorktreeUpdate(wt)
		}

	case protocol.DaemonBranchChanged:
		var p protocol.BranchChangedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid branch-changed frame", "error", err)
			return
		}
		if wt, ok := h.worktrees.UpdateBranch(p.WorktreeID, p.Branch); ok {
			h.browsers.BroadcastWorktreeUpdate(wt)
		}

	case protocol.DaemonReposList:
		var p protocol.ReposListPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid repos-list frame", "error", err)
			return
		}
		repos := make([]domain.Repo, len(p.Repos))
		for i, r := range p.Repos {
			repos[i] = domain.Repo{Name: r.Name, Path: r.Path, DefaultBranch: r.DefaultBranch}
		}
		h.repos.ReplaceForEnv(envID, repos)
		for _, r := range repos {
			h.worktrees.RegisterMain(r.Name, r.Path, r.DefaultBranch, envID)
		}

	default:
		slog.Debug("unknown daemon frame type, skipping", "type", msgType)
	}
}

func (h *DaemonHub) handlePTYData(envID string, raw []byte) {
	var p protocol.PTYDataPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Debug("invalid pty-data frame", "error", err)
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		slog.Debug("invalid base64 in pty-data frame", "error", err)
		return
	}

	h.processes.AppendOutput(p.ProcessID, decoded)

	if proc, ok := h.processes.Get(p.ProcessID); ok && proc.Status == domain.ProcessPending {
		if updated, err := h.processes.Transition(p.ProcessID, domain.ProcessRunning, nil); err == nil {
			h.browsers.BroadcastProcessUpdate(updated)
		}
	}

	h.browsers.SendToSubscribers(p.ProcessID, protocol.ToBrowserPTYData, protocol.ToBrowserPTYDataPayload{
		ProcessID: p.ProcessID,
		Data:      string(decoded),
	})
}

// handleDisconnect runs the cascade described for a daemon socket closing:
// every pending/running process in envID's scope moves to stopped (buffers
// are preserved), the environment is unregistered, and one env-update is
// broadcast. A connection that a newer registration already superseded
// runs no cascade: the environment stays connected through its successor.
func (h *DaemonHub) handleDisconnect(envID string, c *conn) {
	h.mu.Lock()
	current, ok := h.byEnv[envID]
	if ok && current != c {
		h.mu.Unlock()
		return
	}
	if ok {
		delete(h.byEnv, envID)
	}
	h.mu.Unlock()

	for _, proc := range h.processes.ListForEnv(envID) {
		if proc.Status == domain.ProcessPending || proc.Status == domain.ProcessRunning {
			if updated, err := h.processes.Transition(proc.ID, domain.ProcessStopped, nil); err == nil {
				h.browsers.BroadcastProcessUpdate(updated)
			}
		}
	}

	h.envs.Unregister(envID)
	h.browsers.BroadcastEnvUpdate(h.snapshotEnvironments())
}

// snapshotEnvironments merges the persisted environment configs with their
// live runtime status for the env-update broadcast.
func (h *DaemonHub) snapshotEnvironments() []EnvironmentView {
	configured := h.configured.Environments()
	out := make([]EnvironmentView, 0, len(configured))
	for _, cfg := range configured {
		view := EnvironmentView{
			ID:   cfg.ID,
			Name: cfg.Name,
			Type: string(cfg.Type),
		}
		if rt, ok := h.envs.Get(cfg.ID); ok {
			view.Status = string(rt.Status)
			view.Capabilities = rt.Capabilities
			if rt.LastHeartbeat != nil {
				view.LastHeartbeat = rt.LastHeartbeat.Format(time.RFC3339)
			}
		} else {
			view.Status = string(domain.EnvironmentDisconnected)
		}
		out = append(out, view)
	}
	return out
}

// EnvironmentView is the env-update wire shape: the config/runtime merge
// the browser hub broadcasts on every registration and disconnect.
type EnvironmentView struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Status        string   `json:"status"`
	Capabilities  []string `json:"capabilities,omitempty"`
	LastHeartbeat string   `json:"lastHeartbeat,omitempty"`
}
