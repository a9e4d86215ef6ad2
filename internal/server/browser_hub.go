package server

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agenthq/server/internal/authstore"
	"github.com/agenthq/server/internal/configstore"
	"github.com/agenthq/server/internal/domain"
	"github.com/agenthq/server/internal/protocol"
)

// BrowserHub owns every connected browser socket, the per-process
// subscription sets those sockets have attached to, and the reverse map
// from process id to subscribers used for pty-data/pty-size fan-out.
type BrowserHub struct {
	upgrader websocket.Upgrader
	auth     *authstore.Store

	envs      *domain.EnvironmentStore
	worktrees *domain.WorktreeStore
	processes *domain.ProcessStore
	daemons   *DaemonHub // set after construction, see SetDaemonHub

	mu            sync.RWMutex
	conns         map[*conn]map[string]struct{} // conn -> subscribed processIds
	subscribers   map[string]map[*conn]struct{} // processId -> subscribing conns
}

// NewBrowserHub wires a browser hub against the shared domain stores and
// the session auth store used to authenticate the upgrade request.
func NewBrowserHub(
	auth *authstore.Store,
	envs *domain.EnvironmentStore,
	worktrees *domain.WorktreeStore,
	processes *domain.ProcessStore,
	readBuf, writeBuf int,
) *BrowserHub {
	return &BrowserHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		auth:        auth,
		envs:        envs,
		worktrees:   worktrees,
		processes:   processes,
		conns:       make(map[*conn]map[string]struct{}),
		subscribers: make(map[string]map[*conn]struct{}),
	}
}

// SetDaemonHub wires the daemon hub this browser hub forwards input/resize
// frames through. The two hubs are constructed with a circular dependency
// (daemon hub broadcasts through the browser hub, browser hub forwards
// through the daemon hub), so this is set once after both exist.
func (h *BrowserHub) SetDaemonHub(d *DaemonHub) {
	h.daemons = d
}

// ServeHTTP authenticates the upgrade request via the session cookie and
// then runs this connection's read loop until it disconnects.
func (h *BrowserHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.auth.Authenticate(r.Header.Get("Cookie")); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("browser websocket upgrade failed", "error", err)
		return
	}

	c := newConn(ws)
	h.register(c)
	h.sendInitialState(c)
	h.readLoop(c)
}

func (h *BrowserHub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = make(map[string]struct{})
}

// sendInitialState delivers env-update, then one worktree-update per known
// worktree, then one process-update per known process — in that order, so
// the client never observes a worktree or process referencing an
// environment it hasn't heard about yet.
func (h *BrowserHub) sendInitialState(c *conn) {
	h.sendEnvUpdate(c, h.currentEnvironments())

	for _, wt := range h.worktrees.List() {
		h.send(c, protocol.ToBrowserWorktreeUpdate, wt)
	}
	for _, proc := range h.processesSnapshot() {
		h.send(c, protocol.ToBrowserProcessUpdate, proc)
	}
}

// currentEnvironments delegates to the daemon hub's config/runtime merge
// when one is wired; a browser hub used without a daemon hub (unit tests)
// falls back to whatever runtime records exist.
func (h *BrowserHub) currentEnvironments() []EnvironmentView {
	if h.daemons != nil {
		return h.daemons.snapshotEnvironments()
	}
	out := make([]EnvironmentView, 0)
	for _, rt := range h.envs.List() {
		out = append(out, EnvironmentView{
			ID:     rt.ID,
			Name:   rt.Name,
			Status: string(rt.Status),
		})
	}
	return out
}

func (h *BrowserHub) processesSnapshot() []domain.Process {
	var out []domain.Process
	for _, wt := range h.worktrees.List() {
		out = append(out, h.processes.ListForWorktree(wt.ID)...)
	}
	return out
}

func (h *BrowserHub) readLoop(c *conn) {
	defer func() {
		c.Close()
		h.unregister(c)
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		msgType, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			slog.Debug("browser sent invalid frame", "error", err)
			continue
		}

		h.dispatch(c, msgType, raw)
	}
}

func (h *BrowserHub) dispatch(c *conn, msgType string, raw []byte) {
	switch msgType {
	case protocol.BrowserAttach:
		var p protocol.AttachPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid attach frame", "error", err)
			return
		}
		h.attach(c, p.ProcessID, p.SkipBuffer)

	case protocol.BrowserDetach:
		var p protocol.DetachPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid detach frame", "error", err)
			return
		}
		h.detach(c, p.ProcessID)

	case protocol.BrowserInput:
		var p protocol.InputPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid input frame", "error", err)
			return
		}
		proc, ok := h.processes.Get(p.ProcessID)
		if !ok {
			return
		}
		h.daemons.SendToEnv(proc.EnvID, protocol.ServerPTYInput, protocol.PTYInputPayload{
			ProcessID: p.ProcessID,
			Data:      base64.StdEncoding.EncodeToString([]byte(p.Data)),
		})

	case protocol.BrowserResize:
		var p protocol.BrowserResizePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			slog.Debug("invalid resize frame", "error", err)
			return
		}
		proc, ok := h.processes.Get(p.ProcessID)
		if !ok {
			return
		}
		h.daemons.SendToEnv(proc.EnvID, protocol.ServerResize, protocol.ResizePayload{
			ProcessID: p.ProcessID, Cols: p.Cols, Rows: p.Rows,
		})

	default:
		slog.Debug("unknown browser frame type, ignoring", "type", msgType)
	}
}

func (h *BrowserHub) attach(c *conn, processID string, skipBuffer bool) {
	h.mu.Lock()
	if h.conns[c] == nil {
		h.mu.Unlock()
		return
	}
	h.conns[c][processID] = struct{}{}
	if h.subscribers[processID] == nil {
		h.subscribers[processID] = make(map[*conn]struct{})
	}
	h.subscribers[processID][c] = struct{}{}
	h.mu.Unlock()

	if !skipBuffer {
		backlog := h.processes.OutputBacklog(processID)
		h.send(c, protocol.ToBrowserPTYData, protocol.ToBrowserPTYDataPayload{
			ProcessID: processID,
			Data:      string(backlog),
		})
	}

	if proc, ok := h.processes.Get(processID); ok {
		h.send(c, protocol.ToBrowserProcessUpdate, proc)
	}
}

func (h *BrowserHub) detach(c *conn, processID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.conns[c]; ok {
		delete(subs, processID)
	}
	if subs, ok := h.subscribers[processID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.subscribers, processID)
		}
	}
}

func (h *BrowserHub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for processID := range h.conns[c] {
		if subs, ok := h.subscribers[processID]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.subscribers, processID)
			}
		}
	}
	delete(h.conns, c)
}

// subscriberSnapshot copies the current subscriber set for processID so
// fan-out never iterates the live map while deliveries are in flight.
func (h *BrowserHub) subscriberSnapshot(processID string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.subscribers[processID]
	out := make([]*conn, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

// allConnsSnapshot copies every currently registered browser connection.
func (h *BrowserHub) allConnsSnapshot() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *BrowserHub) send(c *conn, msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		slog.Error("encode frame to browser", "type", msgType, "error", err)
		return
	}
	if !c.Send(frame) {
		slog.Debug("browser outbound queue full, disconnecting", "type", msgType)
		c.Close()
	}
}

// SendToSubscribers delivers payload to every connection currently
// attached to processID. Used for pty-data and pty-size, which are
// per-subscriber rather than broadcast to every browser.
func (h *BrowserHub) SendToSubscribers(processID, msgType string, payload any) {
	for _, c := range h.subscriberSnapshot(processID) {
		h.send(c, msgType, payload)
	}
}

// broadcast delivers payload to every connected browser, used for
// env/worktree/process state changes visible to the whole session.
func (h *BrowserHub) broadcast(msgType string, payload any) {
	for _, c := range h.allConnsSnapshot() {
		h.send(c, msgType, payload)
	}
}

func (h *BrowserHub) sendEnvUpdate(c *conn, envs []EnvironmentView) {
	h.send(c, protocol.ToBrowserEnvUpdate, struct {
		Environments []EnvironmentView `json:"environments"`
	}{envs})
}

// BroadcastEnvUpdate fans the full environment list out to every browser.
func (h *BrowserHub) BroadcastEnvUpdate(envs []EnvironmentView) {
	h.broadcast(protocol.ToBrowserEnvUpdate, struct {
		Environments []EnvironmentView `json:"environments"`
	}{envs})
}

// BroadcastProcessUpdate fans a single process record out to every browser.
func (h *BrowserHub) BroadcastProcessUpdate(p domain.Process) {
	h.broadcast(protocol.ToBrowserProcessUpdate, p)
}

// BroadcastProcessRemoved announces a process's deletion to every browser,
// used once the HTTP layer removes the record and its buffer.
func (h *BrowserHub) BroadcastProcessRemoved(processID string) {
	h.mu.Lock()
	if subs, ok := h.subscribers[processID]; ok {
		_ = subs
		delete(h.subscribers, processID)
	}
	h.mu.Unlock()
	h.broadcast(protocol.ToBrowserProcessRemoved, struct {
		ProcessID string `json:"processId"`
	}{processID})
}

// BroadcastWorktreeUpdate fans a single worktree record out to every browser.
func (h *BrowserHub) BroadcastWorktreeUpdate(w domain.Worktree) {
	h.broadcast(protocol.ToBrowserWorktreeUpdate, w)
}

// BroadcastWorktreeRemoved announces a worktree's deletion to every browser.
func (h *BrowserHub) BroadcastWorktreeRemoved(worktreeID string) {
	h.broadcast(protocol.ToBrowserWorktreeRemoved, struct {
		WorktreeID string `json:"worktreeId"`
	}{worktreeID})
}
