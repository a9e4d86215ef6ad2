// Package protocol defines the JSON frame types exchanged over the
// daemon<->server and browser<->server WebSocket connections. Each
// direction is a closed union of message shapes dispatched by a "type"
// field, the same tagged-variant approach the reference daemon's own
// wsMessage/wsInputData/wsResizeData types use for its terminal protocol.
package protocol

import "encoding/json"

// Envelope is the outer shape of every frame in both directions: a
// discriminator plus a raw payload that's decoded once the type is known.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// Frame types sent by a daemon to the server.
const (
	DaemonRegister      = "register"
	DaemonHeartbeat     = "heartbeat"
	DaemonPTYData       = "pty-data"
	DaemonPTYSize       = "pty-size"
	DaemonProcessStart  = "process-started"
	DaemonProcessExit   = "process-exit"
	DaemonWorktreeReady = "worktree-ready"
	DaemonBranchChanged = "branch-changed"
	DaemonReposList     = "repos-list"
)

// Frame types sent by the server to a daemon.
const (
	ServerCreateWorktree = "create-worktree"
	ServerSpawn          = "spawn"
	ServerPTYInput       = "pty-input"
	ServerResize         = "resize"
	ServerKill           = "kill"
	ServerRemoveWorktree = "remove-worktree"
	ServerListRepos      = "list-repos"
)

// Frame types sent by a browser to the server.
const (
	BrowserAttach = "attach"
	BrowserDetach = "detach"
	BrowserInput  = "input"
	BrowserResize = "resize"
)

// Frame types sent by the server to a browser.
const (
	ToBrowserPTYData         = "pty-data"
	ToBrowserPTYSize         = "pty-size"
	ToBrowserProcessUpdate   = "process-update"
	ToBrowserProcessRemoved  = "process-removed"
	ToBrowserWorktreeUpdate  = "worktree-update"
	ToBrowserWorktreeRemoved = "worktree-removed"
	ToBrowserEnvUpdate       = "env-update"
	ToBrowserError           = "error"
)

// --- Daemon -> server payloads ---

type RegisterPayload struct {
	EnvID        string   `json:"envId"`
	EnvName      string   `json:"envName"`
	Capabilities []string `json:"capabilities"`
	Workspace    string   `json:"workspace,omitempty"`
	VMName       string   `json:"vmName,omitempty"`
}

type PTYDataPayload struct {
	ProcessID string `json:"processId"`
	Data      string `json:"data"` // base64 on this hop
}

type PTYSizePayload struct {
	ProcessID string `json:"processId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type ProcessStartedPayload struct {
	ProcessID string `json:"processId"`
}

type ProcessExitPayload struct {
	ProcessID string `json:"processId"`
	ExitCode  int    `json:"exitCode"`
}

type WorktreeReadyPayload struct {
	WorktreeID string `json:"worktreeId"`
	Path       string `json:"path"`
	Branch     string `json:"branch"`
}

type BranchChangedPayload struct {
	WorktreeID string `json:"worktreeId"`
	Branch     string `json:"branch"`
}

type RepoDescriptor struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DefaultBranch string `json:"defaultBranch"`
}

type ReposListPayload struct {
	Repos []RepoDescriptor `json:"repos"`
}

// --- Server -> daemon payloads ---

type CreateWorktreePayload struct {
	WorktreeID string `json:"worktreeId"`
	RepoName   string `json:"repoName"`
	RepoPath   string `json:"repoPath"`
}

type SpawnPayload struct {
	ProcessID    string   `json:"processId"`
	WorktreeID   string   `json:"worktreeId"`
	WorktreePath string   `json:"worktreePath"`
	Agent        string   `json:"agent"`
	Args         []string `json:"args,omitempty"`
	Task         string   `json:"task,omitempty"`
	Cols         int      `json:"cols,omitempty"`
	Rows         int      `json:"rows,omitempty"`
	YoloMode     bool     `json:"yoloMode,omitempty"`
}

type PTYInputPayload struct {
	ProcessID string `json:"processId"`
	Data      string `json:"data"` // base64 on this hop
}

type ResizePayload struct {
	ProcessID string `json:"processId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type KillPayload struct {
	ProcessID string `json:"processId"`
}

type RemoveWorktreePayload struct {
	WorktreeID   string `json:"worktreeId"`
	WorktreePath string `json:"worktreePath"`
}

// --- Browser -> server payloads ---

type AttachPayload struct {
	ProcessID  string `json:"processId"`
	SkipBuffer bool   `json:"skipBuffer,omitempty"`
}

type DetachPayload struct {
	ProcessID string `json:"processId"`
}

type InputPayload struct {
	ProcessID string `json:"processId"`
	Data      string `json:"data"` // raw string on this hop, never base64
}

type BrowserResizePayload struct {
	ProcessID string `json:"processId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// --- Server -> browser payloads ---

type ToBrowserPTYDataPayload struct {
	ProcessID string `json:"processId"`
	Data      string `json:"data"` // raw string on this hop
}

type ToBrowserPTYSizePayload struct {
	ProcessID string `json:"processId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Encode marshals a typed payload into a tagged frame ready to write to the
// wire: {"type": msgType, ...payload fields}.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["type"], err = json.Marshal(msgType)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// DecodeEnvelope extracts the "type" discriminator and leaves the full frame
// available for a second, type-specific Unmarshal.
func DecodeEnvelope(raw []byte) (string, error) {
	var e struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", err
	}
	return e.Type, nil
}
