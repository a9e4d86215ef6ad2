package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/agenthq/server/internal/ringbuffer"
)

// ProcessStatus is the lifecycle state of a spawned agent process.
type ProcessStatus string

const (
	ProcessPending ProcessStatus = "pending"
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessError   ProcessStatus = "error"
)

// Process is a single spawned agent run, attached to a worktree and bound
// to the environment that owns that worktree.
type Process struct {
	ID         string        `json:"id"`
	WorktreeID string        `json:"worktreeId"`
	EnvID      string        `json:"envId"`
	Agent      string        `json:"agent"`
	Status     ProcessStatus `json:"status"`
	ExitCode   *int          `json:"exitCode,omitempty"`
	Cols       int           `json:"cols"`
	Rows       int           `json:"rows"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// processEntry pairs the public record with its private output buffer.
type processEntry struct {
	proc   Process
	output *ringbuffer.Buffer
}

// ProcessStore holds every process and its bounded output backlog, keyed by
// process id. bufferSize sets each new process's output buffer capacity.
type ProcessStore struct {
	mu         sync.RWMutex
	byID       map[string]*processEntry
	bufferSize int
}

// NewProcessStore creates an empty process store. bufferSize is the output
// buffer capacity given to every process (1 MiB by default, see
// internal/config).
func NewProcessStore(bufferSize int) *ProcessStore {
	return &ProcessStore{
		byID:       make(map[string]*processEntry),
		bufferSize: bufferSize,
	}
}

// validTransitions enumerates the allowed status transitions. Anything not
// listed here is rejected by Transition.
var validTransitions = map[ProcessStatus][]ProcessStatus{
	ProcessPending: {ProcessRunning, ProcessStopped, ProcessError},
	ProcessRunning: {ProcessStopped, ProcessError},
}

// Create registers a new process in the pending state with worktreeID's
// environment as its owner, and allocates its output buffer.
func (s *ProcessStore) Create(id, worktreeID, envID, agent string, cols, rows int) Process {
	p := Process{
		ID:         id,
		WorktreeID: worktreeID,
		EnvID:      envID,
		Agent:      agent,
		Status:     ProcessPending,
		Cols:       cols,
		Rows:       rows,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = &processEntry{
		proc:   p,
		output: ringbuffer.New(s.bufferSize),
	}
	return p
}

// Get returns a copy of the process record for id.
func (s *ProcessStore) Get(id string) (Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Process{}, false
	}
	return e.proc, true
}

// Transition moves id from its current status to next, rejecting any
// transition not in validTransitions (e.g. stopped -> running).
func (s *ProcessStore) Transition(id string, next ProcessStatus, exitCode *int) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[id]
	if !ok {
		return Process{}, fmt.Errorf("process %q not found", id)
	}

	allowed := false
	for _, candidate := range validTransitions[e.proc.Status] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return Process{}, fmt.Errorf("process %q: invalid transition %s -> %s", id, e.proc.Status, next)
	}

	e.proc.Status = next
	e.proc.ExitCode = exitCode
	return e.proc, nil
}

// Resize updates the tracked terminal dimensions for id.
func (s *ProcessStore) Resize(id string, cols, rows int) (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return Process{}, false
	}
	e.proc.Cols = cols
	e.proc.Rows = rows
	return e.proc, true
}

// AppendOutput writes PTY output to id's backlog buffer. No-op if id is
// unknown (output for a process already removed is simply discarded).
func (s *ProcessStore) AppendOutput(id string, data []byte) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.output.Write(data)
}

// OutputBacklog returns a snapshot of id's retained output, for replay to a
// browser attaching after the process has already produced data.
func (s *ProcessStore) OutputBacklog(id string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil
	}
	return e.output.Snapshot()
}

// Delete removes a process record and discards its output buffer.
func (s *ProcessStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}

// ListForWorktree returns every process attached to worktreeID.
func (s *ProcessStore) ListForWorktree(worktreeID string) []Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Process
	for _, e := range s.byID {
		if e.proc.WorktreeID == worktreeID {
			out = append(out, e.proc)
		}
	}
	return out
}

// ListForEnv returns every process whose owning environment is envID.
func (s *ProcessStore) ListForEnv(envID string) []Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Process
	for _, e := range s.byID {
		if e.proc.EnvID == envID {
			out = append(out, e.proc)
		}
	}
	return out
}
