// Package configstore persists the server's environment registry and
// related secrets as a single JSON file: an in-memory struct backed by
// whole-file read/write, rewritten in full on every mutation.
package configstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// LocalEnvironmentID is the id of the environment record that always exists
// and cannot be removed.
const LocalEnvironmentID = "local"

// EnvironmentType distinguishes the local host from a remote VM-backed
// execution context.
type EnvironmentType string

const (
	EnvironmentTypeLocal EnvironmentType = "local"
	EnvironmentTypeExe   EnvironmentType = "exe"
)

// Environment is the persisted (config) half of an environment record. The
// runtime half (connection status, capabilities, heartbeat) lives in
// internal/domain and is never written to disk.
type Environment struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Type          EnvironmentType `json:"type"`
	VMName        string          `json:"vmName,omitempty"`
	WorkspacePath string          `json:"workspacePath,omitempty"`
}

// fileData is the on-disk shape of config.json.
type fileData struct {
	SpritesToken    string        `json:"spritesToken,omitempty"`
	ServerPublicURL string        `json:"serverPublicUrl,omitempty"`
	DaemonAuthToken string        `json:"daemonAuthToken,omitempty"`
	Environments    []Environment `json:"environments"`
}

// Store is a singleton bound to a workspace directory, backed by
// <workspace>/.agenthq-meta/config.json.
type Store struct {
	mu   sync.RWMutex
	path string
	data fileData
}

// Open loads (or creates) the config store for the given workspace directory.
// Malformed JSON on load is logged and replaced with defaults.
func Open(workspaceDir string) (*Store, error) {
	dir := filepath.Join(workspaceDir, ".agenthq-meta")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	s := &Store{path: filepath.Join(dir, "config.json")}

	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(raw, &s.data); jerr != nil {
			slog.Warn("config.json is malformed, replacing with defaults", "error", jerr)
			s.data = fileData{}
		}
	case os.IsNotExist(err):
		s.data = fileData{}
	default:
		return nil, fmt.Errorf("read config.json: %w", err)
	}

	s.ensureLocalLocked()
	if err := s.writeLocked(); err != nil {
		return nil, err
	}

	return s, nil
}

// ensureLocalLocked synthesises the "local" environment record if it is
// missing. Must be called with mu held.
func (s *Store) ensureLocalLocked() {
	for _, e := range s.data.Environments {
		if e.ID == LocalEnvironmentID {
			return
		}
	}
	s.data.Environments = append([]Environment{{
		ID:   LocalEnvironmentID,
		Name: "Local",
		Type: EnvironmentTypeLocal,
	}}, s.data.Environments...)
}

// writeLocked rewrites the whole file. Must be called with mu held.
func (s *Store) writeLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write config.json: %w", err)
	}
	return nil
}

// SpritesToken returns the stored sprites token, falling back to the
// SPRITES_TOKEN process environment variable if unset on disk.
func (s *Store) SpritesToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.SpritesToken != "" {
		return s.data.SpritesToken
	}
	return os.Getenv("SPRITES_TOKEN")
}

// SetSpritesToken persists the sprites token.
func (s *Store) SetSpritesToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.SpritesToken = token
	return s.writeLocked()
}

// ServerPublicURL returns the stored public URL, falling back to
// SERVER_PUBLIC_URL if unset on disk.
func (s *Store) ServerPublicURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.ServerPublicURL != "" {
		return s.data.ServerPublicURL
	}
	return os.Getenv("SERVER_PUBLIC_URL")
}

// SetServerPublicURL persists the server's public URL.
func (s *Store) SetServerPublicURL(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.ServerPublicURL = url
	return s.writeLocked()
}

// DaemonAuthToken returns the stored daemon auth token, falling back to
// DAEMON_AUTH_TOKEN if unset on disk. An empty return means no token is
// configured at all, which the daemon hub treats as "reject every
// connection" (close code 4003).
func (s *Store) DaemonAuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.DaemonAuthToken != "" {
		return s.data.DaemonAuthToken
	}
	return os.Getenv("DAEMON_AUTH_TOKEN")
}

// SetDaemonAuthToken persists the daemon auth token.
func (s *Store) SetDaemonAuthToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.DaemonAuthToken = token
	return s.writeLocked()
}

// Environments returns a copy of the configured environment list, always
// including the "local" record.
func (s *Store) Environments() []Environment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Environment, len(s.data.Environments))
	copy(out, s.data.Environments)
	return out
}

// GetEnvironment looks up a single environment config by id.
func (s *Store) GetEnvironment(id string) (Environment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.data.Environments {
		if e.ID == id {
			return e, true
		}
	}
	return Environment{}, false
}

// AddEnvironment appends a new environment config. The id must be unique.
func (s *Store) AddEnvironment(e Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.data.Environments {
		if existing.ID == e.ID {
			return fmt.Errorf("environment %q already exists", e.ID)
		}
	}
	s.data.Environments = append(s.data.Environments, e)
	return s.writeLocked()
}

// UpdateEnvironment replaces the config record matching e.ID.
func (s *Store) UpdateEnvironment(e Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.data.Environments {
		if existing.ID == e.ID {
			s.data.Environments[i] = e
			return s.writeLocked()
		}
	}
	return fmt.Errorf("environment %q not found", e.ID)
}

// RemoveEnvironment deletes an environment config. The "local" record can
// never be removed.
func (s *Store) RemoveEnvironment(id string) error {
	if id == LocalEnvironmentID {
		return fmt.Errorf("the local environment cannot be removed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.data.Environments {
		if existing.ID == id {
			s.data.Environments = append(s.data.Environments[:i], s.data.Environments[i+1:]...)
			return s.writeLocked()
		}
	}
	return fmt.Errorf("environment %q not found", id)
}

// MatchEnvironment resolves a daemon's register frame to a configured
// environment id, in precedence order: exact id match, exact name match,
// vmName match (type=exe only), first type=local environment, else the
// daemon-supplied id verbatim.
func (s *Store) MatchEnvironment(daemonID, daemonName, vmName string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if daemonID != "" {
		for _, e := range s.data.Environments {
			if e.ID == daemonID {
				return e.ID
			}
		}
	}
	if daemonName != "" {
		for _, e := range s.data.Environments {
			if e.Name == daemonName {
				return e.ID
			}
		}
	}
	if vmName != "" {
		for _, e := range s.data.Environments {
			if e.Type == EnvironmentTypeExe && e.VMName == vmName {
				return e.ID
			}
		}
	}
	for _, e := range s.data.Environments {
		if e.Type == EnvironmentTypeLocal {
			return e.ID
		}
	}
	return daemonID
}
