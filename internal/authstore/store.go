// Package authstore persists users, login sessions, and per-device PINs in
// SQLite, and performs the scrypt password/PIN hashing behind them. Schema
// management uses numbered migrations recorded in a schema_version table.
package authstore

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"

	_ "modernc.org/sqlite"
)

const (
	saltLen = 16
	keyLen  = 64
)

// ScryptParams controls the cost of password/PIN key derivation.
type ScryptParams struct {
	N int
	R int
	P int
}

// Store is a SQLite-backed store of users, sessions, and device PINs.
type Store struct {
	db     *sql.DB
	scrypt ScryptParams
}

// Open creates or opens a SQLite database at dbPath and applies pending
// migrations.
func Open(dbPath string, params ScryptParams) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, scrypt: params}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{migrateV1}
	for i := version; i < len(migrations); i++ {
		slog.Info("applying authstore migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}
	return nil
}

func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_salt BLOB NOT NULL,
			password_hash BLOB NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

		CREATE TABLE IF NOT EXISTS device_pins (
			device_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			pin_salt BLOB NOT NULL,
			pin_hash BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// deriveKey runs scrypt over secret with a fresh random salt, returning the
// derived key and the salt used.
func (s *Store) deriveKey(secret string) (key, salt []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err = scrypt.Key([]byte(secret), salt, s.scrypt.N, s.scrypt.R, s.scrypt.P, keyLen)
	if err != nil {
		return nil, nil, fmt.Errorf("derive key: %w", err)
	}
	return key, salt, nil
}

// verifyKey re-derives a key from secret and salt and compares it to want in
// constant time.
func (s *Store) verifyKey(secret string, salt, want []byte) (bool, error) {
	got, err := scrypt.Key([]byte(secret), salt, s.scrypt.N, s.scrypt.R, s.scrypt.P, keyLen)
	if err != nil {
		return false, fmt.Errorf("derive key: %w", err)
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// SeedUser creates a user if none exists yet for username, and is a no-op
// (not an error) if the username is already taken. Used at startup to
// provision the single operator account from deployment configuration.
func (s *Store) SeedUser(id, username, password string) error {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(1) FROM users WHERE username = ?", username).Scan(&exists); err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if exists > 0 {
		return nil
	}

	hash, salt, err := s.deriveKey(password)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		"INSERT INTO users (id, username, password_salt, password_hash, created_at) VALUES (?, ?, ?, ?, ?)",
		id, username, salt, hash, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Login verifies username/password and, on success, creates a new session
// and returns its id.
func (s *Store) Login(username, password string, ttl time.Duration) (sessionID string, err error) {
	var userID string
	var salt, hash []byte
	err = s.db.QueryRow(
		"SELECT id, password_salt, password_hash FROM users WHERE username = ?", username,
	).Scan(&userID, &salt, &hash)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("invalid credentials")
	}
	if err != nil {
		return "", fmt.Errorf("look up user: %w", err)
	}

	ok, err := s.verifyKey(password, salt, hash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("invalid credentials")
	}

	return s.createSession(userID, ttl)
}

// HasDevicePin reports whether deviceID already has a PIN registered.
func (s *Store) HasDevicePin(deviceID string) (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(1) FROM device_pins WHERE device_id = ?", deviceID).Scan(&count); err != nil {
		return false, fmt.Errorf("check device pin: %w", err)
	}
	return count > 0, nil
}

// UpsertDevicePin binds a PIN to deviceID for userID, replacing any PIN the
// device previously registered.
func (s *Store) UpsertDevicePin(deviceID, userID, pin string) error {
	hash, salt, err := s.deriveKey(pin)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO device_pins (device_id, user_id, pin_salt, pin_hash, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET user_id=excluded.user_id, pin_salt=excluded.pin_salt,
			pin_hash=excluded.pin_hash, created_at=excluded.created_at`,
		deviceID, userID, salt, hash, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert device pin: %w", err)
	}
	return nil
}

// LoginWithDevicePin verifies a device-bound PIN and creates a new session.
func (s *Store) LoginWithDevicePin(deviceID, pin string, ttl time.Duration) (sessionID string, err error) {
	var userID string
	var salt, hash []byte
	err = s.db.QueryRow(
		"SELECT user_id, pin_salt, pin_hash FROM device_pins WHERE device_id = ?", deviceID,
	).Scan(&userID, &salt, &hash)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("invalid device or pin")
	}
	if err != nil {
		return "", fmt.Errorf("look up device pin: %w", err)
	}

	ok, err := s.verifyKey(pin, salt, hash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("invalid device or pin")
	}

	return s.createSession(userID, ttl)
}

func (s *Store) createSession(userID string, ttl time.Duration) (string, error) {
	id, err := generateToken()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		"INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		id, userID, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// Logout deletes a session by id. Not finding it is not an error: logging
// out twice is harmless.
func (s *Store) Logout(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Authenticate resolves a Cookie request header to a user id, rejecting
// expired or unknown sessions.
func (s *Store) Authenticate(cookieHeader string) (userID string, ok bool) {
	token, found := parseCookie(cookieHeader, CookieName)
	if !found {
		return "", false
	}

	var expiresAt string
	err := s.db.QueryRow("SELECT user_id, expires_at FROM sessions WHERE id = ?", token).Scan(&userID, &expiresAt)
	if err != nil {
		return "", false
	}

	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil || time.Now().UTC().After(expiry) {
		if _, delErr := s.db.Exec("DELETE FROM sessions WHERE id = ?", token); delErr != nil {
			slog.Warn("evict expired session failed", "error", delErr)
		}
		return "", false
	}
	return userID, true
}

// CleanupExpired deletes every session past its expiry. Intended to run on
// a periodic timer.
func (s *Store) CleanupExpired() (int64, error) {
	res, err := s.db.Exec("DELETE FROM sessions WHERE expires_at < ?", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// CookieName is the name of the session cookie set on successful login.
const CookieName = "agenthq_session"

// SetCookie writes the session cookie for sessionID on w. secure should
// reflect whether the request arrived over HTTPS (directly or via
// x-forwarded-proto).
func SetCookie(w http.ResponseWriter, sessionID string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie.
func ClearCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// IsSecureRequest reports whether r should be treated as HTTPS, accounting
// for a reverse proxy terminating TLS in front of the process.
func IsSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("x-forwarded-proto"), "https")
}

// parseCookie extracts a named cookie's value from a raw Cookie header,
// tolerant of '=' characters inside the value itself and URL-decoding the
// value the way net/http's own cookie jar would.
func parseCookie(header, name string) (value string, ok bool) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		if part[:eq] == name {
			decoded, err := url.QueryUnescape(part[eq+1:])
			if err != nil {
				return part[eq+1:], true
			}
			return decoded, true
		}
	}
	return "", false
}

// generateToken produces an opaque, hex-encoded random session identifier.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
