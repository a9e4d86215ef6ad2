package authstore

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func testParams() ScryptParams {
	// Minimal cost for fast tests; production uses much larger N.
	return ScryptParams{N: 1 << 4, R: 8, P: 1}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "auth.db")
	s, err := Open(dbPath, testParams())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeedUserIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("first SeedUser: %v", err)
	}
	if err := s.SeedUser("u1-again", "alice", "different-password"); err != nil {
		t.Fatalf("second SeedUser should be a no-op, not error: %v", err)
	}

	// The original password must still work; the second call must not have
	// overwritten the account.
	if _, err := s.Login("alice", "hunter2", time.Hour); err != nil {
		t.Fatalf("login with original password: %v", err)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("SeedUser: %v", err)
	}

	if _, err := s.Login("alice", "wrong", time.Hour); err == nil {
		t.Fatal("expected error for wrong password")
	}
	if _, err := s.Login("bob", "hunter2", time.Hour); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestLoginCreatesValidSession(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("SeedUser: %v", err)
	}

	sessionID, err := s.Login("alice", "hunter2", time.Hour)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	userID, ok := s.Authenticate("agenthq_session=" + sessionID)
	if !ok {
		t.Fatal("expected session to authenticate")
	}
	if userID != "u1" {
		t.Fatalf("expected user id u1, got %q", userID)
	}
}

func TestAuthenticateRejectsExpiredSession(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("SeedUser: %v", err)
	}

	sessionID, err := s.Login("alice", "hunter2", -time.Hour)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, ok := s.Authenticate("agenthq_session=" + sessionID); ok {
		t.Fatal("expired session must not authenticate")
	}
}

func TestAuthenticateEvictsExpiredSessionRow(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("SeedUser: %v", err)
	}

	sessionID, err := s.Login("alice", "hunter2", -time.Hour)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, ok := s.Authenticate("agenthq_session=" + sessionID); ok {
		t.Fatal("expired session must not authenticate")
	}

	var count int
	if err := s.db.QueryRow("SELECT count(*) FROM sessions WHERE id = ?", sessionID).Scan(&count); err != nil {
		t.Fatalf("query session row: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected Authenticate to evict the expired row, but %d remain", count)
	}
}

func TestParseCookieURLDecodesValue(t *testing.T) {
	// A percent-escaped value, the way a browser would send one containing
	// reserved characters, must be decoded before comparing against stored
	// session ids.
	got, ok := parseCookie("agenthq_session=abc%2Bdef%3D", CookieName)
	if !ok {
		t.Fatal("expected cookie to be found")
	}
	if got != "abc+def=" {
		t.Fatalf("expected decoded value %q, got %q", "abc+def=", got)
	}
}

func TestAuthenticateRejectsUnknownCookie(t *testing.T) {
	s := openTestStore(t)
	if _, ok := s.Authenticate("agenthq_session=does-not-exist"); ok {
		t.Fatal("unknown session must not authenticate")
	}
	if _, ok := s.Authenticate(""); ok {
		t.Fatal("empty cookie header must not authenticate")
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("SeedUser: %v", err)
	}
	sessionID, err := s.Login("alice", "hunter2", time.Hour)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := s.Logout(sessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := s.Authenticate("agenthq_session=" + sessionID); ok {
		t.Fatal("session must not authenticate after logout")
	}

	// Logging out twice is harmless.
	if err := s.Logout(sessionID); err != nil {
		t.Fatalf("second Logout should not error: %v", err)
	}
}

func TestDevicePinRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("SeedUser: %v", err)
	}

	has, err := s.HasDevicePin("device-1")
	if err != nil {
		t.Fatalf("HasDevicePin: %v", err)
	}
	if has {
		t.Fatal("expected no pin registered yet")
	}

	if err := s.UpsertDevicePin("device-1", "u1", "1234"); err != nil {
		t.Fatalf("UpsertDevicePin: %v", err)
	}

	has, err = s.HasDevicePin("device-1")
	if err != nil {
		t.Fatalf("HasDevicePin: %v", err)
	}
	if !has {
		t.Fatal("expected pin to be registered")
	}

	sessionID, err := s.LoginWithDevicePin("device-1", "1234", time.Hour)
	if err != nil {
		t.Fatalf("LoginWithDevicePin: %v", err)
	}
	if _, ok := s.Authenticate("agenthq_session=" + sessionID); !ok {
		t.Fatal("expected session from device pin login to authenticate")
	}

	if _, err := s.LoginWithDevicePin("device-1", "0000", time.Hour); err == nil {
		t.Fatal("expected error for wrong pin")
	}
	if _, err := s.LoginWithDevicePin("device-2", "1234", time.Hour); err == nil {
		t.Fatal("expected error for unregistered device")
	}
}

func TestDevicePinUpsertReplaces(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("SeedUser: %v", err)
	}

	if err := s.UpsertDevicePin("device-1", "u1", "1111"); err != nil {
		t.Fatalf("first UpsertDevicePin: %v", err)
	}
	if err := s.UpsertDevicePin("device-1", "u1", "2222"); err != nil {
		t.Fatalf("second UpsertDevicePin: %v", err)
	}

	if _, err := s.LoginWithDevicePin("device-1", "1111", time.Hour); err == nil {
		t.Fatal("old pin should no longer work")
	}
	if _, err := s.LoginWithDevicePin("device-1", "2222", time.Hour); err != nil {
		t.Fatalf("new pin should work: %v", err)
	}
}

func TestCleanupExpiredRemovesOnlyExpiredSessions(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedUser("u1", "alice", "hunter2"); err != nil {
		t.Fatalf("SeedUser: %v", err)
	}

	expired, err := s.Login("alice", "hunter2", -time.Minute)
	if err != nil {
		t.Fatalf("Login (expired): %v", err)
	}
	live, err := s.Login("alice", "hunter2", time.Hour)
	if err != nil {
		t.Fatalf("Login (live): %v", err)
	}

	n, err := s.CleanupExpired()
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session cleaned up, got %d", n)
	}

	if _, ok := s.Authenticate("agenthq_session=" + expired); ok {
		t.Fatal("expired session should have been removed")
	}
	if _, ok := s.Authenticate("agenthq_session=" + live); !ok {
		t.Fatal("live session should remain")
	}
}

func TestSetCookieAndClearCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	SetCookie(rec, "abc123", time.Hour, true)

	resp := rec.Result()
	cookies := resp.Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != CookieName || c.Value != "abc123" || !c.HttpOnly || !c.Secure {
		t.Fatalf("unexpected cookie: %+v", c)
	}

	rec2 := httptest.NewRecorder()
	ClearCookie(rec2, true)
	c2 := rec2.Result().Cookies()[0]
	if c2.Value != "" || c2.MaxAge >= 0 {
		t.Fatalf("expected cleared cookie, got %+v", c2)
	}
}

func TestIsSecureRequest(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	if IsSecureRequest(plain) {
		t.Fatal("plain request should not be secure")
	}

	proxied := httptest.NewRequest(http.MethodGet, "/", nil)
	proxied.Header.Set("x-forwarded-proto", "https")
	if !IsSecureRequest(proxied) {
		t.Fatal("x-forwarded-proto: https should be treated as secure")
	}
}
