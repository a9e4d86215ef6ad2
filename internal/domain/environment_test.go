package domain

import "testing"

func TestEnvironmentStoreRegisterAndGet(t *testing.T) {
	s := NewEnvironmentStore()

	prev := s.Register("env-1", "My Env", []string{"git", "pty"}, "conn-a")
	if prev != nil {
		t.Fatalf("expected nil previous connection on first register, got %v", prev)
	}

	rt, ok := s.Get("env-1")
	if !ok {
		t.Fatalf("expected env-1 to be registered")
	}
	if rt.Status != EnvironmentConnected {
		t.Fatalf("expected status connected, got %v", rt.Status)
	}
	if !s.IsConnected("env-1") {
		t.Fatalf("expected env-1 to be connected")
	}
}

func TestEnvironmentStoreRegisterReturnsPreviousConn(t *testing.T) {
	s := NewEnvironmentStore()
	s.Register("env-1", "My Env", nil, "conn-a")

	prev := s.Register("env-1", "My Env", nil, "conn-b")
	if prev != "conn-a" {
		t.Fatalf("expected previous conn-a, got %v", prev)
	}
	if s.Conn("env-1") != "conn-b" {
		t.Fatalf("expected current conn to be conn-b")
	}
}

func TestEnvironmentStoreHeartbeatUnknownIsNoop(t *testing.T) {
	s := NewEnvironmentStore()
	s.Heartbeat("does-not-exist")
}

func TestEnvironmentStoreHeartbeatUpdatesTimestamp(t *testing.T) {
	s := NewEnvironmentStore()
	s.Register("env-1", "My Env", nil, "conn-a")

	rt, _ := s.Get("env-1")
	if rt.LastHeartbeat != nil {
		t.Fatalf("expected no heartbeat before Heartbeat is called")
	}

	s.Heartbeat("env-1")
	rt, _ = s.Get("env-1")
	if rt.LastHeartbeat == nil {
		t.Fatalf("expected LastHeartbeat to be set")
	}
}

func TestEnvironmentStoreUnregisterKeepsRecordButClearsConn(t *testing.T) {
	s := NewEnvironmentStore()
	s.Register("env-1", "My Env", []string{"git"}, "conn-a")

	s.Unregister("env-1")

	rt, ok := s.Get("env-1")
	if !ok {
		t.Fatalf("expected record to survive unregister")
	}
	if rt.Status != EnvironmentDisconnected {
		t.Fatalf("expected status disconnected, got %v", rt.Status)
	}
	if s.IsConnected("env-1") {
		t.Fatalf("expected env-1 to no longer be connected")
	}
	if s.Conn("env-1") != nil {
		t.Fatalf("expected conn to be cleared")
	}
}

func TestEnvironmentStoreIsConnectedUnknownEnv(t *testing.T) {
	s := NewEnvironmentStore()
	if s.IsConnected("nope") {
		t.Fatalf("expected unknown environment to report not connected")
	}
}

func TestEnvironmentStoreList(t *testing.T) {
	s := NewEnvironmentStore()
	s.Register("env-1", "One", nil, "conn-a")
	s.Register("env-2", "Two", nil, "conn-b")

	all := s.List()
	if len(all) != 2 {
		t.Fatalf("expected 2 environments, got %d", len(all))
	}
}
