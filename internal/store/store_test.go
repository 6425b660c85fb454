package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)

	u, err := s.CreateUser("alice", "key-123")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == "" {
		t.Fatalf("expected a non-empty uuid id")
	}

	found, ok := s.UserByKey("key-123")
	if !ok || found.Name != "alice" {
		t.Fatalf("UserByKey: %+v, %v", found, ok)
	}
	if _, ok := s.UserByKey("wrong-key"); ok {
		t.Fatalf("UserByKey should not match a different key")
	}

	users, err := s.ListUsers()
	if err != nil || len(users) != 1 {
		t.Fatalf("ListUsers: %+v, %v", users, err)
	}

	if err := s.DeleteUser(u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, ok := s.UserByKey("key-123"); ok {
		t.Fatalf("deleted user should no longer be found")
	}
}

func TestRequestLogRoundTrip(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.LogRequest(RequestLogEntry{
			RequestID: "req", Path: "/v1/chat/completions", Method: "POST",
			Status: 200, AuthIndex: 1, DurationMS: 100,
		}); err != nil {
			t.Fatalf("LogRequest: %v", err)
		}
	}

	rows, err := s.ListRequests(0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
}

func TestAuditLogRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.LogAudit(AuditEntry{EventType: "rotation_complete", AuthIndex: 2, Message: "ok"}); err != nil {
		t.Fatalf("LogAudit: %v", err)
	}
	rows, err := s.ListAudit(0)
	if err != nil || len(rows) != 1 || rows[0].EventType != "rotation_complete" {
		t.Fatalf("ListAudit: %+v, %v", rows, err)
	}
}

func TestAccountMetaNoteAndTouchWithoutBox(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetAccountNote(1, "primary account"); err != nil {
		t.Fatalf("SetAccountNote: %v", err)
	}
	if err := s.TouchLastSwitched(1); err != nil {
		t.Fatalf("TouchLastSwitched: %v", err)
	}

	meta, err := s.AllAccountMeta()
	if err != nil {
		t.Fatalf("AllAccountMeta: %v", err)
	}
	m, ok := meta[1]
	if !ok || m.Note != "primary account" || m.LastSwitchedAt == nil {
		t.Fatalf("unexpected meta: %+v, %v", m, ok)
	}
}

func TestAccountMetaNoteEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	s.SetEncryptionKey("test-secret")

	if err := s.SetAccountNote(2, "sensitive note"); err != nil {
		t.Fatalf("SetAccountNote: %v", err)
	}

	var rawStored string
	if err := s.db.QueryRow(`SELECT note FROM account_meta WHERE auth_index = ?`, 2).Scan(&rawStored); err != nil {
		t.Fatalf("query raw note: %v", err)
	}
	if rawStored == "sensitive note" {
		t.Fatalf("note should be encrypted at rest, found plaintext")
	}

	meta, err := s.AllAccountMeta()
	if err != nil {
		t.Fatalf("AllAccountMeta: %v", err)
	}
	if meta[2].Note != "sensitive note" {
		t.Fatalf("decrypted note = %q, want %q", meta[2].Note, "sensitive note")
	}
}

func TestDashboardStats(t *testing.T) {
	s := newTestStore(t)
	if err := s.LogRequest(RequestLogEntry{RequestID: "r1", Path: "/x", Method: "GET", Status: 200, AuthIndex: 1, DurationMS: 50}); err != nil {
		t.Fatalf("LogRequest: %v", err)
	}
	if err := s.LogRequest(RequestLogEntry{RequestID: "r2", Path: "/x", Method: "GET", Status: 500, AuthIndex: 1, DurationMS: 150}); err != nil {
		t.Fatalf("LogRequest: %v", err)
	}

	stats, err := s.DashboardStats()
	if err != nil {
		t.Fatalf("DashboardStats: %v", err)
	}
	if stats.TotalRequests != 2 || stats.Last24h != 2 || stats.ErrorCount24h != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHashKeyIsDeterministic(t *testing.T) {
	if HashKey("abc") != HashKey("abc") {
		t.Fatalf("HashKey should be deterministic")
	}
	if HashKey("abc") == HashKey("abcd") {
		t.Fatalf("HashKey should differ for different inputs")
	}
}
