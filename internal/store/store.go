// Package store provides SQLite-backed persistence for the Control &
// Status Surface (C8): the API-key allowlist, a request log, a rotation
// audit trail, and per-credential-bundle display metadata. The Rotation/
// Pipeline components operate entirely in memory and never read it; the
// only lookup on the request path is the API-key check, which also accepts
// keys from the users table. The rest is there for the admin surface to
// report on.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Store struct {
	db    *sql.DB
	notes *noteCipher
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialise writers, matching teacher's own store setup

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping() error { return s.db.Ping() }

// SetEncryptionKey enables at-rest encryption of account_meta.note. Called
// once from the composition root with ENCRYPTION_KEY; never called, notes
// are stored in plaintext.
func (s *Store) SetEncryptionKey(secret string) {
	if secret != "" {
		s.notes = newNoteCipher(secret)
	}
}

func accountNoteSalt(index int) string { return fmt.Sprintf("account-note-%d", index) }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			key_hash TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			path TEXT NOT NULL,
			method TEXT NOT NULL,
			status INTEGER NOT NULL,
			auth_index INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			finish_reason TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_created ON request_log(created_at)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			auth_index INTEGER NOT NULL,
			message TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
		`CREATE TABLE IF NOT EXISTS account_meta (
			auth_index INTEGER PRIMARY KEY,
			note TEXT NOT NULL DEFAULT '',
			last_switched_at DATETIME
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// HashKey is the one-way transform applied to API keys before storage or
// comparison — plain SHA-256, matching the teacher's non-admin key check.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type User struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
}

// CreateUser mints a uuid-identified allowlist entry, matching the
// teacher's account/user id scheme (internal/server/admin_users.go).
func (s *Store) CreateUser(name, key string) (*User, error) {
	hash := HashKey(key)
	now := time.Now()
	id := uuid.New().String()
	if _, err := s.db.Exec(`INSERT INTO users (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`, id, name, hash, now); err != nil {
		return nil, err
	}
	return &User{ID: id, Name: name, KeyHash: hash, CreatedAt: now}, nil
}

func (s *Store) DeleteUser(id string) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	return err
}

func (s *Store) ListUsers() ([]User, error) {
	rows, err := s.db.Query(`SELECT id, name, key_hash, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.KeyHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UserByKey looks up a user by the raw API key (hashed before comparison).
func (s *Store) UserByKey(key string) (*User, bool) {
	hash := HashKey(key)
	var u User
	err := s.db.QueryRow(`SELECT id, name, key_hash, created_at FROM users WHERE key_hash = ?`, hash).
		Scan(&u.ID, &u.Name, &u.KeyHash, &u.CreatedAt)
	if err != nil {
		return nil, false
	}
	return &u, true
}

type RequestLogEntry struct {
	RequestID    string
	Path         string
	Method       string
	Status       int
	AuthIndex    int
	DurationMS   int64
	FinishReason string
}

func (s *Store) LogRequest(e RequestLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO request_log (request_id, path, method, status, auth_index, duration_ms, finish_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Path, e.Method, e.Status, e.AuthIndex, e.DurationMS, e.FinishReason, time.Now(),
	)
	return err
}

type RequestLogRow struct {
	RequestLogEntry
	CreatedAt time.Time
}

func (s *Store) ListRequests(limit int) ([]RequestLogRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT request_id, path, method, status, auth_index, duration_ms, finish_reason, created_at
		 FROM request_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RequestLogRow
	for rows.Next() {
		var r RequestLogRow
		var finishReason sql.NullString
		if err := rows.Scan(&r.RequestID, &r.Path, &r.Method, &r.Status, &r.AuthIndex, &r.DurationMS, &finishReason, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.FinishReason = finishReason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

type AuditEntry struct {
	EventType string
	AuthIndex int
	Message   string
}

func (s *Store) LogAudit(e AuditEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (event_type, auth_index, message, created_at) VALUES (?, ?, ?, ?)`,
		e.EventType, e.AuthIndex, e.Message, time.Now(),
	)
	return err
}

type AuditRow struct {
	AuditEntry
	CreatedAt time.Time
}

func (s *Store) ListAudit(limit int) ([]AuditRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT event_type, auth_index, message, created_at FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var a AuditRow
		var msg sql.NullString
		if err := rows.Scan(&a.EventType, &a.AuthIndex, &msg, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Message = msg.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// AccountMeta is the supplemented, rotation-inert display metadata for one
// credential bundle index (SPEC_FULL.md §6): a free-text admin note and the
// timestamp of its most recent successful rotation switch.
type AccountMeta struct {
	AuthIndex      int
	Note           string
	LastSwitchedAt *time.Time
}

// SetAccountNote upserts the free-text note for index, never touching
// last_switched_at. Encrypted at rest when SetEncryptionKey was called.
func (s *Store) SetAccountNote(index int, note string) error {
	stored := note
	if s.notes != nil && note != "" {
		enc, err := s.notes.encrypt(note, accountNoteSalt(index))
		if err != nil {
			return fmt.Errorf("encrypt note: %w", err)
		}
		stored = enc
	}
	_, err := s.db.Exec(
		`INSERT INTO account_meta (auth_index, note) VALUES (?, ?)
		 ON CONFLICT(auth_index) DO UPDATE SET note = excluded.note`,
		index, stored,
	)
	return err
}

func (s *Store) decryptNote(index int, note string) string {
	if s.notes == nil || note == "" {
		return note
	}
	plain, err := s.notes.decrypt(note, accountNoteSalt(index))
	if err != nil {
		return note // pre-encryption plaintext row, or wrong key: surface raw value
	}
	return plain
}

// TouchLastSwitched records that index was just switched into, preserving
// any existing note. Called from the composition root's rotation-event
// subscriber, never from the Rotation Controller itself (spec.md §4.4 keeps
// rotation mechanics independent of persistence).
func (s *Store) TouchLastSwitched(index int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO account_meta (auth_index, note, last_switched_at) VALUES (?, '', ?)
		 ON CONFLICT(auth_index) DO UPDATE SET last_switched_at = excluded.last_switched_at`,
		index, now,
	)
	return err
}

// AllAccountMeta returns every known account_meta row keyed by auth_index.
func (s *Store) AllAccountMeta() (map[int]AccountMeta, error) {
	rows, err := s.db.Query(`SELECT auth_index, note, last_switched_at FROM account_meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]AccountMeta)
	for rows.Next() {
		var m AccountMeta
		var lastSwitched sql.NullTime
		if err := rows.Scan(&m.AuthIndex, &m.Note, &lastSwitched); err != nil {
			return nil, err
		}
		if lastSwitched.Valid {
			t := lastSwitched.Time
			m.LastSwitchedAt = &t
		}
		m.Note = s.decryptNote(m.AuthIndex, m.Note)
		out[m.AuthIndex] = m
	}
	return out, rows.Err()
}

// DashboardStats is a small aggregate over the request log for the admin
// dashboard's summary cards.
type DashboardStats struct {
	TotalRequests    int
	Last24h          int
	ErrorCount24h    int
	AvgDurationMS24h float64
}

func (s *Store) DashboardStats() (DashboardStats, error) {
	var stats DashboardStats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM request_log`).Scan(&stats.TotalRequests); err != nil {
		return stats, err
	}
	since := time.Now().Add(-24 * time.Hour)
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM request_log WHERE created_at >= ?`, since).Scan(&stats.Last24h); err != nil {
		return stats, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM request_log WHERE created_at >= ? AND status >= 400`, since).Scan(&stats.ErrorCount24h); err != nil {
		return stats, err
	}
	var avg sql.NullFloat64
	if err := s.db.QueryRow(`SELECT AVG(duration_ms) FROM request_log WHERE created_at >= ?`, since).Scan(&avg); err != nil {
		return stats, err
	}
	stats.AvgDurationMS24h = avg.Float64
	return stats, nil
}
