// Package store persists proxied frames and per-bot authentication state in
// a local SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Message is one persisted wire frame.
type Message struct {
	ID           int64
	ConnectionID string
	Direction    string
	SelfID       int64
	Payload      string
	CreatedAt    time.Time
}

// AuthStatus is the authentication record of one bot id.
type AuthStatus struct {
	BotID           string
	Authenticated   bool
	AuthenticatedAt sql.NullTime
	FailedAttempts  int
	LastAttemptAt   sql.NullTime
	Banned          bool
	BannedUntil     sql.NullTime
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes itself; one connection avoids
	// SQLITE_BUSY under concurrent proxy loops.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ClearExpiredBans(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			self_id INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_connection ON messages(connection_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS auth_status (
			bot_id TEXT PRIMARY KEY,
			is_authenticated BOOLEAN NOT NULL DEFAULT 0,
			authenticated_at DATETIME,
			failed_attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at DATETIME,
			is_banned BOOLEAN NOT NULL DEFAULT 0,
			banned_until DATETIME
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}

// SaveMessage records one frame that crossed the proxy.
func (s *Store) SaveMessage(connectionID, direction string, selfID int64, payload []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (connection_id, direction, self_id, payload) VALUES (?, ?, ?, ?)`,
		connectionID, direction, selfID, string(payload),
	)
	return err
}

// RecentMessages returns up to limit frames of a connection, newest first.
func (s *Store) RecentMessages(connectionID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, connection_id, direction, self_id, payload, created_at
		 FROM messages WHERE connection_id = ? ORDER BY id DESC LIMIT ?`,
		connectionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConnectionID, &m.Direction, &m.SelfID, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetAuthStatus fetches the record for a bot id, returning a zero record
// when the bot has never been seen.
func (s *Store) GetAuthStatus(botID string) (AuthStatus, error) {
	var a AuthStatus
	err := s.db.QueryRow(
		`SELECT bot_id, is_authenticated, authenticated_at, failed_attempts, last_attempt_at, is_banned, banned_until
		 FROM auth_status WHERE bot_id = ?`, botID,
	).Scan(&a.BotID, &a.Authenticated, &a.AuthenticatedAt, &a.FailedAttempts, &a.LastAttemptAt, &a.Banned, &a.BannedUntil)
	if err == sql.ErrNoRows {
		return AuthStatus{BotID: botID}, nil
	}
	if err != nil {
		return AuthStatus{}, err
	}
	if a.Banned && a.BannedUntil.Valid && time.Now().After(a.BannedUntil.Time) {
		if err := s.liftBan(botID); err != nil {
			return AuthStatus{}, err
		}
		a.Banned = false
		a.BannedUntil = sql.NullTime{}
		a.FailedAttempts = 0
	}
	return a, nil
}

// SetAuthenticated marks a bot as authenticated and resets its failure
// counters.
func (s *Store) SetAuthenticated(botID string) error {
	_, err := s.db.Exec(
		`INSERT INTO auth_status (bot_id, is_authenticated, authenticated_at, failed_attempts, is_banned, banned_until)
		 VALUES (?, 1, CURRENT_TIMESTAMP, 0, 0, NULL)
		 ON CONFLICT(bot_id) DO UPDATE SET
			is_authenticated = 1,
			authenticated_at = CURRENT_TIMESTAMP,
			failed_attempts = 0,
			is_banned = 0,
			banned_until = NULL`, botID,
	)
	return err
}

// RecordFailedAttempt increments the failure counter and bans the bot for
// banDuration once maxAttempts is reached. It returns the updated record.
func (s *Store) RecordFailedAttempt(botID string, maxAttempts int, banDuration time.Duration) (AuthStatus, error) {
	_, err := s.db.Exec(
		`INSERT INTO auth_status (bot_id, failed_attempts, last_attempt_at)
		 VALUES (?, 1, CURRENT_TIMESTAMP)
		 ON CONFLICT(bot_id) DO UPDATE SET
			failed_attempts = failed_attempts + 1,
			last_attempt_at = CURRENT_TIMESTAMP`, botID,
	)
	if err != nil {
		return AuthStatus{}, err
	}
	a, err := s.GetAuthStatus(botID)
	if err != nil {
		return AuthStatus{}, err
	}
	if !a.Banned && a.FailedAttempts >= maxAttempts {
		until := time.Now().Add(banDuration)
		if _, err := s.db.Exec(
			`UPDATE auth_status SET is_banned = 1, banned_until = ? WHERE bot_id = ?`,
			until, botID,
		); err != nil {
			return AuthStatus{}, err
		}
		a.Banned = true
		a.BannedUntil = sql.NullTime{Time: until, Valid: true}
	}
	return a, nil
}

// ClearExpiredBans lifts every ban whose window has passed. Called on open
// so a restart never leaves stale bans behind.
func (s *Store) ClearExpiredBans() error {
	_, err := s.db.Exec(
		`UPDATE auth_status SET is_banned = 0, banned_until = NULL, failed_attempts = 0
		 WHERE is_banned = 1 AND banned_until IS NOT NULL AND banned_until < CURRENT_TIMESTAMP`,
	)
	return err
}

func (s *Store) liftBan(botID string) error {
	_, err := s.db.Exec(
		`UPDATE auth_status SET is_banned = 0, banned_until = NULL, failed_attempts = 0 WHERE bot_id = ?`,
		botID,
	)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
