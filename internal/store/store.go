// Package store keeps the engine's device-local state: the cached copy of
// the remote schedule, the one-shot local trigger ledger, and persisted
// preferences. SQLite keeps it intact across app restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/innercircle/echovoice/internal/backend"
	"github.com/innercircle/echovoice/internal/protocol"
)

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Trigger is one pending one-shot local notification.
type Trigger struct {
	FireAt  time.Time
	Payload protocol.NotificationPayload
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedule_cache (
		user_id INTEGER PRIMARY KEY,
		payload TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fire_at INTEGER NOT NULL,
		screen TEXT NOT NULL,
		flow_type TEXT NOT NULL,
		conversation_mode TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// SaveScheduleCache replaces the cached copy of the user's schedule.
func (s *Store) SaveScheduleCache(sched backend.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(sched)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO schedule_cache (user_id, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		sched.UserID, string(payload), time.Now().UnixMilli(),
	)
	return err
}

// ScheduleCache returns the cached schedule for a user, if one was saved.
func (s *Store) ScheduleCache(userID int) (backend.Schedule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM schedule_cache WHERE user_id = ?`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.Schedule{}, false, nil
	}
	if err != nil {
		return backend.Schedule{}, false, err
	}
	var sched backend.Schedule
	if err := json.Unmarshal([]byte(payload), &sched); err != nil {
		return backend.Schedule{}, false, err
	}
	return sched, true, nil
}

// ReplaceTrigger cancels every pending trigger and records exactly one new
// one, atomically. The one-shot OS primitive cannot recur, so the ledger
// never holds more than a single row.
func (s *Store) ReplaceTrigger(trig Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pending_triggers`); err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO pending_triggers (fire_at, screen, flow_type, conversation_mode, created_at) VALUES (?, ?, ?, ?, ?)`,
		trig.FireAt.UnixMilli(), string(trig.Payload.Screen), string(trig.Payload.FlowType), trig.Payload.Mode, time.Now().UnixMilli(),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ClearTriggers drops all pending triggers (schedule disabled or deleted).
func (s *Store) ClearTriggers() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM pending_triggers`)
	return err
}

// PendingTriggers lists pending one-shot triggers, soonest first.
func (s *Store) PendingTriggers() ([]Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT fire_at, screen, flow_type, conversation_mode FROM pending_triggers ORDER BY fire_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var fireAt int64
		var screen, flow, mode string
		if err := rows.Scan(&fireAt, &screen, &flow, &mode); err != nil {
			return nil, err
		}
		out = append(out, Trigger{
			FireAt: time.UnixMilli(fireAt),
			Payload: protocol.NotificationPayload{
				Screen:   protocol.NotificationScreen(screen),
				FlowType: protocol.NotificationFlow(flow),
				Mode:     mode,
			},
		})
	}
	return out, rows.Err()
}

// SetPreference persists a key/value preference (tone preset, etc.).
func (s *Store) SetPreference(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO preferences (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Preference reads a persisted preference.
func (s *Store) Preference(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
