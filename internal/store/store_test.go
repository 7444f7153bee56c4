package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/innercircle/echovoice/internal/backend"
	"github.com/innercircle/echovoice/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScheduleCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.ScheduleCache(1); err != nil || ok {
		t.Fatalf("ScheduleCache(empty) = ok=%v err=%v", ok, err)
	}

	sched := backend.Schedule{
		ID: 5, UserID: 1, Time: "09:00",
		DaysOfWeek: []string{"monday", "friday"}, IsEnabled: true,
		Timezone: "Europe/Rome", ConversationMode: "voice",
	}
	if err := s.SaveScheduleCache(sched); err != nil {
		t.Fatalf("SaveScheduleCache() error = %v", err)
	}

	got, ok, err := s.ScheduleCache(1)
	if err != nil || !ok {
		t.Fatalf("ScheduleCache() = ok=%v err=%v", ok, err)
	}
	if got.Time != "09:00" || len(got.DaysOfWeek) != 2 || got.ConversationMode != "voice" {
		t.Fatalf("cached schedule = %+v", got)
	}

	// Second save replaces, not appends.
	sched.Time = "21:30"
	if err := s.SaveScheduleCache(sched); err != nil {
		t.Fatalf("SaveScheduleCache(update) error = %v", err)
	}
	got, _, _ = s.ScheduleCache(1)
	if got.Time != "21:30" {
		t.Fatalf("cached time = %q, want updated value", got.Time)
	}
}

func TestReplaceTriggerKeepsExactlyOnePending(t *testing.T) {
	s := openTestStore(t)

	first := Trigger{
		FireAt:  time.Now().Add(2 * time.Minute),
		Payload: protocol.PayloadForMode("voice"),
	}
	second := Trigger{
		FireAt:  time.Now().Add(10 * time.Minute),
		Payload: protocol.PayloadForMode("text"),
	}

	if err := s.ReplaceTrigger(first); err != nil {
		t.Fatalf("ReplaceTrigger(first) error = %v", err)
	}
	if err := s.ReplaceTrigger(second); err != nil {
		t.Fatalf("ReplaceTrigger(second) error = %v", err)
	}

	pending, err := s.PendingTriggers()
	if err != nil {
		t.Fatalf("PendingTriggers() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want exactly 1 after two schedules", len(pending))
	}
	if pending[0].Payload.Screen != protocol.ScreenCompose {
		t.Fatalf("payload = %+v, want the second trigger", pending[0].Payload)
	}
}

func TestClearTriggers(t *testing.T) {
	s := openTestStore(t)
	if err := s.ReplaceTrigger(Trigger{FireAt: time.Now(), Payload: protocol.PayloadForMode("voice")}); err != nil {
		t.Fatalf("ReplaceTrigger() error = %v", err)
	}
	if err := s.ClearTriggers(); err != nil {
		t.Fatalf("ClearTriggers() error = %v", err)
	}
	pending, _ := s.PendingTriggers()
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

func TestPreferenceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if _, ok, _ := s.Preference("tone"); ok {
		t.Fatalf("Preference(empty) ok = true")
	}
	if err := s.SetPreference("tone", "warmer"); err != nil {
		t.Fatalf("SetPreference() error = %v", err)
	}
	if err := s.SetPreference("tone", "clear"); err != nil {
		t.Fatalf("SetPreference(update) error = %v", err)
	}
	got, ok, err := s.Preference("tone")
	if err != nil || !ok || got != "clear" {
		t.Fatalf("Preference() = %q ok=%v err=%v", got, ok, err)
	}
}
