package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/innercircle/echovoice/internal/audio"
)

func newManagedEngine(t *testing.T, be *fakeBackend) *Engine {
	t.Helper()
	return NewEngine(Options{
		UserID:     1,
		Tone:       "neutral",
		SampleRate: 16000,
		CaptureDir: t.TempDir(),
		Guard:      audio.NopRouteGuard{},
		Provider:   &fakeProvider{stream: newFakeStream()},
		Backend:    be,
		Sink:       &recordSink{},
		Log:        zerolog.Nop(),
	})
}

func TestManagerAddGetRemove(t *testing.T) {
	m := NewManager(time.Minute, nil)
	eng := newManagedEngine(t, &fakeBackend{})

	m.Add(eng)
	got, err := m.Get(eng.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID() != eng.ID() {
		t.Fatalf("got session %q, want %q", got.ID(), eng.ID())
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", m.ActiveCount())
	}

	m.Remove(eng.ID())
	if _, err := m.Get(eng.ID()); err != ErrNotFound {
		t.Fatalf("Get after remove = %v, want ErrNotFound", err)
	}
}

func TestManagerGetUnknown(t *testing.T) {
	m := NewManager(time.Minute, nil)
	if _, err := m.Get("missing"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestJanitorExpiresInactiveSessions(t *testing.T) {
	m := NewManager(20*time.Millisecond, nil)
	eng := newManagedEngine(t, &fakeBackend{})
	m.Add(eng)

	var mu sync.Mutex
	var expired []*Engine
	m.SetExpireHook(func(e *Engine) {
		mu.Lock()
		expired = append(expired, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(expired)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0].ID() != eng.ID() {
		t.Fatalf("expired = %d sessions, want the inactive one", len(expired))
	}
	if !eng.Ended() {
		t.Fatal("expired session must be ended")
	}
	if _, err := m.Get(eng.ID()); err != ErrNotFound {
		t.Fatal("expired session should be removed from tracking")
	}
}

func TestJanitorDoesNotExpireActiveSessions(t *testing.T) {
	m := NewManager(time.Hour, nil)
	eng := newManagedEngine(t, &fakeBackend{})
	m.Add(eng)

	m.expireInactive(context.Background())

	if _, err := m.Get(eng.ID()); err != nil {
		t.Fatalf("recently active session was expired: %v", err)
	}
	if eng.Ended() {
		t.Fatal("active session must not be ended by the janitor")
	}
}

func TestJanitorSweepsEndedSessions(t *testing.T) {
	m := NewManager(time.Hour, nil)
	eng := newManagedEngine(t, &fakeBackend{})
	m.Add(eng)
	eng.End(context.Background())

	m.expireInactive(context.Background())

	if _, err := m.Get(eng.ID()); err != ErrNotFound {
		t.Fatal("ended session should be swept")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("active = %d, want 0", m.ActiveCount())
	}
}
