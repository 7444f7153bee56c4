package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/innercircle/echovoice/internal/observability"
)

var ErrNotFound = errors.New("session not found")

// Manager tracks live session engines and expires the ones the shell
// abandoned without ending. Expiry runs the normal end path so an abandoned
// session still saves its journal.
type Manager struct {
	mu                sync.RWMutex
	engines           map[string]*Engine
	inactivityTimeout time.Duration
	metrics           *observability.Metrics
	onExpire          func(*Engine)
}

func NewManager(inactivityTimeout time.Duration, metrics *observability.Metrics) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	return &Manager{
		engines:           make(map[string]*Engine),
		inactivityTimeout: inactivityTimeout,
		metrics:           metrics,
	}
}

func (m *Manager) SetExpireHook(hook func(*Engine)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Add(eng *Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engines[eng.ID()] = eng
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
}

func (m *Manager) Get(sessionID string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return eng, nil
}

// Remove drops the engine from tracking. Ending it is the caller's job.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[sessionID]; !ok {
		return
	}
	delete(m.engines, sessionID)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, eng := range m.engines {
		if !eng.Ended() {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(ctx)
			}
		}
	}()
}

func (m *Manager) expireInactive(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*Engine
	for id, eng := range m.engines {
		if eng.Ended() {
			delete(m.engines, id)
			if m.metrics != nil {
				m.metrics.ActiveSessions.Dec()
			}
			continue
		}
		if now.Sub(eng.LastActivity()) < m.inactivityTimeout {
			continue
		}
		delete(m.engines, id)
		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
		}
		expired = append(expired, eng)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, eng := range expired {
		if m.metrics != nil {
			m.metrics.SessionEvents.WithLabelValues("expired").Inc()
		}
		eng.End(ctx)
		if hook != nil {
			hook(eng)
		}
	}
}
