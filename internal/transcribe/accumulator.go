package transcribe

import (
	"strings"
	"sync"
)

// Accumulator reduces an ordered stream of transcript events into one
// committed utterance per turn. Finals append space-joined; partials only
// refresh the live preview and are never committed. Once sealed, late events
// are dropped, so the committed text can be read without racing a straggler
// partial that arrives after the turn ended.
type Accumulator struct {
	mu      sync.Mutex
	finals  []string
	partial string
	sealed  bool
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply folds one event in. Returns true when the event changed the live
// preview, so callers know to refresh the UI.
func (a *Accumulator) Apply(ev Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return false
	}
	text := strings.TrimSpace(ev.Text)
	if ev.IsFinal {
		if text != "" {
			a.finals = append(a.finals, text)
		}
		a.partial = ""
		return text != ""
	}
	if text == a.partial {
		return false
	}
	a.partial = text
	return true
}

// Preview returns committed text plus the current unstable partial, the way
// the live caption renders mid-turn.
func (a *Accumulator) Preview() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	joined := strings.Join(a.finals, " ")
	if a.partial == "" {
		return joined
	}
	if joined == "" {
		return a.partial
	}
	return joined + " " + a.partial
}

// Seal freezes the accumulator and returns the committed transcript. The
// partial preview is discarded: only stabilized fragments count.
func (a *Accumulator) Seal() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
	a.partial = ""
	return strings.Join(a.finals, " ")
}

// Committed returns the committed transcript so far without sealing.
func (a *Accumulator) Committed() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.finals, " ")
}

// HasCommitted reports whether any final fragment landed this turn.
func (a *Accumulator) HasCommitted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.finals) > 0
}
