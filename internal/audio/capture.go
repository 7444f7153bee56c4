package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/innercircle/echovoice/internal/reliability"
)

// RouteGuard mutates the shared OS audio route so recording works while the
// ringer is silent. The engine must release it on every exit path; holding
// it leaves the whole device in recording mode.
type RouteGuard interface {
	EnableRecording(ctx context.Context) error
	DisableRecording()
}

// NopRouteGuard satisfies RouteGuard for shells that manage the audio route
// themselves.
type NopRouteGuard struct{}

func (NopRouteGuard) EnableRecording(context.Context) error { return nil }
func (NopRouteGuard) DisableRecording()                     {}

var ErrCaptureInactive = errors.New("capture not active")

// Capture owns the recording resource for one listening turn: it acquires
// the route guard on Start, buffers PCM16 chunks, and on Stop seals the turn
// into a WAV file whose URI the fallback upload path can read. One Capture
// handles one turn at a time; overlapping starts are a caller error guarded
// by the session state machine, not here.
type Capture struct {
	guard      RouteGuard
	dir        string
	sampleRate int

	mu     sync.Mutex
	active bool
	pcm    bytes.Buffer
}

func NewCapture(guard RouteGuard, dir string, sampleRate int) *Capture {
	if guard == nil {
		guard = NopRouteGuard{}
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Capture{guard: guard, dir: dir, sampleRate: sampleRate}
}

// Start acquires the audio route and begins buffering. A permission refusal
// comes back as a PermissionDenied taxonomy error with the guard released.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return errors.New("capture already active")
	}
	if err := c.guard.EnableRecording(ctx); err != nil {
		c.guard.DisableRecording()
		if reliability.KindOf(err) == reliability.KindPermissionDenied {
			return err
		}
		return reliability.Wrap(reliability.KindPermissionDenied, "allow microphone access in system settings", err)
	}
	c.pcm.Reset()
	c.active = true
	return nil
}

// Write appends a PCM16LE chunk to the active turn.
func (c *Capture) Write(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ErrCaptureInactive
	}
	_, err := c.pcm.Write(pcm)
	return err
}

// Stop releases the route guard, seals the buffered audio into a WAV file,
// and returns its URI plus the raw PCM. The guard is released even when the
// file write fails.
func (c *Capture) Stop() (uri string, pcm []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return "", nil, ErrCaptureInactive
	}
	c.active = false
	defer c.guard.DisableRecording()

	pcm = append([]byte(nil), c.pcm.Bytes()...)
	c.pcm.Reset()

	f, err := os.CreateTemp(c.dir, "turn-*.wav")
	if err != nil {
		return "", pcm, fmt.Errorf("create turn file: %w", err)
	}
	defer f.Close()
	if err := WriteWAVPCM16LETo(f, pcm, c.sampleRate); err != nil {
		os.Remove(f.Name())
		return "", pcm, fmt.Errorf("seal turn audio: %w", err)
	}
	return filepath.ToSlash(f.Name()), pcm, nil
}

// Abort discards the turn without producing a file. Safe to call whether or
// not the capture is active; the guard always ends up released.
func (c *Capture) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.active = false
		c.pcm.Reset()
	}
	c.guard.DisableRecording()
}

// Active reports whether a turn is currently buffering.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
