package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/innercircle/echovoice/internal/observability"
	"github.com/innercircle/echovoice/internal/race"
)

// Tone is a fixed pitch+rate pair for platform TTS. Changing tone never
// affects an utterance already in flight.
type Tone struct {
	Name  string
	Pitch float64
	Rate  float64
}

var tones = map[string]Tone{
	"warmer":  {Name: "warmer", Pitch: 0.95, Rate: 0.9},
	"neutral": {Name: "neutral", Pitch: 1.0, Rate: 1.0},
	"clear":   {Name: "clear", Pitch: 1.05, Rate: 1.1},
}

func ToneByName(name string) (Tone, bool) {
	t, ok := tones[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Dispatcher hands utterances to whatever actually produces sound (the
// device shell, over the session websocket).
type Dispatcher interface {
	DispatchSpeak(utteranceID, text string, tone Tone) error
	DispatchStop(utteranceID string)
}

// CompletionSource names which signal ended an utterance.
type CompletionSource string

const (
	CompletionCallback CompletionSource = "callback"
	CompletionTimeout  CompletionSource = "timeout"
	CompletionStopped  CompletionSource = "stopped"
)

var ErrAlreadySpeaking = errors.New("utterance already in flight")

// Timeout computes the playback deadline for text: max(3s, ceil(len/15)*1s).
// The platform "finished speaking" callback is unreliable, so this deadline
// is always armed alongside it.
func Timeout(text string) time.Duration {
	n := len([]rune(text))
	secs := (n + 14) / 15
	if secs < 3 {
		secs = 3
	}
	return time.Duration(secs) * time.Second
}

type utterance struct {
	id       string
	finished chan struct{}
	stopped  chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

// Player drives text-to-speech playback with a reliable done signal:
// completion is the earlier of the shell's callback and the computed
// timeout, and Stop resolves the wait immediately.
type Player struct {
	dispatcher Dispatcher
	metrics    *observability.Metrics
	log        zerolog.Logger

	mu      sync.Mutex
	tone    Tone
	current *utterance
}

func NewPlayer(dispatcher Dispatcher, tone string, metrics *observability.Metrics, log zerolog.Logger) *Player {
	t, ok := ToneByName(tone)
	if !ok {
		t = tones["neutral"]
	}
	return &Player{dispatcher: dispatcher, metrics: metrics, log: log, tone: t}
}

func (p *Player) Tone() Tone {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tone
}

// SetTone switches the preset for future utterances only.
func (p *Player) SetTone(name string) error {
	t, ok := ToneByName(name)
	if !ok {
		return fmt.Errorf("unknown tone preset %q", name)
	}
	p.mu.Lock()
	p.tone = t
	p.mu.Unlock()
	return nil
}

// Speak dispatches text to the shell and blocks until playback completes.
// It always resolves within Timeout(text) plus scheduling slack, even if the
// shell never reports back.
func (p *Player) Speak(ctx context.Context, text string) (CompletionSource, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return CompletionCallback, nil
	}

	u := &utterance{
		id:       uuid.NewString(),
		finished: make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	p.mu.Lock()
	if p.current != nil {
		p.mu.Unlock()
		return "", ErrAlreadySpeaking
	}
	p.current = u
	tone := p.tone
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.current == u {
			p.current = nil
		}
		p.mu.Unlock()
	}()

	deadline := Timeout(text)
	start := time.Now()
	if err := p.dispatcher.DispatchSpeak(u.id, text, tone); err != nil {
		return "", err
	}

	// Scoped cancel releases the losing watcher goroutines once a winner is
	// picked.
	raceCtx, cancelRace := context.WithCancel(ctx)
	defer cancelRace()

	out, err := race.First(raceCtx, u.finished, u.stopped, race.After(deadline))
	if err != nil {
		// Screen teardown mid-utterance: tell the shell to hush on the way out.
		p.dispatcher.DispatchStop(u.id)
		return "", err
	}

	source := CompletionCallback
	switch out.Index {
	case 1:
		source = CompletionStopped
	case 2:
		source = CompletionTimeout
		p.log.Debug().Str("utterance_id", u.id).Dur("deadline", deadline).Msg("speech completion callback never fired, timeout won")
	}
	if p.metrics != nil {
		p.metrics.SpeakCompletions.WithLabelValues(string(source)).Inc()
		p.metrics.ObserveSpeakLatency(time.Since(start))
		if source == CompletionTimeout {
			p.metrics.Turns.ObserveIndicator("speak_timeout")
		}
	}
	return source, nil
}

// NotifyFinished is the shell's completion callback. Unknown or stale
// utterance ids are ignored.
func (p *Player) NotifyFinished(utteranceID string) {
	p.mu.Lock()
	u := p.current
	p.mu.Unlock()
	if u == nil {
		return
	}
	if utteranceID != "" && utteranceID != u.id {
		return
	}
	u.doneOnce.Do(func() { close(u.finished) })
}

// Stop halts any in-flight utterance. Idempotent and safe when nothing is
// speaking.
func (p *Player) Stop() {
	p.mu.Lock()
	u := p.current
	p.mu.Unlock()
	if u == nil {
		return
	}
	p.dispatcher.DispatchStop(u.id)
	u.stopOnce.Do(func() { close(u.stopped) })
}

// Speaking reports whether an utterance is in flight.
func (p *Player) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}
