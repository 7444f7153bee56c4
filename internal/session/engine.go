package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/innercircle/echovoice/internal/audio"
	"github.com/innercircle/echovoice/internal/backend"
	"github.com/innercircle/echovoice/internal/observability"
	"github.com/innercircle/echovoice/internal/protocol"
	"github.com/innercircle/echovoice/internal/race"
	"github.com/innercircle/echovoice/internal/reliability"
	"github.com/innercircle/echovoice/internal/speech"
	"github.com/innercircle/echovoice/internal/transcribe"
)

type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultOpeningQuestion is spoken when the prompt endpoint is unreachable,
// so a session never opens into silence.
const DefaultOpeningQuestion = "What's on your mind today?"

// defaultStreamDrainTimeout bounds how long a finished turn waits for the
// streaming provider to flush its final transcripts after CloseSend.
const defaultStreamDrainTimeout = 5 * time.Second

// Message is one conversation entry. IDs are synthesized locally because the
// backend only ever sees the finished journal, never individual messages.
type Message struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
	AudioURI string    `json:"audio_uri,omitempty"`
}

func newMessageID(at time.Time, role Role) string {
	return fmt.Sprintf("%d-%s-%s", at.UnixMilli(), role, uuid.NewString()[:8])
}

// Reflector is the slice of the backend client a session needs.
type Reflector interface {
	Reflect(ctx context.Context, content string) (reply string, usedFallback bool)
	Question(ctx context.Context, userID, days int) (string, error)
	SaveJournal(ctx context.Context, entry backend.JournalCreate) (int, error)
}

// Sink receives outbound protocol messages for the device shell.
type Sink interface {
	Send(msg any)
}

type SinkFunc func(msg any)

func (f SinkFunc) Send(msg any) { f(msg) }

// Options configures a single session engine.
type Options struct {
	UserID               int
	RecordOnly           bool
	Tone                 string
	QuestionLookbackDays int
	SampleRate           int
	CaptureDir           string
	Guard                audio.RouteGuard
	Provider             transcribe.Provider
	Backend              Reflector
	Sink                 Sink
	Metrics              *observability.Metrics
	Log                  zerolog.Logger
	// StreamDrainTimeout overrides how long a turn waits for the streaming
	// provider to close after CloseSend. Zero means the default.
	StreamDrainTimeout time.Duration
}

// Engine runs one voice journaling session: a state machine over listening
// turns, at most one reflection exchange, and a single save on end.
type Engine struct {
	id      string
	opts    Options
	player  *speech.Player
	capture *audio.Capture
	log     zerolog.Logger

	mu              sync.Mutex
	state           State
	messages        []Message
	hasResponded    bool
	openingQuestion string
	acc             *transcribe.Accumulator
	stream          transcribe.Stream
	startedAt       time.Time
	lastActivity    time.Time
	entryID         int
	saved           bool
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		id:           uuid.NewString(),
		opts:         opts,
		state:        StateIdle,
		startedAt:    time.Now().UTC(),
		lastActivity: time.Now().UTC(),
	}
	e.log = opts.Log.With().Str("session_id", e.id).Logger()
	e.capture = audio.NewCapture(opts.Guard, opts.CaptureDir, opts.SampleRate)
	e.player = speech.NewPlayer(e, opts.Tone, opts.Metrics, e.log)
	if opts.Metrics != nil {
		opts.Metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	return e
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

func (e *Engine) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateEnded
}

// Summary is the REST view of a session.
type Summary struct {
	SessionID      string    `json:"session_id"`
	UserID         int       `json:"user_id"`
	State          State     `json:"state"`
	RecordOnly     bool      `json:"record_only"`
	HasResponded   bool      `json:"has_responded"`
	MessageCount   int       `json:"message_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (e *Engine) Snapshot() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Summary{
		SessionID:      e.id,
		UserID:         e.opts.UserID,
		State:          e.state,
		RecordOnly:     e.opts.RecordOnly,
		HasResponded:   e.hasResponded,
		MessageCount:   len(e.messages),
		StartedAt:      e.startedAt,
		LastActivityAt: e.lastActivity,
	}
}

func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.messages...)
}

// Start seeds the opening prompt. Reflection sessions open with a question
// fetched from the backend and spoken aloud; record-only sessions open
// silently.
func (e *Engine) Start(ctx context.Context) {
	e.emitState()
	if e.opts.RecordOnly {
		return
	}
	question, err := e.opts.Backend.Question(ctx, e.opts.UserID, e.opts.QuestionLookbackDays)
	if err != nil || strings.TrimSpace(question) == "" {
		if err != nil {
			e.log.Warn().Err(err).Msg("question fetch failed, using default")
		}
		question = DefaultOpeningQuestion
	}

	e.mu.Lock()
	e.openingQuestion = question
	e.appendLocked(RoleAssistant, question, "")
	e.mu.Unlock()

	go e.speakText(ctx, question)
}

// StartListening opens a capture turn. Permitted from idle, or from speaking
// (the user talking over playback stops it). A fresh transcript accumulator
// and streaming connection belong to each turn.
func (e *Engine) StartListening(ctx context.Context) {
	e.mu.Lock()
	switch e.state {
	case StateIdle:
	case StateSpeaking:
		e.mu.Unlock()
		e.player.Stop()
		e.mu.Lock()
		if e.state != StateIdle && e.state != StateSpeaking {
			e.mu.Unlock()
			return
		}
	default:
		e.mu.Unlock()
		return
	}
	e.lastActivity = time.Now().UTC()
	e.mu.Unlock()

	if err := e.capture.Start(ctx); err != nil {
		e.emitError("capture", err)
		return
	}

	acc := transcribe.NewAccumulator()
	stream, err := e.opts.Provider.StartStream(ctx)
	if err != nil {
		// Streaming is best-effort; the sealed recording will go through
		// the upload path instead.
		e.log.Warn().Err(err).Msg("live transcription unavailable, will fall back to upload")
		e.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: e.id, Code: "stt_stream_unavailable"})
		stream = nil
	}

	e.mu.Lock()
	e.acc = acc
	e.stream = stream
	e.state = StateListening
	e.mu.Unlock()
	e.emitState()

	if stream != nil {
		go e.pumpTranscripts(acc, stream)
	}
}

func (e *Engine) pumpTranscripts(acc *transcribe.Accumulator, stream transcribe.Stream) {
	for ev := range stream.Events() {
		changed := acc.Apply(ev)
		if e.opts.Metrics != nil {
			kind := "partial"
			if ev.IsFinal {
				kind = "final"
			}
			e.opts.Metrics.TranscriptEvents.WithLabelValues(kind).Inc()
		}
		if !changed {
			continue
		}
		e.send(protocol.TranscriptPartial{
			Type:      protocol.TypeTranscriptPartial,
			SessionID: e.id,
			Text:      acc.Preview(),
			TSMs:      time.Now().UnixMilli(),
		})
	}
}

// Audio feeds one decoded PCM chunk into the active turn. Chunks arriving
// outside a listening turn are dropped.
func (e *Engine) Audio(ctx context.Context, pcm []byte) {
	e.mu.Lock()
	if e.state != StateListening {
		e.mu.Unlock()
		return
	}
	stream := e.stream
	e.lastActivity = time.Now().UTC()
	e.mu.Unlock()

	if err := e.capture.Write(pcm); err != nil {
		return
	}
	if stream != nil {
		if err := stream.SendAudio(ctx, pcm); err != nil {
			e.log.Warn().Err(err).Msg("live stream send failed, downgrading to upload fallback")
			stream.Close()
			e.mu.Lock()
			if e.stream == stream {
				e.stream = nil
			}
			e.mu.Unlock()
		}
	}
}

// StopListening seals the turn and runs it to completion in the background:
// transcript resolution, optional reflection exchange, speech playback.
func (e *Engine) StopListening(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateListening {
		e.mu.Unlock()
		return
	}
	e.state = StateProcessing
	e.lastActivity = time.Now().UTC()
	acc := e.acc
	stream := e.stream
	e.acc = nil
	e.stream = nil
	e.mu.Unlock()
	e.emitState()

	go e.finishTurn(ctx, acc, stream)
}

func (e *Engine) finishTurn(ctx context.Context, acc *transcribe.Accumulator, stream transcribe.Stream) {
	uri, pcm, err := e.capture.Stop()
	if err != nil {
		if e.Ended() || errors.Is(err, audio.ErrCaptureInactive) {
			return
		}
		e.emitError("capture", err)
		e.toIdle()
		return
	}

	if stream != nil {
		if err := stream.CloseSend(ctx); err != nil {
			e.log.Debug().Err(err).Msg("close stream send")
		}
		e.drainStream(ctx, acc, stream)
	}

	transcript := acc.Seal()
	if transcript == "" && len(pcm) > 0 {
		if e.opts.Metrics != nil {
			e.opts.Metrics.TranscriptEvents.WithLabelValues("fallback_upload").Inc()
		}
		wav, err := audio.EncodeWAVPCM16LE(pcm, e.opts.SampleRate)
		if err != nil {
			e.emitError("encode", err)
			e.toIdle()
			return
		}
		text, err := e.opts.Provider.TranscribeFile(ctx, wav)
		if err != nil {
			e.emitError("transcribe", err)
			e.toIdle()
			return
		}
		transcript = strings.TrimSpace(text)
	}

	if transcript == "" {
		if e.opts.Metrics != nil {
			e.opts.Metrics.TranscriptEvents.WithLabelValues("empty").Inc()
		}
		e.send(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: e.id, Code: "empty_utterance"})
		e.toIdle()
		return
	}

	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	e.appendLocked(RoleUser, transcript, uri)
	alreadyResponded := e.hasResponded || e.opts.RecordOnly
	if !alreadyResponded {
		// Marked before the exchange is dispatched so a concurrent turn
		// can never trigger a second agent call.
		e.hasResponded = true
	}
	e.mu.Unlock()

	if alreadyResponded {
		e.toIdle()
		return
	}

	reply, usedFallback := e.opts.Backend.Reflect(ctx, transcript)
	if e.opts.Metrics != nil {
		outcome := "ok"
		if usedFallback {
			outcome = "fallback"
		}
		e.opts.Metrics.ReflectionOutcomes.WithLabelValues(outcome).Inc()
	}

	e.mu.Lock()
	e.appendLocked(RoleAssistant, reply, "")
	e.mu.Unlock()

	e.speakText(ctx, reply)
}

// drainStream collects the tail of final transcripts after CloseSend. A
// half-open connection can leave Events() open forever, so the drain races
// a deadline; on timeout the stream is forced shut, which errors the reader
// out and closes the channel. The turn then proceeds on whatever finals
// arrived, falling back to upload transcription if none did.
func (e *Engine) drainStream(ctx context.Context, acc *transcribe.Accumulator, stream transcribe.Stream) {
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range stream.Events() {
			acc.Apply(ev)
		}
	}()

	timeout := e.opts.StreamDrainTimeout
	if timeout <= 0 {
		timeout = defaultStreamDrainTimeout
	}
	raceCtx, cancelRace := context.WithCancel(ctx)
	out, err := race.First(raceCtx, drained, race.After(timeout))
	cancelRace()
	if err != nil || out.Index != 0 {
		e.log.Warn().Msg("stream did not close after drain deadline, forcing it shut")
		stream.Close()
		<-drained
		return
	}
	stream.Close()
}

func (e *Engine) speakText(ctx context.Context, text string) {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	e.state = StateSpeaking
	e.mu.Unlock()
	e.emitState()

	if _, err := e.player.Speak(ctx, text); err != nil {
		e.log.Warn().Err(err).Msg("speak failed")
	}
	e.toIdle()
}

func (e *Engine) toIdle() {
	e.mu.Lock()
	// Only processing and speaking return to idle. A stale completion must
	// not yank a newly started listening turn back.
	if e.state != StateProcessing && e.state != StateSpeaking {
		e.mu.Unlock()
		return
	}
	e.state = StateIdle
	e.lastActivity = time.Now().UTC()
	e.mu.Unlock()
	e.emitState()
}

// SpeechFinished is the shell's playback completion callback.
func (e *Engine) SpeechFinished(utteranceID string) {
	e.player.NotifyFinished(utteranceID)
}

// SetTone switches the voice preset for subsequent utterances. An utterance
// already in flight keeps the tone it was dispatched with.
func (e *Engine) SetTone(name string) {
	if err := e.player.SetTone(name); err != nil {
		e.emitError("speech", err)
	}
}

// End finishes the session from any state. Active capture is aborted without
// transcription, playback is stopped, and the journal is saved exactly once
// if at least one user message exists.
func (e *Engine) End(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateEnded {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateEnded
	e.lastActivity = time.Now().UTC()
	stream := e.stream
	e.stream = nil
	e.acc = nil
	e.mu.Unlock()

	if prev == StateListening {
		e.capture.Abort()
	}
	if stream != nil {
		stream.Close()
	}
	e.player.Stop()

	e.persist(ctx)
	e.emitState()
	if e.opts.Metrics != nil {
		e.opts.Metrics.SessionEvents.WithLabelValues("ended").Inc()
	}
}

func (e *Engine) persist(ctx context.Context) {
	e.mu.Lock()
	if e.saved {
		e.mu.Unlock()
		return
	}
	var parts []string
	for _, msg := range e.messages {
		if msg.Role == RoleUser {
			parts = append(parts, msg.Text)
		}
	}
	prompt := e.openingQuestion
	e.mu.Unlock()

	if len(parts) == 0 {
		return
	}
	content := strings.Join(parts, " ")

	entryID, err := e.opts.Backend.SaveJournal(ctx, backend.JournalCreate{
		UserID:          e.opts.UserID,
		Content:         content,
		PromptUsed:      prompt,
		IsVoiceEntry:    true,
		VoiceTranscript: content,
		EntryType:       "voice",
	})
	if err != nil {
		e.emitError("backend", err)
		return
	}

	e.mu.Lock()
	e.saved = true
	e.entryID = entryID
	e.mu.Unlock()
	e.send(protocol.SessionSaved{Type: protocol.TypeSessionSaved, SessionID: e.id, EntryID: entryID})
	e.log.Info().Int("entry_id", entryID).Msg("session journal saved")
}

// Saved reports whether the session's journal entry was persisted, and its id.
func (e *Engine) Saved() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entryID, e.saved
}

// DispatchSpeak implements speech.Dispatcher over the outbound sink.
func (e *Engine) DispatchSpeak(utteranceID, text string, tone speech.Tone) error {
	e.send(protocol.SpeakRequest{
		Type:        protocol.TypeSpeakRequest,
		SessionID:   e.id,
		UtteranceID: utteranceID,
		Text:        text,
		Pitch:       tone.Pitch,
		Rate:        tone.Rate,
	})
	return nil
}

func (e *Engine) DispatchStop(utteranceID string) {
	e.send(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: e.id,
		Code:      "stop_speaking",
		Detail:    utteranceID,
	})
}

func (e *Engine) appendLocked(role Role, text, audioURI string) Message {
	now := time.Now().UTC()
	msg := Message{
		ID:       newMessageID(now, role),
		Role:     role,
		Text:     text,
		At:       now,
		AudioURI: audioURI,
	}
	e.messages = append(e.messages, msg)
	e.lastActivity = now
	e.send(protocol.MessageAppended{
		Type:      protocol.TypeMessageAppended,
		SessionID: e.id,
		ID:        msg.ID,
		Role:      string(msg.Role),
		Text:      msg.Text,
		TSMs:      now.UnixMilli(),
	})
	return msg
}

func (e *Engine) emitState() {
	e.mu.Lock()
	msg := protocol.SessionState{
		Type:         protocol.TypeSessionState,
		SessionID:    e.id,
		State:        string(e.state),
		HasResponded: e.hasResponded,
		RecordOnly:   e.opts.RecordOnly,
	}
	e.mu.Unlock()
	e.send(msg)
}

func (e *Engine) emitError(source string, err error) {
	kind := reliability.KindOf(err)
	e.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: e.id,
		Code:      string(kind),
		Source:    source,
		Retryable: kind == reliability.KindProviderUnavailable || kind == reliability.KindNetworkUnreachable,
		Detail:    err.Error(),
		Hint:      reliability.HintOf(err),
	})
	if e.opts.Metrics != nil {
		e.opts.Metrics.ProviderErrors.WithLabelValues(source, string(kind)).Inc()
	}
	e.log.Warn().Str("source", source).Err(err).Msg("session error")
}

func (e *Engine) send(msg any) {
	if e.opts.Sink != nil {
		e.opts.Sink.Send(msg)
	}
}
