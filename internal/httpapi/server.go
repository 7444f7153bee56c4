package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/innercircle/echovoice/internal/audio"
	"github.com/innercircle/echovoice/internal/backend"
	"github.com/innercircle/echovoice/internal/config"
	"github.com/innercircle/echovoice/internal/observability"
	"github.com/innercircle/echovoice/internal/protocol"
	"github.com/innercircle/echovoice/internal/schedule"
	"github.com/innercircle/echovoice/internal/session"
	"github.com/innercircle/echovoice/internal/speech"
	"github.com/innercircle/echovoice/internal/store"
	"github.com/innercircle/echovoice/internal/transcribe"
)

// ScheduleAPI is the slice of the backend client the schedule routes need.
type ScheduleAPI interface {
	Schedules(ctx context.Context, userID int) ([]backend.Schedule, error)
	CreateSchedule(ctx context.Context, create backend.ScheduleCreate) (backend.Schedule, error)
	UpdateSchedule(ctx context.Context, id int, update backend.ScheduleUpdate) (backend.Schedule, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	backend  session.Reflector
	schedAPI ScheduleAPI
	provider transcribe.Provider
	planner  *schedule.Planner
	sync     *schedule.SyncEngine
	store    *store.Store
	guard    audio.RouteGuard
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	sinks map[string]*relaySink
}

type Deps struct {
	Sessions *session.Manager
	Backend  session.Reflector
	SchedAPI ScheduleAPI
	Provider transcribe.Provider
	Planner  *schedule.Planner
	Sync     *schedule.SyncEngine
	Store    *store.Store
	Guard    audio.RouteGuard
	Metrics  *observability.Metrics
	Log      zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	guard := deps.Guard
	if guard == nil {
		guard = audio.NopRouteGuard{}
	}
	return &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		backend:  deps.Backend,
		schedAPI: deps.SchedAPI,
		provider: deps.Provider,
		planner:  deps.Planner,
		sync:     deps.Sync,
		store:    deps.Store,
		guard:    guard,
		metrics:  deps.Metrics,
		log:      deps.Log,
		sinks:    make(map[string]*relaySink),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin, so another page cannot drive the user's mic
				// session if the engine is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser shells often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// SetPlanner wires the trigger planner in after construction. The server is
// itself the planner's notifier, so the two cannot be built in one shot.
func (s *Server) SetPlanner(p *schedule.Planner) {
	s.planner = p
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Get("/v1/voice/session/{id}", s.handleGetSession)
	r.Get("/v1/voice/session/{id}/messages", s.handleSessionMessages)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)

	r.Get("/v1/schedule", s.handleListSchedules)
	r.Post("/v1/schedule", s.handleCreateSchedule)
	r.Patch("/v1/schedule/{id}", s.handleUpdateSchedule)
	r.Get("/v1/schedule/triggers", s.handlePendingTriggers)

	r.Get("/v1/perf/turns", s.handlePerfTurns)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.UserID == 0 {
		req.UserID = s.cfg.UserID
	}
	if strings.TrimSpace(req.Tone) == "" {
		req.Tone = s.cfg.TonePreset
		if saved, ok, err := s.store.Preference("tone_preset"); err == nil && ok {
			req.Tone = saved
		}
	}

	sink := &relaySink{}
	eng := session.NewEngine(session.Options{
		UserID:               req.UserID,
		RecordOnly:           req.RecordOnly,
		Tone:                 req.Tone,
		QuestionLookbackDays: s.cfg.QuestionLookbackDays,
		SampleRate:           s.cfg.SampleRate,
		CaptureDir:           "",
		Guard:                s.guard,
		Provider:             s.provider,
		Backend:              s.backend,
		Sink:                 sink,
		Metrics:              s.metrics,
		Log:                  s.log,
	})
	s.sessions.Add(eng)

	s.mu.Lock()
	s.sinks[eng.ID()] = sink
	s.mu.Unlock()

	go eng.Start(context.WithoutCancel(r.Context()))

	snap := eng.Snapshot()
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       snap.SessionID,
		UserID:          snap.UserID,
		State:           snap.State,
		RecordOnly:      snap.RecordOnly,
		StartedAt:       snap.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, eng.Snapshot())
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": eng.ID(),
		"messages":   eng.Messages(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	eng.End(r.Context())
	s.dropSession(eng.ID())
	respondJSON(w, http.StatusOK, eng.Snapshot())
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Engine, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	eng, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return eng, true
}

// DropSession detaches the session's sink and removes it from tracking.
// The manager's expire hook routes here so abandoned sessions clean up too.
func (s *Server) DropSession(id string) { s.dropSession(id) }

func (s *Server) dropSession(id string) {
	s.sessions.Remove(id)
	s.mu.Lock()
	delete(s.sinks, id)
	s.mu.Unlock()
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	eng, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.mu.Lock()
	sink := s.sinks[sessionID]
	s.mu.Unlock()
	if sink == nil {
		respondError(w, http.StatusConflict, "session_detached", "session has no message sink")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	sink.attach(outbound)
	defer sink.detach()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		s.runConnection(ctx, eng, inbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// runConnection drives one session from the shell's inbound messages until
// the channel closes.
func (s *Server) runConnection(ctx context.Context, eng *session.Engine, inbound <-chan any) {
	for msg := range inbound {
		switch m := msg.(type) {
		case protocol.ClientAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
			if err != nil {
				s.log.Debug().Err(err).Msg("undecodable audio chunk dropped")
				continue
			}
			eng.Audio(ctx, pcm)
		case protocol.ClientControl:
			s.handleControl(ctx, eng, m)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, eng *session.Engine, m protocol.ClientControl) {
	switch m.Action {
	case protocol.ActionStartListening:
		eng.StartListening(ctx)
	case protocol.ActionStopListening:
		eng.StopListening(context.WithoutCancel(ctx))
	case protocol.ActionEndSession:
		eng.End(context.WithoutCancel(ctx))
		s.dropSession(eng.ID())
	case protocol.ActionSpeechFinished:
		eng.SpeechFinished(m.UtteranceID)
	case protocol.ActionSetTone:
		eng.SetTone(m.Tone)
		if _, ok := speech.ToneByName(m.Tone); ok {
			if err := s.store.SetPreference("tone_preset", m.Tone); err != nil {
				s.log.Warn().Err(err).Msg("tone preference write failed")
			}
		}
	case protocol.ActionAppState:
		if s.sync != nil {
			s.sync.OnAppStateChange(ctx, m.AppState)
		}
		if m.AppState == protocol.AppStateActive {
			// Returning to the foreground re-arms the one-shot trigger:
			// the previous one may have fired or lapsed while backgrounded.
			go s.replanFromCache()
		}
	case protocol.ActionNotificationTapped:
		if s.sync != nil && m.Notification != nil {
			s.sync.OnNotificationTapped(*m.Notification)
			s.sendTo(eng.ID(), protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: eng.ID(),
				Code:      "navigate",
				Detail:    string(m.Notification.Screen),
			})
		}
	}
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	userID := s.cfg.UserID
	if raw := strings.TrimSpace(r.URL.Query().Get("user_id")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_user_id", err.Error())
			return
		}
		userID = parsed
	}
	scheds, err := s.schedAPI.Schedules(r.Context(), userID)
	if err != nil {
		// Offline: serve the cached copy so the shell still renders the
		// schedule screen.
		if cached, ok, cacheErr := s.store.ScheduleCache(userID); cacheErr == nil && ok {
			respondJSON(w, http.StatusOK, []backend.Schedule{cached})
			return
		}
		respondError(w, http.StatusBadGateway, "backend_unreachable", err.Error())
		return
	}
	for _, sched := range scheds {
		if err := s.store.SaveScheduleCache(sched); err != nil {
			s.log.Warn().Err(err).Msg("schedule cache write failed")
		}
	}
	respondJSON(w, http.StatusOK, scheds)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req backend.ScheduleCreate
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.UserID == 0 {
		req.UserID = s.cfg.UserID
	}
	sched, err := s.schedAPI.CreateSchedule(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusBadGateway, "backend_unreachable", err.Error())
		return
	}
	s.afterScheduleChange(sched)
	respondJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_schedule_id", err.Error())
		return
	}
	var req backend.ScheduleUpdate
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sched, err := s.schedAPI.UpdateSchedule(r.Context(), id, req)
	if err != nil {
		respondError(w, http.StatusBadGateway, "backend_unreachable", err.Error())
		return
	}
	s.afterScheduleChange(sched)
	respondJSON(w, http.StatusOK, sched)
}

func (s *Server) replanFromCache() {
	if s.planner == nil {
		return
	}
	cached, ok, err := s.store.ScheduleCache(s.cfg.UserID)
	if err != nil || !ok {
		return
	}
	if err := s.planner.Replan(time.Now(), cached); err != nil {
		s.log.Warn().Err(err).Msg("foreground replan failed")
	}
}

// afterScheduleChange caches the new schedule and re-arms the local trigger.
// Edits must take effect immediately, not at the next poll.
func (s *Server) afterScheduleChange(sched backend.Schedule) {
	if err := s.store.SaveScheduleCache(sched); err != nil {
		s.log.Warn().Err(err).Msg("schedule cache write failed")
	}
	if s.planner != nil {
		if err := s.planner.Replan(time.Now(), sched); err != nil {
			s.log.Warn().Err(err).Msg("trigger replan failed")
		}
	}
}

func (s *Server) handlePendingTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.store.PendingTriggers()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"triggers": triggers})
}

// CheckinPrompt implements schedule.Prompter by broadcasting to every
// attached session connection.
func (s *Server) CheckinPrompt(mode string) {
	s.broadcast(protocol.CheckinPrompt{
		Type: protocol.TypeCheckinPrompt,
		Mode: mode,
	})
}

// NotificationScheduled implements schedule.Notifier.
func (s *Server) NotificationScheduled(fireAt time.Time, payload protocol.NotificationPayload) {
	s.broadcast(protocol.NotificationScheduled{
		Type:     protocol.TypeNotificationScheduled,
		FireAtMs: fireAt.UnixMilli(),
		Payload:  payload,
	})
}

func (s *Server) broadcast(msg any) {
	s.mu.Lock()
	sinks := make([]*relaySink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.mu.Unlock()
	for _, sink := range sinks {
		sink.Send(msg)
	}
}

func (s *Server) sendTo(sessionID string, msg any) {
	s.mu.Lock()
	sink := s.sinks[sessionID]
	s.mu.Unlock()
	if sink != nil {
		sink.Send(msg)
	}
}

// relaySink forwards engine output to the currently attached websocket, and
// silently drops it when no connection is attached or the queue is full.
type relaySink struct {
	mu  sync.Mutex
	out chan<- any
}

func (s *relaySink) attach(out chan<- any) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

func (s *relaySink) detach() {
	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
}

func (s *relaySink) Send(msg any) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SessionState:
		return m.Type, true
	case protocol.TranscriptPartial:
		return m.Type, true
	case protocol.MessageAppended:
		return m.Type, true
	case protocol.SpeakRequest:
		return m.Type, true
	case protocol.SessionSaved:
		return m.Type, true
	case protocol.CheckinPrompt:
		return m.Type, true
	case protocol.NotificationScheduled:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
