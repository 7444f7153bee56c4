package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/innercircle/echovoice/internal/backend"
	"github.com/innercircle/echovoice/internal/config"
	"github.com/innercircle/echovoice/internal/httpapi"
	"github.com/innercircle/echovoice/internal/observability"
	"github.com/innercircle/echovoice/internal/schedule"
	"github.com/innercircle/echovoice/internal/session"
	"github.com/innercircle/echovoice/internal/store"
	"github.com/innercircle/echovoice/internal/transcribe"
)

func main() {
	log := observability.NewLogger("echovoice")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StorePath).Msg("store init failed")
	}
	defer st.Close()

	backendClient := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout, log)

	var provider transcribe.Provider
	if strings.TrimSpace(cfg.DeepgramAPIKey) != "" {
		provider = transcribe.NewDeepgramProvider(transcribe.DeepgramConfig{
			APIKey:      cfg.DeepgramAPIKey,
			WSBaseURL:   cfg.DeepgramWSBaseURL,
			HTTPBaseURL: cfg.DeepgramHTTPBaseURL,
			SampleRate:  cfg.SampleRate,
		})
		log.Info().Msg("transcription provider: deepgram")
	} else {
		provider = transcribe.NewPlaceholderProvider()
		log.Info().Msg("transcription provider: placeholder (no deepgram key)")
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout, metrics)

	syncEngine := schedule.NewSyncEngine(
		backendClient, nil, cfg.UserID, cfg.SchedulePollInterval, metrics, log,
	)

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Backend:  backendClient,
		SchedAPI: backendClient,
		Provider: provider,
		Sync:     syncEngine,
		Store:    st,
		Metrics:  metrics,
		Log:      log,
	})

	// The server is both the prompt surface and the shell-facing notifier,
	// so the planner and sync engine are wired to it after construction.
	planner := schedule.NewPlanner(st, api, metrics, log)
	api.SetPlanner(planner)
	syncEngine.SetPrompter(api)

	sessions.SetExpireHook(func(eng *session.Engine) {
		api.DropSession(eng.ID())
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	sessions.StartJanitor(runCtx, 15*time.Second)
	go syncEngine.Run(runCtx)
	go replanOnStartup(runCtx, cfg, backendClient, st, planner, log)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

// replanOnStartup re-arms the one-shot trigger on every launch. A trigger
// that fired (or lapsed) while the engine was down leaves no second chance
// otherwise. The remote schedule is preferred; the local cache covers the
// offline launch.
func replanOnStartup(ctx context.Context, cfg config.Config, client *backend.Client, st *store.Store, planner *schedule.Planner, log zerolog.Logger) {
	scheds, err := client.Schedules(ctx, cfg.UserID)
	if err == nil && len(scheds) > 0 {
		if err := st.SaveScheduleCache(scheds[0]); err != nil {
			log.Warn().Err(err).Msg("schedule cache write failed")
		}
		if err := planner.Replan(time.Now(), scheds[0]); err != nil {
			log.Warn().Err(err).Msg("startup replan failed")
		}
		return
	}
	cached, ok, cacheErr := st.ScheduleCache(cfg.UserID)
	if cacheErr != nil || !ok {
		log.Info().Msg("no schedule available at startup, trigger not armed")
		return
	}
	if err := planner.Replan(time.Now(), cached); err != nil {
		log.Warn().Err(err).Msg("startup replan from cache failed")
	}
}
