package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/innercircle/echovoice/internal/backend"
	"github.com/innercircle/echovoice/internal/observability"
	"github.com/innercircle/echovoice/internal/protocol"
	"github.com/innercircle/echovoice/internal/reliability"
)

// maxCheckBackoff caps how long consecutive check failures can push the
// next poll out.
const maxCheckBackoff = 10 * time.Minute

// Checker asks the backend whether the current time falls inside the
// schedule's trigger window.
type Checker interface {
	CheckSchedule(ctx context.Context, userID int) (backend.CheckResult, error)
}

// Prompter surfaces a check-in prompt on the device shell.
type Prompter interface {
	CheckinPrompt(mode string)
}

// SyncEngine reconciles the remote schedule with foreground app activity.
// It polls while the app is active, re-checks on every transition to the
// active state, and guarantees the in-app prompt fires at most once per
// engine process run even when the poll and the transition check race.
type SyncEngine struct {
	checker  Checker
	prompter Prompter
	userID   int
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger

	mu        sync.Mutex
	appActive bool
	lastCheck time.Time
	prompted  bool
	failures  int
}

func NewSyncEngine(checker Checker, prompter Prompter, userID int, interval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *SyncEngine {
	return &SyncEngine{
		checker:  checker,
		prompter: prompter,
		userID:   userID,
		interval: interval,
		metrics:  metrics,
		log:      log,
		// The engine starts foregrounded: the shell connects as part of
		// app launch and sends app_state transitions afterwards.
		appActive: true,
	}
}

// SetPrompter wires the prompt surface in after construction, for wiring
// orders where the surface itself needs the sync engine first.
func (e *SyncEngine) SetPrompter(p Prompter) {
	e.mu.Lock()
	e.prompter = p
	e.mu.Unlock()
}

// Run polls the check endpoint on the configured interval until ctx is
// cancelled. Ticks are skipped while the app is backgrounded, and skipped
// when a transition check already ran within the last interval.
func (e *SyncEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.mu.Lock()
			skip := !e.appActive || now.Sub(e.lastCheck) < e.nextCheckWaitLocked()
			e.mu.Unlock()
			if skip {
				if e.metrics != nil {
					e.metrics.ScheduleChecks.WithLabelValues("skipped").Inc()
				}
				continue
			}
			e.checkAndPrompt(ctx)
		}
	}
}

// OnAppStateChange records the shell's lifecycle transition. Entering the
// active state triggers an immediate check so a user returning to the app
// inside the window is prompted without waiting for the next poll tick.
func (e *SyncEngine) OnAppStateChange(ctx context.Context, state string) {
	e.mu.Lock()
	wasActive := e.appActive
	e.appActive = state == protocol.AppStateActive
	nowActive := e.appActive
	e.mu.Unlock()

	if nowActive && !wasActive {
		e.checkAndPrompt(ctx)
	}
}

// OnNotificationTapped handles the tap path. The notification already
// encodes its destination, so no remote check runs; the tap also counts as
// this run's prompt so the foreground poll cannot immediately duplicate it.
func (e *SyncEngine) OnNotificationTapped(payload protocol.NotificationPayload) {
	e.mu.Lock()
	e.prompted = true
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ScheduleChecks.WithLabelValues("notification_tap").Inc()
	}
	e.log.Info().Str("screen", string(payload.Screen)).Msg("notification tap consumed check-in")
}

// Prompted reports whether this engine run has already surfaced a check-in.
func (e *SyncEngine) Prompted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prompted
}

// nextCheckWaitLocked returns how long after lastCheck the next poll may
// run. Consecutive check failures stretch the wait so a down backend is not
// hammered on every tick. Caller holds e.mu.
func (e *SyncEngine) nextCheckWaitLocked() time.Duration {
	if e.failures == 0 {
		return e.interval
	}
	return e.interval + reliability.ExponentialBackoff(e.failures-1, e.interval, maxCheckBackoff)
}

func (e *SyncEngine) checkAndPrompt(ctx context.Context) {
	e.mu.Lock()
	e.lastCheck = time.Now()
	already := e.prompted
	e.mu.Unlock()

	res, err := e.checker.CheckSchedule(ctx, e.userID)
	if err != nil {
		e.mu.Lock()
		e.failures++
		attempt := e.failures
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.ScheduleChecks.WithLabelValues("error").Inc()
		}
		e.log.Warn().Err(err).Int("consecutive_failures", attempt).Msg("schedule check failed")
		return
	}
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
	if !res.ShouldTrigger {
		if e.metrics != nil {
			e.metrics.ScheduleChecks.WithLabelValues("no_trigger").Inc()
		}
		return
	}
	if already {
		if e.metrics != nil {
			e.metrics.ScheduleChecks.WithLabelValues("deduped").Inc()
		}
		return
	}

	e.mu.Lock()
	fire := !e.prompted
	e.prompted = true
	prompter := e.prompter
	e.mu.Unlock()
	if !fire || prompter == nil {
		return
	}
	if e.metrics != nil {
		e.metrics.ScheduleChecks.WithLabelValues("prompted").Inc()
	}
	e.log.Info().Str("mode", res.ConversationMode).Msg("check-in window open, prompting")
	prompter.CheckinPrompt(res.ConversationMode)
}
