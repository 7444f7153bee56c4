package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/innercircle/echovoice/internal/backend"
	"github.com/innercircle/echovoice/internal/observability"
	"github.com/innercircle/echovoice/internal/protocol"
	"github.com/innercircle/echovoice/internal/store"
)

// MinLead is the platform reliability floor: a one-shot notification
// scheduled closer than this may be dropped by the OS, so the trigger is
// never armed sooner.
const MinLead = 60 * time.Second

var dayAbbrev = map[string]string{
	"monday":    "MON",
	"tuesday":   "TUE",
	"wednesday": "WED",
	"thursday":  "THU",
	"friday":    "FRI",
	"saturday":  "SAT",
	"sunday":    "SUN",
}

// NextOccurrence computes the next time the schedule's hour:minute lands on
// one of its enabled weekdays, in the schedule's timezone (today if still
// ahead, otherwise the next enabled day).
func NextOccurrence(now time.Time, sched backend.Schedule) (time.Time, error) {
	hhmm := strings.TrimSpace(sched.Time)
	var hour, minute int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("parse schedule time %q: %w", hhmm, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("schedule time %q out of range", hhmm)
	}

	days := make([]string, 0, len(sched.DaysOfWeek))
	for _, d := range sched.DaysOfWeek {
		abbrev, ok := dayAbbrev[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return time.Time{}, fmt.Errorf("unknown day of week %q", d)
		}
		days = append(days, abbrev)
	}
	if len(days) == 0 {
		return time.Time{}, fmt.Errorf("schedule has no enabled days")
	}

	loc := time.Local
	if tz := strings.TrimSpace(sched.Timezone); tz != "" {
		if parsed, err := time.LoadLocation(tz); err == nil {
			loc = parsed
		}
	}

	spec, err := cron.ParseStandard(fmt.Sprintf("%d %d * * %s", minute, hour, strings.Join(days, ",")))
	if err != nil {
		return time.Time{}, fmt.Errorf("build recurrence: %w", err)
	}
	return spec.Next(now.In(loc)), nil
}

// Lead converts an occurrence into the armed delay, applying the floor.
func Lead(now, fireAt time.Time) time.Duration {
	lead := fireAt.Sub(now)
	if lead < MinLead {
		lead = MinLead
	}
	return lead
}

// Notifier hands the armed one-shot trigger to the device shell, which owns
// the actual OS notification API.
type Notifier interface {
	NotificationScheduled(fireAt time.Time, payload protocol.NotificationPayload)
}

// Planner converts the recurring remote schedule into the single one-shot
// trigger the OS primitive supports. It must run on every app open and
// every schedule edit: a one-shot that fired (or silently lapsed) leaves no
// second chance until the next replan.
type Planner struct {
	store    *store.Store
	notifier Notifier
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewPlanner(st *store.Store, notifier Notifier, metrics *observability.Metrics, log zerolog.Logger) *Planner {
	return &Planner{store: st, notifier: notifier, metrics: metrics, log: log}
}

// Replan cancels all pending triggers and arms exactly one new one-shot for
// the schedule's next occurrence. A disabled schedule clears the ledger and
// arms nothing.
func (p *Planner) Replan(now time.Time, sched backend.Schedule) error {
	if !sched.IsEnabled || len(sched.DaysOfWeek) == 0 {
		if err := p.store.ClearTriggers(); err != nil {
			return err
		}
		p.log.Debug().Int("schedule_id", sched.ID).Msg("schedule disabled, cleared pending triggers")
		return nil
	}

	next, err := NextOccurrence(now, sched)
	if err != nil {
		return err
	}
	fireAt := now.Add(Lead(now, next))
	payload := protocol.PayloadForMode(sched.ConversationMode)

	if err := p.store.ReplaceTrigger(store.Trigger{FireAt: fireAt, Payload: payload}); err != nil {
		return err
	}
	if p.notifier != nil {
		p.notifier.NotificationScheduled(fireAt, payload)
	}
	if p.metrics != nil {
		p.metrics.TriggerReschedules.Inc()
	}
	p.log.Info().
		Time("fire_at", fireAt).
		Str("screen", string(payload.Screen)).
		Msg("armed one-shot check-in trigger")
	return nil
}
