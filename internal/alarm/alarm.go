// Package alarm schedules absolute-time, one-shot alerts with snooze
// semantics, plus cron-style repeating alarms.
//
// Every alarm is armed twice: a local deadline callback (the fast path
// while the foreground is reachable) and a background relay shadow (the
// durability mechanism if it is not). Whichever context fires first is
// authoritative; each one removes its own record before dispatching, and
// fire sends an idempotent cancel to the other, so a race produces at most
// one visible notification.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chime/internal/capability"
	"chime/internal/eventbus"
	"chime/internal/gateway"
	"chime/internal/logx"
	"chime/internal/metrics"
	"chime/internal/platform"
)

// ErrInvalidTime: the requested fire instant is not strictly in the
// future. The prior schedule for that ID, if any, is left untouched.
var ErrInvalidTime = errors.New("alarm time must be in the future")

const (
	// DefaultSnoozeDelay separates a snooze action from its follow-up.
	DefaultSnoozeDelay = 5 * time.Minute

	// snoozeSuffix derives the snooze alarm's ID. The suffix is applied to
	// the original ID, never stacked, so repeated snoozes collapse onto a
	// single pending follow-up.
	snoozeSuffix = "-snooze"
)

// fireHaptic is the extended pattern for alarm fire (vibrate/pause ms).
var fireHaptic = []int{200, 100, 200, 100, 400}

// Alarm is a one-shot absolute-time alert.
type Alarm struct {
	ID      string
	At      time.Time
	Message string
	Created time.Time
}

// Repeating is a cron-scheduled alarm snapshot.
type Repeating struct {
	ID      string
	Spec    string
	Message string
	Next    time.Time
}

// RelayPort is the foreground's half of the relay message protocol.
// Both operations are idempotent; no acknowledgment is required.
type RelayPort interface {
	ScheduleAlarm(ctx context.Context, id string, at time.Time, message string) error
	CancelAlarm(ctx context.Context, id string) error
}

// Deliverer is satisfied by *gateway.Service.
type Deliverer interface {
	Deliver(ctx context.Context, d gateway.Delivery) bool
}

type Config struct {
	SnoozeDelay time.Duration
	Timezone    string // IANA TZ for repeating specs; empty means local
}

type Deps struct {
	Gateway Deliverer
	Relay   RelayPort // nil when the profile has no background relay
	Chat    platform.ChatSurface
	Bus     eventbus.Bus
	Metrics *metrics.Set
	Now     func() time.Time // nil means time.Now
}

type entry struct {
	Alarm
	timer *time.Timer
}

type repeatEntry struct {
	spec    string
	message string
	cronID  cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	profile capability.Profile
	deps    Deps
	now     func() time.Time

	alarms map[string]*entry
	order  []string // insertion order for List

	parser  cron.Parser
	c       *cron.Cron
	repeats map[string]*repeatEntry

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, profile capability.Profile, deps Deps, log logx.Logger) *Service {
	if cfg.SnoozeDelay <= 0 {
		cfg.SnoozeDelay = DefaultSnoozeDelay
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		log:     log,
		cfg:     cfg,
		profile: profile,
		deps:    deps,
		now:     now,
		alarms:  map[string]*entry{},
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		repeats: map[string]*repeatEntry{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for id, re := range s.repeats {
		s.addRepeatLocked(id, re)
	}
	s.c.Start()
	s.log.Info("alarm scheduler started", logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.runCancel == nil {
		s.mu.Unlock()
		return
	}
	s.runCancel()
	s.runCancel = nil
	for _, e := range s.alarms {
		_ = e.timer.Stop()
	}
	s.alarms = map[string]*entry{}
	s.order = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("alarm scheduler stopped")
}

// Set registers (or replaces) the alarm for id. The fire instant must be
// strictly in the future, and the session must be classified mobile.
// Replacement cancels the prior schedule in both contexts.
func (s *Service) Set(ctx context.Context, id string, at time.Time, message string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("alarm id is required")
	}
	if err := s.profile.RequireMobile(); err != nil {
		s.deps.Metrics.Rejected("capability")
		return err
	}
	now := s.now()
	if !at.After(now) {
		s.deps.Metrics.Rejected("invalid_time")
		return fmt.Errorf("%w: %s is not after %s", ErrInvalidTime,
			at.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	s.mu.Lock()
	if prev, ok := s.alarms[id]; ok {
		_ = prev.timer.Stop()
		s.removeOrderLocked(id)
	}
	e := &entry{Alarm: Alarm{ID: id, At: at, Message: message, Created: now}}
	e.timer = time.AfterFunc(at.Sub(now), func() { s.fire(id) })
	s.alarms[id] = e
	s.order = append(s.order, id)
	s.mu.Unlock()

	// Duplicate the schedule into the relay: the background copy honors
	// the deadline if this context is torn down before firing.
	if s.deps.Relay != nil && s.profile.BackgroundRelay {
		if err := s.deps.Relay.ScheduleAlarm(ctx, id, at, message); err != nil {
			s.log.Warn("relay schedule failed", logx.String("id", id), logx.Err(err))
		}
	}

	s.log.Info("alarm set", logx.String("id", id), logx.Time("at", at))
	return nil
}

// Cancel removes the local schedule and instructs the relay to drop its
// shadow. Idempotent; reports whether a local schedule existed.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.alarms[id]
	if ok {
		_ = e.timer.Stop()
		delete(s.alarms, id)
		s.removeOrderLocked(id)
	}
	s.mu.Unlock()

	if s.deps.Relay != nil {
		if err := s.deps.Relay.CancelAlarm(ctx, id); err != nil {
			s.log.Warn("relay cancel failed", logx.String("id", id), logx.Err(err))
		}
	}
	if ok {
		s.log.Info("alarm canceled", logx.String("id", id))
	}
	return ok
}

// List returns a snapshot of active one-shot alarms in insertion order.
// It succeeds on any profile.
func (s *Service) List() []Alarm {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alarm, 0, len(s.order))
	for _, id := range s.order {
		if e, ok := s.alarms[id]; ok {
			out = append(out, e.Alarm)
		}
	}
	return out
}

// Snooze registers a follow-up alarm SnoozeDelay from now, carrying the
// original message. The derived ID collapses repeated snoozes of the same
// alarm onto one pending follow-up. Returns the follow-up's ID.
func (s *Service) Snooze(ctx context.Context, id, message string) (string, error) {
	base := strings.TrimSuffix(id, snoozeSuffix)
	followID := base + snoozeSuffix
	at := s.now().Add(s.cfg.SnoozeDelay)
	if err := s.Set(ctx, followID, at, message); err != nil {
		return "", err
	}
	s.deps.Metrics.Snoozed()
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.EventAlarmSnoozed, Data: Alarm{ID: followID, At: at, Message: message}})
	}
	return followID, nil
}

// fire is the local deadline callback. Removal precedes dispatch: if the
// relay fired first and this record is already gone, fire no-ops, and
// vice versa, so a cross-context race yields at most one notification.
func (s *Service) fire(id string) {
	s.mu.Lock()
	e, ok := s.alarms[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.alarms, id)
	s.removeOrderLocked(id)
	ctx := s.runCtx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	// The relay's shadow is now stale; cancellation is idempotent on its
	// side, so this is safe even if it already fired.
	if s.deps.Relay != nil {
		_ = s.deps.Relay.CancelAlarm(ctx, id)
	}

	s.deps.Metrics.AlarmFired(metrics.ContextForeground)
	s.deps.Gateway.Deliver(ctx, gateway.Delivery{
		Title:   "⏰ Alarm",
		Body:    e.Message,
		Tag:     platform.AlarmTag(id),
		Urgent:  true,
		Haptic:  fireHaptic,
		Actions: []platform.Action{platform.ActionSnooze, platform.ActionDismiss},
		Cue:     gateway.CueAlarm,
	})
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.EventAlarmFired, Data: e.Alarm})
	}
	if s.deps.Chat != nil {
		_ = s.deps.Chat.Post(ctx, "⏰ Alarm: "+e.Message)
	}
	s.log.Info("alarm fired", logx.String("id", id))
}

// SetRepeating registers (or replaces) a cron-scheduled alarm. Spec syntax
// is standard five-field cron plus descriptors ("@daily", "@every 1h").
func (s *Service) SetRepeating(ctx context.Context, id, spec, message string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("alarm id is required")
	}
	if err := s.profile.RequireMobile(); err != nil {
		s.deps.Metrics.Rejected("capability")
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		s.deps.Metrics.Rejected("invalid_spec")
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errors.New("alarm scheduler not started")
	}
	if prev, ok := s.repeats[id]; ok {
		s.c.Remove(prev.cronID)
	}
	re := &repeatEntry{spec: spec, message: message}
	if err := s.addRepeatLocked(id, re); err != nil {
		return err
	}
	s.repeats[id] = re
	s.log.Info("repeating alarm set", logx.String("id", id), logx.String("spec", spec))
	return nil
}

func (s *Service) addRepeatLocked(id string, re *repeatEntry) error {
	cronID, err := s.c.AddFunc(re.spec, func() { s.fireRepeating(id) })
	if err != nil {
		return err
	}
	re.cronID = cronID
	return nil
}

func (s *Service) CancelRepeating(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	re, ok := s.repeats[id]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(re.cronID)
	}
	delete(s.repeats, id)
	return true
}

func (s *Service) ListRepeating() []Repeating {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Repeating, 0, len(s.repeats))
	for id, re := range s.repeats {
		r := Repeating{ID: id, Spec: re.spec, Message: re.message}
		if s.c != nil {
			r.Next = s.c.Entry(re.cronID).Next
		}
		out = append(out, r)
	}
	return out
}

func (s *Service) fireRepeating(id string) {
	s.mu.Lock()
	re, ok := s.repeats[id]
	ctx := s.runCtx
	s.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.deps.Metrics.AlarmFired(metrics.ContextForeground)
	s.deps.Gateway.Deliver(ctx, gateway.Delivery{
		Title:   "⏰ Alarm",
		Body:    re.message,
		Tag:     platform.AlarmTag(id),
		Urgent:  true,
		Haptic:  fireHaptic,
		Actions: []platform.Action{platform.ActionSnooze, platform.ActionDismiss},
		Cue:     gateway.CueAlarm,
	})
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.EventAlarmFired, Data: Alarm{ID: id, Message: re.message, At: s.now()}})
	}
	if s.deps.Chat != nil {
		_ = s.deps.Chat.Post(ctx, "⏰ Alarm: "+re.message)
	}
	s.log.Info("repeating alarm fired", logx.String("id", id))
}

func (s *Service) removeOrderLocked(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
