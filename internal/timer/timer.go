// Package timer schedules relative-duration countdowns with periodic
// progress emission.
//
// Remaining time is never decremented: it is recomputed from wall clock on
// every tick as max(0, ceil(end-now)), so a suspended context, a missed
// callback, or a delayed execution never desynchronizes the display.
package timer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chime/internal/capability"
	"chime/internal/eventbus"
	"chime/internal/gateway"
	"chime/internal/logx"
	"chime/internal/metrics"
	"chime/internal/platform"
)

// ErrInvalidDuration: non-positive timer duration.
var ErrInvalidDuration = errors.New("timer duration must be positive")

// DefaultTickInterval is the progress recomputation period.
const DefaultTickInterval = time.Second

// TagPrefix namespaces timer notification tags.
const TagPrefix = "timer-"

// doneHaptic is the timer completion pattern, distinct from the alarm's.
var doneHaptic = []int{150, 75, 150}

// Timer is an active countdown.
type Timer struct {
	ID       string
	Duration time.Duration
	Start    time.Time
	End      time.Time
	Message  string
}

// Status is a List snapshot row; Remaining is whole seconds, rounded up.
type Status struct {
	ID        string
	Duration  time.Duration
	Remaining int
	Message   string
	End       time.Time
}

// Tick is the payload of eventbus timer.tick events.
type Tick struct {
	ID        string
	Remaining int
}

type Deliverer interface {
	Deliver(ctx context.Context, d gateway.Delivery) bool
}

type Config struct {
	TickInterval time.Duration
}

type Deps struct {
	Gateway Deliverer
	Chat    platform.ChatSurface
	Bus     eventbus.Bus
	Metrics *metrics.Set
	Now     func() time.Time
}

type entry struct {
	Timer
	done *time.Timer // completion deadline
	tick *time.Timer // self-rescheduling progress tick
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	profile capability.Profile
	deps    Deps
	now     func() time.Time

	timers map[string]*entry

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, profile capability.Profile, deps Deps, log logx.Logger) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
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
		timers:  map[string]*entry{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel == nil {
		return
	}
	s.runCancel()
	s.runCancel = nil
	for _, e := range s.timers {
		_ = e.done.Stop()
		if e.tick != nil {
			_ = e.tick.Stop()
		}
	}
	s.timers = map[string]*entry{}
	s.log.Info("timer scheduler stopped")
}

// StartTimer begins (or replaces) the countdown for id.
func (s *Service) StartTimer(ctx context.Context, id string, durationSeconds int, message string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("timer id is required")
	}
	if err := s.profile.RequireMobile(); err != nil {
		s.deps.Metrics.Rejected("capability")
		return err
	}
	if durationSeconds <= 0 {
		s.deps.Metrics.Rejected("invalid_duration")
		return fmt.Errorf("%w: got %ds", ErrInvalidDuration, durationSeconds)
	}

	dur := time.Duration(durationSeconds) * time.Second
	now := s.now()

	s.mu.Lock()
	if prev, ok := s.timers[id]; ok {
		_ = prev.done.Stop()
		if prev.tick != nil {
			_ = prev.tick.Stop()
		}
	}
	e := &entry{Timer: Timer{
		ID:       id,
		Duration: dur,
		Start:    now,
		End:      now.Add(dur),
		Message:  message,
	}}
	e.done = time.AfterFunc(dur, func() { s.complete(id) })
	e.tick = time.AfterFunc(s.cfg.TickInterval, func() { s.tick(id) })
	s.timers[id] = e
	s.mu.Unlock()

	s.log.Info("timer started", logx.String("id", id), logx.Duration("duration", dur))
	return nil
}

// Clear cancels both the completion deadline and the tick. Idempotent.
func (s *Service) Clear(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok {
		return false
	}
	_ = e.done.Stop()
	if e.tick != nil {
		_ = e.tick.Stop()
	}
	delete(s.timers, id)
	s.log.Info("timer cleared", logx.String("id", id))
	return true
}

// Remaining reports the live remaining seconds for id.
func (s *Service) Remaining(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok {
		return 0, false
	}
	return remainingSeconds(e.End, s.now()), true
}

// List returns a snapshot of active timers. Succeeds on any profile.
func (s *Service) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Status, 0, len(s.timers))
	for _, e := range s.timers {
		out = append(out, Status{
			ID:        e.ID,
			Duration:  e.Duration,
			Remaining: remainingSeconds(e.End, now),
			Message:   e.Message,
			End:       e.End,
		})
	}
	return out
}

// tick recomputes remaining from wall clock, emits progress, and re-arms
// itself until remaining reaches zero. The completion deadline is owned by
// the done timer; tick only reports.
func (s *Service) tick(id string) {
	s.mu.Lock()
	e, ok := s.timers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rem := remainingSeconds(e.End, s.now())
	if rem > 0 {
		e.tick = time.AfterFunc(s.cfg.TickInterval, func() { s.tick(id) })
	} else {
		e.tick = nil
	}
	s.mu.Unlock()

	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.EventTimerTick, Data: Tick{ID: id, Remaining: rem}})
	}
}

// complete is the deadline callback. Removal precedes dispatch.
func (s *Service) complete(id string) {
	s.mu.Lock()
	e, ok := s.timers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	if e.tick != nil {
		_ = e.tick.Stop()
	}
	ctx := s.runCtx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	s.deps.Gateway.Deliver(ctx, gateway.Delivery{
		Title:   "⏱️ Timer done",
		Body:    e.Message,
		Tag:     TagPrefix + id,
		Urgent:  true,
		Haptic:  doneHaptic,
		Actions: []platform.Action{platform.ActionDismiss},
		Cue:     gateway.CueTimer,
	})
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.EventTimerDone, Data: e.Timer})
	}
	if s.deps.Chat != nil {
		_ = s.deps.Chat.Post(ctx, "⏱️ Timer finished: "+e.Message)
	}
	s.log.Info("timer completed", logx.String("id", id))
}

// remainingSeconds is max(0, ceil(end-now)) in whole seconds.
func remainingSeconds(end, now time.Time) int {
	rem := end.Sub(now)
	if rem <= 0 {
		return 0
	}
	return int((rem + time.Second - 1) / time.Second)
}
