// Package gateway owns the notification-permission lifecycle and is the
// sole path through which an alert reaches the user. It routes each
// delivery either directly (foreground visible) or through the background
// relay's notifier (foreground hidden), triggers haptics on
// capability-confirmed devices, and plays the audio cue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chime/internal/capability"
	"chime/internal/logx"
	"chime/internal/metrics"
	"chime/internal/platform"
)

var (
	// ErrPermissionDenied: notification permission refused. Delivery
	// silently degrades to in-conversation text only.
	ErrPermissionDenied = errors.New("notification permission denied")

	// ErrDeliveryFailed: the platform notification call failed. Logged,
	// non-fatal; scheduling state is unaffected.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

// Permission is the one-way permission state. It transitions from Unset to
// a terminal Granted or Denied exactly once, so readers need no lock.
type Permission int32

const (
	PermissionUnset Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unset"
	}
}

// CueKind selects the audio behavior of a delivery.
type CueKind int

const (
	CueNone  CueKind = iota
	CueAlarm         // loops until dismissed, hard cutoff
	CueTimer         // plays once
)

// alarmCueCutoff bounds how long an undismissed alarm keeps sounding.
const alarmCueCutoff = 30 * time.Second

// Delivery is a request to alert the user.
type Delivery struct {
	Title   string
	Body    string
	Tag     string
	Urgent  bool
	Haptic  []int
	Actions []platform.Action
	Cue     CueKind
}

type Config struct {
	RatePerSec int
	Audio      bool
}

type Deps struct {
	Prompter      platform.Prompter
	Direct        platform.Notifier // foreground path
	RelayNotifier platform.Notifier // survives foreground suspension; may be nil
	Vibrator      platform.Vibrator
	Sounder       platform.Sounder
	Hidden        func() bool // page visibility probe; nil means always visible
	Metrics       *metrics.Set
}

type Service struct {
	log     logx.Logger
	cfg     Config
	profile capability.Profile
	deps    Deps

	limiter *rate.Limiter
	perm    atomic.Int32

	// cueMu guards the stop handle of the currently looping cue.
	cueMu   sync.Mutex
	cueStop func()
}

func New(cfg Config, profile capability.Profile, deps Deps, log logx.Logger) *Service {
	s := &Service{
		log:     log,
		cfg:     cfg,
		profile: profile,
		deps:    deps,
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return s
}

func (s *Service) Permission() Permission {
	return Permission(s.perm.Load())
}

// RequestPermission prompts the user once. Idempotent: if the state is
// already decided it returns immediately without re-prompting. A prompt
// failure leaves the state unset; the only legal retry is a fresh prompt.
func (s *Service) RequestPermission(ctx context.Context) bool {
	switch s.Permission() {
	case PermissionGranted:
		return true
	case PermissionDenied:
		return false
	}
	if s.deps.Prompter == nil {
		return false
	}

	granted, err := s.deps.Prompter.RequestPermission(ctx)
	if err != nil {
		s.log.Warn("permission prompt failed", logx.Err(err))
		return false
	}
	next := PermissionDenied
	if granted {
		next = PermissionGranted
	}
	// First decision wins; a concurrent prompt cannot overwrite it.
	s.perm.CompareAndSwap(int32(PermissionUnset), int32(next))
	s.log.Info("notification permission decided", logx.String("state", s.Permission().String()))
	return s.Permission() == PermissionGranted
}

// Deliver posts the alert. Returns whether a notification reached the
// platform; false is non-fatal and never disturbs scheduling state.
func (s *Service) Deliver(ctx context.Context, d Delivery) bool {
	if s.Permission() != PermissionGranted {
		s.deps.Metrics.Delivery(metrics.ResultDenied)
		s.log.Debug("delivery skipped, no permission", logx.String("tag", d.Tag))
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.deps.Metrics.Delivery(metrics.ResultThrottled)
		s.log.Warn("delivery throttled", logx.String("tag", d.Tag))
		return false
	}
	if d.Tag == "" {
		d.Tag = platform.NewTag()
	}

	target := s.deps.Direct
	via := "direct"
	if s.hidden() && s.profile.BackgroundRelay && s.deps.RelayNotifier != nil {
		target = s.deps.RelayNotifier
		via = "relay"
	}
	if target == nil {
		s.deps.Metrics.Delivery(metrics.ResultFailed)
		return false
	}

	n := platform.Notification{
		Title:   d.Title,
		Body:    d.Body,
		Tag:     d.Tag,
		Urgent:  d.Urgent,
		Haptic:  d.Haptic,
		Actions: d.Actions,
	}
	if err := target.Show(ctx, n); err != nil {
		s.deps.Metrics.Delivery(metrics.ResultFailed)
		s.log.Warn("delivery failed", logx.String("via", via),
			logx.Err(fmt.Errorf("%w: %v", ErrDeliveryFailed, err)))
		return false
	}
	s.deps.Metrics.Delivery(metrics.ResultDelivered)
	s.log.Debug("notification delivered", logx.String("tag", d.Tag), logx.String("via", via))

	s.haptics(d.Haptic)
	s.cue(ctx, d.Cue)
	return true
}

// SilenceCue stops a looping alarm cue, if one is active. Invoked by the
// dismiss affordance.
func (s *Service) SilenceCue() {
	s.cueMu.Lock()
	stop := s.cueStop
	s.cueStop = nil
	s.cueMu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Service) hidden() bool {
	return s.deps.Hidden != nil && s.deps.Hidden()
}

// haptics is best-effort: only on capability-confirmed mobile devices, and
// failures are swallowed.
func (s *Service) haptics(pattern []int) {
	if !s.profile.Haptics || s.deps.Vibrator == nil || len(pattern) == 0 {
		return
	}
	if err := s.deps.Vibrator.Vibrate(pattern); err != nil {
		s.log.Debug("haptic feedback failed", logx.Err(err))
	}
}

func (s *Service) cue(ctx context.Context, kind CueKind) {
	if !s.cfg.Audio || s.deps.Sounder == nil || kind == CueNone {
		return
	}
	switch kind {
	case CueAlarm:
		// Replace any cue already looping; one audible alarm at a time.
		stop, err := s.deps.Sounder.LoopCue(ctx, alarmCueCutoff)
		if err != nil {
			s.log.Debug("alarm cue unavailable", logx.Err(err))
			return
		}
		s.cueMu.Lock()
		prev := s.cueStop
		s.cueStop = stop
		s.cueMu.Unlock()
		if prev != nil {
			prev()
		}
	case CueTimer:
		if err := s.deps.Sounder.PlayCue(ctx); err != nil {
			s.log.Debug("timer cue unavailable", logx.Err(err))
		}
	}
}
