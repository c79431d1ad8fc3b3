// Package stopwatch tracks elapsed-time accumulation with pause/resume
// and lap recording.
//
// Elapsed time is always derived, never stored as a running counter:
// accumulated + (now - segmentStart) while running, accumulated alone
// while paused. Pause folds the open segment into the accumulator and
// resume opens a fresh one, so pause/resume cycles neither lose nor
// double-count time regardless of how long the pause lasts.
package stopwatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chime/internal/capability"
	"chime/internal/eventbus"
	"chime/internal/logx"
	"chime/internal/metrics"
)

var ErrNotFound = errors.New("stopwatch not found")

// DefaultDisplayInterval drives the UI feedback loop. It has no effect on
// the correctness of the underlying time base.
const DefaultDisplayInterval = 250 * time.Millisecond

// Lap is one recorded split.
type Lap struct {
	Number  int
	Elapsed time.Duration
	At      time.Time
}

// Snapshot is an externally visible stopwatch state.
type Snapshot struct {
	ID      string
	Running bool
	Elapsed time.Duration
	Laps    []Lap
}

// Tick is the payload of eventbus stopwatch.tick events.
type Tick struct {
	ID      string
	Elapsed time.Duration
}

type Config struct {
	DisplayInterval time.Duration
}

type Deps struct {
	Bus     eventbus.Bus
	Metrics *metrics.Set
	Now     func() time.Time
}

type watch struct {
	id           string
	running      bool
	accumulated  time.Duration
	segmentStart time.Time // meaningful only while running
	laps         []Lap
}

func (w *watch) elapsed(now time.Time) time.Duration {
	if w.running {
		return w.accumulated + now.Sub(w.segmentStart)
	}
	return w.accumulated
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	profile capability.Profile
	deps    Deps
	now     func() time.Time

	watches map[string]*watch

	runCancel context.CancelFunc
}

func New(cfg Config, profile capability.Profile, deps Deps, log logx.Logger) *Service {
	if cfg.DisplayInterval <= 0 {
		cfg.DisplayInterval = DefaultDisplayInterval
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
		watches: map[string]*watch{},
	}
}

// Start launches the display-update loop. The loop re-derives elapsed for
// every running stopwatch at a fixed sub-second interval purely for UI
// feedback.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	go s.displayLoop(loopCtx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCancel == nil {
		return
	}
	s.runCancel()
	s.runCancel = nil
	s.watches = map[string]*watch{}
}

func (s *Service) displayLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DisplayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitTicks()
		}
	}
}

func (s *Service) emitTicks() {
	if s.deps.Bus == nil {
		return
	}
	s.mu.Lock()
	now := s.now()
	ticks := make([]Tick, 0, len(s.watches))
	for id, w := range s.watches {
		if w.running {
			ticks = append(ticks, Tick{ID: id, Elapsed: w.elapsed(now)})
		}
	}
	s.mu.Unlock()

	for _, t := range ticks {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.EventStopwatchTick, Data: t})
	}
}

// StartWatch creates (or restarts) a running stopwatch for id.
func (s *Service) StartWatch(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("stopwatch id is required")
	}
	if err := s.profile.RequireMobile(); err != nil {
		s.deps.Metrics.Rejected("capability")
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watches[id] = &watch{id: id, running: true, segmentStart: s.now()}
	s.log.Info("stopwatch started", logx.String("id", id))
	return nil
}

// Pause folds the current segment into the accumulator and clears the
// running flag. Pausing a paused stopwatch is a no-op.
func (s *Service) Pause(id string) error {
	if err := s.profile.RequireMobile(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return ErrNotFound
	}
	if w.running {
		w.accumulated += s.now().Sub(w.segmentStart)
		w.running = false
	}
	return nil
}

// Resume opens a new segment from the current instant. Resuming a running
// stopwatch is a no-op.
func (s *Service) Resume(id string) error {
	if err := s.profile.RequireMobile(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return ErrNotFound
	}
	if !w.running {
		w.segmentStart = s.now()
		w.running = true
	}
	return nil
}

// RecordLap appends a lap at the current derived elapsed without altering
// run state.
func (s *Service) RecordLap(id string) (Lap, error) {
	if err := s.profile.RequireMobile(); err != nil {
		return Lap{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return Lap{}, ErrNotFound
	}
	now := s.now()
	lap := Lap{Number: len(w.laps) + 1, Elapsed: w.elapsed(now), At: now}
	w.laps = append(w.laps, lap)
	return lap, nil
}

// Reset zeroes the accumulator and laps. A running stopwatch keeps running
// from the current instant.
func (s *Service) Reset(id string) error {
	if err := s.profile.RequireMobile(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return ErrNotFound
	}
	w.accumulated = 0
	w.laps = nil
	if w.running {
		w.segmentStart = s.now()
	}
	return nil
}

// StopWatch returns the final derived elapsed and discards the stopwatch.
func (s *Service) StopWatch(id string) (time.Duration, error) {
	if err := s.profile.RequireMobile(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return 0, ErrNotFound
	}
	final := w.elapsed(s.now())
	delete(s.watches, id)
	s.log.Info("stopwatch stopped", logx.String("id", id), logx.Duration("elapsed", final))
	return final, nil
}

// Elapsed reports the live derived elapsed for id.
func (s *Service) Elapsed(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[id]
	if !ok {
		return 0, false
	}
	return w.elapsed(s.now()), true
}

// List returns snapshots of all stopwatches. Succeeds on any profile.
func (s *Service) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Snapshot, 0, len(s.watches))
	for id, w := range s.watches {
		out = append(out, Snapshot{
			ID:      id,
			Running: w.running,
			Elapsed: w.elapsed(now),
			Laps:    append([]Lap(nil), w.laps...),
		})
	}
	return out
}
