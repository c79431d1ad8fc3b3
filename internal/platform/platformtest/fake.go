// Package platformtest provides in-memory doubles of the platform
// interfaces for scheduler and gateway tests.
package platformtest

import (
	"context"
	"sync"
	"time"

	"chime/internal/platform"
)

// Notifier records every notification shown to it.
type Notifier struct {
	mu    sync.Mutex
	Err   error // returned from Show when set
	shown []platform.Notification
}

func (n *Notifier) Show(_ context.Context, noti platform.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.shown = append(n.shown, noti)
	return nil
}

func (n *Notifier) Shown() []platform.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]platform.Notification, len(n.shown))
	copy(out, n.shown)
	return out
}

// Prompter grants or denies permission and counts prompts.
type Prompter struct {
	mu    sync.Mutex
	Grant bool
	Err   error
	calls int
}

func (p *Prompter) RequestPermission(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.Grant, p.Err
}

func (p *Prompter) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Vibrator records requested haptic patterns.
type Vibrator struct {
	mu       sync.Mutex
	Err      error
	patterns [][]int
}

func (v *Vibrator) Vibrate(pattern []int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return v.Err
	}
	v.patterns = append(v.patterns, append([]int(nil), pattern...))
	return nil
}

func (v *Vibrator) Patterns() [][]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]int, len(v.patterns))
	copy(out, v.patterns)
	return out
}

// Sounder counts cue playbacks.
type Sounder struct {
	mu    sync.Mutex
	plays int
	loops int
	stops int
}

func (s *Sounder) PlayCue(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return nil
}

func (s *Sounder) LoopCue(context.Context, time.Duration) (func(), error) {
	s.mu.Lock()
	s.loops++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.stops++
		s.mu.Unlock()
	}, nil
}

func (s *Sounder) Plays() int { s.mu.Lock(); defer s.mu.Unlock(); return s.plays }
func (s *Sounder) Loops() int { s.mu.Lock(); defer s.mu.Unlock(); return s.loops }
func (s *Sounder) Stops() int { s.mu.Lock(); defer s.mu.Unlock(); return s.stops }

// Chat records system messages pushed into the transcript.
type Chat struct {
	mu       sync.Mutex
	messages []string
}

func (c *Chat) Post(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}

func (c *Chat) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)
	return out
}
