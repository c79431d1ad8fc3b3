package gateway

import (
	"context"
	"errors"
	"testing"

	"chime/internal/capability"
	"chime/internal/logx"
	"chime/internal/platform/platformtest"
)

func mobileProfile() capability.Profile {
	return capability.Profile{Mobile: true, Haptics: true, BackgroundRelay: true}
}

func TestRequestPermissionIsTerminal(t *testing.T) {
	t.Parallel()

	pr := &platformtest.Prompter{Grant: true}
	s := New(Config{}, mobileProfile(), Deps{Prompter: pr}, logx.Nop())

	if !s.RequestPermission(context.Background()) {
		t.Fatal("first prompt should grant")
	}
	if got := s.Permission(); got != PermissionGranted {
		t.Fatalf("permission = %v, want granted", got)
	}

	// Second call must not re-prompt; state is terminal.
	pr.Grant = false
	if !s.RequestPermission(context.Background()) {
		t.Fatal("granted state must stick")
	}
	if pr.Calls() != 1 {
		t.Fatalf("prompt calls = %d, want 1", pr.Calls())
	}
}

func TestRequestPermissionDeniedIsTerminal(t *testing.T) {
	t.Parallel()

	pr := &platformtest.Prompter{Grant: false}
	s := New(Config{}, mobileProfile(), Deps{Prompter: pr}, logx.Nop())

	if s.RequestPermission(context.Background()) {
		t.Fatal("prompt should deny")
	}
	pr.Grant = true
	if s.RequestPermission(context.Background()) {
		t.Fatal("denied state must stick even if a later prompt would grant")
	}
	if pr.Calls() != 1 {
		t.Fatalf("prompt calls = %d, want 1", pr.Calls())
	}
}

func TestRequestPermissionPromptFailureLeavesUnset(t *testing.T) {
	t.Parallel()

	pr := &platformtest.Prompter{Err: errors.New("prompt broke")}
	s := New(Config{}, mobileProfile(), Deps{Prompter: pr}, logx.Nop())

	if s.RequestPermission(context.Background()) {
		t.Fatal("failed prompt must not grant")
	}
	if got := s.Permission(); got != PermissionUnset {
		t.Fatalf("permission = %v, want unset after prompt failure", got)
	}

	// A fresh prompt is the legal retry.
	pr.Err = nil
	pr.Grant = true
	if !s.RequestPermission(context.Background()) {
		t.Fatal("retry after prompt failure should grant")
	}
}

func TestDeliverWithoutPermission(t *testing.T) {
	t.Parallel()

	n := &platformtest.Notifier{}
	s := New(Config{}, mobileProfile(), Deps{Direct: n}, logx.Nop())

	if s.Deliver(context.Background(), Delivery{Title: "x"}) {
		t.Fatal("delivery without permission must report false")
	}
	if len(n.Shown()) != 0 {
		t.Fatal("nothing may reach the notifier without permission")
	}
}

func grant(t *testing.T, s *Service) {
	t.Helper()
	if !s.RequestPermission(context.Background()) {
		t.Fatal("test setup: permission not granted")
	}
}

func TestDeliverDirect(t *testing.T) {
	t.Parallel()

	n := &platformtest.Notifier{}
	v := &platformtest.Vibrator{}
	s := New(Config{}, mobileProfile(), Deps{
		Prompter: &platformtest.Prompter{Grant: true},
		Direct:   n,
		Vibrator: v,
	}, logx.Nop())
	grant(t, s)

	ok := s.Deliver(context.Background(), Delivery{
		Title:  "Alarm",
		Body:   "wake up",
		Tag:    "alarm-a1",
		Urgent: true,
		Haptic: []int{200, 100, 200},
	})
	if !ok {
		t.Fatal("delivery should succeed")
	}
	shown := n.Shown()
	if len(shown) != 1 {
		t.Fatalf("shown = %d notifications, want 1", len(shown))
	}
	if shown[0].Tag != "alarm-a1" || !shown[0].Urgent {
		t.Fatalf("unexpected notification %+v", shown[0])
	}
	if len(v.Patterns()) != 1 {
		t.Fatalf("haptic patterns = %d, want 1", len(v.Patterns()))
	}
}

func TestDeliverRoutesThroughRelayWhenHidden(t *testing.T) {
	t.Parallel()

	direct := &platformtest.Notifier{}
	relay := &platformtest.Notifier{}
	hidden := false
	s := New(Config{}, mobileProfile(), Deps{
		Prompter:      &platformtest.Prompter{Grant: true},
		Direct:        direct,
		RelayNotifier: relay,
		Hidden:        func() bool { return hidden },
	}, logx.Nop())
	grant(t, s)

	s.Deliver(context.Background(), Delivery{Tag: "t1"})
	hidden = true
	s.Deliver(context.Background(), Delivery{Tag: "t2"})

	if got := len(direct.Shown()); got != 1 {
		t.Fatalf("direct deliveries = %d, want 1", got)
	}
	if got := len(relay.Shown()); got != 1 {
		t.Fatalf("relay deliveries = %d, want 1", got)
	}
	if relay.Shown()[0].Tag != "t2" {
		t.Fatalf("relay got tag %q, want t2", relay.Shown()[0].Tag)
	}
}

func TestDeliverNoRelayRouteWithoutCapability(t *testing.T) {
	t.Parallel()

	direct := &platformtest.Notifier{}
	relay := &platformtest.Notifier{}
	profile := capability.Profile{Mobile: true} // no BackgroundRelay
	s := New(Config{}, profile, Deps{
		Prompter:      &platformtest.Prompter{Grant: true},
		Direct:        direct,
		RelayNotifier: relay,
		Hidden:        func() bool { return true },
	}, logx.Nop())
	grant(t, s)

	s.Deliver(context.Background(), Delivery{Tag: "t1"})
	if len(direct.Shown()) != 1 || len(relay.Shown()) != 0 {
		t.Fatalf("hidden delivery without relay capability must stay direct (direct=%d relay=%d)",
			len(direct.Shown()), len(relay.Shown()))
	}
}

func TestDeliverAssignsTag(t *testing.T) {
	t.Parallel()

	n := &platformtest.Notifier{}
	s := New(Config{}, mobileProfile(), Deps{
		Prompter: &platformtest.Prompter{Grant: true},
		Direct:   n,
	}, logx.Nop())
	grant(t, s)

	s.Deliver(context.Background(), Delivery{Title: "untagged"})
	if n.Shown()[0].Tag == "" {
		t.Fatal("delivery must assign a tag when none is given")
	}
}

func TestDeliverShowFailure(t *testing.T) {
	t.Parallel()

	n := &platformtest.Notifier{Err: errors.New("platform down")}
	v := &platformtest.Vibrator{}
	s := New(Config{}, mobileProfile(), Deps{
		Prompter: &platformtest.Prompter{Grant: true},
		Direct:   n,
		Vibrator: v,
	}, logx.Nop())
	grant(t, s)

	if s.Deliver(context.Background(), Delivery{Haptic: []int{100}}) {
		t.Fatal("failed show must report false")
	}
	if len(v.Patterns()) != 0 {
		t.Fatal("haptics must not run after a failed show")
	}
}

func TestDeliverRateLimit(t *testing.T) {
	t.Parallel()

	n := &platformtest.Notifier{}
	s := New(Config{RatePerSec: 1}, mobileProfile(), Deps{
		Prompter: &platformtest.Prompter{Grant: true},
		Direct:   n,
	}, logx.Nop())
	grant(t, s)

	first := s.Deliver(context.Background(), Delivery{Tag: "a"})
	second := s.Deliver(context.Background(), Delivery{Tag: "b"})
	if !first || second {
		t.Fatalf("rate limit: first=%v second=%v, want true/false", first, second)
	}
	if len(n.Shown()) != 1 {
		t.Fatalf("shown = %d, want 1", len(n.Shown()))
	}
}

func TestHapticsGatedOnCapability(t *testing.T) {
	t.Parallel()

	n := &platformtest.Notifier{}
	v := &platformtest.Vibrator{}
	profile := capability.Profile{Mobile: true, Haptics: false}
	s := New(Config{}, profile, Deps{
		Prompter: &platformtest.Prompter{Grant: true},
		Direct:   n,
		Vibrator: v,
	}, logx.Nop())
	grant(t, s)

	s.Deliver(context.Background(), Delivery{Haptic: []int{100, 50, 100}})
	if len(v.Patterns()) != 0 {
		t.Fatal("haptics must be skipped without the capability")
	}
}

func TestAlarmCueLoopAndSilence(t *testing.T) {
	t.Parallel()

	n := &platformtest.Notifier{}
	snd := &platformtest.Sounder{}
	s := New(Config{Audio: true}, mobileProfile(), Deps{
		Prompter: &platformtest.Prompter{Grant: true},
		Direct:   n,
		Sounder:  snd,
	}, logx.Nop())
	grant(t, s)

	s.Deliver(context.Background(), Delivery{Cue: CueAlarm})
	if snd.Loops() != 1 {
		t.Fatalf("loops = %d, want 1", snd.Loops())
	}

	// A second alarm replaces the loop and stops the first.
	s.Deliver(context.Background(), Delivery{Cue: CueAlarm})
	if snd.Loops() != 2 || snd.Stops() != 1 {
		t.Fatalf("loops=%d stops=%d, want 2/1", snd.Loops(), snd.Stops())
	}

	s.SilenceCue()
	if snd.Stops() != 2 {
		t.Fatalf("stops = %d after silence, want 2", snd.Stops())
	}
	// Silencing twice is harmless.
	s.SilenceCue()
	if snd.Stops() != 2 {
		t.Fatalf("stops = %d after double silence, want 2", snd.Stops())
	}
}

func TestTimerCuePlaysOnce(t *testing.T) {
	t.Parallel()

	snd := &platformtest.Sounder{}
	s := New(Config{Audio: true}, mobileProfile(), Deps{
		Prompter: &platformtest.Prompter{Grant: true},
		Direct:   &platformtest.Notifier{},
		Sounder:  snd,
	}, logx.Nop())
	grant(t, s)

	s.Deliver(context.Background(), Delivery{Cue: CueTimer})
	if snd.Plays() != 1 || snd.Loops() != 0 {
		t.Fatalf("plays=%d loops=%d, want 1/0", snd.Plays(), snd.Loops())
	}
}
