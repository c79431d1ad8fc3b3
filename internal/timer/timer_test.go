package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chime/internal/capability"
	"chime/internal/eventbus"
	"chime/internal/gateway"
	"chime/internal/logx"
	"chime/internal/platform"
	"chime/internal/platform/platformtest"
)

type fakeGateway struct {
	mu         sync.Mutex
	deliveries []gateway.Delivery
	fired      chan gateway.Delivery
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{fired: make(chan gateway.Delivery, 8)}
}

func (g *fakeGateway) Deliver(_ context.Context, d gateway.Delivery) bool {
	g.mu.Lock()
	g.deliveries = append(g.deliveries, d)
	g.mu.Unlock()
	g.fired <- d
	return true
}

func mobileProfile() capability.Profile {
	return capability.Profile{Mobile: true, Haptics: true}
}

func newTestService(t *testing.T, cfg Config, deps Deps) *Service {
	t.Helper()
	if deps.Gateway == nil {
		deps.Gateway = newFakeGateway()
	}
	s := New(cfg, mobileProfile(), deps, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestStartTimerValidation(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{}, Deps{})
	ctx := context.Background()

	if err := s.StartTimer(ctx, "", 10, "x"); err == nil {
		t.Fatal("empty id must be rejected")
	}
	for _, secs := range []int{0, -5} {
		err := s.StartTimer(ctx, "t1", secs, "x")
		if !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("duration %d: got %v, want ErrInvalidDuration", secs, err)
		}
	}
	if len(s.List()) != 0 {
		t.Fatal("rejected timers must not register")
	}
}

func TestStartTimerRequiresMobile(t *testing.T) {
	t.Parallel()

	s := New(Config{}, capability.Profile{}, Deps{Gateway: newFakeGateway()}, logx.Nop())
	err := s.StartTimer(context.Background(), "t1", 10, "x")
	if !errors.Is(err, capability.ErrCapabilityDenied) {
		t.Fatalf("got %v, want ErrCapabilityDenied", err)
	}
}

func TestRemainingDerivedFromWallClock(t *testing.T) {
	t.Parallel()

	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time { mu.Lock(); defer mu.Unlock(); return clock }
	advance := func(d time.Duration) { mu.Lock(); clock = clock.Add(d); mu.Unlock() }

	s := newTestService(t, Config{}, Deps{Now: now})
	if err := s.StartTimer(context.Background(), "t1", 90, "tea"); err != nil {
		t.Fatal(err)
	}

	rem, ok := s.Remaining("t1")
	if !ok || rem != 90 {
		t.Fatalf("remaining = %d,%v, want 90", rem, ok)
	}

	// Partial seconds round up: 89.5s left displays as 90.
	advance(500 * time.Millisecond)
	if rem, _ = s.Remaining("t1"); rem != 90 {
		t.Fatalf("remaining after 0.5s = %d, want 90 (ceil)", rem)
	}
	advance(500 * time.Millisecond)
	if rem, _ = s.Remaining("t1"); rem != 89 {
		t.Fatalf("remaining after 1s = %d, want 89", rem)
	}

	// A long suspension does not desynchronize the value.
	advance(2 * time.Minute)
	if rem, _ = s.Remaining("t1"); rem != 0 {
		t.Fatalf("remaining after overshoot = %d, want 0", rem)
	}

	if _, ok := s.Remaining("nope"); ok {
		t.Fatal("unknown id must report !ok")
	}
}

func TestListSnapshot(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s := newTestService(t, Config{}, Deps{Now: func() time.Time { return fixed }})
	ctx := context.Background()

	if err := s.StartTimer(ctx, "t1", 60, "tea"); err != nil {
		t.Fatal(err)
	}
	if err := s.StartTimer(ctx, "t2", 300, "pasta"); err != nil {
		t.Fatal(err)
	}

	got := s.List()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	byID := map[string]Status{}
	for _, st := range got {
		byID[st.ID] = st
	}
	if byID["t1"].Remaining != 60 || byID["t1"].Message != "tea" {
		t.Fatalf("t1 = %+v", byID["t1"])
	}
	if byID["t2"].Duration != 5*time.Minute {
		t.Fatalf("t2 = %+v", byID["t2"])
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestService(t, Config{}, Deps{Gateway: gw})
	ctx := context.Background()

	if err := s.StartTimer(ctx, "t1", 1, "x"); err != nil {
		t.Fatal(err)
	}
	if !s.Clear("t1") {
		t.Fatal("clear of an active timer must report true")
	}
	if s.Clear("t1") {
		t.Fatal("second clear must report false")
	}

	select {
	case d := <-gw.fired:
		t.Fatalf("cleared timer completed: %+v", d)
	case <-time.After(1200 * time.Millisecond):
	}
}

func TestCompletion(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	chat := &platformtest.Chat{}
	s := newTestService(t, Config{}, Deps{Gateway: gw, Chat: chat})

	if err := s.StartTimer(context.Background(), "t1", 1, "eggs"); err != nil {
		t.Fatal(err)
	}

	var d gateway.Delivery
	select {
	case d = <-gw.fired:
	case <-time.After(3 * time.Second):
		t.Fatal("timer did not complete")
	}
	if d.Tag != TagPrefix+"t1" {
		t.Fatalf("tag = %q, want %q", d.Tag, TagPrefix+"t1")
	}
	if d.Cue != gateway.CueTimer || !d.Urgent {
		t.Fatalf("delivery = %+v", d)
	}
	if len(d.Actions) != 1 || d.Actions[0] != platform.ActionDismiss {
		t.Fatalf("actions = %v", d.Actions)
	}
	if len(s.List()) != 0 {
		t.Fatal("completed timer must be removed")
	}

	deadline := time.Now().Add(time.Second)
	for len(chat.Messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if msgs := chat.Messages(); len(msgs) != 1 {
		t.Fatalf("chat messages = %v", msgs)
	}
}

func TestReplaceKeepsSingleCountdown(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestService(t, Config{}, Deps{Gateway: gw})
	ctx := context.Background()

	if err := s.StartTimer(ctx, "t1", 3600, "long"); err != nil {
		t.Fatal(err)
	}
	if err := s.StartTimer(ctx, "t1", 1, "short"); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 1 {
		t.Fatalf("replace must keep a single timer, have %d", len(s.List()))
	}

	select {
	case d := <-gw.fired:
		if d.Body != "short" {
			t.Fatalf("completed body = %q, want the replacement", d.Body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("replacement timer did not complete")
	}
}

func TestTickEmitsProgress(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub, unsub := bus.Subscribe(16)
	defer unsub()

	s := newTestService(t, Config{TickInterval: 20 * time.Millisecond}, Deps{Bus: bus})
	if err := s.StartTimer(context.Background(), "t1", 60, "x"); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type != eventbus.EventTimerTick {
				continue
			}
			tick, ok := ev.Data.(Tick)
			if !ok {
				t.Fatalf("tick payload %T", ev.Data)
			}
			if tick.ID != "t1" || tick.Remaining <= 0 || tick.Remaining > 60 {
				t.Fatalf("tick = %+v", tick)
			}
			return
		case <-timeout:
			t.Fatal("no progress tick emitted")
		}
	}
}

func TestRemainingSeconds(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		end  time.Time
		want int
	}{
		{"exact", base.Add(10 * time.Second), 10},
		{"round up", base.Add(9*time.Second + time.Millisecond), 10},
		{"just under", base.Add(time.Nanosecond), 1},
		{"zero", base, 0},
		{"past", base.Add(-time.Minute), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := remainingSeconds(tt.end, base); got != tt.want {
				t.Fatalf("remainingSeconds = %d, want %d", got, tt.want)
			}
		})
	}
}
