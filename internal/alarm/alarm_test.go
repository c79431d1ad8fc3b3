package alarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chime/internal/capability"
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

func (g *fakeGateway) Deliveries() []gateway.Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.Delivery, len(g.deliveries))
	copy(out, g.deliveries)
	return out
}

type fakeRelay struct {
	mu        sync.Mutex
	scheduled []string
	canceled  []string
}

func (r *fakeRelay) ScheduleAlarm(_ context.Context, id string, _ time.Time, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = append(r.scheduled, id)
	return nil
}

func (r *fakeRelay) CancelAlarm(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, id)
	return nil
}

func (r *fakeRelay) Scheduled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.scheduled...)
}

func (r *fakeRelay) Canceled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.canceled...)
}

func mobileProfile() capability.Profile {
	return capability.Profile{Mobile: true, Haptics: true, BackgroundRelay: true}
}

func newTestService(t *testing.T, deps Deps) *Service {
	t.Helper()
	if deps.Gateway == nil {
		deps.Gateway = newFakeGateway()
	}
	s := New(Config{}, mobileProfile(), deps, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFired(t *testing.T, gw *fakeGateway) gateway.Delivery {
	t.Helper()
	select {
	case d := <-gw.fired:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for alarm delivery")
		return gateway.Delivery{}
	}
}

func TestSetValidation(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestService(t, Deps{Gateway: gw})
	ctx := context.Background()

	if err := s.Set(ctx, "", time.Now().Add(time.Hour), "x"); err == nil {
		t.Fatal("empty id must be rejected")
	}
	err := s.Set(ctx, "a1", time.Now().Add(-time.Minute), "x")
	if !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("past time: got %v, want ErrInvalidTime", err)
	}
	err = s.Set(ctx, "a1", time.Now(), "x")
	if !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("time equal to now: got %v, want ErrInvalidTime", err)
	}
}

func TestSetInvalidTimeLeavesPriorUntouched(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Deps{Gateway: newFakeGateway()})
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	if err := s.Set(ctx, "a1", at, "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "a1", time.Now().Add(-time.Second), "second"); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("got %v, want ErrInvalidTime", err)
	}

	got := s.List()
	if len(got) != 1 || got[0].Message != "first" || !got[0].At.Equal(at) {
		t.Fatalf("prior schedule disturbed: %+v", got)
	}
}

func TestSetRequiresMobile(t *testing.T) {
	t.Parallel()

	s := New(Config{}, capability.Profile{}, Deps{Gateway: newFakeGateway()}, logx.Nop())
	err := s.Set(context.Background(), "a1", time.Now().Add(time.Hour), "x")
	if !errors.Is(err, capability.ErrCapabilityDenied) {
		t.Fatalf("got %v, want ErrCapabilityDenied", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("denied set must not register anything")
	}
}

func TestReplaceFiresOnce(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	s := newTestService(t, Deps{Gateway: gw})
	ctx := context.Background()

	if err := s.Set(ctx, "a1", time.Now().Add(time.Hour), "early"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "a1", time.Now().Add(30*time.Millisecond), "late"); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 1 {
		t.Fatalf("replace must keep a single entry, have %d", len(s.List()))
	}

	d := waitFired(t, gw)
	if d.Body != "late" {
		t.Fatalf("fired body = %q, want the replacement", d.Body)
	}
	select {
	case extra := <-gw.fired:
		t.Fatalf("unexpected second delivery %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
	if len(s.List()) != 0 {
		t.Fatal("fired alarm must be removed")
	}
}

func TestFireDelivery(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	chat := &platformtest.Chat{}
	rel := &fakeRelay{}
	s := newTestService(t, Deps{Gateway: gw, Chat: chat, Relay: rel})

	if err := s.Set(context.Background(), "a1", time.Now().Add(20*time.Millisecond), "stand up"); err != nil {
		t.Fatal(err)
	}
	d := waitFired(t, gw)

	if d.Tag != platform.AlarmTag("a1") {
		t.Fatalf("tag = %q, want %q", d.Tag, platform.AlarmTag("a1"))
	}
	if !d.Urgent || d.Cue != gateway.CueAlarm {
		t.Fatalf("delivery not urgent alarm-cued: %+v", d)
	}
	if len(d.Actions) != 2 || d.Actions[0] != platform.ActionSnooze || d.Actions[1] != platform.ActionDismiss {
		t.Fatalf("actions = %v", d.Actions)
	}

	deadline := time.Now().Add(time.Second)
	for len(chat.Messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := chat.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "stand up") {
		t.Fatalf("chat messages = %v", msgs)
	}
	// Foreground fire must retire the relay shadow.
	if got := rel.Canceled(); len(got) != 1 || got[0] != "a1" {
		t.Fatalf("relay cancels = %v, want [a1]", got)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway()
	rel := &fakeRelay{}
	s := newTestService(t, Deps{Gateway: gw, Relay: rel})
	ctx := context.Background()

	if err := s.Set(ctx, "a1", time.Now().Add(40*time.Millisecond), "x"); err != nil {
		t.Fatal(err)
	}
	if !s.Cancel(ctx, "a1") {
		t.Fatal("cancel of an armed alarm must report true")
	}
	if s.Cancel(ctx, "a1") {
		t.Fatal("second cancel must report false")
	}
	// The relay cancel is sent unconditionally; it may hold a shadow for an
	// ID this context never saw.
	if got := rel.Canceled(); len(got) != 2 {
		t.Fatalf("relay cancels = %v, want two", got)
	}

	select {
	case d := <-gw.fired:
		t.Fatalf("canceled alarm fired: %+v", d)
	case <-time.After(120 * time.Millisecond):
	}
}

func TestListInsertionOrder(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Deps{Gateway: newFakeGateway()})
	ctx := context.Background()
	base := time.Now().Add(time.Hour)

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Set(ctx, id, base, "m"); err != nil {
			t.Fatal(err)
		}
	}
	// Re-setting an existing ID moves it to the back.
	if err := s.Set(ctx, "c", base, "m"); err != nil {
		t.Fatal(err)
	}

	got := s.List()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("order[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestSnoozeDerivesCollapsingID(t *testing.T) {
	t.Parallel()

	rel := &fakeRelay{}
	s := newTestService(t, Deps{Gateway: newFakeGateway(), Relay: rel})
	ctx := context.Background()

	id, err := s.Snooze(ctx, "a1", "wake up")
	if err != nil {
		t.Fatal(err)
	}
	if id != "a1-snooze" {
		t.Fatalf("snooze id = %q, want a1-snooze", id)
	}

	// Snoozing the snooze collapses onto the same pending follow-up
	// instead of stacking suffixes.
	id2, err := s.Snooze(ctx, "a1-snooze", "wake up")
	if err != nil {
		t.Fatal(err)
	}
	if id2 != "a1-snooze" {
		t.Fatalf("re-snooze id = %q, want a1-snooze", id2)
	}
	if got := s.List(); len(got) != 1 {
		t.Fatalf("pending follow-ups = %d, want 1", len(got))
	}
	if got := rel.Scheduled(); len(got) != 2 || got[0] != "a1-snooze" || got[1] != "a1-snooze" {
		t.Fatalf("relay schedules = %v", got)
	}
}

func TestSnoozeDelay(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s := New(Config{SnoozeDelay: 5 * time.Minute}, mobileProfile(), Deps{
		Gateway: newFakeGateway(),
		Now:     func() time.Time { return fixed },
	}, logx.Nop())

	if _, err := s.Snooze(context.Background(), "a1", "m"); err != nil {
		t.Fatal(err)
	}
	got := s.List()
	want := fixed.Add(5 * time.Minute)
	if len(got) != 1 || !got[0].At.Equal(want) {
		t.Fatalf("snooze at = %+v, want %s", got, want)
	}
}

func TestRepeating(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Deps{Gateway: newFakeGateway()})
	ctx := context.Background()

	if err := s.SetRepeating(ctx, "r1", "not a cron spec", "m"); err == nil {
		t.Fatal("invalid spec must be rejected")
	}
	if err := s.SetRepeating(ctx, "r1", "0 7 * * *", "morning"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRepeating(ctx, "r1", "30 7 * * *", "morning"); err != nil {
		t.Fatal(err)
	}

	got := s.ListRepeating()
	if len(got) != 1 || got[0].Spec != "30 7 * * *" {
		t.Fatalf("repeating = %+v", got)
	}
	if got[0].Next.IsZero() {
		t.Fatal("repeating alarm must report its next fire time")
	}

	if !s.CancelRepeating("r1") {
		t.Fatal("cancel must report true")
	}
	if s.CancelRepeating("r1") {
		t.Fatal("second cancel must report false")
	}
}

func TestRepeatingRequiresMobile(t *testing.T) {
	t.Parallel()

	s := New(Config{}, capability.Profile{}, Deps{Gateway: newFakeGateway()}, logx.Nop())
	err := s.SetRepeating(context.Background(), "r1", "@daily", "m")
	if !errors.Is(err, capability.ErrCapabilityDenied) {
		t.Fatalf("got %v, want ErrCapabilityDenied", err)
	}
}
