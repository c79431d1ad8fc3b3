// Package relay is the background scheduling context: it re-implements
// alarm firing in an execution context independent of the foreground's
// lifecycle, so deadlines are honored even after the foreground is torn
// down.
//
// The two contexts share no memory. The foreground talks to the relay
// only through an order-preserving message channel carrying exactly two
// message types, SCHEDULE_ALARM and CANCEL_ALARM; both sides are
// idempotent so no acknowledgment channel exists. On firing, the relay
// shows the notification directly against the platform subsystem — it has
// no other code path available to it — and its snooze affordance re-arms
// a follow-up entirely within this context, never requiring the
// foreground to be reachable.
package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"chime/internal/eventbus"
	"chime/internal/logx"
	"chime/internal/metrics"
	"chime/internal/platform"
)

// MessageType enumerates the relay protocol.
type MessageType string

const (
	MsgScheduleAlarm MessageType = "SCHEDULE_ALARM"
	MsgCancelAlarm   MessageType = "CANCEL_ALARM"
)

// Message is one foreground→relay protocol frame.
type Message struct {
	Type    MessageType
	ID      string
	Time    time.Time
	Message string
}

const (
	defaultQueueSize   = 64
	defaultSnoozeDelay = 5 * time.Minute
	snoozeSuffix       = "-snooze"
)

// Same affordance payload the foreground uses; the user cannot tell which
// context fired.
var fireHaptic = []int{200, 100, 200, 100, 400}

type Config struct {
	QueueSize   int
	StorePath   string // sqlite shadow store; empty disables persistence
	BusyTimeout time.Duration
	SnoozeDelay time.Duration
}

type Deps struct {
	Notifier platform.Notifier
	Bus      eventbus.Bus
	Metrics  *metrics.Set
	Now      func() time.Time
}

type shadow struct {
	id      string
	at      time.Time
	message string
	timer   *time.Timer
}

type Relay struct {
	log  logx.Logger
	cfg  Config
	deps Deps
	now  func() time.Time

	inbox chan Message
	store *shadowStore

	mu      sync.Mutex
	shadows map[string]*shadow
	runCtx  context.Context
}

func New(cfg Config, deps Deps, log logx.Logger) (*Relay, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SnoozeDelay <= 0 {
		cfg.SnoozeDelay = defaultSnoozeDelay
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := &Relay{
		log:     log,
		cfg:     cfg,
		deps:    deps,
		now:     now,
		inbox:   make(chan Message, cfg.QueueSize),
		shadows: map[string]*shadow{},
	}
	if cfg.StorePath != "" {
		st, err := openShadowStore(cfg.StorePath, cfg.BusyTimeout, log)
		if err != nil {
			return nil, err
		}
		r.store = st
	}
	return r, nil
}

// ScheduleAlarm is the foreground's port: it posts a SCHEDULE_ALARM frame
// into the relay's inbox. Idempotent per ID (re-schedule replaces).
func (r *Relay) ScheduleAlarm(ctx context.Context, id string, at time.Time, message string) error {
	return r.post(ctx, Message{Type: MsgScheduleAlarm, ID: id, Time: at, Message: message})
}

// CancelAlarm posts a CANCEL_ALARM frame. Idempotent; canceling an
// unknown or already-fired alarm is a no-op.
func (r *Relay) CancelAlarm(ctx context.Context, id string) error {
	return r.post(ctx, Message{Type: MsgCancelAlarm, ID: id})
}

func (r *Relay) post(ctx context.Context, m Message) error {
	select {
	case r.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the relay's main loop. It re-arms persisted deadlines, then
// serves the inbox until ctx is done. Intended to run under the engine
// supervisor as its own goroutine — the relay's "execution context".
func (r *Relay) Run(ctx context.Context) error {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	r.rearmPersisted(ctx)

	defer func() {
		r.mu.Lock()
		for _, sh := range r.shadows {
			_ = sh.timer.Stop()
		}
		r.shadows = map[string]*shadow{}
		r.mu.Unlock()
		if err := r.store.Close(); err != nil {
			r.log.Warn("shadow store close failed", logx.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-r.inbox:
			switch m.Type {
			case MsgScheduleAlarm:
				r.schedule(ctx, m)
			case MsgCancelAlarm:
				r.cancel(ctx, m.ID)
			default:
				r.log.Warn("unknown relay message", logx.String("type", string(m.Type)))
			}
		}
	}
}

// rearmPersisted restores the shadow set from the store. Overdue alarms
// fire immediately: a missed deadline is still owed to the user.
func (r *Relay) rearmPersisted(ctx context.Context) {
	rows, err := r.store.All(ctx)
	if err != nil {
		r.log.Warn("shadow store read failed", logx.Err(err))
		return
	}
	for _, row := range rows {
		r.arm(row.ID, row.At, row.Message)
	}
	if len(rows) > 0 {
		r.log.Info("relay re-armed persisted alarms", logx.Int("count", len(rows)))
	}
}

func (r *Relay) schedule(ctx context.Context, m Message) {
	r.arm(m.ID, m.Time, m.Message)
	if err := r.store.Put(ctx, shadowRow{ID: m.ID, At: m.Time, Message: m.Message}); err != nil {
		r.log.Warn("shadow persist failed", logx.String("id", m.ID), logx.Err(err))
	}
	r.log.Debug("relay armed alarm", logx.String("id", m.ID), logx.Time("at", m.Time))
}

func (r *Relay) arm(id string, at time.Time, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.shadows[id]; ok {
		_ = prev.timer.Stop()
	}
	sh := &shadow{id: id, at: at, message: message}
	delay := at.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	sh.timer = time.AfterFunc(delay, func() { r.fire(id) })
	r.shadows[id] = sh
}

func (r *Relay) cancel(ctx context.Context, id string) {
	r.mu.Lock()
	sh, ok := r.shadows[id]
	if ok {
		_ = sh.timer.Stop()
		delete(r.shadows, id)
	}
	r.mu.Unlock()

	if err := r.store.Delete(ctx, id); err != nil {
		r.log.Warn("shadow delete failed", logx.String("id", id), logx.Err(err))
	}
	if ok {
		r.log.Debug("relay canceled alarm", logx.String("id", id))
	}
}

// fire is the relay's deadline callback. The shadow is removed — memory
// and store — before the notification is dispatched, so if the foreground
// fired first and its cancel already landed, fire no-ops, and a racing
// cancel after removal changes nothing. At most one visible notification
// per alarm.
func (r *Relay) fire(id string) {
	r.mu.Lock()
	sh, ok := r.shadows[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.shadows, id)
	ctx := r.runCtx
	r.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if err := r.store.Delete(ctx, id); err != nil {
		r.log.Warn("shadow delete failed", logx.String("id", id), logx.Err(err))
	}

	r.deps.Metrics.AlarmFired(metrics.ContextRelay)
	err := r.deps.Notifier.Show(ctx, platform.Notification{
		Title:   "⏰ Alarm",
		Body:    sh.message,
		Tag:     platform.AlarmTag(id),
		Urgent:  true,
		Haptic:  fireHaptic,
		Actions: []platform.Action{platform.ActionSnooze, platform.ActionDismiss},
	})
	if err != nil {
		// Logged and swallowed: a missed alert must not kill the relay.
		r.log.Warn("relay notification failed", logx.String("id", id), logx.Err(err))
	}
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(eventbus.Event{Type: eventbus.EventAlarmFired, Data: Message{Type: MsgScheduleAlarm, ID: id, Time: sh.at, Message: sh.message}})
	}
	r.log.Info("relay fired alarm", logx.String("id", id))
}

// HandleAction is the relay's user-interaction entry point for the
// notification affordances. Snooze re-arms a follow-up entirely within
// this context; the foreground does not need to exist.
func (r *Relay) HandleAction(ctx context.Context, ev platform.ActionEvent) {
	id, ok := platform.AlarmIDFromTag(ev.Tag)
	if !ok {
		return
	}
	switch ev.Action {
	case platform.ActionSnooze:
		followID := strings.TrimSuffix(id, snoozeSuffix) + snoozeSuffix
		at := r.now().Add(r.cfg.SnoozeDelay)
		r.arm(followID, at, ev.Body)
		if err := r.store.Put(ctx, shadowRow{ID: followID, At: at, Message: ev.Body}); err != nil {
			r.log.Warn("shadow persist failed", logx.String("id", followID), logx.Err(err))
		}
		r.deps.Metrics.Snoozed()
		r.log.Info("relay snoozed alarm", logx.String("id", id), logx.Time("until", at))
	case platform.ActionDismiss:
		// Nothing to do: the host closes the notification.
	}
}

// Pending returns the relay's current shadow count (status queries only;
// the foreground remains authoritative for the alarm list).
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shadows)
}
