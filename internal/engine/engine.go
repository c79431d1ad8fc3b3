// Package engine assembles the timing and notification engine: capability
// detection, the permission/delivery gateway, the three schedulers, and
// the background relay, behind one explicitly constructed object with an
// explicit initialize/teardown lifecycle.
//
// Nothing here is a singleton. A session builds an Engine, starts it,
// feeds it structured commands from the upstream interpreter, and stops
// it on session end.
package engine

import (
	"context"
	"fmt"
	"time"

	"chime/internal/alarm"
	"chime/internal/capability"
	"chime/internal/config"
	"chime/internal/eventbus"
	"chime/internal/gateway"
	"chime/internal/logx"
	"chime/internal/metrics"
	"chime/internal/platform"
	"chime/internal/relay"
	"chime/internal/stopwatch"
	"chime/internal/timer"
)

// Deps are the platform collaborators the engine consumes but never owns.
type Deps struct {
	Prompter platform.Prompter
	Notifier platform.Notifier // foreground delivery path
	// RelayNotifier is the delivery handle that survives foreground
	// suspension. Defaults to Notifier when nil.
	RelayNotifier platform.Notifier
	Vibrator      platform.Vibrator
	Sounder       platform.Sounder
	Chat          platform.ChatSurface
	Hidden        func() bool
	Metrics       *metrics.Set
	Now           func() time.Time
}

type Engine struct {
	log     logx.Logger
	profile capability.Profile
	bus     eventbus.Bus

	gw      *gateway.Service
	alarms  *alarm.Service
	timers  *timer.Service
	watches *stopwatch.Service
	rel     *relay.Relay // nil without background relay support

	sup *Supervisor
}

func New(cfg *config.Config, deps Deps, log logx.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}

	snoozeDelay, err := config.ParseDurationOrDefault("alarm.snooze_delay", cfg.Alarm.SnoozeDelay, alarm.DefaultSnoozeDelay)
	if err != nil {
		return nil, err
	}
	tickInterval, err := config.ParseDurationOrDefault("timer.tick_interval", cfg.Timer.TickInterval, timer.DefaultTickInterval)
	if err != nil {
		return nil, err
	}
	displayInterval, err := config.ParseDurationOrDefault("stopwatch.display_interval", cfg.Stopwatch.DisplayInterval, stopwatch.DefaultDisplayInterval)
	if err != nil {
		return nil, err
	}
	busyTimeout, err := config.ParseDurationField("relay.busy_timeout", cfg.Relay.BusyTimeout)
	if err != nil {
		return nil, err
	}

	// Capability classification happens once per session; everything
	// downstream only reads the profile.
	profile := capability.Classify(capability.Signals{
		UserAgent:       cfg.Device.UserAgent,
		TouchPoints:     cfg.Device.TouchPoints,
		ViewportWidth:   cfg.Device.ViewportWidth,
		ViewportHeight:  cfg.Device.ViewportHeight,
		Orientation:     capability.Orientation(cfg.Device.Orientation),
		Vibrator:        cfg.Device.Vibrator,
		BackgroundRelay: cfg.Device.BackgroundRelay,
	})
	log.Info("capability profile",
		logx.Bool("mobile", profile.Mobile),
		logx.Bool("haptics", profile.Haptics),
		logx.Bool("background_relay", profile.BackgroundRelay))

	bus := eventbus.New()

	e := &Engine{
		log:     log,
		profile: profile,
		bus:     bus,
	}

	relayNotifier := deps.RelayNotifier
	if relayNotifier == nil {
		relayNotifier = deps.Notifier
	}

	var relayPort alarm.RelayPort
	if cfg.Relay.Enabled && profile.BackgroundRelay {
		rel, err := relay.New(relay.Config{
			QueueSize:   cfg.Relay.QueueSize,
			StorePath:   cfg.Relay.StorePath,
			BusyTimeout: busyTimeout,
			SnoozeDelay: snoozeDelay,
		}, relay.Deps{
			Notifier: relayNotifier,
			Bus:      bus,
			Metrics:  deps.Metrics,
			Now:      deps.Now,
		}, log.With(logx.String("comp", "relay")))
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		e.rel = rel
		relayPort = rel
	}

	e.gw = gateway.New(gateway.Config{
		RatePerSec: cfg.Gateway.RatePerSec,
		Audio:      cfg.Gateway.Audio,
	}, profile, gateway.Deps{
		Prompter:      deps.Prompter,
		Direct:        deps.Notifier,
		RelayNotifier: relayNotifier,
		Vibrator:      deps.Vibrator,
		Sounder:       deps.Sounder,
		Hidden:        deps.Hidden,
		Metrics:       deps.Metrics,
	}, log.With(logx.String("comp", "gateway")))

	e.alarms = alarm.New(alarm.Config{
		SnoozeDelay: snoozeDelay,
		Timezone:    cfg.Alarm.Timezone,
	}, profile, alarm.Deps{
		Gateway: e.gw,
		Relay:   relayPort,
		Chat:    deps.Chat,
		Bus:     bus,
		Metrics: deps.Metrics,
		Now:     deps.Now,
	}, log.With(logx.String("comp", "alarm")))

	e.timers = timer.New(timer.Config{
		TickInterval: tickInterval,
	}, profile, timer.Deps{
		Gateway: e.gw,
		Chat:    deps.Chat,
		Bus:     bus,
		Metrics: deps.Metrics,
		Now:     deps.Now,
	}, log.With(logx.String("comp", "timer")))

	e.watches = stopwatch.New(stopwatch.Config{
		DisplayInterval: displayInterval,
	}, profile, stopwatch.Deps{
		Bus:     bus,
		Metrics: deps.Metrics,
		Now:     deps.Now,
	}, log.With(logx.String("comp", "stopwatch")))

	return e, nil
}

// Start initializes the session: permission state once, then the
// schedulers, then the relay context under the supervisor.
func (e *Engine) Start(ctx context.Context) error {
	if e.sup != nil {
		return nil
	}
	e.sup = NewSupervisor(ctx, e.log)

	if e.rel != nil {
		e.sup.Go("relay", e.rel.Run)
	}

	// One prompt per session; the result is terminal either way.
	e.gw.RequestPermission(ctx)

	runCtx := e.sup.Context()
	e.alarms.Start(runCtx)
	e.timers.Start(runCtx)
	e.watches.Start(runCtx)

	e.log.Info("timing engine started")
	return nil
}

// Stop tears down timers and relay links. Safe to call once after Start.
func (e *Engine) Stop(ctx context.Context) error {
	if e.sup == nil {
		return nil
	}
	e.alarms.Stop(ctx)
	e.timers.Stop(ctx)
	e.watches.Stop(ctx)
	e.gw.SilenceCue()

	err := e.sup.Stop(ctx)
	e.sup = nil
	e.log.Info("timing engine stopped")
	return err
}

func (e *Engine) Profile() capability.Profile     { return e.profile }
func (e *Engine) Bus() eventbus.Bus               { return e.bus }
func (e *Engine) Gateway() *gateway.Service       { return e.gw }
func (e *Engine) Alarms() *alarm.Service          { return e.alarms }
func (e *Engine) Timers() *timer.Service          { return e.timers }
func (e *Engine) Stopwatches() *stopwatch.Service { return e.watches }
func (e *Engine) Relay() *relay.Relay             { return e.rel }

// HandleAction routes a foreground notification interaction. (The relay
// owns its own action entry point; this one serves notifications shown by
// the foreground path.)
func (e *Engine) HandleAction(ctx context.Context, ev platform.ActionEvent) {
	if id, ok := platform.AlarmIDFromTag(ev.Tag); ok {
		switch ev.Action {
		case platform.ActionSnooze:
			e.gw.SilenceCue()
			if _, err := e.alarms.Snooze(ctx, id, ev.Body); err != nil {
				e.log.Warn("snooze failed", logx.String("id", id), logx.Err(err))
			}
		case platform.ActionDismiss:
			e.gw.SilenceCue()
		}
		return
	}
	if ev.Action == platform.ActionDismiss {
		e.gw.SilenceCue()
	}
}
