package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	daemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chime/internal/audio"
	"chime/internal/config"
	"chime/internal/engine"
	"chime/internal/logx"
	"chime/internal/metrics"
	"chime/internal/platform"
	"chime/internal/transport/console"
	"chime/internal/transport/telegram"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	})
	defer logSvc.Close()
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	// Transport selection: the chat surface and the platform notifier are
	// the same object for both kinds.
	var (
		chat     platform.ChatSurface
		notifier platform.Notifier
		prompter platform.Prompter
		tg       *telegram.Transport
	)
	switch cfg.Transport.Kind {
	case "telegram":
		pollTimeout, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return err
		}
		tg, err = telegram.New(telegram.Config{
			Token:       cfg.Transport.Telegram.Token,
			ChatID:      cfg.Transport.Telegram.ChatID,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return err
		}
		chat, notifier, prompter = tg, tg, tg
	default:
		cons := console.New(os.Stdout)
		chat, notifier, prompter = cons, cons, cons
	}

	var sounder platform.Sounder
	if cfg.Gateway.Audio {
		sounder = audio.New(log.With(logx.String("comp", "audio")))
	}

	eng, err := engine.New(cfg, engine.Deps{
		Prompter: prompter,
		Notifier: notifier,
		Sounder:  sounder,
		Chat:     chat,
		Metrics:  met,
	}, log.With(logx.String("comp", "engine")))
	if err != nil {
		return err
	}

	if cfg.Logging.Chat.Enabled {
		logSvc.AttachChat(chat)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	if tg != nil {
		go func() { _ = tg.Start(ctx, eng.HandleAction) }()
	}

	// Hot-reload logging config; scheduler config is fixed per session.
	go func() { _ = cfgm.Watch(ctx) }()
	go func() {
		sub := cfgm.Subscribe(1)
		defer cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-sub:
				if !ok || next == nil {
					return
				}
				logSvc.Apply(logx.Config{
					Level:   next.Logging.Level,
					Console: next.Logging.Console,
					File: logx.FileConfig{
						Enabled: next.Logging.File.Enabled,
						Path:    next.Logging.File.Path,
					},
					Chat: logx.ChatConfig{
						Enabled:    next.Logging.Chat.Enabled,
						MinLevel:   next.Logging.Chat.MinLevel,
						RatePerSec: next.Logging.Chat.RatePerSec,
					},
				})
			}
		}
	}()

	if cfg.Metrics.Enabled {
		listen := cfg.Metrics.Listen
		if listen == "" {
			listen = ":9109"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics listener failed", logx.Err(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shctx, shcancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer shcancel()
			_ = srv.Shutdown(shctx)
		}()
		log.Info("metrics listening", logx.String("addr", listen))
	}

	// systemd integration is best-effort; outside a unit these are no-ops.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}()
	}

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shctx, shcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shcancel()
	return eng.Stop(shctx)
}
