// Package telegram adapts the chat surface and the platform notification
// subsystem onto a Telegram bot. Notification actions become inline
// buttons; pressing one feeds an ActionEvent back into the engine (or the
// relay, whichever registered the handler).
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"chime/internal/logx"
	"chime/internal/platform"
)

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

type Transport struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	actions func(ctx context.Context, ev platform.ActionEvent)
	running bool
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, log: log, bot: b}, nil
}

// Start begins long-polling for callback presses and blocks until ctx is
// done. Pass the action handler that should receive button presses.
func (t *Transport) Start(ctx context.Context, actions func(ctx context.Context, ev platform.ActionEvent)) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.actions = actions
	t.mu.Unlock()

	t.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		action, tag, ok := decodeCallback(cb.Data)
		if !ok {
			return c.Respond(&tele.CallbackResponse{})
		}
		t.mu.Lock()
		handler := t.actions
		t.mu.Unlock()
		if handler != nil {
			handler(ctx, platform.ActionEvent{
				Action: action,
				Tag:    tag,
				Body:   m.Text,
			})
		}
		return c.Respond(&tele.CallbackResponse{Text: "OK"})
	})

	go func() {
		<-ctx.Done()
		t.bot.Stop()
	}()
	t.bot.Start()
	return ctx.Err()
}

// Post implements the chat surface: one system-authored message in the
// conversation transcript.
func (t *Transport) Post(_ context.Context, text string) error {
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text)
	return err
}

// Show implements the platform notifier. Telegram has no native tag
// replacement, so the tag rides along in the callback data instead.
func (t *Transport) Show(_ context.Context, n platform.Notification) error {
	text := n.Title
	if n.Body != "" {
		text += "\n" + n.Body
	}

	opt := &tele.SendOptions{DisableNotification: !n.Urgent}
	if len(n.Actions) > 0 {
		rm := &tele.ReplyMarkup{}
		row := make(tele.Row, 0, len(n.Actions))
		for _, a := range n.Actions {
			row = append(row, tele.Btn{
				Text: buttonLabel(a),
				Data: encodeCallback(a, n.Tag),
			})
		}
		rm.Inline(row)
		opt.ReplyMarkup = rm
	}

	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, opt)
	return err
}

// RequestPermission probes the chat: if the bot can post there, delivery
// is possible. This is the closest Telegram analog of a permission prompt.
func (t *Transport) RequestPermission(ctx context.Context) (bool, error) {
	err := t.Post(ctx, "🔔 Notifications enabled for this chat.")
	if err != nil {
		return false, err
	}
	return true, nil
}

func buttonLabel(a platform.Action) string {
	switch a {
	case platform.ActionSnooze:
		return "😴 Snooze 5 min"
	case platform.ActionDismiss:
		return "✅ Dismiss"
	default:
		return string(a)
	}
}

// Callback data format: "<action>|<tag>". Telegram limits callback data
// to 64 bytes; tags are short IDs so this fits comfortably.
func encodeCallback(a platform.Action, tag string) string {
	return string(a) + "|" + tag
}

func decodeCallback(data string) (platform.Action, string, bool) {
	action, tag, ok := strings.Cut(strings.TrimSpace(data), "|")
	if !ok {
		return "", "", false
	}
	return platform.Action(action), tag, true
}
