// Package console is the local-session transport: chat messages and
// notifications are rendered to a writer, and permission is auto-granted.
// It exists for headless runs and demos; real sessions use the telegram
// transport.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"chime/internal/platform"
)

type Transport struct {
	mu  sync.Mutex
	out io.Writer
}

func New(out io.Writer) *Transport {
	return &Transport{out: out}
}

func (t *Transport) Post(_ context.Context, text string) error {
	return t.printf("[chat] %s\n", text)
}

func (t *Transport) Show(_ context.Context, n platform.Notification) error {
	marker := "notify"
	if n.Urgent {
		marker = "NOTIFY"
	}
	line := fmt.Sprintf("[%s] %s — %s (tag=%s", marker, n.Title, n.Body, n.Tag)
	if len(n.Actions) > 0 {
		acts := make([]string, len(n.Actions))
		for i, a := range n.Actions {
			acts[i] = string(a)
		}
		line += ", actions=" + strings.Join(acts, "/")
	}
	return t.printf("%s)\n", line)
}

func (t *Transport) RequestPermission(context.Context) (bool, error) {
	// A terminal has nothing to refuse.
	return true, nil
}

func (t *Transport) printf(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.out, format, args...)
	return err
}
