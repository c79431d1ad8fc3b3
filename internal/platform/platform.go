// Package platform declares the narrow interfaces through which the timing
// engine touches the host: the notification subsystem, the vibration
// motor, the audio device, and the conversation transcript. Everything
// here is an external collaborator; the engine owns none of it.
package platform

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action names a user affordance attached to a notification.
type Action string

const (
	ActionSnooze  Action = "snooze"
	ActionDismiss Action = "dismiss"
)

// Notification is the payload handed to the host notification subsystem.
// Tag is the platform de-duplication key: a second Show with the same tag
// updates the visible notification in place instead of stacking.
type Notification struct {
	Title   string
	Body    string
	Tag     string
	Icon    string
	Badge   string
	Urgent  bool
	Haptic  []int // alternating vibrate/pause durations, milliseconds
	Actions []Action
}

// ActionEvent is a user interaction with a shown notification. Tag carries
// the alarm identity the affordance applies to; Body echoes the shown
// notification's body so a snooze can re-register the original message
// without the scheduler having to remember fired alarms.
type ActionEvent struct {
	Action Action
	Tag    string
	Body   string
}

// Notifier posts a notification to the host. Implementations must treat a
// repeated Tag as update-in-place where the host supports it.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// Prompter asks the user for notification permission. Called at most once
// per session; the gateway owns the resulting one-way state.
type Prompter interface {
	RequestPermission(ctx context.Context) (bool, error)
}

// Vibrator triggers haptic feedback. Best-effort; failures are swallowed
// by callers.
type Vibrator interface {
	Vibrate(pattern []int) error
}

// Sounder plays audio cues. LoopCue repeats the cue until the returned
// stop function is called or cutoff elapses, whichever is first.
type Sounder interface {
	PlayCue(ctx context.Context) error
	LoopCue(ctx context.Context, cutoff time.Duration) (stop func(), err error)
}

// ChatSurface receives system-authored messages for the conversation
// transcript (plain text only).
type ChatSurface interface {
	Post(ctx context.Context, text string) error
}

// NewTag returns a fresh de-duplication tag for notifications that do not
// belong to a named entity.
func NewTag() string { return uuid.NewString() }

// alarmTagPrefix namespaces alarm notification tags. Both scheduling
// contexts use the same tag for the same alarm, so even if both ever show
// it, the host's de-duplication collapses them into one visible entry.
const alarmTagPrefix = "alarm-"

func AlarmTag(id string) string { return alarmTagPrefix + id }

// AlarmIDFromTag recovers the alarm ID from a notification tag.
func AlarmIDFromTag(tag string) (string, bool) {
	if !strings.HasPrefix(tag, alarmTagPrefix) {
		return "", false
	}
	return strings.TrimPrefix(tag, alarmTagPrefix), true
}
