package capability

import (
	"errors"
	"regexp"
)

// ErrCapabilityDenied is returned by schedulers when a feature requires a
// mobile device and the session's profile is not mobile. It is user-facing
// and never retried.
var ErrCapabilityDenied = errors.New("capability denied: timing features require a mobile device")

type Orientation string

const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
)

// Signals are the raw environmental inputs to classification: the platform
// identifying string plus touch and geometry probes.
type Signals struct {
	UserAgent       string
	TouchPoints     int
	ViewportWidth   int
	ViewportHeight  int
	Orientation     Orientation
	Vibrator        bool
	BackgroundRelay bool
}

// Profile is the derived classification of what timing features a session
// is permitted to use. It is computed once at session start and only ever
// read afterwards.
type Profile struct {
	Mobile          bool
	Haptics         bool
	BackgroundRelay bool
}

// smallViewport is the largest dimension (logical pixels) still considered
// phone-or-small-tablet sized.
const smallViewport = 768

var mobilePattern = regexp.MustCompile(`(?i)android|iphone|ipad|ipod|windows phone|blackberry|opera mini|iemobile|mobile`)

// Classify derives a Profile from the given signals. Pure, total, and
// best-effort: there is no failure mode, only a classification.
//
// A device is mobile when its identifying string matches the known pattern
// set, OR it simultaneously reports touch support, a small viewport, and
// portrait orientation. The disjunction is deliberate: some mobile
// browsers misreport their identifying string, so the geometric/touch
// heuristic acts as a fallback.
func Classify(sig Signals) Profile {
	mobile := mobilePattern.MatchString(sig.UserAgent)
	if !mobile {
		small := (sig.ViewportWidth > 0 && sig.ViewportWidth <= smallViewport) ||
			(sig.ViewportHeight > 0 && sig.ViewportHeight <= smallViewport)
		mobile = sig.TouchPoints > 0 && small && sig.Orientation == Portrait
	}
	return Profile{
		Mobile:          mobile,
		Haptics:         mobile && sig.Vibrator,
		BackgroundRelay: sig.BackgroundRelay,
	}
}

// RequireMobile gates a feature on the mobile classification.
func (p Profile) RequireMobile() error {
	if !p.Mobile {
		return ErrCapabilityDenied
	}
	return nil
}
