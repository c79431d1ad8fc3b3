// Package audio plays the engine's notification cues through the host
// audio device. Cues are synthesized sine tones so no sound asset ships
// with the binary; the alarm cue loops until dismissed or a hard cutoff,
// the timer cue plays once.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"chime/internal/logx"
)

const (
	sampleRate = 44100
	channels   = 1

	cueFreq     = 880.0 // A5, bright enough to cut through
	cueBeep     = 180 * time.Millisecond
	cueGap      = 120 * time.Millisecond
	pollEvery   = 5 * time.Millisecond
	readyWindow = 3 * time.Second
)

var ErrUnavailable = errors.New("audio device unavailable")

// Player owns the process-wide audio context. The context is initialized
// lazily and exactly once; oto does not support re-initialization.
type Player struct {
	log logx.Logger

	once  sync.Once
	ctx   *oto.Context
	ready bool
}

func New(log logx.Logger) *Player {
	return &Player{log: log}
}

func (p *Player) init() {
	p.once.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, readyCh, err := oto.NewContext(op)
		if err != nil {
			p.log.Warn("audio context init failed", logx.Err(err))
			return
		}
		select {
		case <-readyCh:
			p.ctx = ctx
			p.ready = true
		case <-time.After(readyWindow):
			p.log.Warn("audio device not ready, cues disabled")
		}
	})
}

// PlayCue plays a single beep and returns once playback completes or ctx
// is canceled.
func (p *Player) PlayCue(ctx context.Context) error {
	p.init()
	if !p.ready {
		return ErrUnavailable
	}
	pl := p.ctx.NewPlayer(bytes.NewReader(tone(cueFreq, cueBeep)))
	pl.Play()
	for pl.IsPlaying() {
		select {
		case <-ctx.Done():
			_ = pl.Close()
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
	return pl.Close()
}

// LoopCue repeats the beep/gap pattern until the returned stop function is
// called or cutoff elapses. The stop function is idempotent.
func (p *Player) LoopCue(ctx context.Context, cutoff time.Duration) (func(), error) {
	p.init()
	if !p.ready {
		return nil, ErrUnavailable
	}

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }

	go func() {
		deadline := time.NewTimer(cutoff)
		defer deadline.Stop()

		cycle := append(tone(cueFreq, cueBeep), silence(cueGap)...)
		for {
			pl := p.ctx.NewPlayer(bytes.NewReader(cycle))
			pl.Play()
			for pl.IsPlaying() {
				select {
				case <-ctx.Done():
					_ = pl.Close()
					return
				case <-stopCh:
					_ = pl.Close()
					return
				case <-deadline.C:
					_ = pl.Close()
					return
				case <-time.After(pollEvery):
				}
			}
			_ = pl.Close()

			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-deadline.C:
				return
			default:
			}
		}
	}()
	return stop, nil
}

// tone renders a sine burst as signed 16-bit little-endian PCM, with a
// short linear fade at both ends to avoid clicks.
func tone(freq float64, d time.Duration) []byte {
	n := int(float64(sampleRate) * d.Seconds())
	fade := sampleRate / 100 // 10ms
	buf := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / sampleRate)
		gain := 0.6
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-i < fade {
			gain *= float64(n-i) / float64(fade)
		}
		s := int16(v * gain * math.MaxInt16)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
	}
	return buf
}

func silence(d time.Duration) []byte {
	n := int(float64(sampleRate) * d.Seconds())
	return make([]byte, n*2)
}
