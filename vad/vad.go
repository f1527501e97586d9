// Package vad implements the VAD Gate of spec.md §4.B: a streaming
// speech/silence classifier with hysteresis that segments AudioIn frames
// into utterances and raises the barge-in side channel.
package vad

import (
	"container/ring"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/relayvox/relayvox/frame"
)

const scopeName = "github.com/relayvox/relayvox/vad"

var tracer = otel.Tracer(scopeName)

// windowDuration is the classification window spec.md §4.B fixes at ~32ms.
const windowDuration = 32 * time.Millisecond

// Classifier scores one ~32ms audio window as speech or silence. Concrete
// energy/probability estimators (e.g. Silero, WebRTC VAD) implement this;
// relayvox treats the model as an external pluggable capability provider
// per spec.md §1.
type Classifier interface {
	// IsSpeech reports whether pcm (one window's worth of 16-bit LE PCM)
	// contains speech.
	IsSpeech(pcm []byte) bool
}

// Config holds the hysteresis and padding parameters of spec.md §4.B.
type Config struct {
	StartThreshold time.Duration // default 80ms
	MinSilence     time.Duration // default 200ms
	SpeechPad      time.Duration // default 120ms
	SampleRate     int
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		StartThreshold: 80 * time.Millisecond,
		MinSilence:     200 * time.Millisecond,
		SpeechPad:      120 * time.Millisecond,
		SampleRate:     16000,
	}
}

// speakingState reports whether the session's bot audio is currently
// playing, consulted to decide whether a fresh SPEECH entry is a barge-in.
type speakingState func() bool

// Gate consumes AudioInFrame and emits VADStartFrame / VADEndFrame /
// pass-through UserSpeechFrame segments, plus InterruptFrame on the side
// channel described in spec.md §9.
type Gate struct {
	classifier Classifier
	cfg        Config
	isSpeaking speakingState

	mu              sync.Mutex
	inSpeech        bool
	activeMs        time.Duration
	silentMs        time.Duration
	padBuf          *ring.Ring
	segment         []byte
	turn            frame.TurnID
	seq             uint64
	windowBytes     int
}

// Option configures a Gate.
type Option func(*Gate)

// WithSpeakingState wires a predicate the gate consults to detect barge-in:
// if it reports true when SPEECH is entered, an InterruptFrame is raised.
func WithSpeakingState(f func() bool) Option {
	return func(g *Gate) { g.isSpeaking = f }
}

// New creates a Gate using classifier over the given config.
func New(classifier Classifier, cfg Config, opts ...Option) *Gate {
	windowBytes := int(float64(cfg.SampleRate) * windowDuration.Seconds()) * 2 // 16-bit mono
	padWindows := int(cfg.SpeechPad/windowDuration) + 1
	if padWindows < 1 {
		padWindows = 1
	}
	g := &Gate{
		classifier:  classifier,
		cfg:         cfg,
		isSpeaking:  func() bool { return false },
		padBuf:      ring.New(padWindows),
		windowBytes: windowBytes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Output is what the Gate produces for one input window: the frames to
// forward and, if non-nil, an interrupt to broadcast on the side channel.
type Output struct {
	Frames    []frame.Frame
	Interrupt *frame.InterruptFrame
}

// Reset starts a fresh turn sequence under the given turn id. The pipeline
// calls it at session start and after each segmented UserSpeechFrame.
func (g *Gate) Reset(turn frame.TurnID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.turn = turn
	g.seq = 0
	g.inSpeech = false
	g.activeMs = 0
	g.silentMs = 0
	g.segment = nil
}

// Push classifies one audio window and advances the hysteresis state
// machine. window must be one ~32ms chunk of 16-bit LE PCM; callers that
// receive larger chunks should split them before calling Push.
func (g *Gate) Push(ctx context.Context, window []byte) Output {
	_, span := tracer.Start(ctx, "vad.push")
	defer span.End()

	g.mu.Lock()
	defer g.mu.Unlock()

	speech := g.classifier.IsSpeech(window)
	var out Output

	if !g.inSpeech {
		g.padBuf.Value = append([]byte(nil), window...)
		g.padBuf = g.padBuf.Next()

		if speech {
			g.activeMs += windowDuration
			if g.activeMs >= g.cfg.StartThreshold {
				g.inSpeech = true
				g.silentMs = 0
				g.segment = g.drainPadLocked()
				g.segment = append(g.segment, window...)

				if g.isSpeaking() {
					out.Interrupt = ptrInterrupt(frame.NewInterrupt(g.turn, g.nextSeqLocked(), frame.InterruptUserSpeech))
				}
				out.Frames = append(out.Frames, frame.NewVADStart(g.turn, g.nextSeqLocked()))
			}
		} else {
			g.activeMs = 0
		}
		return out
	}

	// Already in speech.
	g.segment = append(g.segment, window...)
	if speech {
		g.silentMs = 0
	} else {
		g.silentMs += windowDuration
		if g.silentMs >= g.cfg.MinSilence {
			g.inSpeech = false
			g.activeMs = 0
			g.silentMs = 0
			out.Frames = append(out.Frames, frame.NewVADEnd(g.turn, g.nextSeqLocked()))
			out.Frames = append(out.Frames, frame.NewUserSpeech(g.turn, g.nextSeqLocked(), g.segment, g.cfg.SampleRate))
			g.segment = nil
		}
	}
	return out
}

func (g *Gate) nextSeqLocked() uint64 {
	g.seq++
	return g.seq
}

func (g *Gate) drainPadLocked() []byte {
	var out []byte
	g.padBuf.Do(func(v any) {
		if b, ok := v.([]byte); ok {
			out = append(out, b...)
		}
	})
	return out
}

func ptrInterrupt(f frame.InterruptFrame) *frame.InterruptFrame { return &f }
