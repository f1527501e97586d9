// Package tts implements the TTS Parent (in-process half) of spec.md §4.G:
// consuming UtteranceFrame, supervising a synthesis child process over the
// line-delimited protocol of §3, and forwarding AudioOutFrame downstream.
package tts

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/relayvox/relayvox/frame"
	"github.com/relayvox/relayvox/tts/subprocess"
)

const scopeName = "github.com/relayvox/relayvox/tts"

var tracer = otel.Tracer(scopeName)

// DefaultMaxRestarts and DefaultRestartWindow implement spec.md §4.G's
// health policy: respawn at most max_restarts times within the window
// before giving up.
const (
	DefaultMaxRestarts   = 3
	DefaultRestartWindow = 30 * time.Second
	DefaultShutdownGrace = 2 * time.Second
)

// Config configures the child process and synthesis parameters.
type Config struct {
	Command  string
	Args     []string
	VoiceID  string
	Language string
	Speed    float64

	MaxRestarts   int
	RestartWindow time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartWindow == 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

// Stage owns the child process for one session: lazy start, reuse across
// utterances, bounded respawn on crash.
type Stage struct {
	cfg   Config
	spawn func(Config) (*child, error)

	mu            sync.Mutex
	child         *child
	restarts      []time.Time
	giveUp        bool
	nextRespawnAt time.Time
}

// baseRespawnBackoff and maxRespawnBackoff implement the exponential
// backoff between respawns the child-health policy layers on top of
// max_restarts/restart_window: each consecutive crash within the window
// waits longer than the last, capped at maxRespawnBackoff, before the next
// spawn attempt.
const (
	baseRespawnBackoff = 250 * time.Millisecond
	maxRespawnBackoff  = 5 * time.Second
)

func New(cfg Config) *Stage {
	return &Stage{cfg: cfg.withDefaults(), spawn: startChild}
}

// Process synthesizes one utterance: writes the request, forwards
// TTSStartedFrame/AudioOutFrame/TTSStoppedFrame to emit until the child's
// `eof`. If ctx is cancelled mid-request (interruption), Process keeps
// draining the child's output until `eof` to preserve protocol framing, per
// spec.md §4.G, but stops calling emit for further audio.
func (s *Stage) Process(ctx context.Context, u frame.UtteranceFrame, nextSeq func() uint64, emit func(frame.Frame) bool) error {
	ctx, span := tracer.Start(ctx, "tts.process")
	defer span.End()

	c, err := s.ensureChild(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.newErr(u.Turn(), nextSeq(), err, false)
	}

	req := subprocess.Request{Text: u.Text, VoiceID: s.cfg.VoiceID, Language: s.cfg.Language, Speed: s.cfg.Speed}
	if err := c.writer.WriteRequest(req); err != nil {
		return s.handleChildFailure(u.Turn(), nextSeq, err, emit)
	}

	interrupted := false
	for {
		select {
		case <-ctx.Done():
			interrupted = true
		default:
		}

		msg, err := c.reader.ReadMessage()
		if err != nil {
			return s.handleChildFailure(u.Turn(), nextSeq, err, emit)
		}

		switch msg.Type {
		case subprocess.TypeStarted:
			if !interrupted {
				if !emit(frame.NewTTSStarted(u.Turn(), nextSeq())) {
					interrupted = true
				}
			}
		case subprocess.TypeAudioChunk:
			if !interrupted {
				pcm, err := msg.PCM()
				if err != nil {
					span.RecordError(err)
					continue
				}
				if !emit(frame.NewAudioOut(u.Turn(), nextSeq(), pcm, msg.SampleRate, 1)) {
					interrupted = true
				}
			}
		case subprocess.TypeStopped:
			if !interrupted {
				emit(frame.NewTTSStopped(u.Turn(), nextSeq(), utf8.RuneCountInString(u.Text)))
			}
		case subprocess.TypeError:
			emit(frame.NewError(u.Turn(), nextSeq(), frame.ErrorTTS, msg.Message, true))
		case subprocess.TypePong:
			// heartbeat reply, nothing to forward
		case subprocess.TypeEOF:
			return nil
		}
	}
}

// Ping sends one heartbeat request (spec.md §9's ping extension) and reports
// whether the child's next response line is a pong. It does not check
// whether a Process call is in flight on the same child.
func (s *Stage) Ping(ctx context.Context) bool {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()
	if c == nil || c.exited() {
		return false
	}
	if err := c.writer.WriteRequest(subprocess.Request{Ping: true}); err != nil {
		return false
	}
	msg, err := c.reader.ReadMessage()
	return err == nil && msg.Type == subprocess.TypePong
}

func (s *Stage) ensureChild(ctx context.Context) (*child, error) {
	s.mu.Lock()
	if s.child != nil && !s.child.exited() {
		defer s.mu.Unlock()
		return s.child, nil
	}
	if s.giveUp {
		s.mu.Unlock()
		return nil, fmt.Errorf("tts: child exhausted its restart budget")
	}
	wait := time.Until(s.nextRespawnAt)
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil && !s.child.exited() {
		return s.child, nil
	}
	c, err := s.spawn(s.cfg)
	if err != nil {
		return nil, err
	}
	s.child = c
	return c, nil
}

// handleChildFailure tears down the dead child, decides whether the restart
// budget permits trying again, and surfaces the corresponding ErrorFrame.
func (s *Stage) handleChildFailure(turn frame.TurnID, nextSeq func() uint64, cause error, emit func(frame.Frame) bool) error {
	s.mu.Lock()
	if s.child != nil {
		s.child.shutdown(s.cfg.ShutdownGrace)
		s.child = nil
	}

	now := time.Now()
	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = append(kept, now)

	recoverable := len(s.restarts) <= s.cfg.MaxRestarts
	if !recoverable {
		s.giveUp = true
	} else {
		s.nextRespawnAt = now.Add(respawnBackoff(len(s.restarts)))
	}
	s.mu.Unlock()

	emit(frame.NewError(turn, nextSeq(), frame.ErrorTTS, cause.Error(), recoverable))
	return s.newErr(turn, nextSeq(), cause, recoverable)
}

func (s *Stage) newErr(turn frame.TurnID, seq uint64, cause error, recoverable bool) error {
	return &StageError{Frame: frame.NewError(turn, seq, frame.ErrorTTS, cause.Error(), recoverable), cause: fmt.Errorf("tts: %w", cause)}
}

// respawnBackoff doubles baseRespawnBackoff per consecutive crash within the
// restart window, capped at maxRespawnBackoff.
func respawnBackoff(attempt int) time.Duration {
	d := baseRespawnBackoff
	for i := 1; i < attempt && d < maxRespawnBackoff; i++ {
		d *= 2
	}
	if d > maxRespawnBackoff {
		d = maxRespawnBackoff
	}
	return d
}

// Close tears down the active child, if any, per spec.md §4.G's shutdown
// contract.
func (s *Stage) Close() {
	s.mu.Lock()
	c := s.child
	s.child = nil
	s.mu.Unlock()
	if c != nil {
		c.shutdown(s.cfg.ShutdownGrace)
	}
}

// StageError wraps a child failure for the turn controller; Frame.Recoverable
// says whether the restart budget still permits a respawn.
type StageError struct {
	Frame frame.ErrorFrame
	cause error
}

func (e *StageError) Error() string { return e.cause.Error() }
func (e *StageError) Unwrap() error { return e.cause }
