// Package pipeline implements the Pipeline Runtime of spec.md §4.J: it
// wires one client session's stages into the DAG of §2, owns the
// audio-window segmentation that feeds the VAD Gate, fans turn-scoped work
// out to the STT/LLM/TTS stages, and routes their output back through the
// Turn Controller and out to the Transport. Cancellation follows spec.md
// §9: an InterruptFrame cancels the turn's context, which every in-flight
// stage call observes at its next suspension point.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/relayvox/relayvox/aggregator"
	"github.com/relayvox/relayvox/contextstore"
	"github.com/relayvox/relayvox/engine"
	"github.com/relayvox/relayvox/frame"
	"github.com/relayvox/relayvox/llm"
	"github.com/relayvox/relayvox/stt"
	"github.com/relayvox/relayvox/transport"
	"github.com/relayvox/relayvox/tts"
	"github.com/relayvox/relayvox/vad"
)

const scopeName = "github.com/relayvox/relayvox/pipeline"

var tracer = otel.Tracer(scopeName)
var meter = otel.Meter(scopeName)

// turnDuration and interruptedTotal are the metric half of spec.md §4.J's
// "pluggable sink" hook: the same per-turn record Sink.RecordTurn receives
// is also recorded as OpenTelemetry instruments, so a deployment can point
// an exporter at either without the pipeline caring which. No exporter is
// configured here (spec.md §1 Non-goal), so these bind to the global
// no-op MeterProvider until one is installed by the process.
var (
	turnDuration, _    = meter.Float64Histogram("relayvox.turn.duration_ms", metric.WithDescription("end-to-end turn duration in milliseconds"))
	interruptedTotal, _ = meter.Int64Counter("relayvox.turn.interrupted_total", metric.WithDescription("turns that ended INTERRUPTED rather than DONE"))
)

// DrainDeadline is spec.md §4.J's per-stage drain budget on shutdown.
const DrainDeadline = 2 * time.Second

// Metrics is one turn's latency record, the observability contract of
// spec.md §4.J/§9. No exporter is wired here (spec.md §1 Non-goal); a Sink
// does whatever the deployment wants with it.
type Metrics struct {
	TurnID        frame.TurnID
	VADEnd        time.Time
	STTDone       time.Time
	LLMFirstToken time.Time
	TTSFirstAudio time.Time
	TTSDone       time.Time
	FinishedAt    time.Time
	Interrupted   bool
}

// Sink receives one Metrics record per retired turn.
type Sink interface {
	RecordTurn(Metrics)
}

// NopSink discards every record; it is the default when no Sink is wired.
type NopSink struct{}

func (NopSink) RecordTurn(Metrics) {}

// Config bundles the spec.md §6 parameters the pipeline's constituent
// stages need.
type Config struct {
	SampleRateIn  int
	SampleRateOut int

	VAD vad.Config

	LLMTemperature float64
	LLMContextMax  int

	TTS tts.Config

	SystemPrompt string

	// SurfacePartialTranscripts decides the open question of spec.md §9:
	// whether non-final TranscriptFrames are forwarded to the client. The
	// transport wire protocol has no frame kind for them, so "surfacing"
	// here means they still flow internally for a future caption feature,
	// but are never written to the wire. Kept as a config toggle instead of
	// compile-time behavior so the decision can be revisited per deployment.
	SurfacePartialTranscripts bool
}

// Session wires one client connection's full pipeline: Transport, VAD Gate,
// STT Stage, Turn Controller, LLM Stage, Sentence Aggregator, TTS Parent,
// and Context Store.
type Session struct {
	cfg Config

	transport  *transport.Session
	vadGate    *vad.Gate
	sttStage   *stt.Stage
	llmStage   *llm.Stage
	aggregator *aggregator.Stage
	ttsStage   *tts.Stage
	store      *contextstore.Store
	controller *engine.Controller

	sink Sink

	ctx context.Context

	seq         atomic.Uint64
	nextTurnID  atomic.Int64
	audioBufMu  sync.Mutex
	audioBuf    []byte
	windowBytes int

	workers errgroup.Group

	// ttsJobs serializes every utterance of every turn onto a single
	// worker: the child process's line-delimited protocol carries no
	// correlation id, so two Process calls racing on the same child's
	// stdin/stdout would interleave their request/response lines.
	ttsJobs chan ttsJob
	ttsDone chan struct{}
}

// ttsJob is one queued synthesis request for the TTS worker goroutine.
type ttsJob struct {
	ctx context.Context
	u   frame.UtteranceFrame
}

// New wires a Session from its stage dependencies. classifier and the STT
// and LLM providers are the pluggable capability providers spec.md §1 calls
// out as external collaborators.
func New(sess *transport.Session, classifier vad.Classifier, sttProvider stt.Provider, llmProvider llm.Provider, cfg Config, sink Sink) *Session {
	if sink == nil {
		sink = NopSink{}
	}
	cfg.VAD.SampleRate = cfg.SampleRateIn

	store := contextstore.New(cfg.SystemPrompt, cfg.LLMContextMax)
	agg := aggregator.New()

	s := &Session{
		cfg:         cfg,
		transport:   sess,
		sttStage:    stt.New(sttProvider),
		llmStage:    llm.New(llmProvider, llm.WithTemperature(cfg.LLMTemperature)),
		aggregator:  agg,
		ttsStage:    tts.New(cfg.TTS),
		store:       store,
		sink:        sink,
		windowBytes: windowBytesFor(cfg.SampleRateIn),
		ttsJobs:     make(chan ttsJob, 8),
		ttsDone:     make(chan struct{}),
	}
	s.controller = engine.New(store, agg, engine.WithOnTurnRetired(s.recordMetrics))
	s.vadGate = vad.New(classifier, cfg.VAD, vad.WithSpeakingState(func() bool {
		return s.controller.State() == engine.StateSpeaking
	}))
	return s
}

// windowBytesFor returns the byte size of spec.md §4.B's ~32ms classifier
// window for 16-bit mono PCM at sampleRate.
func windowBytesFor(sampleRate int) int {
	const windowMS = 32
	return sampleRate * windowMS / 1000 * 2
}

// Run drives the session to completion: handshake, then read client frames
// until disconnect or a drain request, cancelling all in-flight turn work
// within spec.md §4.A's 250ms budget when the connection drops.
func (s *Session) Run(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.ctx = ctx
	defer cancel()

	if err := s.transport.Handshake(s.cfg.SampleRateIn, s.cfg.SampleRateOut); err != nil {
		return fmt.Errorf("pipeline: handshake: %w", err)
	}

	s.nextTurnID.Store(1)
	s.vadGate.Reset(frame.TurnID(1))

	go s.runTTSWorker()

	readErr := s.readLoop(ctx)

	cancel()
	s.drain()
	close(s.ttsJobs)
	s.waitTTSWorker()
	s.ttsStage.Close()
	return readErr
}

// runTTSWorker processes queued utterances one at a time for the lifetime of
// the session, so concurrent UtteranceFrames never race on the TTS child's
// single stdin/stdout pipe. Exits once ttsJobs is closed and drained.
func (s *Session) runTTSWorker() {
	defer close(s.ttsDone)
	for job := range s.ttsJobs {
		s.runTTS(job.ctx, job.u)
	}
}

// waitTTSWorker waits for runTTSWorker to drain the closed queue, bounded by
// DrainDeadline like the rest of spec.md §4.J's shutdown sequence.
func (s *Session) waitTTSWorker() {
	select {
	case <-s.ttsDone:
	case <-time.After(DrainDeadline):
	}
}

// drain waits for in-flight turn workers to finish, bounded by
// DrainDeadline, matching spec.md §4.J's per-stage drain deadline.
func (s *Session) drain() {
	done := make(chan struct{})
	go func() {
		_ = s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DrainDeadline):
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		f, err := s.transport.Recv()
		if err != nil {
			if pe, ok := err.(*transport.ProtocolError); ok {
				// A malformed client message ends the session with a
				// non-recoverable protocol ErrorFrame.
				_ = s.transport.Send(frame.NewError(frame.ZeroTurn, s.nextSeq(), frame.ErrorProtocol, pe.Error(), false))
			}
			return err
		}
		switch v := f.(type) {
		case frame.AudioInFrame:
			s.handleAudioIn(ctx, v)
		case frame.InterruptFrame:
			s.handleInterrupt(ctx, v)
		case frame.SystemFrame:
			if v.SystemKind == frame.SystemDrain {
				// A drain request ends the read loop. Run then cancels the
				// session context, so an in-flight turn is cancelled rather
				// than run to completion before the stages shut down.
				return nil
			}
		}
	}
}

func (s *Session) handleAudioIn(ctx context.Context, a frame.AudioInFrame) {
	s.audioBufMu.Lock()
	s.audioBuf = append(s.audioBuf, a.PCM...)
	var windows [][]byte
	for len(s.audioBuf) >= s.windowBytes {
		windows = append(windows, append([]byte(nil), s.audioBuf[:s.windowBytes]...))
		s.audioBuf = s.audioBuf[s.windowBytes:]
	}
	s.audioBufMu.Unlock()

	for _, w := range windows {
		out := s.vadGate.Push(ctx, w)
		if out.Interrupt != nil {
			s.handleInterrupt(ctx, *out.Interrupt)
		}
		for _, vf := range out.Frames {
			s.handleVADFrame(ctx, vf)
		}
	}
}

func (s *Session) handleVADFrame(ctx context.Context, f frame.Frame) {
	switch v := f.(type) {
	case frame.VADStartFrame, frame.VADEndFrame:
		s.dispatch(s.controller.Handle(ctx, v))
	case frame.UserSpeechFrame:
		turnCtx := s.controller.TurnContext(ctx)
		next := s.nextTurnID.Add(1)
		s.vadGate.Reset(frame.TurnID(next))
		s.workers.Go(func() error { s.runSTT(turnCtx, v); return nil })
	}
}

// handleInterrupt restamps f with the id of the turn actually active right
// now. Neither interrupt source carries that id itself: a client-sent
// control message decodes with frame.ZeroTurn (transport has no notion of
// turns), and the VAD Gate's side-channel interrupt carries g.turn, which by
// the time a barge-in fires has already been advanced to the *next*
// conversation turn by the prior UserSpeechFrame's Reset call. Only the turn
// controller knows which turn is actually live.
func (s *Session) handleInterrupt(ctx context.Context, f frame.InterruptFrame) {
	turn := s.controller.CurrentTurn()
	s.dispatch(s.controller.Handle(ctx, frame.NewInterrupt(turn, s.nextSeq(), f.Reason)))
}

// dispatch forwards the frames a Controller.Handle call returned downstream:
// a PromptFrame starts the LLM Stage, an ErrorFrame goes to the client.
func (s *Session) dispatch(frames []frame.Frame) {
	for _, f := range frames {
		switch v := f.(type) {
		case frame.PromptFrame:
			turnCtx := s.controller.TurnContext(s.ctx)
			s.workers.Go(func() error { s.runLLM(turnCtx, v); return nil })
		case frame.ErrorFrame:
			_ = s.transport.Send(v)
		}
	}
}

func (s *Session) runSTT(turnCtx context.Context, speech frame.UserSpeechFrame) {
	_, span := tracer.Start(turnCtx, "pipeline.stt")
	defer span.End()

	out, err := s.sttStage.Process(turnCtx, speech, s.nextSeq)
	if err != nil {
		if se, ok := err.(*stt.StageError); ok {
			s.forwardError(turnCtx, se.Frame)
		}
		return
	}
	if len(out) == 0 {
		// spec.md §4.C: a silence-only segment produces no frames from the
		// STT stage itself, but the turn still must retire; an explicit
		// empty final transcript drives the controller's existing
		// empty-utterance path.
		s.dispatch(s.controller.Handle(turnCtx, frame.NewTranscript(speech.Turn(), s.nextSeq(), "", true)))
		return
	}
	for _, f := range out {
		tf, ok := f.(frame.TranscriptFrame)
		if !ok {
			continue
		}
		if !tf.IsFinal && !s.cfg.SurfacePartialTranscripts {
			continue
		}
		s.dispatch(s.controller.Handle(turnCtx, tf))
	}
}

func (s *Session) runLLM(turnCtx context.Context, prompt frame.PromptFrame) {
	_, span := tracer.Start(turnCtx, "pipeline.llm")
	defer span.End()

	err := s.llmStage.Process(turnCtx, prompt, s.nextSeq, func(f frame.Frame) bool {
		select {
		case <-turnCtx.Done():
			return false
		default:
		}

		switch tok := f.(type) {
		case frame.LLMTokenFrame:
			s.dispatch(s.controller.Handle(turnCtx, tok))
			for _, uf := range s.aggregator.PushToken(tok.Turn(), tok, s.nextSeq) {
				s.handleUtterance(turnCtx, uf.(frame.UtteranceFrame))
			}
		case frame.LLMDoneFrame:
			s.dispatch(s.controller.Handle(turnCtx, tok))
			if uf, ok := s.aggregator.Flush(tok.Turn(), s.nextSeq).(frame.UtteranceFrame); ok && uf.Text != "" {
				s.handleUtterance(turnCtx, uf)
			}
		}
		return true
	})
	if err != nil {
		if se, ok := err.(*llm.StageError); ok {
			s.forwardError(turnCtx, se.Frame)
		}
	}
}

// handleUtterance hands u to the single TTS worker rather than spawning its
// own goroutine, so utterances from the same turn (and across turns) are
// synthesized strictly in order on the one child process.
func (s *Session) handleUtterance(turnCtx context.Context, u frame.UtteranceFrame) {
	s.dispatch(s.controller.Handle(turnCtx, u))
	select {
	case s.ttsJobs <- ttsJob{ctx: turnCtx, u: u}:
	case <-turnCtx.Done():
	}
}

func (s *Session) runTTS(turnCtx context.Context, u frame.UtteranceFrame) {
	_, span := tracer.Start(turnCtx, "pipeline.tts")
	defer span.End()

	err := s.ttsStage.Process(turnCtx, u, s.nextSeq, func(f frame.Frame) bool {
		select {
		case <-turnCtx.Done():
			return false
		default:
		}

		switch v := f.(type) {
		case frame.TTSStartedFrame:
			if err := s.transport.Send(v); err != nil {
				return false
			}
		case frame.AudioOutFrame:
			s.controller.NoteFirstAudio(v.Turn())
			if err := s.transport.Send(v); err != nil {
				return false
			}
		case frame.TTSStoppedFrame:
			s.aggregator.Acknowledge(u.CharOffset + v.SpokenChars)
			if err := s.transport.Send(v); err != nil {
				return false
			}
			s.dispatch(s.controller.Handle(turnCtx, v))
		case frame.ErrorFrame:
			s.forwardError(turnCtx, v)
		}
		return true
	})
	if err != nil {
		if se, ok := err.(*tts.StageError); ok {
			s.forwardError(turnCtx, se.Frame)
		}
	}
}

func (s *Session) forwardError(turnCtx context.Context, f frame.ErrorFrame) {
	s.dispatch(s.controller.Handle(turnCtx, f))
}

func (s *Session) nextSeq() uint64 { return s.seq.Add(1) }

func (s *Session) recordMetrics(t engine.Turn) {
	turnDuration.Record(s.ctx, float64(t.FinishedAt.Sub(t.CreatedAt).Milliseconds()))
	if t.Interrupted {
		interruptedTotal.Add(s.ctx, 1)
	}
	s.sink.RecordTurn(Metrics{
		TurnID:        t.ID,
		VADEnd:        t.VADEndAt,
		STTDone:       t.STTDoneAt,
		LLMFirstToken: t.LLMFirstTokenAt,
		TTSFirstAudio: t.FirstAudioEmittedAt,
		TTSDone:       t.TTSDoneAt,
		FinishedAt:    t.FinishedAt,
		Interrupted:   t.Interrupted,
	})
}
