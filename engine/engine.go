// Package engine implements the Turn Controller of spec.md §4.D, the state
// machine that owns a session's single active turn and mediates barge-in.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relayvox/relayvox/aggregator"
	"github.com/relayvox/relayvox/contextstore"
	"github.com/relayvox/relayvox/frame"
)

const scopeName = "github.com/relayvox/relayvox/engine"

var tracer = otel.Tracer(scopeName)

// State is one of the turn lifecycle states of spec.md §4.D.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateThinking     State = "thinking"
	StateSpeaking     State = "speaking"
	StateInterrupted  State = "interrupted"
	StateDone         State = "done"
)

// Turn is spec.md §3's per-turn record. Mutated only by the Controller that
// owns it. The *At fields beyond CreatedAt/FinishedAt back the latency
// metrics hooks of spec.md §4.J/§9 (t_vad_end, t_stt_done,
// t_llm_first_token, t_tts_first_audio, t_tts_done).
type Turn struct {
	ID            frame.TurnID
	State         State
	UserText      string
	AssistantText string
	Interrupted   bool

	CreatedAt           time.Time
	VADEndAt            time.Time
	STTDoneAt           time.Time
	LLMFirstTokenAt     time.Time
	FirstAudioEmittedAt time.Time
	TTSDoneAt           time.Time
	FinishedAt          time.Time

	llmDone           bool
	pendingUtterances int
}

// Controller owns the single active turn for one session. Not safe for
// concurrent use from more than one goroutine other than through Handle,
// which takes its own lock, matching spec.md §5's exclusive-ownership rule.
type Controller struct {
	mu    sync.Mutex
	state State
	turn  *Turn
	seq   uint64

	turnCtx    context.Context
	turnCancel context.CancelFunc

	store      *contextstore.Store
	aggregator *aggregator.Stage

	onTurnRetired func(Turn)
}

// Option configures a Controller.
type Option func(*Controller)

// WithOnTurnRetired installs a callback invoked whenever a turn fully
// retires (DONE or INTERRUPTED), for the pipeline runtime's latency metrics
// hook (spec.md §4.J).
func WithOnTurnRetired(f func(Turn)) Option {
	return func(c *Controller) { c.onTurnRetired = f }
}

func New(store *contextstore.Store, agg *aggregator.Stage, opts ...Option) *Controller {
	c := &Controller{
		state:         StateIdle,
		store:         store,
		aggregator:    agg,
		onTurnRetired: func(Turn) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentTurn reports the id of the active turn, or ZeroTurn when idle.
func (c *Controller) CurrentTurn() frame.TurnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		return frame.ZeroTurn
	}
	return c.turn.ID
}

// Handle processes one frame at the controller boundary and returns the
// frames to forward downstream: a PromptFrame to the LLM stage on transcript
// commit, or an ErrorFrame to the transport on failure. ctx is the session's
// parent context; Handle derives a fresh per-turn context whenever it opens
// a turn and cancels it on interruption or failure, which is how
// cancellation reaches the LLM Stage and TTS Parent (both respect ctx
// cancellation mid-call).
func (c *Controller) Handle(ctx context.Context, in frame.Frame) []frame.Frame {
	_, span := tracer.Start(ctx, "engine.handle")
	defer span.End()
	span.SetAttributes(attribute.String("frame.kind", string(in.Kind())))

	c.mu.Lock()
	defer c.mu.Unlock()

	switch f := in.(type) {
	case frame.VADStartFrame:
		return c.onVADStart(ctx, f)
	case frame.VADEndFrame:
		return c.onVADEnd(f)
	case frame.TranscriptFrame:
		return c.onTranscript(f)
	case frame.LLMTokenFrame:
		return c.onLLMToken(f)
	case frame.LLMDoneFrame:
		return c.onLLMDone(f)
	case frame.UtteranceFrame:
		return c.onUtterance(f)
	case frame.TTSStoppedFrame:
		return c.onTTSStopped(f)
	case frame.InterruptFrame:
		return c.onInterrupt(f)
	case frame.ErrorFrame:
		return c.onError(f)
	default:
		return nil
	}
}

// TurnContext returns the context scoped to the active turn, or ctx itself
// if no turn is active. The pipeline runtime passes this to every stage
// call it dispatches on behalf of the current turn.
func (c *Controller) TurnContext(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnCtx != nil {
		return c.turnCtx
	}
	return ctx
}

func (c *Controller) onVADStart(ctx context.Context, f frame.VADStartFrame) []frame.Frame {
	switch c.state {
	case StateIdle:
		c.beginTurn(ctx, f.Turn())
		return nil
	case StateSpeaking:
		// spec.md §4.D: the next VAD start during SPEAKING triggers
		// interruption before creating the next turn.
		c.commitInterrupted()
		c.beginTurn(ctx, f.Turn())
		return nil
	default:
		// LISTENING/TRANSCRIBING/THINKING: buffered, no-op.
		return nil
	}
}

func (c *Controller) onVADEnd(f frame.VADEndFrame) []frame.Frame {
	if !c.isCurrentTurn(f.Turn()) {
		return nil
	}
	if c.state == StateListening {
		c.state = StateTranscribing
		c.turn.VADEndAt = time.Now()
	}
	return nil
}

func (c *Controller) onTranscript(f frame.TranscriptFrame) []frame.Frame {
	if !c.isCurrentTurn(f.Turn()) || !f.IsFinal || c.state != StateTranscribing {
		return nil
	}
	if f.Text == "" {
		// spec.md §4.C: empty utterances retire the turn immediately.
		c.retireIdle(StateDone)
		return nil
	}

	c.turn.UserText = f.Text
	c.turn.STTDoneAt = time.Now()
	c.state = StateThinking

	// spec.md §5: stateful consequences (context commits) happen only at
	// turn commit points, so cancellation before then is safe. The prompt
	// still needs the user's text, so it is appended transiently here
	// without touching the store; AppendUser runs for real at whichever
	// commit point retires this turn.
	messages := append(c.store.Snapshot(), frame.Message{Role: "user", Text: f.Text})
	return []frame.Frame{frame.NewPrompt(f.Turn(), c.nextSeqLocked(), messages)}
}

func (c *Controller) onLLMToken(f frame.LLMTokenFrame) []frame.Frame {
	if !c.isCurrentTurn(f.Turn()) {
		return nil
	}
	if c.turn.LLMFirstTokenAt.IsZero() {
		c.turn.LLMFirstTokenAt = time.Now()
	}
	c.turn.AssistantText += f.Delta
	return nil
}

func (c *Controller) onLLMDone(f frame.LLMDoneFrame) []frame.Frame {
	if !c.isCurrentTurn(f.Turn()) {
		return nil
	}
	c.turn.llmDone = true
	if c.turn.AssistantText == "" {
		// spec.md §8: an empty reply still commits the user's text and an
		// (empty) assistant message to preserve strict user/assistant
		// alternation, it just never reaches SPEAKING since no
		// UtteranceFrame is produced.
		c.store.AppendUser(c.turn.UserText)
		c.store.AppendAssistant("")
		c.retireIdle(StateDone)
	}
	return nil
}

func (c *Controller) onUtterance(f frame.UtteranceFrame) []frame.Frame {
	if !c.isCurrentTurn(f.Turn()) {
		return nil
	}
	c.turn.pendingUtterances++
	if c.state == StateThinking {
		c.state = StateSpeaking
	}
	return nil
}

func (c *Controller) onTTSStopped(f frame.TTSStoppedFrame) []frame.Frame {
	if !c.isCurrentTurn(f.Turn()) || c.state != StateSpeaking {
		return nil
	}
	if c.turn.pendingUtterances > 0 {
		c.turn.pendingUtterances--
	}
	if c.turn.pendingUtterances == 0 && c.turn.llmDone {
		c.turn.TTSDoneAt = time.Now()
		c.store.AppendUser(c.turn.UserText)
		c.store.AppendAssistant(c.turn.AssistantText)
		c.retireIdle(StateDone)
	}
	return nil
}

// NoteFirstAudio records the first moment audio for turn was handed to the
// transport, the t_tts_first_audio metric of spec.md §4.J. The pipeline
// runtime calls this itself because the Controller never sees AudioOutFrame
// directly (it flows TTS Parent -> Transport without passing through the
// turn controller boundary).
func (c *Controller) NoteFirstAudio(turn frame.TurnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isCurrentTurn(turn) && c.turn.FirstAudioEmittedAt.IsZero() {
		c.turn.FirstAudioEmittedAt = time.Now()
	}
}

func (c *Controller) onInterrupt(f frame.InterruptFrame) []frame.Frame {
	if !c.isCurrentTurn(f.Turn()) {
		return nil
	}
	switch c.state {
	case StateListening, StateTranscribing:
		if c.turnCancel != nil {
			c.turnCancel()
		}
		c.retireIdle(StateInterrupted)
	case StateThinking, StateSpeaking:
		c.commitInterrupted()
	}
	return nil
}

func (c *Controller) onError(f frame.ErrorFrame) []frame.Frame {
	if !c.isCurrentTurn(f.Turn()) {
		return nil
	}
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.retireIdle(StateInterrupted)
	return []frame.Frame{f}
}

func (c *Controller) isCurrentTurn(turn frame.TurnID) bool {
	return c.turn != nil && c.turn.ID == turn
}

func (c *Controller) beginTurn(ctx context.Context, id frame.TurnID) {
	turnCtx, cancel := context.WithCancel(ctx)
	c.turnCtx = turnCtx
	c.turnCancel = cancel
	c.turn = &Turn{ID: id, State: StateListening, CreatedAt: time.Now()}
	c.aggregator.Reset()
	c.state = StateListening
}

// commitInterrupted cancels in-flight work, computes the longest prefix of
// assistant_text the user actually heard, and commits it to context — the
// core barge-in decision of spec.md §4.D.
func (c *Controller) commitInterrupted() {
	if c.turnCancel != nil {
		c.turnCancel()
	}
	if c.turn.UserText != "" {
		c.store.AppendUser(c.turn.UserText)
	}
	acked := c.aggregator.AckedChars()
	truncated := truncateRunes(c.turn.AssistantText, acked)
	c.store.AppendAssistant(truncated)
	c.turn.Interrupted = true
	c.retireIdle(StateInterrupted)
}

func (c *Controller) retireIdle(finalState State) {
	if c.turn != nil {
		c.turn.State = finalState
		c.turn.FinishedAt = time.Now()
		c.onTurnRetired(*c.turn)
	}
	c.turn = nil
	c.turnCtx = nil
	c.turnCancel = nil
	c.state = StateIdle
}

func (c *Controller) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

// truncateRunes returns the first n runes of s, clamped to len(s) in runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	var b strings.Builder
	count := 0
	for _, r := range s {
		if count >= n {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
