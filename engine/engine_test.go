package engine

import (
	"context"
	"testing"

	"github.com/relayvox/relayvox/aggregator"
	"github.com/relayvox/relayvox/contextstore"
	"github.com/relayvox/relayvox/frame"
)

func newController(maxNonSystem int) (*Controller, *contextstore.Store, *aggregator.Stage) {
	store := contextstore.New("you are a helpful voice assistant", maxNonSystem)
	agg := aggregator.New()
	return New(store, agg), store, agg
}

// TestBasicTurnCommitsUserThenAssistant exercises spec.md §8 scenario S1 at
// the controller boundary: a full LISTENING -> TRANSCRIBING -> THINKING ->
// SPEAKING -> DONE cycle commits exactly one user and one assistant message,
// in that order (invariant 1).
func TestBasicTurnCommitsUserThenAssistant(t *testing.T) {
	c, store, _ := newController(20)
	ctx := context.Background()

	c.Handle(ctx, frame.NewVADStart(1, 1))
	if c.State() != StateListening {
		t.Fatalf("expected LISTENING after VADStart, got %s", c.State())
	}

	c.Handle(ctx, frame.NewVADEnd(1, 2))
	if c.State() != StateTranscribing {
		t.Fatalf("expected TRANSCRIBING after VADEnd, got %s", c.State())
	}

	out := c.Handle(ctx, frame.NewTranscript(1, 3, "what is two plus two", true))
	if c.State() != StateThinking {
		t.Fatalf("expected THINKING after final transcript, got %s", c.State())
	}
	if len(out) != 1 {
		t.Fatalf("expected a PromptFrame to be returned, got %+v", out)
	}
	prompt, ok := out[0].(frame.PromptFrame)
	if !ok {
		t.Fatalf("expected a PromptFrame, got %T", out[0])
	}
	if len(prompt.Messages) != 2 || prompt.Messages[0].Role != "system" || prompt.Messages[1].Text != "what is two plus two" {
		t.Fatalf("unexpected prompt assembly: %+v", prompt.Messages)
	}

	c.Handle(ctx, frame.NewLLMToken(1, 4, "Four."))
	c.Handle(ctx, frame.NewLLMDone(1, 5))
	if c.State() != StateThinking {
		t.Fatalf("expected to stay THINKING until the first UtteranceFrame, got %s", c.State())
	}

	c.Handle(ctx, frame.NewUtterance(1, 6, "Four.", 0))
	if c.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING after the first UtteranceFrame, got %s", c.State())
	}

	c.Handle(ctx, frame.NewTTSStopped(1, 7, 5))
	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after TTSStopped commits the turn, got %s", c.State())
	}

	msgs := store.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected [system, user, assistant], got %+v", msgs)
	}
	if msgs[1].Role != "user" || msgs[1].Text != "what is two plus two" {
		t.Fatalf("expected the user message to commit first, got %+v", msgs[1])
	}
	if msgs[2].Role != "assistant" || msgs[2].Text != "Four." {
		t.Fatalf("expected the assistant message second, got %+v", msgs[2])
	}
}

// TestBargeInTruncatesAssistantTextToWhatWasHeard exercises spec.md §8
// scenario S2 and invariant 2: interrupting mid-SPEAKING commits only the
// prefix of assistant_text whose audio was acknowledged as emitted.
func TestBargeInTruncatesAssistantTextToWhatWasHeard(t *testing.T) {
	c, store, agg := newController(20)
	ctx := context.Background()

	c.Handle(ctx, frame.NewVADStart(1, 1))
	c.Handle(ctx, frame.NewVADEnd(1, 2))
	c.Handle(ctx, frame.NewTranscript(1, 3, "tell me a long story", true))

	const full = "Certainly, let me explain in detail. First, ..."
	c.Handle(ctx, frame.NewLLMToken(1, 4, full))
	c.Handle(ctx, frame.NewLLMDone(1, 5))
	c.Handle(ctx, frame.NewUtterance(1, 6, full, 0))
	if c.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", c.State())
	}

	// The aggregator acknowledges only the first sentence as actually heard
	// before the user barges in.
	agg.Acknowledge(len("Certainly, let me explain in detail."))

	c.Handle(ctx, frame.NewInterrupt(1, 7, frame.InterruptUserSpeech))
	if c.State() != StateIdle {
		t.Fatalf("expected a barge-in to return the controller to IDLE, got %s", c.State())
	}

	msgs := store.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("expected [system, user, assistant-prefix] since a barge-in is a turn commit point, got %+v", msgs)
	}
	if msgs[1].Role != "user" || msgs[1].Text != "tell me a long story" {
		t.Fatalf("expected the user message to commit alongside the truncated assistant text, got %+v", msgs[1])
	}
	committed := msgs[len(msgs)-1].Text
	if committed != "Certainly, let me explain in detail." {
		t.Fatalf("expected the committed assistant text to be exactly what was acknowledged as spoken, got %q", committed)
	}
	if len(committed) > len(full) {
		t.Fatalf("committed assistant text must be a prefix of the full reply")
	}
}

// TestBargeInDuringSpeakingStartsFreshTurn models the VADStart a new
// Gate.Reset-assigned turn id raises while the previous turn is SPEAKING:
// the controller must interrupt turn 1 before opening turn 2.
func TestBargeInDuringSpeakingStartsFreshTurn(t *testing.T) {
	c, _, _ := newController(20)
	ctx := context.Background()

	c.Handle(ctx, frame.NewVADStart(1, 1))
	c.Handle(ctx, frame.NewVADEnd(1, 2))
	c.Handle(ctx, frame.NewTranscript(1, 3, "hi", true))
	c.Handle(ctx, frame.NewLLMToken(1, 4, "hello there"))
	c.Handle(ctx, frame.NewLLMDone(1, 5))
	c.Handle(ctx, frame.NewUtterance(1, 6, "hello there", 0))
	if c.State() != StateSpeaking {
		t.Fatalf("expected SPEAKING, got %s", c.State())
	}

	c.Handle(ctx, frame.NewVADStart(2, 1))
	if c.State() != StateListening {
		t.Fatalf("expected the new VADStart to interrupt turn 1 and open turn 2 as LISTENING, got %s", c.State())
	}
	if c.CurrentTurn() != 2 {
		t.Fatalf("expected turn 2 to be current, got %d", c.CurrentTurn())
	}
}

// TestEmptyTranscriptRetiresTurnWithoutContextMutation covers spec.md §8's
// empty-utterance boundary behavior.
func TestEmptyTranscriptRetiresTurnWithoutContextMutation(t *testing.T) {
	c, store, _ := newController(20)
	ctx := context.Background()

	c.Handle(ctx, frame.NewVADStart(1, 1))
	c.Handle(ctx, frame.NewVADEnd(1, 2))
	out := c.Handle(ctx, frame.NewTranscript(1, 3, "", true))

	if out != nil {
		t.Fatalf("expected no PromptFrame for an empty transcript, got %+v", out)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after an empty utterance, got %s", c.State())
	}
	if store.Len() != 0 {
		t.Fatalf("expected no context mutation for an empty utterance, got %d messages", store.Len())
	}
}

// TestEmptyLLMReplyRetiresWithoutTTS covers spec.md §8: an empty LLM reply
// produces no UtteranceFrame and retires the turn without ever reaching
// SPEAKING, but still commits an empty assistant message so the store's
// strict user/assistant alternation (spec.md §3) holds for the next turn.
func TestEmptyLLMReplyRetiresWithoutTTS(t *testing.T) {
	c, store, _ := newController(20)
	ctx := context.Background()

	c.Handle(ctx, frame.NewVADStart(1, 1))
	c.Handle(ctx, frame.NewVADEnd(1, 2))
	c.Handle(ctx, frame.NewTranscript(1, 3, "...", true))
	c.Handle(ctx, frame.NewLLMDone(1, 4))

	if c.State() != StateIdle {
		t.Fatalf("expected IDLE when the LLM produces no text, got %s", c.State())
	}
	msgs := store.Snapshot()
	if len(msgs) != 3 || msgs[1].Role != "user" || msgs[2].Role != "assistant" || msgs[2].Text != "" {
		t.Fatalf("expected [system, user, empty-assistant], got %+v", msgs)
	}
}

// TestInterruptDuringTranscribingDiscardsTurn covers spec.md §8: interrupt
// while TRANSCRIBING cancels STT and discards the turn without any context
// mutation.
func TestInterruptDuringTranscribingDiscardsTurn(t *testing.T) {
	c, store, _ := newController(20)
	ctx := context.Background()

	c.Handle(ctx, frame.NewVADStart(1, 1))
	c.Handle(ctx, frame.NewVADEnd(1, 2))
	c.Handle(ctx, frame.NewInterrupt(1, 3, frame.InterruptUserSpeech))

	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after interrupting TRANSCRIBING, got %s", c.State())
	}
	if store.Len() != 0 {
		t.Fatalf("expected no context mutation, got %d messages", store.Len())
	}
}

// TestContextEvictsOldestPairBeyondBudget covers spec.md §8 scenario S5.
func TestContextEvictsOldestPairBeyondBudget(t *testing.T) {
	c, store, _ := newController(4)
	ctx := context.Background()

	runTurn := func(turn frame.TurnID, user, assistant string) {
		c.Handle(ctx, frame.NewVADStart(turn, 1))
		c.Handle(ctx, frame.NewVADEnd(turn, 2))
		c.Handle(ctx, frame.NewTranscript(turn, 3, user, true))
		c.Handle(ctx, frame.NewLLMToken(turn, 4, assistant))
		c.Handle(ctx, frame.NewLLMDone(turn, 5))
		c.Handle(ctx, frame.NewUtterance(turn, 6, assistant, 0))
		c.Handle(ctx, frame.NewTTSStopped(turn, 7, len(assistant)))
	}

	runTurn(1, "one", "First.")
	runTurn(2, "two", "Second.")
	runTurn(3, "three", "Third.")

	msgs := store.Snapshot()
	if len(msgs) != 5 {
		t.Fatalf("expected [system, user2, assistant2, user3, assistant3], got %+v", msgs)
	}
	if msgs[1].Text != "two" || msgs[3].Text != "three" {
		t.Fatalf("expected turn 1 to be evicted, got %+v", msgs)
	}
}

// TestUnrecoverableErrorReturnsToIdleWithoutContextMutation covers spec.md
// §7's propagation policy for a fatal per-turn error.
func TestUnrecoverableErrorReturnsToIdleWithoutContextMutation(t *testing.T) {
	c, store, _ := newController(20)
	ctx := context.Background()

	c.Handle(ctx, frame.NewVADStart(1, 1))
	c.Handle(ctx, frame.NewVADEnd(1, 2))
	c.Handle(ctx, frame.NewTranscript(1, 3, "hello", true))

	out := c.Handle(ctx, frame.NewError(1, 4, frame.ErrorLLM, "model unavailable", false))
	if len(out) != 1 || out[0].Kind() != frame.KindError {
		t.Fatalf("expected the ErrorFrame to be surfaced, got %+v", out)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected IDLE after an unrecoverable error, got %s", c.State())
	}
	if store.Len() != 0 {
		t.Fatalf("expected context to be unaffected by the aborted turn, got %d messages", store.Len())
	}
}

// TestFramesForStaleTurnAreIgnored covers spec.md §4.D's concurrency rule:
// frames for a non-current turn id are silently discarded at the boundary.
func TestFramesForStaleTurnAreIgnored(t *testing.T) {
	c, store, _ := newController(20)
	ctx := context.Background()

	c.Handle(ctx, frame.NewVADStart(1, 1))
	c.Handle(ctx, frame.NewVADEnd(1, 2))
	c.Handle(ctx, frame.NewTranscript(1, 3, "hello", true))

	// A transcript for a turn that is no longer current must be dropped.
	out := c.Handle(ctx, frame.NewTranscript(99, 1, "ghost", true))
	if out != nil {
		t.Fatalf("expected a stale-turn frame to be ignored, got %+v", out)
	}
	if c.State() != StateThinking {
		t.Fatalf("expected the current turn's state to be unaffected, got %s", c.State())
	}
	// spec.md §5: context commits happen only at turn commit points, so
	// nothing is in the store yet mid-turn, stale frame or not.
	if store.Len() != 0 {
		t.Fatalf("expected no context commit before the turn retires, got %d", store.Len())
	}

	c.Handle(ctx, frame.NewLLMToken(1, 4, "hi there"))
	c.Handle(ctx, frame.NewLLMDone(1, 5))
	c.Handle(ctx, frame.NewUtterance(1, 6, "hi there", 0))
	c.Handle(ctx, frame.NewTTSStopped(1, 7, len("hi there")))

	msgs := store.Snapshot()
	if len(msgs) != 3 || msgs[1].Text != "hello" || msgs[2].Text != "hi there" {
		t.Fatalf("expected the legitimate turn to commit normally despite the stale frame, got %+v", msgs)
	}
}
