package aggregator

import (
	"testing"

	"github.com/relayvox/relayvox/frame"
)

func nextSeqFrom(start uint64) func() uint64 {
	seq := start
	return func() uint64 { seq++; return seq }
}

func pushAll(s *Stage, turn frame.TurnID, deltas []string, nextSeq func() uint64) []frame.Frame {
	var out []frame.Frame
	for _, d := range deltas {
		out = append(out, s.PushToken(turn, frame.NewLLMToken(turn, 0, d), nextSeq)...)
	}
	return out
}

func TestTerminalPunctuationBoundary(t *testing.T) {
	s := New()
	frames := pushAll(s, 1, []string{"Hello there.", " How are you"}, nextSeqFrom(0))
	if len(frames) != 1 {
		t.Fatalf("expected one utterance at the sentence boundary, got %d: %+v", len(frames), frames)
	}
	u := frames[0].(frame.UtteranceFrame)
	if u.Text != "Hello there." {
		t.Fatalf("expected utterance text 'Hello there.', got %q", u.Text)
	}
	if u.CharOffset != 0 {
		t.Fatalf("expected first utterance to start at offset 0, got %d", u.CharOffset)
	}
}

func TestNoBoundaryWithoutFollowingWhitespace(t *testing.T) {
	s := New()
	frames := pushAll(s, 1, []string{"e.g. that's fine"}, nextSeqFrom(0))
	if len(frames) != 0 {
		t.Fatalf("expected no boundary when punctuation isn't followed by whitespace in a separate token, got %+v", frames)
	}
}

func TestMaxCharsFallbackCutsAtLatestBreak(t *testing.T) {
	s := New(WithMaxChars(10))
	frames := pushAll(s, 1, []string{"one two three four"}, nextSeqFrom(0))
	if len(frames) != 1 {
		t.Fatalf("expected one fallback cut once max_chars is exceeded, got %d: %+v", len(frames), frames)
	}
	u := frames[0].(frame.UtteranceFrame)
	if u.Text != "one two three " {
		t.Fatalf("expected cut at the latest whitespace within the over-budget buffer, got %q", u.Text)
	}
}

func TestFlushEmitsRemainderIncludingEmpty(t *testing.T) {
	s := New()
	pushAll(s, 1, []string{"trailing"}, nextSeqFrom(0))
	f := s.Flush(1, nextSeqFrom(10))
	u := f.(frame.UtteranceFrame)
	if u.Text != "trailing" {
		t.Fatalf("expected flush to emit the remaining buffer, got %q", u.Text)
	}

	empty := s.Flush(1, nextSeqFrom(20))
	if empty.(frame.UtteranceFrame).Text != "" {
		t.Fatalf("expected a second flush with nothing buffered to emit empty text")
	}
}

func TestCharOffsetAccumulatesAcrossUtterances(t *testing.T) {
	s := New()
	nextSeq := nextSeqFrom(0)
	frames := pushAll(s, 1, []string{"First.", " Second."}, nextSeq)
	frames = append(frames, s.Flush(1, nextSeq))

	if len(frames) != 2 {
		t.Fatalf("expected two utterances, got %d: %+v", len(frames), frames)
	}
	if frames[0].(frame.UtteranceFrame).CharOffset != 0 {
		t.Fatalf("expected first utterance offset 0")
	}
	want := len("First.")
	if got := frames[1].(frame.UtteranceFrame).CharOffset; got != want {
		t.Fatalf("expected second utterance offset %d, got %d", want, got)
	}
}

func TestAcknowledgeTracksHighWaterMark(t *testing.T) {
	s := New()
	s.Acknowledge(5)
	s.Acknowledge(3)
	if s.AckedChars() != 5 {
		t.Fatalf("expected acknowledge to keep the high-water mark, got %d", s.AckedChars())
	}
	s.Acknowledge(9)
	if s.AckedChars() != 9 {
		t.Fatalf("expected acknowledge to advance forward, got %d", s.AckedChars())
	}
}
