// Package aggregator implements the Sentence Aggregator of spec.md §4.F:
// buffering LLMTokenFrame deltas into TTS-friendly UtteranceFrame chunks at
// natural boundaries, and tracking the speak-acknowledgement cursor the
// Turn Controller uses for interruption truncation.
package aggregator

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"

	"github.com/relayvox/relayvox/frame"
)

const scopeName = "github.com/relayvox/relayvox/aggregator"

var tracer = otel.Tracer(scopeName)

// DefaultMaxChars is spec.md §4.F's max_chars fallback boundary.
const DefaultMaxChars = 180

const terminalPunctuation = ".!?;:"

// Stage accumulates one turn's LLM output into utterances. Every method
// takes the Stage's own lock, so the pipeline can push tokens from the LLM
// worker and acknowledge spoken text from the TTS worker concurrently.
type Stage struct {
	maxChars int

	mu           sync.Mutex
	buf          strings.Builder
	emittedChars int // total rune count already cut into prior utterances this turn
	ackedChars   int // high-water mark reported back via Acknowledge
}

// Option configures a Stage.
type Option func(*Stage)

// WithMaxChars overrides DefaultMaxChars.
func WithMaxChars(n int) Option {
	return func(s *Stage) { s.maxChars = n }
}

func New(opts ...Option) *Stage {
	s := &Stage{maxChars: DefaultMaxChars}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reset clears accumulated state for a fresh turn.
func (s *Stage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.emittedChars = 0
	s.ackedChars = 0
}

// PushToken appends one LLMTokenFrame's delta and returns any UtteranceFrame
// boundaries it crosses, in emission order.
func (s *Stage) PushToken(turn frame.TurnID, tok frame.LLMTokenFrame, nextSeq func() uint64) []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []frame.Frame

	if s.buf.Len() > 0 && endsWithTerminal(s.buf.String()) && startsWithBoundary(tok.Delta) {
		out = append(out, s.cutLocked(turn, nextSeq, s.buf.Len()))
	}

	s.buf.WriteString(tok.Delta)

	if text := s.buf.String(); utf8.RuneCountInString(text) > s.maxChars {
		if cut := latestBreak(text); cut > 0 {
			out = append(out, s.cutLocked(turn, nextSeq, cut))
		}
	}

	return out
}

// Flush is called on LLMDoneFrame: it emits whatever text remains, which may
// be an empty UtteranceFrame per spec.md §4.F.
func (s *Stage) Flush(turn frame.TurnID, nextSeq func() uint64) frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cutLocked(turn, nextSeq, s.buf.Len())
}

// cutLocked emits the first n bytes of the buffer as an UtteranceFrame and
// retains the remainder. Must be called with mu held.
func (s *Stage) cutLocked(turn frame.TurnID, nextSeq func() uint64, n int) frame.Frame {
	text := s.buf.String()
	head, tail := text[:n], text[n:]

	u := frame.NewUtterance(turn, nextSeq(), head, s.emittedChars)
	s.emittedChars += utf8.RuneCountInString(head)

	s.buf.Reset()
	s.buf.WriteString(tail)
	return u
}

// Acknowledge records that TTS has finished emitting audio for an utterance
// whose text ended at the given cumulative character offset, advancing the
// cursor the turn controller reads via AckedChars.
func (s *Stage) Acknowledge(charEnd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if charEnd > s.ackedChars {
		s.ackedChars = charEnd
	}
}

// AckedChars reports the cursor: how many leading characters of the turn's
// assistant text are confirmed spoken.
func (s *Stage) AckedChars() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackedChars
}

func endsWithTerminal(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return strings.ContainsRune(terminalPunctuation, r)
}

func startsWithBoundary(delta string) bool {
	if delta == "" {
		return true // end-of-stream within this token, treated as a boundary
	}
	r, _ := utf8.DecodeRuneInString(delta)
	return unicode.IsSpace(r)
}

// latestBreak returns the byte offset just past the latest comma or
// whitespace in text, or 0 if none exists.
func latestBreak(text string) int {
	for i := len(text); i > 0; {
		r, size := utf8.DecodeLastRuneInString(text[:i])
		if r == ',' || unicode.IsSpace(r) {
			return i
		}
		i -= size
	}
	return 0
}
