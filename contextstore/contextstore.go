// Package contextstore implements the conversation-context store of
// spec.md §4.I: an append-only, single-writer log of turn messages fed to
// every LLM call, bounded to a fixed number of non-system messages.
package contextstore

import (
	"sync"

	"github.com/jinzhu/copier"

	"github.com/relayvox/relayvox/frame"
)

// Store holds one session's conversation context. The zero value is not
// usable; construct with New. A Store has exactly one writer, the turn
// controller, matching spec.md §9's "global mutable state" note.
type Store struct {
	mu sync.RWMutex

	systemPrompt string
	// messages holds only the non-system messages, alternating user then
	// assistant. The system message is not stored here; Snapshot synthesizes
	// it from systemPrompt at position 0, even when systemPrompt is empty.
	messages []entry

	// maxNonSystem is N from spec.md §3: the upper bound on non-system
	// messages before the oldest user/assistant pair is evicted.
	maxNonSystem int
}

// entry pairs a stored message with whether it counts toward maxNonSystem.
// An empty-text assistant reply (spec.md §8: "does not displace eviction
// budget") is still appended to preserve strict user/assistant alternation,
// but carries counts=false so it never forces an eviction by itself.
type entry struct {
	frame.Message
	counts bool
}

// New creates a Store with the given system prompt and non-system message
// budget N (spec.md default 20).
func New(systemPrompt string, maxNonSystem int) *Store {
	if maxNonSystem < 0 {
		maxNonSystem = 0
	}
	return &Store{systemPrompt: systemPrompt, maxNonSystem: maxNonSystem}
}

// AppendUser appends a user message. Called by the turn controller only
// after the turn's transcript is final (spec.md §4.D).
func (s *Store) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, entry{Message: frame.Message{Role: "user", Text: text}, counts: true})
	s.evictLocked()
}

// AppendAssistant appends an assistant message. Called on TTSStoppedFrame or
// on INTERRUPTED commit with the text actually spoken. An empty string is
// still appended, to keep the strict user/assistant alternation spec.md §3
// requires, but is excluded from the eviction budget (spec.md §8: "does not
// displace eviction budget").
func (s *Store) AppendAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, entry{Message: frame.Message{Role: "assistant", Text: text}, counts: text != ""})
	s.evictLocked()
}

// evictLocked drops the oldest user/assistant pair while the number of
// budget-counted entries exceeds maxNonSystem. Must be called with mu held.
func (s *Store) evictLocked() {
	for s.countedLocked() > s.maxNonSystem && len(s.messages) >= 2 {
		s.messages = s.messages[2:]
	}
	// An odd leftover (assistant appended without its user counterpart
	// surviving, e.g. after an uneven eviction boundary) is trimmed from the
	// front too so the store never starts on an assistant message.
	if len(s.messages) > 0 && s.messages[0].Role == "assistant" {
		s.messages = s.messages[1:]
	}
}

func (s *Store) countedLocked() int {
	n := 0
	for _, e := range s.messages {
		if e.counts {
			n++
		}
	}
	return n
}

// Snapshot returns a read-only copy of the full message sequence: the system
// message pinned at position 0 (even if SystemPrompt is empty — a spec
// invariant is that the first message is always role system), followed by
// the bounded non-system history. Uses copier so callers can never mutate
// the store's backing array through the returned slice.
func (s *Store) Snapshot() []frame.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]frame.Message, 0, len(s.messages)+1)
	out = append(out, frame.Message{Role: "system", Text: s.systemPrompt})

	plain := make([]frame.Message, len(s.messages))
	for i, e := range s.messages {
		plain[i] = e.Message
	}

	var rest []frame.Message
	if err := copier.Copy(&rest, &plain); err != nil {
		// copier only fails on incompatible types, which cannot happen here
		// since both sides are []frame.Message; fall back defensively.
		rest = append([]frame.Message(nil), plain...)
	}
	return append(out, rest...)
}

// Reset clears all non-system history. The system message is retained.
// Idempotent: two consecutive calls leave the same state as one.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Len reports the current non-system message count, for tests and metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// SetSystemPrompt replaces the pinned system message text.
func (s *Store) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
}
