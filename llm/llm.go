// Package llm implements the LLM Stage of spec.md §4.E: streaming a
// PromptFrame into LLMTokenFrame deltas terminated by one LLMDoneFrame.
package llm

import (
	"fmt"

	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/relayvox/relayvox/frame"
)

const scopeName = "github.com/relayvox/relayvox/llm"

var tracer = otel.Tracer(scopeName)

// DefaultTemperature is spec.md §6's LLM_TEMPERATURE default.
const DefaultTemperature = 0.3

// Stream is a single generation's token stream, modeled as a Go
// range-over-func iterator so callers can `for delta, err := range
// stream.Chunks(ctx)` and break out early on cancellation.
type Stream interface {
	Chunks(ctx context.Context) func(func(string, error) bool)
}

// Provider is the pluggable text-generation capability spec.md §1 calls out
// as an external collaborator (a hosted chat-completion API, a local
// inference server, ...).
type Provider interface {
	// Stream starts a generation over messages (system + bounded history +
	// current user turn, per spec.md §4.D's prompt assembly rule) and
	// returns its token stream.
	Stream(ctx context.Context, messages []frame.Message, temperature float64) (Stream, error)
}

// Stage owns generation for one session: each Process call streams one
// PromptFrame into LLMTokenFrame/LLMDoneFrame frames handed to emit.
type Stage struct {
	provider    Provider
	temperature float64
}

// Option configures a Stage.
type Option func(*Stage)

// WithTemperature overrides DefaultTemperature.
func WithTemperature(t float64) Option {
	return func(s *Stage) { s.temperature = t }
}

func New(provider Provider, opts ...Option) *Stage {
	s := &Stage{provider: provider, temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process streams one prompt to completion, calling emit for each produced
// frame in order: zero or more LLMTokenFrame followed by exactly one
// LLMDoneFrame. emit returning false stops Process immediately without
// emitting LLMDoneFrame, matching spec.md §4.D's interruption contract:
// cancellation takes effect within one generation step, not at end of
// stream.
func (s *Stage) Process(ctx context.Context, prompt frame.PromptFrame, nextSeq func() uint64, emit func(frame.Frame) bool) error {
	ctx, span := tracer.Start(ctx, "llm.process")
	defer span.End()

	stream, err := s.provider.Stream(ctx, prompt.Messages, s.temperature)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return newLLMError(prompt.Turn(), nextSeq(), err)
	}

	for delta, err := range stream.Chunks(ctx) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return newLLMError(prompt.Turn(), nextSeq(), err)
		}
		if delta == "" {
			continue
		}
		if !emit(frame.NewLLMToken(prompt.Turn(), nextSeq(), delta)) {
			return nil
		}
	}

	emit(frame.NewLLMDone(prompt.Turn(), nextSeq()))
	return nil
}

func newLLMError(turn frame.TurnID, seq uint64, err error) error {
	return &StageError{Frame: frame.NewError(turn, seq, frame.ErrorLLM, err.Error(), true), cause: fmt.Errorf("llm: %w", err)}
}

// StageError wraps a generation failure as the ErrorFrame the turn
// controller must surface, per spec.md §7.
type StageError struct {
	Frame frame.ErrorFrame
	cause error
}

func (e *StageError) Error() string { return e.cause.Error() }
func (e *StageError) Unwrap() error { return e.cause }
