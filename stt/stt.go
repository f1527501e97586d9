// Package stt implements the STT Stage of spec.md §4.C: transcribing a
// segmented UserSpeechFrame into a stream of transcript frames.
package stt

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/relayvox/relayvox/frame"
)

const scopeName = "github.com/relayvox/relayvox/stt"

var tracer = otel.Tracer(scopeName)

// Timeout is the per-stage deadline from spec.md §5.
const Timeout = 10 * time.Second

// ErrEmptyUtterance is returned when the segment contains no intelligible
// speech; the caller treats this as spec.md §4.C's "silence only" edge case.
var ErrEmptyUtterance = errors.New("stt: empty utterance")

// Provider is the pluggable transcription capability spec.md §1 calls out
// as an external collaborator (a Whisper-family ASR model, a cloud STT API,
// ...). Temperature is pinned by the concrete provider to keep
// transcription deterministic for a given utterance, per spec.md §4.C.
type Provider interface {
	// Transcribe transcribes pcm (sampleRate, mono, 16-bit LE) and streams
	// results to onPartial (best-effort, may never fire) before returning
	// the final text. Returning ErrEmptyUtterance signals silence-only
	// input. ctx cancellation must stop inference promptly and return
	// ctx.Err().
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, onPartial func(string)) (final string, err error)
}

// Stage owns transcription for one session: each Process call transcribes
// one UserSpeechFrame into the TranscriptFrames it returns.
type Stage struct {
	provider Provider
}

func New(provider Provider) *Stage {
	return &Stage{provider: provider}
}

// Process transcribes one utterance frame. It returns the frames to emit in
// order: zero or more non-final TranscriptFrame followed by exactly one
// final TranscriptFrame, unless the utterance was empty (spec.md §4.C edge
// case: "empty utterances produce no frames").
func (s *Stage) Process(ctx context.Context, in frame.UserSpeechFrame, nextSeq func() uint64) ([]frame.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "stt.process")
	defer span.End()

	var out []frame.Frame
	onPartial := func(text string) {
		out = append(out, frame.NewTranscript(in.Turn(), nextSeq(), text, false))
	}

	final, err := s.provider.Transcribe(ctx, in.PCM, in.SampleRate, onPartial)
	if errors.Is(err, ErrEmptyUtterance) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, newSTTError(in.Turn(), nextSeq(), err)
	}

	out = append(out, frame.NewTranscript(in.Turn(), nextSeq(), final, true))
	return out, nil
}

func newSTTError(turn frame.TurnID, seq uint64, err error) error {
	return &StageError{Frame: frame.NewError(turn, seq, frame.ErrorSTT, err.Error(), true), cause: err}
}

// StageError wraps an inference failure as the ErrorFrame the turn
// controller must surface, per spec.md §7: "per-turn inference failure ->
// abort turn, surface ErrorFrame, session continues".
type StageError struct {
	Frame frame.ErrorFrame
	cause error
}

func (e *StageError) Error() string { return e.cause.Error() }
func (e *StageError) Unwrap() error { return e.cause }
