package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/relayvox/relayvox/frame"
)

type streamStub struct {
	deltas []string
	err    error
}

func (s *streamStub) Chunks(ctx context.Context) func(func(string, error) bool) {
	return func(yield func(string, error) bool) {
		for _, d := range s.deltas {
			if !yield(d, nil) {
				return
			}
		}
		if s.err != nil {
			yield("", s.err)
		}
	}
}

type providerStub struct {
	stream      *streamStub
	streamErr   error
	gotTemp     float64
	gotMessages []frame.Message
}

func (p *providerStub) Stream(_ context.Context, messages []frame.Message, temperature float64) (Stream, error) {
	p.gotMessages = messages
	p.gotTemp = temperature
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	return p.stream, nil
}

func newPrompt(turn frame.TurnID) frame.PromptFrame {
	return frame.NewPrompt(turn, 1, []frame.Message{{Role: "system", Text: "be terse"}, {Role: "user", Text: "hi"}})
}

func TestProcessEmitsTokensThenDone(t *testing.T) {
	provider := &providerStub{stream: &streamStub{deltas: []string{"hel", "lo"}}}
	stage := New(provider)

	var seq uint64
	var got []frame.Frame
	err := stage.Process(context.Background(), newPrompt(1), func() uint64 { seq++; return seq }, func(f frame.Frame) bool {
		got = append(got, f)
		return true
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 2 tokens + 1 done, got %d: %+v", len(got), got)
	}
	if got[0].(frame.LLMTokenFrame).Delta != "hel" || got[1].(frame.LLMTokenFrame).Delta != "lo" {
		t.Fatalf("unexpected token deltas: %+v", got)
	}
	if got[2].Kind() != frame.KindLLMDone {
		t.Fatalf("expected final frame to be LLMDoneFrame, got %+v", got[2])
	}
	if provider.gotTemp != DefaultTemperature {
		t.Fatalf("expected default temperature %v, got %v", DefaultTemperature, provider.gotTemp)
	}
}

func TestProcessStopsWhenEmitRejects(t *testing.T) {
	provider := &providerStub{stream: &streamStub{deltas: []string{"a", "b", "c"}}}
	stage := New(provider)

	var got []frame.Frame
	err := stage.Process(context.Background(), newPrompt(1), func() uint64 { return 1 }, func(f frame.Frame) bool {
		got = append(got, f)
		return false
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected Process to stop after the first rejected emit, got %d frames", len(got))
	}
	for _, f := range got {
		if f.Kind() == frame.KindLLMDone {
			t.Fatalf("did not expect LLMDoneFrame when emit rejected mid-stream")
		}
	}
}

func TestProcessWrapsStreamStartFailure(t *testing.T) {
	cause := errors.New("rate limited")
	provider := &providerStub{streamErr: cause}
	stage := New(provider)

	err := stage.Process(context.Background(), newPrompt(3), func() uint64 { return 1 }, func(frame.Frame) bool { return true })
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *StageError, got %T: %v", err, err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped error to unwrap to the provider cause")
	}
	if stageErr.Frame.ErrKind != frame.ErrorLLM || stageErr.Frame.Turn() != 3 {
		t.Fatalf("expected ErrorLLM frame tagged with the originating turn, got %+v", stageErr.Frame)
	}
}

func TestProcessWrapsMidStreamFailure(t *testing.T) {
	cause := errors.New("connection reset")
	provider := &providerStub{stream: &streamStub{deltas: []string{"partial"}, err: cause}}
	stage := New(provider)

	var got []frame.Frame
	err := stage.Process(context.Background(), newPrompt(1), func() uint64 { return 1 }, func(f frame.Frame) bool {
		got = append(got, f)
		return true
	})
	if err == nil {
		t.Fatalf("expected an error after the stream fails mid-generation")
	}
	if len(got) != 1 {
		t.Fatalf("expected the partial token emitted before the failure, got %+v", got)
	}
}

func TestWithTemperatureOverridesDefault(t *testing.T) {
	provider := &providerStub{stream: &streamStub{}}
	stage := New(provider, WithTemperature(0.9))
	_ = stage.Process(context.Background(), newPrompt(1), func() uint64 { return 1 }, func(frame.Frame) bool { return true })
	if provider.gotTemp != 0.9 {
		t.Fatalf("expected overridden temperature 0.9, got %v", provider.gotTemp)
	}
}
