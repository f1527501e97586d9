package tts

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/relayvox/relayvox/frame"
	"github.com/relayvox/relayvox/tts/subprocess"
)

// fakeSignaler counts signals instead of touching a real process.
type fakeSignaler struct {
	terminated bool
	killed     bool
}

func (f *fakeSignaler) Signal(os.Signal) error { f.terminated = true; return nil }
func (f *fakeSignaler) Kill() error             { f.killed = true; return nil }

// scriptedChild wires a child to an in-process pipe so a test can play a
// canned server script without spawning a real subprocess.
func scriptedChild(t *testing.T, script func(w *subprocess.ResponseWriter)) (*child, *fakeSignaler) {
	t.Helper()
	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()

	sig := &fakeSignaler{}
	done := make(chan struct{})
	c := &child{
		proc:   sig,
		writer: subprocess.NewWriter(clientW),
		reader: subprocess.NewReader(clientR),
		done:   done,
	}

	go func() {
		script(subprocess.NewResponseWriter(serverW))
		serverW.Close()
	}()
	// Drain the parent's requests so WriteRequest never blocks.
	go io.Copy(io.Discard, serverR)

	t.Cleanup(func() { close(done) })
	return c, sig
}

func TestProcessForwardsStartedAudioStopped(t *testing.T) {
	c, _ := scriptedChild(t, func(w *subprocess.ResponseWriter) {
		w.WriteMessage(subprocess.Message{Type: subprocess.TypeStarted})
		w.WriteMessage(subprocess.NewAudioChunk(24000, []byte{1, 2, 3}))
		w.WriteMessage(subprocess.Message{Type: subprocess.TypeStopped})
		w.WriteMessage(subprocess.Message{Type: subprocess.TypeEOF})
	})

	stage := New(Config{Command: "unused"})
	stage.spawn = func(Config) (*child, error) { return c, nil }

	var got []frame.Frame
	err := stage.Process(context.Background(), frame.NewUtterance(1, 1, "hi", 0), seqFrom(0), func(f frame.Frame) bool {
		got = append(got, f)
		return true
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected started+audio+stopped, got %d: %+v", len(got), got)
	}
	if got[0].Kind() != frame.KindTTSStarted {
		t.Fatalf("expected first frame TTSStarted, got %+v", got[0])
	}
	audio := got[1].(frame.AudioOutFrame)
	if string(audio.PCM) != "\x01\x02\x03" {
		t.Fatalf("expected decoded PCM bytes, got %v", audio.PCM)
	}
	if got[2].Kind() != frame.KindTTSStopped {
		t.Fatalf("expected final frame TTSStopped, got %+v", got[2])
	}
}

func TestProcessStopsEmittingOnceCancelledButDrainsToEOF(t *testing.T) {
	c, _ := scriptedChild(t, func(w *subprocess.ResponseWriter) {
		w.WriteMessage(subprocess.Message{Type: subprocess.TypeStarted})
		w.WriteMessage(subprocess.NewAudioChunk(24000, []byte{9}))
		w.WriteMessage(subprocess.Message{Type: subprocess.TypeEOF})
	})

	stage := New(Config{Command: "unused"})
	stage.spawn = func(Config) (*child, error) { return c, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got []frame.Frame
	err := stage.Process(ctx, frame.NewUtterance(1, 1, "hi", 0), seqFrom(0), func(f frame.Frame) bool {
		got = append(got, f)
		return true
	})
	if err != nil {
		t.Fatalf("expected no error even though cancelled, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no frames emitted once cancelled, got %+v", got)
	}
}

func TestHandleChildFailureRespawnsUntilBudgetExhausted(t *testing.T) {
	stage := New(Config{Command: "unused", MaxRestarts: 2, RestartWindow: time.Minute})

	var frames []frame.Frame
	emit := func(f frame.Frame) bool { frames = append(frames, f); return true }

	cause := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = stage.handleChildFailure(1, seqFrom(0), cause, emit)
	}

	if len(frames) != 3 {
		t.Fatalf("expected one ErrorFrame per failure, got %d", len(frames))
	}
	for i, f := range frames {
		ef := f.(frame.ErrorFrame)
		wantRecoverable := i < 2
		if ef.Recoverable != wantRecoverable {
			t.Fatalf("failure %d: expected recoverable=%v, got %v", i, wantRecoverable, ef.Recoverable)
		}
	}
	if !stage.giveUp {
		t.Fatalf("expected stage to give up once restart budget exhausted")
	}
}

func seqFrom(start uint64) func() uint64 {
	seq := start
	return func() uint64 { seq++; return seq }
}
