// Command relayvoxd is the server entrypoint of the engine: it binds the
// transport's websocket upgrade endpoint, wires one pipeline.Session per
// client connection, and exits with the process codes spec.md §6 defines.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/relayvox/relayvox/internal/config"
	"github.com/relayvox/relayvox/internal/opsfeed"
	"github.com/relayvox/relayvox/llm"
	"github.com/relayvox/relayvox/llm/groq"
	"github.com/relayvox/relayvox/pipeline"
	"github.com/relayvox/relayvox/stt"
	"github.com/relayvox/relayvox/stt/deepgram"
	"github.com/relayvox/relayvox/transport"
	"github.com/relayvox/relayvox/tts"
	"github.com/relayvox/relayvox/vad"
)

const scopeName = "github.com/relayvox/relayvox/cmd/relayvoxd"

// Exit codes per spec.md §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitModelLoad     = 2
	exitTransportBind = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := otelslog.NewLogger(scopeName)
	slog.SetDefault(logger)

	cfg, err := config.Load(nil)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return exitConfigError
	}

	ttsCmd := firstNonEmpty(os.Getenv("TTS_SUBPROCESS_CMD"), "relayvox-ttschild")
	if _, err := exec.LookPath(ttsCmd); err != nil {
		slog.Error("tts subprocess binary not found", "command", ttsCmd, "error", err)
		return exitModelLoad
	}

	groqKey := os.Getenv("GROQ_API_KEY")
	if groqKey == "" {
		slog.Error("GROQ_API_KEY is required to load the LLM provider")
		return exitModelLoad
	}
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		slog.Error("DEEPGRAM_API_KEY is required to load the STT provider")
		return exitModelLoad
	}

	llmProvider := groq.New(groqKey, os.Getenv("GROQ_MODEL")).WithMaxTokens(cfg.LLMMaxTokens)
	sttProvider := deepgram.New(deepgramKey, os.Getenv("DEEPGRAM_MODEL"))
	hub := opsfeed.NewHub()

	mux := http.NewServeMux()
	mux.Handle("/ws", newSessionHandler(cfg, ttsCmd, sttProvider, llmProvider, hub))
	mux.Handle("/ops/ws", opsfeed.Handler(hub))

	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to bind transport listener", "addr", addr, "error", err)
		return exitTransportBind
	}

	srv := &http.Server{Handler: mux}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	slog.Info("relayvoxd listening", "addr", addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		_ = srv.Close()
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server exited", "error", err)
			return exitTransportBind
		}
	}
	return exitOK
}

// newSessionHandler builds the /ws upgrade handler: each connection gets a
// fresh session id, its own pipeline.Session wired from the shared
// providers, and an opsfeed.Sink tagged with that session id so voxctl can
// tell sessions apart.
func newSessionHandler(cfg config.Config, ttsCmd string, sttProvider stt.Provider, llmProvider llm.Provider, hub *opsfeed.Hub) http.Handler {
	return transport.Handler(transport.PCM16Serializer{}, 16000, cfg.TTSSampleRate, func(sess *transport.Session) {
		sessionID := uuid.NewString()
		logger := slog.With("session_id", sessionID)

		pcfg := pipeline.Config{
			SampleRateIn:  16000,
			SampleRateOut: cfg.TTSSampleRate,
			VAD: vad.Config{
				StartThreshold: time.Duration(cfg.VADStartMS) * time.Millisecond,
				MinSilence:     time.Duration(cfg.VADMinSilenceMS) * time.Millisecond,
				SpeechPad:      time.Duration(cfg.VADPadMS) * time.Millisecond,
			},
			LLMTemperature: cfg.LLMTemperature,
			LLMContextMax:  cfg.LLMContextMax,
			TTS: tts.Config{
				Command:     ttsCmd,
				VoiceID:     cfg.TTSVoiceID,
				MaxRestarts: cfg.TTSMaxRestarts,
			},
			SystemPrompt: cfg.SystemPrompt,
		}

		sink := opsfeed.Sink{Hub: hub, SessionID: sessionID}
		classifier := vad.NewEnergyClassifier()
		session := pipeline.New(sess, classifier, sttProvider, llmProvider, pcfg, sink)

		logger.Info("session started")
		if err := session.Run(context.Background()); err != nil {
			logger.Warn("session ended", "error", err)
			return
		}
		logger.Info("session ended")
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
