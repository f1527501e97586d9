// Package deepgram provides a stt.Provider backed by Deepgram's streaming
// transcription websocket API, adapted from the teacher's
// core/speechtotext/deepgram/transcribe.go dial sequence.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"

	"github.com/relayvox/relayvox/stt"
)

// Provider transcribes by proxying PCM through a fresh Deepgram listen
// connection per utterance. Temperature is not applicable to Deepgram's ASR
// (it is not a generative model), so the determinism guarantee of spec.md
// §4.C holds trivially: identical audio bytes always produce the same
// acoustic-model output for a pinned model/version.
type Provider struct {
	apiKey string
	model  string
}

// New builds a Provider. apiKey defaults to the DEEPGRAM_API_KEY
// environment variable when empty.
func New(apiKey, model string) *Provider {
	if apiKey == "" {
		apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if model == "" {
		model = "nova-3"
	}
	return &Provider{apiKey: apiKey, model: model}
}

var _ stt.Provider = (*Provider)(nil)

func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, onPartial func(string)) (string, error) {
	if p.apiKey == "" {
		return "", fmt.Errorf("deepgram: DEEPGRAM_API_KEY not set")
	}

	conn, err := p.dial(sampleRate)
	if err != nil {
		return "", fmt.Errorf("deepgram: dial failed: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = conn.Close()
		close(done)
	}()

	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return "", fmt.Errorf("deepgram: send audio failed: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return "", fmt.Errorf("deepgram: close stream failed: %w", err)
	}

	var final string
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return "", ctx.Err()
			default:
			}
			if final != "" {
				return final, nil
			}
			// Deepgram closed without ever emitting a final transcript: no
			// intelligible speech was found in the segment (spec.md §4.C's
			// silence-only edge case), not a transcription failure.
			return "", stt.ErrEmptyUtterance
		}

		var msg api.MessageResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		if msg.IsFinal {
			final = text
		} else if onPartial != nil {
			onPartial(text)
		}
	}
}

func (p *Provider) dial(sampleRate int) (*websocket.Conn, error) {
	listenURL, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	q := listenURL.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("model", p.model)
	q.Set("language", "en-US")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("endpointing", "300")
	listenURL.RawQuery = q.Encode()

	header := map[string][]string{"Authorization": {"Token " + p.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(listenURL.String(), header)
	return conn, err
}
