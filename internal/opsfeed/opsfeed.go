// Package opsfeed fans out per-turn telemetry to connected operator
// consoles. It is the concrete home for spec.md §4.J's metrics hook: the
// pipeline runtime records a Metrics value per retired turn, and opsfeed
// turns that into an Event any number of voxctl sessions can subscribe to,
// matching the "pluggable sink interface" the spec calls out without
// mandating an exporter.
package opsfeed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/relayvox/relayvox/pipeline"
)

// Event is one turn's record as shipped to an operator console.
type Event struct {
	SessionID     string    `json:"session_id"`
	TurnID        int64     `json:"turn_id"`
	Interrupted   bool      `json:"interrupted"`
	VADEnd        time.Time `json:"vad_end,omitempty"`
	STTDone       time.Time `json:"stt_done,omitempty"`
	LLMFirstToken time.Time `json:"llm_first_token,omitempty"`
	TTSFirstAudio time.Time `json:"tts_first_audio,omitempty"`
	TTSDone       time.Time `json:"tts_done,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Hub broadcasts Events to subscribed operator connections. One Hub is
// shared across every session a relayvoxd process serves.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener. The caller must call the returned
// cancel function when done to avoid leaking the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
}

func (h *Hub) broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// A slow or stuck console drops events rather than blocking
			// turn retirement; opsfeed is best-effort observability, never
			// a dependency of the turn lifecycle.
		}
	}
}

// Sink adapts a Hub to pipeline.Sink, tagging every record with the
// session id it came from.
type Sink struct {
	Hub       *Hub
	SessionID string
}

func (s Sink) RecordTurn(m pipeline.Metrics) {
	s.Hub.broadcast(Event{
		SessionID:     s.SessionID,
		TurnID:        int64(m.TurnID),
		Interrupted:   m.Interrupted,
		VADEnd:        m.VADEnd,
		STTDone:       m.STTDone,
		LLMFirstToken: m.LLMFirstToken,
		TTSFirstAudio: m.TTSFirstAudio,
		TTSDone:       m.TTSDone,
		FinishedAt:    m.FinishedAt,
	})
}

var _ pipeline.Sink = Sink{}

// Marshal encodes an Event as a single JSON line for the websocket wire.
func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }
