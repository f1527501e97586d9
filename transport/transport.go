// Package transport implements the Transport component of spec.md §4.A and
// the wire protocol of §6: a single persistent duplex channel carrying
// length-delimited binary audio frames and multiplexed JSON control
// messages, built on gorilla/websocket the way the teacher's
// speechtotext/deepgram client and the pack's gateway handlers dial and
// upgrade websocket connections.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/relayvox/relayvox/frame"
)

const scopeName = "github.com/relayvox/relayvox/transport"

var tracer = otel.Tracer(scopeName)

// WireKind is the 1-byte kind tag of spec.md §6's framing table.
type WireKind byte

const (
	WireAudioIn  WireKind = 0x01
	WireAudioOut WireKind = 0x02
	WireControl  WireKind = 0x10
	WireError    WireKind = 0x20
	WireSystem   WireKind = 0xFF
)

// HandshakeTimeout bounds how long the server waits for the client's
// SystemFrame{kind: accept} reply, per spec.md §6.
const HandshakeTimeout = 5 * time.Second

// DisconnectGrace is spec.md §4.A's "cancel the entire session within
// 250 ms" budget on abrupt disconnect.
const DisconnectGrace = 250 * time.Millisecond

// Serializer turns raw capture/playback PCM into wire bytes and back. The
// default, PCM16, is the only one spec.md §6 names; the interface exists so
// an alternate codec can be swapped in without touching the session loop,
// per SPEC_FULL.md's pluggable-serializer note grounded on pipecat's
// raw_audio_serializer/protobuf_serializer family.
type Serializer interface {
	EncodeAudio(pcm []byte) []byte
	DecodeAudio(wire []byte) ([]byte, error)
}

// PCM16Serializer is the identity codec for raw 16-bit LE linear PCM, the
// only codec spec.md §6's handshake advertises ("codec":"pcm16").
type PCM16Serializer struct{}

func (PCM16Serializer) EncodeAudio(pcm []byte) []byte            { return pcm }
func (PCM16Serializer) DecodeAudio(wire []byte) ([]byte, error) { return wire, nil }

// ClientAccept is the shape of the client's SystemFrame{kind:accept}
// capabilities payload. capabilitiesSchema below reflects it once at
// package init and is advertised inside SystemFrame{kind:hello} so a client
// can validate its own accept payload before sending it, the same
// reflect-a-Go-type-into-jsonschema pattern the teacher's
// llms/groq.PromptJSONSchema uses to advertise a structured-output contract.
type ClientAccept struct {
	SrIn  int    `json:"sr_in" jsonschema:"required,description=negotiated capture sample rate in Hz"`
	SrOut int    `json:"sr_out" jsonschema:"required,description=negotiated playback sample rate in Hz"`
	Codec string `json:"codec,omitempty" jsonschema:"enum=pcm16,description=audio codec the client will use for audio_in/audio_out frames"`
}

var capabilitiesSchema = (&jsonschema.Reflector{DoNotReference: true}).Reflect(&ClientAccept{})

// upgrader is shared across sessions; CheckOrigin is permissive here because
// origin policy is an HTTP-layer deployment concern spec.md §1 places out of
// scope for the core.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Session is one client's duplex audio channel, implementing the
// send_frame/receive_frame contract of spec.md §4.A from the server's point
// of view: Recv decodes client-to-server frames, Send encodes
// server-to-client frames.
type Session struct {
	conn       *websocket.Conn
	serializer Serializer

	sampleRateIn  int
	sampleRateOut int
}

// Accept upgrades an HTTP request to a websocket connection and returns a
// Session ready for Handshake. The caller's handler should defer
// session.Close().
func Accept(w http.ResponseWriter, r *http.Request, serializer Serializer) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	if serializer == nil {
		serializer = PCM16Serializer{}
	}
	return &Session{conn: conn, serializer: serializer}, nil
}

// Handler wraps a per-session callback as an http.Handler instrumented with
// otelhttp, matching the teacher's otelhttp.NewTransport usage for outbound
// calls (core/llms/groq, stt/groq) mirrored here for the inbound upgrade.
func Handler(serializer Serializer, sampleRateIn, sampleRateOut int, onSession func(*Session)) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := Accept(w, r, serializer)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sess.sampleRateIn = sampleRateIn
		sess.sampleRateOut = sampleRateOut
		defer sess.Close()
		onSession(sess)
	})
	return otelhttp.NewHandler(h, "transport.session")
}

// Handshake runs spec.md §6's connection lifecycle steps 2-3: the server
// sends SystemFrame{kind:hello} advertising the negotiated sample rates and
// codec, then waits up to HandshakeTimeout for the client's
// SystemFrame{kind:accept}.
func (s *Session) Handshake(sampleRateIn, sampleRateOut int) error {
	s.sampleRateIn = sampleRateIn
	s.sampleRateOut = sampleRateOut

	hello := frame.NewSystem(0, frame.SystemHello, map[string]any{
		"sr_in":         sampleRateIn,
		"sr_out":        sampleRateOut,
		"codec":         "pcm16",
		"accept_schema": capabilitiesSchema,
	})
	if err := s.Send(hello); err != nil {
		return fmt.Errorf("transport: send hello: %w", err)
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	f, err := s.Recv()
	if err != nil {
		return fmt.Errorf("transport: handshake read: %w", err)
	}
	accept, ok := f.(frame.SystemFrame)
	if !ok || accept.SystemKind != frame.SystemAccept {
		return fmt.Errorf("transport: expected accept, got %T", f)
	}
	return nil
}

// Drain sends SystemFrame{kind:drain}, spec.md §6 step 4's graceful-close
// request.
func (s *Session) Drain() error {
	return s.Send(frame.NewSystem(0, frame.SystemDrain, nil))
}

// Close closes the underlying websocket connection.
func (s *Session) Close() error { return s.conn.Close() }

// Send encodes and writes one server-to-client frame: AudioOutFrame,
// TTSStartedFrame, TTSStoppedFrame, ErrorFrame, or SystemFrame, per spec.md
// §4.A's receive_frame contract (named from the client's perspective; this
// is the server's write side of it).
func (s *Session) Send(f frame.Frame) error {
	wire, err := s.encode(f)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, wire)
}

func (s *Session) encode(f frame.Frame) ([]byte, error) {
	switch v := f.(type) {
	case frame.AudioOutFrame:
		return frameBytes(WireAudioOut, s.serializer.EncodeAudio(v.PCM)), nil
	case frame.TTSStartedFrame, frame.TTSStoppedFrame:
		payload, err := json.Marshal(controlEnvelope{Type: string(v.Kind())})
		if err != nil {
			return nil, fmt.Errorf("transport: marshal control: %w", err)
		}
		return frameBytes(WireControl, payload), nil
	case frame.ErrorFrame:
		payload, err := json.Marshal(errorEnvelope{Kind: string(v.ErrKind), Message: v.Message, Recoverable: v.Recoverable})
		if err != nil {
			return nil, fmt.Errorf("transport: marshal error: %w", err)
		}
		return frameBytes(WireError, payload), nil
	case frame.SystemFrame:
		payload, err := json.Marshal(systemEnvelope{Kind: string(v.SystemKind), Capabilities: v.Capabilities})
		if err != nil {
			return nil, fmt.Errorf("transport: marshal system: %w", err)
		}
		return frameBytes(WireSystem, payload), nil
	default:
		return nil, fmt.Errorf("transport: frame kind %s is not sendable to a client", f.Kind())
	}
}

// Recv reads and decodes one client-to-server frame: AudioInFrame,
// InterruptFrame, or SystemFrame, per spec.md §4.A's send_frame contract.
// Malformed messages are a protocol error per spec.md §4.A's error policy.
func (s *Session) Recv() (frame.Frame, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return s.decode(data)
}

func (s *Session) decode(data []byte) (frame.Frame, error) {
	kind, payload, err := splitFrame(data)
	if err != nil {
		return nil, &ProtocolError{cause: err}
	}

	switch kind {
	case WireAudioIn:
		pcm, err := s.serializer.DecodeAudio(payload)
		if err != nil {
			return nil, &ProtocolError{cause: fmt.Errorf("decode audio: %w", err)}
		}
		return frame.NewAudioIn(frame.ZeroTurn, 0, pcm, s.sampleRateIn, 1), nil
	case WireControl:
		var env controlEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, &ProtocolError{cause: fmt.Errorf("unmarshal control: %w", err)}
		}
		if env.Type != "interrupt" {
			return nil, &ProtocolError{cause: fmt.Errorf("unknown control type %q", env.Type)}
		}
		return frame.NewInterrupt(frame.ZeroTurn, 0, frame.InterruptClient), nil
	case WireSystem:
		var env systemEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, &ProtocolError{cause: fmt.Errorf("unmarshal system: %w", err)}
		}
		return frame.NewSystem(0, frame.SystemKind(env.Kind), env.Capabilities), nil
	default:
		return nil, &ProtocolError{cause: fmt.Errorf("unexpected wire kind 0x%02x from client", byte(kind))}
	}
}

// ProtocolError wraps a malformed client message, per spec.md §4.A: "
// malformed messages close the session with ErrorFrame{kind: protocol}".
type ProtocolError struct{ cause error }

func (e *ProtocolError) Error() string { return fmt.Sprintf("transport: protocol error: %v", e.cause) }
func (e *ProtocolError) Unwrap() error { return e.cause }

type controlEnvelope struct {
	Type string `json:"type"`
}

type errorEnvelope struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type systemEnvelope struct {
	Kind         string         `json:"kind"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	SrIn         int            `json:"sr_in,omitempty"`
	SrOut        int            `json:"sr_out,omitempty"`
	Codec        string         `json:"codec,omitempty"`
}

// frameBytes assembles spec.md §6's wire format: a 4-byte big-endian length
// (of kind+payload), a 1-byte kind tag, then payload.
func frameBytes(kind WireKind, payload []byte) []byte {
	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(payload)))
	out[4] = byte(kind)
	copy(out[5:], payload)
	return out
}

// splitFrame parses spec.md §6's framing out of one websocket message,
// returning the kind tag and payload.
func splitFrame(data []byte) (WireKind, []byte, error) {
	if len(data) < 5 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	length := binary.BigEndian.Uint32(data[0:4])
	if int(length)+4 != len(data) {
		return 0, nil, fmt.Errorf("length prefix %d does not match message size %d", length, len(data))
	}
	return WireKind(data[4]), data[5:], nil
}
