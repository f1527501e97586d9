// Package frame defines the typed frames that flow between pipeline stages.
//
// Frames are a closed tagged union: Kind reports the concrete variant and
// stages switch on it rather than on the Go type, mirroring the way the
// teacher's core/events package pairs a Kind string with a payload struct.
// Nothing in this package is meant to be subclassed or embedded by stage
// code outside this package.
package frame

import "time"

// Kind identifies a frame variant.
type Kind string

const (
	KindAudioIn       Kind = "audio_in"
	KindAudioOut      Kind = "audio_out"
	KindVADStart      Kind = "vad_start"
	KindVADEnd        Kind = "vad_end"
	KindUserSpeech    Kind = "user_speech"
	KindTranscript    Kind = "transcript"
	KindPrompt        Kind = "prompt"
	KindLLMToken      Kind = "llm_token"
	KindLLMDone       Kind = "llm_done"
	KindUtterance     Kind = "utterance"
	KindTTSStarted    Kind = "tts_started"
	KindTTSStopped    Kind = "tts_stopped"
	KindInterrupt     Kind = "interrupt"
	KindError         Kind = "error"
	KindSystem        Kind = "system"
)

// TurnID identifies the turn a frame belongs to. System frames use ZeroTurn.
type TurnID int64

// ZeroTurn is the sentinel turn id carried by SystemFrame, which belongs to
// no turn (spec invariant: every frame except SystemFrame belongs to exactly
// one turn).
const ZeroTurn TurnID = 0

// Frame is implemented by every frame variant in this package.
type Frame interface {
	Kind() Kind
	// Turn returns the owning turn id, or ZeroTurn for SystemFrame.
	Turn() TurnID
	// Seq is the monotonic sequence id assigned by the emitting stage,
	// strictly increasing within one turn.
	Seq() uint64
}

// base carries the fields every non-system frame shares.
type base struct {
	kind Kind
	turn TurnID
	seq  uint64
}

func (b base) Kind() Kind    { return b.kind }
func (b base) Turn() TurnID  { return b.turn }
func (b base) Seq() uint64   { return b.seq }

func newBase(kind Kind, turn TurnID, seq uint64) base {
	return base{kind: kind, turn: turn, seq: seq}
}

// AudioInFrame is raw capture audio from the client.
type AudioInFrame struct {
	base
	PCM        []byte
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

func NewAudioIn(turn TurnID, seq uint64, pcm []byte, sampleRate, channels int) AudioInFrame {
	return AudioInFrame{base: newBase(KindAudioIn, turn, seq), PCM: pcm, SampleRate: sampleRate, Channels: channels, Timestamp: time.Now()}
}

// AudioOutFrame is synthesized playback audio bound for the client.
type AudioOutFrame struct {
	base
	PCM        []byte
	SampleRate int
	Channels   int
}

func NewAudioOut(turn TurnID, seq uint64, pcm []byte, sampleRate, channels int) AudioOutFrame {
	return AudioOutFrame{base: newBase(KindAudioOut, turn, seq), PCM: pcm, SampleRate: sampleRate, Channels: channels}
}

// VADStartFrame marks the beginning of detected speech.
type VADStartFrame struct{ base }

func NewVADStart(turn TurnID, seq uint64) VADStartFrame {
	return VADStartFrame{base: newBase(KindVADStart, turn, seq)}
}

// VADEndFrame marks the end of detected speech after the configured hold-off.
type VADEndFrame struct{ base }

func NewVADEnd(turn TurnID, seq uint64) VADEndFrame {
	return VADEndFrame{base: newBase(KindVADEnd, turn, seq)}
}

// UserSpeechFrame carries a complete segmented utterance ready for STT.
type UserSpeechFrame struct {
	base
	PCM        []byte
	SampleRate int
}

func NewUserSpeech(turn TurnID, seq uint64, pcm []byte, sampleRate int) UserSpeechFrame {
	return UserSpeechFrame{base: newBase(KindUserSpeech, turn, seq), PCM: pcm, SampleRate: sampleRate}
}

// TranscriptFrame is STT output; IsFinal distinguishes advisory partials from
// the single final transcript.
type TranscriptFrame struct {
	base
	Text    string
	IsFinal bool
}

func NewTranscript(turn TurnID, seq uint64, text string, isFinal bool) TranscriptFrame {
	return TranscriptFrame{base: newBase(KindTranscript, turn, seq), Text: text, IsFinal: isFinal}
}

// Message is one entry of an assembled prompt.
type Message struct {
	Role string // "system" | "user" | "assistant"
	Text string
}

// PromptFrame is the assembled LLM input: system + history + new user turn.
type PromptFrame struct {
	base
	Messages []Message
}

func NewPrompt(turn TurnID, seq uint64, messages []Message) PromptFrame {
	return PromptFrame{base: newBase(KindPrompt, turn, seq), Messages: messages}
}

// LLMTokenFrame is one streamed chunk of LLM output.
type LLMTokenFrame struct {
	base
	Delta string
}

func NewLLMToken(turn TurnID, seq uint64, delta string) LLMTokenFrame {
	return LLMTokenFrame{base: newBase(KindLLMToken, turn, seq), Delta: delta}
}

// LLMDoneFrame marks the end of the LLM stream for the current turn.
type LLMDoneFrame struct{ base }

func NewLLMDone(turn TurnID, seq uint64) LLMDoneFrame {
	return LLMDoneFrame{base: newBase(KindLLMDone, turn, seq)}
}

// UtteranceFrame is a sentence-granular chunk ready for TTS.
type UtteranceFrame struct {
	base
	Text string
	// CharOffset is the offset of Text's first rune within the turn's
	// accumulated assistant text, used by the turn controller to compute
	// character-accurate interruption truncation (spec.md §4.D).
	CharOffset int
}

func NewUtterance(turn TurnID, seq uint64, text string, charOffset int) UtteranceFrame {
	return UtteranceFrame{base: newBase(KindUtterance, turn, seq), Text: text, CharOffset: charOffset}
}

// TTSStartedFrame marks the beginning of a synthesized audio stream.
type TTSStartedFrame struct{ base }

func NewTTSStarted(turn TurnID, seq uint64) TTSStartedFrame {
	return TTSStartedFrame{base: newBase(KindTTSStarted, turn, seq)}
}

// TTSStoppedFrame marks the end of a synthesized audio stream. SpokenChars is
// the count of UtteranceFrame text characters whose audio was fully emitted,
// used for the aggregator's speak-acknowledgement cursor.
type TTSStoppedFrame struct {
	base
	SpokenChars int
}

func NewTTSStopped(turn TurnID, seq uint64, spokenChars int) TTSStoppedFrame {
	return TTSStoppedFrame{base: newBase(KindTTSStopped, turn, seq), SpokenChars: spokenChars}
}

// InterruptReason enumerates why an InterruptFrame was raised.
type InterruptReason string

const (
	InterruptUserSpeech InterruptReason = "user_speech"
	InterruptClient     InterruptReason = "client"
	InterruptError      InterruptReason = "error"
)

// InterruptFrame cancels in-flight generation/playback for a turn. It
// travels on a dedicated side channel (spec.md §9), not through the main
// stage queues, so the data-flow DAG stays acyclic.
type InterruptFrame struct {
	base
	Reason InterruptReason
}

func NewInterrupt(turn TurnID, seq uint64, reason InterruptReason) InterruptFrame {
	return InterruptFrame{base: newBase(KindInterrupt, turn, seq), Reason: reason}
}

// ErrorKind enumerates the error taxonomy of spec.md §7.
type ErrorKind string

const (
	ErrorProtocol     ErrorKind = "protocol"
	ErrorConfig       ErrorKind = "config"
	ErrorModelLoad    ErrorKind = "model_load"
	ErrorSTT          ErrorKind = "stt"
	ErrorLLM          ErrorKind = "llm"
	ErrorTTS          ErrorKind = "tts"
	ErrorTimeout      ErrorKind = "timeout"
	ErrorChildExit    ErrorKind = "child_exit"
	ErrorBackpressure ErrorKind = "backpressure"
)

// ErrorFrame surfaces a taxonomized error to the client or to internal
// observers.
type ErrorFrame struct {
	base
	ErrKind     ErrorKind
	Message     string
	Recoverable bool
}

func NewError(turn TurnID, seq uint64, kind ErrorKind, message string, recoverable bool) ErrorFrame {
	return ErrorFrame{base: newBase(KindError, turn, seq), ErrKind: kind, Message: message, Recoverable: recoverable}
}

// SystemKind enumerates lifecycle system-frame variants.
type SystemKind string

const (
	SystemHello  SystemKind = "hello"
	SystemAccept SystemKind = "accept"
	SystemDrain  SystemKind = "drain"
	SystemStart  SystemKind = "start"
	SystemStop   SystemKind = "stop"
)

// SystemFrame carries session lifecycle signals. It belongs to no turn.
type SystemFrame struct {
	base
	SystemKind   SystemKind
	Capabilities map[string]any
}

func NewSystem(seq uint64, kind SystemKind, capabilities map[string]any) SystemFrame {
	return SystemFrame{base: newBase(KindSystem, ZeroTurn, seq), SystemKind: kind, Capabilities: capabilities}
}
