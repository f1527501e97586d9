// Command ttschild is the reference TTS Subprocess of spec.md §4.H: it
// speaks the line-delimited JSON protocol of §3 over its own stdin/stdout,
// loading a single synthesis "model" once at start. The model here is a
// deterministic tone generator, not a neural TTS engine — concrete model
// loading is spec.md §1's explicit out-of-scope external collaborator; this
// binary exists so the protocol and the parent's supervision logic
// (tts.Stage) have something real to drive end to end.
package main

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/relayvox/relayvox/tts/subprocess"
)

const sampleRate = 24000

func main() {
	if err := run(os.Stdin, os.Stdout); err != nil && err != io.EOF {
		fmt.Fprintln(os.Stderr, "ttschild:", err)
		os.Exit(1)
	}
}

func run(stdin io.Reader, stdout io.Writer) error {
	reqs := subprocess.NewRequestReader(stdin)
	out := bufio.NewWriter(stdout)
	defer out.Flush()
	resp := subprocess.NewResponseWriter(out)

	for {
		req, err := reqs.ReadRequest()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if req.Ping {
			if err := writeAndFlush(resp, out, subprocess.Message{Type: subprocess.TypePong}); err != nil {
				return err
			}
			continue
		}

		if err := synthesize(req, resp, out); err != nil {
			return err
		}
	}
}

// synthesize emits the started/audio_chunk*/stopped/eof sequence of §3 for
// one request: started is flushed at once, then the whole tone is generated
// and written out in MaxChunkBytes pieces.
func synthesize(req subprocess.Request, resp *subprocess.ResponseWriter, out *bufio.Writer) error {
	if err := writeAndFlush(resp, out, subprocess.Message{Type: subprocess.TypeStarted}); err != nil {
		return err
	}

	if req.Text == "" {
		return writeAndFlush(resp, out, subprocess.Message{Type: subprocess.TypeStopped}, subprocess.Message{Type: subprocess.TypeEOF})
	}

	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}
	pcm := toneFor(req.Text, speed)

	for off := 0; off < len(pcm); off += subprocess.MaxChunkBytes {
		end := off + subprocess.MaxChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := subprocess.NewAudioChunk(sampleRate, pcm[off:end])
		if err := writeAndFlush(resp, out, chunk); err != nil {
			return err
		}
	}

	return writeAndFlush(resp, out, subprocess.Message{Type: subprocess.TypeStopped}, subprocess.Message{Type: subprocess.TypeEOF})
}

// toneFor deterministically derives a short sine-wave tone's duration from
// the request text length, standing in for a real synthesis model: longer
// text takes proportionally longer to "speak", matching the latency shape a
// caller would see from a real engine.
func toneFor(text string, speed float64) []byte {
	const msPerChar = 60.0
	duration := time.Duration(float64(len(text))*msPerChar/speed) * time.Millisecond
	if duration < 200*time.Millisecond {
		duration = 200 * time.Millisecond
	}
	samples := int(duration.Seconds() * float64(sampleRate))

	pcm := make([]byte, samples*2)
	const freq = 220.0
	for i := 0; i < samples; i++ {
		v := int16(4000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}

func writeAndFlush(resp *subprocess.ResponseWriter, out *bufio.Writer, msgs ...subprocess.Message) error {
	for _, m := range msgs {
		if err := resp.WriteMessage(m); err != nil {
			return err
		}
	}
	return out.Flush()
}
