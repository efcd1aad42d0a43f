// Package capture binds audio input devices to the pipeline's frame queue.
//
// A Device delivers mono frames to a Sink from its own goroutine.
// Capture is the Sink: it rescales each frame to the 16-bit integer
// domain, applies a hard noise gate on the mean absolute amplitude, and pushes
// surviving frames onto the frame queue. It never performs I/O and never
// waits beyond the queue's append.
package capture

import (
	"context"
	"sync/atomic"

	"github.com/loqalabs/loqa-transcribe/internal/queue"
	"github.com/loqalabs/loqa-transcribe/internal/window"
)

// DefaultNoiseGate is the mean absolute amplitude, on the int16 scale, at or
// below which a frame is treated as silence.
const DefaultNoiseGate = 10

// Frame is one admitted chunk of 16 kHz mono audio.
type Frame struct {
	Seq     uint64
	Samples []int16
}

// Sink receives frames from a Device. Devices producing float samples call
// OnFrame; devices that already deliver 16-bit PCM call OnPCM. Both run on the
// device goroutine and must not block.
type Sink interface {
	OnFrame(samples []float32)
	OnPCM(pcm []int16)
}

// StreamConfig describes the stream a Device must open.
type StreamConfig struct {
	SampleRate      int
	Channels        int
	FrameDurationMS int
}

// FrameSamples is the number of samples per frame for the configured duration.
func (c StreamConfig) FrameSamples() int {
	n := c.SampleRate * c.FrameDurationMS / 1000
	if n <= 0 {
		return 480
	}
	return n
}

// Stream is an open capture stream. Close stops callbacks; it may be called
// more than once.
type Stream interface {
	Close() error
}

// Device opens capture streams.
type Device interface {
	Open(ctx context.Context, cfg StreamConfig, sink Sink) (Stream, error)
}

// Stats counts gate decisions since the Capture was created.
type Stats struct {
	Admitted uint64
	Gated    uint64
}

// Capture gates device frames and enqueues the survivors.
type Capture struct {
	gate   float64
	frames *queue.Queue[Frame]
	seq    atomic.Uint64

	admitted atomic.Uint64
	gated    atomic.Uint64
	onFrame  func(admitted bool)
}

// New returns a Capture that pushes onto frames. A negative gate is treated as
// zero.
func New(frames *queue.Queue[Frame], noiseGate int) *Capture {
	if noiseGate < 0 {
		noiseGate = 0
	}
	return &Capture{gate: float64(noiseGate), frames: frames}
}

// Observe installs a hook called after every gate decision. It must be
// non-blocking; it runs on the device goroutine. Set before the stream opens.
func (c *Capture) Observe(fn func(admitted bool)) {
	c.onFrame = fn
}

// OnFrame gates a float frame after rescaling it to the int16 domain.
func (c *Capture) OnFrame(samples []float32) {
	if len(samples) == 0 {
		return
	}
	c.OnPCM(ToInt16(samples))
}

// OnPCM gates a frame already on the int16 scale. The slice is retained.
func (c *Capture) OnPCM(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	admitted := MeanAbsAmplitude(pcm) > c.gate
	if admitted {
		c.frames.Push(Frame{Seq: c.seq.Add(1), Samples: pcm})
		c.admitted.Add(1)
	} else {
		c.gated.Add(1)
	}
	if c.onFrame != nil {
		c.onFrame(admitted)
	}
}

func (c *Capture) Stats() Stats {
	return Stats{Admitted: c.admitted.Load(), Gated: c.gated.Load()}
}

// ToInt16 rescales float samples to the int16 range, clamping out-of-range
// values.
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = window.ToPCM(s)
	}
	return out
}

// ToFloat32 rescales int16 samples to [-1, 1).
func ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = window.FromPCM(s)
	}
	return out
}

// MeanAbsAmplitude is the mean of |sample| over the frame.
func MeanAbsAmplitude(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum int64
	for _, s := range pcm {
		v := int64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return float64(sum) / float64(len(pcm))
}
