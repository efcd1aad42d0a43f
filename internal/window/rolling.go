// Package window holds the transcription worker's rolling audio buffer.
package window

import (
	"math"
	"time"
)

// PCMScale maps 16-bit PCM onto [-1, 1). Both directions use it, so an int16
// sample survives a float round trip unchanged.
const PCMScale = 32768

// FromPCM rescales one 16-bit sample to [-1, 1).
func FromPCM(s int16) float32 {
	return float32(s) / PCMScale
}

// ToPCM rescales one float sample to the int16 range, clamping values
// outside [-1, 1).
func ToPCM(s float32) int16 {
	v := math.Round(float64(s) * PCMScale)
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// Rolling accumulates mono float samples at a fixed rate. It is owned by a
// single goroutine and is not safe for concurrent use.
type Rolling struct {
	rate    int
	samples []float32
}

// New returns an empty buffer for audio at sampleRate Hz.
func New(sampleRate int) *Rolling {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Rolling{rate: sampleRate}
}

// AppendPCM rescales 16-bit samples to [-1, 1) and appends them.
func (r *Rolling) AppendPCM(pcm []int16) {
	for _, s := range pcm {
		r.samples = append(r.samples, FromPCM(s))
	}
}

func (r *Rolling) Append(samples []float32) {
	r.samples = append(r.samples, samples...)
}

func (r *Rolling) Len() int { return len(r.samples) }

func (r *Rolling) SampleRate() int { return r.rate }

// Duration is the length of the buffered audio.
func (r *Rolling) Duration() time.Duration {
	return SamplesToDuration(len(r.samples), r.rate)
}

// Samples returns a copy of the buffered audio.
func (r *Rolling) Samples() []float32 {
	out := make([]float32, len(r.samples))
	copy(out, r.samples)
	return out
}

// KeepTail discards everything but the trailing d of audio. The retained tail
// is copied so the discarded prefix can be collected.
func (r *Rolling) KeepTail(d time.Duration) {
	keep := DurationToSamples(d, r.rate)
	if keep >= len(r.samples) {
		return
	}
	if keep <= 0 {
		r.samples = nil
		return
	}
	tail := make([]float32, keep)
	copy(tail, r.samples[len(r.samples)-keep:])
	r.samples = tail
}

func (r *Rolling) Reset() {
	r.samples = nil
}

func SamplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

func DurationToSamples(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
