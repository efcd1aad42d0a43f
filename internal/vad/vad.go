// Package vad implements the energy-based voice activity filter applied to a
// window before it is handed to the recognizer.
package vad

import (
	"math"
	"time"
)

// Config holds voice activity detection parameters.
type Config struct {
	Threshold  float64       // RMS threshold on the [-1, 1] scale
	MinSilence time.Duration // silent runs at least this long are removed
	Pad        time.Duration // audio kept either side of a removed run
	SampleRate int
	FrameMS    int
}

// DefaultConfig returns defaults for 16 kHz audio.
func DefaultConfig() Config {
	return Config{
		Threshold:  0.01,
		MinSilence: 500 * time.Millisecond,
		Pad:        100 * time.Millisecond,
		SampleRate: 16000,
		FrameMS:    30,
	}
}

// Filter removes long silent stretches from a window.
type Filter struct {
	cfg          Config
	frameSamples int
}

func New(cfg Config) *Filter {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = 30
	}
	n := cfg.SampleRate * cfg.FrameMS / 1000
	if n <= 0 {
		n = 1
	}
	return &Filter{cfg: cfg, frameSamples: n}
}

// Apply returns samples with every silent run of at least MinSilence cut down
// to Pad on each side. It returns nil when no frame reaches the threshold.
func (f *Filter) Apply(samples []float32) []float32 {
	if len(samples) == 0 {
		return nil
	}
	voiced := f.classify(samples)
	speech := false
	for _, v := range voiced {
		if v {
			speech = true
			break
		}
	}
	if !speech {
		return nil
	}

	minRun := f.framesFor(f.cfg.MinSilence)
	if minRun < 1 {
		minRun = 1
	}
	pad := f.framesFor(f.cfg.Pad)

	keep := make([]bool, len(voiced))
	for i := range keep {
		keep[i] = true
	}
	for start := 0; start < len(voiced); {
		if voiced[start] {
			start++
			continue
		}
		end := start
		for end < len(voiced) && !voiced[end] {
			end++
		}
		if end-start >= minRun {
			lo, hi := start, end
			if start > 0 {
				lo += pad
			}
			if end < len(voiced) {
				hi -= pad
			}
			for i := lo; i < hi; i++ {
				keep[i] = false
			}
		}
		start = end
	}

	out := make([]float32, 0, len(samples))
	for i, k := range keep {
		if !k {
			continue
		}
		lo := i * f.frameSamples
		hi := min(lo+f.frameSamples, len(samples))
		out = append(out, samples[lo:hi]...)
	}
	return out
}

func (f *Filter) classify(samples []float32) []bool {
	n := (len(samples) + f.frameSamples - 1) / f.frameSamples
	voiced := make([]bool, n)
	for i := range voiced {
		lo := i * f.frameSamples
		hi := min(lo+f.frameSamples, len(samples))
		voiced[i] = RMS(samples[lo:hi]) >= f.cfg.Threshold
	}
	return voiced
}

func (f *Filter) framesFor(d time.Duration) int {
	ms := int(d / time.Millisecond)
	return ms / f.cfg.FrameMS
}

// RMS computes the root-mean-square energy of float samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
