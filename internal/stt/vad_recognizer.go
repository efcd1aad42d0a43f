package stt

import (
	"context"

	"github.com/loqalabs/loqa-transcribe/internal/vad"
)

type vadRecognizer struct {
	next       Recognizer
	sampleRate int
}

// WithVAD strips long silences from each window before it reaches next. It
// only acts when Options.VADFilter is set, and skips inference entirely when
// no voiced audio remains.
func WithVAD(next Recognizer, sampleRate int) Recognizer {
	return &vadRecognizer{next: next, sampleRate: sampleRate}
}

func (r *vadRecognizer) Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error) {
	if !opts.VADFilter {
		return r.next.Transcribe(ctx, samples, opts)
	}
	cfg := vad.DefaultConfig()
	cfg.SampleRate = r.sampleRate
	if opts.VADMinSilence > 0 {
		cfg.MinSilence = opts.VADMinSilence
	}
	if opts.VADThreshold > 0 {
		cfg.Threshold = opts.VADThreshold
	}
	voiced := vad.New(cfg).Apply(samples)
	if len(voiced) == 0 {
		return nil, nil
	}
	return r.next.Transcribe(ctx, voiced, opts)
}

func (r *vadRecognizer) Close() error {
	return r.next.Close()
}

type minSamplesRecognizer struct {
	next       Recognizer
	minSamples int
}

// WithMinSamples skips windows shorter than minSamples. Placed outside
// WithVAD it judges the window as captured, not what survives the filter.
func WithMinSamples(next Recognizer, minSamples int) Recognizer {
	return &minSamplesRecognizer{next: next, minSamples: minSamples}
}

func (r *minSamplesRecognizer) Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error) {
	if len(samples) < r.minSamples {
		return nil, nil
	}
	return r.next.Transcribe(ctx, samples, opts)
}

func (r *minSamplesRecognizer) Close() error {
	return r.next.Close()
}
