package stt

import (
	"context"
	"strings"
	"time"
)

// Segment is one span of recognised speech. Start and End are offsets into
// the audio handed to Transcribe.
type Segment struct {
	Text  string        `json:"text"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Options are per-call decoding parameters.
type Options struct {
	Language      string
	BeamSize      int
	VADFilter     bool
	VADMinSilence time.Duration
	VADThreshold  float64
}

// Recognizer abstracts STT backends. Samples are 16 kHz mono in [-1, 1].
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error)
	Close() error
}

// JoinText concatenates segment texts verbatim and trims the result.
func JoinText(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString(s.Text)
	}
	return strings.TrimSpace(b.String())
}
