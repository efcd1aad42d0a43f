package stt

import (
	"context"
	"sync/atomic"
	"time"
)

// MockRecognizer returns a fixed text for any buffer holding at least
// MinSamples samples. Delay simulates a slow model; it is not interrupted by
// ctx, matching backends that cannot abort a pass.
type MockRecognizer struct {
	Text       string
	MinSamples int
	Delay      time.Duration
	Err        error

	calls  atomic.Int64
	closed atomic.Bool
}

func NewMockRecognizer(text string, minSamples int) *MockRecognizer {
	return &MockRecognizer{Text: text, MinSamples: minSamples}
}

func (m *MockRecognizer) Transcribe(_ context.Context, samples []float32, _ Options) ([]Segment, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if len(samples) < m.MinSamples || m.Text == "" {
		return nil, nil
	}
	return []Segment{{Text: m.Text, End: time.Duration(len(samples)) * time.Second / 16000}}, nil
}

// Calls is the number of Transcribe invocations so far.
func (m *MockRecognizer) Calls() int64 { return m.calls.Load() }

func (m *MockRecognizer) Closed() bool { return m.closed.Load() }

func (m *MockRecognizer) Close() error {
	m.closed.Store(true)
	return nil
}
