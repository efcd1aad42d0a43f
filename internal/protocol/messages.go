package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
// PCM is little-endian signed 16-bit.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	AudioMS   int64     `json:"audio_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineStatus is published when the live pipeline changes state.
type PipelineStatus struct {
	NodeID    string    `json:"node_id"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectPipelineStatus    = "stt.pipeline.status"
)
