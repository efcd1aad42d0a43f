package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
)

// journalTimeout bounds each write so a locked database cannot stall the
// transcription worker.
const journalTimeout = 2 * time.Second

type entryPayload struct {
	Sequence  uint64 `json:"sequence,omitempty"`
	Chars     int    `json:"chars,omitempty"`
	AudioMS   int64  `json:"audio_ms,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Journal returns a pipeline observer that records every event of every run
// under nodeID. Write failures are logged and otherwise ignored.
func (s *Store) Journal(nodeID string) func(pipeline.Event) {
	return func(ev pipeline.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := s.record(ctx, nodeID, ev); err != nil {
			s.log.Warn("failed to journal pipeline event",
				slog.String("run_id", ev.RunID),
				slog.String("event", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Store) record(ctx context.Context, nodeID string, ev pipeline.Event) error {
	if s.disabled() {
		return nil
	}
	switch ev.Kind {
	case pipeline.EventStarted:
		if err := s.BeginRun(ctx, ev.RunID, nodeID, ev.At); err != nil {
			return err
		}
	case pipeline.EventStopped:
		if err := s.EndRun(ctx, ev.RunID, ev.At); err != nil {
			return err
		}
	}

	payload := entryPayload{LatencyMS: ev.Latency.Milliseconds()}
	if ev.Kind == pipeline.EventSegment {
		payload.Sequence = ev.Segment.Sequence
		payload.Chars = len(ev.Segment.Text)
		payload.AudioMS = ev.Segment.Audio.Milliseconds()
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.Append(ctx, Entry{RunID: ev.RunID, Type: string(ev.Kind), Payload: data, CreatedAt: ev.At})
}
