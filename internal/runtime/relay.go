package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

// relay is the transcript consumer when relay.enabled is set: it polls the
// pipeline and republishes every segment on the bus.
type relay struct {
	pipeline *pipeline.Pipeline
	bus      *bus.Client
	subject  string
	nodeID   string
	interval time.Duration
	logger   *slog.Logger
}

func newRelay(p *pipeline.Pipeline, busClient *bus.Client, subject, nodeID string, interval time.Duration, logger *slog.Logger) *relay {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &relay{
		pipeline: p,
		bus:      busClient,
		subject:  subject,
		nodeID:   nodeID,
		interval: interval,
		logger:   logger.With(slog.String("component", "relay")),
	}
}

func (r *relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("transcript relay started", slog.String("subject", r.subject))
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush publishes everything currently queued, oldest first.
func (r *relay) flush() {
	for {
		seg, ok := r.pipeline.Transcription()
		if !ok {
			return
		}
		msg := protocol.Transcript{
			SessionID: seg.RunID,
			Sequence:  seg.Sequence,
			Text:      seg.Text,
			Partial:   false,
			AudioMS:   seg.Audio.Milliseconds(),
			Timestamp: seg.Produced.UTC(),
		}
		if err := r.bus.PublishJSON(r.subject, msg); err != nil {
			r.logger.Warn("failed to publish transcript",
				slog.String("run_id", seg.RunID),
				slog.Uint64("sequence", seg.Sequence),
				slog.String("error", err.Error()),
			)
		}
	}
}
