package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/window"
	"go.opentelemetry.io/otel/codes"
)

// worker owns the rolling buffer of one run.
type worker struct {
	p   *Pipeline
	r   *run
	buf *window.Rolling
	seq uint64
	// fresh is set once frames arrive after the last pass so the kept tail
	// alone never triggers another pass.
	fresh bool
}

func newWorker(p *Pipeline, r *run) *worker {
	return &worker{p: p, r: r, buf: window.New(p.sampleRate())}
}

func (w *worker) loop(ctx context.Context) {
	defer close(w.r.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if w.step(ctx) {
			continue
		}
		timer.Reset(w.p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// step drains pending frames and runs one pass when the window is long
// enough. It reports whether a pass ran.
func (w *worker) step(ctx context.Context) bool {
	if frames := w.r.frames.Drain(); len(frames) > 0 {
		for _, f := range frames {
			w.buf.AppendPCM(f.Samples)
		}
		w.fresh = true
	}
	w.p.gauges.bufferedSeconds.Store(w.buf.Duration().Seconds())
	if !w.fresh || w.buf.Duration() < w.p.cfg.MinWindow {
		return false
	}
	w.fresh = false
	w.transcribe(ctx)
	// Truncate after failed passes too so a broken model cannot grow the
	// buffer without bound.
	w.buf.KeepTail(w.p.cfg.KeepWindow)
	w.p.gauges.bufferedSeconds.Store(w.buf.Duration().Seconds())
	return true
}

func (w *worker) transcribe(ctx context.Context) {
	p := w.p
	samples := w.buf.Samples()
	audio := w.buf.Duration()

	ctx, span := p.tracer.Start(ctx, "stt.transcribe", p.spanAttrs(w.r, len(samples)))
	defer span.End()

	start := time.Now()
	segments, err := safeTranscribe(ctx, p.recognizer, samples, p.cfg.Options)
	latency := time.Since(start)
	p.metrics.inferenceDuration.Record(ctx, latency.Seconds())

	// Stop already closed the books on this run; its output goes nowhere.
	if ctx.Err() != nil {
		p.logger.Debug("discarding pass of a stopped run", slog.String("run_id", w.r.id), slog.Duration("latency", latency))
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		p.metrics.inferenceErrors.Add(ctx, 1)
		p.logger.Warn("transcription pass failed",
			slog.String("run_id", w.r.id),
			slog.Duration("audio", audio),
			slogError(err),
		)
		p.emit(Event{Kind: EventInferenceFailed, RunID: w.r.id, At: time.Now(), Latency: latency, Err: err})
		return
	}

	text := stt.JoinText(segments)
	if text == "" {
		p.logger.Debug("transcription pass produced no text", slog.String("run_id", w.r.id), slog.Duration("audio", audio))
		return
	}

	w.seq++
	seg := Segment{
		RunID:    w.r.id,
		Sequence: w.seq,
		Text:     text,
		Audio:    audio,
		Latency:  latency,
		Produced: time.Now(),
	}
	p.metrics.segments.Add(ctx, 1)
	w.r.transcripts.Push(seg)
	p.logger.Debug("transcript segment queued",
		slog.String("run_id", w.r.id),
		slog.Uint64("sequence", seg.Sequence),
		slog.Duration("latency", latency),
	)
	p.emit(Event{Kind: EventSegment, RunID: w.r.id, At: seg.Produced, Segment: seg, Latency: latency})
}

// safeTranscribe turns a recognizer panic into an error so one bad pass does
// not take the worker down.
func safeTranscribe(ctx context.Context, rec stt.Recognizer, samples []float32, opts stt.Options) (segments []stt.Segment, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("recognizer panic: %v", v)
		}
	}()
	return rec.Transcribe(ctx, samples, opts)
}
