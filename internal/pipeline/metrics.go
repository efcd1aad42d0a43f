package pipeline

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-transcribe/internal/pipeline"

// latencyBuckets are histogram boundaries in seconds sized for model passes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

type metrics struct {
	framesAdmitted    metric.Int64Counter
	framesGated       metric.Int64Counter
	inferenceDuration metric.Float64Histogram
	inferenceErrors   metric.Int64Counter
	segments          metric.Int64Counter

	backlog  metric.Int64ObservableGauge
	buffered metric.Float64ObservableGauge
	reg      metric.Registration
}

// gaugeSource feeds the observable gauges. Values are read on collection.
type gaugeSource struct {
	frameBacklog    func() int
	bufferedSeconds atomic.Value // float64
}

func newMetrics(mp metric.MeterProvider, src *gaugeSource) (*metrics, error) {
	m := mp.Meter(meterName)
	met := &metrics{}
	var err error

	if met.framesAdmitted, err = m.Int64Counter("loqa.capture.frames.admitted",
		metric.WithDescription("Capture frames that passed the noise gate."),
	); err != nil {
		return nil, err
	}
	if met.framesGated, err = m.Int64Counter("loqa.capture.frames.gated",
		metric.WithDescription("Capture frames dropped by the noise gate."),
	); err != nil {
		return nil, err
	}
	if met.inferenceDuration, err = m.Float64Histogram("loqa.stt.inference.duration",
		metric.WithDescription("Latency of one speech recognition pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.inferenceErrors, err = m.Int64Counter("loqa.stt.inference.errors",
		metric.WithDescription("Speech recognition passes that failed."),
	); err != nil {
		return nil, err
	}
	if met.segments, err = m.Int64Counter("loqa.stt.segments",
		metric.WithDescription("Transcript segments emitted."),
	); err != nil {
		return nil, err
	}
	if met.backlog, err = m.Int64ObservableGauge("loqa.pipeline.frame_backlog",
		metric.WithDescription("Frames waiting for the transcription worker."),
	); err != nil {
		return nil, err
	}
	if met.buffered, err = m.Float64ObservableGauge("loqa.pipeline.buffered_seconds",
		metric.WithDescription("Audio held in the rolling buffer."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	met.reg, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(met.backlog, int64(src.frameBacklog()))
		if v, ok := src.bufferedSeconds.Load().(float64); ok {
			o.ObserveFloat64(met.buffered, v)
		}
		return nil
	}, met.backlog, met.buffered)
	if err != nil {
		return nil, err
	}
	return met, nil
}
