// Package pipeline runs live transcription: a capture stream feeding a single
// worker goroutine that windows audio, runs the recognizer and queues text
// for a polling consumer.
//
// A Pipeline is an explicit handle. It moves between Idle and Running only
// through Start and Stop, and every run gets fresh frame and transcript
// queues so nothing from a previous run can surface after Stop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/queue"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("pipeline closed")

type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Segment is the text of one inference pass.
type Segment struct {
	RunID    string        `json:"run_id"`
	Sequence uint64        `json:"sequence"`
	Text     string        `json:"text"`
	Audio    time.Duration `json:"audio"`
	Latency  time.Duration `json:"latency"`
	Produced time.Time     `json:"produced"`
}

// Config holds the pipeline's tunables.
type Config struct {
	Stream       capture.StreamConfig
	NoiseGate    int
	MinWindow    time.Duration
	KeepWindow   time.Duration
	PollInterval time.Duration
	JoinTimeout  time.Duration
	Options      stt.Options
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Stream:       capture.StreamConfigFrom(cfg.Capture),
		NoiseGate:    cfg.Capture.NoiseGate,
		MinWindow:    cfg.Pipeline.MinWindow(),
		KeepWindow:   cfg.Pipeline.KeepWindow(),
		PollInterval: cfg.Pipeline.PollInterval(),
		JoinTimeout:  cfg.Pipeline.JoinTimeout(),
		Options:      stt.OptionsFrom(cfg.STT),
	}
}

// DefaultConfig is ConfigFrom(config.Default()).
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pipeline) { p.meterProvider = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(meterName) }
}

// WithObserver registers fn for lifecycle events. It is called synchronously
// from Start, Stop and the worker goroutine.
func WithObserver(fn func(Event)) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, fn) }
}

type Pipeline struct {
	device     capture.Device
	recognizer stt.Recognizer
	cfg        Config

	logger        *slog.Logger
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	metrics       *metrics
	gauges        *gaugeSource
	observers     []func(Event)

	mu     sync.Mutex
	run    *run
	closed bool

	state       atomic.Int32
	frames      atomic.Pointer[queue.Queue[capture.Frame]]
	transcripts atomic.Pointer[queue.Queue[Segment]]
}

type run struct {
	id          string
	started     time.Time
	frames      *queue.Queue[capture.Frame]
	transcripts *queue.Queue[Segment]
	capture     *capture.Capture
	stream      capture.Stream
	cancel      context.CancelFunc
	done        chan struct{}
}

// New wires a pipeline around an already constructed device and recognizer.
// The recognizer is owned by the pipeline from here on and released by Close.
func New(device capture.Device, recognizer stt.Recognizer, cfg Config, opts ...Option) (*Pipeline, error) {
	if device == nil {
		return nil, errors.New("pipeline requires a capture device")
	}
	if recognizer == nil {
		return nil, errors.New("pipeline requires a recognizer")
	}
	p := &Pipeline{
		device:     device,
		recognizer: recognizer,
		cfg:        cfg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "pipeline"))
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer(meterName)
	}
	p.gauges = &gaugeSource{frameBacklog: func() int {
		frames, _ := p.Backlog()
		return frames
	}}
	p.gauges.bufferedSeconds.Store(float64(0))
	m, err := newMetrics(p.meterProvider, p.gauges)
	if err != nil {
		return nil, fmt.Errorf("create pipeline metrics: %w", err)
	}
	p.metrics = m
	return p, nil
}

// Start opens the capture stream and launches the worker. It is a no-op
// while Running. On failure the pipeline stays Idle. ctx bounds opening the
// device only; the run lasts until Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.run != nil {
		return nil
	}

	r := &run{
		id:          uuid.NewString(),
		frames:      queue.New[capture.Frame](),
		transcripts: queue.New[Segment](),
		done:        make(chan struct{}),
	}
	r.capture = capture.New(r.frames, p.cfg.NoiseGate)
	r.capture.Observe(func(admitted bool) {
		if admitted {
			p.metrics.framesAdmitted.Add(context.Background(), 1)
		} else {
			p.metrics.framesGated.Add(context.Background(), 1)
		}
	})

	stream, err := p.device.Open(ctx, p.cfg.Stream, r.capture)
	if err != nil {
		p.logger.Error("failed to open capture stream", slogError(err))
		return fmt.Errorf("open capture stream: %w", err)
	}
	r.stream = stream
	r.started = time.Now()

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel

	p.frames.Store(r.frames)
	p.transcripts.Store(r.transcripts)
	p.run = r
	p.state.Store(int32(Running))

	w := newWorker(p, r)
	go w.loop(workerCtx)

	p.logger.Info("pipeline started", slog.String("run_id", r.id))
	p.emit(Event{Kind: EventStarted, RunID: r.id, At: r.started})
	return nil
}

// Stop ends the current run. It is a no-op while Idle. Every teardown step is
// attempted; failures are logged and never returned. The worker gets at most
// JoinTimeout to finish an in-flight pass, after which Stop proceeds and the
// worker's late output is discarded with its run.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pipeline) stopLocked() {
	r := p.run
	if r == nil {
		return
	}

	var errs []error
	r.cancel()
	if err := r.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close capture stream: %w", err))
	}

	timer := time.NewTimer(p.cfg.JoinTimeout)
	select {
	case <-r.done:
	case <-timer.C:
		errs = append(errs, fmt.Errorf("worker still busy after %s", p.cfg.JoinTimeout))
	}
	timer.Stop()

	p.frames.Store(nil)
	p.transcripts.Store(nil)
	droppedFrames := r.frames.Clear()
	droppedTranscripts := r.transcripts.Clear()
	p.gauges.bufferedSeconds.Store(float64(0))

	p.run = nil
	p.state.Store(int32(Idle))

	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("pipeline teardown incomplete", slog.String("run_id", r.id), slogError(err))
	}
	stats := r.capture.Stats()
	p.logger.Info("pipeline stopped",
		slog.String("run_id", r.id),
		slog.Duration("uptime", time.Since(r.started)),
		slog.Uint64("frames_admitted", stats.Admitted),
		slog.Uint64("frames_gated", stats.Gated),
		slog.Int("frames_discarded", droppedFrames),
		slog.Int("transcripts_discarded", droppedTranscripts),
	)
	p.emit(Event{Kind: EventStopped, RunID: r.id, At: time.Now()})
}

// Close stops the pipeline and releases the recognizer. Later calls return
// nil.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.stopLocked()
	p.closed = true

	var errs []error
	if p.metrics.reg != nil {
		if err := p.metrics.reg.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.recognizer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close recognizer: %w", err))
	}
	return errors.Join(errs...)
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// RunID identifies the current run, or "" while Idle.
func (p *Pipeline) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		return ""
	}
	return p.run.id
}

// Backlog reports queued frames and unconsumed transcripts.
func (p *Pipeline) Backlog() (frames, transcripts int) {
	if q := p.frames.Load(); q != nil {
		frames = q.Len()
	}
	if q := p.transcripts.Load(); q != nil {
		transcripts = q.Len()
	}
	return frames, transcripts
}

// Transcription returns the oldest unconsumed segment without blocking.
func (p *Pipeline) Transcription() (Segment, bool) {
	q := p.transcripts.Load()
	if q == nil {
		return Segment{}, false
	}
	return q.TryPop()
}

func (p *Pipeline) emit(ev Event) {
	for _, fn := range p.observers {
		fn(ev)
	}
}

func (p *Pipeline) spanAttrs(r *run, samples int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("loqa.run_id", r.id),
		attribute.Float64("loqa.audio_seconds", float64(samples)/float64(p.sampleRate())),
	)
}

func (p *Pipeline) sampleRate() int {
	if p.cfg.Stream.SampleRate <= 0 {
		return 16000
	}
	return p.cfg.Stream.SampleRate
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
