package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDevice records how often it is opened and hands the test the sink.
type fakeDevice struct {
	mu      sync.Mutex
	sink    capture.Sink
	opens   atomic.Int32
	closes  atomic.Int32
	openErr error
}

type fakeStream struct {
	dev  *fakeDevice
	once sync.Once
}

func (d *fakeDevice) Open(_ context.Context, _ capture.StreamConfig, sink capture.Sink) (capture.Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens.Add(1)
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
	return &fakeStream{dev: d}, nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		s.dev.closes.Add(1)
		s.dev.mu.Lock()
		s.dev.sink = nil
		s.dev.mu.Unlock()
	})
	return nil
}

// feed pushes n frames of 480 constant samples through the open stream.
func (d *fakeDevice) feed(n int, amplitude int16) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink == nil {
		return
	}
	for i := 0; i < n; i++ {
		pcm := make([]int16, 480)
		for j := range pcm {
			pcm[j] = amplitude
		}
		sink.OnPCM(pcm)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Options.VADFilter = false
	return cfg
}

func newTestPipeline(t *testing.T, dev capture.Device, rec stt.Recognizer, cfg Config, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{
		WithLogger(newLogger()),
		WithMeterProvider(sdkmetric.NewMeterProvider()),
		WithTracerProvider(noop.NewTracerProvider()),
	}, opts...)
	p, err := New(dev, rec, cfg, opts...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestStopNeverStarted(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(t, dev, stt.NewMockRecognizer("hello world", 8000), testConfig())
	p.Stop()
	p.Stop()
	if p.State() != Idle {
		t.Fatalf("expected idle, got %s", p.State())
	}
	if dev.opens.Load() != 0 || dev.closes.Load() != 0 {
		t.Fatal("stop on a never-started pipeline touched the device")
	}
}

func TestTranscriptionEmpty(t *testing.T) {
	p := newTestPipeline(t, &fakeDevice{}, stt.NewMockRecognizer("hello world", 8000), testConfig())
	if _, ok := p.Transcription(); ok {
		t.Fatal("expected no transcription before start")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := p.Transcription(); ok {
		t.Fatal("expected no transcription without audio")
	}
}

// Silence never reaches the recognizer.
func TestSilenceProducesNothing(t *testing.T) {
	dev := &fakeDevice{}
	rec := stt.NewMockRecognizer("hello world", 8000)
	p := newTestPipeline(t, dev, rec, testConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Two seconds of 30 ms frames.
	dev.feed(67, 0)
	time.Sleep(200 * time.Millisecond)

	if _, ok := p.Transcription(); ok {
		t.Fatal("expected no transcript for silence")
	}
	if rec.Calls() != 0 {
		t.Fatalf("expected no inference, got %d calls", rec.Calls())
	}
	if frames, _ := p.Backlog(); frames != 0 {
		t.Fatalf("expected gated frames to stay out of the queue, got %d", frames)
	}
}

// Half a second of speech yields exactly one segment.
func TestHalfSecondYieldsOneSegment(t *testing.T) {
	dev := &fakeDevice{}
	rec := stt.NewMockRecognizer("hello world", 8000)
	p := newTestPipeline(t, dev, rec, testConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.feed(17, 1000)

	var got []Segment
	ok := waitFor(t, 2*time.Second, func() bool {
		if seg, ok := p.Transcription(); ok {
			got = append(got, seg)
		}
		return len(got) > 0
	})
	if !ok {
		t.Fatal("expected a transcript segment")
	}
	time.Sleep(200 * time.Millisecond)
	for {
		seg, ok := p.Transcription()
		if !ok {
			break
		}
		got = append(got, seg)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one segment, got %d", len(got))
	}
	if got[0].Text != "hello world" {
		t.Fatalf("unexpected text %q", got[0].Text)
	}
	if got[0].RunID != p.RunID() || got[0].Sequence != 1 {
		t.Fatalf("unexpected segment identity %+v", got[0])
	}
}

// A second Start opens nothing new.
func TestStartIdempotent(t *testing.T) {
	dev := &fakeDevice{}
	p := newTestPipeline(t, dev, stt.NewMockRecognizer("hello world", 8000), testConfig())
	for i := 0; i < 3; i++ {
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if dev.opens.Load() != 1 {
		t.Fatalf("expected one stream, got %d", dev.opens.Load())
	}
	if p.State() != Running {
		t.Fatalf("expected running, got %s", p.State())
	}
	p.Stop()
	if dev.closes.Load() != 1 {
		t.Fatalf("expected stream closed once, got %d", dev.closes.Load())
	}
}

// Stop is bounded by the join timeout while a pass is stuck.
func TestStopBoundedBySlowInference(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the join timeout")
	}
	dev := &fakeDevice{}
	rec := stt.NewMockRecognizer("late", 8000)
	rec.Delay = 5 * time.Second
	cfg := testConfig()
	cfg.JoinTimeout = 2 * time.Second
	p := newTestPipeline(t, dev, rec, cfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.feed(20, 1000)
	if !waitFor(t, 2*time.Second, func() bool { return rec.Calls() > 0 }) {
		t.Fatal("inference never started")
	}

	start := time.Now()
	p.Stop()
	elapsed := time.Since(start)
	if elapsed < cfg.JoinTimeout || elapsed > cfg.JoinTimeout+time.Second {
		t.Fatalf("stop took %s, expected about %s", elapsed, cfg.JoinTimeout)
	}
	if p.State() != Idle {
		t.Fatalf("expected idle, got %s", p.State())
	}
	if _, ok := p.Transcription(); ok {
		t.Fatal("expected no transcription after stop")
	}
}

func TestStopDrainsQueues(t *testing.T) {
	dev := &fakeDevice{}
	rec := stt.NewMockRecognizer("hello world", 8000)
	p := newTestPipeline(t, dev, rec, testConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.feed(40, 1000)
	if !waitFor(t, 2*time.Second, func() bool {
		_, transcripts := p.Backlog()
		return transcripts > 0
	}) {
		t.Fatal("expected an unconsumed transcript")
	}
	p.Stop()

	frames, transcripts := p.Backlog()
	if frames != 0 || transcripts != 0 {
		t.Fatalf("expected empty queues after stop, got %d frames and %d transcripts", frames, transcripts)
	}
	if _, ok := p.Transcription(); ok {
		t.Fatal("expected no transcription after stop")
	}

	// A restart begins from a clean slate.
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, ok := p.Transcription(); ok {
		t.Fatal("stale transcript surfaced after restart")
	}
	if dev.opens.Load() != 2 {
		t.Fatalf("expected a second stream, got %d opens", dev.opens.Load())
	}
}

func TestTranscriptionFIFO(t *testing.T) {
	dev := &fakeDevice{}
	rec := &countingRecognizer{}
	p := newTestPipeline(t, dev, rec, testConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		dev.feed(17, 1000)
		n := int64(i + 1)
		if !waitFor(t, 2*time.Second, func() bool { return rec.calls.Load() >= n }) {
			t.Fatalf("pass %d never ran", i+1)
		}
	}
	want := []string{"pass 1", "pass 2", "pass 3"}
	for i, text := range want {
		var seg Segment
		if !waitFor(t, time.Second, func() bool {
			var ok bool
			seg, ok = p.Transcription()
			return ok
		}) {
			t.Fatalf("missing segment %d", i)
		}
		if seg.Text != text || seg.Sequence != uint64(i+1) {
			t.Fatalf("segment %d = %+v, want %q", i, seg, text)
		}
	}
}

func TestStartFailureStaysIdle(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("no microphone")}
	p := newTestPipeline(t, dev, stt.NewMockRecognizer("hello world", 8000), testConfig())
	err := p.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if !errors.Is(err, dev.openErr) {
		t.Fatalf("expected wrapped device error, got %v", err)
	}
	if p.State() != Idle {
		t.Fatalf("expected idle, got %s", p.State())
	}
	p.Stop()
}

func TestInferenceErrorKeepsRunning(t *testing.T) {
	dev := &fakeDevice{}
	rec := stt.NewMockRecognizer("hello world", 8000)
	rec.Err = errors.New("model hiccup")

	var mu sync.Mutex
	var kinds []EventKind
	p := newTestPipeline(t, dev, rec, testConfig(), WithObserver(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.feed(17, 1000)
	if !waitFor(t, 2*time.Second, func() bool { return rec.Calls() > 0 }) {
		t.Fatal("inference never ran")
	}
	if p.State() != Running {
		t.Fatalf("expected pipeline to keep running, got %s", p.State())
	}
	if _, ok := p.Transcription(); ok {
		t.Fatal("expected no transcript from a failed pass")
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 3 || kinds[0] != EventStarted || kinds[1] != EventInferenceFailed || kinds[2] != EventStopped {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestRecognizerPanicIsContained(t *testing.T) {
	dev := &fakeDevice{}
	rec := &panicRecognizer{}
	p := newTestPipeline(t, dev, rec, testConfig())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.feed(17, 1000)
	if !waitFor(t, 2*time.Second, func() bool { return rec.calls.Load() > 0 }) {
		t.Fatal("inference never ran")
	}
	dev.feed(17, 1000)
	if !waitFor(t, 2*time.Second, func() bool { return rec.calls.Load() > 1 }) {
		t.Fatal("worker did not survive the panic")
	}
}

func TestCloseReleasesRecognizer(t *testing.T) {
	dev := &fakeDevice{}
	rec := stt.NewMockRecognizer("hello world", 8000)
	p, err := New(dev, rec, testConfig(), WithLogger(newLogger()), WithMeterProvider(sdkmetric.NewMeterProvider()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !rec.Closed() {
		t.Fatal("expected recognizer closed")
	}
	if p.State() != Idle || dev.closes.Load() != 1 {
		t.Fatal("expected close to stop the run")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	dev := &fakeDevice{}
	rec := stt.NewMockRecognizer("hello world", 8000)
	p := newTestPipeline(t, dev, rec, testConfig(), WithMeterProvider(mp))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.feed(3, 0)
	dev.feed(17, 1000)
	if !waitFor(t, 2*time.Second, func() bool {
		_, transcripts := p.Backlog()
		return transcripts > 0
	}) {
		t.Fatal("expected a transcript")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumInt64(t, rm, "loqa.capture.frames.admitted"); got != 17 {
		t.Fatalf("admitted = %d, want 17", got)
	}
	if got := sumInt64(t, rm, "loqa.capture.frames.gated"); got != 3 {
		t.Fatalf("gated = %d, want 3", got)
	}
	if got := sumInt64(t, rm, "loqa.stt.segments"); got != 1 {
		t.Fatalf("segments = %d, want 1", got)
	}
	m := findMetric(rm, "loqa.stt.inference.duration")
	if m == nil {
		t.Fatal("inference duration not recorded")
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("unexpected histogram %+v", m.Data)
	}
	if findMetric(rm, "loqa.pipeline.buffered_seconds") == nil {
		t.Fatal("buffered seconds gauge missing")
	}
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt64(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %s not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

type countingRecognizer struct {
	calls atomic.Int64
}

func (r *countingRecognizer) Transcribe(context.Context, []float32, stt.Options) ([]stt.Segment, error) {
	n := r.calls.Add(1)
	return []stt.Segment{{Text: " pass "}, {Text: string(rune('0' + n))}}, nil
}

func (r *countingRecognizer) Close() error { return nil }

type panicRecognizer struct {
	calls atomic.Int64
}

func (r *panicRecognizer) Transcribe(context.Context, []float32, stt.Options) ([]stt.Segment, error) {
	if r.calls.Add(1) == 1 {
		panic("corrupt model state")
	}
	return nil, nil
}

func (r *panicRecognizer) Close() error { return nil }
