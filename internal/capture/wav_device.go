package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// WAVDevice replays a WAV file as if it were a microphone. With Realtime set
// frames are paced at their natural duration; otherwise they are delivered as
// fast as the sink accepts them.
type WAVDevice struct {
	path     string
	realtime bool
	logger   *slog.Logger
}

func NewWAVDevice(path string, realtime bool, logger *slog.Logger) *WAVDevice {
	return &WAVDevice{path: path, realtime: realtime, logger: logger.With(slog.String("component", "capture-wav"))}
}

// WAVStream is the open replay. Done is closed when the file is exhausted or
// the stream is closed.
type WAVStream struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (d *WAVDevice) Open(ctx context.Context, cfg StreamConfig, sink Sink) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples, err := d.load(cfg)
	if err != nil {
		return nil, err
	}

	s := &WAVStream{stop: make(chan struct{}), done: make(chan struct{})}
	frameSamples := cfg.FrameSamples()
	interval := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	go func() {
		defer close(s.done)
		var ticker *time.Ticker
		if d.realtime && interval > 0 {
			ticker = time.NewTicker(interval)
			defer ticker.Stop()
		}
		for off := 0; off < len(samples); off += frameSamples {
			end := min(off+frameSamples, len(samples))
			if ticker != nil {
				select {
				case <-s.stop:
					return
				case <-ticker.C:
				}
			} else {
				select {
				case <-s.stop:
					return
				default:
				}
			}
			sink.OnFrame(samples[off:end])
		}
		d.logger.Info("wav replay finished", slog.String("path", d.path))
	}()
	return s, nil
}

func (d *WAVDevice) load(cfg StreamConfig) ([]float32, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("open wav: %s is not a valid wav file", d.path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if int(dec.SampleRate) != cfg.SampleRate {
		return nil, fmt.Errorf("wav sample rate %d does not match stream rate %d", dec.SampleRate, cfg.SampleRate)
	}
	if int(dec.NumChans) != cfg.Channels {
		return nil, fmt.Errorf("wav has %d channels, stream expects %d", dec.NumChans, cfg.Channels)
	}
	depth := int(dec.BitDepth)
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("unsupported wav bit depth %d", depth)
	}
	scale := float32(int64(1) << (depth - 1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out, nil
}

func (s *WAVStream) Done() <-chan struct{} { return s.done }

func (s *WAVStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}
