package capture

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusDevice captures audio published by edge devices as protocol.AudioFrame
// messages.
type BusDevice struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewBusDevice(conn *nats.Conn, subject string, logger *slog.Logger) *BusDevice {
	return &BusDevice{conn: conn, subject: subject, logger: logger.With(slog.String("component", "capture-bus"))}
}

type busStream struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (d *BusDevice) Open(ctx context.Context, cfg StreamConfig, sink Sink) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.conn == nil {
		return nil, fmt.Errorf("bus capture requires a NATS connection")
	}
	sub, err := d.conn.Subscribe(d.subject, func(msg *nats.Msg) {
		var frame protocol.AudioFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			d.logger.Warn("failed to decode audio frame", slogError(err))
			return
		}
		if frame.SampleRate != 0 && frame.SampleRate != cfg.SampleRate {
			d.logger.Warn("dropping audio frame with foreign sample rate", slog.Int("sample_rate", frame.SampleRate))
			return
		}
		if frame.Channels != 0 && frame.Channels != cfg.Channels {
			d.logger.Warn("dropping audio frame with foreign channel count", slog.Int("channels", frame.Channels))
			return
		}
		sink.OnPCM(decodePCM(frame.PCM))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	if err := d.conn.FlushTimeout(2 * time.Second); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush audio subscription: %w", err)
	}
	d.logger.Info("capture stream opened", slog.String("subject", d.subject))
	return &busStream{sub: sub}, nil
}

func (s *busStream) Close() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}

func decodePCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}
