package capture

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/nats-io/nats.go"
)

// StreamConfigFrom maps capture settings onto a StreamConfig.
func StreamConfigFrom(cfg config.CaptureConfig) StreamConfig {
	return StreamConfig{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		FrameDurationMS: cfg.FrameDurationMS,
	}
}

// NewDevice builds the device selected by cfg.Device. conn is only used by the
// bus device and may be nil otherwise.
func NewDevice(cfg config.CaptureConfig, conn *nats.Conn, logger *slog.Logger) (Device, error) {
	switch cfg.Device {
	case "exec":
		return NewExecDevice(cfg.Command, logger)
	case "wav":
		return NewWAVDevice(cfg.WAVPath, cfg.Realtime, logger), nil
	case "bus":
		if conn == nil {
			return nil, fmt.Errorf("capture device %q requires the bus", cfg.Device)
		}
		return NewBusDevice(conn, cfg.Subject, logger), nil
	default:
		return nil, fmt.Errorf("unknown capture device %q", cfg.Device)
	}
}
