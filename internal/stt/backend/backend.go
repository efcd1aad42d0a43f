// Package backend builds the recognizer selected by stt.mode.
package backend

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/stt/whisper"
)

// New constructs the backend and wraps it with the VAD filter. The model is
// loaded here, once.
func New(cfg config.STTConfig, logger *slog.Logger) (stt.Recognizer, error) {
	logger = logger.With(slog.String("component", "stt"))
	var (
		rec stt.Recognizer
		err error
	)
	switch cfg.Mode {
	case "whisper":
		path, perr := stt.ResolveModelPath(cfg)
		if perr != nil {
			return nil, perr
		}
		rec, err = whisper.New(path, cfg.Threads, logger)
	case "exec":
		rec, err = stt.NewExecRecognizer(cfg)
	case "mock":
		// The minimum applies to the captured window; the VAD filter may
		// shorten what the mock itself sees.
		minSamples := cfg.MockMinMS * cfg.SampleRate / 1000
		mock := stt.NewMockRecognizer(cfg.MockText, 0)
		logger.Info("stt backend ready", slog.String("mode", cfg.Mode))
		return stt.WithMinSamples(stt.WithVAD(mock, cfg.SampleRate), minSamples), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("stt backend ready", slog.String("mode", cfg.Mode))
	return stt.WithVAD(rec, cfg.SampleRate), nil
}
