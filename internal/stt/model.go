package stt

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// ResolveModelPath locates the ggml model file for cfg. An explicit
// model_path wins; otherwise the file name is derived from the model size and
// compute type, e.g. base.en + int8 -> ggml-base.en-q8_0.bin.
func ResolveModelPath(cfg config.STTConfig) (string, error) {
	if cfg.ModelPath != "" {
		return cfg.ModelPath, nil
	}
	if cfg.Model == "" || cfg.ModelDir == "" {
		return "", errors.New("stt model not configured")
	}
	suffix, err := quantSuffix(cfg.ComputeType)
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.ModelDir, fmt.Sprintf("ggml-%s%s.bin", cfg.Model, suffix)), nil
}

func quantSuffix(computeType string) (string, error) {
	switch strings.ToLower(computeType) {
	case "int8":
		return "-q8_0", nil
	case "int5":
		return "-q5_1", nil
	case "", "default", "float16", "float32":
		return "", nil
	default:
		return "", fmt.Errorf("unsupported compute type %q", computeType)
	}
}

// OptionsFrom maps STT settings onto per-call Options.
func OptionsFrom(cfg config.STTConfig) Options {
	return Options{
		Language:      cfg.Language,
		BeamSize:      cfg.BeamSize,
		VADFilter:     cfg.VADFilter,
		VADMinSilence: time.Duration(cfg.VADMinSilenceMS) * time.Millisecond,
		VADThreshold:  cfg.VADThreshold,
	}
}
