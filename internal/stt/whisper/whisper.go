// Package whisper runs the whisper.cpp model in-process through its CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.
//
// It drives the low-level binding directly: the high-level model wrapper
// always decodes greedily, which would leave the configured beam width unused.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	whispercpp "github.com/ggerganov/whisper.cpp/bindings/go"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

// segmentUnit is the resolution of whisper.cpp segment timestamps.
const segmentUnit = 10 * time.Millisecond

// Recognizer holds one loaded model. Passes are serialised because a
// whisper context carries decoder state.
type Recognizer struct {
	ctx     *whispercpp.Context
	threads int
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
}

// New loads the model at modelPath. Failure is fatal to pipeline creation.
func New(modelPath string, threads int, logger *slog.Logger) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path is empty")
	}
	ctx := whispercpp.Whisper_init(modelPath)
	if ctx == nil {
		return nil, fmt.Errorf("whisper: load model %s: init failed", modelPath)
	}
	logger.Info("whisper model loaded", slog.String("path", modelPath), slog.Int("threads", threads))
	return &Recognizer{ctx: ctx, threads: threads, logger: logger}, nil
}

// decoding picks the sampling strategy for a beam width. A width of one or
// less is plain greedy decoding.
func decoding(beamSize int) (whispercpp.SamplingStrategy, int) {
	if beamSize > 1 {
		return whispercpp.SAMPLING_BEAM_SEARCH, beamSize
	}
	return whispercpp.SAMPLING_GREEDY, 1
}

func (r *Recognizer) params(opts stt.Options) whispercpp.Params {
	strategy, beam := decoding(opts.BeamSize)
	params := r.ctx.Whisper_full_default_params(strategy)
	if strategy == whispercpp.SAMPLING_BEAM_SEARCH {
		params.SetBeamSize(beam)
	}
	params.SetTranslate(false)
	params.SetPrintSpecial(false)
	params.SetPrintProgress(false)
	params.SetPrintRealtime(false)
	params.SetPrintTimestamps(false)
	params.SetNoContext(true)
	if r.threads > 0 {
		params.SetThreads(r.threads)
	}

	lang := strings.TrimSpace(opts.Language)
	if lang != "" && lang != "auto" {
		id := r.ctx.Whisper_lang_id(lang)
		if err := params.SetLanguage(id); err != nil || id < 0 {
			r.logger.Warn("whisper: unknown language, auto-detecting", slog.String("language", lang))
			_ = params.SetLanguage(-1)
		}
	} else {
		_ = params.SetLanguage(-1)
	}
	return params
}

// Transcribe runs one inference pass. whisper.cpp cannot be interrupted, so
// ctx is only checked before the pass starts.
func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, opts stt.Options) ([]stt.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("whisper: recognizer closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}

	params := r.params(opts)
	if err := r.ctx.Whisper_full(params, samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	n := r.ctx.Whisper_full_n_segments()
	segments := make([]stt.Segment, 0, n)
	for i := 0; i < n; i++ {
		segments = append(segments, stt.Segment{
			Text:  r.ctx.Whisper_full_get_segment_text(i),
			Start: time.Duration(r.ctx.Whisper_full_get_segment_t0(i)) * segmentUnit,
			End:   time.Duration(r.ctx.Whisper_full_get_segment_t1(i)) * segmentUnit,
		})
	}
	return segments, nil
}

// Close releases the model. Safe to call more than once.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.ctx.Whisper_free()
	return nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
