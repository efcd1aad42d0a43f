package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/window"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd        []string
	model      string
	sampleRate int
	mu         sync.Mutex
}

type execSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type execResult struct {
	Text     string        `json:"text"`
	Segments []execSegment `json:"segments"`
}

// NewExecRecognizer runs cfg.Command once per pass. The command receives the
// window as a 16-bit WAV file and replies with JSON on stdout.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	// --model is optional for exec backends, but a configured model must resolve.
	var model string
	if cfg.ModelPath != "" || cfg.Model != "" {
		model, err = ResolveModelPath(cfg)
		if err != nil {
			return nil, fmt.Errorf("resolve stt model: %w", err)
		}
	}
	return &execRecognizer{cmd: args, model: model, sampleRate: cfg.SampleRate}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, samples []float32, opts Options) ([]Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeSamplesToWav(file, samples, r.sampleRate); err != nil {
		return nil, err
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.model != "" {
		cmdArgs = append(cmdArgs, "--model", r.model)
	}
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.BeamSize > 0 {
		cmdArgs = append(cmdArgs, "--beam-size", strconv.Itoa(opts.BeamSize))
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	if len(resp.Segments) == 0 {
		if resp.Text == "" {
			return nil, nil
		}
		return []Segment{{Text: resp.Text}}, nil
	}
	out := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		out = append(out, Segment{
			Text:  s.Text,
			Start: secondsToDuration(s.Start),
			End:   secondsToDuration(s.End),
		})
	}
	return out, nil
}

func (r *execRecognizer) Close() error { return nil }

func writeSamplesToWav(file *os.File, samples []float32, sampleRate int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(window.ToPCM(s))
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
