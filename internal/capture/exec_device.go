package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execStartTimeout bounds how long Open waits for the recorder to either
// deliver its first frame or exit.
const execStartTimeout = time.Second

// ExecDevice records from a child process writing raw little-endian 16-bit
// mono PCM to stdout, e.g. `arecord -q -t raw -f S16_LE -c 1 -r 16000`.
type ExecDevice struct {
	cmd    []string
	logger *slog.Logger
}

func NewExecDevice(command string, logger *slog.Logger) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	return &ExecDevice{cmd: args, logger: logger.With(slog.String("component", "capture-exec"))}, nil
}

type execStream struct {
	cmd    *exec.Cmd
	stderr *lockedBuffer
	done   chan struct{}
	once   sync.Once
	err    error
	log    *slog.Logger
}

// Open starts the recorder. It fails if the process cannot be started or
// exits before producing a frame within execStartTimeout.
func (d *ExecDevice) Open(ctx context.Context, cfg StreamConfig, sink Sink) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(d.cmd[0], d.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout pipe: %w", err)
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start capture command: %w", err)
	}

	s := &execStream{cmd: cmd, stderr: stderr, done: make(chan struct{}), log: d.logger}
	ready := make(chan struct{})
	go s.read(stdout, cfg.FrameSamples(), sink, ready)

	timer := time.NewTimer(execStartTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-s.done:
		select {
		case <-ready:
			// Short recordings may finish before Open observes the first frame.
		default:
			_ = cmd.Wait()
			return nil, fmt.Errorf("capture command exited before first frame: %s", bytes.TrimSpace(stderr.Bytes()))
		}
	case <-timer.C:
		d.logger.Warn("capture command produced no audio yet", slog.Duration("waited", execStartTimeout))
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
	d.logger.Info("capture stream opened", slog.String("command", d.cmd[0]), slog.Int("frame_samples", cfg.FrameSamples()))
	return s, nil
}

func (s *execStream) read(r io.Reader, frameSamples int, sink Sink, ready chan struct{}) {
	defer close(s.done)
	buf := make([]byte, frameSamples*2)
	first := true
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Warn("capture read failed", slogError(err))
			}
			return
		}
		pcm := make([]int16, frameSamples)
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		sink.OnPCM(pcm)
		if first {
			close(ready)
			first = false
		}
	}
}

// Close kills the recorder and waits for the reader to finish.
func (s *execStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.err = fmt.Errorf("kill capture command: %w", err)
			}
		}
		<-s.done
		// Exit status after Kill is expected to be non-zero.
		_ = s.cmd.Wait()
	})
	return s.err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 4096 {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
