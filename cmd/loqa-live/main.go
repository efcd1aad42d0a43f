package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/exithook"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/stt/backend"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'listen', 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "listen":
		os.Exit(runListen(os.Args[2:]))
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
		_ = fs.Parse(os.Args[2:])
		if err := runValidate(*configPath, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "config valid")
	if cfg.STT.Mode == "whisper" {
		model, err := stt.ResolveModelPath(cfg.STT)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "model: %s\n", model)
	}
	return nil
}

func runListen(args []string) int {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults when empty)")
	wavPath := fs.String("wav", "", "Replay a WAV file instead of the configured device")
	duration := fs.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	verbose := fs.Bool("v", false, "Log at debug level")
	_ = fs.Parse(args)

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadListenConfig(*configPath, *wavPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	hooks := exithook.New(logger)
	defer hooks.Run()
	defer hooks.Recover()

	var conn *nats.Conn
	if cfg.Capture.Device == "bus" {
		client, err := bus.Connect(context.Background(), cfg.Bus, "", logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		hooks.Add("bus", client.Close)
		conn = client.Conn()
	}

	device, err := capture.NewDevice(cfg.Capture, conn, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	recognizer, err := backend.New(cfg.STT, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	p, err := pipeline.New(device, recognizer, pipeline.ConfigFrom(cfg), pipeline.WithLogger(logger))
	if err != nil {
		_ = recognizer.Close()
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	hooks.Add("pipeline", func() {
		if err := p.Close(); err != nil {
			logger.Warn("pipeline close failed", slog.String("error", err.Error()))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := p.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Fprintln(os.Stderr, "listening, press Ctrl+C to stop")

	var transcript []string
	collect := func() {
		for {
			seg, ok := p.Transcription()
			if !ok {
				return
			}
			fmt.Println(seg.Text)
			transcript = append(transcript, seg.Text)
		}
	}

	ticker := time.NewTicker(cfg.Pipeline.PollInterval())
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
			collect()
		}
	}
	// Stop discards whatever is still queued.
	collect()
	p.Stop()

	fmt.Println()
	fmt.Println("transcript:")
	fmt.Println(strings.TrimSpace(strings.Join(transcript, " ")))
	return 0
}

// loadListenConfig loads path and points capture at wavPath when given.
func loadListenConfig(path, wavPath string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if wavPath != "" {
		cfg.Capture.Device = "wav"
		cfg.Capture.WAVPath = wavPath
		if err := config.Validate(cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
