package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/capability"
	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/exithook"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

// Runtime hosts one pipeline behind the HTTP control API, optionally relaying
// transcripts and presence over NATS.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	recognizer stt.Recognizer
	hooks      *exithook.Hooks

	pipeline   *pipeline.Pipeline
	bus        *bus.Client
	nats       *natsserver.EmbeddedServer
	eventStore *eventstore.Store
	registry   *capability.Registry
	httpServer *http.Server
	ready      atomic.Bool
}

// New prepares a runtime around an already loaded recognizer, which the
// runtime owns from here on. hooks receives the pipeline's Stop as a process
// exit backstop and may be nil.
func New(cfg config.Config, logger *slog.Logger, recognizer stt.Recognizer, hooks *exithook.Hooks) *Runtime {
	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		recognizer: recognizer,
		hooks:      hooks,
	}
}

// Start brings every component up and blocks until ctx is cancelled, then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		_ = r.recognizer.Close()
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.startComponents(ctx); err != nil {
		r.closeComponents()
		return err
	}
	defer r.closeComponents()

	handler := newAPI(r.pipeline, r.registry, r.cfg.Relay.Enabled, r.ready.Load, metricsHandler, r.logger).routes()
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if r.cfg.Relay.Enabled {
		rl := newRelay(r.pipeline, r.bus, r.cfg.Relay.Subject, r.cfg.Node.ID, r.cfg.Pipeline.PollInterval(), r.logger)
		g.Go(func() error { return rl.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	if r.cfg.Pipeline.Autostart {
		if err := r.pipeline.Start(ctx); err != nil {
			r.logger.Error("pipeline autostart failed", slog.String("error", err.Error()))
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	return g.Wait()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	if r.cfg.Bus.Enabled {
		r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.nats.ClientURL(), r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
	}

	r.eventStore, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	device, err := capture.NewDevice(r.cfg.Capture, r.busConn(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to create capture device: %w", err)
	}

	r.pipeline, err = pipeline.New(device, r.recognizer, pipeline.ConfigFrom(r.cfg),
		pipeline.WithLogger(r.logger),
		pipeline.WithObserver(r.eventStore.Journal(r.cfg.Node.ID)),
		pipeline.WithObserver(r.publishStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	r.recognizer = nil
	if r.hooks != nil {
		r.hooks.Add("pipeline", r.pipeline.Stop)
	}

	if r.bus != nil {
		r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.pipelineStatus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start capability registry: %w", err)
		}
	}
	return nil
}

// closeComponents tears down whatever startComponents managed to build.
// Failures are logged; shutdown always continues.
func (r *Runtime) closeComponents() {
	var errs []error
	if r.pipeline != nil {
		if err := r.pipeline.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pipeline: %w", err))
		}
	} else if r.recognizer != nil {
		if err := r.recognizer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recognizer: %w", err))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.eventStore != nil {
		if err := r.eventStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("runtime shutdown incomplete", slog.String("error", err.Error()))
	}
}

func (r *Runtime) busConn() *nats.Conn {
	if r.bus == nil {
		return nil
	}
	return r.bus.Conn()
}

func (r *Runtime) pipelineStatus() capability.Status {
	frames, _ := r.pipeline.Backlog()
	return capability.Status{
		State:   r.pipeline.State().String(),
		RunID:   r.pipeline.RunID(),
		Backlog: frames,
	}
}

// publishStatus announces lifecycle changes on the bus. It runs inside the
// pipeline's Start and Stop, so it must not call back into the pipeline.
func (r *Runtime) publishStatus(ev pipeline.Event) {
	if r.bus == nil {
		return
	}
	var state string
	switch ev.Kind {
	case pipeline.EventStarted:
		state = pipeline.Running.String()
	case pipeline.EventStopped:
		state = pipeline.Idle.String()
	default:
		return
	}
	msg := protocol.PipelineStatus{
		NodeID:    r.cfg.Node.ID,
		SessionID: ev.RunID,
		State:     state,
		Timestamp: ev.At.UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectPipelineStatus, msg); err != nil {
		r.logger.Warn("failed to publish pipeline status", slog.String("error", err.Error()))
	}
}
