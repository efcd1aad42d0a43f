package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-transcribe/internal/capability"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
)

// api is the daemon's HTTP control surface.
type api struct {
	pipeline *pipeline.Pipeline
	registry *capability.Registry
	relaying bool
	ready    func() bool
	metrics  http.Handler
	logger   *slog.Logger
}

type stateResponse struct {
	State              string `json:"state"`
	RunID              string `json:"run_id,omitempty"`
	FramesBacklog      int    `json:"frames_backlog"`
	TranscriptsBacklog int    `json:"transcripts_backlog"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newAPI(p *pipeline.Pipeline, registry *capability.Registry, relaying bool, ready func() bool, metrics http.Handler, logger *slog.Logger) *api {
	return &api{
		pipeline: p,
		registry: registry,
		relaying: relaying,
		ready:    ready,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "http")),
	}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}
	mux.HandleFunc("POST /v1/pipeline/start", a.handleStart)
	mux.HandleFunc("POST /v1/pipeline/stop", a.handleStop)
	mux.HandleFunc("GET /v1/pipeline/state", a.handleState)
	mux.HandleFunc("GET /v1/transcription", a.handleTranscription)
	mux.HandleFunc("GET /v1/nodes", a.handleNodes)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleStart(w http.ResponseWriter, req *http.Request) {
	if err := a.pipeline.Start(req.Context()); err != nil {
		a.logger.Error("pipeline start failed", slog.String("error", err.Error()))
		a.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, a.state())
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.pipeline.Stop()
	a.writeJSON(w, http.StatusOK, a.state())
}

func (a *api) handleState(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.state())
}

// handleTranscription pops one segment. The relay owns the queue when it is
// enabled, so polling is refused rather than racing it.
func (a *api) handleTranscription(w http.ResponseWriter, _ *http.Request) {
	if a.relaying {
		a.writeJSON(w, http.StatusConflict, errorResponse{Error: "transcripts are relayed to the bus"})
		return
	}
	seg, ok := a.pipeline.Transcription()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.writeJSON(w, http.StatusOK, seg)
}

func (a *api) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []capability.NodeInfo{}
	if a.registry != nil {
		if found := a.registry.Query(nil); found != nil {
			nodes = found
		}
	}
	a.writeJSON(w, http.StatusOK, nodes)
}

func (a *api) state() stateResponse {
	frames, transcripts := a.pipeline.Backlog()
	return stateResponse{
		State:              a.pipeline.State().String(),
		RunID:              a.pipeline.RunID(),
		FramesBacklog:      frames,
		TranscriptsBacklog: transcripts,
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
