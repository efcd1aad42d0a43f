package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// TraceExporter is none, stdout or otlp. An OTLP endpoint implies otlp.
	TraceExporter    string  `yaml:"trace_exporter"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Capture     CaptureConfig    `yaml:"capture"`
	STT         STTConfig        `yaml:"stt"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Relay       RelayConfig      `yaml:"relay"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects and parameterises the audio input device.
type CaptureConfig struct {
	Device          string `yaml:"device"` // exec, wav, bus
	Command         string `yaml:"command"`
	WAVPath         string `yaml:"wav_path"`
	Realtime        bool   `yaml:"realtime"`
	Subject         string `yaml:"subject"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	NoiseGate       int    `yaml:"noise_gate"`
}

type STTConfig struct {
	Mode            string  `yaml:"mode"` // whisper, exec, mock
	Command         string  `yaml:"command"`
	Model           string  `yaml:"model"`
	ModelDir        string  `yaml:"model_dir"`
	ModelPath       string  `yaml:"model_path"`
	ComputeType     string  `yaml:"compute_type"`
	Threads         int     `yaml:"threads"`
	Language        string  `yaml:"language"`
	SampleRate      int     `yaml:"sample_rate"`
	BeamSize        int     `yaml:"beam_size"`
	VADFilter       bool    `yaml:"vad_filter"`
	VADMinSilenceMS int     `yaml:"vad_min_silence_ms"`
	VADThreshold    float64 `yaml:"vad_threshold"`
	MockText        string  `yaml:"mock_text"`
	MockMinMS       int     `yaml:"mock_min_ms"`
}

// PipelineConfig holds the windowing and lifecycle constants of the worker.
type PipelineConfig struct {
	MinWindowMS    int  `yaml:"min_window_ms"`
	KeepWindowMS   int  `yaml:"keep_window_ms"`
	PollIntervalMS int  `yaml:"poll_interval_ms"`
	JoinTimeoutMS  int  `yaml:"join_timeout_ms"`
	Autostart      bool `yaml:"autostart"`
}

func (p PipelineConfig) MinWindow() time.Duration {
	return time.Duration(p.MinWindowMS) * time.Millisecond
}

func (p PipelineConfig) KeepWindow() time.Duration {
	return time.Duration(p.KeepWindowMS) * time.Millisecond
}

func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p PipelineConfig) JoinTimeout() time.Duration {
	return time.Duration(p.JoinTimeoutMS) * time.Millisecond
}

type RelayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-transcribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceExporter:    "none",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-transcribe-1",
			Role:              "stt",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "stt.live", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-transcribe.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Device:          "exec",
			Command:         "arecord -q -t raw -f S16_LE -c 1 -r 16000",
			Realtime:        true,
			Subject:         "audio.frame.>",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 30,
			NoiseGate:       10,
		},
		STT: STTConfig{
			Mode:            "whisper",
			Model:           "base.en",
			ModelDir:        "./models",
			ComputeType:     "int8",
			Threads:         4,
			Language:        "en",
			SampleRate:      16000,
			BeamSize:        5,
			VADFilter:       true,
			VADMinSilenceMS: 500,
			VADThreshold:    0.01,
			MockText:        "hello world",
			MockMinMS:       500,
		},
		Pipeline: PipelineConfig{
			MinWindowMS:    500,
			KeepWindowMS:   500,
			PollIntervalMS: 100,
			JoinTimeoutMS:  2000,
			Autostart:      false,
		},
		Relay: RelayConfig{
			Enabled: false,
			Subject: "stt.text.final",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.WAVPath, "LOQA_CAPTURE_WAV_PATH")
	overrideBool(&cfg.Capture.Realtime, "LOQA_CAPTURE_REALTIME")
	overrideString(&cfg.Capture.Subject, "LOQA_CAPTURE_SUBJECT")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_CAPTURE_FRAME_DURATION_MS")
	overrideInt(&cfg.Capture.NoiseGate, "LOQA_CAPTURE_NOISE_GATE")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.ModelDir, "LOQA_STT_MODEL_DIR")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.ComputeType, "LOQA_STT_COMPUTE_TYPE")
	overrideInt(&cfg.STT.Threads, "LOQA_STT_THREADS")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.BeamSize, "LOQA_STT_BEAM_SIZE")
	overrideBool(&cfg.STT.VADFilter, "LOQA_STT_VAD_FILTER")
	overrideInt(&cfg.STT.VADMinSilenceMS, "LOQA_STT_VAD_MIN_SILENCE_MS")
	overrideFloat(&cfg.STT.VADThreshold, "LOQA_STT_VAD_THRESHOLD")
	overrideString(&cfg.STT.MockText, "LOQA_STT_MOCK_TEXT")
	overrideInt(&cfg.STT.MockMinMS, "LOQA_STT_MOCK_MIN_MS")
	overrideInt(&cfg.Pipeline.MinWindowMS, "LOQA_PIPELINE_MIN_WINDOW_MS")
	overrideInt(&cfg.Pipeline.KeepWindowMS, "LOQA_PIPELINE_KEEP_WINDOW_MS")
	overrideInt(&cfg.Pipeline.PollIntervalMS, "LOQA_PIPELINE_POLL_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.JoinTimeoutMS, "LOQA_PIPELINE_JOIN_TIMEOUT_MS")
	overrideBool(&cfg.Pipeline.Autostart, "LOQA_PIPELINE_AUTOSTART")
	overrideBool(&cfg.Relay.Enabled, "LOQA_RELAY_ENABLED")
	overrideString(&cfg.Relay.Subject, "LOQA_RELAY_SUBJECT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports the first configuration error found.
func Validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			// -1 asks the embedded server for a free port.
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateCapture(cfg); err != nil {
		return err
	}
	if err := validateSTT(cfg.STT); err != nil {
		return err
	}
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	if cfg.Relay.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("relay.enabled requires bus.enabled")
		}
		if cfg.Relay.Subject == "" {
			return errors.New("relay.subject must not be empty when relay is enabled")
		}
	}
	return nil
}

func validateCapture(cfg Config) error {
	c := cfg.Capture
	switch c.Device {
	case "exec":
		if c.Command == "" {
			return errors.New("capture.command must be set when device=exec")
		}
	case "wav":
		if c.WAVPath == "" {
			return errors.New("capture.wav_path must be set when device=wav")
		}
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.device=bus requires bus.enabled")
		}
		if c.Subject == "" {
			return errors.New("capture.subject must be set when device=bus")
		}
	default:
		return errors.New("capture.device must be one of exec|wav|bus")
	}
	if c.SampleRate != 16000 {
		return errors.New("capture.sample_rate must be 16000")
	}
	if c.Channels != 1 {
		return errors.New("capture.channels must be 1")
	}
	if c.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if c.NoiseGate < 0 {
		return errors.New("capture.noise_gate must be >= 0")
	}
	return nil
}

func validateSTT(s STTConfig) error {
	switch s.Mode {
	case "whisper":
		if s.ModelPath == "" && (s.Model == "" || s.ModelDir == "") {
			return errors.New("stt.model_path or stt.model and stt.model_dir must be set when mode=whisper")
		}
	case "exec":
		if s.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of whisper|exec|mock")
	}
	switch s.ComputeType {
	case "", "default", "int8", "int5", "float16", "float32":
	default:
		return errors.New("stt.compute_type must be one of default|int8|int5|float16|float32")
	}
	if s.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if s.BeamSize < 1 {
		return errors.New("stt.beam_size must be >= 1")
	}
	if s.VADMinSilenceMS < 0 {
		return errors.New("stt.vad_min_silence_ms must be >= 0")
	}
	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		return errors.New("stt.vad_threshold must be within [0, 1]")
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	if p.MinWindowMS <= 0 {
		return errors.New("pipeline.min_window_ms must be positive")
	}
	if p.KeepWindowMS < 0 {
		return errors.New("pipeline.keep_window_ms must be >= 0")
	}
	if p.PollIntervalMS <= 0 {
		return errors.New("pipeline.poll_interval_ms must be positive")
	}
	if p.JoinTimeoutMS <= 0 {
		return errors.New("pipeline.join_timeout_ms must be positive")
	}
	return nil
}
