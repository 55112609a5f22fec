package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	TraceStdout    bool   `yaml:"trace_stdout"`
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
	Audio       AudioConfig      `yaml:"audio"`
	Recognizer  RecognizerConfig `yaml:"recognizer"`
	Record      RecordConfig     `yaml:"record"`
	Runner      RunnerConfig     `yaml:"runner"`
	Server      ServerConfig     `yaml:"server"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// AudioConfig describes the capture stream feeding the transcription loop.
type AudioConfig struct {
	Backend      string `yaml:"backend"` // malgo, portaudio, wav
	Device       int    `yaml:"device"`  // -1 selects the system default
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	ChunkFrames  int    `yaml:"chunk_frames"`
	StatusPolicy string `yaml:"status_policy"` // log, fatal
	Input        string `yaml:"input"`
	Realtime     bool   `yaml:"realtime"`
}

type RecognizerConfig struct {
	Mode            string `yaml:"mode"` // vosk, exec, mock
	ModelPath       string `yaml:"model_path"`
	Command         string `yaml:"command"`
	Words           bool   `yaml:"words"`
	EngineLogLevel  int    `yaml:"engine_log_level"`
	UtteranceChunks int    `yaml:"utterance_chunks"`
}

type RecordConfig struct {
	DurationMS int    `yaml:"duration_ms"`
	Device     int    `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Output     string `yaml:"output"`
}

type RunnerConfig struct {
	Interpreter string `yaml:"interpreter"`
}

type ServerConfig struct {
	RecordingsDir  string `yaml:"recordings_dir"`
	PublicDir      string `yaml:"public_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	SimScript      string `yaml:"sim_script"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	StorePartials bool   `yaml:"store_partials"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-listen",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 3000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Audio: AudioConfig{
			Backend:      "malgo",
			Device:       -1,
			SampleRate:   16000,
			Channels:     1,
			ChunkFrames:  8000,
			StatusPolicy: "log",
		},
		Recognizer: RecognizerConfig{
			Mode:            "vosk",
			ModelPath:       "./model",
			EngineLogLevel:  -1,
			UtteranceChunks: 6,
		},
		Record: RecordConfig{
			DurationMS: 5000,
			Device:     1,
			SampleRate: 16000,
			Channels:   2,
			Output:     "test.wav",
		},
		Runner: RunnerConfig{
			Interpreter: "python3",
		},
		Server: ServerConfig{
			RecordingsDir:  "./recordings",
			MaxUploadBytes: 10 * 1024 * 1024,
			SimScript:      "./backend/simulate.py",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-listen.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRunner is Load for callers that only launch scripts. Only the telemetry
// and runner sections are validated, so settings meant for the transcriber do
// not block it.
func LoadRunner(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := validateLogLevel(cfg.Telemetry.LogLevel); err != nil {
		return cfg, err
	}
	if err := validateRunner(cfg.Runner); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func read(path string) (Config, error) {
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "LOQA_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Audio.Backend, "LOQA_AUDIO_BACKEND")
	overrideInt(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "LOQA_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "LOQA_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkFrames, "LOQA_AUDIO_CHUNK_FRAMES")
	overrideString(&cfg.Audio.StatusPolicy, "LOQA_AUDIO_STATUS_POLICY")
	overrideString(&cfg.Audio.Input, "LOQA_AUDIO_INPUT")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideString(&cfg.Recognizer.Mode, "LOQA_RECOGNIZER_MODE")
	overrideString(&cfg.Recognizer.ModelPath, "LOQA_RECOGNIZER_MODEL_PATH")
	overrideString(&cfg.Recognizer.Command, "LOQA_RECOGNIZER_COMMAND")
	overrideBool(&cfg.Recognizer.Words, "LOQA_RECOGNIZER_WORDS")
	overrideInt(&cfg.Recognizer.EngineLogLevel, "LOQA_RECOGNIZER_ENGINE_LOG_LEVEL")
	overrideInt(&cfg.Recognizer.UtteranceChunks, "LOQA_RECOGNIZER_UTTERANCE_CHUNKS")
	overrideInt(&cfg.Record.DurationMS, "LOQA_RECORD_DURATION_MS")
	overrideInt(&cfg.Record.Device, "LOQA_RECORD_DEVICE")
	overrideInt(&cfg.Record.SampleRate, "LOQA_RECORD_SAMPLE_RATE")
	overrideInt(&cfg.Record.Channels, "LOQA_RECORD_CHANNELS")
	overrideString(&cfg.Record.Output, "LOQA_RECORD_OUTPUT")
	overrideString(&cfg.Runner.Interpreter, "LOQA_RUNNER_INTERPRETER")
	overrideString(&cfg.Server.RecordingsDir, "LOQA_SERVER_RECORDINGS_DIR")
	overrideString(&cfg.Server.PublicDir, "LOQA_SERVER_PUBLIC_DIR")
	overrideInt64(&cfg.Server.MaxUploadBytes, "LOQA_SERVER_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Server.SimScript, "LOQA_SERVER_SIM_SCRIPT")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.StorePartials, "LOQA_EVENT_STORE_STORE_PARTIALS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if err := validateLogLevel(cfg.Telemetry.LogLevel); err != nil {
		return err
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	switch cfg.Recognizer.Mode {
	case "vosk":
		if cfg.Audio.Channels != 1 {
			return errors.New("recognizer.mode=vosk requires audio.channels=1")
		}
	case "exec":
		if cfg.Recognizer.Command == "" {
			return errors.New("recognizer.command must be set when mode=exec")
		}
	case "mock":
		if cfg.Recognizer.UtteranceChunks <= 0 {
			return errors.New("recognizer.utterance_chunks must be positive")
		}
	default:
		return errors.New("recognizer.mode must be one of vosk|exec|mock")
	}
	if cfg.Record.DurationMS <= 0 {
		return errors.New("record.duration_ms must be positive")
	}
	if cfg.Record.Device < -1 {
		return errors.New("record.device must be >= -1")
	}
	if cfg.Record.SampleRate <= 0 {
		return errors.New("record.sample_rate must be positive")
	}
	if cfg.Record.Channels <= 0 {
		return errors.New("record.channels must be positive")
	}
	if cfg.Record.Output == "" {
		return errors.New("record.output must not be empty")
	}
	if err := validateRunner(cfg.Runner); err != nil {
		return err
	}
	if cfg.Server.RecordingsDir == "" {
		return errors.New("server.recordings_dir must not be empty")
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return errors.New("server.max_upload_bytes must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return errors.New("telemetry.log_level must be one of debug|info|warn|error")
}

func validateRunner(r RunnerConfig) error {
	if strings.TrimSpace(r.Interpreter) == "" {
		return errors.New("runner.interpreter must not be empty")
	}
	return nil
}

func validateAudio(a AudioConfig) error {
	switch a.Backend {
	case "malgo", "portaudio":
	case "wav":
		if a.Input == "" {
			return errors.New("audio.input must be set when backend=wav")
		}
	default:
		return errors.New("audio.backend must be one of malgo|portaudio|wav")
	}
	if a.Device < -1 {
		return errors.New("audio.device must be >= -1")
	}
	if a.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if a.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if a.ChunkFrames <= 0 {
		return errors.New("audio.chunk_frames must be positive")
	}
	switch a.StatusPolicy {
	case "log", "fatal":
	default:
		return errors.New("audio.status_policy must be one of log|fatal")
	}
	return nil
}
