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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// EngineConfig describes the external transcription engine binary and its
// decoding parameters. Streaming requests favor latency; batch requests favor
// accuracy with a wider beam and more candidates.
type EngineConfig struct {
	Command          string  `yaml:"command"`
	ModelPath        string  `yaml:"model_path"`
	Language         string  `yaml:"language"`
	Threads          int     `yaml:"threads"`
	BeamSize         int     `yaml:"beam_size"`
	BestOf           int     `yaml:"best_of"`
	Temperature      float64 `yaml:"temperature"`
	BatchBeamSize    int     `yaml:"batch_beam_size"`
	BatchBestOf      int     `yaml:"batch_best_of"`
	BatchTemperature float64 `yaml:"batch_temperature"`
}

type PoolConfig struct {
	Size             int `yaml:"size"`
	WarmupTimeoutMS  int `yaml:"warmup_timeout_ms"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
	QueueCapacity    int `yaml:"queue_capacity"`
	HealthIntervalMS int `yaml:"health_interval_ms"`
}

type StreamConfig struct {
	SampleRate          int     `yaml:"sample_rate"`
	Channels            int     `yaml:"channels"`
	BufferCapacityBytes int     `yaml:"buffer_capacity_bytes"`
	WindowMS            int     `yaml:"window_ms"`
	OverlapMS           int     `yaml:"overlap_ms"`
	VADEnabled          bool    `yaml:"vad_enabled"`
	VADSilenceMS        int     `yaml:"vad_silence_ms"`
	VADEnergyThreshold  float64 `yaml:"vad_energy_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxActiveWindows    int     `yaml:"max_active_windows"`
	WindowMaxAgeMS      int     `yaml:"window_max_age_ms"`
	TuningEnabled       bool    `yaml:"tuning_enabled"`
	TuningIntervalMS    int     `yaml:"tuning_interval_ms"`
}

type TranscriptStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	ServiceName string                `yaml:"service_name"`
	Environment string                `yaml:"environment"`
	HTTP        HTTPConfig            `yaml:"http"`
	Telemetry   TelemetryConfig       `yaml:"telemetry"`
	Bus         BusConfig             `yaml:"bus"`
	Engine      EngineConfig          `yaml:"engine"`
	Pool        PoolConfig            `yaml:"pool"`
	Stream      StreamConfig          `yaml:"stream"`
	Store       TranscriptStoreConfig `yaml:"transcript_store"`
}

func Default() Config {
	return Config{
		ServiceName: "streamscribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Engine: EngineConfig{
			Command:          "whisper-cli",
			Language:         "en",
			Threads:          4,
			BeamSize:         1,
			BestOf:           1,
			Temperature:      0.0,
			BatchBeamSize:    5,
			BatchBestOf:      5,
			BatchTemperature: 0.0,
		},
		Pool: PoolConfig{
			Size:             3,
			WarmupTimeoutMS:  2500,
			RequestTimeoutMS: 2000,
			QueueCapacity:    32,
			HealthIntervalMS: 30000,
		},
		Stream: StreamConfig{
			SampleRate:          16000,
			Channels:            1,
			BufferCapacityBytes: 256 * 1024,
			WindowMS:            750,
			OverlapMS:           250,
			VADEnabled:          true,
			VADSilenceMS:        750,
			VADEnergyThreshold:  0.02,
			ConfidenceThreshold: 0.5,
			MaxActiveWindows:    3,
			WindowMaxAgeMS:      10000,
			TuningEnabled:       true,
			TuningIntervalMS:    5000,
		},
		Store: TranscriptStoreConfig{
			Path:          "./data/streamscribe-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "STREAMSCRIBE_SERVICE_NAME")
	overrideString(&cfg.Environment, "STREAMSCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "STREAMSCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "STREAMSCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "STREAMSCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "STREAMSCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "STREAMSCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "STREAMSCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "STREAMSCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "STREAMSCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "STREAMSCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "STREAMSCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "STREAMSCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "STREAMSCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "STREAMSCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Engine.Command, "STREAMSCRIBE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelPath, "STREAMSCRIBE_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Language, "STREAMSCRIBE_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.Threads, "STREAMSCRIBE_ENGINE_THREADS")
	overrideInt(&cfg.Engine.BeamSize, "STREAMSCRIBE_ENGINE_BEAM_SIZE")
	overrideInt(&cfg.Engine.BestOf, "STREAMSCRIBE_ENGINE_BEST_OF")
	overrideFloat(&cfg.Engine.Temperature, "STREAMSCRIBE_ENGINE_TEMPERATURE")
	overrideInt(&cfg.Engine.BatchBeamSize, "STREAMSCRIBE_ENGINE_BATCH_BEAM_SIZE")
	overrideInt(&cfg.Engine.BatchBestOf, "STREAMSCRIBE_ENGINE_BATCH_BEST_OF")
	overrideFloat(&cfg.Engine.BatchTemperature, "STREAMSCRIBE_ENGINE_BATCH_TEMPERATURE")
	overrideInt(&cfg.Pool.Size, "STREAMSCRIBE_POOL_SIZE")
	overrideInt(&cfg.Pool.WarmupTimeoutMS, "STREAMSCRIBE_POOL_WARMUP_TIMEOUT_MS")
	overrideInt(&cfg.Pool.RequestTimeoutMS, "STREAMSCRIBE_POOL_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Pool.QueueCapacity, "STREAMSCRIBE_POOL_QUEUE_CAPACITY")
	overrideInt(&cfg.Pool.HealthIntervalMS, "STREAMSCRIBE_POOL_HEALTH_INTERVAL_MS")
	overrideInt(&cfg.Stream.SampleRate, "STREAMSCRIBE_STREAM_SAMPLE_RATE")
	overrideInt(&cfg.Stream.Channels, "STREAMSCRIBE_STREAM_CHANNELS")
	overrideInt(&cfg.Stream.BufferCapacityBytes, "STREAMSCRIBE_STREAM_BUFFER_CAPACITY_BYTES")
	overrideInt(&cfg.Stream.WindowMS, "STREAMSCRIBE_STREAM_WINDOW_MS")
	overrideInt(&cfg.Stream.OverlapMS, "STREAMSCRIBE_STREAM_OVERLAP_MS")
	overrideBool(&cfg.Stream.VADEnabled, "STREAMSCRIBE_STREAM_VAD_ENABLED")
	overrideInt(&cfg.Stream.VADSilenceMS, "STREAMSCRIBE_STREAM_VAD_SILENCE_MS")
	overrideFloat(&cfg.Stream.VADEnergyThreshold, "STREAMSCRIBE_STREAM_VAD_ENERGY_THRESHOLD")
	overrideFloat(&cfg.Stream.ConfidenceThreshold, "STREAMSCRIBE_STREAM_CONFIDENCE_THRESHOLD")
	overrideInt(&cfg.Stream.MaxActiveWindows, "STREAMSCRIBE_STREAM_MAX_ACTIVE_WINDOWS")
	overrideInt(&cfg.Stream.WindowMaxAgeMS, "STREAMSCRIBE_STREAM_WINDOW_MAX_AGE_MS")
	overrideBool(&cfg.Stream.TuningEnabled, "STREAMSCRIBE_STREAM_TUNING_ENABLED")
	overrideInt(&cfg.Stream.TuningIntervalMS, "STREAMSCRIBE_STREAM_TUNING_INTERVAL_MS")
	overrideString(&cfg.Store.Path, "STREAMSCRIBE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "STREAMSCRIBE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "STREAMSCRIBE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "STREAMSCRIBE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "STREAMSCRIBE_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Engine.Command == "" {
		return errors.New("engine.command must not be empty")
	}
	if cfg.Engine.Threads <= 0 {
		return errors.New("engine.threads must be positive")
	}
	if cfg.Engine.BeamSize <= 0 || cfg.Engine.BatchBeamSize <= 0 {
		return errors.New("engine beam sizes must be positive")
	}
	if cfg.Engine.BestOf <= 0 || cfg.Engine.BatchBestOf <= 0 {
		return errors.New("engine best_of values must be positive")
	}
	if cfg.Pool.Size <= 0 {
		return errors.New("pool.size must be >= 1")
	}
	if cfg.Pool.WarmupTimeoutMS <= 0 || cfg.Pool.RequestTimeoutMS <= 0 {
		return errors.New("pool timeouts must be positive")
	}
	if cfg.Pool.QueueCapacity <= 0 {
		return errors.New("pool.queue_capacity must be >= 1")
	}
	if cfg.Stream.SampleRate <= 0 {
		return errors.New("stream.sample_rate must be positive")
	}
	if cfg.Stream.Channels <= 0 {
		return errors.New("stream.channels must be positive")
	}
	if cfg.Stream.BufferCapacityBytes <= 0 {
		return errors.New("stream.buffer_capacity_bytes must be positive")
	}
	if cfg.Stream.WindowMS <= 0 {
		return errors.New("stream.window_ms must be positive")
	}
	if cfg.Stream.OverlapMS < 0 || cfg.Stream.OverlapMS >= cfg.Stream.WindowMS {
		return errors.New("stream.overlap_ms must be >= 0 and smaller than window_ms")
	}
	if cfg.Stream.ConfidenceThreshold < 0 || cfg.Stream.ConfidenceThreshold > 1 {
		return errors.New("stream.confidence_threshold must be between 0 and 1")
	}
	if cfg.Stream.MaxActiveWindows <= 0 {
		return errors.New("stream.max_active_windows must be >= 1")
	}
	if cfg.Stream.WindowMaxAgeMS <= 0 {
		return errors.New("stream.window_max_age_ms must be positive")
	}
	if cfg.Store.Path == "" {
		return errors.New("transcript_store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("transcript_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("transcript_store.retention_days must be >= 0")
	}
	return nil
}
