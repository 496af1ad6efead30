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

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Bus          BusConfig          `yaml:"bus"`
	LLM          LLMConfig          `yaml:"llm"`
	STT          STTConfig          `yaml:"stt"`
	TTS          TTSConfig          `yaml:"tts"`
	Emotion      EmotionConfig      `yaml:"emotion"`
	Memory       MemoryConfig       `yaml:"memory"`
	Conversation ConversationConfig `yaml:"conversation"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
}

type GatewayConfig struct {
	Path              string `yaml:"path"`
	AuthToken         string `yaml:"auth_token"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	MaxFrameBytes     int64  `yaml:"max_frame_bytes"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type LLMConfig struct {
	Mode           string  `yaml:"mode"` // mock, openai
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	UtilityModel   string  `yaml:"utility_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	RequestTimeout int     `yaml:"request_timeout_ms"`
}

type STTConfig struct {
	Mode     string `yaml:"mode"` // mock, whisper
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  int    `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode     string `yaml:"mode"` // mock, http
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	VoiceID  string `yaml:"voice_id"`
	Latency  string `yaml:"latency"`
	Timeout  int    `yaml:"timeout_ms"`
}

type EmotionConfig struct {
	Mode    string `yaml:"mode"` // mock, openai
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout_ms"`
}

type MemoryConfig struct {
	Mode       string `yaml:"mode"` // mock, redis, http
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	MaxEntries int    `yaml:"max_entries"`
	Timeout    int    `yaml:"timeout_ms"`
}

type ConversationConfig struct {
	PersonaPrompt      string `yaml:"persona_prompt"`
	NameMap            string `yaml:"name_map"`
	VoiceLanguage      string `yaml:"voice_language"`
	TextLanguage       string `yaml:"text_language"`
	HistoryLimit       int    `yaml:"history_limit"`
	MinSegmentChars    int    `yaml:"min_segment_chars"`
	AudioChunkBytes    int    `yaml:"audio_chunk_bytes"`
	MonologueIntervalS int    `yaml:"monologue_interval_s"`
	SpeculativeTokens  int    `yaml:"speculative_max_tokens"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "hoshi-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 3002,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Gateway: GatewayConfig{
			Path:              "/ws",
			HeartbeatInterval: 30000,
			MaxFrameBytes:     8 << 20,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		LLM: LLMConfig{
			Mode:           "mock",
			Endpoint:       "https://api.openai.com",
			Model:          "gpt-4o",
			UtilityModel:   "gpt-4o-mini",
			MaxTokens:      1000,
			Temperature:    0.7,
			RequestTimeout: 60000,
		},
		STT: STTConfig{
			Mode:    "mock",
			Model:   "whisper-large-v3",
			Timeout: 45000,
		},
		TTS: TTSConfig{
			Mode:    "mock",
			Latency: "balanced",
			Timeout: 45000,
		},
		Emotion: EmotionConfig{
			Mode:    "mock",
			Model:   "gpt-4o-mini",
			Timeout: 15000,
		},
		Memory: MemoryConfig{
			Mode:       "mock",
			RedisAddr:  "localhost:6379",
			MaxEntries: 20,
			Timeout:    15000,
		},
		Conversation: ConversationConfig{
			VoiceLanguage:      "ja",
			TextLanguage:       "zh",
			HistoryLimit:       30,
			MinSegmentChars:    25,
			AudioChunkBytes:    5120,
			MonologueIntervalS: 5,
			SpeculativeTokens:  1000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/hoshi-events.db",
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
	overrideString(&cfg.RuntimeName, "HOSHI_RUNTIME_NAME")
	overrideString(&cfg.Environment, "HOSHI_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "HOSHI_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HOSHI_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HOSHI_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HOSHI_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HOSHI_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Gateway.Path, "HOSHI_GATEWAY_PATH")
	overrideString(&cfg.Gateway.AuthToken, "HOSHI_GATEWAY_AUTH_TOKEN")
	overrideInt(&cfg.Gateway.HeartbeatInterval, "HOSHI_GATEWAY_HEARTBEAT_INTERVAL_MS")
	overrideBool(&cfg.Bus.Enabled, "HOSHI_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "HOSHI_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "HOSHI_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "HOSHI_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "HOSHI_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "HOSHI_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "HOSHI_BUS_TOKEN")
	overrideInt(&cfg.Bus.ConnectTimeout, "HOSHI_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "HOSHI_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "HOSHI_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIKey, "HOSHI_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "HOSHI_LLM_MODEL")
	overrideString(&cfg.LLM.UtilityModel, "HOSHI_LLM_UTILITY_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "HOSHI_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "HOSHI_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.RequestTimeout, "HOSHI_LLM_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.STT.Mode, "HOSHI_STT_MODE")
	overrideString(&cfg.STT.Endpoint, "HOSHI_STT_ENDPOINT")
	overrideString(&cfg.STT.APIKey, "HOSHI_STT_API_KEY")
	overrideString(&cfg.STT.Model, "HOSHI_STT_MODEL")
	overrideString(&cfg.TTS.Mode, "HOSHI_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "HOSHI_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "HOSHI_TTS_API_KEY")
	overrideString(&cfg.TTS.VoiceID, "HOSHI_TTS_VOICE_ID")
	overrideString(&cfg.TTS.Latency, "HOSHI_TTS_LATENCY")
	overrideString(&cfg.Emotion.Mode, "HOSHI_EMOTION_MODE")
	overrideString(&cfg.Emotion.Model, "HOSHI_EMOTION_MODEL")
	overrideString(&cfg.Memory.Mode, "HOSHI_MEMORY_MODE")
	overrideString(&cfg.Memory.RedisAddr, "HOSHI_MEMORY_REDIS_ADDR")
	overrideInt(&cfg.Memory.RedisDB, "HOSHI_MEMORY_REDIS_DB")
	overrideString(&cfg.Memory.Endpoint, "HOSHI_MEMORY_ENDPOINT")
	overrideString(&cfg.Memory.APIKey, "HOSHI_MEMORY_API_KEY")
	overrideInt(&cfg.Memory.MaxEntries, "HOSHI_MEMORY_MAX_ENTRIES")
	overrideString(&cfg.Conversation.PersonaPrompt, "HOSHI_CONVERSATION_PERSONA_PROMPT")
	overrideString(&cfg.Conversation.NameMap, "HOSHI_CONVERSATION_NAME_MAP")
	overrideString(&cfg.Conversation.VoiceLanguage, "HOSHI_CONVERSATION_VOICE_LANGUAGE")
	overrideString(&cfg.Conversation.TextLanguage, "HOSHI_CONVERSATION_TEXT_LANGUAGE")
	overrideInt(&cfg.Conversation.HistoryLimit, "HOSHI_CONVERSATION_HISTORY_LIMIT")
	overrideInt(&cfg.Conversation.MinSegmentChars, "HOSHI_CONVERSATION_MIN_SEGMENT_CHARS")
	overrideInt(&cfg.Conversation.AudioChunkBytes, "HOSHI_CONVERSATION_AUDIO_CHUNK_BYTES")
	overrideString(&cfg.EventStore.Path, "HOSHI_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "HOSHI_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "HOSHI_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "HOSHI_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "HOSHI_EVENT_STORE_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Gateway.Path, "/") {
		return errors.New("gateway.path must start with /")
	}
	if cfg.Gateway.HeartbeatInterval <= 0 {
		return errors.New("gateway.heartbeat_interval_ms must be positive")
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
	switch cfg.LLM.Mode {
	case "mock", "openai":
	default:
		return errors.New("llm.mode must be one of mock|openai")
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=openai")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "whisper":
	default:
		return errors.New("stt.mode must be one of mock|whisper")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.Endpoint == "" {
		return errors.New("stt.endpoint must be set when mode=whisper")
	}
	switch cfg.TTS.Mode {
	case "mock", "http":
	default:
		return errors.New("tts.mode must be one of mock|http")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	switch cfg.Emotion.Mode {
	case "mock", "openai":
	default:
		return errors.New("emotion.mode must be one of mock|openai")
	}
	switch cfg.Memory.Mode {
	case "mock", "redis", "http":
	default:
		return errors.New("memory.mode must be one of mock|redis|http")
	}
	if cfg.Memory.Mode == "redis" && cfg.Memory.RedisAddr == "" {
		return errors.New("memory.redis_addr must be set when mode=redis")
	}
	if cfg.Memory.Mode == "http" && cfg.Memory.Endpoint == "" {
		return errors.New("memory.endpoint must be set when mode=http")
	}
	if cfg.Memory.MaxEntries <= 0 {
		return errors.New("memory.max_entries must be >= 1")
	}
	if cfg.Conversation.HistoryLimit <= 0 {
		return errors.New("conversation.history_limit must be >= 1")
	}
	if cfg.Conversation.MinSegmentChars <= 0 {
		return errors.New("conversation.min_segment_chars must be >= 1")
	}
	if cfg.Conversation.AudioChunkBytes <= 0 {
		return errors.New("conversation.audio_chunk_bytes must be >= 1")
	}
	if cfg.Conversation.VoiceLanguage == "" || cfg.Conversation.TextLanguage == "" {
		return errors.New("conversation voice_language and text_language must not be empty")
	}
	if cfg.EventStore.Path == "" {
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
	return nil
}
