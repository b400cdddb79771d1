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
	EventStore  EventStoreConfig `yaml:"event_store"`
	LLM         LLMConfig        `yaml:"llm"`
	Voice       VoiceConfig      `yaml:"voice"`
	Speech      SpeechConfig     `yaml:"speech"`
	Providers   ProvidersConfig  `yaml:"providers"`
	Player      PlayerConfig     `yaml:"player"`
	Responder   ResponderConfig  `yaml:"responder"`
}

type BusConfig struct {
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
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	FallbackTier  string  `yaml:"fallback_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
}

// VoiceConfig selects the startup voice. ProfileID refers to a row of the
// event store's voices table; otherwise the inline fields are used. With
// neither set the speaker starts offline.
type VoiceConfig struct {
	ProfileID   int64  `yaml:"profile_id"`
	ProviderID  int    `yaml:"provider_id"`
	VoiceID     string `yaml:"voice_id"`
	DisplayName string `yaml:"display_name"`
	KnownFrom   string `yaml:"known_from"`
	Verb        string `yaml:"verb"`
}

type SpeechConfig struct {
	SpeakInSegments   bool   `yaml:"speak_in_segments"`
	UseFallbacks      bool   `yaml:"use_fallbacks"`
	MinWordGaps       int    `yaml:"min_word_gaps"`
	PollIntervalMS    int    `yaml:"poll_interval_ms"`
	DownloadIdleMS    int    `yaml:"download_idle_ms"`
	PlaybackIdleMS    int    `yaml:"playback_idle_ms"`
	DispatchAttempts  int    `yaml:"dispatch_attempts"`
	DispatchBackoffMS int    `yaml:"dispatch_backoff_ms"`
	AudioDir          string `yaml:"audio_dir"`
}

type ProvidersConfig struct {
	FakeYou    FakeYouConfig    `yaml:"fakeyou"`
	Uberduck   UberduckConfig   `yaml:"uberduck"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Command    CommandConfig    `yaml:"command"`
}

type FakeYouConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	StorageURL     string `yaml:"storage_url"`
	Token          string `yaml:"token"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	PacingMS       int    `yaml:"pacing_ms"`
}

type UberduckConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type ElevenLabsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	ModelID   string `yaml:"model_id"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type CommandConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// PlayerConfig maps audio file extensions to player commands.
type PlayerConfig struct {
	WAV string `yaml:"wav"`
	MP3 string `yaml:"mp3"`
}

type ResponderConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DefaultTier  string `yaml:"default_tier"`
	Regenerate   bool   `yaml:"regenerate_on_fallback"`
	RecordEvents bool   `yaml:"record_events"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speak",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-speak.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		LLM: LLMConfig{
			Enabled:       true,
			Mode:          "mock",
			Endpoint:      "http://localhost:11434",
			ModelFast:     "llama3.2:latest",
			ModelBalanced: "llama3.2:latest",
			DefaultTier:   "balanced",
			FallbackTier:  "fast",
			MaxTokens:     256,
			Temperature:   0.7,
		},
		Speech: SpeechConfig{
			SpeakInSegments:   true,
			UseFallbacks:      true,
			MinWordGaps:       2,
			PollIntervalMS:    30,
			DownloadIdleMS:    1000,
			PlaybackIdleMS:    200,
			DispatchAttempts:  4,
			DispatchBackoffMS: 100,
			AudioDir:          "./data/audio",
		},
		Providers: ProvidersConfig{
			FakeYou: FakeYouConfig{
				Endpoint:       "https://api.fakeyou.com",
				StorageURL:     "https://storage.googleapis.com/vocodes-public",
				PollIntervalMS: 1000,
				TimeoutMS:      60000,
				PacingMS:       3100,
			},
			Uberduck: UberduckConfig{
				Endpoint:       "https://api.uberduck.ai",
				PollIntervalMS: 500,
				TimeoutMS:      60000,
			},
			ElevenLabs: ElevenLabsConfig{
				Endpoint:  "https://api.elevenlabs.io",
				ModelID:   "eleven_monolingual_v1",
				TimeoutMS: 30000,
			},
			Command: CommandConfig{
				SampleRate: 22050,
				Channels:   1,
			},
		},
		Player: PlayerConfig{
			WAV: "aplay -q",
			MP3: "mpg123 -q",
		},
		Responder: ResponderConfig{
			Enabled:      true,
			DefaultTier:  "balanced",
			Regenerate:   true,
			RecordEvents: true,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
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
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.ModelFast, "LOQA_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "LOQA_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "LOQA_LLM_DEFAULT_TIER")
	overrideString(&cfg.LLM.FallbackTier, "LOQA_LLM_FALLBACK_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt64(&cfg.Voice.ProfileID, "LOQA_VOICE_PROFILE_ID")
	overrideInt(&cfg.Voice.ProviderID, "LOQA_VOICE_PROVIDER_ID")
	overrideString(&cfg.Voice.VoiceID, "LOQA_VOICE_ID")
	overrideString(&cfg.Voice.DisplayName, "LOQA_VOICE_DISPLAY_NAME")
	overrideBool(&cfg.Speech.SpeakInSegments, "LOQA_SPEECH_SPEAK_IN_SEGMENTS")
	overrideBool(&cfg.Speech.UseFallbacks, "LOQA_SPEECH_USE_FALLBACKS")
	overrideInt(&cfg.Speech.MinWordGaps, "LOQA_SPEECH_MIN_WORD_GAPS")
	overrideInt(&cfg.Speech.PollIntervalMS, "LOQA_SPEECH_POLL_INTERVAL_MS")
	overrideInt(&cfg.Speech.DispatchAttempts, "LOQA_SPEECH_DISPATCH_ATTEMPTS")
	overrideString(&cfg.Speech.AudioDir, "LOQA_SPEECH_AUDIO_DIR")
	overrideBool(&cfg.Providers.FakeYou.Enabled, "LOQA_FAKEYOU_ENABLED")
	overrideString(&cfg.Providers.FakeYou.Token, "LOQA_FAKEYOU_TOKEN")
	overrideBool(&cfg.Providers.Uberduck.Enabled, "LOQA_UBERDUCK_ENABLED")
	overrideString(&cfg.Providers.Uberduck.APIKey, "LOQA_UBERDUCK_API_KEY")
	overrideString(&cfg.Providers.Uberduck.APISecret, "LOQA_UBERDUCK_API_SECRET")
	overrideBool(&cfg.Providers.ElevenLabs.Enabled, "LOQA_ELEVENLABS_ENABLED")
	overrideString(&cfg.Providers.ElevenLabs.APIKey, "LOQA_ELEVENLABS_API_KEY")
	overrideString(&cfg.Providers.ElevenLabs.ModelID, "LOQA_ELEVENLABS_MODEL_ID")
	overrideBool(&cfg.Providers.Command.Enabled, "LOQA_TTS_COMMAND_ENABLED")
	overrideString(&cfg.Providers.Command.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.Player.WAV, "LOQA_PLAYER_WAV")
	overrideString(&cfg.Player.MP3, "LOQA_PLAYER_MP3")
	overrideBool(&cfg.Responder.Enabled, "LOQA_RESPONDER_ENABLED")
	overrideString(&cfg.Responder.DefaultTier, "LOQA_RESPONDER_DEFAULT_TIER")
	overrideBool(&cfg.Responder.Regenerate, "LOQA_RESPONDER_REGENERATE_ON_FALLBACK")
	overrideBool(&cfg.Responder.RecordEvents, "LOQA_RESPONDER_RECORD_EVENTS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.Voice.ProfileID < 0 {
		return errors.New("voice.profile_id must be >= 0")
	}
	if cfg.Voice.ProviderID != 0 && cfg.Voice.VoiceID == "" {
		return errors.New("voice.voice_id must be set when voice.provider_id is set")
	}
	if cfg.Speech.DispatchAttempts <= 0 {
		return errors.New("speech.dispatch_attempts must be >= 1")
	}
	if cfg.Speech.PollIntervalMS <= 0 {
		return errors.New("speech.poll_interval_ms must be positive")
	}
	if cfg.Speech.AudioDir == "" {
		return errors.New("speech.audio_dir must not be empty")
	}
	if cfg.Providers.FakeYou.Enabled && cfg.Providers.FakeYou.Endpoint == "" {
		return errors.New("providers.fakeyou.endpoint must be set when enabled")
	}
	if cfg.Providers.Uberduck.Enabled {
		if cfg.Providers.Uberduck.APIKey == "" || cfg.Providers.Uberduck.APISecret == "" {
			return errors.New("providers.uberduck.api_key and api_secret must be set when enabled")
		}
	}
	if cfg.Providers.ElevenLabs.Enabled && cfg.Providers.ElevenLabs.APIKey == "" {
		return errors.New("providers.elevenlabs.api_key must be set when enabled")
	}
	if cfg.Providers.Command.Enabled {
		if cfg.Providers.Command.Command == "" {
			return errors.New("providers.command.command must be set when enabled")
		}
		if cfg.Providers.Command.SampleRate <= 0 {
			return errors.New("providers.command.sample_rate must be positive")
		}
		if cfg.Providers.Command.Channels <= 0 {
			return errors.New("providers.command.channels must be positive")
		}
	}
	if cfg.Player.WAV == "" && cfg.Player.MP3 == "" {
		return errors.New("player must configure at least one of wav|mp3")
	}
	if cfg.Responder.Enabled && cfg.Responder.DefaultTier == "" {
		return errors.New("responder.default_tier must not be empty")
	}
	return nil
}
