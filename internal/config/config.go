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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Audio        AudioConfig        `yaml:"audio"`
	Conversation ConversationConfig `yaml:"conversation"`
	Recorder     RecorderConfig     `yaml:"recorder"`
	Routing      RoutingConfig      `yaml:"routing"`
	Personas     []PersonaConfig    `yaml:"personas"`
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
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig controls the narration/ambience mixer and the latency masks.
type AudioConfig struct {
	AssetDir         string  `yaml:"asset_dir"`
	AmbienceNormal   float64 `yaml:"ambience_normal"`
	AmbienceQuiet    float64 `yaml:"ambience_quiet"`
	MaskDuckVolume   float64 `yaml:"mask_duck_volume"`
	MaskDuckFadeMS   int     `yaml:"mask_duck_fade_ms"`
	FrameIntervalMS  int     `yaml:"frame_interval_ms"`
	ChaosMode        bool    `yaml:"chaos_mode"`
	ChaosMinDelayMS  int     `yaml:"chaos_min_delay_ms"`
	ChaosMaxDelayMS  int     `yaml:"chaos_max_delay_ms"`
	Verbose          bool    `yaml:"verbose"`
	MaskPollInterval int     `yaml:"mask_poll_interval_ms"`
}

type ConversationConfig struct {
	TokenEndpoint          string `yaml:"token_endpoint"`
	Source                 string `yaml:"source"`
	Version                string `yaml:"version"`
	VoiceURL               string `yaml:"voice_url"`
	IdentityToken          string `yaml:"identity_token"`
	IdentityCommand        string `yaml:"identity_command"`
	IdentityTimeoutMS      int    `yaml:"identity_timeout_ms"`
	TokenTimeoutMS         int    `yaml:"token_timeout_ms"`
	StartTimeoutMS         int    `yaml:"start_timeout_ms"`
	EndTimeoutMS           int    `yaml:"end_timeout_ms"`
	SettleTimeoutMS        int    `yaml:"settle_timeout_ms"`
	PreemptTimeoutMS       int    `yaml:"preempt_timeout_ms"`
	ReapplyPlayback        bool   `yaml:"reapply_playback"`
	ReapplyPlaybackDelayMS int    `yaml:"reapply_playback_delay_ms"`
}

type RecorderConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Directory         string `yaml:"directory"`
	BatchFrames       int    `yaml:"batch_frames"`
	DefaultSampleRate int    `yaml:"default_sample_rate"`
	Channels          int    `yaml:"channels"`
}

type RoutingConfig struct {
	Mode            string `yaml:"mode"` // noop, exec
	VoiceCommand    string `yaml:"voice_command"`
	PlaybackCommand string `yaml:"playback_command"`
}

type PersonaConfig struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	AgentID string            `yaml:"agent_id"`
	Masks   map[string]string `yaml:"masks"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
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
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			AssetDir:         "./assets",
			AmbienceNormal:   0.5,
			AmbienceQuiet:    0.2,
			MaskDuckVolume:   0.15,
			MaskDuckFadeMS:   300,
			FrameIntervalMS:  16,
			ChaosMinDelayMS:  1500,
			ChaosMaxDelayMS:  3500,
			MaskPollInterval: 50,
		},
		Conversation: ConversationConfig{
			Source:                 "narrator",
			IdentityTimeoutMS:      10000,
			TokenTimeoutMS:         15000,
			StartTimeoutMS:         15000,
			EndTimeoutMS:           15000,
			SettleTimeoutMS:        2000,
			PreemptTimeoutMS:       5000,
			ReapplyPlaybackDelayMS: 250,
		},
		Recorder: RecorderConfig{
			Enabled:           true,
			Directory:         "./data/recordings",
			BatchFrames:       24,
			DefaultSampleRate: 16000,
			Channels:          1,
		},
		Routing: RoutingConfig{
			Mode: "noop",
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

// Persona returns the configured persona with the given id.
func (c Config) Persona(id string) (PersonaConfig, bool) {
	for _, p := range c.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return PersonaConfig{}, false
}

// Millis converts a millisecond config value to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "NARRATOR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "NARRATOR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.AssetDir, "NARRATOR_AUDIO_ASSET_DIR")
	overrideFloat(&cfg.Audio.AmbienceNormal, "NARRATOR_AUDIO_AMBIENCE_NORMAL")
	overrideFloat(&cfg.Audio.AmbienceQuiet, "NARRATOR_AUDIO_AMBIENCE_QUIET")
	overrideFloat(&cfg.Audio.MaskDuckVolume, "NARRATOR_AUDIO_MASK_DUCK_VOLUME")
	overrideInt(&cfg.Audio.MaskDuckFadeMS, "NARRATOR_AUDIO_MASK_DUCK_FADE_MS")
	overrideBool(&cfg.Audio.ChaosMode, "NARRATOR_AUDIO_CHAOS_MODE")
	overrideBool(&cfg.Audio.Verbose, "NARRATOR_AUDIO_VERBOSE")
	overrideString(&cfg.Conversation.TokenEndpoint, "NARRATOR_CONVERSATION_TOKEN_ENDPOINT")
	overrideString(&cfg.Conversation.Source, "NARRATOR_CONVERSATION_SOURCE")
	overrideString(&cfg.Conversation.Version, "NARRATOR_CONVERSATION_VERSION")
	overrideString(&cfg.Conversation.VoiceURL, "NARRATOR_CONVERSATION_VOICE_URL")
	overrideString(&cfg.Conversation.IdentityToken, "NARRATOR_CONVERSATION_IDENTITY_TOKEN")
	overrideString(&cfg.Conversation.IdentityCommand, "NARRATOR_CONVERSATION_IDENTITY_COMMAND")
	overrideInt(&cfg.Conversation.TokenTimeoutMS, "NARRATOR_CONVERSATION_TOKEN_TIMEOUT_MS")
	overrideInt(&cfg.Conversation.StartTimeoutMS, "NARRATOR_CONVERSATION_START_TIMEOUT_MS")
	overrideInt(&cfg.Conversation.EndTimeoutMS, "NARRATOR_CONVERSATION_END_TIMEOUT_MS")
	overrideBool(&cfg.Conversation.ReapplyPlayback, "NARRATOR_CONVERSATION_REAPPLY_PLAYBACK")
	overrideInt(&cfg.Conversation.ReapplyPlaybackDelayMS, "NARRATOR_CONVERSATION_REAPPLY_PLAYBACK_DELAY_MS")
	overrideBool(&cfg.Recorder.Enabled, "NARRATOR_RECORDER_ENABLED")
	overrideString(&cfg.Recorder.Directory, "NARRATOR_RECORDER_DIRECTORY")
	overrideInt(&cfg.Recorder.BatchFrames, "NARRATOR_RECORDER_BATCH_FRAMES")
	overrideInt(&cfg.Recorder.DefaultSampleRate, "NARRATOR_RECORDER_DEFAULT_SAMPLE_RATE")
	overrideString(&cfg.Routing.Mode, "NARRATOR_ROUTING_MODE")
	overrideString(&cfg.Routing.VoiceCommand, "NARRATOR_ROUTING_VOICE_COMMAND")
	overrideString(&cfg.Routing.PlaybackCommand, "NARRATOR_ROUTING_PLAYBACK_COMMAND")
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

func validVolume(v float64) bool {
	return v >= 0 && v <= 1
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	if !validVolume(cfg.Audio.AmbienceNormal) || !validVolume(cfg.Audio.AmbienceQuiet) || !validVolume(cfg.Audio.MaskDuckVolume) {
		return errors.New("audio volume levels must be within [0,1]")
	}
	if cfg.Audio.FrameIntervalMS <= 0 {
		return errors.New("audio.frame_interval_ms must be positive")
	}
	if cfg.Audio.ChaosMode && cfg.Audio.ChaosMaxDelayMS < cfg.Audio.ChaosMinDelayMS {
		return errors.New("audio.chaos_max_delay_ms must be >= chaos_min_delay_ms")
	}
	if cfg.Conversation.TokenTimeoutMS <= 0 || cfg.Conversation.StartTimeoutMS <= 0 || cfg.Conversation.EndTimeoutMS <= 0 {
		return errors.New("conversation timeouts must be positive")
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.Directory == "" {
			return errors.New("recorder.directory must not be empty when recording is enabled")
		}
		if cfg.Recorder.BatchFrames <= 0 {
			return errors.New("recorder.batch_frames must be >= 1")
		}
		if cfg.Recorder.DefaultSampleRate <= 0 {
			return errors.New("recorder.default_sample_rate must be positive")
		}
		if cfg.Recorder.Channels <= 0 {
			return errors.New("recorder.channels must be positive")
		}
	}
	switch cfg.Routing.Mode {
	case "noop":
	case "exec":
		if cfg.Routing.VoiceCommand == "" || cfg.Routing.PlaybackCommand == "" {
			return errors.New("routing.voice_command and routing.playback_command must be set when mode=exec")
		}
	default:
		return errors.New("routing.mode must be one of noop|exec")
	}
	seen := make(map[string]struct{}, len(cfg.Personas))
	for _, p := range cfg.Personas {
		if p.ID == "" {
			return errors.New("personas[].id must not be empty")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate persona id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}
