// Package config loads CantinaOS's layered configuration: compiled-in
// defaults, overridden by an optional YAML file, overridden by CANTINA_*
// environment variables. There is no layer for programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path entirely.
const ConfigPathEnvVar = "CANTINA_CONFIG_PATH"

// DefaultConfigPaths are searched in order when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cantinaos/config.yaml",
}

// envPrefix and envDelim control the env provider: CANTINA_MUSIC_LIBRARY_ROOT
// maps to Music.LibraryRoot.
const (
	envPrefix = "CANTINA_"
	envDelim  = "."
)

// BusConfig tunes internal/bus.
type BusConfig struct {
	MailboxSize int `koanf:"mailbox_size"`
}

// VoiceConfig tunes internal/voice timeouts.
type VoiceConfig struct {
	STTIdleCloseMs int     `koanf:"stt_idle_close_ms"`
	LLMTurnMs      int     `koanf:"llm_turn_ms"`
	TTSRenderMs    int     `koanf:"tts_render_ms"`
	DuckFactor     float64 `koanf:"duck_factor"`
}

// MusicConfig tunes internal/music.
type MusicConfig struct {
	LibraryRoot         string   `koanf:"library_root"`
	CacheFile           string   `koanf:"cache_file"`
	SupportedExtensions []string `koanf:"supported_extensions"`
	DurationPollMs      int      `koanf:"duration_poll_ms"`
	DurationMaxWaitMs   int      `koanf:"duration_max_wait_ms"`
	ProgressIntervalMs  int      `koanf:"progress_interval_ms"`
}

// DJConfig tunes internal/dj defaults.
type DJConfig struct {
	CrossfadeSec      int `koanf:"crossfade_sec"`
	CommentaryLeadSec int `koanf:"commentary_lead_sec"`
	HistoryMax        int `koanf:"history_max"`
}

// EyeLightsConfig tunes internal/eyelights.
type EyeLightsConfig struct {
	SerialPort        string `koanf:"serial_port"`
	BaudRate          int    `koanf:"baud_rate"`
	ResponseTimeoutMs int    `koanf:"response_timeout_ms"`
	CoalesceMs        int    `koanf:"coalesce_ms"`
	MaxBackoffMs      int    `koanf:"max_backoff_ms"`
}

// WebBridgeConfig tunes internal/webbridge.
type WebBridgeConfig struct {
	ListenAddr         string   `koanf:"listen_addr"`
	ClientSendQueue    int      `koanf:"client_send_queue"`
	ProgressRateHz     int      `koanf:"progress_rate_hz"`
	AudioLevelRateHz   int      `koanf:"audio_level_rate_hz"`
	HTTPRateLimitRPS   int      `koanf:"http_rate_limit_rps"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// TelemetryConfig tunes internal/telemetry.
type TelemetryConfig struct {
	RingBufferSize int    `koanf:"ring_buffer_size"`
	SessionDir     string `koanf:"session_dir"`
	DedupWindowMs  int    `koanf:"dedup_window_ms"`
}

// Config is the fully-resolved, layered configuration.
type Config struct {
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	Bus       BusConfig       `koanf:"bus"`
	Voice     VoiceConfig     `koanf:"voice"`
	Music     MusicConfig     `koanf:"music"`
	DJ        DJConfig        `koanf:"dj"`
	EyeLights EyeLightsConfig `koanf:"eyelights"`
	WebBridge WebBridgeConfig `koanf:"webbridge"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// DefaultConfig returns the compiled-in baseline: default timeouts, duck
// factor, and other tunables used when no file or environment override is
// present.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Bus: BusConfig{
			MailboxSize: 256,
		},
		Voice: VoiceConfig{
			STTIdleCloseMs: 3000,
			LLMTurnMs:      20000,
			TTSRenderMs:    15000,
			DuckFactor:     0.2,
		},
		Music: MusicConfig{
			LibraryRoot:         "./library",
			CacheFile:           "./.library_cache.json",
			SupportedExtensions: []string{".mp3", ".wav", ".m4a", ".ogg", ".flac"},
			DurationPollMs:      10,
			DurationMaxWaitMs:   5000,
			ProgressIntervalMs:  1000,
		},
		DJ: DJConfig{
			CrossfadeSec:      5,
			CommentaryLeadSec: 10,
			HistoryMax:        8,
		},
		EyeLights: EyeLightsConfig{
			SerialPort:        "/dev/ttyUSB0",
			BaudRate:          115200,
			ResponseTimeoutMs: 500,
			CoalesceMs:        30,
			MaxBackoffMs:      10000,
		},
		WebBridge: WebBridgeConfig{
			ListenAddr:       ":8080",
			ClientSendQueue:  64,
			ProgressRateHz:   10,
			AudioLevelRateHz: 20,
			HTTPRateLimitRPS: 20,
		},
		Telemetry: TelemetryConfig{
			RingBufferSize: 2000,
			SessionDir:     "./logs",
			DedupWindowMs:  1000,
		},
	}
}

// Load builds a Config from defaults, an optional config file, and
// CANTINA_* env var overrides, in that order (each layer overrides the
// previous).
func Load() (Config, error) {
	k := koanf.New(envDelim)

	def := DefaultConfig()
	if err := k.Load(structs.Provider(def, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := configFilePath(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, envDelim, func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		// Only the first underscore after a section name separates it from
		// the field; field names keep their own underscores.
		if section, field, ok := strings.Cut(s, "_"); ok {
			switch section {
			case "bus", "voice", "music", "dj", "eyelights", "webbridge", "telemetry":
				return section + envDelim + field
			}
		}
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// configFilePath resolves the config file search order: explicit env
// override, then the first existing path in DefaultConfigPaths. An env
// override naming a file that does not exist means no config file.
func configFilePath() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		return ""
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
