package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration. Values come from built-in defaults,
// optionally overlaid by a YAML file, with environment variables winning last.
type Config struct {
	Addr   string
	DBPath string

	OllamaBaseURL  string
	DefaultModel   string
	AllowedModels  []string
	VisionModels   []string
	RequestTimeout int // seconds, model backend requests

	HistoryWindow      int // K: raw messages exposed per turn
	SummarizeThreshold int // T: history length that triggers summarization
	KeepRecent         int // R: messages kept verbatim after summarization
	ImageCacheSize     int // M: cached images per chat

	MaxMessageChars int
	MaxDigestChars  int
	PreviewChars    int

	BreakerThreshold int
	BreakerCooldown  int // seconds

	StandardPersona string
	VoicePersona    string
}

// fileConfig mirrors the YAML config file shape. Zero values are treated
// as "not set" and leave the default in place.
type fileConfig struct {
	Addr               string `yaml:"addr"`
	DBPath             string `yaml:"db_path"`
	OllamaBaseURL      string `yaml:"ollama_base_url"`
	DefaultModel       string `yaml:"default_model"`
	AllowedModels      string `yaml:"allowed_models"`
	VisionModels       string `yaml:"vision_models"`
	RequestTimeout     int    `yaml:"request_timeout_seconds"`
	HistoryWindow      int    `yaml:"history_window"`
	SummarizeThreshold int    `yaml:"summarize_threshold"`
	KeepRecent         int    `yaml:"keep_recent"`
	ImageCacheSize     int    `yaml:"image_cache_size"`
	MaxMessageChars    int    `yaml:"max_message_chars"`
	MaxDigestChars     int    `yaml:"max_digest_chars"`
	PreviewChars       int    `yaml:"preview_chars"`
	BreakerThreshold   int    `yaml:"breaker_threshold"`
	BreakerCooldown    int    `yaml:"breaker_cooldown_seconds"`
	StandardPersona    string `yaml:"standard_persona"`
	VoicePersona       string `yaml:"voice_persona"`
}

const (
	defaultStandardPersona = "You are a helpful assistant. Answer clearly and stay consistent with the conversation so far."
	defaultVoicePersona    = "You are a voice assistant. Keep replies short, conversational, and easy to speak aloud. Do not use markdown."
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:               ":8080",
		DBPath:             "/state/memochat.db",
		OllamaBaseURL:      "http://127.0.0.1:11434",
		DefaultModel:       "llava:latest",
		AllowedModels:      []string{"llava:latest", "bakllava:latest", "deepseek-r1:latest"},
		VisionModels:       []string{"llava:latest", "bakllava:latest"},
		RequestTimeout:     300,
		HistoryWindow:      20,
		SummarizeThreshold: 16,
		KeepRecent:         8,
		ImageCacheSize:     2,
		MaxMessageChars:    4000,
		MaxDigestChars:     2000,
		PreviewChars:       280,
		BreakerThreshold:   3,
		BreakerCooldown:    30,
		StandardPersona:    defaultStandardPersona,
		VoicePersona:       defaultVoicePersona,
	}
}

// Load builds the configuration from defaults, an optional YAML file at
// path (path == "" skips the overlay), and environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		applyFile(&cfg, fc)
	}

	applyEnv(&cfg)

	if cfg.KeepRecent > cfg.SummarizeThreshold {
		return Config{}, fmt.Errorf("keep_recent (%d) must not exceed summarize_threshold (%d)", cfg.KeepRecent, cfg.SummarizeThreshold)
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Addr != "" {
		cfg.Addr = fc.Addr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.OllamaBaseURL != "" {
		cfg.OllamaBaseURL = fc.OllamaBaseURL
	}
	if fc.DefaultModel != "" {
		cfg.DefaultModel = fc.DefaultModel
	}
	if fc.AllowedModels != "" {
		cfg.AllowedModels = splitCSV(fc.AllowedModels)
	}
	if fc.VisionModels != "" {
		cfg.VisionModels = splitCSV(fc.VisionModels)
	}
	if fc.RequestTimeout > 0 {
		cfg.RequestTimeout = fc.RequestTimeout
	}
	if fc.HistoryWindow > 0 {
		cfg.HistoryWindow = fc.HistoryWindow
	}
	if fc.SummarizeThreshold > 0 {
		cfg.SummarizeThreshold = fc.SummarizeThreshold
	}
	if fc.KeepRecent > 0 {
		cfg.KeepRecent = fc.KeepRecent
	}
	if fc.ImageCacheSize > 0 {
		cfg.ImageCacheSize = fc.ImageCacheSize
	}
	if fc.MaxMessageChars > 0 {
		cfg.MaxMessageChars = fc.MaxMessageChars
	}
	if fc.MaxDigestChars > 0 {
		cfg.MaxDigestChars = fc.MaxDigestChars
	}
	if fc.PreviewChars > 0 {
		cfg.PreviewChars = fc.PreviewChars
	}
	if fc.BreakerThreshold > 0 {
		cfg.BreakerThreshold = fc.BreakerThreshold
	}
	if fc.BreakerCooldown > 0 {
		cfg.BreakerCooldown = fc.BreakerCooldown
	}
	if fc.StandardPersona != "" {
		cfg.StandardPersona = fc.StandardPersona
	}
	if fc.VoicePersona != "" {
		cfg.VoicePersona = fc.VoicePersona
	}
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOrDefault("MEMOCHAT_ADDR", cfg.Addr)
	cfg.DBPath = envOrDefault("MEMOCHAT_DB_PATH", cfg.DBPath)
	cfg.OllamaBaseURL = envOrDefault("OLLAMA_BASE_URL", cfg.OllamaBaseURL)
	cfg.DefaultModel = envOrDefault("MEMOCHAT_DEFAULT_MODEL", cfg.DefaultModel)
	if v := os.Getenv("MEMOCHAT_ALLOWED_MODELS"); v != "" {
		cfg.AllowedModels = splitCSV(v)
	}
	if v := os.Getenv("MEMOCHAT_VISION_MODELS"); v != "" {
		cfg.VisionModels = splitCSV(v)
	}
	cfg.RequestTimeout = envIntOrDefault("MEMOCHAT_REQUEST_TIMEOUT_SECONDS", cfg.RequestTimeout)
	cfg.HistoryWindow = envIntOrDefault("MEMOCHAT_HISTORY_WINDOW", cfg.HistoryWindow)
	cfg.SummarizeThreshold = envIntOrDefault("MEMOCHAT_SUMMARIZE_THRESHOLD", cfg.SummarizeThreshold)
	cfg.KeepRecent = envIntOrDefault("MEMOCHAT_KEEP_RECENT", cfg.KeepRecent)
	cfg.ImageCacheSize = envIntOrDefault("MEMOCHAT_IMAGE_CACHE_SIZE", cfg.ImageCacheSize)
	cfg.MaxMessageChars = envIntOrDefault("MEMOCHAT_MAX_MESSAGE_CHARS", cfg.MaxMessageChars)
	cfg.MaxDigestChars = envIntOrDefault("MEMOCHAT_MAX_DIGEST_CHARS", cfg.MaxDigestChars)
	cfg.PreviewChars = envIntOrDefault("MEMOCHAT_PREVIEW_CHARS", cfg.PreviewChars)
	cfg.BreakerThreshold = envIntOrDefault("MEMOCHAT_BREAKER_THRESHOLD", cfg.BreakerThreshold)
	cfg.BreakerCooldown = envIntOrDefault("MEMOCHAT_BREAKER_COOLDOWN_SECONDS", cfg.BreakerCooldown)
	cfg.StandardPersona = envOrDefault("MEMOCHAT_STANDARD_PERSONA", cfg.StandardPersona)
	cfg.VoicePersona = envOrDefault("MEMOCHAT_VOICE_PERSONA", cfg.VoicePersona)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
