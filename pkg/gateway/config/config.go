package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Realtime speech provider.
	ProviderURL    string
	ProviderAPIKey string
	Voice          string

	// Analysis model.
	GeminiAPIKey string
	GeminiModel  string

	// Storage. Empty selects the in-memory store (development only).
	DatabaseURL string

	// Interview template, a JSON file of questions.
	QuestionsPath string

	AdditionalEnabled bool
	MaxAdditional     int

	VADThreshold        float64
	VADLoweredThreshold float64
	SilenceDurationMS   int

	PersistInterval       time.Duration
	GuidanceTimeout       time.Duration
	GuidanceMinConfidence float64
	FinalizeTimeout       time.Duration

	// Watchdog thresholds.
	MaxSessionAge     time.Duration
	HeartbeatTimeout  time.Duration
	IdleTimeout       time.Duration
	DisconnectedGrace time.Duration
	WarningWindow     time.Duration
	SweepInterval     time.Duration
	PingInterval      time.Duration

	// CORS origins allowed to open the interview socket; empty disables the
	// check (same-origin deployments).
	AllowedOrigins map[string]struct{}

	MetricsNamespace string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("VOXLANE_ADDR", ":8080"),
		ProviderURL:           envOr("VOXLANE_PROVIDER_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		ProviderAPIKey:        os.Getenv("VOXLANE_PROVIDER_API_KEY"),
		Voice:                 envOr("VOXLANE_VOICE", "alloy"),
		GeminiAPIKey:          os.Getenv("VOXLANE_GEMINI_API_KEY"),
		GeminiModel:           envOr("VOXLANE_GEMINI_MODEL", "gemini-2.0-flash"),
		DatabaseURL:           os.Getenv("VOXLANE_DATABASE_URL"),
		QuestionsPath:         envOr("VOXLANE_QUESTIONS_PATH", "questions.json"),
		AdditionalEnabled:     envBoolOr("VOXLANE_ADDITIONAL_QUESTIONS", true),
		MaxAdditional:         envIntOr("VOXLANE_MAX_ADDITIONAL_QUESTIONS", 3),
		VADThreshold:          envFloat64Or("VOXLANE_VAD_THRESHOLD", 0.5),
		VADLoweredThreshold:   envFloat64Or("VOXLANE_VAD_LOWERED_THRESHOLD", 0.3),
		SilenceDurationMS:     envIntOr("VOXLANE_VAD_SILENCE_MS", 700),
		PersistInterval:       envDurationOr("VOXLANE_PERSIST_INTERVAL", 2*time.Second),
		GuidanceTimeout:       envDurationOr("VOXLANE_GUIDANCE_TIMEOUT", 10*time.Second),
		GuidanceMinConfidence: envFloat64Or("VOXLANE_GUIDANCE_MIN_CONFIDENCE", 0.6),
		FinalizeTimeout:       envDurationOr("VOXLANE_FINALIZE_TIMEOUT", 30*time.Second),
		MaxSessionAge:         envDurationOr("VOXLANE_MAX_SESSION_AGE", 90*time.Minute),
		HeartbeatTimeout:      envDurationOr("VOXLANE_HEARTBEAT_TIMEOUT", 60*time.Second),
		IdleTimeout:           envDurationOr("VOXLANE_IDLE_TIMEOUT", 5*time.Minute),
		DisconnectedGrace:     envDurationOr("VOXLANE_DISCONNECTED_GRACE", 2*time.Minute),
		WarningWindow:         envDurationOr("VOXLANE_WARNING_WINDOW", 30*time.Second),
		SweepInterval:         envDurationOr("VOXLANE_SWEEP_INTERVAL", 10*time.Second),
		PingInterval:          envDurationOr("VOXLANE_PING_INTERVAL", 20*time.Second),
		AllowedOrigins:        make(map[string]struct{}),
		MetricsNamespace:      envOr("VOXLANE_METRICS_NAMESPACE", "voxlane"),
		ReadHeaderTimeout:     envDurationOr("VOXLANE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("VOXLANE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOXLANE_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.ProviderURL) == "" {
		return Config{}, fmt.Errorf("VOXLANE_PROVIDER_URL must not be empty")
	}
	if strings.TrimSpace(cfg.ProviderAPIKey) == "" {
		return Config{}, fmt.Errorf("VOXLANE_PROVIDER_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return Config{}, fmt.Errorf("VOXLANE_GEMINI_API_KEY must be set")
	}
	if cfg.MaxAdditional <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_MAX_ADDITIONAL_QUESTIONS must be > 0")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VOXLANE_VAD_THRESHOLD must be in (0,1]")
	}
	if cfg.VADLoweredThreshold <= 0 || cfg.VADLoweredThreshold > cfg.VADThreshold {
		return Config{}, fmt.Errorf("VOXLANE_VAD_LOWERED_THRESHOLD must be in (0, VOXLANE_VAD_THRESHOLD]")
	}
	if cfg.GuidanceMinConfidence <= 0 || cfg.GuidanceMinConfidence >= 1 {
		return Config{}, fmt.Errorf("VOXLANE_GUIDANCE_MIN_CONFIDENCE must be in (0,1)")
	}
	if cfg.PersistInterval <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_PERSIST_INTERVAL must be > 0")
	}
	if cfg.GuidanceTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_GUIDANCE_TIMEOUT must be > 0")
	}
	if cfg.FinalizeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_FINALIZE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessionAge <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_MAX_SESSION_AGE must be > 0")
	}
	if cfg.HeartbeatTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_HEARTBEAT_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_IDLE_TIMEOUT must be > 0")
	}
	if cfg.DisconnectedGrace <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_DISCONNECTED_GRACE must be > 0")
	}
	if cfg.WarningWindow <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_WARNING_WINDOW must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_PING_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXLANE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
