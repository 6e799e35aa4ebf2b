package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("VOXLANE_PROVIDER_API_KEY", "pk_test")
	t.Setenv("VOXLANE_GEMINI_API_KEY", "gk_test")
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxAdditional != 3 {
		t.Errorf("MaxAdditional = %d", cfg.MaxAdditional)
	}
	if cfg.VADThreshold != 0.5 || cfg.VADLoweredThreshold != 0.3 {
		t.Errorf("VAD thresholds = %v, %v", cfg.VADThreshold, cfg.VADLoweredThreshold)
	}
	if cfg.DisconnectedGrace != 2*time.Minute {
		t.Errorf("DisconnectedGrace = %v", cfg.DisconnectedGrace)
	}
	if !cfg.AdditionalEnabled {
		t.Error("AdditionalEnabled should default to true")
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("VOXLANE_ADDR", ":9000")
	t.Setenv("VOXLANE_MAX_ADDITIONAL_QUESTIONS", "5")
	t.Setenv("VOXLANE_IDLE_TIMEOUT", "90s")
	t.Setenv("VOXLANE_ADDITIONAL_QUESTIONS", "off")
	t.Setenv("VOXLANE_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.MaxAdditional != 5 {
		t.Errorf("MaxAdditional = %d", cfg.MaxAdditional)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.AdditionalEnabled {
		t.Error("AdditionalEnabled should be off")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if _, ok := cfg.AllowedOrigins["https://b.example.com"]; !ok {
		t.Error("trimmed origin missing")
	}
}

func TestLoadFromEnv_MissingProviderKey(t *testing.T) {
	t.Setenv("VOXLANE_PROVIDER_API_KEY", "")
	t.Setenv("VOXLANE_GEMINI_API_KEY", "gk_test")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "VOXLANE_PROVIDER_API_KEY") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadFromEnv_RejectsInvertedVADThresholds(t *testing.T) {
	setRequired(t)
	t.Setenv("VOXLANE_VAD_THRESHOLD", "0.3")
	t.Setenv("VOXLANE_VAD_LOWERED_THRESHOLD", "0.6")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "VOXLANE_VAD_LOWERED_THRESHOLD") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadFromEnv_MalformedNumbersFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("VOXLANE_MAX_ADDITIONAL_QUESTIONS", "many")
	t.Setenv("VOXLANE_PERSIST_INTERVAL", "soon")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxAdditional != 3 {
		t.Errorf("MaxAdditional = %d, want default 3", cfg.MaxAdditional)
	}
	if cfg.PersistInterval != 2*time.Second {
		t.Errorf("PersistInterval = %v, want default 2s", cfg.PersistInterval)
	}
}
