package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettingsMissingFileYieldsDefaults(t *testing.T) {
	settings, err := LoadSettings(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Log.Level != "info" {
		t.Fatalf("expected default log level info, got %q", settings.Log.Level)
	}
	if settings.Providers == nil {
		t.Fatal("expected non-nil Providers map")
	}
}

func TestLoadSettingsReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := `
default_model: claude/claude-3-5-sonnet-latest
favourite_models:
  - claude/claude-3-5-sonnet-latest
  - openai/gpt-4o
providers:
  claude:
    api_key: file-key
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.DefaultModel != "claude/claude-3-5-sonnet-latest" {
		t.Fatalf("unexpected default model: %q", settings.DefaultModel)
	}
	if len(settings.FavouriteModels) != 2 {
		t.Fatalf("expected 2 favourite models, got %d", len(settings.FavouriteModels))
	}
	if settings.Providers["claude"].APIKey != "file-key" {
		t.Fatalf("unexpected claude api key: %q", settings.Providers["claude"].APIKey)
	}
	if settings.Log.Level != "debug" {
		t.Fatalf("expected log level debug, got %q", settings.Log.Level)
	}
}

func TestLoadSettingsFileValueWinsOverEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := "providers:\n  claude:\n    api_key: file-key\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Providers["claude"].APIKey != "file-key" {
		t.Fatalf("expected file value to win, got %q", settings.Providers["claude"].APIKey)
	}
}

func TestLoadSettingsEnvFillsEmptyProviderFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yaml")

	t.Setenv("OPENAI_API_KEY", "env-openai-key")
	t.Setenv("OPENAI_BASE_URL", "https://openai.example/v1")

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Providers["openai"].APIKey != "env-openai-key" {
		t.Fatalf("unexpected openai api key: %q", settings.Providers["openai"].APIKey)
	}
	if settings.Providers["openai"].BaseURL != "https://openai.example/v1" {
		t.Fatalf("unexpected openai base url: %q", settings.Providers["openai"].BaseURL)
	}
}

func TestSaveSettingsRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	original := (&Settings{
		DefaultModel:    "gemini/gemini-1.5-pro",
		FavouriteModels: []string{"gemini/gemini-1.5-pro"},
		Providers: map[string]ProviderSettings{
			"gemini": {APIKey: "k"},
		},
	}).WithDefaults()

	if err := SaveSettings(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.DefaultModel != original.DefaultModel {
		t.Fatalf("expected default model to round-trip, got %q", loaded.DefaultModel)
	}
	if loaded.Providers["gemini"].APIKey != "k" {
		t.Fatalf("expected provider api key to round-trip, got %q", loaded.Providers["gemini"].APIKey)
	}
}
