// Package config loads noema's on-disk configuration: settings.yaml
// (default model, favourite models, provider credentials, log level) and
// mcp.json (configured MCP servers). Settings fills provider credentials
// and base URLs the file leaves empty from env vars, matching the
// teacher's config-from-file-then-env precedence; mcp.json has no env
// overrides.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderSettings is one LLM provider's credentials and routing
// override, keyed by provider name ("claude", "openai", "gemini",
// "ollama") in Settings.Providers.
type ProviderSettings struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LogSettings controls the zerolog level and format used across every
// component logger.
type LogSettings struct {
	Level string `yaml:"level"` // "debug" | "info" | "warn" | "error"
	JSON  bool   `yaml:"json"`  // false selects zerolog's console writer
}

// Settings is the top-level settings.yaml document: default model,
// favourite models, per-provider credentials/routing, and log
// preferences.
type Settings struct {
	DefaultModel    string                      `yaml:"default_model"`
	FavouriteModels []string                    `yaml:"favourite_models"`
	Providers       map[string]ProviderSettings `yaml:"providers"`
	Log             LogSettings                 `yaml:"log"`
}

// WithDefaults fills zero-value fields with their defaults, mirroring
// the teacher's InboundConfig.WithDefaults nil-safe pattern.
func (s *Settings) WithDefaults() *Settings {
	if s == nil {
		s = &Settings{}
	}
	if s.Providers == nil {
		s.Providers = map[string]ProviderSettings{}
	}
	if strings.TrimSpace(s.Log.Level) == "" {
		s.Log.Level = "info"
	}
	return s
}

// LoadSettings reads path as YAML (a JSON document parses identically,
// since JSON is a YAML subset) and applies env-var overrides. A missing
// file yields defaults with env overrides applied, not an error — first
// run should work with zero on-disk config.
func LoadSettings(path string) (*Settings, error) {
	settings := &Settings{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		// fall through with zero-value settings
	default:
		return nil, err
	}

	settings = settings.WithDefaults()
	applyEnvOverrides(settings)
	return settings, nil
}

// SaveSettings writes settings back to path as YAML.
func SaveSettings(path string, settings *Settings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// providerEnvPrefixes maps a provider name to the env-var prefix used
// for its *_API_KEY/*_BASE_URL overrides. Ollama has no API key since it
// talks to a local daemon, only a base URL.
var providerEnvPrefixes = map[string]string{
	"claude": "ANTHROPIC",
	"openai": "OPENAI",
	"gemini": "GEMINI",
	"ollama": "OLLAMA",
}

// applyEnvOverrides layers <PREFIX>_API_KEY / <PREFIX>_BASE_URL onto
// settings.Providers, filling only empty fields — explicit file config
// always wins over the environment, matching pkg/search/env.go's
// envOr precedence.
func applyEnvOverrides(settings *Settings) {
	for name, prefix := range providerEnvPrefixes {
		ps := settings.Providers[name]
		ps.APIKey = envOr(ps.APIKey, os.Getenv(prefix+"_API_KEY"))
		ps.BaseURL = envOr(ps.BaseURL, os.Getenv(prefix+"_BASE_URL"))
		settings.Providers[name] = ps
	}
}

func envOr(existing, value string) string {
	value = strings.TrimSpace(value)
	if existing != "" || value == "" {
		return existing
	}
	return value
}
