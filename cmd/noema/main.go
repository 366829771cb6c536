// Command noema is the conversational-AI workstation's daemon entrypoint:
// it wires storage, providers, and MCP servers into one agent.Manager and
// then blocks, handling turns submitted by whatever desktop/TUI front end
// is driving it out of process. Argument parsing, terminal rendering, and
// the OAuth callback HTTP server are external collaborators' concerns, not
// this binary's — see the non-goals this follows from.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/poucet/noema/internal/agent"
	"github.com/poucet/noema/internal/config"
	"github.com/poucet/noema/internal/logging"
	"github.com/poucet/noema/internal/mcp"
	"github.com/poucet/noema/internal/provider"
	"github.com/poucet/noema/internal/provider/claude"
	"github.com/poucet/noema/internal/provider/gemini"
	"github.com/poucet/noema/internal/provider/ollama"
	"github.com/poucet/noema/internal/provider/openai"
	"github.com/poucet/noema/internal/storage/assetstore"
	"github.com/poucet/noema/internal/storage/blobstore"
	"github.com/poucet/noema/internal/storage/coordinator"
	"github.com/poucet/noema/internal/storage/docstore"
	"github.com/poucet/noema/internal/storage/entitystore"
	"github.com/poucet/noema/internal/storage/textstore"
	sqliteturns "github.com/poucet/noema/internal/storage/turnstore/sqlite"
)

// Filled at build time with the -X linker flag, matching the teacher's
// cmd/ai/main.go version-stamping convention.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	home, err := resolveHome()
	if err != nil {
		fmt.Fprintln(os.Stderr, "noema:", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		fmt.Fprintln(os.Stderr, "noema:", err)
		os.Exit(1)
	}

	settingsPath := filepath.Join(home, "settings.yaml")
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "noema: load settings:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(settings.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := logging.New(level, settings.Log.JSON)
	log.Info().
		Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).
		Str("home", home).
		Msg("starting noema")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(filepath.Join(home, "noema.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}

	coord, docs, err := openStorage(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("ensure storage schema")
	}

	resolver, err := buildProviderResolver(settings, log)
	if err != nil {
		log.Fatal().Err(err).Msg("configure providers")
	}

	registry, err := buildMCPRegistry(ctx, filepath.Join(home, "mcp.json"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("configure mcp servers")
	}

	manager := agent.NewManager(coord, docs, registry, resolver, log)
	_ = manager // held alive for whatever out-of-process transport attaches next

	log.Info().Str("default_model", settings.DefaultModel).Msg("noema ready")
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// resolveHome locates noema's config/data directory: $NOEMA_HOME if set,
// otherwise the platform config dir (matching pkg/search/env.go's
// env-override-first, directory-default-otherwise precedence).
func resolveHome() (string, error) {
	if home := os.Getenv("NOEMA_HOME"); home != "" {
		return home, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "noema"), nil
}

func openDatabase(path string) (*dbutil.Database, error) {
	raw, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("wrap %s: %w", path, err)
	}
	return db, nil
}

// openStorage ensures every store's schema exists and assembles them
// into the coordinator, matching the six-store bundle spec.md §2/§9
// describes.
func openStorage(ctx context.Context, db *dbutil.Database) (*coordinator.Coordinator, *docstore.Store, error) {
	blob := blobstore.New(db)
	asset := assetstore.New(db)
	text := textstore.New(db)
	entity := entitystore.New(db)
	docs := docstore.New(db)
	turns := sqliteturns.New(db)

	for _, ensure := range []func(context.Context) error{
		blob.EnsureSchema, asset.EnsureSchema, text.EnsureSchema,
		entity.EnsureSchema, docs.EnsureSchema, turns.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			return nil, nil, err
		}
	}

	return coordinator.New(blob, asset, text, entity, turns), docs, nil
}

// buildProviderResolver constructs one adapter per provider with
// credentials on file (Ollama always, since it talks to a local daemon
// needing no key) and routes by SplitModelID's provider segment. Each
// adapter serves every model under its provider, since a request's
// actual model travels in ChatRequest.Model rather than the adapter's
// own construction-time modelID.
func buildProviderResolver(settings *config.Settings, log zerolog.Logger) (agent.ProviderResolver, error) {
	models := make(map[string]provider.ChatModel)

	if ps := settings.Providers["claude"]; ps.APIKey != "" {
		models["claude"] = claude.New(ps.APIKey, ps.BaseURL, "claude-sonnet-4-5", log)
	}
	if ps := settings.Providers["openai"]; ps.APIKey != "" {
		models["openai"] = openai.New(ps.APIKey, ps.BaseURL, "gpt-4o", "openai", log)
	}
	if ps := settings.Providers["gemini"]; ps.APIKey != "" {
		m, err := gemini.New(context.Background(), ps.APIKey, ps.BaseURL, "gemini-2.0-flash", log)
		if err != nil {
			return nil, fmt.Errorf("configure gemini: %w", err)
		}
		models["gemini"] = m
	}
	models["ollama"] = ollama.New(settings.Providers["ollama"].BaseURL, "llama3", log)

	return agent.ProviderResolverFunc(func(modelID string) (provider.ChatModel, error) {
		key, _, ok := agent.SplitModelID(modelID)
		if !ok {
			return nil, fmt.Errorf("model id %q is missing a provider prefix", modelID)
		}
		model, ok := models[key]
		if !ok {
			return nil, fmt.Errorf("no provider configured for %q", key)
		}
		return model, nil
	}), nil
}

// buildMCPRegistry loads the configured server list, registers each one,
// and connects the ones flagged auto_connect — falling back to the
// background retry loop when an auto_connect server's first dial fails
// and it also allows auto_retry.
func buildMCPRegistry(ctx context.Context, mcpPath string, log zerolog.Logger) (*mcp.Registry, error) {
	registry := mcp.NewRegistry(log)

	file, err := config.LoadMCPServers(mcpPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", mcpPath, err)
	}

	retryCfg := mcpAutoRetryConfig{path: mcpPath}
	for _, entry := range file.Servers {
		cfg := entry.ToServerConfig()
		registry.AddServer(cfg)
		if !cfg.AutoConnect {
			continue
		}
		if err := registry.Connect(ctx, cfg.Name); err != nil {
			log.Warn().Err(err).Str("server", cfg.Name).Msg("mcp server connect failed")
			if cfg.AutoRetry {
				registry.StartAutoRetry(ctx, cfg.Name, retryCfg)
			}
		}
	}

	return registry, nil
}

// mcpAutoRetryConfig re-reads mcp.json on every check so toggling a
// server's auto_retry flag on disk stops a running retry loop on its
// next wake without a restart, per mcp.AutoRetryConfigProvider's contract.
type mcpAutoRetryConfig struct {
	path string
}

func (c mcpAutoRetryConfig) AutoRetryEnabled(serverName string) bool {
	file, err := config.LoadMCPServers(c.path)
	if err != nil {
		return false
	}
	idx, ok := file.IndexOfServer(serverName)
	if !ok {
		return false
	}
	return file.Servers[idx].AutoRetry
}
