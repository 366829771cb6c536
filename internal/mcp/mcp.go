// Package mcp tracks configured and connected Model Context Protocol
// servers and exposes their tool catalog to the agent loop as a single
// dynamic namespace: connection lifecycle, retry-with-backoff, and
// dispatch with schema coercion and content normalisation.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	gosdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/poucet/noema/internal/noemaerr"
	"github.com/poucet/noema/internal/provider"
	"github.com/poucet/noema/internal/storage/content"
)

// AuthType selects how a server's requests are authorised.
type AuthType string

const (
	AuthNone  AuthType = "none"
	AuthToken AuthType = "token"
	AuthOAuth AuthType = "oauth"
)

// Transport selects how the registry reaches a server process.
type Transport string

const (
	TransportStreamableHTTP Transport = "streamable_http"
	TransportStdio          Transport = "stdio"
)

// ServerConfig is one configured-on-disk MCP server entry.
type ServerConfig struct {
	Name      string
	Transport Transport
	URL       string // streamable_http
	Command   string // stdio
	Args      []string

	Auth  AuthType
	Token string
	OAuth *OAuthConfig

	AutoConnect bool
	AutoRetry   bool
}

func (c ServerConfig) hasTarget() bool {
	if c.Transport == TransportStdio {
		return c.Command != ""
	}
	return c.URL != ""
}

func (c ServerConfig) targetLabel() string {
	if c.Transport == TransportStdio {
		if len(c.Args) == 0 {
			return c.Command
		}
		return c.Command + " " + strings.Join(c.Args, " ")
	}
	return c.URL
}

// StatusKind is the connection-lifecycle sum type spec §4.8 names.
type StatusKind string

const (
	StatusDisconnected StatusKind = "disconnected"
	StatusConnected    StatusKind = "connected"
	StatusRetrying     StatusKind = "retrying"
	StatusRetryStopped StatusKind = "retry_stopped"
)

// Status is the current lifecycle state of one configured server.
type Status struct {
	Kind      StatusKind
	Attempt   int
	LastError string
}

type connectedServer struct {
	config  ServerConfig
	session *gosdkmcp.ClientSession
	tools   []provider.ToolDefinition
	// schemas holds each tool's raw InputSchema, keyed by name, so Call
	// can validate coerced arguments against it directly instead of
	// only the flattened map toolSchemaToMap hands to provider.ToolDefinition.
	schemas map[string]*jsonschema.Schema
}

// Registry owns every configured server's config, live session (if
// connected), and retry goroutine. The zero value is not usable; build
// one with NewRegistry.
type Registry struct {
	log zerolog.Logger

	mu         sync.Mutex
	configured map[string]ServerConfig
	connected  map[string]*connectedServer
	status     map[string]Status
	cancelers  map[string]context.CancelFunc
}

// NewRegistry builds an empty registry. Servers are added with
// AddServer; auto_connect/auto_retry servers should be started
// explicitly by the caller after construction (mirrors the teacher's
// deferred-connect pattern — the registry never dials on its own).
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:        log.With().Str("component", "mcp").Logger(),
		configured: make(map[string]ServerConfig),
		connected:  make(map[string]*connectedServer),
		status:     make(map[string]Status),
		cancelers:  make(map[string]context.CancelFunc),
	}
}

// AddServer registers or replaces a configured server. It does not
// connect; call Connect or StartAutoRetry for that.
func (r *Registry) AddServer(cfg ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configured[cfg.Name] = cfg
	if _, ok := r.status[cfg.Name]; !ok {
		r.status[cfg.Name] = Status{Kind: StatusDisconnected}
	}
}

// RemoveServer disconnects (if connected), stops any retry loop, and
// forgets the server entirely.
func (r *Registry) RemoveServer(name string) {
	r.StopRetry(name)
	r.Disconnect(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configured, name)
	delete(r.status, name)
}

// ServerStatus reports a configured server's current lifecycle state.
func (r *Registry) ServerStatus(name string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.status[name]
	return s, ok
}

func (r *Registry) configFor(name string) (ServerConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configured[name]
	return cfg, ok
}

func (r *Registry) setStatus(name string, s Status) {
	r.mu.Lock()
	r.status[name] = s
	r.mu.Unlock()
}

// Connect dials one configured server, performs the MCP handshake,
// lists its tools, and caches the session. The registry's own lock is
// held only to read the config and to publish the result — the dial
// itself runs unlocked so a slow server cannot block unrelated calls.
func (r *Registry) Connect(ctx context.Context, name string) error {
	cfg, ok := r.configFor(name)
	if !ok {
		return noemaerr.NotFound("mcp server " + name)
	}
	if !cfg.hasTarget() {
		return fmt.Errorf("mcp server %q has no target", name)
	}

	client := gosdkmcp.NewClient(&gosdkmcp.Implementation{Name: "noema", Version: "1.0.0"}, nil)

	var session *gosdkmcp.ClientSession
	var err error
	switch cfg.Transport {
	case TransportStdio:
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		session, err = client.Connect(ctx, &gosdkmcp.CommandTransport{Command: cmd}, nil)
	default:
		httpClient, authErr := r.httpClientFor(cfg)
		if authErr != nil {
			return authErr
		}
		session, err = client.Connect(ctx, &gosdkmcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClient,
			MaxRetries: 3,
		}, nil)
	}
	if err != nil {
		r.setStatus(name, Status{Kind: StatusDisconnected, LastError: err.Error()})
		return fmt.Errorf("connect mcp server %q (%s): %w", name, cfg.targetLabel(), err)
	}

	tools, schemas, err := listTools(ctx, session)
	if err != nil {
		session.Close()
		r.setStatus(name, Status{Kind: StatusDisconnected, LastError: err.Error()})
		return err
	}

	r.mu.Lock()
	r.connected[name] = &connectedServer{config: cfg, session: session, tools: tools, schemas: schemas}
	r.status[name] = Status{Kind: StatusConnected}
	r.mu.Unlock()

	r.log.Info().Str("server", name).Int("tools", len(tools)).Msg("mcp server connected")
	return nil
}

// Disconnect closes the live session, if any, and marks the server
// disconnected. Safe to call on a server that was never connected.
func (r *Registry) Disconnect(name string) {
	r.mu.Lock()
	cs, ok := r.connected[name]
	delete(r.connected, name)
	if ok {
		r.status[name] = Status{Kind: StatusDisconnected}
	}
	r.mu.Unlock()
	if ok && cs.session != nil {
		cs.session.Close()
	}
}

func (r *Registry) httpClientFor(cfg ServerConfig) (*http.Client, error) {
	header, err := authorizationHeader(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &authRoundTripper{base: http.DefaultTransport, authorization: header},
	}, nil
}

func authorizationHeader(cfg ServerConfig) (string, error) {
	switch cfg.Auth {
	case "", AuthNone:
		return "", nil
	case AuthToken:
		if strings.TrimSpace(cfg.Token) == "" {
			return "", fmt.Errorf("mcp server %q has auth_type token but no token", cfg.Name)
		}
		return "Bearer " + cfg.Token, nil
	case AuthOAuth:
		if cfg.OAuth == nil || strings.TrimSpace(cfg.OAuth.AccessToken) == "" {
			return "", fmt.Errorf("mcp server %q has no live OAuth access token", cfg.Name)
		}
		return "Bearer " + cfg.OAuth.AccessToken, nil
	default:
		return "", fmt.Errorf("mcp server %q has unsupported auth_type %q", cfg.Name, cfg.Auth)
	}
}

type authRoundTripper struct {
	base          http.RoundTripper
	authorization string
}

func (rt *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.authorization == "" {
		return rt.base.RoundTrip(req)
	}
	cloned := req.Clone(req.Context())
	cloned.Header = req.Header.Clone()
	if cloned.Header.Get("Authorization") == "" {
		cloned.Header.Set("Authorization", rt.authorization)
	}
	return rt.base.RoundTrip(cloned)
}

func listTools(ctx context.Context, session *gosdkmcp.ClientSession) ([]provider.ToolDefinition, map[string]*jsonschema.Schema, error) {
	seen := make(map[string]struct{})
	schemas := make(map[string]*jsonschema.Schema)
	var defs []provider.ToolDefinition
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, nil, fmt.Errorf("list mcp tools: %w", err)
		}
		if tool == nil || strings.TrimSpace(tool.Name) == "" {
			continue
		}
		if _, ok := seen[tool.Name]; ok {
			continue
		}
		seen[tool.Name] = struct{}{}
		defs = append(defs, provider.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toolSchemaToMap(tool.InputSchema),
		})
		if tool.InputSchema != nil {
			schemas[tool.Name] = tool.InputSchema
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, schemas, nil
}

// toolSchemaToMap converts the SDK's *jsonschema.Schema into the plain
// map[string]any representation provider.ToolDefinition carries — that
// type is what every provider adapter and CoerceArgsToSchema already
// speak, so the struct goes through a JSON roundtrip decoded with
// gjson.Value() rather than being threaded through as a typed value.
// Call keeps the original *jsonschema.Schema (see connectedServer.schemas)
// for the argument validation this flattened form can't do.
func toolSchemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := gjson.ParseBytes(raw).Value().(map[string]any); ok {
		return m
	}
	return map[string]any{"type": "object"}
}

// validateToolArgs resolves raw (caching $refs and resolving
// sub-schemas) and validates coerced against it. CoerceArgsToSchema
// only fixes up types (string "5" to number 5, and the like); it has
// no notion of required properties, enums, or bounds, so this is the
// only place a malformed tool call is caught before it reaches the
// server.
func validateToolArgs(raw *jsonschema.Schema, coerced map[string]any) error {
	resolved, err := raw.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema: %w", err)
	}
	return resolved.Validate(coerced)
}

// GetAllDefinitions returns the union of every connected server's tool
// list. No de-duplication across servers — a name collision is a user
// config error, not enforced here, per spec.
func (r *Registry) GetAllDefinitions() []provider.ToolDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.connected))
	for name := range r.connected {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []provider.ToolDefinition
	for _, name := range names {
		out = append(out, r.connected[name].tools...)
	}
	return out
}

// serverForTool returns the first connected server advertising
// tool_name, by insertion-stable iteration order over sorted server
// names (deterministic, not load-balanced).
func (r *Registry) serverForTool(toolName string) (*connectedServer, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.connected))
	for name := range r.connected {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cs := r.connected[name]
		for _, t := range cs.tools {
			if t.Name == toolName {
				return cs, name, true
			}
		}
	}
	return nil, "", false
}

// Call dispatches one tool invocation: locate the first connected
// server advertising tool_name, coerce args against its declared
// schema, validate the coerced result against the server's original
// (unflattened) schema, call it, and normalise the response content.
func (r *Registry) Call(ctx context.Context, toolName string, args map[string]any) ([]content.ToolResultPart, error) {
	cs, serverName, ok := r.serverForTool(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", noemaerr.ErrNotFound, toolName)
	}

	var schema map[string]any
	for _, t := range cs.tools {
		if t.Name == toolName {
			schema = t.Parameters
			break
		}
	}
	coerced, _ := provider.CoerceArgsToSchema(args, schema).(map[string]any)
	if coerced == nil {
		coerced = args
	}

	if raw := cs.schemas[toolName]; raw != nil {
		if err := validateToolArgs(raw, coerced); err != nil {
			return nil, &noemaerr.ToolExecutionError{ToolName: toolName, Cause: fmt.Errorf("arguments do not satisfy %s's schema: %w", toolName, err)}
		}
	}

	result, err := cs.session.CallTool(ctx, &gosdkmcp.CallToolParams{Name: toolName, Arguments: coerced})
	if err != nil {
		return nil, &noemaerr.ToolExecutionError{ToolName: toolName, Cause: err}
	}

	parts := normalizeContent(result)
	if result != nil && result.IsError {
		return parts, &noemaerr.ToolExecutionError{ToolName: toolName, Cause: fmt.Errorf("server %s returned an error result", serverName)}
	}
	return parts, nil
}

// normalizeContent maps the SDK's Text|Image|Audio|EmbeddedResource|
// ResourceLink content items onto our Text|Image|Audio vocabulary;
// unknown types (including ResourceLink, which carries no inline
// payload) are dropped, per spec.
func normalizeContent(result *gosdkmcp.CallToolResult) []content.ToolResultPart {
	if result == nil {
		return nil
	}
	var parts []content.ToolResultPart
	for _, item := range result.Content {
		switch v := item.(type) {
		case *gosdkmcp.TextContent:
			parts = append(parts, content.ToolResultPart{Kind: "text", Text: v.Text})
		case *gosdkmcp.ImageContent:
			parts = append(parts, content.ToolResultPart{
				Kind: "image", MimeType: v.MIMEType, Data: base64.StdEncoding.EncodeToString(v.Data),
			})
		case *gosdkmcp.AudioContent:
			parts = append(parts, content.ToolResultPart{
				Kind: "audio", MimeType: v.MIMEType, Data: base64.StdEncoding.EncodeToString(v.Data),
			})
		case *gosdkmcp.EmbeddedResource:
			if v.Resource != nil && v.Resource.Text != "" {
				parts = append(parts, content.ToolResultPart{Kind: "text", Text: v.Resource.Text})
			} else if v.Resource != nil && len(v.Resource.Blob) > 0 {
				parts = append(parts, content.ToolResultPart{
					Kind: "text", Text: fmt.Sprintf("[resource %s, %d bytes]", v.Resource.URI, len(v.Resource.Blob)),
				})
			}
		}
	}
	return parts
}
