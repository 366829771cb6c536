package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/sjson"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/poucet/noema/internal/mcp"
)

// MCPOAuthEntry is the on-disk shape of one server's OAuth state,
// mirroring mcp.OAuthConfig field-for-field so the two can be converted
// without information loss.
type MCPOAuthEntry struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	AuthURL      string   `json:"auth_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds, 0 if unset
}

// MCPServerEntry is the on-disk shape of one configured MCP server in
// mcp.json, mirroring mcp.ServerConfig.
type MCPServerEntry struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport"` // "streamable_http" | "stdio"
	URL       string   `json:"url,omitempty"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`

	Auth  string         `json:"auth_type"` // "none" | "token" | "oauth"
	Token string         `json:"token,omitempty"`
	OAuth *MCPOAuthEntry `json:"oauth,omitempty"`

	AutoConnect bool `json:"auto_connect"`
	AutoRetry   bool `json:"auto_retry"`
}

// MCPServersFile is the full mcp.json document: a flat list of
// configured servers.
type MCPServersFile struct {
	Servers []MCPServerEntry `json:"servers"`
}

// ToServerConfig converts one on-disk entry into the registry's live
// config type.
func (e MCPServerEntry) ToServerConfig() mcp.ServerConfig {
	cfg := mcp.ServerConfig{
		Name:        e.Name,
		Transport:   mcp.Transport(e.Transport),
		URL:         e.URL,
		Command:     e.Command,
		Args:        e.Args,
		Auth:        mcp.AuthType(e.Auth),
		Token:       e.Token,
		AutoConnect: e.AutoConnect,
		AutoRetry:   e.AutoRetry,
	}
	if e.OAuth != nil {
		o := &mcp.OAuthConfig{
			ClientID:     e.OAuth.ClientID,
			ClientSecret: e.OAuth.ClientSecret,
			AuthURL:      e.OAuth.AuthURL,
			TokenURL:     e.OAuth.TokenURL,
			Scopes:       e.OAuth.Scopes,
			AccessToken:  e.OAuth.AccessToken,
			RefreshToken: e.OAuth.RefreshToken,
		}
		if e.OAuth.ExpiresAt != 0 {
			o.ExpiresAt = time.Unix(e.OAuth.ExpiresAt, 0)
		}
		cfg.OAuth = o
	}
	return cfg
}

// FromServerConfig converts a live registry config back to its on-disk
// shape, for persisting OAuth token refreshes or user-edited settings.
func FromServerConfig(cfg mcp.ServerConfig) MCPServerEntry {
	e := MCPServerEntry{
		Name:        cfg.Name,
		Transport:   string(cfg.Transport),
		URL:         cfg.URL,
		Command:     cfg.Command,
		Args:        cfg.Args,
		Auth:        string(cfg.Auth),
		Token:       cfg.Token,
		AutoConnect: cfg.AutoConnect,
		AutoRetry:   cfg.AutoRetry,
	}
	if cfg.OAuth != nil {
		o := &MCPOAuthEntry{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			AuthURL:      cfg.OAuth.AuthURL,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
			AccessToken:  cfg.OAuth.AccessToken,
			RefreshToken: cfg.OAuth.RefreshToken,
		}
		if !cfg.OAuth.ExpiresAt.IsZero() {
			o.ExpiresAt = cfg.OAuth.ExpiresAt.Unix()
		}
		e.OAuth = o
	}
	return e
}

// LoadMCPServers reads path as JSON5 (tolerating comments and trailing
// commas for a hand-edited server list). A missing file yields an empty
// document, not an error.
func LoadMCPServers(path string) (MCPServersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return MCPServersFile{}, nil
		}
		return MCPServersFile{}, err
	}
	var file MCPServersFile
	if err := json5.Unmarshal(data, &file); err != nil {
		return MCPServersFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return file, nil
}

// SaveMCPServers writes the full server list back to path as indented
// JSON5, keeping a .bak copy in case the write is interrupted mid-way,
// mirroring pkg/cron/store.go's save-plus-backup pattern.
func SaveMCPServers(path string, file MCPServersFile) error {
	payload, err := json5.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	return os.WriteFile(path, payload, 0o600)
}

// PatchServerOAuthTokens rewrites only the named server's OAuth token
// fields in the on-disk mcp.json, leaving every other byte of the file
// untouched. This is the targeted, non-destructive write the refresh
// sweeper needs: re-marshalling the whole MCPServersFile on every token
// refresh would clobber any manual formatting or field ordering a user
// left in their hand-edited file, which is exactly what sjson's
// set-one-path-in-place approach avoids.
//
// sjson only understands strict JSON, not the JSON5 comments/trailing
// commas mcp.json otherwise tolerates on load, so this only takes the
// in-place path when the file is already strict JSON; a hand-edited
// JSON5 file falls back to a full load-mutate-save round trip instead
// of risking a corrupting patch.
func PatchServerOAuthTokens(path string, serverIndex int, oauth MCPOAuthEntry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if !json.Valid(data) {
		return patchServerOAuthTokensViaFullRewrite(path, serverIndex, oauth)
	}

	raw := string(data)
	base := fmt.Sprintf("servers.%d.oauth", serverIndex)
	for field, value := range map[string]any{
		"access_token":  oauth.AccessToken,
		"refresh_token": oauth.RefreshToken,
		"expires_at":    oauth.ExpiresAt,
	} {
		raw, err = sjson.Set(raw, base+"."+field, value)
		if err != nil {
			return fmt.Errorf("patch %s in %s: %w", base+"."+field, path, err)
		}
	}

	_ = os.WriteFile(path+".bak", data, 0o600)
	return os.WriteFile(path, []byte(raw), 0o600)
}

func patchServerOAuthTokensViaFullRewrite(path string, serverIndex int, oauth MCPOAuthEntry) error {
	file, err := LoadMCPServers(path)
	if err != nil {
		return err
	}
	if serverIndex < 0 || serverIndex >= len(file.Servers) {
		return fmt.Errorf("server index %d out of range in %s", serverIndex, path)
	}
	existing := file.Servers[serverIndex].OAuth
	if existing == nil {
		existing = &MCPOAuthEntry{}
	}
	existing.AccessToken = oauth.AccessToken
	existing.RefreshToken = oauth.RefreshToken
	existing.ExpiresAt = oauth.ExpiresAt
	file.Servers[serverIndex].OAuth = existing
	return SaveMCPServers(path, file)
}

// IndexOfServer returns the position of name within file.Servers, for
// callers that need to address PatchServerOAuthTokens's serverIndex.
func (f MCPServersFile) IndexOfServer(name string) (int, bool) {
	for i, s := range f.Servers {
		if s.Name == name {
			return i, true
		}
	}
	return 0, false
}
