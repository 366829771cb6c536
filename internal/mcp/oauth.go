package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// OAuthConfig is the persisted token-and-endpoint state for one MCP
// server's OAuth authorisation, mirroring the Rust OAuth variant:
// client_id, client_secret?, auth_url?, token_url?, scopes,
// access_token?, refresh_token?, expires_at?.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (c *OAuthConfig) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: c.AuthURL, TokenURL: c.TokenURL}
}

func (c *OAuthConfig) config(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     c.endpoint(),
		RedirectURL:  redirectURI,
		Scopes:       c.Scopes,
	}
}

// oauthServerMetadata is the subset of RFC 8414 authorization server
// metadata we need.
type oauthServerMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// DiscoverOAuthEndpoints probes issuerBaseURL's
// .well-known/oauth-authorization-server document and returns the
// authorization and token endpoints it advertises.
func DiscoverOAuthEndpoints(ctx context.Context, httpClient *http.Client, issuerBaseURL string) (authURL, tokenURL string, err error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	probeURL := strings.TrimRight(issuerBaseURL, "/") + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("probe %s: %w", probeURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("probe %s: unexpected status %d", probeURL, resp.StatusCode)
	}

	var meta oauthServerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", "", fmt.Errorf("decode oauth metadata from %s: %w", probeURL, err)
	}
	return meta.AuthorizationEndpoint, meta.TokenEndpoint, nil
}

// NewOAuthState generates a random nonce for the authorization
// request's state parameter, to be verified against the callback. A
// v4 UUID's 122 bits of randomness are plenty for a CSRF nonce this
// short-lived; distinct from noemaid's xid-based ids, which are
// sortable by design and would leak a generation timestamp here.
func NewOAuthState() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// AuthorizationURL composes the authorization-code request URL for
// cfg, embedding state as the CSRF nonce the caller must verify on
// callback.
func AuthorizationURL(cfg *OAuthConfig, redirectURI, state string) string {
	return cfg.config(redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for tokens at cfg's token
// endpoint and persists them (and the recomputed expiry) into cfg.
func ExchangeCode(ctx context.Context, cfg *OAuthConfig, redirectURI, code string) error {
	token, err := cfg.config(redirectURI).Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange oauth code: %w", err)
	}
	applyToken(cfg, token)
	return nil
}

// RefreshIfNeeded refreshes cfg's access token when it is expired or
// about to expire, using the stored refresh token. A no-op if the
// current token still has headroom or no refresh token is available.
func RefreshIfNeeded(ctx context.Context, cfg *OAuthConfig, redirectURI string) error {
	if cfg.RefreshToken == "" {
		return nil
	}
	if cfg.ExpiresAt.IsZero() || time.Until(cfg.ExpiresAt) > 60*time.Second {
		return nil
	}

	source := cfg.config(redirectURI).TokenSource(ctx, &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	})
	token, err := source.Token()
	if err != nil {
		return fmt.Errorf("refresh oauth token: %w", err)
	}
	applyToken(cfg, token)
	return nil
}

func applyToken(cfg *OAuthConfig, token *oauth2.Token) {
	cfg.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cfg.RefreshToken = token.RefreshToken
	}
	cfg.ExpiresAt = token.Expiry
}

// RefreshSweeper periodically calls RefreshIfNeeded over every
// registered OAuth config, using the same cron scheduling primitive
// the rest of the codebase uses for background jobs.
type RefreshSweeper struct {
	cron *cronlib.Cron
	log  zerolog.Logger
}

// NewRefreshSweeper builds a sweeper that has not yet started. Configs
// are polled by calling lookup() fresh on every tick, so additions and
// removals of OAuth-authenticated servers take effect without
// restarting the sweeper.
func NewRefreshSweeper(log zerolog.Logger) *RefreshSweeper {
	return &RefreshSweeper{cron: cronlib.New(), log: log.With().Str("component", "mcp.oauth").Logger()}
}

// Start schedules the sweep at spec (a robfig/cron expression, e.g.
// "@every 5m") and begins running it in the background. redirectURI is
// passed through to each refresh's token-source construction.
func (s *RefreshSweeper) Start(spec, redirectURI string, lookup func() map[string]*OAuthConfig) error {
	_, err := s.cron.AddFunc(spec, func() {
		for name, cfg := range lookup() {
			if err := RefreshIfNeeded(context.Background(), cfg, redirectURI); err != nil {
				s.log.Warn().Err(err).Str("server", name).Msg("oauth refresh failed")
			}
		}
	})
	if err != nil {
		return fmt.Errorf("schedule oauth refresh sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the sweep, waiting for any in-flight tick to finish.
func (s *RefreshSweeper) Stop() {
	<-s.cron.Stop().Done()
}

// ParseCallbackURL extracts the authorization code and state from an
// OAuth redirect callback URL, for a caller that owns the HTTP
// listener (the callback server itself is an external collaborator;
// only this parsing step and the subsequent exchange are core).
func ParseCallbackURL(callback string) (code, state string, err error) {
	parsed, err := url.Parse(callback)
	if err != nil {
		return "", "", fmt.Errorf("parse oauth callback: %w", err)
	}
	q := parsed.Query()
	if errMsg := q.Get("error"); errMsg != "" {
		return "", "", fmt.Errorf("oauth callback error: %s", errMsg)
	}
	return q.Get("code"), q.Get("state"), nil
}
