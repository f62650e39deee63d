// Package spotify implements the music-playback integration: OAuth token
// management backed by the store, and polling of the currently-playing
// endpoint. The sync core only consumes the Enabled flag and SyncPlayback,
// so the transport details never leak into the hub or poller.
package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/koripet/koripet/internal/store"
	"github.com/koripet/koripet/pkg/models"
)

const (
	tokenEndpoint    = "https://accounts.spotify.com/api/token"
	authEndpoint     = "https://accounts.spotify.com/authorize"
	playbackEndpoint = "https://api.spotify.com/v1/me/player/currently-playing"
	requestScope     = "user-read-currently-playing user-read-playback-state"

	// Access tokens are refreshed this long before their reported expiry.
	expirySkew = 30 * time.Second
)

// Config holds the app credentials. A nil Config disables the integration.
type Config struct {
	ClientID     string
	ClientSecret string
	// FallbackRefreshToken is used when the store holds no refresh token,
	// letting deployments bootstrap from an env-provided token.
	FallbackRefreshToken string
}

// PlaybackState is the narrow result the poller consumes.
type PlaybackState struct {
	IsPlaying bool
	Track     *string
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// Client talks to the Spotify Web API. Safe for concurrent use.
type Client struct {
	cfg    *Config
	store  store.Store
	client *http.Client
	log    zerolog.Logger

	mu     sync.Mutex
	cached map[string]cachedToken // per pet
}

// New creates a client. cfg may be nil, in which case every call degrades to
// "integration disabled".
func New(cfg *Config, s store.Store, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		store:  s,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		cached: make(map[string]cachedToken),
	}
}

// AuthConfigured reports whether app credentials are present; required for
// the OAuth login routes.
func (c *Client) AuthConfigured() bool { return c.cfg != nil }

// Enabled reports whether the integration is linked for a pet: credentials
// plus a usable refresh token.
func (c *Client) Enabled(ctx context.Context, petID string) bool {
	if c.cfg == nil {
		return false
	}
	if c.cfg.FallbackRefreshToken != "" {
		return true
	}
	tokens, err := c.store.GetSpotifyTokens(ctx, petID)
	if err != nil {
		return false
	}
	return tokens.RefreshToken != nil && *tokens.RefreshToken != ""
}

// AuthorizeURL builds the user-consent URL for the OAuth flow.
func (c *Client) AuthorizeURL(state, redirectURI string) (string, error) {
	if c.cfg == nil {
		return "", fmt.Errorf("spotify client credentials are not configured")
	}
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {c.cfg.ClientID},
		"scope":         {requestScope},
		"redirect_uri":  {redirectURI},
		"state":         {state},
		"show_dialog":   {"true"},
	}
	return authEndpoint + "?" + q.Encode(), nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

func (c *Client) basicAuth() string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+c.basicAuth())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &tr, nil
}

// ExchangeCode trades an authorization code for a token pair and persists it.
func (c *Client) ExchangeCode(ctx context.Context, petID, code, redirectURI string) error {
	if c.cfg == nil {
		return fmt.Errorf("spotify client credentials are not configured")
	}
	tr, err := c.tokenRequest(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	})
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	return c.storeTokens(ctx, petID, tr, nil)
}

func (c *Client) storeTokens(ctx context.Context, petID string, tr *tokenResponse, prevRefresh *string) error {
	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - expirySkew)
	expiresMillis := expiresAt.UnixMilli()

	refresh := tr.RefreshToken
	if refresh == "" && prevRefresh != nil {
		refresh = *prevRefresh
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	scope := tr.Scope
	if scope == "" {
		scope = requestScope
	}

	_, err := c.store.SetSpotifyTokens(ctx, petID, models.SpotifyTokensPatch{
		AccessToken:  &tr.AccessToken,
		RefreshToken: &refresh,
		ExpiresAt:    &expiresMillis,
		TokenType:    &tokenType,
		Scope:        &scope,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cached[petID] = cachedToken{accessToken: tr.AccessToken, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

func (c *Client) refreshAccessToken(ctx context.Context, petID string) (string, error) {
	stored, err := c.store.GetSpotifyTokens(ctx, petID)
	if err != nil {
		return "", err
	}
	refresh := ""
	if stored.RefreshToken != nil {
		refresh = *stored.RefreshToken
	}
	if refresh == "" {
		refresh = c.cfg.FallbackRefreshToken
	}
	if refresh == "" {
		return "", fmt.Errorf("no refresh token available")
	}

	tr, err := c.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	})
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	if err := c.storeTokens(ctx, petID, tr, &refresh); err != nil {
		return "", err
	}
	return tr.AccessToken, nil
}

func (c *Client) accessToken(ctx context.Context, petID string) (string, error) {
	now := time.Now()

	stored, err := c.store.GetSpotifyTokens(ctx, petID)
	if err == nil && stored.AccessToken != nil && stored.ExpiresAt != nil {
		if at := time.UnixMilli(*stored.ExpiresAt); at.After(now) {
			c.mu.Lock()
			c.cached[petID] = cachedToken{accessToken: *stored.AccessToken, expiresAt: at}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	cached, ok := c.cached[petID]
	c.mu.Unlock()
	if ok && cached.expiresAt.After(now) {
		return cached.accessToken, nil
	}

	return c.refreshAccessToken(ctx, petID)
}

func (c *Client) dropCached(petID string) {
	c.mu.Lock()
	delete(c.cached, petID)
	c.mu.Unlock()
}

type playbackResponse struct {
	IsPlaying bool `json:"is_playing"`
	Item      *struct {
		Name    string `json:"name"`
		Artists []struct {
			Name string `json:"name"`
		} `json:"artists"`
	} `json:"item"`
}

// SyncPlayback fetches the currently-playing state. A 401 triggers one token
// refresh and retry; a second 401 clears the stored tokens so Enabled flips
// off until the user relinks.
func (c *Client) SyncPlayback(ctx context.Context, petID string) (*PlaybackState, error) {
	return c.syncPlayback(ctx, petID, false)
}

func (c *Client) syncPlayback(ctx context.Context, petID string, retried bool) (*PlaybackState, error) {
	if c.cfg == nil {
		return nil, nil
	}
	token, err := c.accessToken(ctx, petID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playbackEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create playback request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("playback request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return &PlaybackState{IsPlaying: false}, nil

	case http.StatusOK:
		var pb playbackResponse
		if err := json.NewDecoder(resp.Body).Decode(&pb); err != nil {
			return nil, fmt.Errorf("decode playback response: %w", err)
		}
		if !pb.IsPlaying || pb.Item == nil {
			return &PlaybackState{IsPlaying: false}, nil
		}
		name := pb.Item.Name
		if name == "" {
			name = "Unknown Track"
		}
		artists := make([]string, 0, len(pb.Item.Artists))
		for _, a := range pb.Item.Artists {
			if a.Name != "" {
				artists = append(artists, a.Name)
			}
		}
		track := name
		if len(artists) > 0 {
			track = name + " — " + strings.Join(artists, ", ")
		}
		return &PlaybackState{IsPlaying: true, Track: &track}, nil

	case http.StatusUnauthorized:
		if !retried {
			c.dropCached(petID)
			if _, err := c.refreshAccessToken(ctx, petID); err != nil {
				return nil, err
			}
			return c.syncPlayback(ctx, petID, true)
		}
		c.log.Warn().Str("pet", petID).Msg("spotify unauthorized, clearing stored tokens")
		if err := c.store.ClearSpotifyTokens(ctx, petID); err != nil {
			c.log.Warn().Err(err).Msg("failed to clear spotify tokens")
		}
		return nil, fmt.Errorf("playback endpoint unauthorized")

	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected playback response %d: %s", resp.StatusCode, body)
	}
}
