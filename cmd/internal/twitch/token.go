package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultValidateURL = "https://id.twitch.tv/oauth2/validate"
	DefaultTokenURL    = "https://id.twitch.tv/oauth2/token"
	DefaultTokenCache  = ".refreshed-token.json"
)

// ErrTokenInvalid reports a token the validation endpoint rejected.
var ErrTokenInvalid = errors.New("twitch: token invalid")

// TokenConfig configures a TokenSource.
type TokenConfig struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string

	// CachePath is where refreshed tokens are persisted (DefaultTokenCache when empty).
	CachePath string

	ValidateURL string
	TokenURL    string
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Now         func() time.Time
}

// tokenCache is the on-disk record of the latest refreshed token pair.
// It only applies while BaseAccessToken equals the configured access token.
type tokenCache struct {
	BaseAccessToken     string `json:"base_access_token"`
	CurrentAccessToken  string `json:"current_access_token"`
	CurrentRefreshToken string `json:"current_refresh_token"`
}

// TokenSource hands out a valid user access token, refreshing it at 80% of its validated lifetime.
// It implements oauth2.TokenSource.
type TokenSource struct {
	cfg   TokenConfig
	oauth *oauth2.Config
	log   *slog.Logger

	mu        sync.Mutex
	access    string
	refresh   string
	refreshAt time.Time
}

// NewTokenSource loads the cached token pair, validates the access token and schedules its refresh.
// A token the validation endpoint rejects is refreshed immediately.
func NewTokenSource(ctx context.Context, cfg TokenConfig) (*TokenSource, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("twitch: access token is required")
	}
	if cfg.CachePath == "" {
		cfg.CachePath = DefaultTokenCache
	}
	if cfg.ValidateURL == "" {
		cfg.ValidateURL = DefaultValidateURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ts := &TokenSource{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		log: cfg.Logger,
	}

	cached, err := loadTokenCache(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	ts.access, ts.refresh = cfg.AccessToken, cfg.RefreshToken
	if cached != nil && cached.BaseAccessToken == cfg.AccessToken {
		ts.access, ts.refresh = cached.CurrentAccessToken, cached.CurrentRefreshToken
		ts.log.Info("twitch.token.cache_hit", "path", cfg.CachePath)
	}

	lifetime, err := ts.validate(ctx, ts.access)
	switch {
	case errors.Is(err, ErrTokenInvalid):
		ts.log.Warn("twitch.token.invalid", "action", "refresh")
		ts.refreshAt = cfg.Now()
	case err != nil:
		return nil, err
	default:
		ts.refreshAt = cfg.Now().Add(lifetime - lifetime/5)
		ts.log.Info("twitch.token.validated", "refresh_in", (lifetime - lifetime/5).String())
	}
	return ts, nil
}

// Token returns the current access token, refreshing it first when due.
func (s *TokenSource) Token() (*oauth2.Token, error) {
	return s.TokenContext(context.Background())
}

// TokenContext is Token with a caller-supplied context for the refresh round trip.
func (s *TokenSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Now().Before(s.refreshAt) {
		if err := s.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	return &oauth2.Token{
		AccessToken:  s.access,
		RefreshToken: s.refresh,
		TokenType:    "OAuth",
		Expiry:       s.refreshAt,
	}, nil
}

// NextRefresh reports when the current token is due for refresh.
func (s *TokenSource) NextRefresh() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshAt
}

// Run refreshes the token in the background at each due time until ctx is done.
// Refresh failures are logged and retried after a minute.
func (s *TokenSource) Run(ctx context.Context) error {
	for {
		wait := max(s.NextRefresh().Sub(s.cfg.Now()), 0)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if _, err := s.TokenContext(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("twitch.token.refresh.fail", "err", err)
			s.mu.Lock()
			s.refreshAt = s.cfg.Now().Add(time.Minute)
			s.mu.Unlock()
		}
	}
}

func (s *TokenSource) refreshLocked(ctx context.Context) error {
	if s.refresh == "" {
		return errors.New("twitch: token expired and no refresh token is configured")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: s.refresh}).Token()
	if err != nil {
		return fmt.Errorf("twitch: refresh token: %w", err)
	}
	if tok.RefreshToken == "" {
		return errors.New("twitch: refresh response carried no refresh token")
	}

	lifetime, err := s.validate(ctx, tok.AccessToken)
	if err != nil {
		return fmt.Errorf("twitch: validate refreshed token: %w", err)
	}

	s.access, s.refresh = tok.AccessToken, tok.RefreshToken
	s.refreshAt = s.cfg.Now().Add(lifetime - lifetime/5)

	if err := writeTokenCache(s.cfg.CachePath, tokenCache{
		BaseAccessToken:     s.cfg.AccessToken,
		CurrentAccessToken:  s.access,
		CurrentRefreshToken: s.refresh,
	}); err != nil {
		// The refreshed token is still usable in memory.
		s.log.Error("twitch.token.cache.write_fail", "path", s.cfg.CachePath, "err", err)
	} else {
		s.log.Info("twitch.token.refreshed", "refresh_in", (lifetime - lifetime/5).String())
	}
	return nil
}

type validateResponse struct {
	ClientID  string `json:"client_id"`
	Login     string `json:"login"`
	UserID    string `json:"user_id"`
	ExpiresIn int64  `json:"expires_in"`
}

// validate asks the identity service how long the token remains valid.
func (s *TokenSource) validate(ctx context.Context, token string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ValidateURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("twitch: validate token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, ErrTokenInvalid
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("twitch: validate token: unexpected status %d", resp.StatusCode)
	}

	var v validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&v); err != nil {
		return 0, fmt.Errorf("twitch: decode validate response: %w", err)
	}
	if v.ExpiresIn <= 0 {
		// Non-expiring tokens report 0; re-validate hourly.
		return time.Hour, nil
	}
	return time.Duration(v.ExpiresIn) * time.Second, nil
}

func loadTokenCache(path string) (*tokenCache, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("twitch: read token cache: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	var c tokenCache
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("twitch: parse token cache %s: %w", path, err)
	}
	return &c, nil
}

func writeTokenCache(path string, c tokenCache) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
