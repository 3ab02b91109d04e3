package onecta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/onecta-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/onecta-bridge/internal/kvstore"
)

const (
	tokenRequestTimeout = 60 * time.Second
	maxTokenBodyBytes   = 64 << 10
)

// Credentials identify the bridge to the Onecta identity provider.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Complete reports whether both id and secret are set.
func (c Credentials) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// VaultConfig configures a TokenVault.
type VaultConfig struct {
	// Account is the account key. It is also the KV namespace.
	Account string

	// TokenURL is the identity provider token endpoint.
	TokenURL string

	Credentials Credentials
	RedirectURI string

	Store kvstore.Store

	// HTTPClient defaults to a client with a 60 second timeout.
	HTTPClient *http.Client

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Logger Logger
}

// TokenVault owns the OAuth token state of one account. It is the only
// writer of the persisted token keys.
type TokenVault struct {
	account     string
	tokenURL    string
	creds       Credentials
	redirectURI string
	store       kvstore.Store
	client      *http.Client
	clock       clock.Clock
	logger      Logger

	// mu guards state and is held across KV writes, never across HTTP.
	mu    sync.Mutex
	state TokenState
	// unsaved is set while state is newer than the stored triple.
	unsaved bool

	flight   singleflight.Group
	onChange func(TokenState)
}

// NewTokenVault creates a vault with empty state. Call Load to restore
// persisted tokens.
func NewTokenVault(cfg VaultConfig) (*TokenVault, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("%w: account is required", ErrConfig)
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("%w: token URL is required", ErrConfig)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: token store is required", ErrConfig)
	}

	v := &TokenVault{
		account:     cfg.Account,
		tokenURL:    cfg.TokenURL,
		creds:       cfg.Credentials,
		redirectURI: cfg.RedirectURI,
		store:       cfg.Store,
		client:      cfg.HTTPClient,
		clock:       cfg.Clock,
		logger:      orNop(cfg.Logger),
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: tokenRequestTimeout}
	}
	if v.clock == nil {
		v.clock = clock.New()
	}
	return v, nil
}

// Account returns the account key.
func (v *TokenVault) Account() string {
	return v.account
}

// SetOnChange registers a callback invoked, without locks held, after every
// installed or cleared token state. It must be set before the vault is used.
func (v *TokenVault) SetOnChange(fn func(TokenState)) {
	v.onChange = fn
}

// State returns a snapshot of the current tokens.
func (v *TokenVault) State() TokenState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// HasTokens reports whether the account is registered.
func (v *TokenVault) HasTokens() bool {
	return !v.State().IsZero()
}

// Load restores tokens from the store. A partially stored triple is
// treated as no tokens.
func (v *TokenVault) Load(ctx context.Context) error {
	access, err := v.store.GetString(ctx, v.account, keyAccessToken)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("loading access token: %w", err)
	}
	validUntil, err := v.store.GetInt(ctx, v.account, keyAccessTokenValidUntil)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("loading access token expiry: %w", err)
	}
	refresh, err := v.store.GetString(ctx, v.account, keyRefreshToken)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("loading refresh token: %w", err)
	}

	var st TokenState
	if access != "" && refresh != "" && validUntil > 0 {
		st = TokenState{
			AccessToken:       access,
			AccessTokenExpiry: time.Unix(validUntil, 0),
			RefreshToken:      refresh,
		}
	}

	v.mu.Lock()
	v.state = st
	v.unsaved = false
	v.mu.Unlock()

	if st.IsZero() {
		v.logger.Info("no stored tokens, account needs registration", "account", v.account)
	} else {
		v.logger.Info("tokens loaded",
			"account", v.account,
			"access_token", logging.Redact(st.AccessToken),
			"valid_until", st.AccessTokenExpiry.UTC())
	}
	return nil
}

// ExchangeCode trades an authorization code for a new token triple.
func (v *TokenVault) ExchangeCode(ctx context.Context, code string) error {
	if !v.creds.Complete() {
		return fmt.Errorf("%w: %w", ErrExchangeFailed, ErrMissingCredentials)
	}
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {v.creds.ClientID},
		"client_secret": {v.creds.ClientSecret},
		"code":          {code},
		"redirect_uri":  {v.redirectURI},
	}
	st, err := v.requestTokens(ctx, form)
	if err != nil {
		v.logger.Warn("authorization code exchange failed", "account", v.account, "error", err)
		return fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	v.install(ctx, st)
	v.logger.Info("account registered",
		"account", v.account,
		"access_token", logging.Redact(st.AccessToken),
		"valid_until", st.AccessTokenExpiry.UTC())
	return nil
}

// Refresh redeems the stored refresh token for a new triple. The refresh
// token rotates: the old one is unusable afterwards. No retries.
func (v *TokenVault) Refresh(ctx context.Context) error {
	refresh := v.State().RefreshToken
	if !v.creds.Complete() || refresh == "" {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, ErrMissingCredentials)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {v.creds.ClientID},
		"client_secret": {v.creds.ClientSecret},
		"refresh_token": {refresh},
	}
	st, err := v.requestTokens(ctx, form)
	if err != nil {
		v.logger.Warn("token refresh failed", "account", v.account, "error", err)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	v.install(ctx, st)
	v.logger.Debug("access token refreshed",
		"account", v.account,
		"access_token", logging.Redact(st.AccessToken),
		"valid_until", st.AccessTokenExpiry.UTC())
	return nil
}

// AccessToken returns a token valid for at least ten more seconds,
// refreshing once if the cached one is stale. Concurrent stale callers
// share a single refresh. Tokens that failed to persist earlier are
// written again first.
func (v *TokenVault) AccessToken(ctx context.Context) (string, error) {
	v.saveUnsaved(ctx)

	st := v.State()
	if st.FreshAt(v.clock.Now()) {
		return st.AccessToken, nil
	}
	if st.IsZero() {
		return "", ErrUnavailable
	}

	tok, err, _ := v.flight.Do("refresh", func() (any, error) {
		// A flight that finished just before we joined may already have
		// produced a fresh token.
		if cur := v.State(); cur.FreshAt(v.clock.Now()) {
			return cur.AccessToken, nil
		}
		if err := v.Refresh(context.WithoutCancel(ctx)); err != nil {
			return "", err
		}
		return v.State().AccessToken, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return tok.(string), nil //nolint:forcetypeassert // flight only returns strings
}

// Clear removes the stored tokens. The account must be registered again.
func (v *TokenVault) Clear(ctx context.Context) error {
	v.mu.Lock()
	err := v.store.Update(ctx, func(w kvstore.Writer) error {
		for _, key := range []string{keyAccessToken, keyAccessTokenValidUntil, keyRefreshToken} {
			if err := w.Delete(ctx, v.account, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		v.state = TokenState{}
		v.unsaved = false
	}
	v.mu.Unlock()

	if err != nil {
		return fmt.Errorf("clearing tokens: %w", err)
	}
	v.logger.Info("tokens cleared", "account", v.account)
	v.notify(TokenState{})
	return nil
}

// install swaps st into memory and then persists it. The grant that
// produced st is already spent at the identity provider, so a store failure
// keeps st in memory, marked unsaved until saveUnsaved succeeds.
func (v *TokenVault) install(ctx context.Context, st TokenState) {
	v.mu.Lock()
	v.state = st
	err := v.persistLocked(ctx, st)
	v.unsaved = err != nil
	v.mu.Unlock()

	if err != nil {
		v.logger.Error("persisting tokens failed, keeping them in memory",
			"account", v.account,
			"error", err)
	}
	v.notify(st)
}

// saveUnsaved retries the write of a state that install could not persist.
func (v *TokenVault) saveUnsaved(ctx context.Context) {
	v.mu.Lock()
	if !v.unsaved {
		v.mu.Unlock()
		return
	}
	err := v.persistLocked(ctx, v.state)
	if err == nil {
		v.unsaved = false
	}
	v.mu.Unlock()

	if err != nil {
		v.logger.Warn("tokens still not persisted", "account", v.account, "error", err)
		return
	}
	v.logger.Info("tokens persisted", "account", v.account)
}

// Unsaved reports whether the in-memory tokens are newer than the store.
func (v *TokenVault) Unsaved() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.unsaved
}

func (v *TokenVault) persistLocked(ctx context.Context, st TokenState) error {
	err := v.store.Update(ctx, func(w kvstore.Writer) error {
		if err := w.SetString(ctx, v.account, keyAccessToken, st.AccessToken); err != nil {
			return err
		}
		if err := w.SetInt(ctx, v.account, keyAccessTokenValidUntil, st.AccessTokenExpiry.Unix()); err != nil {
			return err
		}
		return w.SetString(ctx, v.account, keyRefreshToken, st.RefreshToken)
	})
	if err != nil {
		return fmt.Errorf("persisting tokens: %w", err)
	}
	return nil
}

func (v *TokenVault) notify(st TokenState) {
	if v.onChange != nil {
		v.onChange(st)
	}
}

func (v *TokenVault) requestTokens(ctx context.Context, form url.Values) (TokenState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenState{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return TokenState{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodyBytes))
	if err != nil {
		return TokenState{}, fmt.Errorf("reading token response: %w", err)
	}

	// The identity provider reports errors in the body; a reply missing any
	// token field is a failure whatever the status code.
	st, err := parseTokenResponse(body, v.clock.Now())
	if err != nil {
		return TokenState{}, fmt.Errorf("HTTP %d: %w", resp.StatusCode, err)
	}
	return st, nil
}
