package onecta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Plain-text bodies returned to the browser on the redirect callback.
const (
	msgNoCode       = "Error: No authorization code received!"
	msgRegistered   = "Registration successful!"
	msgInvalidState = "Error: Invalid state!"
	msgExchange     = "Error: Token exchange failed!"
)

// BuildAuthorizationURL returns the identity provider URL the user opens to
// grant access. state is omitted when empty.
func BuildAuthorizationURL(authBaseURL string, creds Credentials, redirectURI, scope, state string) (string, error) {
	if !creds.Complete() {
		return "", ErrMissingCredentials
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", creds.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", scope)
	if state != "" {
		q.Set("state", state)
	}
	return strings.TrimRight(authBaseURL, "/") + "/authorize?" + encodeOrdered(q,
		"response_type", "client_id", "redirect_uri", "scope", "state"), nil
}

// encodeOrdered encodes q with keys in the given order; url.Values.Encode
// would sort them.
func encodeOrdered(q url.Values, keys ...string) string {
	var b strings.Builder
	for _, k := range keys {
		v, ok := q[k]
		if !ok || len(v) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v[0]))
	}
	return b.String()
}

// CodeExchanger redeems an authorization code. TokenVault implements it.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) error
}

// AuthorizationFlow drives the user-facing registration of one account.
type AuthorizationFlow struct {
	account     string
	authBaseURL string
	creds       Credentials
	redirectURI string
	scope       string
	exchanger   CodeExchanger

	// signer is nil unless state validation is enabled.
	signer *StateSigner
	logger Logger
}

// AuthorizationFlowConfig configures an AuthorizationFlow.
type AuthorizationFlowConfig struct {
	Account     string
	AuthBaseURL string
	Credentials Credentials
	RedirectURI string
	Scope       string
	Exchanger   CodeExchanger

	// StateSigner enables signed state nonces when non-nil.
	StateSigner *StateSigner
	Logger      Logger
}

// NewAuthorizationFlow creates a flow.
func NewAuthorizationFlow(cfg AuthorizationFlowConfig) *AuthorizationFlow {
	return &AuthorizationFlow{
		account:     cfg.Account,
		authBaseURL: cfg.AuthBaseURL,
		creds:       cfg.Credentials,
		redirectURI: cfg.RedirectURI,
		scope:       cfg.Scope,
		exchanger:   cfg.Exchanger,
		signer:      cfg.StateSigner,
		logger:      orNop(cfg.Logger),
	}
}

// RedirectURI returns the callback URL registered with the provider.
func (f *AuthorizationFlow) RedirectURI() string {
	return f.redirectURI
}

// AuthorizationURL builds the URL for this account, with a fresh signed
// state when validation is enabled.
func (f *AuthorizationFlow) AuthorizationURL() (string, error) {
	var state string
	if f.signer != nil {
		var err error
		if state, err = f.signer.Issue(f.account); err != nil {
			return "", err
		}
	}
	return BuildAuthorizationURL(f.authBaseURL, f.creds, f.redirectURI, f.scope, state)
}

// HandleRedirect processes the provider callback query.
func (f *AuthorizationFlow) HandleRedirect(ctx context.Context, query url.Values) error {
	code := query.Get("code")
	if !query.Has("code") || code == "" {
		return ErrNoCodeReceived
	}
	state := query.Get("state")
	f.logger.Debug("authorization redirect received", "account", f.account, "state_present", state != "")

	if f.signer != nil {
		if err := f.signer.Verify(state, f.account); err != nil {
			return err
		}
	}
	if err := f.exchanger.ExchangeCode(ctx, code); err != nil {
		return fmt.Errorf("exchanging code for %s: %w", f.account, err)
	}
	return nil
}

// ServeRedirect maps HandleRedirect onto an HTTP status and a plain-text body.
func (f *AuthorizationFlow) ServeRedirect(ctx context.Context, query url.Values) (int, string) {
	err := f.HandleRedirect(ctx, query)
	switch {
	case err == nil:
		return http.StatusOK, msgRegistered
	case errors.Is(err, ErrNoCodeReceived):
		return http.StatusBadRequest, msgNoCode
	case errors.Is(err, ErrInvalidState):
		f.logger.Warn("rejected authorization redirect", "account", f.account, "error", err)
		return http.StatusBadRequest, msgInvalidState
	default:
		return http.StatusBadGateway, msgExchange
	}
}
