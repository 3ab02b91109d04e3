package onecta

import (
	"encoding/json"
	"fmt"
	"time"
)

// Persisted token keys within an account's namespace.
const (
	keyAccessToken           = "access_token"
	keyAccessTokenValidUntil = "access_token_valid_until"
	keyRefreshToken          = "refresh_token"
)

// expirySkew is subtracted from the access token expiry when deciding
// whether a cached token may still be used.
const expirySkew = 10 * time.Second

// TokenState is the OAuth token triple of one account.
//
// Either all three fields are set or none is. A zero TokenState means the
// account is not registered.
type TokenState struct {
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
}

// IsZero reports whether no tokens are held.
func (s TokenState) IsZero() bool {
	return s.AccessToken == "" || s.RefreshToken == "" || s.AccessTokenExpiry.IsZero()
}

// FreshAt reports whether the access token may be used at now.
func (s TokenState) FreshAt(now time.Time) bool {
	return !s.IsZero() && now.Before(s.AccessTokenExpiry.Add(-expirySkew))
}

// tokenResponse is the subset of the token endpoint reply we use.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    *int64 `json:"expires_in"`
}

// parseTokenResponse decodes a token endpoint body into a TokenState whose
// expiry is now + expires_in.
func parseTokenResponse(body []byte, now time.Time) (TokenState, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return TokenState{}, fmt.Errorf("decoding token response: %w", err)
	}
	switch {
	case tr.AccessToken == "":
		return TokenState{}, fmt.Errorf("token response has no access_token")
	case tr.RefreshToken == "":
		return TokenState{}, fmt.Errorf("token response has no refresh_token")
	case tr.ExpiresIn == nil:
		return TokenState{}, fmt.Errorf("token response has no expires_in")
	}
	return TokenState{
		AccessToken:       tr.AccessToken,
		AccessTokenExpiry: now.Add(time.Duration(*tr.ExpiresIn) * time.Second),
		RefreshToken:      tr.RefreshToken,
	}, nil
}
