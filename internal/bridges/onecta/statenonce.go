package onecta

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultStateTTL bounds the time between building an authorization URL
// and the redirect carrying its state back.
const DefaultStateTTL = 10 * time.Minute

const stateIssuer = "onecta-bridge"

// StateSigner issues and checks the OAuth state parameter as a short-lived
// HS256 JWT bound to one account. Each state is accepted once.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock

	mu   sync.Mutex
	used map[string]time.Time // jti -> expiry
}

// NewStateSigner creates a signer. The secret should be at least 32 bytes.
func NewStateSigner(secret []byte, ttl time.Duration, clk clock.Clock) *StateSigner {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if clk == nil {
		clk = clock.New()
	}
	return &StateSigner{
		secret: secret,
		ttl:    ttl,
		clock:  clk,
		used:   make(map[string]time.Time),
	}
}

// Issue returns a signed state for account.
func (s *StateSigner) Issue(account string) (string, error) {
	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    stateIssuer,
		Subject:   account,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing state: %w", err)
	}
	return signed, nil
}

// Verify checks that state was issued for account, has not expired and has
// not been presented before.
func (s *StateSigner) Verify(state, account string) error {
	if state == "" {
		return fmt.Errorf("%w: missing", ErrInvalidState)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(state, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithSubject(account),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: no token id", ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for id, exp := range s.used {
		if !now.Before(exp) {
			delete(s.used, id)
		}
	}
	if _, seen := s.used[claims.ID]; seen {
		return fmt.Errorf("%w: already used", ErrInvalidState)
	}
	s.used[claims.ID] = claims.ExpiresAt.Time
	return nil
}
