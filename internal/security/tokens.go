// Package security issues and validates the bearer tokens that authorize telemetry uploads.
package security

import (
	"context"
	"crypto"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token is malformed, expired or issued for someone else.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims of an access token. Subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id,omitempty"`
}

// Principal is the authenticated caller of a telemetry endpoint.
type Principal struct {
	UserID string
	OrgID  string
}

// TokenProvider issues and validates access JWTs signed with RS256 or ES256.
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
}

// NewTokenProvider returns a TokenProvider. privateKey may be nil for a validate-only provider.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration) *TokenProvider {
	if publicKey == nil && privateKey != nil {
		publicKey = privateKey.Public()
	}
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
	}
}

// IssueAccess issues an access JWT for userID in orgID and returns it with its expiry.
func (p *TokenProvider) IssueAccess(userID, orgID string) (string, time.Time, error) {
	if p.privateKey == nil {
		return "", time.Time{}, ErrInvalidKey
	}
	method := signingMethod(p.privateKey.Public())
	if method == nil {
		return "", time.Time{}, ErrInvalidKey
	}
	now := time.Now().UTC()
	expiresAt := now.Add(p.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		OrgID: orgID,
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
	return token, expiresAt, err
}

// ValidateAccess checks signature, expiry, issuer and audience and returns the caller.
func (p *TokenProvider) ValidateAccess(tokenString string) (*Principal, error) {
	method := signingMethod(p.publicKey)
	if method == nil {
		return nil, ErrInvalidKey
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(*jwt.Token) (any, error) { return p.publicKey, nil },
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{UserID: claims.Subject, OrgID: claims.OrgID}, nil
}

// TokenSource returns a source that issues tokens for userID and reuses each one until it is
// within a minute of expiry. It satisfies the event sink's TokenSource.
func (p *TokenProvider) TokenSource(userID, orgID string) *IssuingTokenSource {
	return &IssuingTokenSource{provider: p, userID: userID, orgID: orgID}
}

// IssuingTokenSource caches tokens issued by a TokenProvider.
type IssuingTokenSource struct {
	provider *TokenProvider
	userID   string
	orgID    string

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Token returns a valid access token, issuing a new one when needed.
func (s *IssuingTokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expires) > time.Minute {
		return s.token, nil
	}
	token, exp, err := s.provider.IssueAccess(s.userID, s.orgID)
	if err != nil {
		return "", err
	}
	s.token, s.expires = token, exp
	return token, nil
}
