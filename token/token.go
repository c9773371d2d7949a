// Package token mints and validates the short-lived capability tokens that
// authorize a single execution slot.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

const (
	// Scope is the only scope an execution token may carry.
	Scope = "executionRequest"
	// Version is the token structure version.
	Version = 1
	// TTL is the validity window of an issued token.
	TTL = 5 * time.Minute

	issuerName = "codecell-frontend"
	audience   = "codecell-runner"
	keyID      = "v1"
)

// ErrInvalidToken is returned for every validation failure. Callers are given
// no detail about why a token was rejected.
var ErrInvalidToken = errors.New("invalid execution token")

type executionClaims struct {
	jwt.RegisteredClaims
	Version int    `json:"version"`
	Scope   string `json:"scope"`
}

// Valid is overridden so the parser does not apply its own clock; the Issuer
// checks the time window itself.
func (executionClaims) Valid() error { return nil }

// Issuer signs and verifies execution tokens. It is stateless given its keys.
type Issuer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	parser     *jwt.Parser
	now        func() time.Time
}

type IssuerOption func(i *Issuer)

// WithClock overrides the time source, for expiry tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer builds an Issuer from PEM-encoded RSA keys.
func NewIssuer(privateKeyPEM, publicKeyPEM []byte, opts ...IssuerOption) (*Issuer, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	i := &Issuer{
		privateKey: privateKey,
		publicKey:  publicKey,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
		now:        time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// Issue creates a new signed token with a fresh id and returns it along with
// its expiry time.
func (i *Issuer) Issue() (string, time.Time, error) {
	now := i.now()
	expiry := now.Add(TTL)
	claims := executionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Version: Version,
		Scope:   Scope,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = keyID

	signed, err := t.SignedString(i.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expiry, nil
}

// Validate verifies the signature, key id, issuer, audience, scope, version,
// and time window of tokenString. On success it returns the token id, which
// callers use as the execution identity. Any failure returns ErrInvalidToken.
func (i *Issuer) Validate(tokenString string) (string, error) {
	claims := &executionClaims{}
	parsed, err := i.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != keyID {
			return nil, fmt.Errorf("unexpected key id %q", kid)
		}
		return i.publicKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	if claims.Issuer != issuerName || !claims.VerifyAudience(audience, true) {
		return "", ErrInvalidToken
	}
	if claims.Version != Version || claims.Scope != Scope {
		return "", ErrInvalidToken
	}
	if claims.ID == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return "", ErrInvalidToken
	}

	now := i.now()
	if now.Before(claims.IssuedAt.Time) || !now.Before(claims.ExpiresAt.Time) {
		return "", ErrInvalidToken
	}
	return claims.ID, nil
}
