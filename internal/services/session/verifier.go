package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/benvon/liftlog/internal/models"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidSession is returned for tokens that do not identify a principal.
var ErrInvalidSession = errors.New("invalid session")

// JWTVerifier verifies session tokens signed by the identity provider.
type JWTVerifier struct {
	jwks   *JWKSManager
	issuer string
}

// NewJWTVerifier creates a verifier. An empty issuer skips the issuer check.
func NewJWTVerifier(jwks *JWKSManager, issuer string) *JWTVerifier {
	return &JWTVerifier{jwks: jwks, issuer: issuer}
}

// Verify parses and validates token and extracts its claims.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*models.SessionClaims, error) {
	keys, err := v.jwks.Keys(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := jwt.Parse([]byte(token), jwt.WithKeySet(keys), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse/verify token: %w", err)
	}

	if v.issuer != "" && tok.Issuer() != v.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch: expected %s, got %s", ErrInvalidSession, v.issuer, tok.Issuer())
	}
	if tok.Subject() == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrInvalidSession)
	}

	claims := &models.SessionClaims{
		Sub: tok.Subject(),
		Iss: tok.Issuer(),
	}
	if !tok.Expiration().IsZero() {
		claims.Exp = tok.Expiration().Unix()
	}
	if !tok.IssuedAt().IsZero() {
		claims.Iat = tok.IssuedAt().Unix()
	}
	if email, ok := tok.Get("email"); ok {
		if emailStr, ok := email.(string); ok {
			claims.Email = emailStr
		}
	}
	return claims, nil
}

// VerifySession returns the token's subject.
func (v *JWTVerifier) VerifySession(ctx context.Context, token string) (string, error) {
	claims, err := v.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	return claims.Sub, nil
}
