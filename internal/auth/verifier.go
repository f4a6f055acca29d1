package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("auth: invalid token")

// Token is the verified identity carried by an ID token.
type Token struct {
	UID      string
	Email    string
	IssuedAt time.Time
	Expires  time.Time
}

type firebaseClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier checks RS256 Firebase ID tokens issued for one project.
type Verifier struct {
	ProjectID string
	Keys      func(ctx context.Context, kid string) (any, error)
	Now       func() time.Time
	Leeway    time.Duration
}

// NewVerifier binds a verifier to projectID and a key cache.
func NewVerifier(projectID string, keys *KeyCache) *Verifier {
	return &Verifier{
		ProjectID: projectID,
		Keys: func(ctx context.Context, kid string) (any, error) {
			return keys.Key(ctx, kid)
		},
		Leeway: 30 * time.Second,
	}
}

// Issuer is the iss claim Firebase sets for ProjectID.
func (v *Verifier) Issuer() string {
	return "https://securetoken.google.com/" + v.ProjectID
}

// Verify parses raw, checks signature, audience, issuer, and expiry, and
// returns the caller's uid. The uid comes from user_id, falling back to sub.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.ProjectID),
		jwt.WithIssuer(v.Issuer()),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.Leeway),
	}
	if v.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(v.Now))
	}

	var claims firebaseClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return v.Keys(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	tok := &Token{UID: uid, Email: claims.Email}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		tok.Expires = claims.ExpiresAt.Time
	}
	return tok, nil
}
