// Package authn verifies the JWT a chat adapter presents on behalf of a
// user before a Job reaches the Engine. This is a fresh design: the
// retrieval pack's original_source filtered bot_core/auth.py out of the
// corpus, so there is no teacher line to port; the shape instead follows
// estuary-flow's go.mod dependency on github.com/golang-jwt/jwt/v5 and
// that library's own documented HMAC verification pattern.
package authn

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any verification failure: expired,
// malformed, or bad signature. Callers should treat all of these the same
// way spec §4.6 treats upstream 401/403 — as Unauthorized, no retry.
var ErrInvalidToken = errors.New("authn: invalid token")

// Claims carries the identity an adapter's JWT asserts.
type Claims struct {
	UserID  string `json:"sub"`
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

// Verifier checks adapter-issued tokens against a shared secret.
type Verifier struct {
	secret []byte
	clock  jwt.Clock
}

// NewVerifier returns a Verifier using secret as the HMAC signing key.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning the embedded claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name})}
	if v.clock != nil {
		parserOpts = append(parserOpts, jwt.WithTimeFunc(func() time.Time { return v.clock.Now() }))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Issue mints a token for userID/channel valid for ttl, used by tests and
// by the admin collaborator's token-issuing path.
func (v *Verifier) Issue(userID, channel string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:  userID,
		Channel: channel,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
