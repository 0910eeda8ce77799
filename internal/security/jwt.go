// Package security implements bearer-token authentication between a
// coordinator session and the nodes it drives. The protocol itself (§1)
// treats transport and authentication as implementation-defined; this
// package picks HMAC-signed JWTs carrying a role claim, the same library
// and verification shape the rest of the corpus uses for its own API
// tokens, rather than inventing a bespoke scheme.
package security

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Role gates which RPC endpoints a caller may reach (protocol §6: mutative
// vs read-only messages).
type Role string

const (
	RoleOperator Role = "operator" // may call discover only
	RoleCoord    Role = "coord"    // may call prepare/commit/rollback/take_over
)

var ErrInvalidToken = errors.New("security: invalid or expired token")

// Claims is the custom claim set stamped on every coordinator-issued token.
type Claims struct {
	jwt.RegisteredClaims
	Role Role   `json:"role"`
	User string `json:"user"`
}

// Signer issues short-lived tokens for one coordinator session.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner builds a Signer around a shared secret distributed out of band
// to every node a coordinator is authorized to drive.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{secret: secret, ttl: ttl}
}

// Issue mints a token for the given role/user, valid for the signer's ttl.
func (s *Signer) Issue(role Role, user string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Role: role,
		User: user,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

// Verifier validates tokens issued by a Signer holding the same secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier around the shared secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates raw, returning its claims on success.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("security: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(10*time.Second))
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Allows reports whether a role may invoke an endpoint gated at min.
// RoleCoord can do everything RoleOperator can; RoleOperator is read-only.
func (r Role) Allows(min Role) bool {
	if min == RoleOperator {
		return r == RoleOperator || r == RoleCoord
	}
	return r == RoleCoord
}
