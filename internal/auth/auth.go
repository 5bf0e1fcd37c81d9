// Package auth verifies the bearer credentials presented on REST calls and
// on the persistent connection.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/cnectd/internal/errs"
	"github.com/matheus3301/cnectd/internal/store"
)

// Claims carries the authenticated user id.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Users resolves the account behind a token. *store.DB implements it.
type Users interface {
	GetUser(id string) (*store.User, error)
}

// Verifier checks HS256 tokens and the account they name.
type Verifier struct {
	secret []byte
	users  Users
	parser *jwt.Parser
}

func NewVerifier(secret string, users Users) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		users:  users,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify returns the live account named by token. Malformed, expired or
// unknown tokens yield errs.ErrInvalidToken; a deleted account yields
// errs.ErrAccountDeleted.
func (v *Verifier) Verify(token string) (*store.User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errs.ErrMissingToken
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || claims.UserID == "" {
		return nil, errs.ErrInvalidToken
	}

	u, err := v.users.GetUser(claims.UserID)
	if err != nil {
		return nil, errs.Unavailable("lookup user", err)
	}
	if u == nil {
		return nil, errs.ErrInvalidToken
	}
	if u.Deleted() {
		return nil, errs.ErrAccountDeleted
	}
	return u, nil
}

// Issue mints a token for userID. cnectd does not run a login flow; this
// exists for cnectctl and tests.
func Issue(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

// UserIDOf reads the user id from token without checking its signature.
// Clients use it to learn who they are; the server always verifies.
func UserIDOf(token string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID == "" {
		return "", errs.ErrInvalidToken
	}
	return claims.UserID, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
