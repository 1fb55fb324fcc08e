package oracle

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Authorizer gates registry mutation and request creation.
type Authorizer interface {
	IsAuthorizedCaller(caller string) bool
}

// AllowList is a static address allow-list authorizer.
type AllowList struct {
	allowed map[string]struct{}
	mu      sync.RWMutex
}

// NewAllowList builds an allow-list from the configured callers.
func NewAllowList(callers []string) *AllowList {
	allowed := make(map[string]struct{}, len(callers))
	for _, c := range callers {
		allowed[c] = struct{}{}
	}
	return &AllowList{allowed: allowed}
}

// IsAuthorizedCaller implements Authorizer.
func (a *AllowList) IsAuthorizedCaller(caller string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.allowed[caller]
	return ok
}

// Allow adds a caller at runtime.
func (a *AllowList) Allow(caller string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowed[caller] = struct{}{}
}

// Revoke removes a caller at runtime.
func (a *AllowList) Revoke(caller string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allowed, caller)
}

const tokenIssuer = "oracle_coordinator"

// TokenAuthorizer treats the caller string as a signed bearer token.
type TokenAuthorizer struct {
	secret []byte
}

// NewTokenAuthorizer creates a JWT-based authorizer.
func NewTokenAuthorizer(secret []byte) *TokenAuthorizer {
	return &TokenAuthorizer{secret: secret}
}

// IssueToken mints a token for a subject, valid for the given duration.
func (t *TokenAuthorizer) IssueToken(subject string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// IsAuthorizedCaller implements Authorizer: the token must parse, carry
// this coordinator's issuer and not be expired.
func (t *TokenAuthorizer) IsAuthorizedCaller(caller string) bool {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(caller, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return false
	}
	return claims.Issuer == tokenIssuer
}
