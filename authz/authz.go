// Package authz checks the permission gate the RPC lifecycle surface
// requires before starting a flow: the caller must hold
// "StartFlow.<fully-qualified-class-name>" or a global override
// (spec.md section 4.5). Tokens are JWTs, mirroring the node's own
// runtime.ControlPlaneAuthorizer use of golang-jwt.
package authz

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GlobalOverride is the permission that grants every StartFlow.* check.
const GlobalOverride = "StartFlow.*"

// StartFlowPermission is the permission required to start the named flow
// class.
func StartFlowPermission(flowClassName string) string {
	return fmt.Sprintf("StartFlow.%s", flowClassName)
}

// Claims is the custom claim set this node's bearer tokens carry.
type Claims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

// Has reports whether the claim set grants permission, directly or via
// GlobalOverride.
func (c Claims) Has(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission || p == GlobalOverride {
			return true
		}
	}
	return false
}

// Authorizer verifies bearer tokens against a signing key and caches
// successful verifications for their remaining lifetime, the way the
// node's own ControlPlaneAuthorizer caches authorization results.
type Authorizer struct {
	key []byte

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	claims  Claims
	expires time.Time
}

// NewAuthorizer returns an Authorizer verifying HMAC-signed tokens with
// key.
func NewAuthorizer(key []byte) *Authorizer {
	return &Authorizer{key: key, cache: make(map[string]cacheEntry)}
}

// Verify validates token and returns its claims, using a cache keyed on
// the raw token so that repeated RPCs on the same connection don't
// re-parse and re-verify the signature every time.
func (a *Authorizer) Verify(token string) (Claims, error) {
	a.mu.Lock()
	if entry, ok := a.cache[token]; ok {
		a.mu.Unlock()
		if time.Now().Before(entry.expires) {
			return entry.claims, nil
		}
	} else {
		a.mu.Unlock()
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil || !parsed.Valid {
		return Claims{}, fmt.Errorf("verifying token: %w", err)
	}

	var expires = time.Now().Add(time.Minute)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}

	a.mu.Lock()
	a.cache[token] = cacheEntry{claims: claims, expires: expires}
	a.mu.Unlock()

	return claims, nil
}

// Authorize verifies token and checks it grants permission.
func (a *Authorizer) Authorize(token, permission string) error {
	claims, err := a.Verify(token)
	if err != nil {
		return err
	}
	if !claims.Has(permission) {
		return fmt.Errorf("token lacks permission %q", permission)
	}
	return nil
}
