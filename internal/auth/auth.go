// Package auth validates the API keys presented by callers and resolves
// them to a tenant identity.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/tjfontaine/cascade-gateway/internal/tenant"
)

// Authenticator validates API keys and resolves them to tenants.
type Authenticator struct {
	tenants map[string]*tenant.Tenant // keyhash -> tenant
}

// NewAuthenticator builds an Authenticator from the given tenants, indexing
// every one of their API key hashes.
func NewAuthenticator(tenants []*tenant.Tenant) *Authenticator {
	a := &Authenticator{
		tenants: make(map[string]*tenant.Tenant),
	}
	for _, t := range tenants {
		for _, key := range t.APIKeys {
			a.tenants[key.KeyHash] = t
		}
	}
	return a
}

// ValidateAPIKey hashes apiKey and returns the tenant it belongs to, or an
// error if no tenant claims it.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*tenant.Tenant, error) {
	keyHash := HashAPIKey(apiKey)

	t, ok := a.tenants[keyHash]
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	for _, key := range t.APIKeys {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(key.KeyHash)) == 1 {
			return t, nil
		}
	}

	return nil, fmt.Errorf("invalid API key")
}

// ExtractAPIKey pulls the bearer token out of an Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	return parts[1], nil
}

// HashAPIKey returns the SHA-256 hex digest of an API key, the form
// tenant.APIKey and the authenticator's lookup table both store (tenant
// configuration holds raw keys, hashed with this at startup).
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
