// Package tenant holds the gateway's client-identity model: the set of
// API keys a caller may present and the name they resolve to for logging
// and usage accounting.
package tenant

// Tenant represents a client identity authorized to call the gateway.
type Tenant struct {
	Name    string
	APIKeys []APIKey
}

// APIKey is one credential belonging to a Tenant, stored as a hash rather
// than the raw secret.
type APIKey struct {
	KeyHash     string
	Description string
}

// contextKey is the type for tenant context keys.
type contextKey string

// TenantContextKey is the context key under which the resolved Tenant is
// stored by the auth middleware (server.TenantContextKey aliases it).
const TenantContextKey contextKey = "tenant"
