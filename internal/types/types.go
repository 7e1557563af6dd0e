// Package types provides common type definitions shared across the prospecting service.
package types

import "context"

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// Identity is the tenant and user a request runs on behalf of.
// Both values are opaque to this service; the Postgres store forwards
// them to the app.tenant_id and app.user_id settings.
type Identity struct {
	TenantID string `json:"tenantId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// IsZero reports whether no identity was supplied
func (i Identity) IsZero() bool {
	return i.TenantID == "" && i.UserID == ""
}

type identityKey struct{}

// WithIdentity stores id in ctx
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored in ctx, if any
func IdentityFromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return Identity{}
}
