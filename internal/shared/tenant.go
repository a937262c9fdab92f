package shared

import (
	"context"
	"errors"
	"regexp"
)

// TenantID identifies an isolated customer scope. Every persisted row and
// every store operation carries one.
type TenantID string

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

// ErrInvalidTenantID indicates a malformed tenant identifier.
var ErrInvalidTenantID = errors.New("shared: invalid tenant id")

// Validate checks the tenant id format.
func (t TenantID) Validate() error {
	if !tenantIDPattern.MatchString(string(t)) {
		return ErrInvalidTenantID
	}
	return nil
}

func (t TenantID) String() string { return string(t) }

type tenantContextKey struct{}

// ContextWithTenant stores the tenant id in context.
func ContextWithTenant(ctx context.Context, tenant TenantID) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

// TenantFromContext extracts the tenant id from context.
func TenantFromContext(ctx context.Context) (TenantID, bool) {
	tenant, ok := ctx.Value(tenantContextKey{}).(TenantID)
	return tenant, ok
}
