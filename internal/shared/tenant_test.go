package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTenantIDValidate(t *testing.T) {
	valid := []TenantID{"t1", "tenant-a", "client_1001", "ABC-123_x"}
	for _, id := range valid {
		require.NoError(t, id.Validate(), "%s", id)
	}

	invalid := []TenantID{"", "has space", "semi;colon", "ünicode", TenantID(make([]byte, 101))}
	for _, id := range invalid {
		require.ErrorIs(t, id.Validate(), ErrInvalidTenantID, "%q", id)
	}
}

func TestTenantContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := TenantFromContext(ctx)
	require.False(t, ok)

	ctx = ContextWithTenant(ctx, "tenant-a")
	tenant, ok := TenantFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, TenantID("tenant-a"), tenant)
}

func TestTenantLockKey(t *testing.T) {
	require.Equal(t, "cogs:tenant:t1:lock", TenantLockKey("t1"))
}
