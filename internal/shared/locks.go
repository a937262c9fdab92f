package shared

import "fmt"

// TenantLockKey builds redis keys for per-tenant run exclusion.
func TenantLockKey(tenant TenantID) string {
	return fmt.Sprintf("cogs:tenant:%s:lock", tenant)
}
