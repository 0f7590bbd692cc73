package sandbox

import "fmt"

// ProvisioningError reports that a tenant database could not be created or bootstrapped.
// The request that triggered provisioning must not be served.
type ProvisioningError struct {
	TenantID string
	Op       string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision database for tenant %s: %s: %v", e.TenantID, e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// QueryError carries the engine's diagnostic for a statement that could not run.
// Error returns the diagnostic unchanged so callers can show it to the user.
type QueryError struct {
	TenantID string
	Err      error
}

func (e *QueryError) Error() string {
	return e.Err.Error()
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// StorageFault is a filesystem-level failure: permissions, disk space or a rejected tenant id.
type StorageFault struct {
	TenantID string
	Op       string
	Err      error
}

func (e *StorageFault) Error() string {
	return fmt.Sprintf("storage fault for tenant %s: %s: %v", e.TenantID, e.Op, e.Err)
}

func (e *StorageFault) Unwrap() error {
	return e.Err
}
