package cogs

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-cogs/meridian/internal/shared"
)

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status RunStatus
	Limit  int
	Offset int
}

// RunUpdate carries the fields written alongside a status transition.
type RunUpdate struct {
	CompletedAt         *time.Time
	RolledBackAt        *time.Time
	ErrorMessage        string
	TotalSalesProcessed int
	TotalCOGS           decimal.Decimal
	ValidationErrors    int
}

// Store abstracts the storage operations the engine requires. Every
// operation is tenant-scoped; implementations reject rows referencing a
// foreign tenant.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error

	LoadCurrentInventory(ctx context.Context, tenant shared.TenantID, skus []string) ([]PurchaseLot, error)
	GetRun(ctx context.Context, tenant shared.TenantID, runID string) (Run, error)
	ListRuns(ctx context.Context, tenant shared.TenantID, filter RunFilter) ([]Run, error)
	ReadSnapshot(ctx context.Context, tenant shared.TenantID, runID string) ([]SnapshotLot, error)
	ReadMovements(ctx context.Context, tenant shared.TenantID, runID string) ([]InventoryMovement, error)
	ReadAttributions(ctx context.Context, tenant shared.TenantID, runID string, page shared.Pagination) ([]COGSAttribution, int, error)
	ReadSummaries(ctx context.Context, tenant shared.TenantID, runID string) ([]COGSSummary, error)
	ReadValidationErrors(ctx context.Context, tenant shared.TenantID, runID string) ([]ValidationError, error)
}

// TxStore exposes the transactional operations used by the coordinator and
// the rollback engine. The commit block of a run executes entirely inside
// one WithTx callback so that no partial-commit state is observable as
// completed.
type TxStore interface {
	CreateRun(ctx context.Context, run Run) error
	GetRunForUpdate(ctx context.Context, tenant shared.TenantID, runID string) (Run, error)
	// TransitionRun compares-and-sets the run status. A transition whose
	// from-status no longer matches fails with shared.ErrIllegalState.
	TransitionRun(ctx context.Context, tenant shared.TenantID, runID string, from, to RunStatus, update RunUpdate) error

	UpsertLots(ctx context.Context, tenant shared.TenantID, lots []PurchaseLot) error
	UpdateLotRemaining(ctx context.Context, tenant shared.TenantID, quantities []LotQuantity) error

	InsertSnapshots(ctx context.Context, tenant shared.TenantID, rows []SnapshotLot) error
	ClearCurrentSnapshots(ctx context.Context, tenant shared.TenantID) error

	AppendMovements(ctx context.Context, tenant shared.TenantID, movements []InventoryMovement) error
	WriteAttributions(ctx context.Context, tenant shared.TenantID, attributions []COGSAttribution) error
	WriteSummaries(ctx context.Context, tenant shared.TenantID, summaries []COGSSummary) error
	WriteValidationErrors(ctx context.Context, tenant shared.TenantID, errors []ValidationError) error

	// InvalidateDerived flags a run's attributions and summaries is_valid=false.
	InvalidateDerived(ctx context.Context, tenant shared.TenantID, runID string) error

	ReadMovements(ctx context.Context, tenant shared.TenantID, runID string) ([]InventoryMovement, error)
	ReadSnapshot(ctx context.Context, tenant shared.TenantID, runID string) ([]SnapshotLot, error)
	LoadCurrentInventory(ctx context.Context, tenant shared.TenantID, skus []string) ([]PurchaseLot, error)
}
