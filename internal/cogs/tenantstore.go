package cogs

import (
	"context"
	"fmt"

	"github.com/meridian-cogs/meridian/internal/shared"
)

// TenantScopedStore binds a Store to one validated tenant. Every entity
// passing through is checked against that tenant before any I/O; a foreign
// tenant id fails closed with shared.ErrTenantMismatch. Rows coming back are
// stamped with the bound tenant by construction of the Store contract, so no
// sequence of operations on behalf of one tenant can observe another's state.
type TenantScopedStore struct {
	tenant shared.TenantID
	store  Store
}

// NewTenantScopedStore validates the tenant id and binds the store to it.
func NewTenantScopedStore(tenant shared.TenantID, store Store) (*TenantScopedStore, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return &TenantScopedStore{tenant: tenant, store: store}, nil
}

// Tenant returns the bound tenant id.
func (s *TenantScopedStore) Tenant() shared.TenantID { return s.tenant }

// WithTx runs fn inside a transaction with a tenant-scoped TxStore.
func (s *TenantScopedStore) WithTx(ctx context.Context, fn func(context.Context, *TenantTxStore) error) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		return fn(ctx, &TenantTxStore{tenant: s.tenant, tx: tx})
	})
}

func (s *TenantScopedStore) LoadCurrentInventory(ctx context.Context, skus []string) ([]PurchaseLot, error) {
	return s.store.LoadCurrentInventory(ctx, s.tenant, skus)
}

func (s *TenantScopedStore) GetRun(ctx context.Context, runID string) (Run, error) {
	run, err := s.store.GetRun(ctx, s.tenant, runID)
	if err != nil {
		return Run{}, err
	}
	if run.TenantID != s.tenant {
		return Run{}, fmt.Errorf("run %s: %w", runID, shared.ErrNotFound)
	}
	return run, nil
}

func (s *TenantScopedStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	return s.store.ListRuns(ctx, s.tenant, filter)
}

func (s *TenantScopedStore) ReadSnapshot(ctx context.Context, runID string) ([]SnapshotLot, error) {
	return s.store.ReadSnapshot(ctx, s.tenant, runID)
}

func (s *TenantScopedStore) ReadMovements(ctx context.Context, runID string) ([]InventoryMovement, error) {
	return s.store.ReadMovements(ctx, s.tenant, runID)
}

func (s *TenantScopedStore) ReadAttributions(ctx context.Context, runID string, page shared.Pagination) ([]COGSAttribution, int, error) {
	return s.store.ReadAttributions(ctx, s.tenant, runID, page)
}

func (s *TenantScopedStore) ReadSummaries(ctx context.Context, runID string) ([]COGSSummary, error) {
	return s.store.ReadSummaries(ctx, s.tenant, runID)
}

func (s *TenantScopedStore) ReadValidationErrors(ctx context.Context, runID string) ([]ValidationError, error) {
	return s.store.ReadValidationErrors(ctx, s.tenant, runID)
}

// TenantTxStore is the transactional face of TenantScopedStore.
type TenantTxStore struct {
	tenant shared.TenantID
	tx     TxStore
}

func (s *TenantTxStore) CreateRun(ctx context.Context, run Run) error {
	if err := s.claim(&run.TenantID); err != nil {
		return fmt.Errorf("run %s: %w", run.RunID, err)
	}
	return s.tx.CreateRun(ctx, run)
}

func (s *TenantTxStore) GetRunForUpdate(ctx context.Context, runID string) (Run, error) {
	return s.tx.GetRunForUpdate(ctx, s.tenant, runID)
}

func (s *TenantTxStore) TransitionRun(ctx context.Context, runID string, from, to RunStatus, update RunUpdate) error {
	return s.tx.TransitionRun(ctx, s.tenant, runID, from, to, update)
}

func (s *TenantTxStore) UpsertLots(ctx context.Context, lots []PurchaseLot) error {
	for i := range lots {
		if err := s.claim(&lots[i].TenantID); err != nil {
			return fmt.Errorf("lot %s: %w", lots[i].LotID, err)
		}
	}
	return s.tx.UpsertLots(ctx, s.tenant, lots)
}

func (s *TenantTxStore) UpdateLotRemaining(ctx context.Context, quantities []LotQuantity) error {
	return s.tx.UpdateLotRemaining(ctx, s.tenant, quantities)
}

func (s *TenantTxStore) InsertSnapshots(ctx context.Context, rows []SnapshotLot) error {
	for i := range rows {
		if err := s.claim(&rows[i].TenantID); err != nil {
			return fmt.Errorf("snapshot lot %s: %w", rows[i].LotID, err)
		}
	}
	return s.tx.InsertSnapshots(ctx, s.tenant, rows)
}

func (s *TenantTxStore) ClearCurrentSnapshots(ctx context.Context) error {
	return s.tx.ClearCurrentSnapshots(ctx, s.tenant)
}

func (s *TenantTxStore) AppendMovements(ctx context.Context, movements []InventoryMovement) error {
	for i := range movements {
		if err := s.claim(&movements[i].TenantID); err != nil {
			return fmt.Errorf("movement for lot %s: %w", movements[i].LotID, err)
		}
	}
	return s.tx.AppendMovements(ctx, s.tenant, movements)
}

func (s *TenantTxStore) WriteAttributions(ctx context.Context, attributions []COGSAttribution) error {
	for i := range attributions {
		if err := s.claim(&attributions[i].TenantID); err != nil {
			return fmt.Errorf("attribution for sale %s: %w", attributions[i].SaleID, err)
		}
		for j := range attributions[i].Details {
			if err := s.claim(&attributions[i].Details[j].TenantID); err != nil {
				return fmt.Errorf("attribution detail for lot %s: %w", attributions[i].Details[j].LotID, err)
			}
		}
	}
	return s.tx.WriteAttributions(ctx, s.tenant, attributions)
}

func (s *TenantTxStore) WriteSummaries(ctx context.Context, summaries []COGSSummary) error {
	for i := range summaries {
		if err := s.claim(&summaries[i].TenantID); err != nil {
			return fmt.Errorf("summary %s/%s: %w", summaries[i].SKU, summaries[i].Period, err)
		}
	}
	return s.tx.WriteSummaries(ctx, s.tenant, summaries)
}

func (s *TenantTxStore) WriteValidationErrors(ctx context.Context, validationErrors []ValidationError) error {
	for i := range validationErrors {
		if err := s.claim(&validationErrors[i].TenantID); err != nil {
			return fmt.Errorf("validation error for sale %s: %w", validationErrors[i].SaleID, err)
		}
	}
	return s.tx.WriteValidationErrors(ctx, s.tenant, validationErrors)
}

func (s *TenantTxStore) InvalidateDerived(ctx context.Context, runID string) error {
	return s.tx.InvalidateDerived(ctx, s.tenant, runID)
}

func (s *TenantTxStore) ReadMovements(ctx context.Context, runID string) ([]InventoryMovement, error) {
	return s.tx.ReadMovements(ctx, s.tenant, runID)
}

func (s *TenantTxStore) ReadSnapshot(ctx context.Context, runID string) ([]SnapshotLot, error) {
	return s.tx.ReadSnapshot(ctx, s.tenant, runID)
}

func (s *TenantTxStore) LoadCurrentInventory(ctx context.Context, skus []string) ([]PurchaseLot, error) {
	return s.tx.LoadCurrentInventory(ctx, s.tenant, skus)
}

// claim stamps an empty tenant id with the bound tenant and rejects a
// mismatching one before any I/O happens.
func (s *TenantTxStore) claim(id *shared.TenantID) error {
	if *id == "" {
		*id = s.tenant
		return nil
	}
	if *id != s.tenant {
		return shared.ErrTenantMismatch
	}
	return nil
}
