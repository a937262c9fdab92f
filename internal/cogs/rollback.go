package cogs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridian-cogs/meridian/internal/shared"
)

// RollbackRun losslessly reverses a completed run: lot quantities are
// restored from the pre-run snapshot, summarizing rollback movements are
// journaled, and the run's derived artifacts are invalidated. Calling it on
// an already rolled-back run is a no-op success.
func (s *Service) RollbackRun(ctx context.Context, tenant shared.TenantID, runID string, actor string) (Run, error) {
	if err := tenant.Validate(); err != nil {
		return Run{}, err
	}
	scoped, err := NewTenantScopedStore(tenant, s.store)
	if err != nil {
		return Run{}, err
	}

	lease, err := s.locker.Acquire(ctx, tenant)
	if err != nil {
		return Run{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release tenant lock", slog.String("tenant", tenant.String()), slog.Any("error", err))
		}
	}()

	var result Run
	err = scoped.WithTx(ctx, func(ctx context.Context, tx *TenantTxStore) error {
		run, err := tx.GetRunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status == RunStatusRolledBack {
			result = run
			return nil
		}
		if run.Status != RunStatusCompleted {
			return fmt.Errorf("run %s is %s, not completed: %w", runID, run.Status, shared.ErrIllegalState)
		}

		snapshot, err := tx.ReadSnapshot(ctx, runID)
		if err != nil {
			return err
		}
		if len(snapshot) == 0 {
			return fmt.Errorf("cogs: run %s has no pre-run snapshot", runID)
		}
		movements, err := tx.ReadMovements(ctx, runID)
		if err != nil {
			return err
		}
		current, err := tx.LoadCurrentInventory(ctx, nil)
		if err != nil {
			return err
		}
		remaining := make(map[string]int64, len(current))
		for _, lot := range current {
			remaining[lot.LotID] = lot.RemainingQuantity
		}
		sequence := 0
		for _, m := range movements {
			if m.Sequence > sequence {
				sequence = m.Sequence
			}
		}

		var restores []LotQuantity
		var rollbackMovements []InventoryMovement
		for _, snap := range snapshot {
			before, ok := remaining[snap.LotID]
			if !ok {
				return fmt.Errorf("cogs: snapshot lot %s missing from inventory", snap.LotID)
			}
			if before == snap.RemainingQuantity {
				continue
			}
			restores = append(restores, LotQuantity{LotID: snap.LotID, Remaining: snap.RemainingQuantity})
			sequence++
			rollbackMovements = append(rollbackMovements, InventoryMovement{
				MovementID:     s.newID(),
				TenantID:       tenant,
				RunID:          runID,
				LotID:          snap.LotID,
				SKU:            snap.SKU,
				Kind:           MovementKindRollback,
				Quantity:       snap.RemainingQuantity - before,
				RemainingAfter: snap.RemainingQuantity,
				UnitCost:       snap.UnitPrice.Add(snap.FreightCostPerUnit),
				ReferenceID:    runID,
				Sequence:       sequence,
			})
		}

		if len(restores) > 0 {
			if err := tx.UpdateLotRemaining(ctx, restores); err != nil {
				return err
			}
			if err := tx.AppendMovements(ctx, rollbackMovements); err != nil {
				return err
			}
		}
		if err := tx.ClearCurrentSnapshots(ctx); err != nil {
			return err
		}
		restored := make([]SnapshotLot, len(snapshot))
		for i, snap := range snapshot {
			restored[i] = snap
			restored[i].Phase = SnapshotPhaseRestore
			restored[i].IsCurrent = true
			restored[i].CreatedAt = s.now().UTC()
		}
		if err := tx.InsertSnapshots(ctx, restored); err != nil {
			return err
		}
		if err := tx.InvalidateDerived(ctx, runID); err != nil {
			return err
		}
		rolledBackAt := s.now().UTC()
		if err := tx.TransitionRun(ctx, runID, RunStatusCompleted, RunStatusRolledBack, RunUpdate{
			RolledBackAt: &rolledBackAt,
		}); err != nil {
			return err
		}

		result = run
		result.Status = RunStatusRolledBack
		result.RolledBackAt = &rolledBackAt
		return nil
	})
	if err != nil {
		return Run{}, err
	}

	if result.Status == RunStatusRolledBack && result.RolledBackAt != nil {
		s.logger.Info("run rolled back",
			slog.String("tenant", tenant.String()),
			slog.String("run_id", runID))
		s.recordAudit(ctx, tenant, actor, "cogs:run:rolled_back", runID, map[string]any{
			"rolled_back_at": result.RolledBackAt,
		})
	}
	return result, nil
}
