package cogs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-cogs/meridian/internal/platform/lock"
	"github.com/meridian-cogs/meridian/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service drives runs from request to terminal status and owns the only code
// paths allowed to mutate lot remaining quantities.
type Service struct {
	store  Store
	locker lock.TenantLocker
	audit  AuditPort
	logger *slog.Logger
	cfg    AllocatorConfig
	now    func() time.Time
	newID  func() string
}

// NewService builds Service.
func NewService(store Store, locker lock.TenantLocker, audit AuditPort, logger *slog.Logger, cfg AllocatorConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LotMergePolicy == "" {
		cfg = DefaultAllocatorConfig()
	}
	return &Service{
		store:  store,
		locker: locker,
		audit:  audit,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ExecuteRunInput is the request for one run.
type ExecuteRunInput struct {
	TenantID    shared.TenantID
	RunID       string
	Mode        Mode
	Sales       []Sale
	LotsUpsert  []PurchaseLot
	InputFileID string
	CreatedBy   string
}

// ExecuteRun performs one journaled run: lock, snapshot, allocate, persist,
// complete. A run is completed if and only if all its side effects committed;
// any failure after the run record exists transitions it to failed.
func (s *Service) ExecuteRun(ctx context.Context, in ExecuteRunInput) (Run, error) {
	if err := validateRunInput(in); err != nil {
		return Run{}, err
	}
	scoped, err := NewTenantScopedStore(in.TenantID, s.store)
	if err != nil {
		return Run{}, err
	}

	lease, err := s.locker.Acquire(ctx, in.TenantID)
	if err != nil {
		return Run{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release tenant lock", slog.String("tenant", in.TenantID.String()), slog.Any("error", err))
		}
	}()

	runID := in.RunID
	if runID == "" {
		runID = s.newID()
	} else {
		// Client-supplied run ids make retries idempotent: a completed run
		// is a success, an in-flight one a concurrency conflict.
		existing, err := scoped.GetRun(ctx, runID)
		switch {
		case err == nil:
			switch existing.Status {
			case RunStatusCompleted:
				return existing, nil
			case RunStatusPending, RunStatusRunning:
				return Run{}, fmt.Errorf("run %s: %w", runID, shared.ErrConcurrentRun)
			default:
				return Run{}, fmt.Errorf("run %s already %s: %w", runID, existing.Status, ErrRunExists)
			}
		case !errors.Is(err, shared.ErrNotFound):
			return Run{}, err
		}
	}

	run := Run{
		RunID:       runID,
		TenantID:    in.TenantID,
		Status:      RunStatusPending,
		Mode:        in.Mode,
		StartedAt:   s.now().UTC(),
		InputFileID: in.InputFileID,
		CreatedBy:   in.CreatedBy,
	}
	err = scoped.WithTx(ctx, func(ctx context.Context, tx *TenantTxStore) error {
		return tx.CreateRun(ctx, run)
	})
	if err != nil {
		return Run{}, err
	}
	err = scoped.WithTx(ctx, func(ctx context.Context, tx *TenantTxStore) error {
		return tx.TransitionRun(ctx, runID, RunStatusPending, RunStatusRunning, RunUpdate{})
	})
	if err != nil {
		return Run{}, s.failRun(ctx, scoped, runID, RunStatusPending, err)
	}
	run.Status = RunStatusRunning

	result, lots, mergeErrors, err := s.prepareAndAllocate(ctx, scoped, runID, in)
	if err != nil {
		return Run{}, s.failRun(ctx, scoped, runID, RunStatusRunning, err)
	}
	result.ValidationErrors = append(mergeErrors, result.ValidationErrors...)

	// Best-effort cancellation checkpoint before the commit block.
	if err := ctx.Err(); err != nil {
		return Run{}, s.failRun(ctx, scoped, runID, RunStatusRunning, err)
	}

	completedAt := s.now().UTC()
	err = scoped.WithTx(ctx, func(ctx context.Context, tx *TenantTxStore) error {
		if err := tx.AppendMovements(ctx, s.stampMovements(result.Movements)); err != nil {
			return err
		}
		if err := tx.WriteAttributions(ctx, s.stampAttributions(result.Attributions, completedAt)); err != nil {
			return err
		}
		if err := tx.WriteSummaries(ctx, s.stampSummaries(result.Summaries)); err != nil {
			return err
		}
		if err := tx.WriteValidationErrors(ctx, s.stampValidationErrors(result.ValidationErrors)); err != nil {
			return err
		}
		if err := tx.UpdateLotRemaining(ctx, result.UpdatedLots); err != nil {
			return err
		}
		if err := tx.ClearCurrentSnapshots(ctx); err != nil {
			return err
		}
		if err := tx.InsertSnapshots(ctx, postRunSnapshots(runID, lots, result.UpdatedLots)); err != nil {
			return err
		}
		return tx.TransitionRun(ctx, runID, RunStatusRunning, RunStatusCompleted, RunUpdate{
			CompletedAt:         &completedAt,
			TotalSalesProcessed: len(in.Sales),
			TotalCOGS:           result.TotalCOGS,
			ValidationErrors:    len(result.ValidationErrors),
		})
	})
	if err != nil {
		return Run{}, s.failRun(ctx, scoped, runID, RunStatusRunning, err)
	}

	run.Status = RunStatusCompleted
	run.CompletedAt = &completedAt
	run.TotalSalesProcessed = len(in.Sales)
	run.TotalCOGS = result.TotalCOGS
	run.ValidationErrors = len(result.ValidationErrors)

	s.logger.Info("run completed",
		slog.String("tenant", in.TenantID.String()),
		slog.String("run_id", runID),
		slog.String("total_cogs", result.TotalCOGS.String()),
		slog.Int("validation_errors", len(result.ValidationErrors)))
	s.recordAudit(ctx, in.TenantID, in.CreatedBy, "cogs:run:completed", runID, map[string]any{
		"mode":              string(in.Mode),
		"sales":             len(in.Sales),
		"validation_errors": len(result.ValidationErrors),
	})
	return run, nil
}

// prepareAndAllocate merges upserted lots with stored inventory, writes the
// pre-run snapshot, and invokes the allocator. The snapshot commit is kept
// separate from the result commit so a failed run still leaves a forensic
// record of its starting state.
func (s *Service) prepareAndAllocate(ctx context.Context, scoped *TenantScopedStore, runID string, in ExecuteRunInput) (AllocationResult, []PurchaseLot, []ValidationError, error) {
	var lots []PurchaseLot
	var mergeErrors []ValidationError
	err := scoped.WithTx(ctx, func(ctx context.Context, tx *TenantTxStore) error {
		current, err := tx.LoadCurrentInventory(ctx, nil)
		if err != nil {
			return err
		}
		merged, toUpsert, errs := mergeLots(s.cfg.LotMergePolicy, current, in.LotsUpsert, in.TenantID, runID)
		lots, mergeErrors = merged, errs
		if len(toUpsert) > 0 {
			if err := tx.UpsertLots(ctx, toUpsert); err != nil {
				return err
			}
		}
		return tx.InsertSnapshots(ctx, preRunSnapshots(runID, lots))
	})
	if err != nil {
		return AllocationResult{}, nil, nil, err
	}

	result, err := Allocate(AllocationInput{
		TenantID: in.TenantID,
		RunID:    runID,
		Lots:     lots,
		Sales:    in.Sales,
		Config:   s.cfg,
	})
	if err != nil {
		return AllocationResult{}, nil, nil, err
	}
	return result, lots, mergeErrors, nil
}

// mergeLots folds upserted lots into stored inventory. New lots are accepted
// as given. For a stored lot, remaining quantity is never taken from user
// input: an upsert may only raise it by the delta in original quantity.
// Conflicting upserts are skipped with a validation error.
func mergeLots(policy LotMergePolicy, current, upserts []PurchaseLot, tenant shared.TenantID, runID string) ([]PurchaseLot, []PurchaseLot, []ValidationError) {
	byID := make(map[string]int, len(current))
	for i, lot := range current {
		byID[lot.LotID] = i
	}
	merged := make([]PurchaseLot, len(current))
	copy(merged, current)

	var toUpsert []PurchaseLot
	var errs []ValidationError
	conflict := func(lot PurchaseLot, message string) {
		errs = append(errs, ValidationError{
			TenantID: tenant,
			RunID:    runID,
			Kind:     ValidationLotConflict,
			SKU:      lot.SKU,
			Quantity: lot.OriginalQuantity,
			Message:  message,
		})
	}

	for _, incoming := range upserts {
		idx, exists := byID[incoming.LotID]
		if !exists {
			lot := incoming
			lot.TenantID = tenant
			merged = append(merged, lot)
			byID[lot.LotID] = len(merged) - 1
			toUpsert = append(toUpsert, lot)
			continue
		}
		if policy == LotMergeReject {
			conflict(incoming, fmt.Sprintf("lot %s already exists", incoming.LotID))
			continue
		}
		existing := merged[idx]
		delta := incoming.OriginalQuantity - existing.OriginalQuantity
		if delta < 0 {
			conflict(incoming, fmt.Sprintf("lot %s original quantity may not shrink from %d to %d", incoming.LotID, existing.OriginalQuantity, incoming.OriginalQuantity))
			continue
		}
		existing.SKU = incoming.SKU
		existing.ReceivedDate = incoming.ReceivedDate
		existing.UnitPrice = incoming.UnitPrice
		existing.FreightCostPerUnit = incoming.FreightCostPerUnit
		existing.OriginalQuantity = incoming.OriginalQuantity
		existing.RemainingQuantity += delta
		merged[idx] = existing
		toUpsert = append(toUpsert, existing)
	}
	return merged, toUpsert, errs
}

func preRunSnapshots(runID string, lots []PurchaseLot) []SnapshotLot {
	rows := make([]SnapshotLot, len(lots))
	for i, lot := range lots {
		rows[i] = snapshotOf(runID, lot, lot.RemainingQuantity, SnapshotPhasePre)
	}
	return rows
}

func postRunSnapshots(runID string, lots []PurchaseLot, updated []LotQuantity) []SnapshotLot {
	remaining := make(map[string]int64, len(updated))
	for _, q := range updated {
		remaining[q.LotID] = q.Remaining
	}
	rows := make([]SnapshotLot, len(lots))
	for i, lot := range lots {
		after, ok := remaining[lot.LotID]
		if !ok {
			after = lot.RemainingQuantity
		}
		rows[i] = snapshotOf(runID, lot, after, SnapshotPhasePost)
	}
	return rows
}

func snapshotOf(runID string, lot PurchaseLot, remaining int64, phase SnapshotPhase) SnapshotLot {
	return SnapshotLot{
		TenantID:           lot.TenantID,
		RunID:              runID,
		Phase:              phase,
		LotID:              lot.LotID,
		SKU:                lot.SKU,
		RemainingQuantity:  remaining,
		OriginalQuantity:   lot.OriginalQuantity,
		UnitPrice:          lot.UnitPrice,
		FreightCostPerUnit: lot.FreightCostPerUnit,
		ReceivedDate:       lot.ReceivedDate,
		IsCurrent:          phase != SnapshotPhasePre,
	}
}

func (s *Service) stampMovements(movements []InventoryMovement) []InventoryMovement {
	for i := range movements {
		if movements[i].MovementID == "" {
			movements[i].MovementID = s.newID()
		}
	}
	return movements
}

func (s *Service) stampAttributions(attributions []COGSAttribution, at time.Time) []COGSAttribution {
	for i := range attributions {
		if attributions[i].AttributionID == "" {
			attributions[i].AttributionID = s.newID()
		}
		attributions[i].CreatedAt = at
		for j := range attributions[i].Details {
			if attributions[i].Details[j].DetailID == "" {
				attributions[i].Details[j].DetailID = s.newID()
			}
			attributions[i].Details[j].AttributionID = attributions[i].AttributionID
		}
	}
	return attributions
}

func (s *Service) stampSummaries(summaries []COGSSummary) []COGSSummary {
	for i := range summaries {
		if summaries[i].SummaryID == "" {
			summaries[i].SummaryID = s.newID()
		}
	}
	return summaries
}

func (s *Service) stampValidationErrors(validationErrors []ValidationError) []ValidationError {
	for i := range validationErrors {
		if validationErrors[i].ErrorID == "" {
			validationErrors[i].ErrorID = s.newID()
		}
	}
	return validationErrors
}

// failRun transitions the run to failed on a best-effort basis and returns
// the originating error.
func (s *Service) failRun(ctx context.Context, scoped *TenantScopedStore, runID string, from RunStatus, cause error) error {
	completedAt := s.now().UTC()
	err := scoped.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, tx *TenantTxStore) error {
		return tx.TransitionRun(ctx, runID, from, RunStatusFailed, RunUpdate{
			CompletedAt:  &completedAt,
			ErrorMessage: cause.Error(),
		})
	})
	if err != nil {
		s.logger.Error("mark run failed",
			slog.String("run_id", runID),
			slog.Any("transition_error", err),
			slog.Any("cause", cause))
	} else {
		s.logger.Warn("run failed", slog.String("run_id", runID), slog.Any("error", cause))
	}
	return cause
}

func (s *Service) recordAudit(ctx context.Context, tenant shared.TenantID, actor, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Tenant:   tenant,
		Actor:    actor,
		Action:   action,
		Entity:   "cogs_run",
		EntityID: entityID,
		Meta:     meta,
	})
}

func validateRunInput(in ExecuteRunInput) error {
	if err := in.TenantID.Validate(); err != nil {
		return err
	}
	if in.Mode != ModeFIFO {
		return fmt.Errorf("mode %q: %w", in.Mode, ErrUnsupportedMode)
	}
	if len(in.Sales) == 0 {
		return ErrEmptySales
	}
	for _, sale := range in.Sales {
		if err := sale.Validate(); err != nil {
			return fmt.Errorf("sale %s: %w", sale.SaleID, err)
		}
		if sale.TenantID != "" && sale.TenantID != in.TenantID {
			return fmt.Errorf("sale %s: %w", sale.SaleID, shared.ErrTenantMismatch)
		}
	}
	for _, lot := range in.LotsUpsert {
		if err := lot.Validate(); err != nil {
			return fmt.Errorf("lot %s: %w", lot.LotID, err)
		}
		if lot.TenantID != "" && lot.TenantID != in.TenantID {
			return fmt.Errorf("lot %s: %w", lot.LotID, shared.ErrTenantMismatch)
		}
	}
	return nil
}

// GetRun returns one run scoped to the tenant.
func (s *Service) GetRun(ctx context.Context, tenant shared.TenantID, runID string) (Run, error) {
	scoped, err := NewTenantScopedStore(tenant, s.store)
	if err != nil {
		return Run{}, err
	}
	return scoped.GetRun(ctx, runID)
}

// ListRuns lists runs for the tenant.
func (s *Service) ListRuns(ctx context.Context, tenant shared.TenantID, filter RunFilter) ([]Run, error) {
	scoped, err := NewTenantScopedStore(tenant, s.store)
	if err != nil {
		return nil, err
	}
	return scoped.ListRuns(ctx, filter)
}

// ReadAttributions returns a page of attributions with details.
func (s *Service) ReadAttributions(ctx context.Context, tenant shared.TenantID, runID string, page shared.Pagination) ([]COGSAttribution, int, error) {
	scoped, err := NewTenantScopedStore(tenant, s.store)
	if err != nil {
		return nil, 0, err
	}
	if _, err := scoped.GetRun(ctx, runID); err != nil {
		return nil, 0, err
	}
	return scoped.ReadAttributions(ctx, runID, page)
}

// ReadSummaries returns a run's summaries.
func (s *Service) ReadSummaries(ctx context.Context, tenant shared.TenantID, runID string) ([]COGSSummary, error) {
	scoped, err := NewTenantScopedStore(tenant, s.store)
	if err != nil {
		return nil, err
	}
	if _, err := scoped.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return scoped.ReadSummaries(ctx, runID)
}

// ReadValidationErrors returns a run's validation errors.
func (s *Service) ReadValidationErrors(ctx context.Context, tenant shared.TenantID, runID string) ([]ValidationError, error) {
	scoped, err := NewTenantScopedStore(tenant, s.store)
	if err != nil {
		return nil, err
	}
	if _, err := scoped.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return scoped.ReadValidationErrors(ctx, runID)
}

// ReadCurrentInventory returns the tenant's live lots, optionally filtered by SKU.
func (s *Service) ReadCurrentInventory(ctx context.Context, tenant shared.TenantID, sku string) ([]PurchaseLot, error) {
	scoped, err := NewTenantScopedStore(tenant, s.store)
	if err != nil {
		return nil, err
	}
	var skus []string
	if sku != "" {
		skus = []string{sku}
	}
	return scoped.LoadCurrentInventory(ctx, skus)
}
