package cogs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-cogs/meridian/internal/platform/db"
	"github.com/meridian-cogs/meridian/internal/shared"
)

// SQLStore persists engine state in PostgreSQL.
type SQLStore struct {
	pool *pgxpool.Pool
}

// NewSQLStore constructs SQLStore.
func NewSQLStore(pool *pgxpool.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (s *SQLStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	if s == nil {
		return errors.New("cogs: store not initialised")
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &sqlTxStore{tx: tx})
	})
}

func (s *SQLStore) LoadCurrentInventory(ctx context.Context, tenant shared.TenantID, skus []string) ([]PurchaseLot, error) {
	return loadCurrentInventory(ctx, s.pool, tenant, skus)
}

func (s *SQLStore) GetRun(ctx context.Context, tenant shared.TenantID, runID string) (Run, error) {
	return getRun(ctx, s.pool, tenant, runID, false)
}

func (s *SQLStore) ListRuns(ctx context.Context, tenant shared.TenantID, filter RunFilter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+`
FROM runs
WHERE tenant_id=$1 AND ($2='' OR status=$2)
ORDER BY started_at DESC, run_id DESC
LIMIT $3 OFFSET $4`, tenant.String(), string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLStore) ReadSnapshot(ctx context.Context, tenant shared.TenantID, runID string) ([]SnapshotLot, error) {
	return readSnapshot(ctx, s.pool, tenant, runID)
}

func (s *SQLStore) ReadMovements(ctx context.Context, tenant shared.TenantID, runID string) ([]InventoryMovement, error) {
	return readMovements(ctx, s.pool, tenant, runID)
}

func (s *SQLStore) ReadAttributions(ctx context.Context, tenant shared.TenantID, runID string, page shared.Pagination) ([]COGSAttribution, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cogs_attributions WHERE tenant_id=$1 AND run_id=$2`,
		tenant.String(), runID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `SELECT attribution_id, sale_id, sku, sale_date, quantity_sold, total_cogs::text, average_unit_cost::text, is_valid, created_at
FROM cogs_attributions
WHERE tenant_id=$1 AND run_id=$2
ORDER BY sale_date ASC, sale_id ASC
LIMIT $3 OFFSET $4`, tenant.String(), runID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	attributions := []COGSAttribution{}
	ids := []string{}
	for rows.Next() {
		var attr COGSAttribution
		var totalCOGS, avgCost string
		if err := rows.Scan(&attr.AttributionID, &attr.SaleID, &attr.SKU, &attr.SaleDate, &attr.QuantitySold, &totalCOGS, &avgCost, &attr.IsValid, &attr.CreatedAt); err != nil {
			return nil, 0, err
		}
		if attr.TotalCOGS, err = decimal.NewFromString(totalCOGS); err != nil {
			return nil, 0, err
		}
		if attr.AverageUnitCost, err = decimal.NewFromString(avgCost); err != nil {
			return nil, 0, err
		}
		attr.TenantID = tenant
		attr.RunID = runID
		attributions = append(attributions, attr)
		ids = append(ids, attr.AttributionID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return attributions, total, nil
	}

	detailRows, err := s.pool.Query(ctx, `SELECT detail_id, attribution_id, lot_id, quantity_allocated, unit_cost::text, total_cost::text
FROM cogs_attribution_details
WHERE tenant_id=$1 AND attribution_id=ANY($2)
ORDER BY detail_id ASC`, tenant.String(), ids)
	if err != nil {
		return nil, 0, err
	}
	defer detailRows.Close()
	byAttribution := make(map[string][]AttributionDetail)
	for detailRows.Next() {
		var d AttributionDetail
		var unitCost, totalCost string
		if err := detailRows.Scan(&d.DetailID, &d.AttributionID, &d.LotID, &d.QuantityAllocated, &unitCost, &totalCost); err != nil {
			return nil, 0, err
		}
		if d.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, 0, err
		}
		if d.TotalCost, err = decimal.NewFromString(totalCost); err != nil {
			return nil, 0, err
		}
		d.TenantID = tenant
		byAttribution[d.AttributionID] = append(byAttribution[d.AttributionID], d)
	}
	if err := detailRows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range attributions {
		attributions[i].Details = byAttribution[attributions[i].AttributionID]
	}
	return attributions, total, nil
}

func (s *SQLStore) ReadSummaries(ctx context.Context, tenant shared.TenantID, runID string) ([]COGSSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT summary_id, sku, period, total_quantity_sold, total_cogs::text, average_unit_cost::text, is_valid
FROM cogs_summaries
WHERE tenant_id=$1 AND run_id=$2
ORDER BY sku ASC, period ASC`, tenant.String(), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	summaries := []COGSSummary{}
	for rows.Next() {
		var sum COGSSummary
		var totalCOGS, avgCost string
		if err := rows.Scan(&sum.SummaryID, &sum.SKU, &sum.Period, &sum.TotalQuantitySold, &totalCOGS, &avgCost, &sum.IsValid); err != nil {
			return nil, err
		}
		if sum.TotalCOGS, err = decimal.NewFromString(totalCOGS); err != nil {
			return nil, err
		}
		if sum.AverageUnitCost, err = decimal.NewFromString(avgCost); err != nil {
			return nil, err
		}
		sum.TenantID = tenant
		sum.RunID = runID
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

func (s *SQLStore) ReadValidationErrors(ctx context.Context, tenant shared.TenantID, runID string) ([]ValidationError, error) {
	rows, err := s.pool.Query(ctx, `SELECT error_id, kind, sku, sale_id, quantity, message
FROM validation_errors
WHERE tenant_id=$1 AND run_id=$2
ORDER BY error_id ASC`, tenant.String(), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []ValidationError{}
	for rows.Next() {
		var ve ValidationError
		var kind string
		if err := rows.Scan(&ve.ErrorID, &kind, &ve.SKU, &ve.SaleID, &ve.Quantity, &ve.Message); err != nil {
			return nil, err
		}
		ve.Kind = ValidationErrorKind(kind)
		ve.TenantID = tenant
		ve.RunID = runID
		result = append(result, ve)
	}
	return result, rows.Err()
}

type sqlTxStore struct {
	tx pgx.Tx
}

const runColumns = `run_id, tenant_id, status, mode, started_at, completed_at, rolled_back_at, input_file_id, error_message, created_by, total_sales_processed, total_cogs::text, validation_errors_count`

func (s *sqlTxStore) CreateRun(ctx context.Context, run Run) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO runs (run_id, tenant_id, status, mode, started_at, input_file_id, error_message, created_by, total_sales_processed, total_cogs, validation_errors_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		run.RunID, run.TenantID.String(), string(run.Status), string(run.Mode), run.StartedAt,
		run.InputFileID, run.ErrorMessage, run.CreatedBy,
		run.TotalSalesProcessed, run.TotalCOGS.String(), run.ValidationErrors)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrRunExists
		}
		return fmt.Errorf("cogs: create run: %w", err)
	}
	return nil
}

func (s *sqlTxStore) GetRunForUpdate(ctx context.Context, tenant shared.TenantID, runID string) (Run, error) {
	return getRun(ctx, s.tx, tenant, runID, true)
}

func (s *sqlTxStore) TransitionRun(ctx context.Context, tenant shared.TenantID, runID string, from, to RunStatus, update RunUpdate) error {
	if err := ValidateRunTransition(from, to); err != nil {
		return fmt.Errorf("%s -> %s: %w", from, to, shared.ErrIllegalState)
	}
	tag, err := s.tx.Exec(ctx, `UPDATE runs
SET status=$4,
    completed_at=COALESCE($5, completed_at),
    rolled_back_at=COALESCE($6, rolled_back_at),
    error_message=CASE WHEN $7 <> '' THEN $7 ELSE error_message END,
    total_sales_processed=GREATEST(total_sales_processed, $8),
    total_cogs=CASE WHEN $4='completed' THEN $9::numeric ELSE total_cogs END,
    validation_errors_count=GREATEST(validation_errors_count, $10)
WHERE run_id=$1 AND tenant_id=$2 AND status=$3`,
		runID, tenant.String(), string(from), string(to),
		update.CompletedAt, update.RolledBackAt, update.ErrorMessage,
		update.TotalSalesProcessed, update.TotalCOGS.String(), update.ValidationErrors)
	if err != nil {
		return fmt.Errorf("cogs: transition run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE run_id=$1 AND tenant_id=$2)`, runID, tenant.String()).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return shared.ErrNotFound
	}
	return fmt.Errorf("run %s not in %s: %w", runID, from, shared.ErrIllegalState)
}

func (s *sqlTxStore) UpsertLots(ctx context.Context, tenant shared.TenantID, lots []PurchaseLot) error {
	for _, lot := range lots {
		_, err := s.tx.Exec(ctx, `INSERT INTO lots (tenant_id, lot_id, sku, received_date, original_quantity, remaining_quantity, unit_price, freight_cost_per_unit, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
ON CONFLICT (tenant_id, lot_id) DO UPDATE SET
    sku=EXCLUDED.sku,
    received_date=EXCLUDED.received_date,
    original_quantity=EXCLUDED.original_quantity,
    remaining_quantity=EXCLUDED.remaining_quantity,
    unit_price=EXCLUDED.unit_price,
    freight_cost_per_unit=EXCLUDED.freight_cost_per_unit,
    updated_at=NOW()`,
			tenant.String(), lot.LotID, lot.SKU, lot.ReceivedDate,
			lot.OriginalQuantity, lot.RemainingQuantity,
			lot.UnitPrice.String(), lot.FreightCostPerUnit.String())
		if err != nil {
			return fmt.Errorf("cogs: upsert lot %s: %w", lot.LotID, err)
		}
	}
	return nil
}

func (s *sqlTxStore) UpdateLotRemaining(ctx context.Context, tenant shared.TenantID, quantities []LotQuantity) error {
	for _, q := range quantities {
		tag, err := s.tx.Exec(ctx, `UPDATE lots SET remaining_quantity=$3, updated_at=NOW()
WHERE tenant_id=$1 AND lot_id=$2`, tenant.String(), q.LotID, q.Remaining)
		if err != nil {
			return fmt.Errorf("cogs: update lot %s: %w", q.LotID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("lot %s: %w", q.LotID, shared.ErrNotFound)
		}
	}
	return nil
}

func (s *sqlTxStore) InsertSnapshots(ctx context.Context, tenant shared.TenantID, rows []SnapshotLot) error {
	for _, row := range rows {
		_, err := s.tx.Exec(ctx, `INSERT INTO inventory_snapshots (snapshot_id, tenant_id, run_id, phase, lot_id, sku, remaining_quantity, original_quantity, unit_price, freight_cost_per_unit, received_date, is_current, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())`,
			uuid.NewString(), tenant.String(), row.RunID, string(row.Phase), row.LotID, row.SKU,
			row.RemainingQuantity, row.OriginalQuantity,
			row.UnitPrice.String(), row.FreightCostPerUnit.String(),
			row.ReceivedDate, row.IsCurrent)
		if err != nil {
			return fmt.Errorf("cogs: insert snapshot: %w", err)
		}
	}
	return nil
}

func (s *sqlTxStore) ClearCurrentSnapshots(ctx context.Context, tenant shared.TenantID) error {
	_, err := s.tx.Exec(ctx, `UPDATE inventory_snapshots SET is_current=FALSE WHERE tenant_id=$1 AND is_current`, tenant.String())
	return err
}

func (s *sqlTxStore) AppendMovements(ctx context.Context, tenant shared.TenantID, movements []InventoryMovement) error {
	for _, m := range movements {
		id := m.MovementID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := s.tx.Exec(ctx, `INSERT INTO inventory_movements (movement_id, tenant_id, run_id, lot_id, sku, kind, quantity, remaining_after, unit_cost, reference_id, sequence, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())`,
			id, tenant.String(), m.RunID, m.LotID, m.SKU, string(m.Kind),
			m.Quantity, m.RemainingAfter, m.UnitCost.String(), m.ReferenceID, m.Sequence)
		if err != nil {
			return fmt.Errorf("cogs: append movement: %w", err)
		}
	}
	return nil
}

func (s *sqlTxStore) WriteAttributions(ctx context.Context, tenant shared.TenantID, attributions []COGSAttribution) error {
	for _, attr := range attributions {
		_, err := s.tx.Exec(ctx, `INSERT INTO cogs_attributions (attribution_id, tenant_id, run_id, sale_id, sku, sale_date, quantity_sold, total_cogs, average_unit_cost, is_valid, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())`,
			attr.AttributionID, tenant.String(), attr.RunID, attr.SaleID, attr.SKU,
			attr.SaleDate, attr.QuantitySold, attr.TotalCOGS.String(),
			attr.AverageUnitCost.String(), attr.IsValid)
		if err != nil {
			return fmt.Errorf("cogs: write attribution: %w", err)
		}
		for _, d := range attr.Details {
			_, err := s.tx.Exec(ctx, `INSERT INTO cogs_attribution_details (detail_id, attribution_id, tenant_id, lot_id, quantity_allocated, unit_cost, total_cost)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				d.DetailID, attr.AttributionID, tenant.String(), d.LotID,
				d.QuantityAllocated, d.UnitCost.String(), d.TotalCost.String())
			if err != nil {
				return fmt.Errorf("cogs: write attribution detail: %w", err)
			}
		}
	}
	return nil
}

func (s *sqlTxStore) WriteSummaries(ctx context.Context, tenant shared.TenantID, summaries []COGSSummary) error {
	for _, sum := range summaries {
		_, err := s.tx.Exec(ctx, `INSERT INTO cogs_summaries (summary_id, tenant_id, run_id, sku, period, total_quantity_sold, total_cogs, average_unit_cost, is_valid, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())`,
			sum.SummaryID, tenant.String(), sum.RunID, sum.SKU, sum.Period,
			sum.TotalQuantitySold, sum.TotalCOGS.String(), sum.AverageUnitCost.String(), sum.IsValid)
		if err != nil {
			return fmt.Errorf("cogs: write summary: %w", err)
		}
	}
	return nil
}

func (s *sqlTxStore) WriteValidationErrors(ctx context.Context, tenant shared.TenantID, validationErrors []ValidationError) error {
	for _, ve := range validationErrors {
		id := ve.ErrorID
		if id == "" {
			id = uuid.NewString()
		}
		_, err := s.tx.Exec(ctx, `INSERT INTO validation_errors (error_id, tenant_id, run_id, kind, sku, sale_id, quantity, message, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())`,
			id, tenant.String(), ve.RunID, string(ve.Kind), ve.SKU, ve.SaleID, ve.Quantity, ve.Message)
		if err != nil {
			return fmt.Errorf("cogs: write validation error: %w", err)
		}
	}
	return nil
}

func (s *sqlTxStore) InvalidateDerived(ctx context.Context, tenant shared.TenantID, runID string) error {
	if _, err := s.tx.Exec(ctx, `UPDATE cogs_attributions SET is_valid=FALSE WHERE tenant_id=$1 AND run_id=$2`, tenant.String(), runID); err != nil {
		return fmt.Errorf("cogs: invalidate attributions: %w", err)
	}
	if _, err := s.tx.Exec(ctx, `UPDATE cogs_summaries SET is_valid=FALSE WHERE tenant_id=$1 AND run_id=$2`, tenant.String(), runID); err != nil {
		return fmt.Errorf("cogs: invalidate summaries: %w", err)
	}
	return nil
}

func (s *sqlTxStore) ReadMovements(ctx context.Context, tenant shared.TenantID, runID string) ([]InventoryMovement, error) {
	return readMovements(ctx, s.tx, tenant, runID)
}

func (s *sqlTxStore) ReadSnapshot(ctx context.Context, tenant shared.TenantID, runID string) ([]SnapshotLot, error) {
	return readSnapshot(ctx, s.tx, tenant, runID)
}

func (s *sqlTxStore) LoadCurrentInventory(ctx context.Context, tenant shared.TenantID, skus []string) ([]PurchaseLot, error) {
	return loadCurrentInventory(ctx, s.tx, tenant, skus)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadCurrentInventory(ctx context.Context, q querier, tenant shared.TenantID, skus []string) ([]PurchaseLot, error) {
	rows, err := q.Query(ctx, `SELECT lot_id, sku, received_date, original_quantity, remaining_quantity, unit_price::text, freight_cost_per_unit::text
FROM lots
WHERE tenant_id=$1 AND ($2::text[] IS NULL OR sku=ANY($2))
ORDER BY sku ASC, received_date ASC, lot_id ASC`, tenant.String(), skuFilter(skus))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lots := []PurchaseLot{}
	for rows.Next() {
		var lot PurchaseLot
		var unitPrice, freight string
		if err := rows.Scan(&lot.LotID, &lot.SKU, &lot.ReceivedDate, &lot.OriginalQuantity, &lot.RemainingQuantity, &unitPrice, &freight); err != nil {
			return nil, err
		}
		if lot.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, err
		}
		if lot.FreightCostPerUnit, err = decimal.NewFromString(freight); err != nil {
			return nil, err
		}
		lot.TenantID = tenant
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func readMovements(ctx context.Context, q querier, tenant shared.TenantID, runID string) ([]InventoryMovement, error) {
	rows, err := q.Query(ctx, `SELECT movement_id, lot_id, sku, kind, quantity, remaining_after, unit_cost::text, reference_id, sequence, created_at
FROM inventory_movements
WHERE tenant_id=$1 AND run_id=$2
ORDER BY sequence ASC`, tenant.String(), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []InventoryMovement{}
	for rows.Next() {
		var m InventoryMovement
		var kind, unitCost string
		if err := rows.Scan(&m.MovementID, &m.LotID, &m.SKU, &kind, &m.Quantity, &m.RemainingAfter, &unitCost, &m.ReferenceID, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, err
		}
		m.Kind = MovementKind(kind)
		m.TenantID = tenant
		m.RunID = runID
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func readSnapshot(ctx context.Context, q querier, tenant shared.TenantID, runID string) ([]SnapshotLot, error) {
	rows, err := q.Query(ctx, `SELECT lot_id, sku, remaining_quantity, original_quantity, unit_price::text, freight_cost_per_unit::text, received_date, is_current, created_at
FROM inventory_snapshots
WHERE tenant_id=$1 AND run_id=$2 AND phase='pre'
ORDER BY lot_id ASC`, tenant.String(), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	snapshots := []SnapshotLot{}
	for rows.Next() {
		snap := SnapshotLot{Phase: SnapshotPhasePre}
		var unitPrice, freight string
		if err := rows.Scan(&snap.LotID, &snap.SKU, &snap.RemainingQuantity, &snap.OriginalQuantity, &unitPrice, &freight, &snap.ReceivedDate, &snap.IsCurrent, &snap.CreatedAt); err != nil {
			return nil, err
		}
		if snap.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return nil, err
		}
		if snap.FreightCostPerUnit, err = decimal.NewFromString(freight); err != nil {
			return nil, err
		}
		snap.TenantID = tenant
		snap.RunID = runID
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

func getRun(ctx context.Context, q querier, tenant shared.TenantID, runID string, forUpdate bool) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id=$1 AND tenant_id=$2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	row := q.QueryRow(ctx, query, runID, tenant.String())
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, fmt.Errorf("run %s: %w", runID, shared.ErrNotFound)
		}
		return Run{}, err
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var tenant, status, mode, totalCOGS string
	if err := row.Scan(&run.RunID, &tenant, &status, &mode, &run.StartedAt, &run.CompletedAt, &run.RolledBackAt,
		&run.InputFileID, &run.ErrorMessage, &run.CreatedBy,
		&run.TotalSalesProcessed, &totalCOGS, &run.ValidationErrors); err != nil {
		return Run{}, err
	}
	var err error
	if run.TotalCOGS, err = decimal.NewFromString(totalCOGS); err != nil {
		return Run{}, err
	}
	run.TenantID = shared.TenantID(tenant)
	run.Status = RunStatus(status)
	run.Mode = Mode(mode)
	return run, nil
}

func skuFilter(skus []string) any {
	if len(skus) == 0 {
		return nil
	}
	return skus
}
