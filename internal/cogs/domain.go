package cogs

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-cogs/meridian/internal/shared"
)

// Mode selects the costing method for a run.
type Mode string

const (
	// ModeFIFO consumes the oldest received lots first.
	ModeFIFO Mode = "fifo"
)

// RunStatus enumerates the run lifecycle states.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusRunning    RunStatus = "running"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusRolledBack RunStatus = "rolled_back"
)

// IsTerminal reports whether the status admits no further transition except
// completed -> rolled_back.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusRolledBack:
		return true
	default:
		return false
	}
}

// ErrInvalidRunTransition indicates a status change the state machine forbids.
var ErrInvalidRunTransition = errors.New("cogs: run transition invalid")

// ValidateRunTransition checks lifecycle transitions according to policy.
func ValidateRunTransition(current, target RunStatus) error {
	switch current {
	case RunStatusPending:
		if target == RunStatusRunning || target == RunStatusFailed {
			return nil
		}
	case RunStatusRunning:
		if target == RunStatusCompleted || target == RunStatusFailed {
			return nil
		}
	case RunStatusCompleted:
		if target == RunStatusRolledBack {
			return nil
		}
	}
	return ErrInvalidRunTransition
}

// MovementKind enumerates journal entry kinds.
type MovementKind string

const (
	MovementKindSale       MovementKind = "sale"
	MovementKindReturn     MovementKind = "return"
	MovementKindAdjustment MovementKind = "adjustment"
	MovementKindRollback   MovementKind = "rollback"
)

// PurchaseLot is a single inventory arrival for one SKU.
type PurchaseLot struct {
	TenantID           shared.TenantID
	LotID              string
	SKU                string
	ReceivedDate       time.Time
	OriginalQuantity   int64
	RemainingQuantity  int64
	UnitPrice          decimal.Decimal
	FreightCostPerUnit decimal.Decimal
}

// EffectiveUnitCost is the landed cost per unit including freight.
func (l PurchaseLot) EffectiveUnitCost() decimal.Decimal {
	return l.UnitPrice.Add(l.FreightCostPerUnit)
}

// Validate checks the structural invariants of a lot.
func (l PurchaseLot) Validate() error {
	if l.LotID == "" || l.SKU == "" {
		return ErrMalformedLot
	}
	if l.OriginalQuantity <= 0 {
		return ErrMalformedLot
	}
	if l.RemainingQuantity < 0 || l.RemainingQuantity > l.OriginalQuantity {
		return ErrMalformedLot
	}
	if l.UnitPrice.IsNegative() || l.FreightCostPerUnit.IsNegative() {
		return ErrMalformedLot
	}
	return nil
}

// Sale is one sales event. Negative quantity marks a return.
type Sale struct {
	TenantID shared.TenantID
	SaleID   string
	SKU      string
	SaleDate time.Time
	Quantity int64
}

// IsReturn reports whether the sale restores inventory.
func (s Sale) IsReturn() bool { return s.Quantity < 0 }

// Validate checks the structural invariants of a sale.
func (s Sale) Validate() error {
	if s.SaleID == "" || s.SKU == "" || s.SaleDate.IsZero() {
		return ErrMalformedSale
	}
	if s.Quantity == 0 {
		return ErrMalformedSale
	}
	return nil
}

// InventoryMovement is one append-only journal entry. Quantity is negative
// for consumption and positive for restoration.
type InventoryMovement struct {
	MovementID     string
	TenantID       shared.TenantID
	RunID          string
	LotID          string
	SKU            string
	Kind           MovementKind
	Quantity       int64
	RemainingAfter int64
	UnitCost       decimal.Decimal
	ReferenceID    string
	Sequence       int
	CreatedAt      time.Time
}

// SnapshotPhase distinguishes when in a run's life a snapshot row was taken.
type SnapshotPhase string

const (
	// SnapshotPhasePre captures lot state before any allocation.
	SnapshotPhasePre SnapshotPhase = "pre"
	// SnapshotPhasePost captures lot state at run commit.
	SnapshotPhasePost SnapshotPhase = "post"
	// SnapshotPhaseRestore captures lot state re-established by a rollback.
	SnapshotPhaseRestore SnapshotPhase = "restore"
)

// SnapshotLot captures the state of one lot at a snapshot phase.
type SnapshotLot struct {
	TenantID           shared.TenantID
	RunID              string
	Phase              SnapshotPhase
	LotID              string
	SKU                string
	RemainingQuantity  int64
	OriginalQuantity   int64
	UnitPrice          decimal.Decimal
	FreightCostPerUnit decimal.Decimal
	ReceivedDate       time.Time
	IsCurrent          bool
	CreatedAt          time.Time
}

// AttributionDetail is one (attribution, lot) allocation line.
type AttributionDetail struct {
	DetailID          string
	AttributionID     string
	TenantID          shared.TenantID
	LotID             string
	QuantityAllocated int64
	UnitCost          decimal.Decimal
	TotalCost         decimal.Decimal
}

// COGSAttribution ties one sale to the lots that funded it.
type COGSAttribution struct {
	AttributionID   string
	TenantID        shared.TenantID
	RunID           string
	SaleID          string
	SKU             string
	SaleDate        time.Time
	QuantitySold    int64
	TotalCOGS       decimal.Decimal
	AverageUnitCost decimal.Decimal
	IsValid         bool
	Details         []AttributionDetail
	CreatedAt       time.Time
}

// COGSSummary rolls attributions up by (sku, period).
type COGSSummary struct {
	SummaryID         string
	TenantID          shared.TenantID
	RunID             string
	SKU               string
	Period            string
	TotalQuantitySold int64
	TotalCOGS         decimal.Decimal
	AverageUnitCost   decimal.Decimal
	IsValid           bool
}

// LotQuantity is the post-allocation remaining quantity of one lot.
type LotQuantity struct {
	LotID     string
	Remaining int64
}

// Run is one invocation of the allocation pipeline for one tenant.
type Run struct {
	RunID               string
	TenantID            shared.TenantID
	Status              RunStatus
	Mode                Mode
	StartedAt           time.Time
	CompletedAt         *time.Time
	RolledBackAt        *time.Time
	InputFileID         string
	ErrorMessage        string
	CreatedBy           string
	TotalSalesProcessed int
	TotalCOGS           decimal.Decimal
	ValidationErrors    int
}

// ValidationErrorKind enumerates per-row validation errors.
type ValidationErrorKind string

const (
	ValidationInsufficientInventory ValidationErrorKind = "insufficient_inventory"
	ValidationOverReturn            ValidationErrorKind = "over_return"
	ValidationDateInversion         ValidationErrorKind = "date_inversion"
	ValidationUnknownSKU            ValidationErrorKind = "unknown_sku"
	ValidationLotConflict           ValidationErrorKind = "lot_conflict"
)

// ValidationError records a per-row data problem. It never aborts a run.
type ValidationError struct {
	ErrorID  string
	TenantID shared.TenantID
	RunID    string
	Kind     ValidationErrorKind
	SKU      string
	SaleID   string
	Quantity int64
	Message  string
}

// LotMergePolicy governs how lot upserts reconcile with stored lots.
type LotMergePolicy string

const (
	// LotMergeReject refuses upserts whose lot id already exists.
	LotMergeReject LotMergePolicy = "reject"
	// LotMergeUpsertIncreaseOnly lets an upsert raise remaining quantity by
	// the delta in original quantity, never lower it.
	LotMergeUpsertIncreaseOnly LotMergePolicy = "upsert_increase_only"
)

// AllocatorConfig carries the engine options recognized by the core.
type AllocatorConfig struct {
	RequireDateGuard bool
	LotMergePolicy   LotMergePolicy
}

// DefaultAllocatorConfig returns the documented defaults.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		RequireDateGuard: true,
		LotMergePolicy:   LotMergeUpsertIncreaseOnly,
	}
}

// Structural input errors. These fail a call before any state change.
var (
	ErrMalformedLot    = errors.New("cogs: malformed purchase lot")
	ErrMalformedSale   = errors.New("cogs: malformed sale")
	ErrEmptySales      = errors.New("cogs: sales must not be empty")
	ErrUnsupportedMode = errors.New("cogs: unsupported mode")
	ErrRunExists       = errors.New("cogs: run id already exists")
)
