package cogs

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/meridian-cogs/meridian/internal/shared"
)

// AllocationInput carries everything the allocator needs for one run.
// Lots and sales must all belong to TenantID.
type AllocationInput struct {
	TenantID shared.TenantID
	RunID    string
	Lots     []PurchaseLot
	Sales    []Sale
	Config   AllocatorConfig
}

// AllocationResult is the full decision record of a run. The allocator
// performs no I/O and assigns no ids or timestamps; the coordinator stamps
// those before persisting.
type AllocationResult struct {
	Attributions     []COGSAttribution
	Movements        []InventoryMovement
	UpdatedLots      []LotQuantity
	Summaries        []COGSSummary
	ValidationErrors []ValidationError
	TotalCOGS        decimal.Decimal
}

// Allocate attributes each sale's cost to the oldest eligible lots of its SKU
// and restores returns to the newest consumed lots first. Per-row data
// problems become ValidationErrors; only structural invariant violations
// return a top-level error.
func Allocate(in AllocationInput) (AllocationResult, error) {
	if err := validateStructure(in); err != nil {
		return AllocationResult{}, err
	}

	working := make([]*PurchaseLot, len(in.Lots))
	for i := range in.Lots {
		lot := in.Lots[i]
		working[i] = &lot
	}

	bySKU := groupLotsBySKU(working)

	sales := make([]Sale, len(in.Sales))
	copy(sales, in.Sales)
	sort.SliceStable(sales, func(i, j int) bool {
		if !sales[i].SaleDate.Equal(sales[j].SaleDate) {
			return sales[i].SaleDate.Before(sales[j].SaleDate)
		}
		return sales[i].SaleID < sales[j].SaleID
	})

	alloc := &allocation{
		input: in,
		bySKU: bySKU,
	}
	for _, sale := range sales {
		if sale.IsReturn() {
			alloc.processReturn(sale)
		} else {
			alloc.processSale(sale)
		}
	}

	result := AllocationResult{
		Attributions:     alloc.attributions,
		Movements:        alloc.movements,
		ValidationErrors: alloc.errors,
		Summaries:        summarize(in.TenantID, in.RunID, alloc.attributions),
		TotalCOGS:        decimal.Zero,
	}
	for _, attr := range alloc.attributions {
		result.TotalCOGS = result.TotalCOGS.Add(attr.TotalCOGS)
	}
	result.TotalCOGS = result.TotalCOGS.RoundBank(2)

	result.UpdatedLots = make([]LotQuantity, len(working))
	for i, lot := range working {
		result.UpdatedLots[i] = LotQuantity{LotID: lot.LotID, Remaining: lot.RemainingQuantity}
	}
	return result, nil
}

type allocation struct {
	input        AllocationInput
	bySKU        map[string][]*PurchaseLot
	attributions []COGSAttribution
	movements    []InventoryMovement
	errors       []ValidationError
	sequence     int
}

func (a *allocation) processSale(sale Sale) {
	lots := a.bySKU[sale.SKU]
	if len(lots) == 0 {
		a.addError(ValidationUnknownSKU, sale, sale.Quantity,
			fmt.Sprintf("no lots exist for sku %s", sale.SKU))
		a.attributions = append(a.attributions, a.newAttribution(sale, nil, false))
		return
	}

	need := sale.Quantity
	skippedByGuard := false
	var details []AttributionDetail

	for _, lot := range lots {
		if need <= 0 {
			break
		}
		if lot.RemainingQuantity <= 0 {
			continue
		}
		if a.input.Config.RequireDateGuard && lot.ReceivedDate.After(sale.SaleDate) {
			skippedByGuard = true
			continue
		}
		take := need
		if lot.RemainingQuantity < take {
			take = lot.RemainingQuantity
		}
		unitCost := lot.EffectiveUnitCost()
		lot.RemainingQuantity -= take
		need -= take

		details = append(details, AttributionDetail{
			TenantID:          a.input.TenantID,
			LotID:             lot.LotID,
			QuantityAllocated: take,
			UnitCost:          unitCost,
			TotalCost:         unitCost.Mul(decimal.NewFromInt(take)),
		})
		a.appendMovement(MovementKindSale, lot, -take, unitCost, sale.SaleID)
	}

	fulfilled := need == 0
	if !fulfilled {
		a.addError(ValidationInsufficientInventory, sale, need,
			fmt.Sprintf("insufficient inventory for sku %s: needed %d, short %d", sale.SKU, sale.Quantity, need))
		if skippedByGuard {
			a.addError(ValidationDateInversion, sale, need,
				fmt.Sprintf("sku %s has lots received after sale date %s", sale.SKU, sale.SaleDate.Format("2006-01-02")))
		}
	}
	a.attributions = append(a.attributions, a.newAttribution(sale, details, fulfilled))
}

func (a *allocation) processReturn(sale Sale) {
	need := -sale.Quantity
	lots := a.bySKU[sale.SKU]

	var details []AttributionDetail
	// Returns reconstitute the most recently consumed inventory first, so
	// walk the canonical order newest to oldest. No date guard applies.
	for i := len(lots) - 1; i >= 0 && need > 0; i-- {
		lot := lots[i]
		capacity := lot.OriginalQuantity - lot.RemainingQuantity
		if capacity <= 0 {
			continue
		}
		restore := need
		if capacity < restore {
			restore = capacity
		}
		unitCost := lot.EffectiveUnitCost()
		lot.RemainingQuantity += restore
		need -= restore

		details = append(details, AttributionDetail{
			TenantID:          a.input.TenantID,
			LotID:             lot.LotID,
			QuantityAllocated: -restore,
			UnitCost:          unitCost,
			TotalCost:         unitCost.Mul(decimal.NewFromInt(restore)).Neg(),
		})
		a.appendMovement(MovementKindReturn, lot, restore, unitCost, sale.SaleID)
	}

	if need > 0 {
		a.addError(ValidationOverReturn, sale, need,
			fmt.Sprintf("return of %d units for sku %s exceeds consumed capacity by %d", -sale.Quantity, sale.SKU, need))
	}
	if len(details) == 0 {
		// Nothing restored: record the error only, no attribution row.
		return
	}
	a.attributions = append(a.attributions, a.newAttribution(sale, details, need == 0))
}

func (a *allocation) newAttribution(sale Sale, details []AttributionDetail, fulfilled bool) COGSAttribution {
	total := decimal.Zero
	for _, d := range details {
		total = total.Add(d.TotalCost)
	}
	avg := decimal.Zero
	if sale.Quantity != 0 {
		avg = total.Div(decimal.NewFromInt(sale.Quantity)).RoundBank(4)
	}
	return COGSAttribution{
		TenantID:        a.input.TenantID,
		RunID:           a.input.RunID,
		SaleID:          sale.SaleID,
		SKU:             sale.SKU,
		SaleDate:        sale.SaleDate,
		QuantitySold:    sale.Quantity,
		TotalCOGS:       total.RoundBank(2),
		AverageUnitCost: avg,
		IsValid:         fulfilled,
		Details:         details,
	}
}

func (a *allocation) appendMovement(kind MovementKind, lot *PurchaseLot, quantity int64, unitCost decimal.Decimal, referenceID string) {
	a.sequence++
	a.movements = append(a.movements, InventoryMovement{
		TenantID:       a.input.TenantID,
		RunID:          a.input.RunID,
		LotID:          lot.LotID,
		SKU:            lot.SKU,
		Kind:           kind,
		Quantity:       quantity,
		RemainingAfter: lot.RemainingQuantity,
		UnitCost:       unitCost,
		ReferenceID:    referenceID,
		Sequence:       a.sequence,
	})
}

func (a *allocation) addError(kind ValidationErrorKind, sale Sale, quantity int64, message string) {
	a.errors = append(a.errors, ValidationError{
		TenantID: a.input.TenantID,
		RunID:    a.input.RunID,
		Kind:     kind,
		SKU:      sale.SKU,
		SaleID:   sale.SaleID,
		Quantity: quantity,
		Message:  message,
	})
}

// groupLotsBySKU orders each SKU's lots by received date ascending with the
// lot id as deterministic tie-break.
func groupLotsBySKU(lots []*PurchaseLot) map[string][]*PurchaseLot {
	bySKU := make(map[string][]*PurchaseLot)
	for _, lot := range lots {
		bySKU[lot.SKU] = append(bySKU[lot.SKU], lot)
	}
	for _, skuLots := range bySKU {
		sort.SliceStable(skuLots, func(i, j int) bool {
			if !skuLots[i].ReceivedDate.Equal(skuLots[j].ReceivedDate) {
				return skuLots[i].ReceivedDate.Before(skuLots[j].ReceivedDate)
			}
			return skuLots[i].LotID < skuLots[j].LotID
		})
	}
	return bySKU
}

func summarize(tenant shared.TenantID, runID string, attributions []COGSAttribution) []COGSSummary {
	type key struct {
		sku    string
		period string
	}
	grouped := make(map[key]*COGSSummary)
	var order []key
	for _, attr := range attributions {
		k := key{sku: attr.SKU, period: shared.PeriodOf(attr.SaleDate)}
		summary, ok := grouped[k]
		if !ok {
			summary = &COGSSummary{
				TenantID: tenant,
				RunID:    runID,
				SKU:      k.sku,
				Period:   k.period,
				IsValid:  true,
			}
			grouped[k] = summary
			order = append(order, k)
		}
		summary.TotalQuantitySold += attr.QuantitySold
		summary.TotalCOGS = summary.TotalCOGS.Add(attr.TotalCOGS)
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].sku != order[j].sku {
			return order[i].sku < order[j].sku
		}
		return order[i].period < order[j].period
	})

	summaries := make([]COGSSummary, 0, len(order))
	for _, k := range order {
		s := grouped[k]
		s.TotalCOGS = s.TotalCOGS.RoundBank(2)
		if s.TotalQuantitySold != 0 {
			s.AverageUnitCost = s.TotalCOGS.Div(decimal.NewFromInt(s.TotalQuantitySold)).RoundBank(4)
		}
		summaries = append(summaries, *s)
	}
	return summaries
}

func validateStructure(in AllocationInput) error {
	if err := in.TenantID.Validate(); err != nil {
		return err
	}
	for _, lot := range in.Lots {
		if err := lot.Validate(); err != nil {
			return fmt.Errorf("lot %s: %w", lot.LotID, err)
		}
		if lot.TenantID != "" && lot.TenantID != in.TenantID {
			return fmt.Errorf("lot %s: %w", lot.LotID, shared.ErrTenantMismatch)
		}
	}
	for _, sale := range in.Sales {
		if err := sale.Validate(); err != nil {
			return fmt.Errorf("sale %s: %w", sale.SaleID, err)
		}
		if sale.TenantID != "" && sale.TenantID != in.TenantID {
			return fmt.Errorf("sale %s: %w", sale.SaleID, shared.ErrTenantMismatch)
		}
	}
	return nil
}
