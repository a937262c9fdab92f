package cogs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-cogs/meridian/internal/platform/lock"
	"github.com/meridian-cogs/meridian/internal/shared"
)

type memStore struct {
	mu           sync.Mutex
	lots         map[shared.TenantID]map[string]PurchaseLot
	runs         map[string]Run
	movements    []InventoryMovement
	snapshots    []SnapshotLot
	attributions []COGSAttribution
	summaries    []COGSSummary
	verrors      []ValidationError
	failOn       string
	barrier      func(op string)
}

func newMemStore() *memStore {
	return &memStore{
		lots: make(map[shared.TenantID]map[string]PurchaseLot),
		runs: make(map[string]Run),
	}
}

func (s *memStore) fail(op string) error {
	if s.failOn == op {
		return fmt.Errorf("injected failure in %s", op)
	}
	return nil
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return fn(ctx, s)
}

func (s *memStore) tenantLots(tenant shared.TenantID) map[string]PurchaseLot {
	if s.lots[tenant] == nil {
		s.lots[tenant] = make(map[string]PurchaseLot)
	}
	return s.lots[tenant]
}

func (s *memStore) LoadCurrentInventory(ctx context.Context, tenant shared.TenantID, skus []string) ([]PurchaseLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	match := func(sku string) bool {
		if len(skus) == 0 {
			return true
		}
		for _, want := range skus {
			if sku == want {
				return true
			}
		}
		return false
	}
	var lots []PurchaseLot
	for _, lot := range s.tenantLots(tenant) {
		if match(lot.SKU) {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].SKU != lots[j].SKU {
			return lots[i].SKU < lots[j].SKU
		}
		if !lots[i].ReceivedDate.Equal(lots[j].ReceivedDate) {
			return lots[i].ReceivedDate.Before(lots[j].ReceivedDate)
		}
		return lots[i].LotID < lots[j].LotID
	})
	return lots, nil
}

func (s *memStore) GetRun(ctx context.Context, tenant shared.TenantID, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.TenantID != tenant {
		return Run{}, fmt.Errorf("run %s: %w", runID, shared.ErrNotFound)
	}
	return run, nil
}

func (s *memStore) ListRuns(ctx context.Context, tenant shared.TenantID, filter RunFilter) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var runs []Run
	for _, run := range s.runs {
		if run.TenantID != tenant {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	return runs, nil
}

func (s *memStore) ReadSnapshot(ctx context.Context, tenant shared.TenantID, runID string) ([]SnapshotLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []SnapshotLot
	for _, snap := range s.snapshots {
		if snap.TenantID == tenant && snap.RunID == runID && snap.Phase == SnapshotPhasePre {
			rows = append(rows, snap)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LotID < rows[j].LotID })
	return rows, nil
}

func (s *memStore) ReadMovements(ctx context.Context, tenant shared.TenantID, runID string) ([]InventoryMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []InventoryMovement
	for _, m := range s.movements {
		if m.TenantID == tenant && m.RunID == runID {
			rows = append(rows, m)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Sequence < rows[j].Sequence })
	return rows, nil
}

func (s *memStore) ReadAttributions(ctx context.Context, tenant shared.TenantID, runID string, page shared.Pagination) ([]COGSAttribution, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []COGSAttribution
	for _, attr := range s.attributions {
		if attr.TenantID == tenant && attr.RunID == runID {
			rows = append(rows, attr)
		}
	}
	return rows, len(rows), nil
}

func (s *memStore) ReadSummaries(ctx context.Context, tenant shared.TenantID, runID string) ([]COGSSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []COGSSummary
	for _, sum := range s.summaries {
		if sum.TenantID == tenant && sum.RunID == runID {
			rows = append(rows, sum)
		}
	}
	return rows, nil
}

func (s *memStore) ReadValidationErrors(ctx context.Context, tenant shared.TenantID, runID string) ([]ValidationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []ValidationError
	for _, ve := range s.verrors {
		if ve.TenantID == tenant && ve.RunID == runID {
			rows = append(rows, ve)
		}
	}
	return rows, nil
}

func (s *memStore) CreateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateRun"); err != nil {
		return err
	}
	if _, exists := s.runs[run.RunID]; exists {
		return ErrRunExists
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *memStore) GetRunForUpdate(ctx context.Context, tenant shared.TenantID, runID string) (Run, error) {
	return s.GetRun(ctx, tenant, runID)
}

func (s *memStore) TransitionRun(ctx context.Context, tenant shared.TenantID, runID string, from, to RunStatus, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("TransitionRun"); err != nil {
		return err
	}
	if err := ValidateRunTransition(from, to); err != nil {
		return fmt.Errorf("%s -> %s: %w", from, to, shared.ErrIllegalState)
	}
	run, ok := s.runs[runID]
	if !ok || run.TenantID != tenant {
		return shared.ErrNotFound
	}
	if run.Status != from {
		return fmt.Errorf("run %s not in %s: %w", runID, from, shared.ErrIllegalState)
	}
	run.Status = to
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.RolledBackAt != nil {
		run.RolledBackAt = update.RolledBackAt
	}
	if update.ErrorMessage != "" {
		run.ErrorMessage = update.ErrorMessage
	}
	if update.TotalSalesProcessed > run.TotalSalesProcessed {
		run.TotalSalesProcessed = update.TotalSalesProcessed
	}
	if to == RunStatusCompleted {
		run.TotalCOGS = update.TotalCOGS
	}
	if update.ValidationErrors > run.ValidationErrors {
		run.ValidationErrors = update.ValidationErrors
	}
	s.runs[runID] = run
	return nil
}

func (s *memStore) UpsertLots(ctx context.Context, tenant shared.TenantID, lots []PurchaseLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpsertLots"); err != nil {
		return err
	}
	for _, lot := range lots {
		s.tenantLots(tenant)[lot.LotID] = lot
	}
	return nil
}

func (s *memStore) UpdateLotRemaining(ctx context.Context, tenant shared.TenantID, quantities []LotQuantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateLotRemaining"); err != nil {
		return err
	}
	for _, q := range quantities {
		lot, ok := s.tenantLots(tenant)[q.LotID]
		if !ok {
			return fmt.Errorf("lot %s: %w", q.LotID, shared.ErrNotFound)
		}
		lot.RemainingQuantity = q.Remaining
		s.tenantLots(tenant)[q.LotID] = lot
	}
	return nil
}

func (s *memStore) InsertSnapshots(ctx context.Context, tenant shared.TenantID, rows []SnapshotLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InsertSnapshots"); err != nil {
		return err
	}
	s.snapshots = append(s.snapshots, rows...)
	return nil
}

func (s *memStore) ClearCurrentSnapshots(ctx context.Context, tenant shared.TenantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.snapshots {
		if s.snapshots[i].TenantID == tenant {
			s.snapshots[i].IsCurrent = false
		}
	}
	return nil
}

func (s *memStore) AppendMovements(ctx context.Context, tenant shared.TenantID, movements []InventoryMovement) error {
	if s.barrier != nil {
		s.barrier("AppendMovements")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AppendMovements"); err != nil {
		return err
	}
	s.movements = append(s.movements, movements...)
	return nil
}

func (s *memStore) WriteAttributions(ctx context.Context, tenant shared.TenantID, attributions []COGSAttribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("WriteAttributions"); err != nil {
		return err
	}
	s.attributions = append(s.attributions, attributions...)
	return nil
}

func (s *memStore) WriteSummaries(ctx context.Context, tenant shared.TenantID, summaries []COGSSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("WriteSummaries"); err != nil {
		return err
	}
	s.summaries = append(s.summaries, summaries...)
	return nil
}

func (s *memStore) WriteValidationErrors(ctx context.Context, tenant shared.TenantID, validationErrors []ValidationError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verrors = append(s.verrors, validationErrors...)
	return nil
}

func (s *memStore) InvalidateDerived(ctx context.Context, tenant shared.TenantID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.attributions {
		if s.attributions[i].TenantID == tenant && s.attributions[i].RunID == runID {
			s.attributions[i].IsValid = false
		}
	}
	for i := range s.summaries {
		if s.summaries[i].TenantID == tenant && s.summaries[i].RunID == runID {
			s.summaries[i].IsValid = false
		}
	}
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[shared.TenantID]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[shared.TenantID]bool)}
}

func (l *fakeLocker) Acquire(ctx context.Context, tenant shared.TenantID) (lock.Lease, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[tenant] {
		return nil, fmt.Errorf("tenant %s: %w", tenant, shared.ErrConcurrentRun)
	}
	l.held[tenant] = true
	return &fakeLease{locker: l, tenant: tenant}, nil
}

type fakeLease struct {
	locker *fakeLocker
	tenant shared.TenantID
}

func (l *fakeLease) Refresh(ctx context.Context) error { return nil }

func (l *fakeLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.tenant)
	return nil
}

func newTestService(store *memStore) (*Service, *fakeLocker) {
	locker := newFakeLocker()
	svc := NewService(store, locker, nil, nil, DefaultAllocatorConfig())
	base := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return base })
	return svc, locker
}

func seedLot(t *testing.T, store *memStore, tenant shared.TenantID, l PurchaseLot) {
	t.Helper()
	l.TenantID = tenant
	require.NoError(t, store.UpsertLots(context.Background(), tenant, []PurchaseLot{l}))
}

func TestExecuteRunCompletes(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 100, 100, "10.00", "1.00"))

	run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 30)},
	})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	require.Equal(t, 1, run.TotalSalesProcessed)
	require.True(t, run.TotalCOGS.Equal(d(t, "330.00")), "got %s", run.TotalCOGS)
	require.Equal(t, 0, run.ValidationErrors)

	lots, err := store.LoadCurrentInventory(ctx, "t1", nil)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.EqualValues(t, 70, lots[0].RemainingQuantity)

	movements, err := store.ReadMovements(ctx, "t1", run.RunID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	require.NotEmpty(t, movements[0].MovementID)

	pre, err := store.ReadSnapshot(ctx, "t1", run.RunID)
	require.NoError(t, err)
	require.Len(t, pre, 1)
	require.EqualValues(t, 100, pre[0].RemainingQuantity)

	var current []SnapshotLot
	for _, snap := range store.snapshots {
		if snap.IsCurrent {
			current = append(current, snap)
		}
	}
	require.Len(t, current, 1)
	require.EqualValues(t, 70, current[0].RemainingQuantity)

	attributions, _, err := store.ReadAttributions(ctx, "t1", run.RunID, shared.NewPagination(1, 50, 0))
	require.NoError(t, err)
	require.Len(t, attributions, 1)
	require.True(t, attributions[0].IsValid)
}

func TestExecuteRunRejectsStructuralErrors(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.ExecuteRun(ctx, ExecuteRunInput{TenantID: "t1", Mode: ModeFIFO})
	require.ErrorIs(t, err, ErrEmptySales)

	_, err = svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     Mode("avg"),
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 1)},
	})
	require.ErrorIs(t, err, ErrUnsupportedMode)

	foreign := sale(t, "s1", "A", "2024-07-15", 1)
	foreign.TenantID = "t2"
	_, err = svc.ExecuteRun(ctx, ExecuteRunInput{TenantID: "t1", Mode: ModeFIFO, Sales: []Sale{foreign}})
	require.ErrorIs(t, err, shared.ErrTenantMismatch)

	_, err = svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "bad tenant!",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 1)},
	})
	require.ErrorIs(t, err, shared.ErrInvalidTenantID)

	// No run record was created on any of these paths.
	require.Empty(t, store.runs)
}

func TestExecuteRunConcurrentRefusal(t *testing.T) {
	store := newMemStore()
	svc, locker := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 100, 100, "10.00", "0.00"))

	lease, err := locker.Acquire(ctx, "t1")
	require.NoError(t, err)

	_, err = svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 5)},
	})
	require.ErrorIs(t, err, shared.ErrConcurrentRun)

	require.NoError(t, lease.Release(ctx))

	run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 5)},
	})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
}

func TestExecuteRunConcurrentPair(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 100, 100, "10.00", "0.00"))

	// Park the first run inside its commit block so the second call provably
	// arrives while the tenant lock is held.
	holdRun := make(chan struct{})
	midCommit := make(chan struct{})
	var once sync.Once
	store.barrier = func(op string) {
		if op == "AppendMovements" {
			once.Do(func() {
				close(midCommit)
				<-holdRun
			})
		}
	}

	type outcome struct {
		run Run
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
			TenantID: "t1",
			Mode:     ModeFIFO,
			Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 5)},
		})
		first <- outcome{run: run, err: err}
	}()

	<-midCommit
	_, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s2", "A", "2024-07-15", 5)},
	})
	require.ErrorIs(t, err, shared.ErrConcurrentRun)

	close(holdRun)
	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, RunStatusCompleted, res.run.Status)
}

func TestExecuteRunIdempotentRunID(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 100, 100, "10.00", "0.00"))

	input := ExecuteRunInput{
		TenantID: "t1",
		RunID:    "run-client-1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 30)},
	}
	first, err := svc.ExecuteRun(ctx, input)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, first.Status)

	retry, err := svc.ExecuteRun(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.RunID, retry.RunID)
	require.Equal(t, RunStatusCompleted, retry.Status)

	movements, err := store.ReadMovements(ctx, "t1", "run-client-1")
	require.NoError(t, err)
	require.Len(t, movements, 1)

	lots, err := store.LoadCurrentInventory(ctx, "t1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 70, lots[0].RemainingQuantity)
}

func TestExecuteRunInFlightRunIDConflicts(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	store.runs["run-1"] = Run{RunID: "run-1", TenantID: "t1", Status: RunStatusRunning}

	_, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		RunID:    "run-1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 1)},
	})
	require.ErrorIs(t, err, shared.ErrConcurrentRun)
}

func TestExecuteRunPersistFailureMarksFailed(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 100, 100, "10.00", "0.00"))
	store.failOn = "WriteSummaries"

	_, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		RunID:    "run-fail",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 30)},
	})
	require.Error(t, err)

	run, getErr := store.GetRun(ctx, "t1", "run-fail")
	require.NoError(t, getErr)
	require.Equal(t, RunStatusFailed, run.Status)
	require.NotEmpty(t, run.ErrorMessage)
	require.NotNil(t, run.CompletedAt)

	// The failure hit before the lot table update: quantities are untouched.
	lots, err := store.LoadCurrentInventory(ctx, "t1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 100, lots[0].RemainingQuantity)
}

func TestExecuteRunMergesLotUpserts(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 50, 20, "10.00", "0.00"))

	// Raising original 50 -> 80 raises remaining by the same delta.
	upsert := lot(t, "L1", "A", "2024-07-01", 80, 0, "10.00", "0.00")
	run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID:   "t1",
		Mode:       ModeFIFO,
		Sales:      []Sale{sale(t, "s1", "A", "2024-07-15", 45)},
		LotsUpsert: []PurchaseLot{upsert},
	})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, 0, run.ValidationErrors)

	lots, err := store.LoadCurrentInventory(ctx, "t1", nil)
	require.NoError(t, err)
	// 20 + 30 delta = 50 available, 45 sold.
	require.EqualValues(t, 5, lots[0].RemainingQuantity)
}

func TestExecuteRunRejectsShrinkingLotUpsert(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 50, 50, "10.00", "0.00"))

	upsert := lot(t, "L1", "A", "2024-07-01", 30, 0, "10.00", "0.00")
	run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID:   "t1",
		Mode:       ModeFIFO,
		Sales:      []Sale{sale(t, "s1", "A", "2024-07-15", 10)},
		LotsUpsert: []PurchaseLot{upsert},
	})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.ValidationErrors)

	verrors, err := store.ReadValidationErrors(ctx, "t1", run.RunID)
	require.NoError(t, err)
	require.Len(t, verrors, 1)
	require.Equal(t, ValidationLotConflict, verrors[0].Kind)

	// The conflicting upsert was skipped; the stored lot kept its shape.
	lots, err := store.LoadCurrentInventory(ctx, "t1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 50, lots[0].OriginalQuantity)
	require.EqualValues(t, 40, lots[0].RemainingQuantity)
}

func TestRollbackRoundTrip(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 50, 50, "10.00", "1.00"))
	seedLot(t, store, "t1", lot(t, "L2", "A", "2024-07-10", 100, 100, "12.00", "1.00"))

	run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-20", 80)},
	})
	require.NoError(t, err)

	lots, err := store.LoadCurrentInventory(ctx, "t1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, lots[0].RemainingQuantity)
	require.EqualValues(t, 70, lots[1].RemainingQuantity)

	runMovements, err := store.ReadMovements(ctx, "t1", run.RunID)
	require.NoError(t, err)

	rolled, err := svc.RollbackRun(ctx, "t1", run.RunID, "tester")
	require.NoError(t, err)
	require.Equal(t, RunStatusRolledBack, rolled.Status)
	require.NotNil(t, rolled.RolledBackAt)

	lots, err = store.LoadCurrentInventory(ctx, "t1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 50, lots[0].RemainingQuantity)
	require.EqualValues(t, 100, lots[1].RemainingQuantity)

	// Rollback movements negate the run's per-lot movement totals.
	all, err := store.ReadMovements(ctx, "t1", run.RunID)
	require.NoError(t, err)
	perLot := make(map[string]int64)
	rollbackPerLot := make(map[string]int64)
	for _, m := range all[:len(runMovements)] {
		perLot[m.LotID] += m.Quantity
	}
	for _, m := range all[len(runMovements):] {
		require.Equal(t, MovementKindRollback, m.Kind)
		rollbackPerLot[m.LotID] += m.Quantity
	}
	for lotID, total := range perLot {
		require.Equal(t, -total, rollbackPerLot[lotID], "lot %s", lotID)
	}

	attributions, _, err := store.ReadAttributions(ctx, "t1", run.RunID, shared.NewPagination(1, 50, 0))
	require.NoError(t, err)
	for _, attr := range attributions {
		require.False(t, attr.IsValid)
	}
	summaries, err := store.ReadSummaries(ctx, "t1", run.RunID)
	require.NoError(t, err)
	for _, sum := range summaries {
		require.False(t, sum.IsValid)
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 50, 50, "10.00", "0.00"))

	run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-20", 10)},
	})
	require.NoError(t, err)

	_, err = svc.RollbackRun(ctx, "t1", run.RunID, "tester")
	require.NoError(t, err)
	before := len(store.movements)

	again, err := svc.RollbackRun(ctx, "t1", run.RunID, "tester")
	require.NoError(t, err)
	require.Equal(t, RunStatusRolledBack, again.Status)
	require.Equal(t, before, len(store.movements))
}

func TestRollbackRejectsIllegalStates(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	_, err := svc.RollbackRun(ctx, "t1", "missing", "tester")
	require.ErrorIs(t, err, shared.ErrNotFound)

	store.runs["run-failed"] = Run{RunID: "run-failed", TenantID: "t1", Status: RunStatusFailed}
	_, err = svc.RollbackRun(ctx, "t1", "run-failed", "tester")
	require.ErrorIs(t, err, shared.ErrIllegalState)

	// A foreign tenant's run is invisible, not illegal.
	store.runs["run-other"] = Run{RunID: "run-other", TenantID: "t2", Status: RunStatusCompleted}
	_, err = svc.RollbackRun(ctx, "t1", "run-other", "tester")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRerunAfterRollback(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 50, 50, "10.00", "1.00"))
	seedLot(t, store, "t1", lot(t, "L2", "A", "2024-07-10", 100, 100, "12.00", "1.00"))

	input := ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-20", 80)},
	}
	first, err := svc.ExecuteRun(ctx, input)
	require.NoError(t, err)
	_, err = svc.RollbackRun(ctx, "t1", first.RunID, "tester")
	require.NoError(t, err)

	second, err := svc.ExecuteRun(ctx, input)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, second.Status)
	require.True(t, second.TotalCOGS.Equal(first.TotalCOGS))

	lots, err := store.LoadCurrentInventory(ctx, "t1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 0, lots[0].RemainingQuantity)
	require.EqualValues(t, 70, lots[1].RemainingQuantity)
}

func TestTenantIsolation(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "tenant-a", lot(t, "L1", "A", "2024-07-01", 100, 100, "10.00", "0.00"))
	seedLot(t, store, "tenant-b", lot(t, "L1", "A", "2024-07-01", 100, 100, "99.00", "0.00"))

	saleA := sale(t, "s1", "A", "2024-07-15", 30)
	saleA.TenantID = "tenant-a"
	run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "tenant-a",
		Mode:     ModeFIFO,
		Sales:    []Sale{saleA},
	})
	require.NoError(t, err)

	// Tenant B's identically named lot is untouched.
	lotsB, err := store.LoadCurrentInventory(ctx, "tenant-b", nil)
	require.NoError(t, err)
	require.EqualValues(t, 100, lotsB[0].RemainingQuantity)

	// Tenant B cannot see tenant A's run or artifacts.
	_, err = svc.GetRun(ctx, "tenant-b", run.RunID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, _, err = svc.ReadAttributions(ctx, "tenant-b", run.RunID, shared.NewPagination(1, 50, 0))
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.ReadSummaries(ctx, "tenant-b", run.RunID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	runsB, err := svc.ListRuns(ctx, "tenant-b", RunFilter{})
	require.NoError(t, err)
	require.Empty(t, runsB)
}

func TestTenantScopedStoreFailsClosed(t *testing.T) {
	store := newMemStore()
	scoped, err := NewTenantScopedStore("tenant-a", store)
	require.NoError(t, err)

	foreign := lot(t, "L1", "A", "2024-07-01", 10, 10, "1.00", "0.00")
	foreign.TenantID = "tenant-b"

	err = scoped.WithTx(context.Background(), func(ctx context.Context, tx *TenantTxStore) error {
		return tx.UpsertLots(ctx, []PurchaseLot{foreign})
	})
	require.ErrorIs(t, err, shared.ErrTenantMismatch)
	require.Empty(t, store.lots["tenant-a"])
	require.Empty(t, store.lots["tenant-b"])

	_, err = NewTenantScopedStore("not valid!", store)
	require.ErrorIs(t, err, shared.ErrInvalidTenantID)
}

func TestRunStateMachine(t *testing.T) {
	require.NoError(t, ValidateRunTransition(RunStatusPending, RunStatusRunning))
	require.NoError(t, ValidateRunTransition(RunStatusRunning, RunStatusCompleted))
	require.NoError(t, ValidateRunTransition(RunStatusRunning, RunStatusFailed))
	require.NoError(t, ValidateRunTransition(RunStatusCompleted, RunStatusRolledBack))

	require.Error(t, ValidateRunTransition(RunStatusFailed, RunStatusRunning))
	require.Error(t, ValidateRunTransition(RunStatusRolledBack, RunStatusCompleted))
	require.Error(t, ValidateRunTransition(RunStatusCompleted, RunStatusRunning))
	require.Error(t, ValidateRunTransition(RunStatusPending, RunStatusCompleted))
}

func TestFailRunReleasesLock(t *testing.T) {
	store := newMemStore()
	svc, locker := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "A", "2024-07-01", 100, 100, "10.00", "0.00"))
	store.failOn = "AppendMovements"

	_, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "A", "2024-07-15", 1)},
	})
	require.Error(t, err)

	// The lock must be free again after a failed run.
	lease, err := locker.Acquire(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestExecuteRunWithValidationErrorsStillCompletes(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	seedLot(t, store, "t1", lot(t, "L1", "B", "2024-06-01", 10, 10, "5.00", "0.00"))

	run, err := svc.ExecuteRun(ctx, ExecuteRunInput{
		TenantID: "t1",
		Mode:     ModeFIFO,
		Sales:    []Sale{sale(t, "s1", "B", "2024-07-01", 25)},
	})
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.ValidationErrors)

	verrors, err := store.ReadValidationErrors(ctx, "t1", run.RunID)
	require.NoError(t, err)
	require.Len(t, verrors, 1)
	require.Equal(t, ValidationInsufficientInventory, verrors[0].Kind)
	require.NotEmpty(t, verrors[0].ErrorID)
}
