package aggregation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/aggregates"
	"github.com/posledger/posledger/internal/posimport"
	"github.com/posledger/posledger/internal/refdata"
	"github.com/posledger/posledger/internal/shared"
)

// ============================================================================
// MOCK LINE SOURCE
// ============================================================================

type mockLines struct {
	batches map[uuid.UUID]posimport.Batch
	lines   map[uuid.UUID][]posimport.Line

	mappedCalls []uuid.UUID
	failedCalls []string
	markError   error
}

func newMockLines() *mockLines {
	return &mockLines{
		batches: make(map[uuid.UUID]posimport.Batch),
		lines:   make(map[uuid.UUID][]posimport.Line),
	}
}

func (m *mockLines) GetBatch(ctx context.Context, batchID uuid.UUID) (posimport.Batch, error) {
	b, ok := m.batches[batchID]
	if !ok {
		return posimport.Batch{}, &shared.NotFoundError{Entity: "import batch", Key: batchID.String()}
	}
	return b, nil
}

func (m *mockLines) FetchLines(ctx context.Context, batchID uuid.UUID) ([]posimport.Line, error) {
	return m.lines[batchID], nil
}

func (m *mockLines) MarkBatchMapped(ctx context.Context, batchID uuid.UUID) error {
	if m.markError != nil {
		return m.markError
	}
	m.mappedCalls = append(m.mappedCalls, batchID)
	return nil
}

func (m *mockLines) MarkBatchFailed(ctx context.Context, batchID uuid.UUID, reason string) error {
	if m.markError != nil {
		return m.markError
	}
	m.failedCalls = append(m.failedCalls, reason)
	return nil
}

// ============================================================================
// MOCK TRANSACTION STORE
// ============================================================================

type mockStore struct {
	rows map[string]*aggregates.Transaction

	createError error
	createCalls int
}

func newMockStore() *mockStore {
	return &mockStore{rows: make(map[string]*aggregates.Transaction)}
}

func sourceKey(sourceType string, sourceID uuid.UUID, sourceRef string) string {
	return fmt.Sprintf("%s|%s|%s", sourceType, sourceID, sourceRef)
}

func (m *mockStore) Create(ctx context.Context, tx *aggregates.Transaction) error {
	m.createCalls++
	if m.createError != nil {
		return m.createError
	}
	if err := tx.ValidateAmounts(); err != nil {
		return err
	}
	key := sourceKey(tx.SourceType, tx.SourceID, tx.SourceRef)
	if _, ok := m.rows[key]; ok {
		return shared.NewConflictError(shared.ErrDuplicateSource, "duplicate %s", key)
	}
	tx.ID = uuid.New()
	tx.Status = aggregates.StatusReady
	tx.Version = 1
	m.rows[key] = tx
	return nil
}

func (m *mockStore) CreateFailed(ctx context.Context, tx *aggregates.Transaction, reason string) error {
	key := sourceKey(tx.SourceType, tx.SourceID, tx.SourceRef)
	if _, ok := m.rows[key]; ok {
		return shared.NewConflictError(shared.ErrDuplicateSource, "duplicate %s", key)
	}
	tx.ID = uuid.New()
	tx.Status = aggregates.StatusFailed
	tx.FailedReason = &reason
	tx.Version = 1
	m.rows[key] = tx
	return nil
}

func (m *mockStore) SourceExists(ctx context.Context, sourceType string, sourceID uuid.UUID, sourceRef string) (bool, error) {
	_, ok := m.rows[sourceKey(sourceType, sourceID, sourceRef)]
	return ok, nil
}

func (m *mockStore) FindBySource(ctx context.Context, sourceType string, sourceID uuid.UUID, sourceRef string) (aggregates.Transaction, error) {
	tx, ok := m.rows[sourceKey(sourceType, sourceID, sourceRef)]
	if !ok {
		return aggregates.Transaction{}, &shared.NotFoundError{Entity: "transaction", Key: sourceRef}
	}
	return *tx, nil
}

func (m *mockStore) FindUnreconciled(ctx context.Context, filter aggregates.Filter) ([]aggregates.Transaction, error) {
	return nil, nil
}

func (m *mockStore) Update(ctx context.Context, id uuid.UUID, patch aggregates.Patch, expectedVersion int64) (aggregates.Transaction, error) {
	return aggregates.Transaction{}, nil
}

func (m *mockStore) AssignJournal(ctx context.Context, ids []uuid.UUID, journalID uuid.UUID) error {
	return nil
}

func (m *mockStore) SoftDelete(ctx context.Context, id uuid.UUID) error       { return nil }
func (m *mockStore) HardDeleteFailed(ctx context.Context, id uuid.UUID) error { return nil }
func (m *mockStore) Restore(ctx context.Context, id uuid.UUID) error          { return nil }

func (m *mockStore) byRef(batchID uuid.UUID, ref string) *aggregates.Transaction {
	return m.rows[sourceKey(aggregates.SourceTypePOS, batchID, ref)]
}

// ============================================================================
// MOCK RESOLVER
// ============================================================================

type mockResolver struct {
	methods map[string]refdata.Resolution
}

func (m *mockResolver) ResolveMethodsByName(ctx context.Context, names []string) (map[string]refdata.Resolution, error) {
	out := make(map[string]refdata.Resolution)
	for _, name := range names {
		key := refdata.NormalizeName(name)
		if res, ok := m.methods[key]; ok {
			res.Requested = name
			out[key] = res
		}
	}
	return out, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func line(date, branch, method string, subtotal, tabd string) posimport.Line {
	after := dec(tabd)
	return posimport.Line{
		SalesDate:              day(date),
		Branch:                 branch,
		PaymentMethod:          method,
		Subtotal:               dec(subtotal),
		Total:                  dec(subtotal),
		TotalAfterBillDiscount: &after,
	}
}

func newTestService(lines *mockLines, store *mockStore, resolver *mockResolver) *Service {
	return NewService(lines, store, resolver, Config{}, nil, nil)
}

func cashResolver() *mockResolver {
	return &mockResolver{methods: map[string]refdata.Resolution{
		refdata.NormalizeName("Cash"): {ID: 1, Name: "Cash"},
		refdata.NormalizeName("QRIS"): {ID: 2, Name: "QRIS"},
	}}
}

// ============================================================================
// TESTS
// ============================================================================

func TestAggregateSingleGroup(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Cash", "10000", "9000"),
		line("2026-03-01", "Kemang", "Cash", "20000", "18500"),
		line("2026-03-01", "Kemang", "Cash", "5000", "5000"),
	}

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 1, Created: 1}, summary)
	tx := store.byRef(batchID, "2026-03-01-Kemang-Cash")
	require.NotNil(t, tx)
	assert.True(t, tx.GrossAmount.Equal(dec("35000")), "gross = %s", tx.GrossAmount)
	assert.True(t, tx.NetAmount.Equal(dec("32500")), "net = %s", tx.NetAmount)
	assert.True(t, tx.DiscountAmount.Equal(dec("2500")), "discount = %s", tx.DiscountAmount)
	require.NoError(t, tx.ValidateAmounts())
	assert.Equal(t, int64(1), tx.PaymentMethodID)
	require.NotNil(t, tx.BranchName)
	assert.Equal(t, "Kemang", *tx.BranchName)
	assert.Equal(t, []uuid.UUID{batchID}, lines.mappedCalls)
}

func TestAggregateFoldsEmbeddedBillDiscount(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}

	// One line with an explicit item discount, one whose bill discount is
	// visible only through total_after_bill_discount.
	after := dec("17000")
	lines.lines[batchID] = []posimport.Line{
		{
			SalesDate:     day("2026-03-05"),
			Branch:        "Kemang",
			PaymentMethod: "Cash",
			Subtotal:      dec("10000"),
			Discount:      dec("1000"),
			Tax:           dec("900"),
			Total:         dec("9900"),
		},
		{
			SalesDate:              day("2026-03-05"),
			Branch:                 "Kemang",
			PaymentMethod:          "Cash",
			Subtotal:               dec("20000"),
			Tax:                    dec("1800"),
			Total:                  dec("21800"),
			TotalAfterBillDiscount: &after,
		},
	}

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 1, Created: 1}, summary)

	tx := store.byRef(batchID, "2026-03-05-Kemang-Cash")
	require.NotNil(t, tx)
	assert.True(t, tx.GrossAmount.Equal(dec("30000")), "gross = %s", tx.GrossAmount)
	assert.True(t, tx.NetAmount.Equal(dec("26900")), "net = %s", tx.NetAmount)
	// 1000 explicit plus the 4800 implied by the after-discount total.
	assert.True(t, tx.DiscountAmount.Equal(dec("5800")), "discount = %s", tx.DiscountAmount)
	require.NoError(t, tx.ValidateAmounts())
}

func TestAggregateSplitsByPaymentMethod(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Cash", "10000", "10000"),
		line("2026-03-01", "Kemang", "QRIS", "20000", "20000"),
		line("2026-03-01", "Kemang", "Cash", "5000", "5000"),
	}

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Created)
	require.NotNil(t, store.byRef(batchID, "2026-03-01-Kemang-Cash"))
	require.NotNil(t, store.byRef(batchID, "2026-03-01-Kemang-QRIS"))
	assert.True(t, store.byRef(batchID, "2026-03-01-Kemang-Cash").NetAmount.Equal(dec("15000")))
}

func TestAggregateIdempotent(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Cash", "10000", "10000"),
		line("2026-03-02", "Kemang", "QRIS", "20000", "20000"),
	}

	svc := newTestService(lines, store, cashResolver())
	first, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Skipped)
	assert.Len(t, store.rows, 2)
}

func TestAggregateInsertRaceCountsAsSkipped(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Cash", "10000", "10000"),
	}
	store.createError = shared.NewConflictError(shared.ErrDuplicateSource, "duplicate")

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, summary.Errors)
}

func TestAggregateUnresolvableMethodFails(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Cash", "10000", "10000"),
		line("2026-03-01", "Kemang", "Voucher", "5000", "5000"),
	}

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "2026-03-01-Kemang-Voucher", summary.Errors[0].SourceRef)
	assert.Contains(t, summary.Errors[0].Reason, "Voucher")

	failed := store.byRef(batchID, "2026-03-01-Kemang-Voucher")
	require.NotNil(t, failed)
	assert.Equal(t, aggregates.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailedReason)
}

func TestAggregateMissingValuesUseSentinel(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "", "Cash", "10000", "10000"),
	}

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Created)
	tx := store.byRef(batchID, "2026-03-01-unknown-Cash")
	require.NotNil(t, tx)
	assert.Nil(t, tx.BranchName)
}

func TestAggregateBranchHint(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Cash", "10000", "10000"),
		line("2026-03-01", "Senopati", "Cash", "20000", "20000"),
	}

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{BranchHint: "kemang"})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	require.NotNil(t, store.byRef(batchID, "2026-03-01-Kemang-Cash"))
	assert.Nil(t, store.byRef(batchID, "2026-03-01-Senopati-Cash"))
}

func TestAggregateProgressReported(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Cash", "10000", "10000"),
		line("2026-03-02", "Kemang", "Cash", "20000", "20000"),
		line("2026-03-03", "Kemang", "Cash", "30000", "30000"),
	}

	svc := NewService(lines, store, cashResolver(), Config{ChunkSize: 1}, nil, nil)
	var calls [][2]int
	_, err := svc.Aggregate(context.Background(), batchID, Options{
		Progress: func(current, total, created, skipped, failed int) {
			calls = append(calls, [2]int{current, total})
		},
	})
	require.NoError(t, err)

	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, [2]int{3, 3}, last)
}

func TestAggregateMissingBatchIsFatal(t *testing.T) {
	svc := newTestService(newMockLines(), newMockStore(), cashResolver())
	_, err := svc.Aggregate(context.Background(), uuid.New(), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAggregateAllFailedMarksBatchFailed(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Voucher", "10000", "10000"),
	}

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, lines.mappedCalls)
	require.Len(t, lines.failedCalls, 1)
}

func TestAggregateMarkMappedFailureDoesNotFailRun(t *testing.T) {
	lines := newMockLines()
	store := newMockStore()
	batchID := uuid.New()
	lines.batches[batchID] = posimport.Batch{ID: batchID}
	lines.lines[batchID] = []posimport.Line{
		line("2026-03-01", "Kemang", "Cash", "10000", "10000"),
	}
	lines.markError = errors.New("store offline")

	svc := newTestService(lines, store, cashResolver())
	summary, err := svc.Aggregate(context.Background(), batchID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
}
