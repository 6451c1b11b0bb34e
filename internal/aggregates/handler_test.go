package aggregates

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	rows map[uuid.UUID]*Transaction
}

func newMockRepository(rows ...*Transaction) *mockRepository {
	m := &mockRepository{rows: make(map[uuid.UUID]*Transaction)}
	for _, row := range rows {
		m.rows[row.ID] = row
	}
	return m
}

func (m *mockRepository) Update(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int64) (Transaction, error) {
	row, ok := m.rows[id]
	if !ok || row.DeletedAt != nil {
		return Transaction{}, &shared.NotFoundError{Entity: "transaction", Key: id.String()}
	}
	if patch.Status != nil {
		if _, err := Transition(row.Status, *patch.Status); err != nil {
			return Transaction{}, err
		}
	}
	if row.Version != expectedVersion {
		return Transaction{}, shared.NewConflictError(shared.ErrVersionConflict,
			"transaction %s is not at version %d", id, expectedVersion)
	}
	updated := *row
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.IsReconciled != nil {
		updated.IsReconciled = *patch.IsReconciled
	}
	if patch.BranchName != nil {
		updated.BranchName = patch.BranchName
	}
	updated.Version++
	*row = updated
	return updated, nil
}

func (m *mockRepository) Create(ctx context.Context, tx *Transaction) error { return nil }
func (m *mockRepository) CreateFailed(ctx context.Context, tx *Transaction, reason string) error {
	return nil
}
func (m *mockRepository) SourceExists(ctx context.Context, sourceType string, sourceID uuid.UUID, sourceRef string) (bool, error) {
	return false, nil
}
func (m *mockRepository) FindBySource(ctx context.Context, sourceType string, sourceID uuid.UUID, sourceRef string) (Transaction, error) {
	return Transaction{}, nil
}
func (m *mockRepository) FindUnreconciled(ctx context.Context, filter Filter) ([]Transaction, error) {
	return nil, nil
}
func (m *mockRepository) AssignJournal(ctx context.Context, ids []uuid.UUID, journalID uuid.UUID) error {
	return nil
}
func (m *mockRepository) SoftDelete(ctx context.Context, id uuid.UUID) error       { return nil }
func (m *mockRepository) HardDeleteFailed(ctx context.Context, id uuid.UUID) error { return nil }
func (m *mockRepository) Restore(ctx context.Context, id uuid.UUID) error          { return nil }

// ============================================================================
// HELPERS
// ============================================================================

func readyTransaction() *Transaction {
	gross := decimal.NewFromInt(10000)
	return &Transaction{
		ID:              uuid.New(),
		SourceType:      SourceTypePOS,
		SourceID:        uuid.New(),
		SourceRef:       "2026-03-01-Kemang-Cash",
		PaymentMethodID: 1,
		GrossAmount:     gross,
		NetAmount:       gross,
		Currency:        DefaultCurrency,
		Status:          StatusReady,
		Version:         1,
	}
}

func postCancel(t *testing.T, repo Repository, id uuid.UUID, version int64) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(slog.Default(), repo).MountRoutes(r)

	body := strings.NewReader(`{"version": ` + strconv.FormatInt(version, 10) + `}`)
	req := httptest.NewRequest(http.MethodPost, "/aggregates/"+id.String()+"/cancel", body)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// TESTS
// ============================================================================

func TestCancelTransaction(t *testing.T) {
	row := readyTransaction()
	repo := newMockRepository(row)

	rec := postCancel(t, repo, row.ID, 1)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusCancelled, resp.Status)
	assert.Equal(t, int64(2), resp.Version)

	assert.Equal(t, StatusCancelled, row.Status)
	assert.Equal(t, int64(2), row.Version)
}

func TestCancelTransactionStaleVersionConflicts(t *testing.T) {
	row := readyTransaction()
	row.Version = 3
	repo := newMockRepository(row)

	rec := postCancel(t, repo, row.ID, 1)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Stored row untouched by the rejected write.
	assert.Equal(t, StatusReady, row.Status)
	assert.Equal(t, int64(3), row.Version)
}

func TestCancelTransactionTerminalStatusConflicts(t *testing.T) {
	row := readyTransaction()
	row.Status = StatusCompleted
	repo := newMockRepository(row)

	rec := postCancel(t, repo, row.ID, 1)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, StatusCompleted, row.Status)
	assert.Equal(t, int64(1), row.Version)
}

func TestCancelTransactionNotFound(t *testing.T) {
	rec := postCancel(t, newMockRepository(), uuid.New(), 1)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTransactionRejectsBadVersion(t *testing.T) {
	row := readyTransaction()
	rec := postCancel(t, newMockRepository(row), row.ID, 0)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(1), row.Version)
}
