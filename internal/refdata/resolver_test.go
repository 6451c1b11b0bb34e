package refdata

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/platform/cache"
	"github.com/posledger/posledger/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	methods      map[int64]PaymentMethod
	bankAccounts map[uuid.UUID]*uuid.UUID
	branches     map[uuid.UUID]Branch
	revenue      map[uuid.UUID]uuid.UUID

	listCalls int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		methods:      make(map[int64]PaymentMethod),
		bankAccounts: make(map[uuid.UUID]*uuid.UUID),
		branches:     make(map[uuid.UUID]Branch),
		revenue:      make(map[uuid.UUID]uuid.UUID),
	}
}

func (m *mockRepository) ListActivePaymentMethods(ctx context.Context) ([]PaymentMethod, error) {
	m.listCalls++
	var out []PaymentMethod
	for _, method := range m.methods {
		if method.Active {
			out = append(out, method)
		}
	}
	return out, nil
}

func (m *mockRepository) GetActivePaymentMethod(ctx context.Context, id int64) (PaymentMethod, error) {
	method, ok := m.methods[id]
	if !ok || !method.Active {
		return PaymentMethod{}, &shared.NotFoundError{Entity: "payment method", Key: "?"}
	}
	return method, nil
}

func (m *mockRepository) BankAccountCOA(ctx context.Context, bankAccountID uuid.UUID) (*uuid.UUID, error) {
	coa, ok := m.bankAccounts[bankAccountID]
	if !ok {
		return nil, &shared.NotFoundError{Entity: "bank account", Key: bankAccountID.String()}
	}
	return coa, nil
}

func (m *mockRepository) FindActiveBranchByName(ctx context.Context, name string) (Branch, error) {
	for _, b := range m.branches {
		if b.Active && NormalizeName(b.Name) == NormalizeName(name) {
			return b, nil
		}
	}
	return Branch{}, &shared.NotFoundError{Entity: "branch", Key: name}
}

func (m *mockRepository) GetActiveBranch(ctx context.Context, id uuid.UUID) (Branch, error) {
	b, ok := m.branches[id]
	if !ok || !b.Active {
		return Branch{}, &shared.NotFoundError{Entity: "branch", Key: id.String()}
	}
	return b, nil
}

func (m *mockRepository) SalesRevenueAccount(ctx context.Context, companyID uuid.UUID) (uuid.UUID, error) {
	account, ok := m.revenue[companyID]
	if !ok {
		return uuid.Nil, &shared.NotFoundError{Entity: "sales revenue account", Key: SalesPurposeCode}
	}
	return account, nil
}

// ============================================================================
// TESTS
// ============================================================================

func newTestResolver(repo Repository, cfg Config) *Resolver {
	return NewResolver(repo, cache.NewMemoryStore(), cfg, nil, nil)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, NormalizeName("QRIS  Mandiri - CV"), NormalizeName("qris mandiri - cv"))
	assert.Equal(t, NormalizeName("  Cash "), NormalizeName("CASH"))
	assert.NotEqual(t, NormalizeName("Cash"), NormalizeName("Card"))
}

func TestResolvePaymentMethodByID(t *testing.T) {
	repo := newMockRepository()
	coa := uuid.New()
	repo.methods[7] = PaymentMethod{ID: 7, Name: "EDC BCA", Active: true, COAAccountID: &coa}

	res, err := newTestResolver(repo, Config{}).ResolvePaymentMethod(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.ID)
	assert.False(t, res.IsFallback)
	require.NotNil(t, res.COAAccountID)
	assert.Equal(t, coa, *res.COAAccountID)
}

func TestResolvePaymentMethodByFoldedName(t *testing.T) {
	repo := newMockRepository()
	repo.methods[3] = PaymentMethod{ID: 3, Name: "QRIS Mandiri", Active: true}

	res, err := newTestResolver(repo, Config{}).ResolvePaymentMethod(context.Background(), "  qris   MANDIRI ")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.ID)
	assert.False(t, res.IsFallback)
}

func TestResolvePaymentMethodFallback(t *testing.T) {
	repo := newMockRepository()
	repo.methods[1] = PaymentMethod{ID: 1, Name: "Cash", Active: true}

	res, err := newTestResolver(repo, Config{DefaultMethodID: 1}).
		ResolvePaymentMethod(context.Background(), "Mystery Pay")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ID)
	assert.True(t, res.IsFallback)
	assert.Equal(t, "Mystery Pay", res.Requested)
}

func TestResolvePaymentMethodFallbackDisabled(t *testing.T) {
	repo := newMockRepository()
	repo.methods[1] = PaymentMethod{ID: 1, Name: "Cash", Active: true}

	_, err := newTestResolver(repo, Config{DefaultMethodID: 1, FallbackDisabled: true}).
		ResolvePaymentMethod(context.Background(), "Mystery Pay")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestResolveMethodsByNameCachesSnapshot(t *testing.T) {
	repo := newMockRepository()
	repo.methods[1] = PaymentMethod{ID: 1, Name: "Cash", Active: true}
	repo.methods[2] = PaymentMethod{ID: 2, Name: "QRIS", Active: true}
	resolver := newTestResolver(repo, Config{CacheTTL: time.Minute})

	first, err := resolver.ResolveMethodsByName(context.Background(), []string{"cash", "QRIS"})
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := resolver.ResolveMethodsByName(context.Background(), []string{"cash"})
	require.NoError(t, err)
	assert.Len(t, second, 1)
	assert.Equal(t, 1, repo.listCalls)
}

func TestResolveMethodsByNameOmitsUnresolvable(t *testing.T) {
	repo := newMockRepository()
	repo.methods[1] = PaymentMethod{ID: 1, Name: "Cash", Active: true}

	out, err := newTestResolver(repo, Config{}).
		ResolveMethodsByName(context.Background(), []string{"Cash", "Mystery Pay"})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	_, ok := out[NormalizeName("Mystery Pay")]
	assert.False(t, ok)
}

func TestAccountForPaymentMethodDirectLink(t *testing.T) {
	repo := newMockRepository()
	coa := uuid.New()
	repo.methods[1] = PaymentMethod{ID: 1, Name: "Cash", Active: true, COAAccountID: &coa}

	got, err := newTestResolver(repo, Config{}).AccountForPaymentMethod(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, coa, got)
}

func TestAccountForPaymentMethodBankFallback(t *testing.T) {
	repo := newMockRepository()
	bank := uuid.New()
	coa := uuid.New()
	repo.methods[2] = PaymentMethod{ID: 2, Name: "EDC", Active: true, BankAccountID: &bank}
	repo.bankAccounts[bank] = &coa

	got, err := newTestResolver(repo, Config{}).AccountForPaymentMethod(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, coa, got)
}

func TestAccountForPaymentMethodUnresolved(t *testing.T) {
	repo := newMockRepository()
	bank := uuid.New()
	repo.methods[3] = PaymentMethod{ID: 3, Name: "Voucher", Active: true, BankAccountID: &bank}
	repo.bankAccounts[bank] = nil

	_, err := newTestResolver(repo, Config{}).AccountForPaymentMethod(context.Background(), 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNoAccountLink)

	repo.methods[4] = PaymentMethod{ID: 4, Name: "Points", Active: true}
	_, err = newTestResolver(repo, Config{}).AccountForPaymentMethod(context.Background(), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNoAccountLink)
}

func TestResolveBranchByNameAndID(t *testing.T) {
	repo := newMockRepository()
	id := uuid.New()
	repo.branches[id] = Branch{ID: id, Name: "Kemang", Active: true}
	resolver := newTestResolver(repo, Config{})

	byName, err := resolver.ResolveBranch(context.Background(), " kemang ")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	byID, err := resolver.ResolveBranch(context.Background(), id.String())
	require.NoError(t, err)
	assert.Equal(t, id, byID.ID)
}

func TestSalesRevenueAccountMissingIsConfigurationError(t *testing.T) {
	repo := newMockRepository()
	resolver := newTestResolver(repo, Config{})

	_, err := resolver.SalesRevenueAccount(context.Background(), uuid.New())
	require.Error(t, err)
	var cfgErr *shared.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	companyID := uuid.New()
	account := uuid.New()
	repo.revenue[companyID] = account
	got, err := resolver.SalesRevenueAccount(context.Background(), companyID)
	require.NoError(t, err)
	assert.Equal(t, account, got)
}
