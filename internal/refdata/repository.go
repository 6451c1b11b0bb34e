package refdata

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/posledger/posledger/internal/shared"
)

// SalesPurposeCode is the fixed accounting purpose backing POS revenue postings.
const SalesPurposeCode = "SAL-INV"

// Repository exposes the reference-data read surface the resolver needs.
type Repository interface {
	ListActivePaymentMethods(ctx context.Context) ([]PaymentMethod, error)
	GetActivePaymentMethod(ctx context.Context, id int64) (PaymentMethod, error)
	BankAccountCOA(ctx context.Context, bankAccountID uuid.UUID) (*uuid.UUID, error)
	FindActiveBranchByName(ctx context.Context, name string) (Branch, error)
	GetActiveBranch(ctx context.Context, id uuid.UUID) (Branch, error)
	SalesRevenueAccount(ctx context.Context, companyID uuid.UUID) (uuid.UUID, error)
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) ListActivePaymentMethods(ctx context.Context) ([]PaymentMethod, error) {
	rows, err := r.db.Query(ctx, `SELECT id, code, name, is_active, coa_account_id, bank_account_id
FROM payment_methods WHERE is_active = TRUE`)
	if err != nil {
		return nil, shared.NewDatabaseError("list payment methods", err)
	}
	defer rows.Close()
	var methods []PaymentMethod
	for rows.Next() {
		var m PaymentMethod
		if err := rows.Scan(&m.ID, &m.Code, &m.Name, &m.Active, &m.COAAccountID, &m.BankAccountID); err != nil {
			return nil, shared.NewDatabaseError("scan payment method", err)
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.NewDatabaseError("list payment methods", err)
	}
	return methods, nil
}

func (r *repository) GetActivePaymentMethod(ctx context.Context, id int64) (PaymentMethod, error) {
	var m PaymentMethod
	err := r.db.QueryRow(ctx, `SELECT id, code, name, is_active, coa_account_id, bank_account_id
FROM payment_methods WHERE id = $1 AND is_active = TRUE`, id).
		Scan(&m.ID, &m.Code, &m.Name, &m.Active, &m.COAAccountID, &m.BankAccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PaymentMethod{}, &shared.NotFoundError{Entity: "payment method", Key: strconv.FormatInt(id, 10)}
		}
		return PaymentMethod{}, shared.NewDatabaseError("get payment method", err)
	}
	return m, nil
}

func (r *repository) BankAccountCOA(ctx context.Context, bankAccountID uuid.UUID) (*uuid.UUID, error) {
	var coa *uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT coa_account_id FROM bank_accounts WHERE id = $1`, bankAccountID).Scan(&coa)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &shared.NotFoundError{Entity: "bank account", Key: bankAccountID.String()}
		}
		return nil, shared.NewDatabaseError("get bank account", err)
	}
	return coa, nil
}

func (r *repository) FindActiveBranchByName(ctx context.Context, name string) (Branch, error) {
	var b Branch
	err := r.db.QueryRow(ctx, `SELECT id, company_id, code, name, is_active
FROM branches WHERE lower(trim(name)) = lower(trim($1)) AND is_active = TRUE`, strings.TrimSpace(name)).
		Scan(&b.ID, &b.CompanyID, &b.Code, &b.Name, &b.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Branch{}, &shared.NotFoundError{Entity: "branch", Key: name}
		}
		return Branch{}, shared.NewDatabaseError("find branch", err)
	}
	return b, nil
}

func (r *repository) GetActiveBranch(ctx context.Context, id uuid.UUID) (Branch, error) {
	var b Branch
	err := r.db.QueryRow(ctx, `SELECT id, company_id, code, name, is_active
FROM branches WHERE id = $1 AND is_active = TRUE`, id).
		Scan(&b.ID, &b.CompanyID, &b.Code, &b.Name, &b.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Branch{}, &shared.NotFoundError{Entity: "branch", Key: id.String()}
		}
		return Branch{}, shared.NewDatabaseError("get branch", err)
	}
	return b, nil
}

// SalesRevenueAccount returns the highest-priority active, auto-postable
// CREDIT account configured for the sales purpose code. There is no fallback:
// a missing row is a configuration problem the caller must surface.
func (r *repository) SalesRevenueAccount(ctx context.Context, companyID uuid.UUID) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT apa.account_id
FROM accounting_purposes ap
JOIN accounting_purpose_accounts apa ON apa.purpose_id = ap.id
WHERE ap.purpose_code = $1 AND ap.is_active = TRUE
  AND apa.side = 'CREDIT' AND apa.is_active = TRUE AND apa.is_auto = TRUE
  AND (apa.company_id = $2 OR apa.company_id IS NULL)
ORDER BY apa.priority ASC
LIMIT 1`, SalesPurposeCode, companyID).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, &shared.NotFoundError{Entity: "sales revenue account", Key: SalesPurposeCode}
		}
		return uuid.Nil, shared.NewDatabaseError("get sales revenue account", err)
	}
	return accountID, nil
}

