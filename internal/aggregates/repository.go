package aggregates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/shared"
)

// Repository is the aggregated-transaction store contract. The partial unique
// index on (source_type, source_id, source_ref) WHERE deleted_at IS NULL is
// the sole authority on duplication; SourceExists is an optimization only.
type Repository interface {
	Create(ctx context.Context, tx *Transaction) error
	CreateFailed(ctx context.Context, tx *Transaction, reason string) error
	SourceExists(ctx context.Context, sourceType string, sourceID uuid.UUID, sourceRef string) (bool, error)
	FindBySource(ctx context.Context, sourceType string, sourceID uuid.UUID, sourceRef string) (Transaction, error)
	FindUnreconciled(ctx context.Context, filter Filter) ([]Transaction, error)
	Update(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int64) (Transaction, error)
	AssignJournal(ctx context.Context, ids []uuid.UUID, journalID uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	HardDeleteFailed(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const txColumns = `id, source_type, source_id, source_ref, transaction_date, branch_name,
payment_method_id, gross_amount, discount_amount, tax_amount, service_charge_amount, net_amount,
currency, status, journal_id, is_reconciled, version, failed_at, failed_reason, deleted_at,
created_at, updated_at`

// Create inserts a new transaction at version 1 in READY status. The amount
// identity is checked up front; a unique-index violation surfaces as a
// duplicate-source conflict so callers can treat the race as a skip.
func (r *repository) Create(ctx context.Context, tx *Transaction) error {
	if err := tx.ValidateAmounts(); err != nil {
		return err
	}
	return r.insert(ctx, tx, StatusReady, nil)
}

// CreateFailed records a group that could not be aggregated. Amount
// validation is bypassed: failed rows may carry partial or zero amounts.
func (r *repository) CreateFailed(ctx context.Context, tx *Transaction, reason string) error {
	return r.insert(ctx, tx, StatusFailed, &reason)
}

func (r *repository) insert(ctx context.Context, tx *Transaction, status Status, failedReason *string) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.SourceType == "" {
		tx.SourceType = SourceTypePOS
	}
	if tx.Currency == "" {
		tx.Currency = DefaultCurrency
	}
	tx.Status = status
	tx.Version = 1
	var failedAt *time.Time
	if failedReason != nil {
		now := time.Now().UTC()
		failedAt = &now
		tx.FailedAt = failedAt
		tx.FailedReason = failedReason
	}

	err := r.db.QueryRow(ctx, `INSERT INTO pos_aggregated_transactions
(id, source_type, source_id, source_ref, transaction_date, branch_name, payment_method_id,
 gross_amount, discount_amount, tax_amount, service_charge_amount, net_amount, currency,
 status, is_reconciled, version, failed_at, failed_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, FALSE, 1, $15, $16)
RETURNING created_at, updated_at`,
		tx.ID, tx.SourceType, tx.SourceID, tx.SourceRef, tx.TransactionDate, tx.BranchName,
		tx.PaymentMethodID, tx.GrossAmount.String(), tx.DiscountAmount.String(),
		tx.TaxAmount.String(), tx.ServiceCharge.String(), tx.NetAmount.String(), tx.Currency,
		string(status), failedAt, failedReason).
		Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return shared.NewConflictError(shared.ErrDuplicateSource,
				"transaction already exists for source %s/%s/%s", tx.SourceType, tx.SourceID, tx.SourceRef)
		}
		return shared.NewDatabaseError("insert transaction", err)
	}
	return nil
}

func (r *repository) SourceExists(ctx context.Context, sourceType string, sourceID uuid.UUID, sourceRef string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM pos_aggregated_transactions
WHERE source_type = $1 AND source_id = $2 AND source_ref = $3 AND deleted_at IS NULL)`,
		sourceType, sourceID, sourceRef).Scan(&exists)
	if err != nil {
		return false, shared.NewDatabaseError("source exists", err)
	}
	return exists, nil
}

func (r *repository) FindBySource(ctx context.Context, sourceType string, sourceID uuid.UUID, sourceRef string) (Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+txColumns+`
FROM pos_aggregated_transactions
WHERE source_type = $1 AND source_id = $2 AND source_ref = $3 AND deleted_at IS NULL`,
		sourceType, sourceID, sourceRef)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, &shared.NotFoundError{Entity: "transaction",
				Key: fmt.Sprintf("%s/%s/%s", sourceType, sourceID, sourceRef)}
		}
		return Transaction{}, err
	}
	return tx, nil
}

// FindUnreconciled returns posting candidates: non-deleted, unreconciled rows
// whose status still allows journal linkage. PROCESSING rows are included so
// replayed generation runs can re-link them.
func (r *repository) FindUnreconciled(ctx context.Context, filter Filter) ([]Transaction, error) {
	query := `SELECT ` + txColumns + `
FROM pos_aggregated_transactions
WHERE deleted_at IS NULL AND is_reconciled = FALSE
  AND status IN ('READY', 'PENDING', 'PROCESSING')`
	var (
		args       []any
		conditions []string
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, "transaction_date >= "+arg(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		conditions = append(conditions, "transaction_date <= "+arg(*filter.DateTo))
	}
	if filter.Branch != "" {
		conditions = append(conditions, "branch_name = "+arg(filter.Branch))
	}
	if filter.PaymentMethodID != 0 {
		conditions = append(conditions, "payment_method_id = "+arg(filter.PaymentMethodID))
	}
	if len(filter.TransactionIDs) > 0 {
		conditions = append(conditions, "id = ANY("+arg(filter.TransactionIDs)+")")
	}
	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY transaction_date ASC, branch_name ASC NULLS LAST, source_ref ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit) + " OFFSET " + arg(filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.NewDatabaseError("find unreconciled", err)
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.NewDatabaseError("find unreconciled", err)
	}
	return out, nil
}

// Update applies patch under optimistic concurrency. The row must be at
// expectedVersion; an accepted write increments the version by exactly one,
// a mismatch rejects the write and leaves the row unchanged.
func (r *repository) Update(ctx context.Context, id uuid.UUID, patch Patch, expectedVersion int64) (Transaction, error) {
	if patch.Status != nil {
		current, err := r.get(ctx, id)
		if err != nil {
			return Transaction{}, err
		}
		if _, err := Transition(current.Status, *patch.Status); err != nil {
			return Transaction{}, err
		}
	}

	sets := []string{"version = version + 1", "updated_at = NOW()"}
	args := []any{id, expectedVersion}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.IsReconciled != nil {
		sets = append(sets, "is_reconciled = "+arg(*patch.IsReconciled))
	}
	if patch.BranchName != nil {
		sets = append(sets, "branch_name = "+arg(*patch.BranchName))
	}
	if patch.GrossAmount != nil {
		sets = append(sets, "gross_amount = "+arg(patch.GrossAmount.String()))
	}
	if patch.DiscountAmount != nil {
		sets = append(sets, "discount_amount = "+arg(patch.DiscountAmount.String()))
	}
	if patch.TaxAmount != nil {
		sets = append(sets, "tax_amount = "+arg(patch.TaxAmount.String()))
	}
	if patch.ServiceCharge != nil {
		sets = append(sets, "service_charge_amount = "+arg(patch.ServiceCharge.String()))
	}
	if patch.NetAmount != nil {
		sets = append(sets, "net_amount = "+arg(patch.NetAmount.String()))
	}

	query := `UPDATE pos_aggregated_transactions SET ` + strings.Join(sets, ", ") + `
WHERE id = $1 AND version = $2 AND deleted_at IS NULL
RETURNING ` + txColumns
	row := r.db.QueryRow(ctx, query, args...)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.get(ctx, id); getErr != nil {
				return Transaction{}, getErr
			}
			return Transaction{}, shared.NewConflictError(shared.ErrVersionConflict,
				"transaction %s is not at version %d", id, expectedVersion)
		}
		return Transaction{}, err
	}
	return tx, nil
}

// AssignJournal links the given transactions to a journal header and forces
// them into PROCESSING. The assignment is idempotent: rows already carrying
// the same journal id are accepted, rows carrying a different one conflict.
// Every requested row must be reached; one that was deleted, went terminal,
// or was linked elsewhere between candidate selection and this update
// surfaces as a conflict naming the unlinked ids.
func (r *repository) AssignJournal(ctx context.Context, ids []uuid.UUID, journalID uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	rows, err := r.db.Query(ctx, `SELECT id, journal_id FROM pos_aggregated_transactions
WHERE id = ANY($1) AND journal_id IS NOT NULL AND journal_id <> $2 AND deleted_at IS NULL`,
		ids, journalID)
	if err != nil {
		return shared.NewDatabaseError("assign journal", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, other uuid.UUID
		if err := rows.Scan(&id, &other); err != nil {
			return shared.NewDatabaseError("assign journal", err)
		}
		return shared.NewConflictError(shared.ErrJournalAssigned,
			"transaction %s is already linked to journal %s", id, other)
	}
	if err := rows.Err(); err != nil {
		return shared.NewDatabaseError("assign journal", err)
	}

	updated, err := r.db.Query(ctx, `UPDATE pos_aggregated_transactions
SET journal_id = $2, status = $3, version = version + 1, updated_at = NOW()
WHERE id = ANY($1) AND deleted_at IS NULL
  AND (journal_id IS NULL OR journal_id = $2)
  AND status IN ('READY', 'PENDING', 'PROCESSING')
RETURNING id`,
		ids, journalID, string(StatusProcessing))
	if err != nil {
		return shared.NewDatabaseError("assign journal", err)
	}
	defer updated.Close()
	linked := make(map[uuid.UUID]struct{}, len(ids))
	for updated.Next() {
		var id uuid.UUID
		if err := updated.Scan(&id); err != nil {
			return shared.NewDatabaseError("assign journal", err)
		}
		linked[id] = struct{}{}
	}
	if err := updated.Err(); err != nil {
		return shared.NewDatabaseError("assign journal", err)
	}
	if missing := missingIDs(ids, linked); len(missing) > 0 {
		return shared.NewConflictError(shared.ErrJournalAssigned,
			"transactions %s could not be linked to journal %s (deleted, terminal, or linked elsewhere)",
			joinIDs(missing), journalID)
	}
	return nil
}

// missingIDs returns the requested ids the update did not reach, in request
// order without duplicates.
func missingIDs(requested []uuid.UUID, linked map[uuid.UUID]struct{}) []uuid.UUID {
	var missing []uuid.UUID
	seen := make(map[uuid.UUID]struct{}, len(requested))
	for _, id := range requested {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := linked[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func joinIDs(ids []uuid.UUID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

func (r *repository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	cmd, err := r.db.Exec(ctx, `UPDATE pos_aggregated_transactions
SET deleted_at = NOW(), version = version + 1, updated_at = NOW()
WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return shared.NewDatabaseError("soft delete transaction", err)
	}
	if cmd.RowsAffected() == 0 {
		return &shared.NotFoundError{Entity: "transaction", Key: id.String()}
	}
	return nil
}

// HardDeleteFailed permanently removes a FAILED row. Any other status is
// refused; non-failed rows can only be soft-deleted.
func (r *repository) HardDeleteFailed(ctx context.Context, id uuid.UUID) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM pos_aggregated_transactions
WHERE id = $1 AND status = $2`, id, string(StatusFailed))
	if err != nil {
		return shared.NewDatabaseError("hard delete transaction", err)
	}
	if cmd.RowsAffected() == 0 {
		current, err := r.get(ctx, id)
		if err != nil {
			return err
		}
		return shared.NewConflictError(shared.ErrInvalidTransition,
			"transaction %s is %s, only FAILED rows can be hard-deleted", id, current.Status)
	}
	return nil
}

func (r *repository) Restore(ctx context.Context, id uuid.UUID) error {
	cmd, err := r.db.Exec(ctx, `UPDATE pos_aggregated_transactions
SET deleted_at = NULL, version = version + 1, updated_at = NOW()
WHERE id = $1 AND deleted_at IS NOT NULL`, id)
	if err != nil {
		return shared.NewDatabaseError("restore transaction", err)
	}
	if cmd.RowsAffected() == 0 {
		return &shared.NotFoundError{Entity: "deleted transaction", Key: id.String()}
	}
	return nil
}

func (r *repository) get(ctx context.Context, id uuid.UUID) (Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+txColumns+`
FROM pos_aggregated_transactions WHERE id = $1 AND deleted_at IS NULL`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, &shared.NotFoundError{Entity: "transaction", Key: id.String()}
		}
		return Transaction{}, err
	}
	return tx, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx                         Transaction
		gross, disc, tax, svc, net string
		status                     string
	)
	err := row.Scan(&tx.ID, &tx.SourceType, &tx.SourceID, &tx.SourceRef, &tx.TransactionDate,
		&tx.BranchName, &tx.PaymentMethodID, &gross, &disc, &tax, &svc, &net,
		&tx.Currency, &status, &tx.JournalID, &tx.IsReconciled, &tx.Version,
		&tx.FailedAt, &tx.FailedReason, &tx.DeletedAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, err
		}
		return Transaction{}, shared.NewDatabaseError("scan transaction", err)
	}
	tx.Status = Status(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&tx.GrossAmount, gross},
		{&tx.DiscountAmount, disc},
		{&tx.TaxAmount, tax},
		{&tx.ServiceCharge, svc},
		{&tx.NetAmount, net},
	} {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Transaction{}, shared.NewDatabaseError("scan transaction amount", err)
		}
		*f.dst = d
	}
	return tx, nil
}
