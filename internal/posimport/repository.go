package posimport

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/shared"
)

// fetchPageSize bounds one round-trip; batches can be arbitrarily large.
const fetchPageSize = 1000

// Repository is the raw-line store contract consumed by the aggregation engine.
type Repository interface {
	GetBatch(ctx context.Context, batchID uuid.UUID) (Batch, error)
	FetchLines(ctx context.Context, batchID uuid.UUID) ([]Line, error)
	MarkBatchMapped(ctx context.Context, batchID uuid.UUID) error
	MarkBatchFailed(ctx context.Context, batchID uuid.UUID, reason string) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) GetBatch(ctx context.Context, batchID uuid.UUID) (Batch, error) {
	var b Batch
	err := r.db.QueryRow(ctx, `SELECT id, file_name, status, error_message, created_at, updated_at
FROM pos_import_batches WHERE id = $1`, batchID).
		Scan(&b.ID, &b.FileName, &b.Status, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, &shared.NotFoundError{Entity: "import batch", Key: batchID.String()}
		}
		return Batch{}, shared.NewDatabaseError("get batch", err)
	}
	return b, nil
}

// FetchLines returns every line of the batch ordered by row number, paging
// internally by keyset so arbitrarily large exports never load in one query.
func (r *repository) FetchLines(ctx context.Context, batchID uuid.UUID) ([]Line, error) {
	var lines []Line
	afterRow := int64(-1)
	for {
		rows, err := r.db.Query(ctx, `SELECT batch_id, row_number, sales_date, branch, payment_method,
subtotal, discount, bill_discount, tax, service_charge, total, total_after_bill_discount
FROM pos_import_lines
WHERE batch_id = $1 AND row_number > $2
ORDER BY row_number ASC
LIMIT $3`, batchID, afterRow, fetchPageSize)
		if err != nil {
			return nil, shared.NewDatabaseError("fetch lines", err)
		}
		page, err := scanLines(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, page...)
		if len(page) < fetchPageSize {
			return lines, nil
		}
		afterRow = page[len(page)-1].RowNumber
	}
}

func scanLines(rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	var lines []Line
	for rows.Next() {
		var l Line
		var tabds *string
		var sub, disc, billDisc, tax, svc, total string
		if err := rows.Scan(&l.BatchID, &l.RowNumber, &l.SalesDate, &l.Branch, &l.PaymentMethod,
			&sub, &disc, &billDisc, &tax, &svc, &total, &tabds); err != nil {
			return nil, shared.NewDatabaseError("scan line", err)
		}
		var err error
		if l.Subtotal, err = parseAmount(sub); err != nil {
			return nil, err
		}
		if l.Discount, err = parseAmount(disc); err != nil {
			return nil, err
		}
		if l.BillDiscount, err = parseAmount(billDisc); err != nil {
			return nil, err
		}
		if l.Tax, err = parseAmount(tax); err != nil {
			return nil, err
		}
		if l.ServiceCharge, err = parseAmount(svc); err != nil {
			return nil, err
		}
		if l.Total, err = parseAmount(total); err != nil {
			return nil, err
		}
		if tabds != nil {
			v, err := parseAmount(*tabds)
			if err != nil {
				return nil, err
			}
			l.TotalAfterBillDiscount = &v
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.NewDatabaseError("fetch lines", err)
	}
	return lines, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, shared.NewValidationError("amount is not a valid decimal: %q", raw)
	}
	return d, nil
}

func (r *repository) MarkBatchMapped(ctx context.Context, batchID uuid.UUID) error {
	cmd, err := r.db.Exec(ctx, `UPDATE pos_import_batches SET status = $2, error_message = NULL, updated_at = NOW()
WHERE id = $1`, batchID, BatchStatusMapped)
	if err != nil {
		return shared.NewDatabaseError("mark batch mapped", err)
	}
	if cmd.RowsAffected() == 0 {
		return &shared.NotFoundError{Entity: "import batch", Key: batchID.String()}
	}
	return nil
}

func (r *repository) MarkBatchFailed(ctx context.Context, batchID uuid.UUID, reason string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE pos_import_batches SET status = $2, error_message = $3, updated_at = NOW()
WHERE id = $1`, batchID, BatchStatusFailed, reason)
	if err != nil {
		return shared.NewDatabaseError("mark batch failed", err)
	}
	if cmd.RowsAffected() == 0 {
		return &shared.NotFoundError{Entity: "import batch", Key: batchID.String()}
	}
	return nil
}
