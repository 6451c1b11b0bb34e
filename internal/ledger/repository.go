package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/platform/db"
	"github.com/posledger/posledger/internal/shared"
)

// HeaderParams describes the header EnsureHeader allocates or returns.
type HeaderParams struct {
	CompanyID     uuid.UUID
	BranchID      *uuid.UUID
	JournalNumber string
	JournalType   string
	JournalDate   time.Time
	Period        string
	Description   string
	TotalAmount   decimal.Decimal
}

// Repository is the journal store contract.
type Repository interface {
	// EnsureHeader returns the header for params.JournalNumber, creating it
	// with the next sequence number when absent. Allocation and insert run
	// under one exclusion boundary scoped to (company, type, period), so
	// concurrent callers never observe duplicate sequence numbers. The bool
	// reports whether the header was created by this call.
	EnsureHeader(ctx context.Context, params HeaderParams) (Header, bool, error)
	LinesExist(ctx context.Context, headerID uuid.UUID) (bool, error)
	InsertLines(ctx context.Context, headerID uuid.UUID, lines []Line) error
	DeleteHeader(ctx context.Context, headerID uuid.UUID) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs the pgx-backed repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) EnsureHeader(ctx context.Context, params HeaderParams) (Header, bool, error) {
	var (
		header  Header
		created bool
	)
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		lockKey := shared.SequenceLockKey(params.CompanyID, params.JournalType, params.Period)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey); err != nil {
			return shared.NewDatabaseError("acquire sequence lock", err)
		}

		existing, err := findHeader(ctx, tx, params.CompanyID, params.JournalNumber)
		if err == nil {
			header = existing
			created = false
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var nextSeq int64
		err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence_number), 0) + 1
FROM journal_headers
WHERE company_id = $1 AND journal_type = $2 AND period = $3`,
			params.CompanyID, params.JournalType, params.Period).Scan(&nextSeq)
		if err != nil {
			return shared.NewDatabaseError("allocate sequence number", err)
		}

		header = Header{
			ID:             uuid.New(),
			CompanyID:      params.CompanyID,
			BranchID:       params.BranchID,
			JournalNumber:  params.JournalNumber,
			JournalType:    params.JournalType,
			JournalDate:    params.JournalDate,
			Period:         params.Period,
			Description:    params.Description,
			TotalAmount:    params.TotalAmount,
			SequenceNumber: nextSeq,
		}
		err = tx.QueryRow(ctx, `INSERT INTO journal_headers
(id, company_id, branch_id, journal_number, journal_type, journal_date, period, description,
 total_amount, sequence_number)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING created_at`,
			header.ID, header.CompanyID, header.BranchID, header.JournalNumber, header.JournalType,
			header.JournalDate, header.Period, header.Description, header.TotalAmount.String(),
			header.SequenceNumber).
			Scan(&header.CreatedAt)
		if err != nil {
			if shared.IsUniqueViolation(err) {
				return shared.NewConflictError(shared.ErrDuplicateSource,
					"journal %s already exists", header.JournalNumber)
			}
			return shared.NewDatabaseError("insert journal header", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return Header{}, false, err
	}
	return header, created, nil
}

func findHeader(ctx context.Context, tx pgx.Tx, companyID uuid.UUID, journalNumber string) (Header, error) {
	var (
		h     Header
		total string
	)
	err := tx.QueryRow(ctx, `SELECT id, company_id, branch_id, journal_number, journal_type,
journal_date, period, description, total_amount, sequence_number, created_at
FROM journal_headers
WHERE company_id = $1 AND journal_number = $2`, companyID, journalNumber).
		Scan(&h.ID, &h.CompanyID, &h.BranchID, &h.JournalNumber, &h.JournalType,
			&h.JournalDate, &h.Period, &h.Description, &total, &h.SequenceNumber, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Header{}, err
		}
		return Header{}, shared.NewDatabaseError("find journal header", err)
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return Header{}, shared.NewDatabaseError("scan journal header amount", err)
	}
	h.TotalAmount = amount
	return h, nil
}

func (r *repository) LinesExist(ctx context.Context, headerID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM journal_lines WHERE header_id = $1)`,
		headerID).Scan(&exists)
	if err != nil {
		return false, shared.NewDatabaseError("lines exist", err)
	}
	return exists, nil
}

// InsertLines writes the full line set of a header in one transaction. The
// balance is checked here, not assumed from the caller.
func (r *repository) InsertLines(ctx context.Context, headerID uuid.UUID, lines []Line) error {
	if err := ValidateBalanced(lines); err != nil {
		return err
	}
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for i, l := range lines {
			_, err := tx.Exec(ctx, `INSERT INTO journal_lines
(header_id, line_number, account_id, description, debit_amount, credit_amount)
VALUES ($1, $2, $3, $4, $5, $6)`,
				headerID, i+1, l.AccountID, l.Description, l.Debit.String(), l.Credit.String())
			if err != nil {
				return shared.NewDatabaseError("insert journal line", err)
			}
		}
		return nil
	})
}

// DeleteHeader removes a header and its lines. Used only as the compensating
// action when line insertion fails after header creation.
func (r *repository) DeleteHeader(ctx context.Context, headerID uuid.UUID) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM journal_lines WHERE header_id = $1`, headerID); err != nil {
			return shared.NewDatabaseError("delete journal lines", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM journal_headers WHERE id = $1`, headerID); err != nil {
			return shared.NewDatabaseError("delete journal header", err)
		}
		return nil
	})
}
