// Package ledger owns journal headers and lines: balanced double-entry
// postings created exactly once per (date, branch) partition.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/shared"
)

// JournalTypeCash is the fixed journal type for POS receipts.
const JournalTypeCash = "CASH"

// Header is one journal posting. SequenceNumber is unique per
// (company, journal type, period) and allocated under mutual exclusion.
type Header struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	BranchID       *uuid.UUID
	JournalNumber  string
	JournalType    string
	JournalDate    time.Time
	Period         string
	Description    string
	TotalAmount    decimal.Decimal
	SequenceNumber int64
	CreatedAt      time.Time
}

// Line is one debit or credit row of a header. Exactly one side is non-zero.
type Line struct {
	HeaderID    uuid.UUID
	LineNumber  int
	AccountID   uuid.UUID
	Description string
	Debit       decimal.Decimal
	Credit      decimal.Decimal
}

// Validate rejects lines with both sides set, both sides zero, or a negative
// side.
func (l Line) Validate() error {
	debitSet := !l.Debit.IsZero()
	creditSet := !l.Credit.IsZero()
	if debitSet == creditSet {
		return shared.NewValidationError(
			"journal line %d must have exactly one of debit/credit non-zero (debit=%s credit=%s)",
			l.LineNumber, l.Debit, l.Credit)
	}
	if l.Debit.IsNegative() || l.Credit.IsNegative() {
		return shared.NewValidationError("journal line %d has a negative amount", l.LineNumber)
	}
	return nil
}

// ValidateBalanced checks every line and the debit/credit balance of the set.
// The balance is exact decimal equality, not a tolerance.
func ValidateBalanced(lines []Line) error {
	if len(lines) == 0 {
		return shared.NewValidationError("journal has no lines")
	}
	var debit, credit decimal.Decimal
	for _, l := range lines {
		if err := l.Validate(); err != nil {
			return err
		}
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}
	if !debit.Equal(credit) {
		return shared.NewValidationError("journal is unbalanced: debit %s != credit %s", debit, credit)
	}
	return nil
}
