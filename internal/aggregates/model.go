// Package aggregates owns the canonical aggregated transaction: one row per
// POS bill group, uniquely identified by its source tuple, versioned for
// optimistic concurrency and tracked through the posting lifecycle.
package aggregates

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/posledger/posledger/internal/shared"
)

// SourceTypePOS tags rows produced by the POS aggregation engine.
const SourceTypePOS = "POS"

// DefaultCurrency applies when the export carries no currency column.
const DefaultCurrency = "IDR"

// Transaction is the net financial effect of one bill group. The
// (SourceType, SourceID, SourceRef) tuple is globally unique among
// non-deleted rows; the store's partial unique index is the authority.
type Transaction struct {
	ID              uuid.UUID
	SourceType      string
	SourceID        uuid.UUID
	SourceRef       string
	TransactionDate time.Time
	BranchName      *string
	PaymentMethodID int64
	GrossAmount     decimal.Decimal
	DiscountAmount  decimal.Decimal
	TaxAmount       decimal.Decimal
	ServiceCharge   decimal.Decimal
	NetAmount       decimal.Decimal
	Currency        string
	Status          Status
	JournalID       *uuid.UUID
	IsReconciled    bool
	Version         int64
	FailedAt        *time.Time
	FailedReason    *string
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ValidateAmounts checks the monetary identity
// net = gross - discount + tax + service charge. Mismatches are rejected,
// never corrected.
func (t Transaction) ValidateAmounts() error {
	want := t.GrossAmount.Sub(t.DiscountAmount).Add(t.TaxAmount).Add(t.ServiceCharge)
	if !t.NetAmount.Equal(want) {
		return shared.NewValidationError(
			"net amount %s does not match gross %s - discount %s + tax %s + service charge %s = %s",
			t.NetAmount, t.GrossAmount, t.DiscountAmount, t.TaxAmount, t.ServiceCharge, want)
	}
	return nil
}

// Patch carries the mutable fields of an optimistic update. Nil fields are
// left untouched.
type Patch struct {
	Status         *Status
	IsReconciled   *bool
	BranchName     *string
	GrossAmount    *decimal.Decimal
	DiscountAmount *decimal.Decimal
	TaxAmount      *decimal.Decimal
	ServiceCharge  *decimal.Decimal
	NetAmount      *decimal.Decimal
}

// Filter narrows FindUnreconciled. Zero values mean "no constraint";
// Limit zero returns the full result set.
type Filter struct {
	DateFrom        *time.Time
	DateTo          *time.Time
	Branch          string
	PaymentMethodID int64
	TransactionIDs  []uuid.UUID
	Limit           int
	Offset          int
}
