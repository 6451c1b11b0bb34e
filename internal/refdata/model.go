package refdata

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// PaymentMethod is an active payment channel as configured in master data.
// COAAccountID and BankAccountID drive the two-step account resolution chain.
type PaymentMethod struct {
	ID            int64
	Code          string
	Name          string
	Active        bool
	COAAccountID  *uuid.UUID
	BankAccountID *uuid.UUID
}

// Branch is an active sales branch.
type Branch struct {
	ID        uuid.UUID
	CompanyID uuid.UUID
	Code      string
	Name      string
	Active    bool
}

// Resolution is the outcome of a payment-method lookup. IsFallback marks a
// substituted default; Requested keeps the original name for reporting.
type Resolution struct {
	ID           int64
	Name         string
	Requested    string
	COAAccountID *uuid.UUID
	IsFallback   bool
}

var fold = cases.Fold()

// NormalizeName folds case and collapses runs of whitespace so that
// "QRIS  Mandiri - CV" and "qris mandiri - cv" match the same record.
func NormalizeName(name string) string {
	return fold.String(strings.Join(strings.Fields(name), " "))
}
