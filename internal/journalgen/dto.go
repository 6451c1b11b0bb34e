package journalgen

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Filters narrows the candidate selection for one generation run. Zero
// values mean "no constraint".
type Filters struct {
	DateFrom        *time.Time
	DateTo          *time.Time
	Branch          string
	PaymentMethodID int64
	TransactionIDs  []uuid.UUID
}

// ExcludedTransaction names a candidate left out of its partition's journal
// because its payment method has no account resolution.
type ExcludedTransaction struct {
	TransactionID   uuid.UUID `json:"transactionId"`
	PaymentMethodID int64     `json:"paymentMethodId"`
	Reason          string    `json:"reason"`
}

// PartitionResult is the outcome of one (date, branch) partition. A failed
// partition carries Error and never affects its siblings.
type PartitionResult struct {
	Date           time.Time             `json:"date"`
	Branch         string                `json:"branch"`
	TransactionIDs []uuid.UUID           `json:"transactionIds"`
	JournalID      *uuid.UUID            `json:"journalId,omitempty"`
	JournalNumber  string                `json:"journalNumber,omitempty"`
	TotalAmount    decimal.Decimal       `json:"totalAmount"`
	Excluded       []ExcludedTransaction `json:"excluded,omitempty"`
	Error          string                `json:"error,omitempty"`
}
