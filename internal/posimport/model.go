package posimport

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch statuses mirror the import lifecycle owned by the upload pipeline.
// This engine only moves a batch to MAPPED or FAILED after aggregation.
const (
	BatchStatusImported = "IMPORTED"
	BatchStatusMapped   = "MAPPED"
	BatchStatusFailed   = "FAILED"
)

// Batch is one uploaded POS export file.
type Batch struct {
	ID           uuid.UUID
	FileName     string
	Status       string
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Line is one sold item parsed out of a POS export. Lines are immutable and
// belong to exactly one batch.
type Line struct {
	BatchID                uuid.UUID
	RowNumber              int64
	SalesDate              time.Time
	Branch                 string
	PaymentMethod          string
	Subtotal               decimal.Decimal
	Discount               decimal.Decimal
	BillDiscount           decimal.Decimal
	Tax                    decimal.Decimal
	ServiceCharge          decimal.Decimal
	Total                  decimal.Decimal
	TotalAfterBillDiscount *decimal.Decimal
}

// EffectiveTotal is the bill total used for net aggregation: the
// after-bill-discount figure when the export carries one, the raw total
// otherwise.
func (l Line) EffectiveTotal() decimal.Decimal {
	if l.TotalAfterBillDiscount != nil {
		return *l.TotalAfterBillDiscount
	}
	return l.Total
}
