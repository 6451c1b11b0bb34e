package aggregates

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posledger/posledger/internal/shared"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestValidateAmounts(t *testing.T) {
	tx := Transaction{
		GrossAmount:    dec("100000"),
		DiscountAmount: dec("5000"),
		TaxAmount:      dec("10450"),
		ServiceCharge:  dec("4750"),
		NetAmount:      dec("110200"),
	}
	require.NoError(t, tx.ValidateAmounts())
}

func TestValidateAmountsMismatch(t *testing.T) {
	tx := Transaction{
		GrossAmount:    dec("100000"),
		DiscountAmount: dec("5000"),
		TaxAmount:      dec("10450"),
		ServiceCharge:  dec("4750"),
		NetAmount:      dec("110200.01"),
	}
	err := tx.ValidateAmounts()
	require.Error(t, err)
	var vErr *shared.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestValidateAmountsZeroRow(t *testing.T) {
	var tx Transaction
	require.NoError(t, tx.ValidateAmounts())
}
