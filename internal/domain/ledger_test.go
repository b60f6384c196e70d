package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func moneyPtr(s string) *decimal.Decimal {
	d := money(s)
	return &d
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		gross    string
		paid     string
		returned string
		want     TxStatus
	}{
		{"unpaid", "100.00", "0", "0", TxStatusPending},
		{"partly paid", "100.00", "99.98", "0", TxStatusPending},
		{"paid within tolerance", "100.00", "99.99", "0", TxStatusCompleted},
		{"paid exactly", "23.48", "23.48", "0", TxStatusCompleted},
		{"partial refund", "100.00", "100.00", "30.00", TxStatusPartiallyRefunded},
		{"full refund", "100.00", "100.00", "100.00", TxStatusRefunded},
		{"refund within tolerance", "100.00", "100.00", "99.99", TxStatusRefunded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(money(tt.gross), money(tt.paid), money(tt.returned))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriceLineUsesCatalogPriceAndTaxRate(t *testing.T) {
	product := Product{ID: "p1", Price: money("10.00"), TaxRate: money("11"), Stock: 5, Active: true}

	line, err := PriceLine(product, LineRequest{ProductID: "p1", Qty: 3, Discount: moneyPtr("2.00")})
	require.NoError(t, err)

	assert.True(t, line.UnitPrice.Equal(money("10.00")))
	assert.True(t, line.TaxAmount.Equal(money("3.08")), "tax was %s", line.TaxAmount)
	assert.True(t, line.LineTotal.Equal(money("31.08")), "total was %s", line.LineTotal)
}

func TestPriceLineHonoursOverrides(t *testing.T) {
	product := Product{ID: "p1", Price: money("10.00"), TaxRate: money("11"), Active: true}

	line, err := PriceLine(product, LineRequest{ProductID: "p1", Qty: 2, UnitPrice: moneyPtr("12.50"), TaxAmount: moneyPtr("0")})
	require.NoError(t, err)
	assert.True(t, line.LineTotal.Equal(money("25.00")))
}

func TestPriceLineRejectsBadShapes(t *testing.T) {
	product := Product{ID: "p1", Price: money("10.00"), Active: true}

	cases := map[string]LineRequest{
		"zero qty":       {ProductID: "p1", Qty: 0},
		"zero price":     {ProductID: "p1", Qty: 1, UnitPrice: moneyPtr("0")},
		"negative disc":  {ProductID: "p1", Qty: 1, Discount: moneyPtr("-1")},
		"discount > sum": {ProductID: "p1", Qty: 1, Discount: moneyPtr("10.01")},
		"negative tax":   {ProductID: "p1", Qty: 1, TaxAmount: moneyPtr("-0.01")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := PriceLine(product, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	_, err := PriceLine(Product{ID: "p2", Price: money("1"), Active: false}, LineRequest{ProductID: "p2", Qty: 1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRecalculateKeepsRefundedAmountInSync(t *testing.T) {
	tx := Transaction{
		ID: "tx-1",
		Lines: []TransactionLine{
			{LineTotal: money("60.00"), TaxAmount: money("5.00")},
			{LineTotal: money("40.00"), TaxAmount: money("0")},
		},
		Payments: []Payment{{Amount: money("100.00")}},
		Returns:  []Return{{ReturnAmount: money("30.00")}},
	}
	tx.Recalculate()

	assert.True(t, tx.TotalGross.Equal(money("100.00")))
	assert.True(t, tx.TotalTax.Equal(money("5.00")))
	assert.True(t, tx.TotalNet.Equal(money("95.00")))
	assert.True(t, tx.RefundedAmount.Equal(money("30.00")))
	assert.Equal(t, TxStatusPartiallyRefunded, tx.Status)
}

func TestCheckPaymentAllowed(t *testing.T) {
	tx := &Transaction{ID: "tx-c", TotalGross: money("23.48"), Status: TxStatusPending, Payments: []Payment{{Amount: money("10.00")}}}

	require.NoError(t, CheckPaymentAllowed(tx, money("13.48")))
	require.NoError(t, CheckPaymentAllowed(tx, money("13.49")), "tolerance of one cent")

	err := CheckPaymentAllowed(tx, money("13.50"))
	require.ErrorIs(t, err, ErrOverpayment)
	assert.Equal(t, "13.48", ErrorDetails(err)["max_allowed"])

	tx.Payments = append(tx.Payments, Payment{Amount: money("13.48")})
	tx.Status = TxStatusCompleted
	err = CheckPaymentAllowed(tx, money("0.01"))
	assert.ErrorIs(t, err, ErrOverpayment)
	assert.ErrorIs(t, err, ErrInvalidState)

	tx.Status = TxStatusRefunded
	err = CheckPaymentAllowed(tx, money("0.01"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, errors.Is(err, ErrOverpayment))
}

func TestCheckRefundableBoundary(t *testing.T) {
	gross := money("100.00")
	returned := money("30.00")

	require.NoError(t, CheckRefundable("tx", gross, returned, money("70.00")))
	// a cent over the remainder is rounding slack, the same as for payments
	require.NoError(t, CheckRefundable("tx", gross, returned, money("70.01")))

	err := CheckRefundable("tx", gross, returned, money("70.02"))
	require.ErrorIs(t, err, ErrExceedsRefundable)
	assert.Equal(t, "70.00", ErrorDetails(err)["remaining_refundable"])
}

func TestCheckReturnAllowed(t *testing.T) {
	err := CheckReturnAllowed(&Transaction{ID: "tx", Status: TxStatusRefunded})
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "already fully refunded")

	assert.ErrorIs(t, CheckReturnAllowed(&Transaction{ID: "tx", Status: TxStatusPending}), ErrInvalidState)
	assert.NoError(t, CheckReturnAllowed(&Transaction{ID: "tx", Status: TxStatusPartiallyRefunded}))
}

func TestSummarizeReturns(t *testing.T) {
	tx := Transaction{TotalGross: money("100.00"), Status: TxStatusPartiallyRefunded, Returns: []Return{{ReturnAmount: money("30.00")}}}
	summary := SummarizeReturns(tx)

	assert.True(t, summary.TotalReturnedAmount.Equal(money("30.00")))
	assert.True(t, summary.RemainingRefundable.Equal(money("70.00")))
	assert.True(t, summary.CanReturn)

	tx.Returns = append(tx.Returns, Return{ReturnAmount: money("70.00")})
	tx.Status = TxStatusRefunded
	assert.False(t, SummarizeReturns(tx).CanReturn)
}

func TestLoyaltyEntries(t *testing.T) {
	earn := NewLoyaltyEntry("c1", "", 25, " visit ")
	assert.Equal(t, LoyaltyEarned, earn.Type)
	assert.Equal(t, 25, earn.SignedPoints())
	assert.Equal(t, "visit", earn.Reason)

	redeem := NewLoyaltyEntry("c1", "", -10, "redeem")
	assert.Equal(t, LoyaltyRedeemed, redeem.Type)
	assert.Equal(t, 10, redeem.Points)
	assert.Equal(t, -10, redeem.SignedPoints())

	err := CheckRedeem("c1", 50, -100)
	require.ErrorIs(t, err, ErrInsufficientLoyaltyPoints)
	assert.Equal(t, 50, ErrorDetails(err)["balance"])
	assert.NoError(t, CheckRedeem("c1", 50, -50))
}

func TestApplyStockChange(t *testing.T) {
	product := Product{ID: "p1", Stock: 50}

	next, err := ApplyStockChange(product, -60)
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 50, next)

	next, err = ApplyStockChange(product, -50)
	require.NoError(t, err)
	assert.Equal(t, 0, next)
}
