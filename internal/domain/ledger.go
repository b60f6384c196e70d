package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MoneyTolerance absorbs rounding differences when comparing accumulated money totals.
var MoneyTolerance = decimal.New(1, -2)

var hundred = decimal.NewFromInt(100)

func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// PriceLine resolves one requested line against the catalog product.
// Stock is not checked here; callers do that against a locked stock read.
func PriceLine(product Product, req LineRequest) (TransactionLine, error) {
	if !product.Active {
		return TransactionLine{}, Invalid("product_id", "refers to an inactive product")
	}
	if req.Qty < 1 {
		return TransactionLine{}, Invalid("qty", "must be greater than zero")
	}

	unitPrice := product.Price
	if req.UnitPrice != nil {
		unitPrice = *req.UnitPrice
	}
	unitPrice = RoundMoney(unitPrice)
	if !unitPrice.IsPositive() {
		return TransactionLine{}, Invalid("unit_price", "must be greater than zero")
	}

	discount := decimal.Zero
	if req.Discount != nil {
		discount = RoundMoney(*req.Discount)
	}
	if discount.IsNegative() {
		return TransactionLine{}, Invalid("discount", "must not be negative")
	}

	gross := unitPrice.Mul(decimal.NewFromInt(int64(req.Qty)))
	if discount.GreaterThan(gross) {
		return TransactionLine{}, Invalid("discount", "exceeds the line amount")
	}
	taxBase := gross.Sub(discount)

	var taxAmount decimal.Decimal
	if req.TaxAmount != nil {
		taxAmount = RoundMoney(*req.TaxAmount)
	} else {
		taxAmount = RoundMoney(taxBase.Mul(product.TaxRate).Div(hundred))
	}
	if taxAmount.IsNegative() {
		return TransactionLine{}, Invalid("tax_amount", "must not be negative")
	}

	return TransactionLine{
		ProductID: product.ID,
		UnitPrice: unitPrice,
		Qty:       req.Qty,
		Discount:  discount,
		TaxAmount: taxAmount,
		LineTotal: RoundMoney(taxBase.Add(taxAmount)),
	}, nil
}

func ComputeTotals(lines []TransactionLine) (gross decimal.Decimal, tax decimal.Decimal, net decimal.Decimal) {
	gross, tax = decimal.Zero, decimal.Zero
	for _, line := range lines {
		gross = gross.Add(line.LineTotal)
		tax = tax.Add(line.TaxAmount)
	}
	gross = RoundMoney(gross)
	tax = RoundMoney(tax)
	return gross, tax, gross.Sub(tax)
}

func SumPayments(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return RoundMoney(total)
}

func SumReturns(returns []Return) decimal.Decimal {
	total := decimal.Zero
	for _, r := range returns {
		total = total.Add(r.ReturnAmount)
	}
	return RoundMoney(total)
}

// DeriveStatus is the only place a transaction status is decided.
func DeriveStatus(gross decimal.Decimal, paid decimal.Decimal, returned decimal.Decimal) TxStatus {
	if returned.IsPositive() {
		if returned.GreaterThanOrEqual(gross.Sub(MoneyTolerance)) {
			return TxStatusRefunded
		}
		return TxStatusPartiallyRefunded
	}
	if paid.GreaterThanOrEqual(gross.Sub(MoneyTolerance)) {
		return TxStatusCompleted
	}
	return TxStatusPending
}

// Recalculate rebuilds totals, refunded amount and status from the attached lines, payments and returns.
func (t *Transaction) Recalculate() {
	t.TotalGross, t.TotalTax, t.TotalNet = ComputeTotals(t.Lines)
	t.RefundedAmount = SumReturns(t.Returns)
	t.Status = DeriveStatus(t.TotalGross, SumPayments(t.Payments), t.RefundedAmount)
}

func (t *Transaction) TotalPaid() decimal.Decimal {
	return SumPayments(t.Payments)
}

func (t *Transaction) Editable() bool {
	return t.Status == TxStatusPending
}

func (t *Transaction) RequireEditable(operation string) error {
	if t.Editable() {
		return nil
	}
	return &InvalidStateError{Entity: "transaction", ID: t.ID, Status: string(t.Status), Operation: operation}
}

func (t *Transaction) FindLine(lineID string) (int, bool) {
	for i, line := range t.Lines {
		if line.ID == lineID {
			return i, true
		}
	}
	return -1, false
}

func (t *Transaction) FindPayment(paymentID string) (int, bool) {
	for i, p := range t.Payments {
		if p.ID == paymentID {
			return i, true
		}
	}
	return -1, false
}

func (t *Transaction) FindReturn(returnID string) (int, bool) {
	for i, r := range t.Returns {
		if r.ID == returnID {
			return i, true
		}
	}
	return -1, false
}

// CheckPaymentsFit validates adding incoming to a transaction whose other payments total paid.
func CheckPaymentsFit(transactionID string, gross decimal.Decimal, paid decimal.Decimal, incoming decimal.Decimal) error {
	maxAllowed := gross.Sub(paid)
	if maxAllowed.IsNegative() {
		maxAllowed = decimal.Zero
	}
	if paid.Add(incoming).GreaterThan(gross.Add(MoneyTolerance)) {
		return &OverpaymentError{
			TransactionID: transactionID,
			TotalGross:    gross,
			TotalPaid:     paid,
			Attempted:     incoming,
			MaxAllowed:    maxAllowed,
		}
	}
	return nil
}

// CheckPaymentAllowed guards new payments. A settled transaction rejects any further payment as an
// overpayment that also reports the invalid state.
func CheckPaymentAllowed(t *Transaction, incoming decimal.Decimal) error {
	paid := t.TotalPaid()
	switch t.Status {
	case TxStatusPending:
		return CheckPaymentsFit(t.ID, t.TotalGross, paid, incoming)
	case TxStatusCompleted:
		return &OverpaymentError{
			TransactionID: t.ID,
			TotalGross:    t.TotalGross,
			TotalPaid:     paid,
			Attempted:     incoming,
			MaxAllowed:    decimal.Zero,
			Settled:       true,
		}
	default:
		return &InvalidStateError{Entity: "transaction", ID: t.ID, Status: string(t.Status), Operation: "add payment to"}
	}
}

func RemainingRefundable(gross decimal.Decimal, returned decimal.Decimal) decimal.Decimal {
	remaining := gross.Sub(returned)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return RoundMoney(remaining)
}

// CheckReturnAllowed guards new returns against the transaction lifecycle.
func CheckReturnAllowed(t *Transaction) error {
	switch t.Status {
	case TxStatusRefunded:
		return &InvalidStateError{
			Entity: "transaction", ID: t.ID, Status: string(t.Status), Operation: "return",
			Message: "transaction already fully refunded",
		}
	case TxStatusPending:
		return &InvalidStateError{
			Entity: "transaction", ID: t.ID, Status: string(t.Status), Operation: "return",
			Message: "transaction has not been fully paid",
		}
	}
	return nil
}

// CheckRefundable validates a return amount against the sum of every other return on the transaction.
func CheckRefundable(transactionID string, gross decimal.Decimal, otherReturned decimal.Decimal, amount decimal.Decimal) error {
	remaining := RemainingRefundable(gross, otherReturned)
	if amount.GreaterThan(remaining.Add(MoneyTolerance)) {
		return &ExceedsRefundableError{
			TransactionID: transactionID,
			TotalGross:    gross,
			TotalReturned: otherReturned,
			Attempted:     amount,
			Remaining:     remaining,
		}
	}
	return nil
}

func SummarizeReturns(t Transaction) ReturnsSummary {
	returned := SumReturns(t.Returns)
	remaining := RemainingRefundable(t.TotalGross, returned)
	canReturn := remaining.IsPositive() && t.Status != TxStatusPending && t.Status != TxStatusRefunded
	return ReturnsSummary{
		TotalReturnedAmount: returned,
		RemainingRefundable: remaining,
		CanReturn:           canReturn,
	}
}

// NewLoyaltyEntry turns a signed point delta into an EARNED or REDEEMED ledger row.
func NewLoyaltyEntry(customerID string, transactionID string, points int, reason string) LoyaltyTransaction {
	entry := LoyaltyTransaction{
		CustomerID:    customerID,
		TransactionID: transactionID,
		Points:        points,
		Type:          LoyaltyEarned,
		Reason:        strings.TrimSpace(reason),
	}
	if points < 0 {
		entry.Points = -points
		entry.Type = LoyaltyRedeemed
	}
	return entry
}

// SignedPoints is the balance delta an entry applies.
func (l LoyaltyTransaction) SignedPoints() int {
	if l.Type == LoyaltyRedeemed {
		return -l.Points
	}
	return l.Points
}

func CheckRedeem(customerID string, balance int, delta int) error {
	if delta >= 0 {
		return nil
	}
	if -delta > balance {
		return &InsufficientLoyaltyPointsError{CustomerID: customerID, Requested: -delta, Balance: balance}
	}
	return nil
}

func ApplyStockChange(product Product, change int) (int, error) {
	next := product.Stock + change
	if next < 0 {
		return product.Stock, &InsufficientStockError{ProductID: product.ID, Requested: -change, Available: product.Stock}
	}
	return next, nil
}

// CheckReversible reports whether a movement may be compensated. Sale movements are only
// compensated through their transaction line.
func (m StockMovement) CheckReversible(allowSale bool) error {
	fail := func(message string) error {
		return &InvalidStateError{Entity: "stock movement", ID: m.ID, Status: string(m.Reason), Operation: "reverse", Message: message}
	}
	switch {
	case m.ReversedBy != "":
		return fail("stock movement already reversed")
	case m.ReversesID != "":
		return fail("reversal entries cannot be reversed")
	case m.Reason == MovementSale && !allowSale:
		return fail("sale movements are compensated by removing the transaction line")
	}
	return nil
}
