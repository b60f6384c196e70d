package domain

import "github.com/shopspring/decimal"

type LineRequest struct {
	ProductID string           `json:"product_id"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Qty       int              `json:"qty"`
	Discount  *decimal.Decimal `json:"discount,omitempty"`
	TaxAmount *decimal.Decimal `json:"tax_amount,omitempty"`
}

type PaymentRequest struct {
	Method    PaymentMethod   `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type CreateTransactionRequest struct {
	BranchID            string           `json:"branch_id"`
	CashierID           string           `json:"cashier_id,omitempty"`
	CustomerID          string           `json:"customer_id,omitempty"`
	Lines               []LineRequest    `json:"lines"`
	Payments            []PaymentRequest `json:"payments,omitempty"`
	LoyaltyPointsEarned int              `json:"loyalty_points_earned,omitempty"`
	LoyaltyPointsUsed   int              `json:"loyalty_points_used,omitempty"`
}

type PaymentBatchRequest struct {
	Payments []PaymentRequest `json:"payments"`
}

type PaymentUpdateRequest struct {
	Method    *PaymentMethod   `json:"method,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Reference *string          `json:"reference,omitempty"`
}

type ReturnRequest struct {
	TransactionID string          `json:"transaction_id"`
	ReturnAmount  decimal.Decimal `json:"return_amount"`
	Reason        ReturnReason    `json:"reason"`
	ProcessedBy   string          `json:"processed_by,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

type ReturnUpdateRequest struct {
	ReturnAmount *decimal.Decimal `json:"return_amount,omitempty"`
	Reason       *ReturnReason    `json:"reason,omitempty"`
	Notes        *string          `json:"notes,omitempty"`
}

type StockAdjustmentRequest struct {
	ProductID string         `json:"product_id"`
	BranchID  string         `json:"branch_id"`
	Delta     int            `json:"delta"`
	Reason    MovementReason `json:"reason"`
	Reference string         `json:"reference,omitempty"`
}

type LoyaltyAdjustmentRequest struct {
	CustomerID    string `json:"customer_id"`
	Points        int    `json:"points"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type ProductCreateRequest struct {
	ID           string          `json:"id,omitempty"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	TaxRate      decimal.Decimal `json:"tax_rate"`
	InitialStock int             `json:"initial_stock"`
	BranchID     string          `json:"branch_id,omitempty"`
}

type BranchCreateRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type CustomerCreateRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

type ReturnsSummary struct {
	TotalReturnedAmount decimal.Decimal `json:"total_returned_amount"`
	RemainingRefundable decimal.Decimal `json:"remaining_refundable"`
	CanReturn           bool            `json:"can_return"`
}

type TransactionReturnsResponse struct {
	Transaction Transaction    `json:"transaction"`
	Returns     []Return       `json:"returns"`
	Summary     ReturnsSummary `json:"summary"`
}

type PaymentBatchResponse struct {
	Transaction Transaction `json:"transaction"`
	Payments    []Payment   `json:"payments"`
}

type ReturnResponse struct {
	Return      Return      `json:"return"`
	Transaction Transaction `json:"transaction"`
}

type LoyaltyAdjustmentResponse struct {
	Customer           Customer           `json:"customer"`
	LoyaltyTransaction LoyaltyTransaction `json:"loyalty_transaction"`
}

type StockCheck struct {
	ProductID   string `json:"product_id"`
	Stock       int    `json:"stock"`
	MovementSum int    `json:"movement_sum"`
	Consistent  bool   `json:"consistent"`
}
