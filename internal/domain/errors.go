package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation                = errors.New("validation failed")
	ErrNotFound                  = errors.New("not found")
	ErrInvalidState              = errors.New("invalid state")
	ErrInsufficientStock         = errors.New("insufficient stock")
	ErrOverpayment               = errors.New("overpayment")
	ErrExceedsRefundable         = errors.New("exceeds refundable amount")
	ErrInsufficientLoyaltyPoints = errors.New("insufficient loyalty points")
	ErrConflict                  = errors.New("conflict")
)

// ValidationError reports malformed input rejected before any storage is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) Details() map[string]any {
	return map[string]any{"field": e.Field, "reason": e.Reason}
}

func Invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func (e *NotFoundError) Details() map[string]any {
	return map[string]any{"entity": e.Entity, "id": e.ID}
}

func NotFound(entity string, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

type InvalidStateError struct {
	Entity    string
	ID        string
	Status    string
	Operation string
	Message   string
}

func (e *InvalidStateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Operation, e.Entity, e.ID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

func (e *InvalidStateError) Details() map[string]any {
	return map[string]any{"entity": e.Entity, "id": e.ID, "status": e.Status, "operation": e.Operation}
}

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

func (e *InsufficientStockError) Details() map[string]any {
	return map[string]any{"product_id": e.ProductID, "requested": e.Requested, "available": e.Available}
}

// OverpaymentError is returned when a payment would push the paid total past the gross total.
// Settled marks a transaction that was already fully paid; such errors also match ErrInvalidState.
type OverpaymentError struct {
	TransactionID string
	TotalGross    decimal.Decimal
	TotalPaid     decimal.Decimal
	Attempted     decimal.Decimal
	MaxAllowed    decimal.Decimal
	Settled       bool
}

func (e *OverpaymentError) Error() string {
	if e.Settled {
		return fmt.Sprintf("transaction %s is already fully paid", e.TransactionID)
	}
	return fmt.Sprintf("payment of %s exceeds remaining balance %s", e.Attempted.StringFixed(2), e.MaxAllowed.StringFixed(2))
}

func (e *OverpaymentError) Unwrap() []error {
	if e.Settled {
		return []error{ErrOverpayment, ErrInvalidState}
	}
	return []error{ErrOverpayment}
}

func (e *OverpaymentError) Details() map[string]any {
	return map[string]any{
		"transaction_id": e.TransactionID,
		"total_gross":    e.TotalGross.StringFixed(2),
		"total_paid":     e.TotalPaid.StringFixed(2),
		"attempted":      e.Attempted.StringFixed(2),
		"max_allowed":    e.MaxAllowed.StringFixed(2),
	}
}

type ExceedsRefundableError struct {
	TransactionID string
	TotalGross    decimal.Decimal
	TotalReturned decimal.Decimal
	Attempted     decimal.Decimal
	Remaining     decimal.Decimal
}

func (e *ExceedsRefundableError) Error() string {
	return fmt.Sprintf("return amount %s exceeds remaining refundable amount %s", e.Attempted.StringFixed(2), e.Remaining.StringFixed(2))
}

func (e *ExceedsRefundableError) Unwrap() error { return ErrExceedsRefundable }

func (e *ExceedsRefundableError) Details() map[string]any {
	return map[string]any{
		"transaction_id":       e.TransactionID,
		"total_gross":          e.TotalGross.StringFixed(2),
		"total_returned":       e.TotalReturned.StringFixed(2),
		"attempted":            e.Attempted.StringFixed(2),
		"remaining_refundable": e.Remaining.StringFixed(2),
	}
}

type InsufficientLoyaltyPointsError struct {
	CustomerID string
	Requested  int
	Balance    int
}

func (e *InsufficientLoyaltyPointsError) Error() string {
	return fmt.Sprintf("customer %s has %d loyalty points, %d requested", e.CustomerID, e.Balance, e.Requested)
}

func (e *InsufficientLoyaltyPointsError) Unwrap() error { return ErrInsufficientLoyaltyPoints }

func (e *InsufficientLoyaltyPointsError) Details() map[string]any {
	return map[string]any{"customer_id": e.CustomerID, "requested": e.Requested, "balance": e.Balance}
}

// ConflictError reports a unique-key clash, or with Message set, a concurrent write that could not be
// serialized.
type ConflictError struct {
	Entity  string
	Key     string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s already exists", e.Entity, e.Key)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

func (e *ConflictError) Details() map[string]any {
	return map[string]any{"entity": e.Entity, "key": e.Key}
}

type detailer interface {
	Details() map[string]any
}

// ErrorDetails returns the structured payload carried by ledger errors, or nil.
func ErrorDetails(err error) map[string]any {
	var d detailer
	if errors.As(err, &d) {
		return d.Details()
	}
	return nil
}
