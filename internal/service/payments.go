package service

import (
	"context"
	"fmt"
	"strings"

	"posledger/backend/internal/domain"
)

func (s *Service) AddPayment(ctx context.Context, transactionID string, req domain.PaymentRequest) (domain.Payment, domain.Transaction, error) {
	resp, err := s.AddMultiplePayments(ctx, transactionID, domain.PaymentBatchRequest{Payments: []domain.PaymentRequest{req}})
	if err != nil {
		return domain.Payment{}, domain.Transaction{}, err
	}
	return resp.Payments[0], resp.Transaction, nil
}

// AddMultiplePayments validates the whole batch before writing any of it; the batch is stored
// together or not at all.
func (s *Service) AddMultiplePayments(ctx context.Context, transactionID string, req domain.PaymentBatchRequest) (domain.PaymentBatchResponse, error) {
	transactionID, err := requireID("transaction_id", transactionID)
	if err != nil {
		return domain.PaymentBatchResponse{}, err
	}
	if len(req.Payments) == 0 {
		return domain.PaymentBatchResponse{}, domain.Invalid("payments", "must not be empty")
	}
	payments, err := normalizePayments(req.Payments)
	if err != nil {
		return domain.PaymentBatchResponse{}, err
	}

	tx, created, err := s.repo.AddPayments(ctx, transactionID, payments)
	if err != nil {
		return domain.PaymentBatchResponse{}, err
	}
	s.publish(ctx, tx)

	s.logAudit(ctx, tx.BranchID, "payment_add", "transaction", tx.ID, fmt.Sprintf("count=%d,paid=%s,status=%s", len(created), tx.TotalPaid().StringFixed(2), tx.Status))
	return domain.PaymentBatchResponse{Transaction: *tx, Payments: created}, nil
}

func (s *Service) UpdatePayment(ctx context.Context, transactionID string, paymentID string, req domain.PaymentUpdateRequest) (domain.Payment, domain.Transaction, error) {
	transactionID, err := requireID("transaction_id", transactionID)
	if err != nil {
		return domain.Payment{}, domain.Transaction{}, err
	}
	paymentID, err = requireID("payment_id", paymentID)
	if err != nil {
		return domain.Payment{}, domain.Transaction{}, err
	}
	if req.Method == nil && req.Amount == nil && req.Reference == nil {
		return domain.Payment{}, domain.Transaction{}, domain.Invalid("payment", "has no fields to update")
	}
	if req.Method != nil {
		method := domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(*req.Method))))
		if !method.Valid() {
			return domain.Payment{}, domain.Transaction{}, domain.Invalid("method", "must be one of CASH, CARD, MOBILE")
		}
		req.Method = &method
	}
	if req.Amount != nil {
		if !req.Amount.IsPositive() {
			return domain.Payment{}, domain.Transaction{}, domain.Invalid("amount", "must be greater than zero")
		}
		if err := checkMoneyScale("amount", *req.Amount); err != nil {
			return domain.Payment{}, domain.Transaction{}, err
		}
	}
	if req.Reference != nil {
		ref := strings.TrimSpace(*req.Reference)
		req.Reference = &ref
	}

	tx, payment, err := s.repo.UpdatePayment(ctx, transactionID, paymentID, req)
	if err != nil {
		return domain.Payment{}, domain.Transaction{}, err
	}
	s.publish(ctx, tx)

	s.logAudit(ctx, tx.BranchID, "payment_update", "payment", payment.ID, fmt.Sprintf("method=%s,amount=%s,status=%s", payment.Method, payment.Amount.StringFixed(2), tx.Status))
	return *payment, *tx, nil
}

func (s *Service) DeletePayment(ctx context.Context, transactionID string, paymentID string) (domain.Transaction, error) {
	transactionID, err := requireID("transaction_id", transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	paymentID, err = requireID("payment_id", paymentID)
	if err != nil {
		return domain.Transaction{}, err
	}

	tx, err := s.repo.DeletePayment(ctx, transactionID, paymentID)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.publish(ctx, tx)

	s.logAudit(ctx, tx.BranchID, "payment_delete", "payment", paymentID, fmt.Sprintf("transaction=%s,paid=%s", tx.ID, tx.TotalPaid().StringFixed(2)))
	return *tx, nil
}
