package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// CreateTransaction records a sale. Pricing, stock decrements, loyalty events and any initial
// payments are applied by the repository as one unit; any failure leaves no trace.
func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (domain.Transaction, error) {
	draft := store.TransactionDraft{
		ID:                  xid.New("tx"),
		BranchID:            strings.TrimSpace(req.BranchID),
		CashierID:           strings.TrimSpace(req.CashierID),
		CustomerID:          strings.TrimSpace(req.CustomerID),
		LoyaltyPointsEarned: req.LoyaltyPointsEarned,
		LoyaltyPointsUsed:   req.LoyaltyPointsUsed,
		CreatedAt:           time.Now().UTC(),
	}
	if draft.BranchID == "" {
		draft.BranchID = s.defaultBranchID
	}
	if draft.CashierID == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			draft.CashierID = actor.Username
		}
	}

	if len(req.Lines) == 0 {
		return domain.Transaction{}, domain.Invalid("lines", "must contain at least one line")
	}
	draft.Lines = make([]domain.LineRequest, 0, len(req.Lines))
	for i, line := range req.Lines {
		normalized, err := normalizeLine(fmt.Sprintf("lines[%d]", i), line)
		if err != nil {
			return domain.Transaction{}, err
		}
		draft.Lines = append(draft.Lines, normalized)
	}

	if draft.LoyaltyPointsEarned < 0 {
		return domain.Transaction{}, domain.Invalid("loyalty_points_earned", "must not be negative")
	}
	if draft.LoyaltyPointsUsed < 0 {
		return domain.Transaction{}, domain.Invalid("loyalty_points_used", "must not be negative")
	}
	if draft.CustomerID == "" && (draft.LoyaltyPointsEarned > 0 || draft.LoyaltyPointsUsed > 0) {
		return domain.Transaction{}, domain.Invalid("customer_id", "is required when loyalty points are earned or used")
	}

	payments, err := normalizePayments(req.Payments)
	if err != nil {
		return domain.Transaction{}, err
	}
	draft.Payments = payments

	tx, err := s.repo.CreateTransaction(ctx, draft)
	if err != nil {
		return domain.Transaction{}, err
	}

	s.logAudit(ctx, tx.BranchID, "transaction_create", "transaction", tx.ID, fmt.Sprintf("lines=%d,gross=%s,status=%s", len(tx.Lines), tx.TotalGross.StringFixed(2), tx.Status))
	return *tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, transactionID string) (domain.Transaction, error) {
	transactionID, err := requireID("transaction_id", transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	view, err := s.transactionView(ctx, transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	return view.Transaction, nil
}

func (s *Service) AddLine(ctx context.Context, transactionID string, req domain.LineRequest) (domain.Transaction, error) {
	transactionID, err := requireID("transaction_id", transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	line, err := normalizeLine("line", req)
	if err != nil {
		return domain.Transaction{}, err
	}

	tx, err := s.repo.AddTransactionLine(ctx, transactionID, line)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.publish(ctx, tx)

	s.logAudit(ctx, tx.BranchID, "transaction_line_add", "transaction", tx.ID, fmt.Sprintf("product=%s,qty=%d,gross=%s", line.ProductID, line.Qty, tx.TotalGross.StringFixed(2)))
	return *tx, nil
}

func (s *Service) RemoveLine(ctx context.Context, transactionID string, lineID string) (domain.Transaction, error) {
	transactionID, err := requireID("transaction_id", transactionID)
	if err != nil {
		return domain.Transaction{}, err
	}
	lineID, err = requireID("line_id", lineID)
	if err != nil {
		return domain.Transaction{}, err
	}

	tx, err := s.repo.RemoveTransactionLine(ctx, transactionID, lineID)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.publish(ctx, tx)

	s.logAudit(ctx, tx.BranchID, "transaction_line_remove", "transaction", tx.ID, fmt.Sprintf("line=%s,gross=%s", lineID, tx.TotalGross.StringFixed(2)))
	return *tx, nil
}

// DeleteTransaction discards an unpaid sale, returning its stock and loyalty points.
func (s *Service) DeleteTransaction(ctx context.Context, transactionID string) error {
	transactionID, err := requireID("transaction_id", transactionID)
	if err != nil {
		return err
	}

	tx, err := s.repo.DeleteTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	s.invalidate(ctx, tx.ID)

	s.logAudit(ctx, tx.BranchID, "transaction_delete", "transaction", tx.ID, fmt.Sprintf("lines=%d,gross=%s", len(tx.Lines), tx.TotalGross.StringFixed(2)))
	return nil
}
