package service

import (
	"context"
	"fmt"
	"strings"

	"posledger/backend/internal/domain"
)

// CreateReturn records a monetary refund against a settled sale.
func (s *Service) CreateReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	transactionID, err := requireID("transaction_id", req.TransactionID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	if err := normalizeReturnAmount(req.ReturnAmount); err != nil {
		return domain.ReturnResponse{}, err
	}
	reason, err := normalizeReturnReason(req.Reason)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	processedBy := strings.TrimSpace(req.ProcessedBy)
	if processedBy == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			processedBy = actor.Username
		}
	}

	tx, ret, err := s.repo.CreateReturn(ctx, domain.Return{
		TransactionID: transactionID,
		ReturnAmount:  req.ReturnAmount,
		Reason:        reason,
		ProcessedBy:   processedBy,
		Notes:         strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	s.publish(ctx, tx)

	s.logAudit(ctx, tx.BranchID, "return_create", "return", ret.ID, fmt.Sprintf("transaction=%s,amount=%s,reason=%s,status=%s", tx.ID, ret.ReturnAmount.StringFixed(2), ret.Reason, tx.Status))
	return domain.ReturnResponse{Return: *ret, Transaction: *tx}, nil
}

func (s *Service) UpdateReturn(ctx context.Context, returnID string, req domain.ReturnUpdateRequest) (domain.ReturnResponse, error) {
	returnID, err := requireID("return_id", returnID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	if req.ReturnAmount == nil && req.Reason == nil && req.Notes == nil {
		return domain.ReturnResponse{}, domain.Invalid("return", "has no fields to update")
	}
	if req.ReturnAmount != nil {
		if err := normalizeReturnAmount(*req.ReturnAmount); err != nil {
			return domain.ReturnResponse{}, err
		}
	}
	if req.Reason != nil {
		reason, err := normalizeReturnReason(*req.Reason)
		if err != nil {
			return domain.ReturnResponse{}, err
		}
		req.Reason = &reason
	}
	if req.Notes != nil {
		notes := strings.TrimSpace(*req.Notes)
		req.Notes = &notes
	}

	tx, ret, err := s.repo.UpdateReturn(ctx, returnID, req)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	s.publish(ctx, tx)

	s.logAudit(ctx, tx.BranchID, "return_update", "return", ret.ID, fmt.Sprintf("transaction=%s,amount=%s,status=%s", tx.ID, ret.ReturnAmount.StringFixed(2), tx.Status))
	return domain.ReturnResponse{Return: *ret, Transaction: *tx}, nil
}

func (s *Service) DeleteReturn(ctx context.Context, returnID string) (domain.Transaction, error) {
	returnID, err := requireID("return_id", returnID)
	if err != nil {
		return domain.Transaction{}, err
	}

	tx, err := s.repo.DeleteReturn(ctx, returnID)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.publish(ctx, tx)

	s.logAudit(ctx, tx.BranchID, "return_delete", "return", returnID, fmt.Sprintf("transaction=%s,refunded=%s,status=%s", tx.ID, tx.RefundedAmount.StringFixed(2), tx.Status))
	return *tx, nil
}

func (s *Service) GetReturn(ctx context.Context, returnID string) (domain.Return, error) {
	returnID, err := requireID("return_id", returnID)
	if err != nil {
		return domain.Return{}, err
	}
	ret, err := s.repo.FindReturnByID(ctx, returnID)
	if err != nil {
		return domain.Return{}, err
	}
	return *ret, nil
}

func (s *Service) GetReturnsByTransaction(ctx context.Context, transactionID string) (domain.TransactionReturnsResponse, error) {
	transactionID, err := requireID("transaction_id", transactionID)
	if err != nil {
		return domain.TransactionReturnsResponse{}, err
	}
	view, err := s.transactionView(ctx, transactionID)
	if err != nil {
		return domain.TransactionReturnsResponse{}, err
	}
	return *view, nil
}
