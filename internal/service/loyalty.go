package service

import (
	"context"
	"fmt"
	"strings"

	"posledger/backend/internal/domain"
)

// AdjustLoyaltyPoints applies a signed point delta: positive earns, negative redeems.
func (s *Service) AdjustLoyaltyPoints(ctx context.Context, req domain.LoyaltyAdjustmentRequest) (domain.LoyaltyAdjustmentResponse, error) {
	customerID, err := requireID("customer_id", req.CustomerID)
	if err != nil {
		return domain.LoyaltyAdjustmentResponse{}, err
	}
	if req.Points == 0 {
		return domain.LoyaltyAdjustmentResponse{}, domain.Invalid("points", "must not be zero")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return domain.LoyaltyAdjustmentResponse{}, domain.Invalid("reason", "is required")
	}

	entry := domain.NewLoyaltyEntry(customerID, strings.TrimSpace(req.TransactionID), req.Points, req.Reason)
	customer, created, err := s.repo.AdjustLoyaltyPoints(ctx, entry)
	if err != nil {
		return domain.LoyaltyAdjustmentResponse{}, err
	}

	s.logAudit(ctx, "", "loyalty_adjust", "customer", customer.ID, fmt.Sprintf("type=%s,points=%d,balance=%d", created.Type, created.Points, customer.LoyaltyPoints))
	return domain.LoyaltyAdjustmentResponse{Customer: *customer, LoyaltyTransaction: *created}, nil
}

func (s *Service) ListLoyaltyTransactions(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyTransaction, error) {
	customerID, err := requireID("customer_id", customerID)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListLoyaltyTransactions(ctx, customerID, limit)
}
