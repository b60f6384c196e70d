package service

import (
	"context"
	"fmt"
	"strings"

	"posledger/backend/internal/domain"
)

// AdjustStock records a non-sale stock change such as a delivery, spoilage or a count correction.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.Product, domain.StockMovement, error) {
	productID, err := requireID("product_id", req.ProductID)
	if err != nil {
		return domain.Product{}, domain.StockMovement{}, err
	}
	branchID := strings.TrimSpace(req.BranchID)
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if req.Delta == 0 {
		return domain.Product{}, domain.StockMovement{}, domain.Invalid("delta", "must not be zero")
	}
	reason := domain.MovementReason(strings.ToLower(strings.TrimSpace(string(req.Reason))))
	if !reason.Adjustable() {
		return domain.Product{}, domain.StockMovement{}, domain.Invalid("reason", "must be one of initial_stock, purchase, return, spoilage, manual_adjustment")
	}

	product, movement, err := s.repo.ApplyStockDelta(ctx, domain.StockMovement{
		ProductID: productID,
		BranchID:  branchID,
		Change:    req.Delta,
		Reason:    reason,
		Reference: strings.TrimSpace(req.Reference),
	})
	if err != nil {
		return domain.Product{}, domain.StockMovement{}, err
	}

	s.logAudit(ctx, branchID, "stock_adjust", "product", product.ID, fmt.Sprintf("delta=%d,reason=%s,stock=%d", movement.Change, movement.Reason, product.Stock))
	return *product, *movement, nil
}

// ReverseStockMovement compensates a manual movement with an opposite reversal entry.
func (s *Service) ReverseStockMovement(ctx context.Context, movementID string) (domain.Product, domain.StockMovement, error) {
	movementID, err := requireID("movement_id", movementID)
	if err != nil {
		return domain.Product{}, domain.StockMovement{}, err
	}

	product, compensation, err := s.repo.ReverseStockMovement(ctx, movementID)
	if err != nil {
		return domain.Product{}, domain.StockMovement{}, err
	}

	s.logAudit(ctx, compensation.BranchID, "stock_reverse", "stock_movement", movementID, fmt.Sprintf("reversal=%s,change=%d,stock=%d", compensation.ID, compensation.Change, product.Stock))
	return *product, *compensation, nil
}

func (s *Service) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	productID, err := requireID("product_id", productID)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, productID, limit)
}

// VerifyStock compares the stored stock level with the sum of the product's movements.
func (s *Service) VerifyStock(ctx context.Context, productID string) (domain.StockCheck, error) {
	productID, err := requireID("product_id", productID)
	if err != nil {
		return domain.StockCheck{}, err
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockCheck{}, err
	}
	sum, err := s.repo.SumStockMovements(ctx, productID)
	if err != nil {
		return domain.StockCheck{}, err
	}
	return domain.StockCheck{
		ProductID:   product.ID,
		Stock:       product.Stock,
		MovementSum: sum,
		Consistent:  sum == product.Stock,
	}, nil
}
