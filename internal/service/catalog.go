package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"posledger/backend/internal/domain"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID, err := requireID("product_id", productID)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// CreateProduct registers a catalog product. Opening stock is written as an initial_stock
// movement so the stock level is backed by the ledger from the first row.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.ID = strings.TrimSpace(req.ID)
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}

	if req.SKU == "" {
		return domain.Product{}, domain.Invalid("sku", "is required")
	}
	if req.Name == "" {
		return domain.Product{}, domain.Invalid("name", "is required")
	}
	if !req.Price.IsPositive() {
		return domain.Product{}, domain.Invalid("price", "must be greater than zero")
	}
	if err := checkMoneyScale("price", req.Price); err != nil {
		return domain.Product{}, err
	}
	if req.TaxRate.IsNegative() {
		return domain.Product{}, domain.Invalid("tax_rate", "must not be negative")
	}
	if req.InitialStock < 0 {
		return domain.Product{}, domain.Invalid("initial_stock", "must not be negative")
	}

	product := domain.Product{
		ID:      req.ID,
		SKU:     req.SKU,
		Name:    req.Name,
		Price:   req.Price,
		TaxRate: req.TaxRate,
		Active:  true,
	}
	var initial *domain.StockMovement
	if req.InitialStock > 0 {
		initial = &domain.StockMovement{
			BranchID: req.BranchID,
			Change:   req.InitialStock,
			Reason:   domain.MovementInitialStock,
		}
	}

	created, err := s.repo.CreateProduct(ctx, product, initial)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, req.BranchID, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,price=%s,stock=%d", created.SKU, created.Price.StringFixed(2), created.Stock))
	return *created, nil
}

func (s *Service) CreateBranch(ctx context.Context, req domain.BranchCreateRequest) (domain.Branch, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Branch{}, domain.Invalid("name", "is required")
	}

	created, err := s.repo.CreateBranch(ctx, domain.Branch{ID: strings.TrimSpace(req.ID), Name: name})
	if err != nil {
		return domain.Branch{}, err
	}

	s.logAudit(ctx, created.ID, "branch_create", "branch", created.ID, "name="+created.Name)
	return *created, nil
}

// EnsureDefaultBranch creates the branch that requests without a branch_id are booked against. A
// fresh postgres database starts with no branches.
func (s *Service) EnsureDefaultBranch(ctx context.Context) error {
	_, err := s.repo.GetBranch(ctx, s.defaultBranchID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	created, err := s.repo.CreateBranch(ctx, domain.Branch{ID: s.defaultBranchID, Name: "Main Branch"})
	if errors.Is(err, domain.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logAudit(ctx, created.ID, "branch_create", "branch", created.ID, "name="+created.Name+",bootstrap=true")
	return nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, domain.Invalid("name", "is required")
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{ID: strings.TrimSpace(req.ID), Name: name})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "", "customer_create", "customer", created.ID, "name="+created.Name)
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	customerID, err := requireID("customer_id", customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}
