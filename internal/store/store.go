package store

import (
	"context"
	"time"

	"posledger/backend/internal/domain"
)

// Repository is the storage handle injected into the ledger service. Every method that touches
// more than one row runs as a single atomic unit: it either applies all of its writes or none.
type Repository interface {
	CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error)
	GetBranch(ctx context.Context, id string) (*domain.Branch, error)

	CreateProduct(ctx context.Context, product domain.Product, initial *domain.StockMovement) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)

	// Stock ledger.
	ApplyStockDelta(ctx context.Context, movement domain.StockMovement) (*domain.Product, *domain.StockMovement, error)
	ReverseStockMovement(ctx context.Context, movementID string) (*domain.Product, *domain.StockMovement, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	SumStockMovements(ctx context.Context, productID string) (int, error)

	// Transactions.
	CreateTransaction(ctx context.Context, draft TransactionDraft) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error)
	AddTransactionLine(ctx context.Context, transactionID string, req domain.LineRequest) (*domain.Transaction, error)
	RemoveTransactionLine(ctx context.Context, transactionID string, lineID string) (*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)

	// Payments.
	AddPayments(ctx context.Context, transactionID string, payments []domain.Payment) (*domain.Transaction, []domain.Payment, error)
	UpdatePayment(ctx context.Context, transactionID string, paymentID string, req domain.PaymentUpdateRequest) (*domain.Transaction, *domain.Payment, error)
	DeletePayment(ctx context.Context, transactionID string, paymentID string) (*domain.Transaction, error)

	// Returns.
	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Transaction, *domain.Return, error)
	UpdateReturn(ctx context.Context, returnID string, req domain.ReturnUpdateRequest) (*domain.Transaction, *domain.Return, error)
	DeleteReturn(ctx context.Context, returnID string) (*domain.Transaction, error)
	FindReturnByID(ctx context.Context, returnID string) (*domain.Return, error)

	// Loyalty.
	AdjustLoyaltyPoints(ctx context.Context, entry domain.LoyaltyTransaction) (*domain.Customer, *domain.LoyaltyTransaction, error)
	ListLoyaltyTransactions(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyTransaction, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
}

// TransactionDraft is a validated sale request ready for the atomic create unit.
type TransactionDraft struct {
	ID                  string
	BranchID            string
	CashierID           string
	CustomerID          string
	Lines               []domain.LineRequest
	Payments            []domain.Payment
	LoyaltyPointsEarned int
	LoyaltyPointsUsed   int
	CreatedAt           time.Time
}
