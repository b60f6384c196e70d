package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	_, err := s.CreateBranch(ctx, domain.Branch{ID: "b1", Name: "Test"})
	require.NoError(t, err)
	for _, p := range []struct {
		id    string
		stock int
	}{{"p1", 50}, {"p2", 5}} {
		_, err := s.CreateProduct(ctx, domain.Product{
			ID: p.id, SKU: "SKU-" + p.id, Name: p.id, Price: decimal.RequireFromString("10.00"), Active: true,
		}, &domain.StockMovement{BranchID: "b1", Change: p.stock, Reason: domain.MovementInitialStock})
		require.NoError(t, err)
	}
	_, err = s.CreateCustomer(ctx, domain.Customer{ID: "c1", Name: "Ana"})
	require.NoError(t, err)
	return s
}

func assertStockMatchesLedger(t *testing.T, s *Store, productID string) {
	t.Helper()
	ctx := context.Background()
	product, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	sum, err := s.SumStockMovements(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, sum, product.Stock, "stock of %s drifted from its movements", productID)
	assert.GreaterOrEqual(t, product.Stock, 0)
}

func TestCreateTransactionRollsBackWhenAnyLineFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTransaction(ctx, store.TransactionDraft{
		BranchID: "b1",
		Lines: []domain.LineRequest{
			{ProductID: "p1", Qty: 3},
			{ProductID: "p2", Qty: 6},
		},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	p1, _ := s.GetProduct(ctx, "p1")
	assert.Equal(t, 50, p1.Stock)
	movements, err := s.ListStockMovements(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Len(t, movements, 1, "only the initial stock movement should exist")
}

func TestCreateTransactionChecksCombinedQuantityPerProduct(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateTransaction(context.Background(), store.TransactionDraft{
		BranchID: "b1",
		Lines: []domain.LineRequest{
			{ProductID: "p2", Qty: 3},
			{ProductID: "p2", Qty: 3},
		},
	})
	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 6, stockErr.Requested)
	assert.Equal(t, 5, stockErr.Available)
}

func TestCreateTransactionRollsBackOnLoyaltyShortfall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTransaction(ctx, store.TransactionDraft{
		BranchID:          "b1",
		CustomerID:        "c1",
		Lines:             []domain.LineRequest{{ProductID: "p1", Qty: 1}},
		LoyaltyPointsUsed: 10,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientLoyaltyPoints)
	assertStockMatchesLedger(t, s, "p1")
	p1, _ := s.GetProduct(ctx, "p1")
	assert.Equal(t, 50, p1.Stock)
}

func TestLineEditsKeepStockAndLedgerInSync(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.CreateTransaction(ctx, store.TransactionDraft{
		BranchID: "b1",
		Lines:    []domain.LineRequest{{ProductID: "p1", Qty: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusPending, tx.Status)

	tx, err = s.AddTransactionLine(ctx, tx.ID, domain.LineRequest{ProductID: "p2", Qty: 2})
	require.NoError(t, err)
	require.Len(t, tx.Lines, 2)
	assert.True(t, tx.TotalGross.Equal(decimal.RequireFromString("60.00")))

	tx, err = s.RemoveTransactionLine(ctx, tx.ID, tx.Lines[0].ID)
	require.NoError(t, err)
	assert.True(t, tx.TotalGross.Equal(decimal.RequireFromString("20.00")))

	_, err = s.RemoveTransactionLine(ctx, tx.ID, tx.Lines[0].ID)
	assert.ErrorIs(t, err, domain.ErrValidation, "the last line cannot be removed")

	p1, _ := s.GetProduct(ctx, "p1")
	p2, _ := s.GetProduct(ctx, "p2")
	assert.Equal(t, 50, p1.Stock)
	assert.Equal(t, 3, p2.Stock)
	assertStockMatchesLedger(t, s, "p1")
	assertStockMatchesLedger(t, s, "p2")

	_, err = s.DeleteTransaction(ctx, tx.ID)
	require.NoError(t, err)
	p2, _ = s.GetProduct(ctx, "p2")
	assert.Equal(t, 5, p2.Stock)
	assertStockMatchesLedger(t, s, "p2")

	_, err = s.FindTransactionByID(ctx, tx.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteTransactionCompensatesLoyalty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.AdjustLoyaltyPoints(ctx, domain.NewLoyaltyEntry("c1", "", 40, "opening"))
	require.NoError(t, err)

	tx, err := s.CreateTransaction(ctx, store.TransactionDraft{
		BranchID:            "b1",
		CustomerID:          "c1",
		Lines:               []domain.LineRequest{{ProductID: "p1", Qty: 1}},
		LoyaltyPointsUsed:   30,
		LoyaltyPointsEarned: 5,
	})
	require.NoError(t, err)
	customer, _ := s.GetCustomer(ctx, "c1")
	assert.Equal(t, 15, customer.LoyaltyPoints)

	_, err = s.DeleteTransaction(ctx, tx.ID)
	require.NoError(t, err)
	customer, _ = s.GetCustomer(ctx, "c1")
	assert.Equal(t, 40, customer.LoyaltyPoints)

	entries, err := s.ListLoyaltyTransactions(ctx, "c1", 0)
	require.NoError(t, err)
	sum := 0
	for _, e := range entries {
		sum += e.SignedPoints()
	}
	assert.Equal(t, customer.LoyaltyPoints, sum)
}

func TestReverseStockMovement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, spoil, err := s.ApplyStockDelta(ctx, domain.StockMovement{ProductID: "p1", BranchID: "b1", Change: -5, Reason: domain.MovementSpoilage})
	require.NoError(t, err)

	product, compensation, err := s.ReverseStockMovement(ctx, spoil.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, product.Stock)
	assert.Equal(t, domain.MovementReversal, compensation.Reason)
	assert.Equal(t, spoil.ID, compensation.ReversesID)
	assertStockMatchesLedger(t, s, "p1")

	_, _, err = s.ReverseStockMovement(ctx, spoil.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, _, err = s.ReverseStockMovement(ctx, compensation.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	tx, err := s.CreateTransaction(ctx, store.TransactionDraft{BranchID: "b1", Lines: []domain.LineRequest{{ProductID: "p1", Qty: 1}}})
	require.NoError(t, err)
	_, _, err = s.ReverseStockMovement(ctx, tx.Lines[0].MovementID)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "sale movements go through the transaction line")
}

func TestReverseRejectedWhenStockWouldGoNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, purchase, err := s.ApplyStockDelta(ctx, domain.StockMovement{ProductID: "p2", BranchID: "b1", Change: 10, Reason: domain.MovementPurchase})
	require.NoError(t, err)
	_, _, err = s.ApplyStockDelta(ctx, domain.StockMovement{ProductID: "p2", BranchID: "b1", Change: -12, Reason: domain.MovementSpoilage})
	require.NoError(t, err)

	_, _, err = s.ReverseStockMovement(ctx, purchase.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assertStockMatchesLedger(t, s, "p2")
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateTransaction(ctx, store.TransactionDraft{BranchID: "b1", Lines: []domain.LineRequest{{ProductID: "p2", Qty: 1}}})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientStock)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	p2, _ := s.GetProduct(ctx, "p2")
	assert.Equal(t, 0, p2.Stock)
	assertStockMatchesLedger(t, s, "p2")
}

func TestConcurrentReturnsNeverExceedGross(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.CreateTransaction(ctx, store.TransactionDraft{
		BranchID: "b1",
		Lines:    []domain.LineRequest{{ProductID: "p1", Qty: 10}},
		Payments: []domain.Payment{{Method: domain.PaymentCash, Amount: decimal.RequireFromString("100.00")}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusCompleted, tx.Status)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.CreateReturn(ctx, domain.Return{
				TransactionID: tx.ID, ReturnAmount: decimal.RequireFromString("30.00"), Reason: domain.ReturnDefective,
			})
		}()
	}
	wg.Wait()

	got, err := s.FindTransactionByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, got.Returns, 3)
	assert.True(t, got.RefundedAmount.Equal(decimal.RequireFromString("90.00")))
	assert.Equal(t, domain.TxStatusPartiallyRefunded, got.Status)
}

func TestPaymentEditsOnlyWhilePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.CreateTransaction(ctx, store.TransactionDraft{BranchID: "b1", Lines: []domain.LineRequest{{ProductID: "p1", Qty: 2}}})
	require.NoError(t, err)

	tx, created, err := s.AddPayments(ctx, tx.ID, []domain.Payment{{Method: domain.PaymentCash, Amount: decimal.RequireFromString("5.00")}})
	require.NoError(t, err)
	require.Len(t, created, 1)

	over := decimal.RequireFromString("25.00")
	_, _, err = s.UpdatePayment(ctx, tx.ID, created[0].ID, domain.PaymentUpdateRequest{Amount: &over})
	require.ErrorIs(t, err, domain.ErrOverpayment)

	full := decimal.RequireFromString("20.00")
	tx, _, err = s.UpdatePayment(ctx, tx.ID, created[0].ID, domain.PaymentUpdateRequest{Amount: &full})
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, tx.Status)

	_, err = s.DeletePayment(ctx, tx.ID, created[0].ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSeededStoreIsConsistent(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin-test-password")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier-test-password")
	s := NewSeeded()
	ctx := context.Background()

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, products)
	for _, p := range products {
		assertStockMatchesLedger(t, s, p.ID)
	}

	ana, err := s.GetCustomer(ctx, "cust-ana")
	require.NoError(t, err)
	assert.Equal(t, 50, ana.LoyaltyPoints)

	admin, err := s.GetUser(ctx, "ADMIN")
	require.NoError(t, err)
	assert.Equal(t, "admin", admin.Role)
	assert.NotEqual(t, "admin-test-password", admin.Password)
}
