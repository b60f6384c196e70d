package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

// Store keeps the ledger in process. Every atomic unit holds the write lock for its whole
// duration and stages its writes in a unit, so a failed check leaves nothing behind.
type Store struct {
	mu              sync.RWMutex
	branches        map[string]domain.Branch
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	movements       map[string]domain.StockMovement
	movementOrder   []string
	transactions    map[string]*domain.Transaction
	returnIndex     map[string]string
	loyalty         []domain.LoyaltyTransaction
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		branches:        make(map[string]domain.Branch),
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		movements:       make(map[string]domain.StockMovement),
		movementOrder:   make([]string, 0, 256),
		transactions:    make(map[string]*domain.Transaction),
		returnIndex:     make(map[string]string),
		loyalty:         make([]domain.LoyaltyTransaction, 0, 64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD, falling back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with one branch, a small catalog and demo customers. Opening stock
// and loyalty balances are written as ledger rows so every running sum starts consistent.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	s.branches["main-branch"] = domain.Branch{ID: "main-branch", Name: "Main Branch", Active: true, CreatedAt: now}

	catalog := []struct {
		id      string
		sku     string
		name    string
		price   string
		taxRate string
		stock   int
	}{
		{"prod-coffee", "SKU-COFFEE-250", "Ground Coffee 250g", "8.50", "10", 120},
		{"prod-milk", "SKU-MILK-1L", "Whole Milk 1L", "1.89", "0", 80},
		{"prod-bread", "SKU-BREAD-WHT", "White Bread Loaf", "2.35", "0", 60},
		{"prod-eggs", "SKU-EGGS-12", "Free Range Eggs x12", "4.20", "0", 50},
		{"prod-soap", "SKU-SOAP-BAR", "Bar Soap", "1.25", "20", 200},
		{"prod-tea", "SKU-TEA-50", "Black Tea 50 bags", "3.10", "10", 90},
	}
	for _, item := range catalog {
		product := domain.Product{
			ID:      item.id,
			SKU:     item.sku,
			Name:    item.name,
			Price:   decimal.RequireFromString(item.price),
			TaxRate: decimal.RequireFromString(item.taxRate),
			Active:  true,
		}
		initial := &domain.StockMovement{BranchID: "main-branch", Change: item.stock, Reason: domain.MovementInitialStock}
		if _, err := s.CreateProduct(ctx, product, initial); err != nil {
			log.Fatalf("[memory-store] seed product %s: %v", item.id, err)
		}
	}

	for _, c := range []struct {
		id     string
		name   string
		points int
	}{
		{"cust-ana", "Ana Lestari", 50},
		{"cust-budi", "Budi Santoso", 0},
	} {
		if _, err := s.CreateCustomer(ctx, domain.Customer{ID: c.id, Name: c.name}); err != nil {
			log.Fatalf("[memory-store] seed customer %s: %v", c.id, err)
		}
		if c.points > 0 {
			entry := domain.NewLoyaltyEntry(c.id, "", c.points, "opening balance")
			if _, _, err := s.AdjustLoyaltyPoints(ctx, entry); err != nil {
				log.Fatalf("[memory-store] seed loyalty %s: %v", c.id, err)
			}
		}
	}

	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) CreateBranch(_ context.Context, branch domain.Branch) (*domain.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if branch.ID == "" {
		branch.ID = xid.New("branch")
	}
	if _, exists := s.branches[branch.ID]; exists {
		return nil, &domain.ConflictError{Entity: "branch", Key: branch.ID}
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	branch.Active = true
	s.branches[branch.ID] = branch
	return &branch, nil
}

func (s *Store) GetBranch(_ context.Context, id string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch, ok := s.branches[id]
	if !ok {
		return nil, domain.NotFound("branch", id)
	}
	return &branch, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product, initial *domain.StockMovement) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, &domain.ConflictError{Entity: "product", Key: product.ID}
	}
	for _, existing := range s.products {
		if product.SKU != "" && strings.EqualFold(existing.SKU, product.SKU) {
			return nil, &domain.ConflictError{Entity: "product", Key: product.SKU}
		}
	}

	now := time.Now().UTC()
	product.Stock = 0
	product.UpdatedAt = now

	u := s.begin()
	u.products[product.ID] = product
	if initial != nil && initial.Change != 0 {
		if _, ok := s.branches[initial.BranchID]; !ok {
			return nil, domain.NotFound("branch", initial.BranchID)
		}
		movement := *initial
		movement.ProductID = product.ID
		updated, _, err := u.applyDelta(movement, now)
		if err != nil {
			return nil, err
		}
		product = updated
	}
	u.commit()
	return &product, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, domain.NotFound("product", id)
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if _, exists := s.customers[customer.ID]; exists {
		return nil, &domain.ConflictError{Entity: "customer", Key: customer.ID}
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.LoyaltyPoints = 0
	s.customers[customer.ID] = customer
	return &customer, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, ok := s.customers[id]
	if !ok {
		return nil, domain.NotFound("customer", id)
	}
	return &customer, nil
}

func (s *Store) ApplyStockDelta(_ context.Context, movement domain.StockMovement) (*domain.Product, *domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[movement.BranchID]; !ok {
		return nil, nil, domain.NotFound("branch", movement.BranchID)
	}

	u := s.begin()
	product, created, err := u.applyDelta(movement, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	u.commit()
	return &product, &created, nil
}

func (s *Store) ReverseStockMovement(_ context.Context, movementID string) (*domain.Product, *domain.StockMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.begin()
	product, compensation, err := u.reverse(movementID, "", false, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	u.commit()
	return &product, &compensation, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, domain.NotFound("product", productID)
	}

	result := make([]domain.StockMovement, 0, 32)
	for i := len(s.movementOrder) - 1; i >= 0; i-- {
		movement := s.movements[s.movementOrder[i]]
		if movement.ProductID != productID {
			continue
		}
		result = append(result, movement)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) SumStockMovements(_ context.Context, productID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return 0, domain.NotFound("product", productID)
	}
	sum := 0
	for _, movement := range s.movements {
		if movement.ProductID == productID {
			sum += movement.Change
		}
	}
	return sum, nil
}

func (s *Store) CreateTransaction(_ context.Context, draft store.TransactionDraft) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[draft.BranchID]; !ok {
		return nil, domain.NotFound("branch", draft.BranchID)
	}
	if draft.ID == "" {
		draft.ID = xid.New("tx")
	}
	if _, exists := s.transactions[draft.ID]; exists {
		return nil, &domain.ConflictError{Entity: "transaction", Key: draft.ID}
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}
	now := draft.CreatedAt

	tx := &domain.Transaction{
		ID:                  draft.ID,
		BranchID:            draft.BranchID,
		CashierID:           draft.CashierID,
		CustomerID:          draft.CustomerID,
		Lines:               make([]domain.TransactionLine, 0, len(draft.Lines)),
		Payments:            make([]domain.Payment, 0, len(draft.Payments)),
		Returns:             []domain.Return{},
		LoyaltyPointsEarned: draft.LoyaltyPointsEarned,
		LoyaltyPointsUsed:   draft.LoyaltyPointsUsed,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	u := s.begin()
	requested := make(map[string]int, len(draft.Lines))
	for _, req := range draft.Lines {
		product, ok := u.product(req.ProductID)
		if !ok {
			return nil, domain.NotFound("product", req.ProductID)
		}
		line, err := domain.PriceLine(product, req)
		if err != nil {
			return nil, err
		}
		requested[product.ID] += line.Qty
		if requested[product.ID] > product.Stock {
			return nil, &domain.InsufficientStockError{ProductID: product.ID, Requested: requested[product.ID], Available: product.Stock}
		}
		line.ID = xid.New("line")
		line.TransactionID = tx.ID
		tx.Lines = append(tx.Lines, line)
	}

	for i := range tx.Lines {
		_, movement, err := u.applyDelta(domain.StockMovement{
			ProductID: tx.Lines[i].ProductID,
			BranchID:  tx.BranchID,
			Change:    -tx.Lines[i].Qty,
			Reason:    domain.MovementSale,
			Reference: tx.ID,
		}, now)
		if err != nil {
			return nil, err
		}
		tx.Lines[i].MovementID = movement.ID
	}

	if tx.CustomerID != "" {
		if _, ok := u.customer(tx.CustomerID); !ok {
			return nil, domain.NotFound("customer", tx.CustomerID)
		}
		if tx.LoyaltyPointsUsed > 0 {
			entry := domain.NewLoyaltyEntry(tx.CustomerID, tx.ID, -tx.LoyaltyPointsUsed, "redeemed at sale")
			if _, _, err := u.adjustLoyalty(entry, now); err != nil {
				return nil, err
			}
		}
		if tx.LoyaltyPointsEarned > 0 {
			entry := domain.NewLoyaltyEntry(tx.CustomerID, tx.ID, tx.LoyaltyPointsEarned, "earned at sale")
			if _, _, err := u.adjustLoyalty(entry, now); err != nil {
				return nil, err
			}
		}
	}

	tx.Recalculate()
	paid := decimal.Zero
	for _, payment := range draft.Payments {
		if err := domain.CheckPaymentsFit(tx.ID, tx.TotalGross, paid, payment.Amount); err != nil {
			return nil, err
		}
		paid = paid.Add(payment.Amount)
		payment.ID = defaultID(payment.ID, "pay")
		payment.TransactionID = tx.ID
		if payment.CreatedAt.IsZero() {
			payment.CreatedAt = now
		}
		tx.Payments = append(tx.Payments, payment)
	}
	tx.Recalculate()

	u.commit()
	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), nil
}

func (s *Store) FindTransactionByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, domain.NotFound("transaction", id)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) AddTransactionLine(_ context.Context, transactionID string, req domain.LineRequest) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.stageTransaction(transactionID)
	if err != nil {
		return nil, err
	}
	if err := tx.RequireEditable("add line to"); err != nil {
		return nil, err
	}

	u := s.begin()
	product, ok := u.product(req.ProductID)
	if !ok {
		return nil, domain.NotFound("product", req.ProductID)
	}
	line, err := domain.PriceLine(product, req)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, movement, err := u.applyDelta(domain.StockMovement{
		ProductID: product.ID,
		BranchID:  tx.BranchID,
		Change:    -line.Qty,
		Reason:    domain.MovementSale,
		Reference: tx.ID,
	}, now)
	if err != nil {
		return nil, err
	}
	line.ID = xid.New("line")
	line.TransactionID = tx.ID
	line.MovementID = movement.ID
	tx.Lines = append(tx.Lines, line)
	tx.Recalculate()
	tx.UpdatedAt = now

	u.commit()
	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), nil
}

func (s *Store) RemoveTransactionLine(_ context.Context, transactionID string, lineID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.stageTransaction(transactionID)
	if err != nil {
		return nil, err
	}
	if err := tx.RequireEditable("remove line from"); err != nil {
		return nil, err
	}
	idx, ok := tx.FindLine(lineID)
	if !ok {
		return nil, domain.NotFound("transaction line", lineID)
	}
	if len(tx.Lines) == 1 {
		return nil, domain.Invalid("line_id", "is the last line; delete the transaction instead")
	}

	now := time.Now().UTC()
	u := s.begin()
	if _, _, err := u.reverse(tx.Lines[idx].MovementID, tx.ID, true, now); err != nil {
		return nil, err
	}
	tx.Lines = slices.Delete(tx.Lines, idx, idx+1)
	gross, _, _ := domain.ComputeTotals(tx.Lines)
	if err := domain.CheckPaymentsFit(tx.ID, gross, tx.TotalPaid(), decimal.Zero); err != nil {
		return nil, err
	}
	tx.Recalculate()
	tx.UpdatedAt = now

	u.commit()
	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), nil
}

func (s *Store) DeleteTransaction(_ context.Context, transactionID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.stageTransaction(transactionID)
	if err != nil {
		return nil, err
	}
	if err := tx.RequireEditable("delete"); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := s.begin()
	for _, line := range tx.Lines {
		if _, _, err := u.reverse(line.MovementID, tx.ID, true, now); err != nil {
			return nil, err
		}
	}
	if tx.CustomerID != "" {
		net := 0
		for _, entry := range s.loyalty {
			if entry.TransactionID == tx.ID && entry.CustomerID == tx.CustomerID {
				net += entry.SignedPoints()
			}
		}
		if net != 0 {
			entry := domain.NewLoyaltyEntry(tx.CustomerID, tx.ID, -net, "transaction deleted")
			if _, _, err := u.adjustLoyalty(entry, now); err != nil {
				return nil, err
			}
		}
	}

	u.commit()
	delete(s.transactions, tx.ID)
	return tx, nil
}

func (s *Store) AddPayments(_ context.Context, transactionID string, payments []domain.Payment) (*domain.Transaction, []domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.stageTransaction(transactionID)
	if err != nil {
		return nil, nil, err
	}
	if len(payments) == 0 {
		return nil, nil, domain.Invalid("payments", "must not be empty")
	}

	incoming := decimal.Zero
	for _, p := range payments {
		incoming = incoming.Add(p.Amount)
	}
	if err := domain.CheckPaymentAllowed(tx, incoming); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	created := make([]domain.Payment, 0, len(payments))
	for _, payment := range payments {
		payment.ID = defaultID(payment.ID, "pay")
		payment.TransactionID = tx.ID
		if payment.CreatedAt.IsZero() {
			payment.CreatedAt = now
		}
		tx.Payments = append(tx.Payments, payment)
		created = append(created, payment)
	}
	tx.Recalculate()
	tx.UpdatedAt = now

	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), created, nil
}

func (s *Store) UpdatePayment(_ context.Context, transactionID string, paymentID string, req domain.PaymentUpdateRequest) (*domain.Transaction, *domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.stageTransaction(transactionID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.RequireEditable("update payment on"); err != nil {
		return nil, nil, err
	}
	idx, ok := tx.FindPayment(paymentID)
	if !ok {
		return nil, nil, domain.NotFound("payment", paymentID)
	}

	payment := tx.Payments[idx]
	if req.Method != nil {
		payment.Method = *req.Method
	}
	if req.Amount != nil {
		payment.Amount = *req.Amount
	}
	if req.Reference != nil {
		payment.Reference = *req.Reference
	}
	others := domain.SumPayments(slices.Delete(slices.Clone(tx.Payments), idx, idx+1))
	if err := domain.CheckPaymentsFit(tx.ID, tx.TotalGross, others, payment.Amount); err != nil {
		return nil, nil, err
	}

	tx.Payments[idx] = payment
	tx.Recalculate()
	tx.UpdatedAt = time.Now().UTC()

	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), &payment, nil
}

func (s *Store) DeletePayment(_ context.Context, transactionID string, paymentID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.stageTransaction(transactionID)
	if err != nil {
		return nil, err
	}
	if err := tx.RequireEditable("delete payment from"); err != nil {
		return nil, err
	}
	idx, ok := tx.FindPayment(paymentID)
	if !ok {
		return nil, domain.NotFound("payment", paymentID)
	}

	tx.Payments = slices.Delete(tx.Payments, idx, idx+1)
	tx.Recalculate()
	tx.UpdatedAt = time.Now().UTC()

	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Transaction, *domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.stageTransaction(ret.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if err := domain.CheckReturnAllowed(tx); err != nil {
		return nil, nil, err
	}
	if err := domain.CheckRefundable(tx.ID, tx.TotalGross, domain.SumReturns(tx.Returns), ret.ReturnAmount); err != nil {
		return nil, nil, err
	}

	ret.ID = defaultID(ret.ID, "ret")
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}
	ret.UpdatedAt = ret.CreatedAt
	tx.Returns = append(tx.Returns, ret)
	tx.Recalculate()
	tx.UpdatedAt = ret.CreatedAt

	s.transactions[tx.ID] = tx
	s.returnIndex[ret.ID] = tx.ID
	return cloneTransaction(tx), &ret, nil
}

func (s *Store) UpdateReturn(_ context.Context, returnID string, req domain.ReturnUpdateRequest) (*domain.Transaction, *domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, idx, err := s.stageReturn(returnID)
	if err != nil {
		return nil, nil, err
	}

	ret := tx.Returns[idx]
	if req.ReturnAmount != nil {
		ret.ReturnAmount = *req.ReturnAmount
	}
	if req.Reason != nil {
		ret.Reason = *req.Reason
	}
	if req.Notes != nil {
		ret.Notes = *req.Notes
	}
	others := domain.SumReturns(slices.Delete(slices.Clone(tx.Returns), idx, idx+1))
	if err := domain.CheckRefundable(tx.ID, tx.TotalGross, others, ret.ReturnAmount); err != nil {
		return nil, nil, err
	}

	ret.UpdatedAt = time.Now().UTC()
	tx.Returns[idx] = ret
	tx.Recalculate()
	tx.UpdatedAt = ret.UpdatedAt

	s.transactions[tx.ID] = tx
	return cloneTransaction(tx), &ret, nil
}

func (s *Store) DeleteReturn(_ context.Context, returnID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, idx, err := s.stageReturn(returnID)
	if err != nil {
		return nil, err
	}

	tx.Returns = slices.Delete(tx.Returns, idx, idx+1)
	tx.Recalculate()
	tx.UpdatedAt = time.Now().UTC()

	s.transactions[tx.ID] = tx
	delete(s.returnIndex, returnID)
	return cloneTransaction(tx), nil
}

func (s *Store) FindReturnByID(_ context.Context, returnID string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, idx, err := s.stageReturn(returnID)
	if err != nil {
		return nil, err
	}
	ret := tx.Returns[idx]
	return &ret, nil
}

func (s *Store) AdjustLoyaltyPoints(_ context.Context, entry domain.LoyaltyTransaction) (*domain.Customer, *domain.LoyaltyTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.begin()
	customer, created, err := u.adjustLoyalty(entry, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	u.commit()
	return &customer, &created, nil
}

func (s *Store) ListLoyaltyTransactions(_ context.Context, customerID string, limit int) ([]domain.LoyaltyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.customers[customerID]; !ok {
		return nil, domain.NotFound("customer", customerID)
	}
	result := make([]domain.LoyaltyTransaction, 0, 16)
	for i := len(s.loyalty) - 1; i >= 0; i-- {
		if s.loyalty[i].CustomerID != customerID {
			continue
		}
		result = append(result, s.loyalty[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.Invalid("username", "and password are required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return &domain.ConflictError{Entity: "user", Key: username}
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, domain.NotFound("user", username)
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

// stageTransaction returns a private copy of the transaction; callers store it back only on success.
func (s *Store) stageTransaction(id string) (*domain.Transaction, error) {
	tx, ok := s.transactions[id]
	if !ok {
		return nil, domain.NotFound("transaction", id)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) stageReturn(returnID string) (*domain.Transaction, int, error) {
	transactionID, ok := s.returnIndex[returnID]
	if !ok {
		return nil, -1, domain.NotFound("return", returnID)
	}
	tx, err := s.stageTransaction(transactionID)
	if err != nil {
		return nil, -1, err
	}
	idx, ok := tx.FindReturn(returnID)
	if !ok {
		return nil, -1, domain.NotFound("return", returnID)
	}
	return tx, idx, nil
}

func defaultID(id string, prefix string) string {
	if id == "" {
		return xid.New(prefix)
	}
	return id
}

func cloneTransaction(src *domain.Transaction) *domain.Transaction {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Lines = slices.Clone(src.Lines)
	dup.Payments = slices.Clone(src.Payments)
	dup.Returns = slices.Clone(src.Returns)
	if dup.Lines == nil {
		dup.Lines = []domain.TransactionLine{}
	}
	if dup.Payments == nil {
		dup.Payments = []domain.Payment{}
	}
	if dup.Returns == nil {
		dup.Returns = []domain.Return{}
	}
	return &dup
}
