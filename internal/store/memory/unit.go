package memory

import (
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/xid"
)

// unit stages writes for one atomic operation. Reads fall through to the store, writes stay
// in the unit until commit. The caller must hold s.mu for writing for the unit's lifetime.
type unit struct {
	s            *Store
	products     map[string]domain.Product
	customers    map[string]domain.Customer
	movements    map[string]domain.StockMovement
	newMovements []string
	loyalty      []domain.LoyaltyTransaction
}

func (s *Store) begin() *unit {
	return &unit{
		s:         s,
		products:  make(map[string]domain.Product, 4),
		customers: make(map[string]domain.Customer, 1),
		movements: make(map[string]domain.StockMovement, 4),
	}
}

func (u *unit) product(id string) (domain.Product, bool) {
	if p, ok := u.products[id]; ok {
		return p, true
	}
	p, ok := u.s.products[id]
	return p, ok
}

func (u *unit) customer(id string) (domain.Customer, bool) {
	if c, ok := u.customers[id]; ok {
		return c, true
	}
	c, ok := u.s.customers[id]
	return c, ok
}

func (u *unit) movement(id string) (domain.StockMovement, bool) {
	if m, ok := u.movements[id]; ok {
		return m, true
	}
	m, ok := u.s.movements[id]
	return m, ok
}

func (u *unit) applyDelta(m domain.StockMovement, at time.Time) (domain.Product, domain.StockMovement, error) {
	product, ok := u.product(m.ProductID)
	if !ok {
		return domain.Product{}, domain.StockMovement{}, domain.NotFound("product", m.ProductID)
	}
	next, err := domain.ApplyStockChange(product, m.Change)
	if err != nil {
		return domain.Product{}, domain.StockMovement{}, err
	}

	product.Stock = next
	product.UpdatedAt = at
	m.ID = defaultID(m.ID, "mov")
	if m.CreatedAt.IsZero() {
		m.CreatedAt = at
	}

	u.products[product.ID] = product
	u.movements[m.ID] = m
	u.newMovements = append(u.newMovements, m.ID)
	return product, m, nil
}

// reverse appends the compensating movement and links it to the original.
func (u *unit) reverse(movementID string, reference string, allowSale bool, at time.Time) (domain.Product, domain.StockMovement, error) {
	original, ok := u.movement(movementID)
	if !ok {
		return domain.Product{}, domain.StockMovement{}, domain.NotFound("stock movement", movementID)
	}
	if err := original.CheckReversible(allowSale); err != nil {
		return domain.Product{}, domain.StockMovement{}, err
	}
	if reference == "" {
		reference = original.Reference
	}

	product, compensation, err := u.applyDelta(domain.StockMovement{
		ProductID:  original.ProductID,
		BranchID:   original.BranchID,
		Change:     -original.Change,
		Reason:     domain.MovementReversal,
		Reference:  reference,
		ReversesID: original.ID,
	}, at)
	if err != nil {
		return domain.Product{}, domain.StockMovement{}, err
	}

	original.ReversedBy = compensation.ID
	u.movements[original.ID] = original
	return product, compensation, nil
}

func (u *unit) adjustLoyalty(entry domain.LoyaltyTransaction, at time.Time) (domain.Customer, domain.LoyaltyTransaction, error) {
	customer, ok := u.customer(entry.CustomerID)
	if !ok {
		return domain.Customer{}, domain.LoyaltyTransaction{}, domain.NotFound("customer", entry.CustomerID)
	}
	delta := entry.SignedPoints()
	if err := domain.CheckRedeem(customer.ID, customer.LoyaltyPoints, delta); err != nil {
		return domain.Customer{}, domain.LoyaltyTransaction{}, err
	}

	customer.LoyaltyPoints += delta
	entry.ID = xid.New("loy")
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = at
	}

	u.customers[customer.ID] = customer
	u.loyalty = append(u.loyalty, entry)
	return customer, entry, nil
}

func (u *unit) commit() {
	for id, p := range u.products {
		u.s.products[id] = p
	}
	for id, c := range u.customers {
		u.s.customers[id] = c
	}
	for id, m := range u.movements {
		u.s.movements[id] = m
	}
	u.s.movementOrder = append(u.s.movementOrder, u.newMovements...)
	u.s.loyalty = append(u.s.loyalty, u.loyalty...)
}
