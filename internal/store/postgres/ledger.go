package postgres

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
	"posledger/backend/internal/xid"
)

func (s *Store) ApplyStockDelta(ctx context.Context, movement domain.StockMovement) (*domain.Product, *domain.StockMovement, error) {
	var product *domain.Product
	var created domain.StockMovement
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		if err := requireBranch(ctx, pgTx, movement.BranchID); err != nil {
			return err
		}
		locked, err := lockProduct(ctx, pgTx, movement.ProductID)
		if err != nil {
			return err
		}
		created, err = applyDelta(ctx, pgTx, locked, movement, time.Now().UTC())
		product = locked
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return product, &created, nil
}

func (s *Store) ReverseStockMovement(ctx context.Context, movementID string) (*domain.Product, *domain.StockMovement, error) {
	var product *domain.Product
	var compensation domain.StockMovement
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		var err error
		product, compensation, err = reverseMovement(ctx, pgTx, movementID, "", false, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return product, &compensation, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, branch_id, change, reason, COALESCE(reference,''),
			COALESCE(reverses_id,''), COALESCE(reversed_by,''), created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, productID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		movement, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, *movement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) SumStockMovements(ctx context.Context, productID string) (int, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return 0, err
	}
	var sum int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(change), 0)
		FROM stock_movements
		WHERE product_id = $1
	`, productID).Scan(&sum)
	return sum, err
}

func (s *Store) CreateTransaction(ctx context.Context, draft store.TransactionDraft) (*domain.Transaction, error) {
	if draft.ID == "" {
		draft.ID = xid.New("tx")
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now().UTC()
	}

	var result *domain.Transaction
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		now := draft.CreatedAt
		if err := requireBranch(ctx, pgTx, draft.BranchID); err != nil {
			return err
		}

		products, err := lockProducts(ctx, pgTx, lineProductIDs(draft.Lines))
		if err != nil {
			return err
		}

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

		requested := make(map[string]int, len(products))
		for _, req := range draft.Lines {
			product, ok := products[req.ProductID]
			if !ok {
				return domain.NotFound("product", req.ProductID)
			}
			line, err := domain.PriceLine(*product, req)
			if err != nil {
				return err
			}
			requested[product.ID] += line.Qty
			if requested[product.ID] > product.Stock {
				return &domain.InsufficientStockError{ProductID: product.ID, Requested: requested[product.ID], Available: product.Stock}
			}
			line.ID = xid.New("line")
			line.TransactionID = tx.ID
			tx.Lines = append(tx.Lines, line)
		}

		if tx.CustomerID != "" {
			if _, err := lockCustomer(ctx, pgTx, tx.CustomerID); err != nil {
				return err
			}
		}

		tx.Recalculate()
		paid := decimal.Zero
		for _, payment := range draft.Payments {
			if err := domain.CheckPaymentsFit(tx.ID, tx.TotalGross, paid, payment.Amount); err != nil {
				return err
			}
			paid = paid.Add(payment.Amount)
			if payment.ID == "" {
				payment.ID = xid.New("pay")
			}
			payment.TransactionID = tx.ID
			if payment.CreatedAt.IsZero() {
				payment.CreatedAt = now
			}
			tx.Payments = append(tx.Payments, payment)
		}
		tx.Recalculate()

		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO transactions (
				id, branch_id, cashier_id, customer_id, total_gross, total_tax, total_net,
				refunded_amount, status, loyalty_points_earned, loyalty_points_used, created_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		`, tx.ID, tx.BranchID, nullIfEmpty(tx.CashierID), nullIfEmpty(tx.CustomerID), tx.TotalGross, tx.TotalTax, tx.TotalNet,
			tx.RefundedAmount, tx.Status, tx.LoyaltyPointsEarned, tx.LoyaltyPointsUsed, now)
		if err != nil {
			if isUniqueViolation(err) {
				return &domain.ConflictError{Entity: "transaction", Key: tx.ID}
			}
			return err
		}

		for i := range tx.Lines {
			line := &tx.Lines[i]
			movement, err := applyDelta(ctx, pgTx, products[line.ProductID], domain.StockMovement{
				ProductID: line.ProductID,
				BranchID:  tx.BranchID,
				Change:    -line.Qty,
				Reason:    domain.MovementSale,
				Reference: tx.ID,
			}, now)
			if err != nil {
				return err
			}
			line.MovementID = movement.ID
			if err := insertLine(ctx, pgTx, *line, i+1); err != nil {
				return err
			}
		}

		if tx.CustomerID != "" {
			if tx.LoyaltyPointsUsed > 0 {
				entry := domain.NewLoyaltyEntry(tx.CustomerID, tx.ID, -tx.LoyaltyPointsUsed, "redeemed at sale")
				if _, _, err := adjustLoyalty(ctx, pgTx, entry, now); err != nil {
					return err
				}
			}
			if tx.LoyaltyPointsEarned > 0 {
				entry := domain.NewLoyaltyEntry(tx.CustomerID, tx.ID, tx.LoyaltyPointsEarned, "earned at sale")
				if _, _, err := adjustLoyalty(ctx, pgTx, entry, now); err != nil {
					return err
				}
			}
		}

		for _, payment := range tx.Payments {
			if err := insertPayment(ctx, pgTx, payment); err != nil {
				return err
			}
		}

		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	return loadTransaction(ctx, s.db, id, false)
}

func (s *Store) AddTransactionLine(ctx context.Context, transactionID string, req domain.LineRequest) (*domain.Transaction, error) {
	var result *domain.Transaction
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, err := loadTransaction(ctx, pgTx, transactionID, true)
		if err != nil {
			return err
		}
		if err := tx.RequireEditable("add line to"); err != nil {
			return err
		}

		product, err := lockProduct(ctx, pgTx, req.ProductID)
		if err != nil {
			return err
		}
		line, err := domain.PriceLine(*product, req)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		movement, err := applyDelta(ctx, pgTx, product, domain.StockMovement{
			ProductID: product.ID,
			BranchID:  tx.BranchID,
			Change:    -line.Qty,
			Reason:    domain.MovementSale,
			Reference: tx.ID,
		}, now)
		if err != nil {
			return err
		}

		var position int
		if err := pgTx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(position), 0) + 1
			FROM transaction_lines
			WHERE transaction_id = $1
		`, tx.ID).Scan(&position); err != nil {
			return err
		}

		line.ID = xid.New("line")
		line.TransactionID = tx.ID
		line.MovementID = movement.ID
		if err := insertLine(ctx, pgTx, line, position); err != nil {
			return err
		}

		tx.Lines = append(tx.Lines, line)
		tx.Recalculate()
		tx.UpdatedAt = now
		if err := saveTransactionTotals(ctx, pgTx, tx); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) RemoveTransactionLine(ctx context.Context, transactionID string, lineID string) (*domain.Transaction, error) {
	var result *domain.Transaction
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, err := loadTransaction(ctx, pgTx, transactionID, true)
		if err != nil {
			return err
		}
		if err := tx.RequireEditable("remove line from"); err != nil {
			return err
		}
		idx, ok := tx.FindLine(lineID)
		if !ok {
			return domain.NotFound("transaction line", lineID)
		}
		if len(tx.Lines) == 1 {
			return domain.Invalid("line_id", "is the last line; delete the transaction instead")
		}

		line := tx.Lines[idx]
		tx.Lines = slices.Delete(tx.Lines, idx, idx+1)
		gross, _, _ := domain.ComputeTotals(tx.Lines)
		if err := domain.CheckPaymentsFit(tx.ID, gross, tx.TotalPaid(), decimal.Zero); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, _, err := reverseMovement(ctx, pgTx, line.MovementID, tx.ID, true, now); err != nil {
			return err
		}
		if _, err := pgTx.ExecContext(ctx, `DELETE FROM transaction_lines WHERE id = $1`, line.ID); err != nil {
			return err
		}

		tx.Recalculate()
		tx.UpdatedAt = now
		if err := saveTransactionTotals(ctx, pgTx, tx); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	var result *domain.Transaction
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, err := loadTransaction(ctx, pgTx, transactionID, true)
		if err != nil {
			return err
		}
		if err := tx.RequireEditable("delete"); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, line := range tx.Lines {
			if _, _, err := reverseMovement(ctx, pgTx, line.MovementID, tx.ID, true, now); err != nil {
				return err
			}
		}

		if tx.CustomerID != "" {
			var net int
			err := pgTx.QueryRowContext(ctx, `
				SELECT COALESCE(SUM(CASE WHEN type = $3 THEN -points ELSE points END), 0)
				FROM loyalty_transactions
				WHERE transaction_id = $1 AND customer_id = $2
			`, tx.ID, tx.CustomerID, domain.LoyaltyRedeemed).Scan(&net)
			if err != nil {
				return err
			}
			if net != 0 {
				entry := domain.NewLoyaltyEntry(tx.CustomerID, tx.ID, -net, "transaction deleted")
				if _, _, err := adjustLoyalty(ctx, pgTx, entry, now); err != nil {
					return err
				}
			}
		}

		if _, err := pgTx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, tx.ID); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AddPayments(ctx context.Context, transactionID string, payments []domain.Payment) (*domain.Transaction, []domain.Payment, error) {
	if len(payments) == 0 {
		return nil, nil, domain.Invalid("payments", "must not be empty")
	}

	var result *domain.Transaction
	var created []domain.Payment
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, err := loadTransaction(ctx, pgTx, transactionID, true)
		if err != nil {
			return err
		}

		incoming := decimal.Zero
		for _, p := range payments {
			incoming = incoming.Add(p.Amount)
		}
		if err := domain.CheckPaymentAllowed(tx, incoming); err != nil {
			return err
		}

		now := time.Now().UTC()
		created = make([]domain.Payment, 0, len(payments))
		for _, payment := range payments {
			if payment.ID == "" {
				payment.ID = xid.New("pay")
			}
			payment.TransactionID = tx.ID
			if payment.CreatedAt.IsZero() {
				payment.CreatedAt = now
			}
			if err := insertPayment(ctx, pgTx, payment); err != nil {
				return err
			}
			tx.Payments = append(tx.Payments, payment)
			created = append(created, payment)
		}

		tx.Recalculate()
		tx.UpdatedAt = now
		if err := saveTransactionTotals(ctx, pgTx, tx); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, created, nil
}

func (s *Store) UpdatePayment(ctx context.Context, transactionID string, paymentID string, req domain.PaymentUpdateRequest) (*domain.Transaction, *domain.Payment, error) {
	var result *domain.Transaction
	var updated domain.Payment
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, err := loadTransaction(ctx, pgTx, transactionID, true)
		if err != nil {
			return err
		}
		if err := tx.RequireEditable("update payment on"); err != nil {
			return err
		}
		idx, ok := tx.FindPayment(paymentID)
		if !ok {
			return domain.NotFound("payment", paymentID)
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
			return err
		}

		_, err = pgTx.ExecContext(ctx, `
			UPDATE payments
			SET method = $2, amount = $3, reference = $4
			WHERE id = $1
		`, payment.ID, payment.Method, payment.Amount, nullIfEmpty(payment.Reference))
		if err != nil {
			return err
		}

		tx.Payments[idx] = payment
		tx.Recalculate()
		tx.UpdatedAt = time.Now().UTC()
		if err := saveTransactionTotals(ctx, pgTx, tx); err != nil {
			return err
		}
		result = tx
		updated = payment
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, &updated, nil
}

func (s *Store) DeletePayment(ctx context.Context, transactionID string, paymentID string) (*domain.Transaction, error) {
	var result *domain.Transaction
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, err := loadTransaction(ctx, pgTx, transactionID, true)
		if err != nil {
			return err
		}
		if err := tx.RequireEditable("delete payment from"); err != nil {
			return err
		}
		idx, ok := tx.FindPayment(paymentID)
		if !ok {
			return domain.NotFound("payment", paymentID)
		}

		if _, err := pgTx.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, paymentID); err != nil {
			return err
		}
		tx.Payments = slices.Delete(tx.Payments, idx, idx+1)
		tx.Recalculate()
		tx.UpdatedAt = time.Now().UTC()
		if err := saveTransactionTotals(ctx, pgTx, tx); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Transaction, *domain.Return, error) {
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}

	var result *domain.Transaction
	var created domain.Return
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, err := loadTransaction(ctx, pgTx, ret.TransactionID, true)
		if err != nil {
			return err
		}
		if err := domain.CheckReturnAllowed(tx); err != nil {
			return err
		}
		if err := domain.CheckRefundable(tx.ID, tx.TotalGross, domain.SumReturns(tx.Returns), ret.ReturnAmount); err != nil {
			return err
		}

		created = ret
		if created.CreatedAt.IsZero() {
			created.CreatedAt = time.Now().UTC()
		}
		created.UpdatedAt = created.CreatedAt
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO returns (id, transaction_id, return_amount, reason, processed_by, notes, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		`, created.ID, created.TransactionID, created.ReturnAmount, created.Reason, nullIfEmpty(created.ProcessedBy), nullIfEmpty(created.Notes), created.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return &domain.ConflictError{Entity: "return", Key: created.ID}
			}
			return err
		}

		tx.Returns = append(tx.Returns, created)
		tx.Recalculate()
		tx.UpdatedAt = created.CreatedAt
		if err := saveTransactionTotals(ctx, pgTx, tx); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, &created, nil
}

func (s *Store) UpdateReturn(ctx context.Context, returnID string, req domain.ReturnUpdateRequest) (*domain.Transaction, *domain.Return, error) {
	var result *domain.Transaction
	var updated domain.Return
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, idx, err := loadTransactionForReturn(ctx, pgTx, returnID)
		if err != nil {
			return err
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
			return err
		}

		ret.UpdatedAt = time.Now().UTC()
		_, err = pgTx.ExecContext(ctx, `
			UPDATE returns
			SET return_amount = $2, reason = $3, notes = $4, updated_at = $5
			WHERE id = $1
		`, ret.ID, ret.ReturnAmount, ret.Reason, nullIfEmpty(ret.Notes), ret.UpdatedAt)
		if err != nil {
			return err
		}

		tx.Returns[idx] = ret
		tx.Recalculate()
		tx.UpdatedAt = ret.UpdatedAt
		if err := saveTransactionTotals(ctx, pgTx, tx); err != nil {
			return err
		}
		result = tx
		updated = ret
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, &updated, nil
}

func (s *Store) DeleteReturn(ctx context.Context, returnID string) (*domain.Transaction, error) {
	var result *domain.Transaction
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		tx, idx, err := loadTransactionForReturn(ctx, pgTx, returnID)
		if err != nil {
			return err
		}

		if _, err := pgTx.ExecContext(ctx, `DELETE FROM returns WHERE id = $1`, returnID); err != nil {
			return err
		}
		tx.Returns = slices.Delete(tx.Returns, idx, idx+1)
		tx.Recalculate()
		tx.UpdatedAt = time.Now().UTC()
		if err := saveTransactionTotals(ctx, pgTx, tx); err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindReturnByID(ctx context.Context, returnID string) (*domain.Return, error) {
	ret, err := scanReturn(s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, return_amount, reason, COALESCE(processed_by,''), COALESCE(notes,''), created_at, updated_at
		FROM returns
		WHERE id = $1
	`, returnID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("return", returnID)
		}
		return nil, err
	}
	return ret, nil
}

func (s *Store) AdjustLoyaltyPoints(ctx context.Context, entry domain.LoyaltyTransaction) (*domain.Customer, *domain.LoyaltyTransaction, error) {
	var customer domain.Customer
	var created domain.LoyaltyTransaction
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		var err error
		customer, created, err = adjustLoyalty(ctx, pgTx, entry, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &customer, &created, nil
}

func (s *Store) ListLoyaltyTransactions(ctx context.Context, customerID string, limit int) ([]domain.LoyaltyTransaction, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, COALESCE(transaction_id,''), points, type, reason, created_at
		FROM loyalty_transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, customerID, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LoyaltyTransaction, 0, 16)
	for rows.Next() {
		var entry domain.LoyaltyTransaction
		if err := rows.Scan(&entry.ID, &entry.CustomerID, &entry.TransactionID, &entry.Points, &entry.Type, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadTransaction reads the header and every child row. With lock set the header row is held
// FOR UPDATE, which serializes all writers of the transaction's payment and return sums.
func loadTransaction(ctx context.Context, q queryer, id string, lock bool) (*domain.Transaction, error) {
	query := `
		SELECT id, branch_id, COALESCE(cashier_id,''), COALESCE(customer_id,''), total_gross, total_tax, total_net,
			refunded_amount, status, loyalty_points_earned, loyalty_points_used, created_at, updated_at
		FROM transactions
		WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var tx domain.Transaction
	err := q.QueryRowContext(ctx, query, id).Scan(
		&tx.ID,
		&tx.BranchID,
		&tx.CashierID,
		&tx.CustomerID,
		&tx.TotalGross,
		&tx.TotalTax,
		&tx.TotalNet,
		&tx.RefundedAmount,
		&tx.Status,
		&tx.LoyaltyPointsEarned,
		&tx.LoyaltyPointsUsed,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("transaction", id)
		}
		return nil, err
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()

	lineRows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, unit_price, qty, discount, tax_amount, line_total, COALESCE(movement_id,'')
		FROM transaction_lines
		WHERE transaction_id = $1
		ORDER BY position ASC, id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	tx.Lines = make([]domain.TransactionLine, 0, 8)
	for lineRows.Next() {
		var line domain.TransactionLine
		if err := lineRows.Scan(&line.ID, &line.TransactionID, &line.ProductID, &line.UnitPrice, &line.Qty, &line.Discount, &line.TaxAmount, &line.LineTotal, &line.MovementID); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		tx.Lines = append(tx.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	paymentRows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, method, amount, COALESCE(reference,''), created_at
		FROM payments
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	tx.Payments = make([]domain.Payment, 0, 4)
	for paymentRows.Next() {
		var payment domain.Payment
		if err := paymentRows.Scan(&payment.ID, &payment.TransactionID, &payment.Method, &payment.Amount, &payment.Reference, &payment.CreatedAt); err != nil {
			_ = paymentRows.Close()
			return nil, err
		}
		payment.CreatedAt = payment.CreatedAt.UTC()
		tx.Payments = append(tx.Payments, payment)
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return nil, err
	}
	_ = paymentRows.Close()

	returnRows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, return_amount, reason, COALESCE(processed_by,''), COALESCE(notes,''), created_at, updated_at
		FROM returns
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	tx.Returns = make([]domain.Return, 0, 2)
	for returnRows.Next() {
		ret, err := scanReturn(returnRows)
		if err != nil {
			_ = returnRows.Close()
			return nil, err
		}
		tx.Returns = append(tx.Returns, *ret)
	}
	if err := returnRows.Err(); err != nil {
		_ = returnRows.Close()
		return nil, err
	}
	_ = returnRows.Close()

	return &tx, nil
}

func loadTransactionForReturn(ctx context.Context, pgTx *sql.Tx, returnID string) (*domain.Transaction, int, error) {
	var transactionID string
	err := pgTx.QueryRowContext(ctx, `SELECT transaction_id FROM returns WHERE id = $1`, returnID).Scan(&transactionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, -1, domain.NotFound("return", returnID)
		}
		return nil, -1, err
	}

	tx, err := loadTransaction(ctx, pgTx, transactionID, true)
	if err != nil {
		return nil, -1, err
	}
	idx, ok := tx.FindReturn(returnID)
	if !ok {
		return nil, -1, domain.NotFound("return", returnID)
	}
	return tx, idx, nil
}

func saveTransactionTotals(ctx context.Context, pgTx *sql.Tx, tx *domain.Transaction) error {
	_, err := pgTx.ExecContext(ctx, `
		UPDATE transactions
		SET total_gross = $2, total_tax = $3, total_net = $4, refunded_amount = $5, status = $6, updated_at = $7
		WHERE id = $1
	`, tx.ID, tx.TotalGross, tx.TotalTax, tx.TotalNet, tx.RefundedAmount, tx.Status, tx.UpdatedAt)
	return err
}

func insertLine(ctx context.Context, pgTx *sql.Tx, line domain.TransactionLine, position int) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO transaction_lines (
			id, transaction_id, position, product_id, unit_price, qty, discount, tax_amount, line_total, movement_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, line.ID, line.TransactionID, position, line.ProductID, line.UnitPrice, line.Qty, line.Discount, line.TaxAmount, line.LineTotal, nullIfEmpty(line.MovementID))
	return err
}

func insertPayment(ctx context.Context, pgTx *sql.Tx, payment domain.Payment) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO payments (id, transaction_id, method, amount, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, payment.ID, payment.TransactionID, payment.Method, payment.Amount, nullIfEmpty(payment.Reference), payment.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return &domain.ConflictError{Entity: "payment", Key: payment.ID}
	}
	return err
}

func lockProduct(ctx context.Context, pgTx *sql.Tx, productID string) (*domain.Product, error) {
	product, err := scanProduct(pgTx.QueryRowContext(ctx, `
		SELECT id, sku, name, price, tax_rate, stock, active, updated_at
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("product", productID)
		}
		return nil, err
	}
	return product, nil
}

// lockProducts locks in id order so concurrent sales touching the same products cannot deadlock.
func lockProducts(ctx context.Context, pgTx *sql.Tx, productIDs []string) (map[string]*domain.Product, error) {
	products := make(map[string]*domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return products, nil
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, sku, name, price, tax_rate, stock, active, updated_at
		FROM products
		WHERE id = ANY($1)
		ORDER BY id ASC
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// applyDelta writes one movement and the matching stock level. product must already be locked
// by the caller and is updated in place.
func applyDelta(ctx context.Context, pgTx *sql.Tx, product *domain.Product, movement domain.StockMovement, at time.Time) (domain.StockMovement, error) {
	next, err := domain.ApplyStockChange(*product, movement.Change)
	if err != nil {
		return domain.StockMovement{}, err
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = at
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE products
		SET stock = $2, updated_at = $3
		WHERE id = $1
	`, product.ID, next, at)
	if err != nil {
		return domain.StockMovement{}, err
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, product_id, branch_id, change, reason, reference, reverses_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, product.ID, movement.BranchID, movement.Change, movement.Reason, nullIfEmpty(movement.Reference), nullIfEmpty(movement.ReversesID), movement.CreatedAt)
	if err != nil {
		return domain.StockMovement{}, err
	}

	product.Stock = next
	product.UpdatedAt = at
	movement.ProductID = product.ID
	return movement, nil
}

func reverseMovement(ctx context.Context, pgTx *sql.Tx, movementID string, reference string, allowSale bool, at time.Time) (*domain.Product, domain.StockMovement, error) {
	original, err := scanMovement(pgTx.QueryRowContext(ctx, `
		SELECT id, product_id, branch_id, change, reason, COALESCE(reference,''),
			COALESCE(reverses_id,''), COALESCE(reversed_by,''), created_at
		FROM stock_movements
		WHERE id = $1
		FOR UPDATE
	`, movementID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.StockMovement{}, domain.NotFound("stock movement", movementID)
		}
		return nil, domain.StockMovement{}, err
	}
	if err := original.CheckReversible(allowSale); err != nil {
		return nil, domain.StockMovement{}, err
	}
	if reference == "" {
		reference = original.Reference
	}

	product, err := lockProduct(ctx, pgTx, original.ProductID)
	if err != nil {
		return nil, domain.StockMovement{}, err
	}
	compensation, err := applyDelta(ctx, pgTx, product, domain.StockMovement{
		BranchID:   original.BranchID,
		Change:     -original.Change,
		Reason:     domain.MovementReversal,
		Reference:  reference,
		ReversesID: original.ID,
	}, at)
	if err != nil {
		return nil, domain.StockMovement{}, err
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE stock_movements
		SET reversed_by = $2
		WHERE id = $1
	`, original.ID, compensation.ID); err != nil {
		return nil, domain.StockMovement{}, err
	}
	return product, compensation, nil
}

func lockCustomer(ctx context.Context, pgTx *sql.Tx, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := pgTx.QueryRowContext(ctx, `
		SELECT id, name, loyalty_points, created_at
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, customerID).Scan(&customer.ID, &customer.Name, &customer.LoyaltyPoints, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("customer", customerID)
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func adjustLoyalty(ctx context.Context, pgTx *sql.Tx, entry domain.LoyaltyTransaction, at time.Time) (domain.Customer, domain.LoyaltyTransaction, error) {
	customer, err := lockCustomer(ctx, pgTx, entry.CustomerID)
	if err != nil {
		return domain.Customer{}, domain.LoyaltyTransaction{}, err
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

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE customers SET loyalty_points = $2 WHERE id = $1
	`, customer.ID, customer.LoyaltyPoints); err != nil {
		return domain.Customer{}, domain.LoyaltyTransaction{}, err
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO loyalty_transactions (id, customer_id, transaction_id, points, type, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.CustomerID, nullIfEmpty(entry.TransactionID), entry.Points, entry.Type, entry.Reason, entry.CreatedAt); err != nil {
		return domain.Customer{}, domain.LoyaltyTransaction{}, err
	}
	return *customer, entry, nil
}

func scanMovement(row rowScanner) (*domain.StockMovement, error) {
	var m domain.StockMovement
	if err := row.Scan(&m.ID, &m.ProductID, &m.BranchID, &m.Change, &m.Reason, &m.Reference, &m.ReversesID, &m.ReversedBy, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func scanReturn(row rowScanner) (*domain.Return, error) {
	var r domain.Return
	if err := row.Scan(&r.ID, &r.TransactionID, &r.ReturnAmount, &r.Reason, &r.ProcessedBy, &r.Notes, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func lineProductIDs(lines []domain.LineRequest) []string {
	set := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			continue
		}
		set[line.ProductID] = struct{}{}
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
