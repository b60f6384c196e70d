package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/xid"
)

type Store struct {
	db            *sql.DB
	retryAttempts int
}

func New(ctx context.Context, databaseURL string, retryAttempts int) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return &Store{db: db, retryAttempts: retryAttempts}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn as one serializable unit. Serialization failures and deadlocks re-run the whole
// unit; fn must therefore not keep state across attempts other than what it rebuilds.
func (s *Store) withTx(ctx context.Context, fn func(pgTx *sql.Tx) error) error {
	return retryUnit(ctx, s.retryAttempts, func() error { return s.runTx(ctx, fn) })
}

// retryUnit re-runs run while it fails with a retryable error. Once attempts are spent the driver
// error is logged and the caller gets a plain ConflictError, so nothing from postgres reaches a client.
func retryUnit(ctx context.Context, attempts int, run func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = run()
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		log.Printf("[postgres] retrying atomic unit after conflict attempt=%d/%d: %v", attempt, attempts, err)

		backoff := time.Duration(attempt*attempt) * 15 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	log.Printf("[postgres] WARN: atomic unit still conflicting after %d attempts: %v", attempts, err)
	return &domain.ConflictError{
		Entity:  "atomic unit",
		Key:     "retry_exhausted",
		Message: "concurrent update could not be applied, retry the request",
	}
}

func (s *Store) runTx(ctx context.Context, fn func(pgTx *sql.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(pgTx); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) CreateBranch(ctx context.Context, branch domain.Branch) (*domain.Branch, error) {
	if branch.ID == "" {
		branch.ID = xid.New("branch")
	}
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now().UTC()
	}
	branch.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, name, active, created_at)
		VALUES ($1,$2,$3,$4)
	`, branch.ID, branch.Name, branch.Active, branch.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &domain.ConflictError{Entity: "branch", Key: branch.ID}
		}
		return nil, err
	}
	return &branch, nil
}

func (s *Store) GetBranch(ctx context.Context, id string) (*domain.Branch, error) {
	var branch domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active, created_at
		FROM branches
		WHERE id = $1
	`, id).Scan(&branch.ID, &branch.Name, &branch.Active, &branch.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("branch", id)
		}
		return nil, err
	}
	branch.CreatedAt = branch.CreatedAt.UTC()
	return &branch, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initial *domain.StockMovement) (*domain.Product, error) {
	if product.ID == "" {
		product.ID = xid.New("prod")
	}

	var created domain.Product
	err := s.withTx(ctx, func(pgTx *sql.Tx) error {
		now := time.Now().UTC()
		created = product
		created.Stock = 0
		created.UpdatedAt = now

		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO products (id, sku, name, price, tax_rate, stock, active, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,0,$6,$7,$7)
		`, created.ID, created.SKU, created.Name, created.Price, created.TaxRate, created.Active, now)
		if err != nil {
			if isUniqueViolation(err) {
				return &domain.ConflictError{Entity: "product", Key: created.SKU}
			}
			return err
		}

		if initial == nil || initial.Change == 0 {
			return nil
		}
		if err := requireBranch(ctx, pgTx, initial.BranchID); err != nil {
			return err
		}
		movement := *initial
		movement.ProductID = created.ID
		_, err = applyDelta(ctx, pgTx, &created, movement, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, price, tax_rate, stock, active, updated_at
		FROM products
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("product", id)
		}
		return nil, err
	}
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, price, tax_rate, stock, active, updated_at
		FROM products
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.LoyaltyPoints = 0

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, loyalty_points, created_at)
		VALUES ($1,$2,0,$3)
	`, customer.ID, customer.Name, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &domain.ConflictError{Entity: "customer", Key: customer.ID}
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, loyalty_points, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&customer.ID, &customer.Name, &customer.LoyaltyPoints, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("customer", id)
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR branch_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, nullLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 32)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.Invalid("username", "and password are required")
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,now())
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Entity: "user", Key: user.Username}
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("user", username)
		}
		return nil, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.TaxRate, &p.Stock, &p.Active, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func requireBranch(ctx context.Context, pgTx *sql.Tx, branchID string) error {
	var exists bool
	err := pgTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM branches WHERE id = $1)`, branchID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return domain.NotFound("branch", branchID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isRetryable matches serialization failures and detected deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullLimit(limit int) any {
	if limit < 1 {
		return nil
	}
	return limit
}
