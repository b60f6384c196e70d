package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxStatus string

const (
	TxStatusPending           TxStatus = "PENDING"
	TxStatusCompleted         TxStatus = "COMPLETED"
	TxStatusPartiallyRefunded TxStatus = "PARTIALLY_REFUNDED"
	TxStatusRefunded          TxStatus = "REFUNDED"
)

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentCard   PaymentMethod = "CARD"
	PaymentMobile PaymentMethod = "MOBILE"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentMobile:
		return true
	default:
		return false
	}
}

type MovementReason string

const (
	MovementInitialStock     MovementReason = "initial_stock"
	MovementSale             MovementReason = "sale"
	MovementReturn           MovementReason = "return"
	MovementPurchase         MovementReason = "purchase"
	MovementSpoilage         MovementReason = "spoilage"
	MovementManualAdjustment MovementReason = "manual_adjustment"
	MovementReversal         MovementReason = "reversal"
)

func (r MovementReason) Valid() bool {
	switch r {
	case MovementInitialStock, MovementSale, MovementReturn, MovementPurchase,
		MovementSpoilage, MovementManualAdjustment, MovementReversal:
		return true
	default:
		return false
	}
}

// Adjustable reports whether callers outside the transaction builder may record this reason.
func (r MovementReason) Adjustable() bool {
	return r.Valid() && r != MovementSale && r != MovementReversal
}

type ReturnReason string

const (
	ReturnDefective           ReturnReason = "defective"
	ReturnDamaged             ReturnReason = "damaged"
	ReturnWrongItem           ReturnReason = "wrong_item"
	ReturnNotAsDescribed      ReturnReason = "not_as_described"
	ReturnCustomerChangedMind ReturnReason = "customer_changed_mind"
	ReturnExpired             ReturnReason = "expired"
	ReturnQualityIssue        ReturnReason = "quality_issue"
	ReturnOther               ReturnReason = "other"
)

func (r ReturnReason) Valid() bool {
	switch r {
	case ReturnDefective, ReturnDamaged, ReturnWrongItem, ReturnNotAsDescribed,
		ReturnCustomerChangedMind, ReturnExpired, ReturnQualityIssue, ReturnOther:
		return true
	default:
		return false
	}
}

type LoyaltyType string

const (
	LoyaltyEarned   LoyaltyType = "EARNED"
	LoyaltyRedeemed LoyaltyType = "REDEEMED"
)

type Branch struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Product struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	Stock     int             `json:"stock"`
	Active    bool            `json:"active"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Customer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	LoyaltyPoints int       `json:"loyalty_points"`
	CreatedAt     time.Time `json:"created_at"`
}

type Transaction struct {
	ID                  string            `json:"id"`
	BranchID            string            `json:"branch_id"`
	CashierID           string            `json:"cashier_id,omitempty"`
	CustomerID          string            `json:"customer_id,omitempty"`
	Lines               []TransactionLine `json:"lines"`
	Payments            []Payment         `json:"payments"`
	Returns             []Return          `json:"returns"`
	TotalGross          decimal.Decimal   `json:"total_gross"`
	TotalTax            decimal.Decimal   `json:"total_tax"`
	TotalNet            decimal.Decimal   `json:"total_net"`
	RefundedAmount      decimal.Decimal   `json:"refunded_amount"`
	Status              TxStatus          `json:"status"`
	LoyaltyPointsEarned int               `json:"loyalty_points_earned"`
	LoyaltyPointsUsed   int               `json:"loyalty_points_used"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

type TransactionLine struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Qty           int             `json:"qty"`
	Discount      decimal.Decimal `json:"discount"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	LineTotal     decimal.Decimal `json:"line_total"`
	MovementID    string          `json:"movement_id,omitempty"`
}

type Payment struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Method        PaymentMethod   `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type StockMovement struct {
	ID         string         `json:"id"`
	ProductID  string         `json:"product_id"`
	BranchID   string         `json:"branch_id"`
	Change     int            `json:"change"`
	Reason     MovementReason `json:"reason"`
	Reference  string         `json:"reference,omitempty"`
	ReversesID string         `json:"reverses_id,omitempty"`
	ReversedBy string         `json:"reversed_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Return struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ReturnAmount  decimal.Decimal `json:"return_amount"`
	Reason        ReturnReason    `json:"reason"`
	ProcessedBy   string          `json:"processed_by,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type LoyaltyTransaction struct {
	ID            string      `json:"id"`
	CustomerID    string      `json:"customer_id"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Points        int         `json:"points"`
	Type          LoyaltyType `json:"type"`
	Reason        string      `json:"reason"`
	CreatedAt     time.Time   `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
