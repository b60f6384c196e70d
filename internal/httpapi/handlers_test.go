package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, time.Minute, "main-branch")
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*")
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body domain.LoginResponse
	decodeBody(t, rec, &body)
	if body.AccessToken == "" || body.Role != "admin" {
		t.Fatalf("unexpected login response %+v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/products", "", nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, rec, &body)
	if len(body.Products) == 0 {
		t.Fatalf("expected seeded products in response")
	}
}

func TestCashierCannotCreateProduct(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/products", token, domain.ProductCreateRequest{
		SKU:   "jam-01",
		Name:  "Strawberry Jam",
		Price: decimal.RequireFromString("3.40"),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/transactions", token, domain.CreateTransactionRequest{
		Lines: []domain.LineRequest{{ProductID: "prod-coffee", Qty: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create transaction: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	decodeBody(t, rec, &created)
	tx := created.Transaction
	if tx.Status != domain.TxStatusPending {
		t.Fatalf("expected PENDING, got %s", tx.Status)
	}
	if !tx.TotalGross.Equal(decimal.RequireFromString("18.70")) {
		t.Fatalf("expected gross 18.70, got %s", tx.TotalGross)
	}

	base := "/api/v1/transactions/" + tx.ID
	rec = doJSON(t, handler, http.MethodPost, base+"/payments", token, domain.PaymentRequest{
		Method: domain.PaymentCard,
		Amount: decimal.RequireFromString("18.70"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add payment: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/payments", token, domain.PaymentRequest{
		Method: domain.PaymentCash,
		Amount: decimal.RequireFromString("1.00"),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("payment on settled sale: expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/returns", token, domain.ReturnRequest{
		ReturnAmount: decimal.RequireFromString("5.00"),
		Reason:       domain.ReturnDamaged,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create return: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/returns", token, domain.ReturnRequest{
		ReturnAmount: decimal.RequireFromString("14.00"),
		Reason:       domain.ReturnDamaged,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over-refund: expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	var refusal struct {
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	decodeBody(t, rec, &refusal)
	if refusal.Details == nil {
		t.Fatalf("expected details payload on refusal, got %+v", refusal)
	}

	rec = doJSON(t, handler, http.MethodGet, base+"/returns", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returns: expected 200, got %d", rec.Code)
	}
	var view domain.TransactionReturnsResponse
	decodeBody(t, rec, &view)
	if view.Transaction.Status != domain.TxStatusPartiallyRefunded {
		t.Fatalf("expected PARTIALLY_REFUNDED, got %s", view.Transaction.Status)
	}
	if !view.Summary.RemainingRefundable.Equal(decimal.RequireFromString("13.70")) {
		t.Fatalf("expected 13.70 refundable, got %s", view.Summary.RemainingRefundable)
	}
	if len(view.Returns) != 1 {
		t.Fatalf("expected 1 return, got %d", len(view.Returns))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/returns/"+view.Returns[0].ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get return: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var single struct {
		Return domain.Return `json:"return"`
	}
	decodeBody(t, rec, &single)
	if single.Return.TransactionID != tx.ID || !single.Return.ReturnAmount.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("unexpected return %+v", single.Return)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/returns/ret-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing return: expected 404, got %d", rec.Code)
	}
}

func TestInsufficientStockMapsToConflict(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/transactions", token, domain.CreateTransactionRequest{
		Lines: []domain.LineRequest{{ProductID: "prod-milk", Qty: 1000}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Details map[string]any `json:"details"`
	}
	decodeBody(t, rec, &body)
	if body.Details["product_id"] != "prod-milk" {
		t.Fatalf("expected product_id in details, got %v", body.Details)
	}
}

func TestUnknownEntitiesMapToNotFound(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	for _, path := range []string{
		"/api/v1/transactions/tx-missing",
		"/api/v1/products/prod-missing",
		"/api/v1/customers/cust-missing",
	} {
		rec := doJSON(t, api.Handler(), http.MethodGet, path, token, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestStockAdjustmentAndCheck(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products/prod-bread/stock-adjustments", token, domain.StockAdjustmentRequest{
		Delta:  -3,
		Reason: domain.MovementSpoilage,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("adjust stock: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/prod-bread/stock-check", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stock check: expected 200, got %d", rec.Code)
	}
	var check domain.StockCheck
	decodeBody(t, rec, &check)
	if !check.Consistent || check.Stock != 57 {
		t.Fatalf("unexpected stock check %+v", check)
	}
}

func TestCashierManagementIsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", admin, domain.CashierCreateRequest{
		Username: "kasir02",
		Password: "pass1234",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cashier: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users/cashiers", admin, nil)
	var body struct {
		Cashiers []domain.CashierUser `json:"cashiers"`
	}
	decodeBody(t, rec, &body)
	if len(body.Cashiers) != 2 {
		t.Fatalf("expected seeded cashier plus new one, got %d", len(body.Cashiers))
	}

	cashier := loginAs(t, api, "kasir02", "pass1234")
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users/cashiers", cashier, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}
}

func TestAuditLogsRecordActor(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/customers", token, domain.CustomerCreateRequest{Name: "Citra"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create customer: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs?limit=10", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit logs: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Logs []domain.AuditLog `json:"logs"`
	}
	decodeBody(t, rec, &body)
	found := false
	for _, entry := range body.Logs {
		if entry.Action == "customer_create" && entry.ActorUsername == "admin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected customer_create audit entry by admin, got %+v", body.Logs)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit-logs?from=yesterday", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed from, got %d", rec.Code)
	}
}
