package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"posledger/backend/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestCORSPreflightAllowsManagerPINHeader(t *testing.T) {
	api := newTestAPI(t)
	api.allowedOrigin = "http://127.0.0.1:3000"

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/returns/ret-1", nil)
	req.Header.Set("Origin", "http://127.0.0.1:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	req.Header.Set("Access-Control-Request-Headers", managerPINHeader)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:3000" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}
	if got := strings.ToLower(res.Header().Get("Access-Control-Allow-Headers")); !strings.Contains(got, strings.ToLower(managerPINHeader)) {
		t.Fatalf("expected manager pin header to be allowed, got %q", got)
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestUnknownJSONFieldsRejected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/customers", strings.NewReader(`{"name":"Dewi","vip":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "admin", "admin123")

	for i := 0; i < 9; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/returns/ret-nonexistent", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(managerPINHeader, "000000")
		req.RemoteAddr = "127.0.0.1:5001"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 8 && res.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before pin limit, got %d", i+1, res.Code)
		}
		if i == 8 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 9 expected 429, got %d", res.Code)
		}
	}
}

func TestReturnCorrectionsRequireManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/transactions", token, domain.CreateTransactionRequest{
		Lines:    []domain.LineRequest{{ProductID: "prod-tea", Qty: 1}},
		Payments: []domain.PaymentRequest{{Method: domain.PaymentCash, Amount: decimal.RequireFromString("3.41")}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create transaction: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	decodeBody(t, rec, &created)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/transactions/"+created.Transaction.ID+"/returns", token, domain.ReturnRequest{
		ReturnAmount: created.Transaction.TotalGross,
		Reason:       domain.ReturnExpired,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create return: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var ret domain.ReturnResponse
	decodeBody(t, rec, &ret)
	if ret.Transaction.Status != domain.TxStatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", ret.Transaction.Status)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/returns/"+ret.Return.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without manager pin, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/returns/"+ret.Return.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(managerPINHeader, "123456")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with manager pin, got %d (%s)", res.Code, res.Body.String())
	}
	var after struct {
		Transaction domain.Transaction `json:"transaction"`
	}
	decodeBody(t, res, &after)
	if after.Transaction.Status != domain.TxStatusCompleted {
		t.Fatalf("expected COMPLETED after deleting the only return, got %s", after.Transaction.Status)
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected capped limit 200, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 200); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}

func TestStatusForLedgerErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.Invalid("qty", "must be positive"), http.StatusBadRequest},
		{domain.NotFound("transaction", "tx-1"), http.StatusNotFound},
		{&domain.InvalidStateError{}, http.StatusConflict},
		{&domain.InsufficientStockError{ProductID: "p"}, http.StatusConflict},
		{&domain.OverpaymentError{}, http.StatusUnprocessableEntity},
		{&domain.OverpaymentError{Settled: true}, http.StatusUnprocessableEntity},
		{&domain.ExceedsRefundableError{}, http.StatusUnprocessableEntity},
		{&domain.InsufficientLoyaltyPointsError{}, http.StatusUnprocessableEntity},
		{&domain.ConflictError{Entity: "product", Key: "SKU"}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", domain.ErrConflict), http.StatusConflict},
		{errors.New("driver exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestInternalErrorsAreMasked(t *testing.T) {
	res := httptest.NewRecorder()
	writeServiceError(res, errors.New("pq: relation \"transactions\" does not exist"))

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "relation") {
		t.Fatalf("expected internal detail to be masked, got %s", res.Body.String())
	}
}

func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d", username, res.Code)
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func TestRetryExhaustedConflictCarriesNoDriverDetail(t *testing.T) {
	res := httptest.NewRecorder()
	writeServiceError(res, &domain.ConflictError{
		Entity:  "atomic unit",
		Key:     "retry_exhausted",
		Message: "concurrent update could not be applied, retry the request",
	})

	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "SQLSTATE") {
		t.Fatalf("expected no driver detail in body, got %s", res.Body.String())
	}
	if !strings.Contains(res.Body.String(), "retry the request") {
		t.Fatalf("expected retry hint in body, got %s", res.Body.String())
	}
}
