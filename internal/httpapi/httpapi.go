package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
)

const (
	roleAdmin   = "admin"
	roleCashier = "cashier"

	managerPINHeader = "X-Manager-PIN"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", managerPINHeader},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Route("/products", func(r chi.Router) {
			r.Get("/", a.requireAuth(a.handleListProducts, roleCashier, roleAdmin))
			r.Post("/", a.requireAuth(a.handleCreateProduct, roleAdmin))
			r.Get("/{productID}", a.requireAuth(a.handleGetProduct, roleCashier, roleAdmin))
			r.Post("/{productID}/stock-adjustments", a.requireAuth(a.handleAdjustStock, roleAdmin))
			r.Get("/{productID}/stock-movements", a.requireAuth(a.handleListStockMovements, roleCashier, roleAdmin))
			r.Get("/{productID}/stock-check", a.requireAuth(a.handleStockCheck, roleCashier, roleAdmin))
		})
		r.Delete("/stock-movements/{movementID}", a.requireAuth(a.handleReverseStockMovement, roleAdmin))

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.handleCreateTransaction, roleCashier, roleAdmin))
			r.Route("/{transactionID}", func(r chi.Router) {
				r.Get("/", a.requireAuth(a.handleGetTransaction, roleCashier, roleAdmin))
				r.Delete("/", a.requireAuth(a.handleDeleteTransaction, roleCashier, roleAdmin))
				r.Post("/lines", a.requireAuth(a.handleAddLine, roleCashier, roleAdmin))
				r.Delete("/lines/{lineID}", a.requireAuth(a.handleRemoveLine, roleCashier, roleAdmin))
				r.Post("/payments", a.requireAuth(a.handleAddPayment, roleCashier, roleAdmin))
				r.Post("/payments/batch", a.requireAuth(a.handleAddPayments, roleCashier, roleAdmin))
				r.Patch("/payments/{paymentID}", a.requireAuth(a.handleUpdatePayment, roleCashier, roleAdmin))
				r.Delete("/payments/{paymentID}", a.requireAuth(a.handleDeletePayment, roleCashier, roleAdmin))
				r.Post("/returns", a.requireAuth(a.handleCreateReturn, roleCashier, roleAdmin))
				r.Get("/returns", a.requireAuth(a.handleListReturns, roleCashier, roleAdmin))
			})
		})
		r.Get("/returns/{returnID}", a.requireAuth(a.handleGetReturn, roleCashier, roleAdmin))
		r.Patch("/returns/{returnID}", a.requireAuth(a.handleUpdateReturn, roleAdmin))
		r.Delete("/returns/{returnID}", a.requireAuth(a.handleDeleteReturn, roleAdmin))

		r.Route("/customers", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.handleCreateCustomer, roleCashier, roleAdmin))
			r.Get("/{customerID}", a.requireAuth(a.handleGetCustomer, roleCashier, roleAdmin))
			r.Post("/{customerID}/loyalty-adjustments", a.requireAuth(a.handleAdjustLoyalty, roleCashier, roleAdmin))
			r.Get("/{customerID}/loyalty-transactions", a.requireAuth(a.handleListLoyaltyTransactions, roleCashier, roleAdmin))
		})

		r.Post("/branches", a.requireAuth(a.handleCreateBranch, roleAdmin))
		r.Get("/audit-logs", a.requireAuth(a.handleAuditLogs, roleAdmin))
		r.Get("/users/cashiers", a.requireAuth(a.handleListCashiers, roleAdmin))
		r.Post("/users/cashiers", a.requireAuth(a.handleCreateCashier, roleAdmin))
	})

	return r
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// requireManagerPIN checks the X-Manager-PIN header. It writes the error response itself and
// reports whether the handler may continue.
func (a *API) requireManagerPIN(w http.ResponseWriter, r *http.Request, action string) bool {
	if !a.pinLimiter.Allow("pin:" + action + ":" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(r.Header.Get(managerPINHeader)) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	cashiers, err := a.auth.ListCashiers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": cashiers})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[http] %s %s %s req=%s", r.Method, r.URL.Path, time.Since(startedAt), middleware.GetReqID(r.Context()))
	})
}

// statusFor maps the ledger error taxonomy onto HTTP. Overpayment is checked before invalid
// state because a payment against a settled sale carries both.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOverpayment),
		errors.Is(err, domain.ErrExceedsRefundable),
		errors.Is(err, domain.ErrInsufficientLoyaltyPoints):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// parseTimeParam accepts RFC3339 timestamps or plain dates. An empty value yields the zero time.
func parseTimeParam(field string, raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return ts.UTC(), nil
	}
	if day, err := time.Parse(time.DateOnly, trimmed); err == nil {
		return day.UTC(), nil
	}
	return time.Time{}, domain.Invalid(field, "must be an RFC3339 timestamp or YYYY-MM-DD date")
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is only logged.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		writeJSON(w, status, map[string]any{"error": "internal server error"})
		return
	}

	payload := map[string]any{"error": msg}
	if details := domain.ErrorDetails(err); details != nil {
		payload["details"] = details
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
