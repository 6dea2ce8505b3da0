package httpapi

import (
	"context"
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

	"apotek/backend/internal/domain"
	"apotek/backend/internal/service"
	"apotek/backend/internal/store"
)

var (
	allRoles   = []string{domain.RoleCashier, domain.RolePharmacist, domain.RoleAdmin}
	clinical   = []string{domain.RolePharmacist, domain.RoleAdmin}
	adminsOnly = []string{domain.RoleAdmin}
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
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
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(a.requireAuth(allRoles...)).Get("/items", a.handleListItems)
		r.With(a.requireAuth(adminsOnly...)).Post("/items", a.handleCreateItem)

		r.With(a.requireAuth(allRoles...)).Get("/lots", a.handleListLots)
		r.With(a.requireAuth(clinical...)).Get("/lots/expiring", a.handleExpiringLots)
		r.With(a.requireAuth(allRoles...)).Get("/lots/{id}", a.handleGetLot)
		r.With(a.requireAuth(adminsOnly...)).Get("/lots/{id}/reconcile", a.handleReconcileLot)
		r.With(a.requireAuth(adminsOnly...)).Post("/lots/{id}/adjust", a.handleAdjustLot)
		r.With(a.requireAuth(adminsOnly...)).Get("/movements", a.handleListMovements)

		r.With(a.requireAuth(allRoles...)).Post("/allocations/preview", a.handlePreviewAllocation)

		r.With(a.requireAuth(allRoles...)).Post("/sales", a.handleCreateSale)
		r.With(a.requireAuth(allRoles...)).Get("/sales/idempotency/{key}", a.handleLookupSaleByIdempotency)
		r.With(a.requireAuth(allRoles...)).Get("/sales/{id}", a.handleGetSale)
		r.With(a.requireAuth(adminsOnly...)).Post("/sales/{id}/void", a.handleVoidSale)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(adminsOnly...))
			r.Get("/purchase-orders", a.handleListPurchaseOrders)
			r.Post("/purchase-orders", a.handleCreatePurchaseOrder)
			r.Get("/purchase-orders/{id}", a.handleGetPurchaseOrder)
			r.Put("/purchase-orders/{id}/receiving", a.handleSetReceivingData)
			r.Post("/purchase-orders/{id}/order", a.handleMarkOrdered)
			r.Post("/purchase-orders/{id}/receive", a.handleReceivePurchaseOrder)
			r.Post("/purchase-orders/{id}/close", a.handleClosePurchaseOrder)
			r.Get("/audit-records", a.handleListAuditRecords)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(clinical...))
			r.Post("/prescriptions", a.handleCreatePrescription)
			r.Get("/prescriptions/{id}", a.handleGetPrescription)
			r.Post("/prescriptions/{id}/approve", a.handleApprovePrescription)
			r.Post("/prescriptions/{id}/reject", a.handleRejectPrescription)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
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

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %s", middleware.GetReqID(r.Context()), r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// writeServiceError maps domain and store errors to HTTP statuses. Stock and
// receiving errors carry their structured detail in the body.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		stockErr      *domain.InsufficientStockError
		incompleteErr *domain.IncompleteReceivingDataError
		rxErr         *domain.PrescriptionRequiredError
		receivedErr   *domain.AlreadyReceivedError
	)
	switch {
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.As(err, &stockErr):
		writeErrorDetails(w, http.StatusConflict, err, map[string]any{
			"code":      "INSUFFICIENT_STOCK",
			"item_id":   stockErr.ItemID,
			"requested": stockErr.Requested,
			"available": stockErr.Available,
		})
	case errors.As(err, &incompleteErr):
		writeErrorDetails(w, http.StatusUnprocessableEntity, err, map[string]any{
			"code":    "INCOMPLETE_RECEIVING_DATA",
			"line_no": incompleteErr.LineNo,
			"item_id": incompleteErr.ItemID,
			"missing": incompleteErr.Missing,
		})
	case errors.As(err, &rxErr):
		writeErrorDetails(w, http.StatusUnprocessableEntity, err, map[string]any{
			"code":    "PRESCRIPTION_REQUIRED",
			"item_id": rxErr.ItemID,
		})
	case errors.As(err, &receivedErr):
		writeErrorDetails(w, http.StatusConflict, err, map[string]any{
			"code":   "ALREADY_RECEIVED",
			"status": receivedErr.Status,
		})
	case errors.Is(err, domain.ErrPrescriptionNotDispensable),
		errors.Is(err, domain.ErrNegativeStock),
		errors.Is(err, domain.ErrLotExpiryMismatch),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
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

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeErrorDetails(w, status, err, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, err error, details map[string]any) {
	// 5xx bodies stay generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	payload := map[string]any{"error": msg}
	for k, v := range details {
		payload[k] = v
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
