package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"apotek/backend/internal/domain"
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

func TestPreflightReturnsNoContent(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected allowed origin header, got %q", got)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/items", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/items", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", rec.Code)
	}
}

func TestRoleGuards(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	cashier := tokenFor(t, api, "kasir-1", domain.RoleCashier)
	pharmacist := tokenFor(t, api, "apt-1", domain.RolePharmacist)

	cases := []struct {
		method string
		path   string
		token  string
	}{
		{http.MethodGet, "/api/v1/purchase-orders", cashier},
		{http.MethodPost, "/api/v1/purchase-orders/po-1/receive", pharmacist},
		{http.MethodGet, "/api/v1/audit-records", pharmacist},
		{http.MethodGet, "/api/v1/lots/expiring", cashier},
		{http.MethodPost, "/api/v1/prescriptions", cashier},
		{http.MethodPost, "/api/v1/sales/sale-1/void", cashier},
		{http.MethodPost, "/api/v1/lots/lot-1/adjust", pharmacist},
	}
	for _, tc := range cases {
		rec := doJSON(t, handler, tc.method, tc.path, tc.token, map[string]any{})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)

	for i := 0; i < 9; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/sale-x/void", strings.NewReader(`{"reason":"x","manager_pin":"000000"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+admin)
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		handler.ServeHTTP(res, req)

		if i < 8 && res.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before limit, got %d", i+1, res.Code)
		}
		if i == 8 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 9 expected 429, got %d", res.Code)
		}
	}
}

func TestWrongMethodReturns405(t *testing.T) {
	api := newTestAPI(t)
	cashier := tokenFor(t, api, "kasir-1", domain.RoleCashier)

	rec := doJSON(t, api.Handler(), http.MethodDelete, "/api/v1/sales", cashier, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
