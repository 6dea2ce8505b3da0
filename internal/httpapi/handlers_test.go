package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"apotek/backend/internal/cache"
	"apotek/backend/internal/catalog"
	"apotek/backend/internal/domain"
	"apotek/backend/internal/service"
	"apotek/backend/internal/store/memory"
)

const (
	testSecret = "test-secret-key-with-at-least-32-chars"
	testPIN    = "482913"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	items := catalog.New(repo, cache.NoopItemCache{}, time.Minute)
	svc := service.New(repo, items, service.Options{SaleRetryLimit: 3, InvoicePrefix: "INV"})
	auth := NewAuthManager(testSecret, time.Hour, testPIN)

	return New(svc, auth, "*")
}

func tokenFor(t *testing.T, api *API, username string, role string) string {
	t.Helper()
	token, _, err := api.auth.IssueToken(domain.Actor{Username: username, Role: role})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
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
		t.Fatalf("decode body: %v", err)
	}
}

// stockViaPurchaseOrder runs create, receiving data and receive over HTTP.
func stockViaPurchaseOrder(t *testing.T, handler http.Handler, adminToken string, itemID string, lotNumber string, qty int) domain.PurchaseOrder {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/purchase-orders", adminToken, domain.PurchaseOrderCreateRequest{
		SupplierID: "SUP-1",
		Submit:     true,
		Lines:      []domain.PurchaseOrderLineInput{{ItemID: itemID, OrderedQty: qty, UnitCostCents: 700}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create purchase order: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created domain.PurchaseOrderResponse
	decodeBody(t, rec, &created)
	poID := created.PurchaseOrder.ID

	expiry := time.Now().UTC().AddDate(1, 0, 0).Format(time.DateOnly)
	rec = doJSON(t, handler, http.MethodPut, "/api/v1/purchase-orders/"+poID+"/receiving", adminToken, domain.ReceivingDataRequest{
		Lines: []domain.ReceivingLineInput{{LineNo: 1, ReceivedQty: qty, LotNumber: lotNumber, ExpiryDate: expiry}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set receiving data: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/purchase-orders/"+poID+"/receive", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receive: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var received domain.PurchaseOrderResponse
	decodeBody(t, rec, &received)
	return received.PurchaseOrder
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestSaleFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)
	cashier := tokenFor(t, api, "kasir-1", domain.RoleCashier)

	po := stockViaPurchaseOrder(t, handler, admin, "PARACETAMOL-500", "PCT-01", 6)
	if po.Status != domain.PurchaseOrderReceived {
		t.Fatalf("expected RECEIVED, got %s", po.Status)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, domain.CreateSaleRequest{
		PaymentMethod: "CASH",
		Lines:         []domain.SaleLineInput{{ItemID: "PARACETAMOL-500", Quantity: 4}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created domain.SaleResponse
	decodeBody(t, rec, &created)
	if created.Sale.Status != domain.SaleStatusPaid || len(created.Sale.Lines) != 1 {
		t.Fatalf("unexpected sale: %+v", created.Sale)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, domain.CreateSaleRequest{
		PaymentMethod: "CASH",
		Lines:         []domain.SaleLineInput{{ItemID: "PARACETAMOL-500", Quantity: 5}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("oversell: expected 409, got %d (%s)", rec.Code, rec.Body.String())
	}
	var conflict map[string]any
	decodeBody(t, rec, &conflict)
	if conflict["code"] != "INSUFFICIENT_STOCK" || conflict["available"] != float64(2) || conflict["requested"] != float64(5) {
		t.Fatalf("unexpected conflict body: %v", conflict)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/lots?item_id=PARACETAMOL-500", cashier, nil)
	var lots domain.LotListResponse
	decodeBody(t, rec, &lots)
	if len(lots.Lots) != 1 || lots.Lots[0].QuantityOnHand != 2 {
		t.Fatalf("expected 2 units left, got %+v", lots.Lots)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/lots/"+lots.Lots[0].ID+"/reconcile", admin, nil)
	var reconciliation domain.LotReconciliation
	decodeBody(t, rec, &reconciliation)
	if !reconciliation.Balanced || reconciliation.JournalSum != 2 {
		t.Fatalf("unexpected reconciliation: %+v", reconciliation)
	}
}

func TestReceiveIncompleteNamesLine(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/purchase-orders", admin, domain.PurchaseOrderCreateRequest{
		SupplierID: "SUP-1",
		Lines:      []domain.PurchaseOrderLineInput{{ItemID: "ORALIT-200", OrderedQty: 10}},
	})
	var created domain.PurchaseOrderResponse
	decodeBody(t, rec, &created)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/purchase-orders/"+created.PurchaseOrder.ID+"/receive", admin, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["code"] != "INCOMPLETE_RECEIVING_DATA" || body["line_no"] != float64(1) || body["item_id"] != "ORALIT-200" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReceiveTwiceReturnsConflict(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)

	po := stockViaPurchaseOrder(t, handler, admin, "VITAMIN-C-500", "VC-9", 3)
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/purchase-orders/"+po.ID+"/receive", admin, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["code"] != "ALREADY_RECEIVED" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestPrescriptionRequiredOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)
	pharmacist := tokenFor(t, api, "apt-1", domain.RolePharmacist)
	stockViaPurchaseOrder(t, handler, admin, "AMOXICILLIN-500", "AMX-1", 20)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", pharmacist, domain.CreateSaleRequest{
		PaymentMethod: "CASH",
		Lines:         []domain.SaleLineInput{{ItemID: "AMOXICILLIN-500", Quantity: 10}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/prescriptions", pharmacist, domain.PrescriptionCreateRequest{PatientName: "Siti", Prescriber: "dr. Andi"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create prescription: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Prescription domain.Prescription `json:"prescription"`
	}
	decodeBody(t, rec, &created)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/prescriptions/"+created.Prescription.ID+"/approve", pharmacist, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", pharmacist, domain.CreateSaleRequest{
		PaymentMethod:  "CASH",
		PrescriptionID: created.Prescription.ID,
		Lines:          []domain.SaleLineInput{{ItemID: "AMOXICILLIN-500", Quantity: 10}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("dispense sale: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestVoidSaleRequiresManagerPIN(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)
	stockViaPurchaseOrder(t, handler, admin, "IBUPROFEN-400", "IB-1", 5)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, domain.CreateSaleRequest{
		PaymentMethod: "CARD",
		Lines:         []domain.SaleLineInput{{ItemID: "IBUPROFEN-400", Quantity: 2}},
	})
	var created domain.SaleResponse
	decodeBody(t, rec, &created)
	path := "/api/v1/sales/" + created.Sale.ID + "/void"

	rec = doJSON(t, handler, http.MethodPost, path, admin, domain.VoidSaleRequest{Reason: "salah item", ManagerPIN: "000000"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong pin: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, path, admin, domain.VoidSaleRequest{Reason: "salah item", ManagerPIN: testPIN})
	if rec.Code != http.StatusOK {
		t.Fatalf("void: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var voided domain.SaleResponse
	decodeBody(t, rec, &voided)
	if voided.Sale.Status != domain.SaleStatusVoid {
		t.Fatalf("expected VOID, got %s", voided.Sale.Status)
	}

	rec = doJSON(t, handler, http.MethodPost, path, admin, domain.VoidSaleRequest{Reason: "lagi", ManagerPIN: testPIN})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second void: expected 409, got %d", rec.Code)
	}
}

func TestCreateSaleRejectsUnknownFields(t *testing.T) {
	api := newTestAPI(t)
	cashier := tokenFor(t, api, "kasir-1", domain.RoleCashier)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/sales", cashier, map[string]any{
		"payment_method": "CASH",
		"lines":          []map[string]any{{"item_id": "PARACETAMOL-500", "quantity": 1}},
		"store_id":       "main",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetUnknownLotReturns404(t *testing.T) {
	api := newTestAPI(t)
	cashier := tokenFor(t, api, "kasir-1", domain.RoleCashier)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/lots/lot-missing", cashier, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPreviewAllocationOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)
	stockViaPurchaseOrder(t, handler, admin, "ORALIT-200", "OR-1", 4)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/allocations/preview", admin, domain.AllocationPreviewRequest{ItemID: "ORALIT-200", Quantity: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Plan domain.AllocationPlan `json:"plan"`
	}
	decodeBody(t, rec, &body)
	if len(body.Plan.Steps) != 1 || body.Plan.Steps[0].Quantity != 3 || body.Plan.Steps[0].LotNumber != "OR-1" {
		t.Fatalf("unexpected plan: %+v", body.Plan)
	}
}

func TestCreateSaleReplayReturnsSameSale(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)
	cashier := tokenFor(t, api, "kasir-1", domain.RoleCashier)
	stockViaPurchaseOrder(t, handler, admin, "PARACETAMOL-500", "PCT-7", 5)

	req := domain.CreateSaleRequest{
		IdempotencyKey: "till-2-000042",
		PaymentMethod:  "CASH",
		Lines:          []domain.SaleLineInput{{ItemID: "PARACETAMOL-500", Quantity: 3}},
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first sale: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var first domain.SaleResponse
	decodeBody(t, rec, &first)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var replay domain.SaleResponse
	decodeBody(t, rec, &replay)
	if !replay.Duplicate || replay.Sale.ID != first.Sale.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Sale.ID, replay)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/idempotency/till-2-000042", cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup: expected 200, got %d", rec.Code)
	}
	var found domain.SaleResponse
	decodeBody(t, rec, &found)
	if found.Sale.ID != first.Sale.ID {
		t.Fatalf("lookup returned %s, want %s", found.Sale.ID, first.Sale.ID)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/lots?item_id=PARACETAMOL-500", cashier, nil)
	var lots domain.LotListResponse
	decodeBody(t, rec, &lots)
	if len(lots.Lots) != 1 || lots.Lots[0].QuantityOnHand != 2 {
		t.Fatalf("expected one decrement leaving 2, got %+v", lots.Lots)
	}
}

func TestCreateSaleReadsIdempotencyHeader(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)
	stockViaPurchaseOrder(t, handler, admin, "ORALIT-200", "OR-5", 5)

	send := func() *httptest.ResponseRecorder {
		payload, _ := json.Marshal(domain.CreateSaleRequest{
			PaymentMethod: "CASH",
			Lines:         []domain.SaleLineInput{{ItemID: "ORALIT-200", Quantity: 1}},
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+admin)
		req.Header.Set("Idempotency-Key", "hdr-key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := send(); rec.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestCreateSaleRejectsOutOfRangeAmounts(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", domain.RoleAdmin)
	stockViaPurchaseOrder(t, handler, admin, "PARACETAMOL-500", "PCT-8", 10)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, domain.CreateSaleRequest{
		PaymentMethod: "CASH",
		Lines:         []domain.SaleLineInput{{ItemID: "PARACETAMOL-500", Quantity: 4, UnitPriceCents: 1<<62 + 1}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
}
