package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"apotek/backend/internal/domain"
	"apotek/backend/internal/store"
)

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.ListItems(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.ItemCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	item, err := a.service.CreateItem(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (a *API) handleListLots(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	includeEmpty := false
	if raw := strings.TrimSpace(query.Get("include_empty")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("include_empty: %w", err))
			return
		}
		includeEmpty = parsed
	}

	resp, err := a.service.ListLots(r.Context(), query.Get("item_id"), includeEmpty, parsePositiveLimit(query.Get("limit"), 200, 1000))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleExpiringLots(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	before := time.Now().UTC().AddDate(0, 0, 90)
	if raw := strings.TrimSpace(query.Get("before")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("before must be YYYY-MM-DD"))
			return
		}
		before = parsed
	}

	resp, err := a.service.ExpiringLots(r.Context(), before, parsePositiveLimit(query.Get("limit"), 100, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := a.service.GetLot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lot": lot})
}

func (a *API) handleReconcileLot(w http.ResponseWriter, r *http.Request) {
	rec, err := a.service.ReconcileLot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) handleAdjustLot(w http.ResponseWriter, r *http.Request) {
	var req domain.LotAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lot, err := a.service.AdjustLot(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lot": lot})
}

func (a *API) handleListMovements(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	movements, err := a.service.ListMovements(r.Context(), store.MovementFilter{
		ItemID:  query.Get("item_id"),
		LotID:   query.Get("lot_id"),
		CauseID: query.Get("cause_id"),
		Limit:   parsePositiveLimit(query.Get("limit"), 100, 1000),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handlePreviewAllocation(w http.ResponseWriter, r *http.Request) {
	var req domain.AllocationPreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	plan, err := a.service.PreviewAllocation(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	resp, err := a.service.Checkout(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleLookupSaleByIdempotency(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.LookupSaleByIdempotencyKey(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SaleResponse{Sale: sale})
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SaleResponse{Sale: sale})
}

func (a *API) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.pinLimiter.Allow("pin:void:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return
	}
	if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return
	}

	sale, err := a.service.VoidSale(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SaleResponse{Sale: sale})
}

func (a *API) handleListPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	orders, err := a.service.ListPurchaseOrders(r.Context(), query.Get("status"), parsePositiveLimit(query.Get("limit"), 50, 200))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.PurchaseOrderListResponse{PurchaseOrders: orders})
}

func (a *API) handleCreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseOrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	po, err := a.service.CreatePurchaseOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.PurchaseOrderResponse{PurchaseOrder: po})
}

func (a *API) handleGetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := a.service.GetPurchaseOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.PurchaseOrderResponse{PurchaseOrder: po})
}

func (a *API) handleSetReceivingData(w http.ResponseWriter, r *http.Request) {
	var req domain.ReceivingDataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	po, err := a.service.SetReceivingData(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.PurchaseOrderResponse{PurchaseOrder: po})
}

func (a *API) handleMarkOrdered(w http.ResponseWriter, r *http.Request) {
	po, err := a.service.MarkPurchaseOrderOrdered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.PurchaseOrderResponse{PurchaseOrder: po})
}

func (a *API) handleReceivePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := a.service.ReceivePurchaseOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.PurchaseOrderResponse{PurchaseOrder: po})
}

func (a *API) handleClosePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	po, err := a.service.ClosePurchaseOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.PurchaseOrderResponse{PurchaseOrder: po})
}

func (a *API) handleCreatePrescription(w http.ResponseWriter, r *http.Request) {
	var req domain.PrescriptionCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rx, err := a.service.CreatePrescription(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"prescription": rx})
}

func (a *API) handleGetPrescription(w http.ResponseWriter, r *http.Request) {
	rx, err := a.service.GetPrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prescription": rx})
}

func (a *API) handleApprovePrescription(w http.ResponseWriter, r *http.Request) {
	rx, err := a.service.ApprovePrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prescription": rx})
}

func (a *API) handleRejectPrescription(w http.ResponseWriter, r *http.Request) {
	rx, err := a.service.RejectPrescription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prescription": rx})
}

func (a *API) handleListAuditRecords(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	records, err := a.service.ListAuditRecords(r.Context(), store.AuditFilter{
		Entity:   query.Get("entity"),
		EntityID: query.Get("entity_id"),
		Limit:    parsePositiveLimit(query.Get("limit"), 100, 500),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_records": records})
}
