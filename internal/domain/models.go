package domain

import (
	"encoding/json"
	"time"
)

const (
	RoleAdmin      = "admin"
	RolePharmacist = "pharmacist"
	RoleCashier    = "cashier"
)

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type Item struct {
	ID                   string    `json:"id" db:"id"`
	Name                 string    `json:"name" db:"name"`
	RequiresPrescription bool      `json:"requires_prescription" db:"requires_prescription"`
	PriceCents           int64     `json:"price_cents" db:"price_cents"`
	Active               bool      `json:"active" db:"active"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

type ItemCreateRequest struct {
	ID                   string `json:"id" validate:"required,max=64"`
	Name                 string `json:"name" validate:"required,max=200"`
	RequiresPrescription bool   `json:"requires_prescription"`
	PriceCents           int64  `json:"price_cents" validate:"gte=0,max=1000000000000"`
}

// Lot is a quantity of one item received together under one lot number.
// QuantityOnHand is a cache of the sum of the lot's movement deltas.
type Lot struct {
	ID             string    `json:"id" db:"id"`
	ItemID         string    `json:"item_id" db:"item_id"`
	LotNumber      string    `json:"lot_number" db:"lot_number"`
	ExpiryDate     time.Time `json:"expiry_date" db:"expiry_date"`
	QuantityOnHand int       `json:"quantity_on_hand" db:"quantity_on_hand"`
	UnitCostCents  int64     `json:"unit_cost_cents" db:"unit_cost_cents"`
	SupplierID     string    `json:"supplier_id,omitempty" db:"supplier_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	ReceivedAt     time.Time `json:"received_at" db:"received_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// LotReceipt is the input for creating or topping up a lot.
type LotReceipt struct {
	ItemID        string
	LotNumber     string
	ExpiryDate    time.Time
	Quantity      int
	UnitCostCents int64
	SupplierID    string
	ReceivedAt    time.Time
}

type LotListResponse struct {
	Lots []Lot `json:"lots"`
}

type LotAdjustRequest struct {
	Delta  int    `json:"delta" validate:"ne=0"`
	Type   string `json:"type" validate:"required,oneof=ADJUSTMENT EXPIRY"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type LotReconciliation struct {
	LotID          string `json:"lot_id"`
	QuantityOnHand int    `json:"quantity_on_hand"`
	JournalSum     int    `json:"journal_sum"`
	Balanced       bool   `json:"balanced"`
}

type MovementType string

const (
	MovementReceipt    MovementType = "RECEIPT"
	MovementSale       MovementType = "SALE"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementExpiry     MovementType = "EXPIRY"
	MovementReturn     MovementType = "RETURN"
	MovementTransfer   MovementType = "TRANSFER"
)

type MovementEntry struct {
	ID        string       `json:"id" db:"id"`
	Type      MovementType `json:"type" db:"type"`
	ItemID    string       `json:"item_id" db:"item_id"`
	LotID     string       `json:"lot_id" db:"lot_id"`
	Delta     int          `json:"delta" db:"delta"`
	CauseID   string       `json:"cause_id" db:"cause_id"`
	ActorID   string       `json:"actor_id" db:"actor_id"`
	Note      string       `json:"note,omitempty" db:"note"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

type AllocationStep struct {
	LotID      string    `json:"lot_id"`
	LotNumber  string    `json:"lot_number"`
	Quantity   int       `json:"quantity"`
	ExpiryDate time.Time `json:"expiry_date"`
}

type AllocationPlan struct {
	ItemID    string           `json:"item_id"`
	Requested int              `json:"requested"`
	Steps     []AllocationStep `json:"steps"`
}

type AllocationPreviewRequest struct {
	ItemID   string `json:"item_id" validate:"required"`
	Quantity int    `json:"quantity" validate:"gte=1"`
}

const (
	PurchaseOrderDraft    = "DRAFT"
	PurchaseOrderOrdered  = "ORDERED"
	PurchaseOrderReceived = "RECEIVED"
	PurchaseOrderClosed   = "CLOSED"
)

type PurchaseOrderLine struct {
	LineNo        int        `json:"line_no"`
	ItemID        string     `json:"item_id"`
	OrderedQty    int        `json:"ordered_qty"`
	ReceivedQty   *int       `json:"received_qty,omitempty"`
	UnitCostCents int64      `json:"unit_cost_cents"`
	LotNumber     string     `json:"lot_number,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
}

type PurchaseOrder struct {
	ID         string              `json:"id"`
	SupplierID string              `json:"supplier_id"`
	Status     string              `json:"status"`
	Notes      string              `json:"notes,omitempty"`
	CreatedBy  string              `json:"created_by"`
	CreatedAt  time.Time           `json:"created_at"`
	ReceivedBy string              `json:"received_by,omitempty"`
	ReceivedAt *time.Time          `json:"received_at,omitempty"`
	ClosedAt   *time.Time          `json:"closed_at,omitempty"`
	Lines      []PurchaseOrderLine `json:"lines"`
}

type PurchaseOrderLineInput struct {
	ItemID        string `json:"item_id" validate:"required"`
	OrderedQty    int    `json:"ordered_qty" validate:"gte=1"`
	UnitCostCents int64  `json:"unit_cost_cents" validate:"gte=0"`
}

type PurchaseOrderCreateRequest struct {
	SupplierID string                   `json:"supplier_id" validate:"required"`
	Notes      string                   `json:"notes" validate:"max=500"`
	Submit     bool                     `json:"submit"`
	Lines      []PurchaseOrderLineInput `json:"lines" validate:"required,min=1,dive"`
}

type ReceivingLineInput struct {
	LineNo      int    `json:"line_no" validate:"gte=1"`
	ReceivedQty int    `json:"received_qty" validate:"gte=0"`
	LotNumber   string `json:"lot_number" validate:"required,max=64"`
	// ExpiryDate is YYYY-MM-DD.
	ExpiryDate string `json:"expiry_date" validate:"required,datetime=2006-01-02"`
}

type ReceivingDataRequest struct {
	Lines []ReceivingLineInput `json:"lines" validate:"required,min=1,dive"`
}

type PurchaseOrderResponse struct {
	PurchaseOrder PurchaseOrder `json:"purchase_order"`
}

type PurchaseOrderListResponse struct {
	PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
}

const (
	SaleStatusPaid = "PAID"
	SaleStatusVoid = "VOID"
)

type SaleLine struct {
	ID             string `json:"id" db:"id"`
	SaleID         string `json:"sale_id" db:"sale_id"`
	LineNo         int    `json:"line_no" db:"line_no"`
	ItemID         string `json:"item_id" db:"item_id"`
	LotID          string `json:"lot_id" db:"lot_id"`
	Quantity       int    `json:"quantity" db:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents" db:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents" db:"line_total_cents"`
}

type Sale struct {
	ID             string     `json:"id"`
	InvoiceNumber  string     `json:"invoice_number"`
	IdempotencyKey string     `json:"idempotency_key"`
	CashierID      string     `json:"cashier_id"`
	PrescriptionID string     `json:"prescription_id,omitempty"`
	SubtotalCents  int64      `json:"subtotal_cents"`
	DiscountCents  int64      `json:"discount_cents"`
	TaxCents       int64      `json:"tax_cents"`
	TotalCents     int64      `json:"total_cents"`
	PaymentMethod  string     `json:"payment_method"`
	Status         string     `json:"status"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	VoidedAt       *time.Time `json:"voided_at,omitempty"`
	VoidedBy       string     `json:"voided_by,omitempty"`
	VoidReason     string     `json:"void_reason,omitempty"`
	Lines          []SaleLine `json:"lines"`
}

// Money amounts on a sale are capped at 10^12 cents each and quantities at
// 100000 per line; totals are additionally computed with overflow checks.
type SaleLineInput struct {
	ItemID         string `json:"item_id" validate:"required"`
	Quantity       int    `json:"quantity" validate:"gte=1,max=100000"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"gte=0,max=1000000000000"`
}

type CreateSaleRequest struct {
	// IdempotencyKey makes a resubmitted sale return the sale already
	// committed under the same key. A key is generated when empty.
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
	Lines          []SaleLineInput `json:"lines" validate:"required,min=1,max=100,dive"`
	PaymentMethod  string          `json:"payment_method" validate:"required,oneof=CASH CARD QRIS TRANSFER INSURANCE"`
	DiscountCents  int64           `json:"discount_cents" validate:"gte=0,max=1000000000000"`
	TaxCents       int64           `json:"tax_cents" validate:"gte=0,max=1000000000000"`
	PrescriptionID string          `json:"prescription_id" validate:"max=64"`
	Notes          string          `json:"notes" validate:"max=500"`
}

type VoidSaleRequest struct {
	Reason     string `json:"reason" validate:"required,max=500"`
	ManagerPIN string `json:"manager_pin"`
}

type SaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

const (
	PrescriptionPending   = "PENDING"
	PrescriptionApproved  = "APPROVED"
	PrescriptionDispensed = "DISPENSED"
	PrescriptionRejected  = "REJECTED"
)

type Prescription struct {
	ID          string     `json:"id" db:"id"`
	PatientName string     `json:"patient_name" db:"patient_name"`
	Prescriber  string     `json:"prescriber" db:"prescriber"`
	Status      string     `json:"status" db:"status"`
	SaleID      *string    `json:"sale_id,omitempty" db:"sale_id"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ReviewedBy  *string    `json:"reviewed_by,omitempty" db:"reviewed_by"`
	DispensedAt *time.Time `json:"dispensed_at,omitempty" db:"dispensed_at"`
}

type PrescriptionCreateRequest struct {
	PatientName string `json:"patient_name" validate:"required,max=200"`
	Prescriber  string `json:"prescriber" validate:"required,max=200"`
}

type AuditRecord struct {
	ID        string          `json:"id"`
	Entity    string          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Action    string          `json:"action"`
	ActorID   string          `json:"actor_id"`
	ActorRole string          `json:"actor_role"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
