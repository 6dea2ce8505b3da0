package store

import (
	"context"
	"errors"
	"time"

	"apotek/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrConflict marks a transient concurrency failure. The whole
	// transaction may be retried.
	ErrConflict         = errors.New("concurrent update conflict")
	ErrDuplicateInvoice = errors.New("invoice number already used")
	// ErrDuplicateIdempotencyKey means another sale committed under the
	// same idempotency key first.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

type LotFilter struct {
	ItemID         string
	IncludeEmpty   bool
	ExpiringBefore *time.Time
	Limit          int
}

type MovementFilter struct {
	ItemID  string
	LotID   string
	CauseID string
	Limit   int
}

type AuditFilter struct {
	Entity   string
	EntityID string
	Limit    int
}

// Repository is the durable store. Reads outside WithTx see committed state.
// WithTx runs fn in one atomic transaction: it commits when fn returns nil
// and rolls back on error, panic or context cancellation.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	ListItems(ctx context.Context) ([]domain.Item, error)
	GetItems(ctx context.Context, ids []string) (map[string]domain.Item, error)

	GetLot(ctx context.Context, lotID string) (*domain.Lot, error)
	ListLots(ctx context.Context, filter LotFilter) ([]domain.Lot, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]domain.MovementEntry, error)
	SumMovements(ctx context.Context, lotID string) (int, error)

	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error)

	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)

	CreatePrescription(ctx context.Context, rx domain.Prescription) (*domain.Prescription, error)
	GetPrescription(ctx context.Context, prescriptionID string) (*domain.Prescription, error)
	ReviewPrescription(ctx context.Context, prescriptionID string, status string, reviewedBy string) (*domain.Prescription, error)

	CreateAuditRecord(ctx context.Context, record domain.AuditRecord) error
	ListAuditRecords(ctx context.Context, filter AuditFilter) ([]domain.AuditRecord, error)
}

// Tx is the set of operations available inside WithTx. Lot writes here do
// not touch the journal; internal/inventory pairs every lot write with its
// movement entry.
type Tx interface {
	// ListLotsForItem returns every lot of itemID with stock, including
	// expired ones. Eligibility is decided by the allocator.
	ListLotsForItem(ctx context.Context, itemID string) ([]domain.Lot, error)
	FindLot(ctx context.Context, itemID string, lotNumber string) (*domain.Lot, error)
	GetLot(ctx context.Context, lotID string) (*domain.Lot, error)
	InsertLot(ctx context.Context, lot domain.Lot) error
	// ApplyLotDelta changes a lot's quantity only if the result stays
	// non-negative; otherwise it returns *domain.NegativeStockError.
	ApplyLotDelta(ctx context.Context, lotID string, delta int, at time.Time) (*domain.Lot, error)
	SetLotCost(ctx context.Context, lotID string, unitCostCents int64, receivedAt time.Time) error
	AppendMovement(ctx context.Context, entry domain.MovementEntry) error

	LockPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)
	UpdatePurchaseOrderLines(ctx context.Context, purchaseOrderID string, lines []domain.PurchaseOrderLine) error
	// TransitionPurchaseOrder moves an order from one of the from statuses
	// to the target status and stamps the fields of po that belong to it.
	TransitionPurchaseOrder(ctx context.Context, po domain.PurchaseOrder, from ...string) error

	// InsertSale returns ErrDuplicateIdempotencyKey when the key is taken
	// and ErrDuplicateInvoice when only the invoice number is.
	InsertSale(ctx context.Context, sale domain.Sale) error
	LockSale(ctx context.Context, saleID string) (*domain.Sale, error)
	MarkSaleVoid(ctx context.Context, saleID string, voidedBy string, reason string, at time.Time) error

	DispensePrescription(ctx context.Context, prescriptionID string, saleID string, at time.Time) error
}
