package memory

import (
	"context"
	"log"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"apotek/backend/internal/domain"
	"apotek/backend/internal/store"
	"apotek/backend/internal/xid"
)

// Store keeps all state in process. Writers are serialized by writeMu and
// work on a private copy of the state that replaces the committed one only
// when the transaction succeeds, so an aborted transaction leaves nothing
// behind.
type Store struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *state
}

var _ store.Repository = (*Store)(nil)

type state struct {
	items          map[string]domain.Item
	lots           map[string]domain.Lot
	lotKeys        map[string]string
	movements      []domain.MovementEntry
	purchaseOrders map[string]domain.PurchaseOrder
	sales          map[string]domain.Sale
	invoices       map[string]string
	idempotency    map[string]string
	prescriptions  map[string]domain.Prescription
	auditRecords   []domain.AuditRecord
}

func New() *Store {
	return &Store{state: &state{
		items:          make(map[string]domain.Item),
		lots:           make(map[string]domain.Lot),
		lotKeys:        make(map[string]string),
		movements:      make([]domain.MovementEntry, 0, 256),
		purchaseOrders: make(map[string]domain.PurchaseOrder),
		sales:          make(map[string]domain.Sale),
		invoices:       make(map[string]string),
		idempotency:    make(map[string]string),
		prescriptions:  make(map[string]domain.Prescription),
		auditRecords:   make([]domain.AuditRecord, 0, 128),
	}}
}

// NewSeeded returns a store with a small demo catalog and no stock.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, item := range []domain.Item{
		{ID: "PARACETAMOL-500", Name: "Paracetamol 500mg Tablet", PriceCents: 1500, Active: true},
		{ID: "IBUPROFEN-400", Name: "Ibuprofen 400mg Tablet", PriceCents: 2500, Active: true},
		{ID: "VITAMIN-C-500", Name: "Vitamin C 500mg", PriceCents: 1200, Active: true},
		{ID: "ORALIT-200", Name: "Oralit Sachet 200ml", PriceCents: 800, Active: true},
		{ID: "AMOXICILLIN-500", Name: "Amoxicillin 500mg Capsule", PriceCents: 4200, RequiresPrescription: true, Active: true},
		{ID: "METFORMIN-500", Name: "Metformin 500mg Tablet", PriceCents: 3100, RequiresPrescription: true, Active: true},
	} {
		item.CreatedAt = now
		s.state.items[item.ID] = item
	}
	log.Println("[memory-store] seeded demo catalog")
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

// write applies fn to the committed state outside of WithTx.
func (s *Store) write(fn func(st *state) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state)
}

func (s *Store) CreateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	err := s.write(func(st *state) error {
		if _, exists := st.items[item.ID]; exists {
			return store.ErrConflict
		}
		st.items[item.ID] = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListItems(_ context.Context) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.state.items))
	for _, item := range s.state.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Store) GetItems(_ context.Context, ids []string) (map[string]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Item, len(ids))
	for _, id := range ids {
		if item, ok := s.state.items[id]; ok {
			result[id] = item
		}
	}
	return result, nil
}

func (s *Store) GetLot(_ context.Context, lotID string) (*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, ok := s.state.lots[lotID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &lot, nil
}

func (s *Store) ListLots(_ context.Context, filter store.LotFilter) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lots := make([]domain.Lot, 0, 32)
	for _, lot := range s.state.lots {
		if filter.ItemID != "" && lot.ItemID != filter.ItemID {
			continue
		}
		if !filter.IncludeEmpty && lot.QuantityOnHand == 0 {
			continue
		}
		if filter.ExpiringBefore != nil && !lot.ExpiryDate.Before(*filter.ExpiringBefore) {
			continue
		}
		lots = append(lots, lot)
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ExpiryDate.Equal(lots[j].ExpiryDate) {
			return lots[i].ExpiryDate.Before(lots[j].ExpiryDate)
		}
		return lots[i].ID < lots[j].ID
	})
	if filter.Limit > 0 && len(lots) > filter.Limit {
		lots = lots[:filter.Limit]
	}
	return lots, nil
}

func (s *Store) ListMovements(_ context.Context, filter store.MovementFilter) ([]domain.MovementEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.MovementEntry, 0, 32)
	for i := len(s.state.movements) - 1; i >= 0; i-- {
		entry := s.state.movements[i]
		if filter.ItemID != "" && entry.ItemID != filter.ItemID {
			continue
		}
		if filter.LotID != "" && entry.LotID != filter.LotID {
			continue
		}
		if filter.CauseID != "" && entry.CauseID != filter.CauseID {
			continue
		}
		entries = append(entries, entry)
		if filter.Limit > 0 && len(entries) >= filter.Limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) SumMovements(_ context.Context, lotID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, entry := range s.state.movements {
		if entry.LotID == lotID {
			total += entry.Delta
		}
	}
	return total, nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.ID == "" || po.SupplierID == "" || len(po.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	po = clonePurchaseOrder(po)
	err := s.write(func(st *state) error {
		if _, exists := st.purchaseOrders[po.ID]; exists {
			return store.ErrConflict
		}
		st.purchaseOrders[po.ID] = po
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := clonePurchaseOrder(po)
	return &out, nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, ok := s.state.purchaseOrders[purchaseOrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := clonePurchaseOrder(po)
	return &out, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.PurchaseOrder, 0, len(s.state.purchaseOrders))
	for _, po := range s.state.purchaseOrders {
		if status != "" && po.Status != status {
			continue
		}
		orders = append(orders, clonePurchaseOrder(po))
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.state.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	saleID, ok := s.state.idempotency[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(s.state.sales[saleID])
	return &out, nil
}

func (s *Store) CreatePrescription(_ context.Context, rx domain.Prescription) (*domain.Prescription, error) {
	if rx.ID == "" {
		return nil, store.ErrInvalidTransaction
	}
	err := s.write(func(st *state) error {
		if _, exists := st.prescriptions[rx.ID]; exists {
			return store.ErrConflict
		}
		st.prescriptions[rx.ID] = rx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rx, nil
}

func (s *Store) GetPrescription(_ context.Context, prescriptionID string) (*domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rx, ok := s.state.prescriptions[prescriptionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rx, nil
}

func (s *Store) ReviewPrescription(_ context.Context, prescriptionID string, status string, reviewedBy string) (*domain.Prescription, error) {
	var out domain.Prescription
	err := s.write(func(st *state) error {
		rx, ok := st.prescriptions[prescriptionID]
		if !ok {
			return store.ErrNotFound
		}
		if rx.Status != domain.PrescriptionPending {
			return domain.ErrInvalidStatus
		}
		rx.Status = status
		rx.ReviewedBy = &reviewedBy
		st.prescriptions[prescriptionID] = rx
		out = rx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) CreateAuditRecord(_ context.Context, record domain.AuditRecord) error {
	return s.write(func(st *state) error {
		st.auditRecords = append(st.auditRecords, record)
		return nil
	})
}

func (s *Store) ListAuditRecords(_ context.Context, filter store.AuditFilter) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.AuditRecord, 0, 32)
	for i := len(s.state.auditRecords) - 1; i >= 0; i-- {
		record := s.state.auditRecords[i]
		if filter.Entity != "" && record.Entity != filter.Entity {
			continue
		}
		if filter.EntityID != "" && record.EntityID != filter.EntityID {
			continue
		}
		records = append(records, record)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}
	return records, nil
}

// memTx operates on the private working copy owned by one WithTx call.
type memTx struct {
	st *state
}

func (t *memTx) ListLotsForItem(_ context.Context, itemID string) ([]domain.Lot, error) {
	lots := make([]domain.Lot, 0, 4)
	for _, lot := range t.st.lots {
		if lot.ItemID == itemID && lot.QuantityOnHand > 0 {
			lots = append(lots, lot)
		}
	}
	return lots, nil
}

func (t *memTx) FindLot(_ context.Context, itemID string, lotNumber string) (*domain.Lot, error) {
	id, ok := t.st.lotKeys[lotKey(itemID, lotNumber)]
	if !ok {
		return nil, store.ErrNotFound
	}
	lot := t.st.lots[id]
	return &lot, nil
}

func (t *memTx) GetLot(_ context.Context, lotID string) (*domain.Lot, error) {
	lot, ok := t.st.lots[lotID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &lot, nil
}

func (t *memTx) InsertLot(_ context.Context, lot domain.Lot) error {
	if lot.QuantityOnHand < 0 {
		return &domain.NegativeStockError{LotID: lot.ID, Requested: lot.QuantityOnHand}
	}
	key := lotKey(lot.ItemID, lot.LotNumber)
	if _, exists := t.st.lotKeys[key]; exists {
		return store.ErrConflict
	}
	t.st.lots[lot.ID] = lot
	t.st.lotKeys[key] = lot.ID
	return nil
}

func (t *memTx) ApplyLotDelta(_ context.Context, lotID string, delta int, at time.Time) (*domain.Lot, error) {
	lot, ok := t.st.lots[lotID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if lot.QuantityOnHand+delta < 0 {
		return nil, &domain.NegativeStockError{LotID: lotID, Requested: delta, OnHand: lot.QuantityOnHand}
	}
	lot.QuantityOnHand += delta
	lot.UpdatedAt = at
	t.st.lots[lotID] = lot
	return &lot, nil
}

func (t *memTx) SetLotCost(_ context.Context, lotID string, unitCostCents int64, receivedAt time.Time) error {
	lot, ok := t.st.lots[lotID]
	if !ok {
		return store.ErrNotFound
	}
	lot.UnitCostCents = unitCostCents
	lot.ReceivedAt = receivedAt
	t.st.lots[lotID] = lot
	return nil
}

func (t *memTx) AppendMovement(_ context.Context, entry domain.MovementEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("mv")
	}
	t.st.movements = append(t.st.movements, entry)
	return nil
}

func (t *memTx) LockPurchaseOrder(_ context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	po, ok := t.st.purchaseOrders[purchaseOrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := clonePurchaseOrder(po)
	return &out, nil
}

func (t *memTx) UpdatePurchaseOrderLines(_ context.Context, purchaseOrderID string, lines []domain.PurchaseOrderLine) error {
	po, ok := t.st.purchaseOrders[purchaseOrderID]
	if !ok {
		return store.ErrNotFound
	}
	po.Lines = clonePurchaseOrderLines(lines)
	t.st.purchaseOrders[purchaseOrderID] = po
	return nil
}

func (t *memTx) TransitionPurchaseOrder(_ context.Context, next domain.PurchaseOrder, from ...string) error {
	po, ok := t.st.purchaseOrders[next.ID]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(from, po.Status) {
		return domain.ErrInvalidStatus
	}
	po.Status = next.Status
	switch next.Status {
	case domain.PurchaseOrderReceived:
		po.ReceivedBy = next.ReceivedBy
		po.ReceivedAt = next.ReceivedAt
	case domain.PurchaseOrderClosed:
		po.ClosedAt = next.ClosedAt
	}
	t.st.purchaseOrders[next.ID] = po
	return nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if sale.IdempotencyKey == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := t.st.idempotency[sale.IdempotencyKey]; exists {
		return store.ErrDuplicateIdempotencyKey
	}
	if _, exists := t.st.invoices[sale.InvoiceNumber]; exists {
		return store.ErrDuplicateInvoice
	}
	if _, exists := t.st.sales[sale.ID]; exists {
		return store.ErrConflict
	}
	t.st.sales[sale.ID] = cloneSale(sale)
	t.st.invoices[sale.InvoiceNumber] = sale.ID
	t.st.idempotency[sale.IdempotencyKey] = sale.ID
	return nil
}

func (t *memTx) LockSale(_ context.Context, saleID string) (*domain.Sale, error) {
	sale, ok := t.st.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

func (t *memTx) MarkSaleVoid(_ context.Context, saleID string, voidedBy string, reason string, at time.Time) error {
	sale, ok := t.st.sales[saleID]
	if !ok {
		return store.ErrNotFound
	}
	if sale.Status != domain.SaleStatusPaid {
		return domain.ErrInvalidStatus
	}
	sale.Status = domain.SaleStatusVoid
	sale.VoidedAt = &at
	sale.VoidedBy = voidedBy
	sale.VoidReason = reason
	t.st.sales[saleID] = sale
	return nil
}

func (t *memTx) DispensePrescription(_ context.Context, prescriptionID string, saleID string, at time.Time) error {
	rx, ok := t.st.prescriptions[prescriptionID]
	if !ok || rx.Status != domain.PrescriptionApproved {
		return domain.ErrPrescriptionNotDispensable
	}
	rx.Status = domain.PrescriptionDispensed
	rx.SaleID = &saleID
	rx.DispensedAt = &at
	t.st.prescriptions[prescriptionID] = rx
	return nil
}

func (st *state) clone() *state {
	return &state{
		items:          maps.Clone(st.items),
		lots:           maps.Clone(st.lots),
		lotKeys:        maps.Clone(st.lotKeys),
		movements:      slices.Clone(st.movements),
		purchaseOrders: maps.Clone(st.purchaseOrders),
		sales:          maps.Clone(st.sales),
		invoices:       maps.Clone(st.invoices),
		idempotency:    maps.Clone(st.idempotency),
		prescriptions:  maps.Clone(st.prescriptions),
		auditRecords:   slices.Clone(st.auditRecords),
	}
}

func lotKey(itemID string, lotNumber string) string {
	return itemID + "::" + lotNumber
}

func clonePurchaseOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	dst := src
	dst.Lines = clonePurchaseOrderLines(src.Lines)
	return dst
}

func clonePurchaseOrderLines(src []domain.PurchaseOrderLine) []domain.PurchaseOrderLine {
	lines := make([]domain.PurchaseOrderLine, len(src))
	for i, line := range src {
		if line.ReceivedQty != nil {
			qty := *line.ReceivedQty
			line.ReceivedQty = &qty
		}
		if line.ExpiryDate != nil {
			expiry := *line.ExpiryDate
			line.ExpiryDate = &expiry
		}
		lines[i] = line
	}
	return lines
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}
