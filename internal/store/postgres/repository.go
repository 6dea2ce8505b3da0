package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"apotek/backend/internal/domain"
	"apotek/backend/internal/store"
)

const (
	itemColumns     = `id, name, requires_prescription, price_cents, active, created_at`
	lotColumns      = `id, item_id, lot_number, expiry_date, quantity_on_hand, unit_cost_cents, supplier_id, created_at, received_at, updated_at`
	movementColumns = `id, type, item_id, lot_id, delta, cause_id, actor_id, note, created_at`
	poColumns       = `id, supplier_id, status, notes, created_by, created_at, received_by, received_at, closed_at`
	poLineColumns   = `purchase_order_id, line_no, item_id, ordered_qty, received_qty, unit_cost_cents, lot_number, expiry_date`
	saleColumns     = `id, invoice_number, idempotency_key, cashier_id, prescription_id, subtotal_cents, discount_cents, tax_cents, total_cents, payment_method, status, notes, created_at, voided_at, voided_by, void_reason`
	saleLineColumns = `id, sale_id, line_no, item_id, lot_id, quantity, unit_price_cents, line_total_cents`
	rxColumns       = `id, patient_name, prescriber, status, sale_id, created_at, reviewed_by, dispensed_at`
)

type purchaseOrderRow struct {
	ID         string     `db:"id"`
	SupplierID string     `db:"supplier_id"`
	Status     string     `db:"status"`
	Notes      string     `db:"notes"`
	CreatedBy  string     `db:"created_by"`
	CreatedAt  time.Time  `db:"created_at"`
	ReceivedBy string     `db:"received_by"`
	ReceivedAt *time.Time `db:"received_at"`
	ClosedAt   *time.Time `db:"closed_at"`
}

type purchaseOrderLineRow struct {
	PurchaseOrderID string     `db:"purchase_order_id"`
	LineNo          int        `db:"line_no"`
	ItemID          string     `db:"item_id"`
	OrderedQty      int        `db:"ordered_qty"`
	ReceivedQty     *int       `db:"received_qty"`
	UnitCostCents   int64      `db:"unit_cost_cents"`
	LotNumber       string     `db:"lot_number"`
	ExpiryDate      *time.Time `db:"expiry_date"`
}

type saleRow struct {
	ID             string     `db:"id"`
	InvoiceNumber  string     `db:"invoice_number"`
	IdempotencyKey string     `db:"idempotency_key"`
	CashierID      string     `db:"cashier_id"`
	PrescriptionID string     `db:"prescription_id"`
	SubtotalCents  int64      `db:"subtotal_cents"`
	DiscountCents  int64      `db:"discount_cents"`
	TaxCents       int64      `db:"tax_cents"`
	TotalCents     int64      `db:"total_cents"`
	PaymentMethod  string     `db:"payment_method"`
	Status         string     `db:"status"`
	Notes          string     `db:"notes"`
	CreatedAt      time.Time  `db:"created_at"`
	VoidedAt       *time.Time `db:"voided_at"`
	VoidedBy       string     `db:"voided_by"`
	VoidReason     string     `db:"void_reason"`
}

type auditRow struct {
	ID        string    `db:"id"`
	Entity    string    `db:"entity"`
	EntityID  string    `db:"entity_id"`
	Action    string    `db:"action"`
	ActorID   string    `db:"actor_id"`
	ActorRole string    `db:"actor_role"`
	Before    []byte    `db:"before_data"`
	After     []byte    `db:"after_data"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if strings.TrimSpace(item.ID) == "" || strings.TrimSpace(item.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO items (id, name, requires_prescription, price_cents, active, created_at)
		VALUES (:id, :name, :requires_prescription, :price_cents, :active, :created_at)
	`, item)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := item
	return &created, nil
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	items := make([]domain.Item, 0, 64)
	if err := s.db.SelectContext(ctx, &items, `SELECT `+itemColumns+` FROM items ORDER BY name`); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItems(ctx context.Context, ids []string) (map[string]domain.Item, error) {
	result := make(map[string]domain.Item, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	query, args, err := sqlx.In(`SELECT `+itemColumns+` FROM items WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var items []domain.Item
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, item := range items {
		result[item.ID] = item
	}
	return result, nil
}

func (s *Store) GetLot(ctx context.Context, lotID string) (*domain.Lot, error) {
	return getLot(ctx, s.db, lotID, false)
}

func getLot(ctx context.Context, q sqlx.QueryerContext, lotID string, forUpdate bool) (*domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var lot domain.Lot
	if err := sqlx.GetContext(ctx, q, &lot, query, lotID); err != nil {
		if noRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &lot, nil
}

func (s *Store) ListLots(ctx context.Context, filter store.LotFilter) ([]domain.Lot, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if filter.ItemID != "" {
		args = append(args, filter.ItemID)
		where = append(where, fmt.Sprintf("item_id = $%d", len(args)))
	}
	if !filter.IncludeEmpty {
		where = append(where, "quantity_on_hand > 0")
	}
	if filter.ExpiringBefore != nil {
		args = append(args, *filter.ExpiringBefore)
		where = append(where, fmt.Sprintf("expiry_date < $%d", len(args)))
	}

	query := `SELECT ` + lotColumns + ` FROM lots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY expiry_date, created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	lots := make([]domain.Lot, 0, 32)
	if err := s.db.SelectContext(ctx, &lots, query, args...); err != nil {
		return nil, err
	}
	return lots, nil
}

func (s *Store) ListMovements(ctx context.Context, filter store.MovementFilter) ([]domain.MovementEntry, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	for column, value := range map[string]string{"item_id": filter.ItemID, "lot_id": filter.LotID, "cause_id": filter.CauseID} {
		if value == "" {
			continue
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	query := `SELECT ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	entries := make([]domain.MovementEntry, 0, 32)
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) SumMovements(ctx context.Context, lotID string) (int, error) {
	var total int
	err := s.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(delta), 0) FROM movements WHERE lot_id = $1`, lotID)
	return total, err
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.ID == "" || po.SupplierID == "" || len(po.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO purchase_orders (`+poColumns+`)
		VALUES (:id, :supplier_id, :status, :notes, :created_by, :created_at, :received_by, :received_at, :closed_at)
	`, toPurchaseOrderRow(po)); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	for _, line := range po.Lines {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO purchase_order_lines (`+poLineColumns+`)
			VALUES (:purchase_order_id, :line_no, :item_id, :ordered_qty, :received_qty, :unit_cost_cents, :lot_number, :expiry_date)
		`, toPurchaseOrderLineRow(po.ID, line)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := po
	return &created, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, s.db, purchaseOrderID, false)
}

func loadPurchaseOrder(ctx context.Context, q sqlx.QueryerContext, purchaseOrderID string, forUpdate bool) (*domain.PurchaseOrder, error) {
	query := `SELECT ` + poColumns + ` FROM purchase_orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row purchaseOrderRow
	if err := sqlx.GetContext(ctx, q, &row, query, purchaseOrderID); err != nil {
		if noRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var lines []purchaseOrderLineRow
	if err := sqlx.SelectContext(ctx, q, &lines, `
		SELECT `+poLineColumns+` FROM purchase_order_lines
		WHERE purchase_order_id = $1
		ORDER BY line_no
	`, purchaseOrderID); err != nil {
		return nil, err
	}

	po := row.toDomain(lines)
	return &po, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	query := `SELECT ` + poColumns + ` FROM purchase_orders`
	args := make([]any, 0, 2)
	if status != "" {
		args = append(args, status)
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []purchaseOrderRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []domain.PurchaseOrder{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	linesQuery, linesArgs, err := sqlx.In(`
		SELECT `+poLineColumns+` FROM purchase_order_lines
		WHERE purchase_order_id IN (?)
		ORDER BY purchase_order_id, line_no
	`, ids)
	if err != nil {
		return nil, err
	}
	var lines []purchaseOrderLineRow
	if err := s.db.SelectContext(ctx, &lines, s.db.Rebind(linesQuery), linesArgs...); err != nil {
		return nil, err
	}
	byOrder := make(map[string][]purchaseOrderLineRow, len(rows))
	for _, line := range lines {
		byOrder[line.PurchaseOrderID] = append(byOrder[line.PurchaseOrderID], line)
	}

	orders := make([]domain.PurchaseOrder, 0, len(rows))
	for _, row := range rows {
		orders = append(orders, row.toDomain(byOrder[row.ID]))
	}
	return orders, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, saleID, false)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	var saleID string
	if err := s.db.GetContext(ctx, &saleID, `SELECT id FROM sales WHERE idempotency_key = $1`, key); err != nil {
		if noRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return loadSale(ctx, s.db, saleID, false)
}

func loadSale(ctx context.Context, q sqlx.QueryerContext, saleID string, forUpdate bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row saleRow
	if err := sqlx.GetContext(ctx, q, &row, query, saleID); err != nil {
		if noRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	lines := make([]domain.SaleLine, 0, 4)
	if err := sqlx.SelectContext(ctx, q, &lines, `SELECT `+saleLineColumns+` FROM sale_lines WHERE sale_id = $1 ORDER BY line_no, id`, saleID); err != nil {
		return nil, err
	}

	sale := row.toDomain(lines)
	return &sale, nil
}

func (s *Store) CreatePrescription(ctx context.Context, rx domain.Prescription) (*domain.Prescription, error) {
	if rx.ID == "" {
		return nil, store.ErrInvalidTransaction
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO prescriptions (`+rxColumns+`)
		VALUES (:id, :patient_name, :prescriber, :status, :sale_id, :created_at, :reviewed_by, :dispensed_at)
	`, rx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	created := rx
	return &created, nil
}

func (s *Store) GetPrescription(ctx context.Context, prescriptionID string) (*domain.Prescription, error) {
	var rx domain.Prescription
	if err := s.db.GetContext(ctx, &rx, `SELECT `+rxColumns+` FROM prescriptions WHERE id = $1`, prescriptionID); err != nil {
		if noRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rx, nil
}

func (s *Store) ReviewPrescription(ctx context.Context, prescriptionID string, status string, reviewedBy string) (*domain.Prescription, error) {
	var rx domain.Prescription
	err := s.db.GetContext(ctx, &rx, `
		UPDATE prescriptions
		SET status = $2, reviewed_by = $3
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+rxColumns, prescriptionID, status, reviewedBy)
	if err == nil {
		return &rx, nil
	}
	if !noRows(err) {
		return nil, err
	}
	if _, err := s.GetPrescription(ctx, prescriptionID); err != nil {
		return nil, err
	}
	return nil, domain.ErrInvalidStatus
}

func (s *Store) CreateAuditRecord(ctx context.Context, record domain.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, entity, entity_id, action, actor_id, actor_role, before_data, after_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, record.ID, record.Entity, record.EntityID, record.Action, record.ActorID, record.ActorRole,
		nullIfEmpty(record.Before), nullIfEmpty(record.After), record.CreatedAt)
	return err
}

func (s *Store) ListAuditRecords(ctx context.Context, filter store.AuditFilter) ([]domain.AuditRecord, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.Entity != "" {
		args = append(args, filter.Entity)
		where = append(where, fmt.Sprintf("entity = $%d", len(args)))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		where = append(where, fmt.Sprintf("entity_id = $%d", len(args)))
	}

	query := `SELECT id, entity, entity_id, action, actor_id, actor_role, before_data, after_data, created_at FROM audit_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	records := make([]domain.AuditRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, domain.AuditRecord{
			ID:        row.ID,
			Entity:    row.Entity,
			EntityID:  row.EntityID,
			Action:    row.Action,
			ActorID:   row.ActorID,
			ActorRole: row.ActorRole,
			Before:    row.Before,
			After:     row.After,
			CreatedAt: row.CreatedAt,
		})
	}
	return records, nil
}

func toPurchaseOrderRow(po domain.PurchaseOrder) purchaseOrderRow {
	return purchaseOrderRow{
		ID:         po.ID,
		SupplierID: po.SupplierID,
		Status:     po.Status,
		Notes:      po.Notes,
		CreatedBy:  po.CreatedBy,
		CreatedAt:  po.CreatedAt,
		ReceivedBy: po.ReceivedBy,
		ReceivedAt: po.ReceivedAt,
		ClosedAt:   po.ClosedAt,
	}
}

func toPurchaseOrderLineRow(purchaseOrderID string, line domain.PurchaseOrderLine) purchaseOrderLineRow {
	return purchaseOrderLineRow{
		PurchaseOrderID: purchaseOrderID,
		LineNo:          line.LineNo,
		ItemID:          line.ItemID,
		OrderedQty:      line.OrderedQty,
		ReceivedQty:     line.ReceivedQty,
		UnitCostCents:   line.UnitCostCents,
		LotNumber:       line.LotNumber,
		ExpiryDate:      line.ExpiryDate,
	}
}

func (row purchaseOrderRow) toDomain(lines []purchaseOrderLineRow) domain.PurchaseOrder {
	po := domain.PurchaseOrder{
		ID:         row.ID,
		SupplierID: row.SupplierID,
		Status:     row.Status,
		Notes:      row.Notes,
		CreatedBy:  row.CreatedBy,
		CreatedAt:  row.CreatedAt,
		ReceivedBy: row.ReceivedBy,
		ReceivedAt: row.ReceivedAt,
		ClosedAt:   row.ClosedAt,
		Lines:      make([]domain.PurchaseOrderLine, 0, len(lines)),
	}
	for _, line := range lines {
		po.Lines = append(po.Lines, domain.PurchaseOrderLine{
			LineNo:        line.LineNo,
			ItemID:        line.ItemID,
			OrderedQty:    line.OrderedQty,
			ReceivedQty:   line.ReceivedQty,
			UnitCostCents: line.UnitCostCents,
			LotNumber:     line.LotNumber,
			ExpiryDate:    line.ExpiryDate,
		})
	}
	return po
}

func (row saleRow) toDomain(lines []domain.SaleLine) domain.Sale {
	return domain.Sale{
		ID:             row.ID,
		InvoiceNumber:  row.InvoiceNumber,
		IdempotencyKey: row.IdempotencyKey,
		CashierID:      row.CashierID,
		PrescriptionID: row.PrescriptionID,
		SubtotalCents:  row.SubtotalCents,
		DiscountCents:  row.DiscountCents,
		TaxCents:       row.TaxCents,
		TotalCents:     row.TotalCents,
		PaymentMethod:  row.PaymentMethod,
		Status:         row.Status,
		Notes:          row.Notes,
		CreatedAt:      row.CreatedAt,
		VoidedAt:       row.VoidedAt,
		VoidedBy:       row.VoidedBy,
		VoidReason:     row.VoidReason,
		Lines:          lines,
	}
}
