package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"apotek/backend/internal/domain"
	"apotek/backend/internal/store"
)

type pgTx struct {
	tx *sqlx.Tx
}

// ListLotsForItem reads without row locks. Decrements are conditional, so a
// lot drained after this read fails with NegativeStockError at write time.
func (t *pgTx) ListLotsForItem(ctx context.Context, itemID string) ([]domain.Lot, error) {
	lots := make([]domain.Lot, 0, 4)
	err := t.tx.SelectContext(ctx, &lots, `
		SELECT `+lotColumns+` FROM lots
		WHERE item_id = $1 AND quantity_on_hand > 0
		ORDER BY expiry_date, created_at, id
	`, itemID)
	if err != nil {
		return nil, err
	}
	return lots, nil
}

func (t *pgTx) FindLot(ctx context.Context, itemID string, lotNumber string) (*domain.Lot, error) {
	var lot domain.Lot
	err := t.tx.GetContext(ctx, &lot, `
		SELECT `+lotColumns+` FROM lots
		WHERE item_id = $1 AND lot_number = $2
		FOR UPDATE
	`, itemID, lotNumber)
	if err != nil {
		if noRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &lot, nil
}

func (t *pgTx) GetLot(ctx context.Context, lotID string) (*domain.Lot, error) {
	return getLot(ctx, t.tx, lotID, true)
}

func (t *pgTx) InsertLot(ctx context.Context, lot domain.Lot) error {
	if lot.QuantityOnHand < 0 {
		return &domain.NegativeStockError{LotID: lot.ID, Requested: lot.QuantityOnHand}
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES (:id, :item_id, :lot_number, :expiry_date, :quantity_on_hand, :unit_cost_cents, :supplier_id, :created_at, :received_at, :updated_at)
	`, lot)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (t *pgTx) ApplyLotDelta(ctx context.Context, lotID string, delta int, at time.Time) (*domain.Lot, error) {
	var lot domain.Lot
	err := t.tx.GetContext(ctx, &lot, `
		UPDATE lots
		SET quantity_on_hand = quantity_on_hand + $2, updated_at = $3
		WHERE id = $1 AND quantity_on_hand + $2 >= 0
		RETURNING `+lotColumns, lotID, delta, at)
	if err == nil {
		return &lot, nil
	}
	if !noRows(err) {
		return nil, err
	}

	var onHand int
	if err := t.tx.GetContext(ctx, &onHand, `SELECT quantity_on_hand FROM lots WHERE id = $1`, lotID); err != nil {
		if noRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return nil, &domain.NegativeStockError{LotID: lotID, Requested: delta, OnHand: onHand}
}

func (t *pgTx) SetLotCost(ctx context.Context, lotID string, unitCostCents int64, receivedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE lots SET unit_cost_cents = $2, received_at = $3 WHERE id = $1
	`, lotID, unitCostCents, receivedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendMovement(ctx context.Context, entry domain.MovementEntry) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO movements (`+movementColumns+`)
		VALUES (:id, :type, :item_id, :lot_id, :delta, :cause_id, :actor_id, :note, :created_at)
	`, entry)
	return err
}

func (t *pgTx) LockPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, t.tx, purchaseOrderID, true)
}

func (t *pgTx) UpdatePurchaseOrderLines(ctx context.Context, purchaseOrderID string, lines []domain.PurchaseOrderLine) error {
	for _, line := range lines {
		res, err := t.tx.NamedExecContext(ctx, `
			UPDATE purchase_order_lines
			SET received_qty = :received_qty, lot_number = :lot_number, expiry_date = :expiry_date
			WHERE purchase_order_id = :purchase_order_id AND line_no = :line_no
		`, toPurchaseOrderLineRow(purchaseOrderID, line))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
	}
	return nil
}

func (t *pgTx) TransitionPurchaseOrder(ctx context.Context, po domain.PurchaseOrder, from ...string) error {
	if len(from) == 0 {
		return domain.ErrInvalidStatus
	}
	set := `status = ?`
	args := []any{po.Status}
	switch po.Status {
	case domain.PurchaseOrderReceived:
		set += `, received_by = ?, received_at = ?`
		args = append(args, po.ReceivedBy, po.ReceivedAt)
	case domain.PurchaseOrderClosed:
		set += `, closed_at = ?`
		args = append(args, po.ClosedAt)
	}
	args = append(args, po.ID, from)

	query, args, err := sqlx.In(`UPDATE purchase_orders SET `+set+` WHERE id = ? AND status IN (?)`, args...)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM purchase_orders WHERE id = $1)`, po.ID); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return domain.ErrInvalidStatus
}

// InsertSale writes the sale header and lines. Key and invoice collisions
// leave the transaction usable: a concurrent sale holding the same key
// blocks this insert until it commits, after which the key lookup sees it.
func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.IdempotencyKey == "" {
		return store.ErrInvalidTransaction
	}
	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (:id, :invoice_number, :idempotency_key, :cashier_id, :prescription_id, :subtotal_cents, :discount_cents, :tax_cents, :total_cents,
			:payment_method, :status, :notes, :created_at, :voided_at, :voided_by, :void_reason)
		ON CONFLICT DO NOTHING
	`, saleRow{
		ID:             sale.ID,
		InvoiceNumber:  sale.InvoiceNumber,
		IdempotencyKey: sale.IdempotencyKey,
		CashierID:      sale.CashierID,
		PrescriptionID: sale.PrescriptionID,
		SubtotalCents:  sale.SubtotalCents,
		DiscountCents:  sale.DiscountCents,
		TaxCents:       sale.TaxCents,
		TotalCents:     sale.TotalCents,
		PaymentMethod:  sale.PaymentMethod,
		Status:         sale.Status,
		Notes:          sale.Notes,
		CreatedAt:      sale.CreatedAt,
		VoidedAt:       sale.VoidedAt,
		VoidedBy:       sale.VoidedBy,
		VoidReason:     sale.VoidReason,
	})
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var keyTaken bool
		if err := t.tx.GetContext(ctx, &keyTaken, `SELECT EXISTS (SELECT 1 FROM sales WHERE idempotency_key = $1)`, sale.IdempotencyKey); err != nil {
			return err
		}
		if keyTaken {
			return store.ErrDuplicateIdempotencyKey
		}
		return store.ErrDuplicateInvoice
	}

	for _, line := range sale.Lines {
		if _, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO sale_lines (`+saleLineColumns+`)
			VALUES (:id, :sale_id, :line_no, :item_id, :lot_id, :quantity, :unit_price_cents, :line_total_cents)
		`, line); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, saleID, true)
}

func (t *pgTx) MarkSaleVoid(ctx context.Context, saleID string, voidedBy string, reason string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = 'VOID', voided_at = $2, voided_by = $3, void_reason = $4
		WHERE id = $1 AND status = 'PAID'
	`, saleID, at, voidedBy, reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := loadSale(ctx, t.tx, saleID, false); err != nil {
			return err
		}
		return domain.ErrInvalidStatus
	}
	return nil
}

func (t *pgTx) DispensePrescription(ctx context.Context, prescriptionID string, saleID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE prescriptions
		SET status = 'DISPENSED', sale_id = $2, dispensed_at = $3
		WHERE id = $1 AND status = 'APPROVED'
	`, prescriptionID, saleID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPrescriptionNotDispensable
	}
	return nil
}
