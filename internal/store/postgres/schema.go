package postgres

import (
	"context"
	"fmt"
	"log"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		requires_prescription BOOLEAN NOT NULL DEFAULT false,
		price_cents BIGINT NOT NULL DEFAULT 0 CHECK (price_cents >= 0),
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES items(id),
		lot_number TEXT NOT NULL,
		expiry_date DATE NOT NULL,
		quantity_on_hand INTEGER NOT NULL CHECK (quantity_on_hand >= 0),
		unit_cost_cents BIGINT NOT NULL DEFAULT 0,
		supplier_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (item_id, lot_number)
	)`,
	`CREATE INDEX IF NOT EXISTS lots_fefo_idx ON lots (item_id, expiry_date, created_at, id) WHERE quantity_on_hand > 0`,
	`CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK (type IN ('RECEIPT','SALE','ADJUSTMENT','EXPIRY','RETURN','TRANSFER')),
		item_id TEXT NOT NULL,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		delta INTEGER NOT NULL,
		cause_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS movements_lot_idx ON movements (lot_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS movements_cause_idx ON movements (cause_id)`,
	`CREATE TABLE IF NOT EXISTS purchase_orders (
		id TEXT PRIMARY KEY,
		supplier_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('DRAFT','ORDERED','RECEIVED','CLOSED')),
		notes TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		received_by TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS purchase_order_lines (
		purchase_order_id TEXT NOT NULL REFERENCES purchase_orders(id),
		line_no INTEGER NOT NULL,
		item_id TEXT NOT NULL REFERENCES items(id),
		ordered_qty INTEGER NOT NULL CHECK (ordered_qty > 0),
		received_qty INTEGER CHECK (received_qty >= 0),
		unit_cost_cents BIGINT NOT NULL DEFAULT 0,
		lot_number TEXT NOT NULL DEFAULT '',
		expiry_date DATE,
		PRIMARY KEY (purchase_order_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL UNIQUE,
		idempotency_key TEXT NOT NULL UNIQUE,
		cashier_id TEXT NOT NULL,
		prescription_id TEXT NOT NULL DEFAULT '',
		subtotal_cents BIGINT NOT NULL,
		discount_cents BIGINT NOT NULL DEFAULT 0,
		tax_cents BIGINT NOT NULL DEFAULT 0,
		total_cents BIGINT NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PAID','VOID')),
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		voided_at TIMESTAMPTZ,
		voided_by TEXT NOT NULL DEFAULT '',
		void_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sale_lines (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		line_no INTEGER NOT NULL DEFAULT 0,
		item_id TEXT NOT NULL,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price_cents BIGINT NOT NULL,
		line_total_cents BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sale_lines_sale_idx ON sale_lines (sale_id, line_no)`,
	// Upgrades for databases created before idempotency keys and sale line
	// numbers existed. Older sales are keyed by their own id.
	`ALTER TABLE sales ADD COLUMN IF NOT EXISTS idempotency_key TEXT`,
	`UPDATE sales SET idempotency_key = id WHERE idempotency_key IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sales_idempotency_key_idx ON sales (idempotency_key)`,
	`ALTER TABLE sale_lines ADD COLUMN IF NOT EXISTS line_no INTEGER NOT NULL DEFAULT 0`,
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id TEXT PRIMARY KEY,
		patient_name TEXT NOT NULL,
		prescriber TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING','APPROVED','DISPENSED','REJECTED')),
		sale_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		reviewed_by TEXT,
		dispensed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		before_data JSONB,
		after_data JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_records_entity_idx ON audit_records (entity, entity_id, created_at DESC)`,
}

// Migrate creates any missing tables and indexes. It is safe to run on
// every start.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	log.Printf("[postgres] schema up to date (%d statements)", len(schema))
	return nil
}
