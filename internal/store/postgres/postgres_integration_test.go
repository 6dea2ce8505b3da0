package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"apotek/backend/internal/domain"
	"apotek/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("APOTEK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set APOTEK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedItemAndLot(t *testing.T, s *Store, stamp int64, qty int) (string, string) {
	t.Helper()
	ctx := context.Background()
	itemID := fmt.Sprintf("IT-ITEM-%d", stamp)
	lotID := fmt.Sprintf("lot-it-%d", stamp)
	now := time.Now().UTC()

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE lot_id = $1`, lotID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE cashier_id = $1`, itemID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM movements WHERE lot_id = $1`, lotID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM lots WHERE item_id = $1`, itemID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, itemID)
	})

	if _, err := s.CreateItem(ctx, domain.Item{ID: itemID, Name: "Integration Item", PriceCents: 1000, Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	err := s.WithTx(ctx, func(tx store.Tx) error {
		lot := domain.Lot{
			ID:             lotID,
			ItemID:         itemID,
			LotNumber:      "IT-LOT",
			ExpiryDate:     time.Date(now.Year()+1, 1, 1, 0, 0, 0, 0, time.UTC),
			QuantityOnHand: qty,
			CreatedAt:      now,
			ReceivedAt:     now,
			UpdatedAt:      now,
		}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}
		return tx.AppendMovement(ctx, domain.MovementEntry{
			ID:        fmt.Sprintf("mv-it-%d", stamp),
			Type:      domain.MovementReceipt,
			ItemID:    itemID,
			LotID:     lotID,
			Delta:     qty,
			CauseID:   "po-it",
			ActorID:   "integration",
			CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed lot: %v", err)
	}
	return itemID, lotID
}

func TestApplyLotDeltaRejectsNegativeAndRollsBack(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	_, lotID := seedItemAndLot(t, s, time.Now().UnixNano(), 5)

	err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.ApplyLotDelta(ctx, lotID, -3, time.Now().UTC()); err != nil {
			return err
		}
		_, err := tx.ApplyLotDelta(ctx, lotID, -3, time.Now().UTC())
		return err
	})
	var negErr *domain.NegativeStockError
	if !errors.As(err, &negErr) || negErr.OnHand != 2 {
		t.Fatalf("expected NegativeStockError with 2 on hand, got %v", err)
	}

	lot, err := s.GetLot(ctx, lotID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if lot.QuantityOnHand != 5 {
		t.Fatalf("expected rollback to keep 5, got %d", lot.QuantityOnHand)
	}
	sum, err := s.SumMovements(ctx, lotID)
	if err != nil || sum != 5 {
		t.Fatalf("expected journal sum 5, got %d (%v)", sum, err)
	}
}

func TestConcurrentDecrementsNeverGoNegative(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	_, lotID := seedItemAndLot(t, s, time.Now().UnixNano(), 10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx store.Tx) error {
				_, err := tx.ApplyLotDelta(ctx, lotID, -1, time.Now().UTC())
				return err
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrNegativeStock) && !errors.Is(err, store.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	lot, err := s.GetLot(ctx, lotID)
	if err != nil {
		t.Fatalf("get lot: %v", err)
	}
	if success != 10 || lot.QuantityOnHand != 0 {
		t.Fatalf("expected 10 decrements and empty lot, got %d and %d", success, lot.QuantityOnHand)
	}
}

func TestInsertSaleReportsDuplicateInvoice(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	itemID, lotID := seedItemAndLot(t, s, stamp, 5)
	invoice := fmt.Sprintf("INV-IT-%d", stamp)

	newSale := func(id string) domain.Sale {
		return domain.Sale{
			ID:             id,
			InvoiceNumber:  invoice,
			IdempotencyKey: id,
			CashierID:      itemID,
			SubtotalCents:  1000,
			TotalCents:     1000,
			PaymentMethod:  "CASH",
			Status:         domain.SaleStatusPaid,
			CreatedAt:      time.Now().UTC(),
			Lines: []domain.SaleLine{{
				ID: id + "-l1", SaleID: id, LineNo: 1, ItemID: itemID, LotID: lotID, Quantity: 1, UnitPriceCents: 1000, LineTotalCents: 1000,
			}},
		}
	}

	first := fmt.Sprintf("sale-it-%d-a", stamp)
	if err := s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertSale(ctx, newSale(first)) }); err != nil {
		t.Fatalf("insert first sale: %v", err)
	}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale(fmt.Sprintf("sale-it-%d-b", stamp)))
	})
	if !errors.Is(err, store.ErrDuplicateInvoice) {
		t.Fatalf("expected ErrDuplicateInvoice, got %v", err)
	}

	err = s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.MarkSaleVoid(ctx, first, "admin", "test", time.Now().UTC()); err != nil {
			return err
		}
		return tx.MarkSaleVoid(ctx, first, "admin", "again", time.Now().UTC())
	})
	if !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected second void to fail, got %v", err)
	}
	sale, err := s.GetSale(ctx, first)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if sale.Status != domain.SaleStatusPaid || len(sale.Lines) != 1 {
		t.Fatalf("expected rolled back void, got %+v", sale)
	}
}

func TestInsertSaleReportsReusedIdempotencyKey(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	itemID, lotID := seedItemAndLot(t, s, stamp, 5)
	key := fmt.Sprintf("idem-it-%d", stamp)
	first := fmt.Sprintf("sale-it-%d-a", stamp)

	newSale := func(id string, invoice string) domain.Sale {
		// Line ids sort opposite to line numbers so ordering by id would
		// reverse them.
		return domain.Sale{
			ID:             id,
			InvoiceNumber:  invoice,
			IdempotencyKey: key,
			CashierID:      itemID,
			SubtotalCents:  2000,
			TotalCents:     2000,
			PaymentMethod:  "CASH",
			Status:         domain.SaleStatusPaid,
			CreatedAt:      time.Now().UTC(),
			Lines: []domain.SaleLine{
				{ID: id + "-z", SaleID: id, LineNo: 1, ItemID: itemID, LotID: lotID, Quantity: 1, UnitPriceCents: 1000, LineTotalCents: 1000},
				{ID: id + "-a", SaleID: id, LineNo: 2, ItemID: itemID, LotID: lotID, Quantity: 1, UnitPriceCents: 1000, LineTotalCents: 1000},
			},
		}
	}

	if err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale(first, fmt.Sprintf("INV-IT-%d-A", stamp)))
	}); err != nil {
		t.Fatalf("insert first sale: %v", err)
	}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertSale(ctx, newSale(fmt.Sprintf("sale-it-%d-b", stamp), fmt.Sprintf("INV-IT-%d-B", stamp)))
	})
	if !errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	sale, err := s.FindSaleByIdempotencyKey(ctx, key)
	if err != nil {
		t.Fatalf("find by key: %v", err)
	}
	if sale.ID != first || len(sale.Lines) != 2 {
		t.Fatalf("unexpected sale under key: %+v", sale)
	}
	if sale.Lines[0].LineNo != 1 || sale.Lines[1].LineNo != 2 {
		t.Fatalf("expected lines in line_no order, got %+v", sale.Lines)
	}
}
