package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"time"

	"apotek/backend/internal/audit"
	"apotek/backend/internal/domain"
	"apotek/backend/internal/fefo"
	"apotek/backend/internal/inventory"
	"apotek/backend/internal/store"
	"apotek/backend/internal/xid"
)

const maxInvoiceAttempts = 5

// saleLine is a validated request line with its price resolved.
type saleLine struct {
	ItemID         string
	Quantity       int
	UnitPriceCents int64
}

// CreateSale allocates every line FEFO, decrements the chosen lots, writes
// the sale and dispenses the linked prescription in one transaction.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.Sale, error) {
	resp, err := s.Checkout(ctx, req)
	if err != nil {
		return domain.Sale{}, err
	}
	return resp.Sale, nil
}

// Checkout is CreateSale that also reports replays: a request whose
// idempotency key already has a committed sale returns that sale with
// Duplicate set and changes no stock.
func (s *Service) Checkout(ctx context.Context, req domain.CreateSaleRequest) (domain.SaleResponse, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin, domain.RolePharmacist, domain.RoleCashier)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}
	req.PaymentMethod = strings.ToUpper(strings.TrimSpace(req.PaymentMethod))
	req.PrescriptionID = strings.TrimSpace(req.PrescriptionID)
	req.Notes = strings.TrimSpace(req.Notes)
	for i := range req.Lines {
		req.Lines[i].ItemID = strings.TrimSpace(req.Lines[i].ItemID)
	}
	if err := s.validateRequest(req); err != nil {
		return domain.SaleResponse{}, err
	}

	if existing, err := s.repo.FindSaleByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.SaleResponse{}, err
	}

	lines, err := s.resolveSaleLines(ctx, req)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	var subtotal int64
	for _, line := range lines {
		amount, err := lineTotal(line.Quantity, line.UnitPriceCents)
		if err != nil {
			return domain.SaleResponse{}, err
		}
		if subtotal, err = addCents(subtotal, amount); err != nil {
			return domain.SaleResponse{}, err
		}
	}
	if _, err := saleTotal(subtotal, req.DiscountCents, req.TaxCents); err != nil {
		return domain.SaleResponse{}, err
	}

	if req.PrescriptionID != "" {
		rx, err := s.repo.GetPrescription(ctx, req.PrescriptionID)
		if err != nil {
			return domain.SaleResponse{}, fmt.Errorf("prescription %s: %w", req.PrescriptionID, err)
		}
		if rx.Status != domain.PrescriptionApproved {
			return domain.SaleResponse{}, fmt.Errorf("prescription %s is %s: %w", rx.ID, strings.ToLower(rx.Status), domain.ErrPrescriptionNotDispensable)
		}
	}

	saleID := xid.New("sale")
	var sale domain.Sale
	err = s.retry(ctx, "sale "+saleID, isStockRace, func() error {
		committed, err := s.commitSale(ctx, saleID, actor, req, lines)
		if err != nil {
			return err
		}
		sale = committed
		return nil
	})
	if err != nil {
		// A concurrent request with the same key may have committed first.
		// This attempt was rolled back, either on the key itself or on the
		// stock the winner took.
		if existing, lookupErr := s.repo.FindSaleByIdempotencyKey(ctx, req.IdempotencyKey); lookupErr == nil {
			return domain.SaleResponse{Sale: *existing, Duplicate: true}, nil
		}
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return domain.SaleResponse{}, fmt.Errorf("sale for idempotency key %s: %w", req.IdempotencyKey, store.ErrConflict)
		}
		if isStockRace(err) {
			return domain.SaleResponse{}, s.insufficientAfterRace(ctx, lines, err)
		}
		return domain.SaleResponse{}, err
	}

	s.audit.Record(ctx, audit.EntitySale, sale.ID, audit.ActionCreate, nil, sale)
	return domain.SaleResponse{Sale: sale}, nil
}

// LookupSaleByIdempotencyKey lets a client that lost a checkout response
// find out whether the sale was committed.
func (s *Service) LookupSaleByIdempotencyKey(ctx context.Context, key string) (domain.Sale, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin, domain.RolePharmacist, domain.RoleCashier); err != nil {
		return domain.Sale{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Sale{}, fmt.Errorf("%w: idempotency key required", store.ErrInvalidTransaction)
	}
	sale, err := s.repo.FindSaleByIdempotencyKey(ctx, key)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) resolveSaleLines(ctx context.Context, req domain.CreateSaleRequest) ([]saleLine, error) {
	ids := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		ids = append(ids, line.ItemID)
	}
	items, err := s.catalog.GetItems(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	lines := make([]saleLine, 0, len(req.Lines))
	for _, in := range req.Lines {
		item, ok := items[in.ItemID]
		if !ok || !item.Active {
			return nil, fmt.Errorf("item %s: %w", in.ItemID, store.ErrNotFound)
		}
		if item.RequiresPrescription && req.PrescriptionID == "" {
			return nil, &domain.PrescriptionRequiredError{ItemID: item.ID}
		}
		price := in.UnitPriceCents
		if price == 0 {
			price = item.PriceCents
		}
		if price <= 0 {
			return nil, fmt.Errorf("%w: item %s has no price", store.ErrInvalidTransaction, item.ID)
		}
		lines = append(lines, saleLine{ItemID: item.ID, Quantity: in.Quantity, UnitPriceCents: price})
	}
	return lines, nil
}

func (s *Service) commitSale(ctx context.Context, saleID string, actor domain.Actor, req domain.CreateSaleRequest, lines []saleLine) (domain.Sale, error) {
	var sale domain.Sale
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		now := s.now()

		// Lines of the same item draw from one working copy so the second
		// line sees what the first one took.
		working := make(map[string][]domain.Lot, len(lines))
		plans := make([]domain.AllocationPlan, len(lines))
		for i, line := range lines {
			lots, ok := working[line.ItemID]
			if !ok {
				var err error
				lots, err = tx.ListLotsForItem(ctx, line.ItemID)
				if err != nil {
					return fmt.Errorf("load lots for %s: %w", line.ItemID, err)
				}
				working[line.ItemID] = lots
			}
			plan, err := fefo.Allocate(line.ItemID, line.Quantity, lots, now)
			if err != nil {
				return err
			}
			fefo.Deduct(lots, plan)
			plans[i] = plan
		}

		cause := inventory.Cause{Type: domain.MovementSale, CauseID: saleID, ActorID: actor.Username, At: now}
		saleLines := make([]domain.SaleLine, 0, len(lines))
		var subtotal int64
		for i, plan := range plans {
			for _, step := range plan.Steps {
				if _, err := inventory.Decrement(ctx, tx, step.LotID, step.Quantity, cause); err != nil {
					return err
				}
				amount, err := lineTotal(step.Quantity, lines[i].UnitPriceCents)
				if err != nil {
					return err
				}
				if subtotal, err = addCents(subtotal, amount); err != nil {
					return err
				}
				// Line numbers follow request order, then FEFO order within a line.
				saleLines = append(saleLines, domain.SaleLine{
					ID:             xid.New("sl"),
					SaleID:         saleID,
					LineNo:         len(saleLines) + 1,
					ItemID:         lines[i].ItemID,
					LotID:          step.LotID,
					Quantity:       step.Quantity,
					UnitPriceCents: lines[i].UnitPriceCents,
					LineTotalCents: amount,
				})
			}
		}
		total, err := saleTotal(subtotal, req.DiscountCents, req.TaxCents)
		if err != nil {
			return err
		}

		sale = domain.Sale{
			ID:             saleID,
			IdempotencyKey: req.IdempotencyKey,
			CashierID:      actor.Username,
			PrescriptionID: req.PrescriptionID,
			SubtotalCents:  subtotal,
			DiscountCents:  req.DiscountCents,
			TaxCents:       req.TaxCents,
			TotalCents:     total,
			PaymentMethod:  req.PaymentMethod,
			Status:         domain.SaleStatusPaid,
			Notes:          req.Notes,
			CreatedAt:      now,
			Lines:          saleLines,
		}
		if err := s.insertWithInvoice(ctx, tx, &sale, now); err != nil {
			return err
		}

		if req.PrescriptionID != "" {
			if err := tx.DispensePrescription(ctx, req.PrescriptionID, saleID, now); err != nil {
				return fmt.Errorf("dispense prescription %s: %w", req.PrescriptionID, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func (s *Service) insertWithInvoice(ctx context.Context, tx store.Tx, sale *domain.Sale, now time.Time) error {
	var err error
	for attempt := 0; attempt < maxInvoiceAttempts; attempt++ {
		sale.InvoiceNumber = s.invoiceNumber(now)
		err = tx.InsertSale(ctx, *sale)
		if !errors.Is(err, store.ErrDuplicateInvoice) {
			return err
		}
		log.Printf("[service] WARN: invoice %s already used, regenerating", sale.InvoiceNumber)
	}
	return fmt.Errorf("insert sale %s: %w", sale.ID, err)
}

// invoiceNumber formats PREFIX-YYYYMMDD-NNNNNN with a random suffix.
func (s *Service) invoiceNumber(now time.Time) string {
	return fmt.Sprintf("%s-%s-%06d", s.invoicePrefix, now.Format("20060102"), rand.Intn(1_000_000))
}

func lineTotal(qty int, unitPriceCents int64) (int64, error) {
	if qty < 0 || unitPriceCents < 0 {
		return 0, fmt.Errorf("%w: negative amount", store.ErrInvalidTransaction)
	}
	if unitPriceCents != 0 && int64(qty) > math.MaxInt64/unitPriceCents {
		return 0, fmt.Errorf("%w: line amount out of range", store.ErrInvalidTransaction)
	}
	return int64(qty) * unitPriceCents, nil
}

// addCents sums two non-negative amounts.
func addCents(a int64, b int64) (int64, error) {
	if b > math.MaxInt64-a {
		return 0, fmt.Errorf("%w: sale amount out of range", store.ErrInvalidTransaction)
	}
	return a + b, nil
}

func saleTotal(subtotal int64, discount int64, tax int64) (int64, error) {
	if discount > subtotal {
		return 0, fmt.Errorf("%w: discount exceeds subtotal", store.ErrInvalidTransaction)
	}
	return addCents(subtotal-discount, tax)
}

// isStockRace reports a sale that lost a lot to a concurrent writer between
// planning and decrementing.
func isStockRace(err error) bool {
	return errors.Is(err, domain.ErrNegativeStock) || errors.Is(err, store.ErrConflict)
}

// insufficientAfterRace converts an exhausted retry into the stock error the
// cashier can act on, using committed availability.
func (s *Service) insufficientAfterRace(ctx context.Context, lines []saleLine, cause error) error {
	itemID := lines[0].ItemID
	var negErr *domain.NegativeStockError
	if errors.As(cause, &negErr) {
		if lot, err := s.repo.GetLot(ctx, negErr.LotID); err == nil {
			itemID = lot.ItemID
		}
	} else if !errors.Is(cause, domain.ErrNegativeStock) {
		return cause
	}

	requested := 0
	for _, line := range lines {
		if line.ItemID == itemID {
			requested += line.Quantity
		}
	}
	available := 0
	if lots, err := s.repo.ListLots(ctx, store.LotFilter{ItemID: itemID}); err == nil {
		available = fefo.Available(itemID, lots, s.now())
	} else {
		log.Printf("[service] WARN: read availability for %s: %v", itemID, err)
	}
	return &domain.InsufficientStockError{ItemID: itemID, Requested: requested, Available: available}
}

// PreviewAllocation plans a draw-down against committed stock without
// changing it.
func (s *Service) PreviewAllocation(ctx context.Context, req domain.AllocationPreviewRequest) (domain.AllocationPlan, error) {
	req.ItemID = strings.TrimSpace(req.ItemID)
	if err := s.validateRequest(req); err != nil {
		return domain.AllocationPlan{}, err
	}
	items, err := s.catalog.GetItems(ctx, []string{req.ItemID})
	if err != nil {
		return domain.AllocationPlan{}, err
	}
	if item, ok := items[req.ItemID]; !ok || !item.Active {
		return domain.AllocationPlan{}, fmt.Errorf("item %s: %w", req.ItemID, store.ErrNotFound)
	}

	lots, err := s.repo.ListLots(ctx, store.LotFilter{ItemID: req.ItemID})
	if err != nil {
		return domain.AllocationPlan{}, err
	}
	return fefo.Allocate(req.ItemID, req.Quantity, lots, s.now())
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// VoidSale returns every unit of a paid sale to the lot it came from. The
// dispensed prescription stays dispensed.
func (s *Service) VoidSale(ctx context.Context, saleID string, req domain.VoidSaleRequest) (domain.Sale, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Sale{}, err
	}
	saleID = strings.TrimSpace(saleID)
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validateRequest(req); err != nil {
		return domain.Sale{}, err
	}

	var before, after domain.Sale
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleStatusPaid {
			return fmt.Errorf("sale %s is %s: %w", sale.ID, strings.ToLower(sale.Status), domain.ErrInvalidStatus)
		}
		before = *sale

		now := s.now()
		cause := inventory.Cause{
			Type:    domain.MovementReturn,
			CauseID: sale.ID,
			ActorID: actor.Username,
			Note:    req.Reason,
			At:      now,
		}
		for _, line := range sale.Lines {
			if _, err := inventory.Adjust(ctx, tx, line.LotID, line.Quantity, cause); err != nil {
				return err
			}
		}
		if err := tx.MarkSaleVoid(ctx, sale.ID, actor.Username, req.Reason, now); err != nil {
			return err
		}

		after = *sale
		after.Status = domain.SaleStatusVoid
		after.VoidedAt = &now
		after.VoidedBy = actor.Username
		after.VoidReason = req.Reason
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.audit.Record(ctx, audit.EntitySale, saleID, audit.ActionVoid, before, after)
	return after, nil
}
