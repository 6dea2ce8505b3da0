package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"apotek/backend/internal/audit"
	"apotek/backend/internal/domain"
	"apotek/backend/internal/inventory"
	"apotek/backend/internal/store"
	"apotek/backend/internal/xid"
)

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	req.SupplierID = strings.TrimSpace(req.SupplierID)
	req.Notes = strings.TrimSpace(req.Notes)
	ids := make([]string, 0, len(req.Lines))
	for i := range req.Lines {
		req.Lines[i].ItemID = strings.TrimSpace(req.Lines[i].ItemID)
		ids = append(ids, req.Lines[i].ItemID)
	}
	if err := s.validateRequest(req); err != nil {
		return domain.PurchaseOrder{}, err
	}

	items, err := s.catalog.GetItems(ctx, ids)
	if err != nil {
		return domain.PurchaseOrder{}, fmt.Errorf("load catalog: %w", err)
	}
	lines := make([]domain.PurchaseOrderLine, 0, len(req.Lines))
	for i, in := range req.Lines {
		if _, ok := items[in.ItemID]; !ok {
			return domain.PurchaseOrder{}, fmt.Errorf("item %s: %w", in.ItemID, store.ErrNotFound)
		}
		lines = append(lines, domain.PurchaseOrderLine{
			LineNo:        i + 1,
			ItemID:        in.ItemID,
			OrderedQty:    in.OrderedQty,
			UnitCostCents: in.UnitCostCents,
		})
	}

	status := domain.PurchaseOrderDraft
	if req.Submit {
		status = domain.PurchaseOrderOrdered
	}
	created, err := s.repo.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		ID:         xid.New("po"),
		SupplierID: req.SupplierID,
		Status:     status,
		Notes:      req.Notes,
		CreatedBy:  actor.Username,
		CreatedAt:  s.now(),
		Lines:      lines,
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.audit.Record(ctx, audit.EntityPurchase, created.ID, audit.ActionCreate, nil, created)
	return *created, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (domain.PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, strings.TrimSpace(purchaseOrderID))
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return *po, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	switch status {
	case "", domain.PurchaseOrderDraft, domain.PurchaseOrderOrdered, domain.PurchaseOrderReceived, domain.PurchaseOrderClosed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidTransaction, status)
	}
	return s.repo.ListPurchaseOrders(ctx, status, limit)
}

// MarkPurchaseOrderOrdered submits a draft order to the supplier.
func (s *Service) MarkPurchaseOrderOrdered(ctx context.Context, purchaseOrderID string) (domain.PurchaseOrder, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PurchaseOrder{}, err
	}
	return s.transitionPurchaseOrder(ctx, strings.TrimSpace(purchaseOrderID), func(po *domain.PurchaseOrder, _ time.Time) {
		po.Status = domain.PurchaseOrderOrdered
	}, domain.PurchaseOrderDraft)
}

// ClosePurchaseOrder archives a received order. Closed orders accept no
// further changes.
func (s *Service) ClosePurchaseOrder(ctx context.Context, purchaseOrderID string) (domain.PurchaseOrder, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PurchaseOrder{}, err
	}
	return s.transitionPurchaseOrder(ctx, strings.TrimSpace(purchaseOrderID), func(po *domain.PurchaseOrder, now time.Time) {
		po.Status = domain.PurchaseOrderClosed
		po.ClosedAt = &now
	}, domain.PurchaseOrderReceived)
}

func (s *Service) transitionPurchaseOrder(ctx context.Context, purchaseOrderID string, apply func(po *domain.PurchaseOrder, now time.Time), from ...string) (domain.PurchaseOrder, error) {
	var before, after domain.PurchaseOrder
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		po, err := tx.LockPurchaseOrder(ctx, purchaseOrderID)
		if err != nil {
			return err
		}
		before = *po
		next := *po
		apply(&next, s.now())
		if err := tx.TransitionPurchaseOrder(ctx, next, from...); err != nil {
			return fmt.Errorf("purchase order %s is %s: %w", po.ID, strings.ToLower(po.Status), err)
		}
		after = next
		return nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.audit.Record(ctx, audit.EntityPurchase, purchaseOrderID, audit.ActionStatusChange, before, after)
	return after, nil
}

// SetReceivingData records what actually arrived for each line: quantity,
// lot number and expiry date. Lines not named in the request keep their
// current values.
func (s *Service) SetReceivingData(ctx context.Context, purchaseOrderID string, req domain.ReceivingDataRequest) (domain.PurchaseOrder, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PurchaseOrder{}, err
	}
	purchaseOrderID = strings.TrimSpace(purchaseOrderID)
	for i := range req.Lines {
		req.Lines[i].LotNumber = strings.TrimSpace(req.Lines[i].LotNumber)
		req.Lines[i].ExpiryDate = strings.TrimSpace(req.Lines[i].ExpiryDate)
	}
	if err := s.validateRequest(req); err != nil {
		return domain.PurchaseOrder{}, err
	}

	var before, after domain.PurchaseOrder
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		po, err := tx.LockPurchaseOrder(ctx, purchaseOrderID)
		if err != nil {
			return err
		}
		if po.Status == domain.PurchaseOrderReceived || po.Status == domain.PurchaseOrderClosed {
			return &domain.AlreadyReceivedError{PurchaseOrderID: po.ID, Status: po.Status}
		}
		before = *po

		byLine := make(map[int]int, len(po.Lines))
		for i, line := range po.Lines {
			byLine[line.LineNo] = i
		}
		lines := make([]domain.PurchaseOrderLine, len(po.Lines))
		copy(lines, po.Lines)
		for _, in := range req.Lines {
			idx, ok := byLine[in.LineNo]
			if !ok {
				return fmt.Errorf("%w: purchase order %s has no line %d", store.ErrInvalidTransaction, po.ID, in.LineNo)
			}
			expiry, err := time.Parse(time.DateOnly, in.ExpiryDate)
			if err != nil {
				return fmt.Errorf("%w: line %d expiry_date: %v", store.ErrInvalidTransaction, in.LineNo, err)
			}
			qty := in.ReceivedQty
			lines[idx].ReceivedQty = &qty
			lines[idx].LotNumber = in.LotNumber
			lines[idx].ExpiryDate = &expiry
		}
		if err := tx.UpdatePurchaseOrderLines(ctx, po.ID, lines); err != nil {
			return err
		}
		after = *po
		after.Lines = lines
		return nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.audit.Record(ctx, audit.EntityPurchase, purchaseOrderID, audit.ActionUpdate, before, after)
	return after, nil
}

// ReceivePurchaseOrder books every received line into lot stock and marks
// the order RECEIVED, all in one transaction.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string) (domain.PurchaseOrder, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	purchaseOrderID = strings.TrimSpace(purchaseOrderID)

	// Fail fast on the committed state before taking any lock.
	current, err := s.repo.GetPurchaseOrder(ctx, purchaseOrderID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if err := checkReceivable(*current); err != nil {
		return domain.PurchaseOrder{}, err
	}

	var before, after domain.PurchaseOrder
	transient := func(err error) bool { return errors.Is(err, store.ErrConflict) }
	err = s.retry(ctx, "receive "+purchaseOrderID, transient, func() error {
		return s.repo.WithTx(ctx, func(tx store.Tx) error {
			po, err := tx.LockPurchaseOrder(ctx, purchaseOrderID)
			if err != nil {
				return err
			}
			if err := checkReceivable(*po); err != nil {
				return err
			}
			before = *po

			now := s.now()
			cause := inventory.Cause{Type: domain.MovementReceipt, CauseID: po.ID, ActorID: actor.Username, At: now}
			for _, line := range po.Lines {
				if *line.ReceivedQty == 0 {
					continue
				}
				_, err := inventory.CreateOrTopUp(ctx, tx, domain.LotReceipt{
					ItemID:        line.ItemID,
					LotNumber:     line.LotNumber,
					ExpiryDate:    *line.ExpiryDate,
					Quantity:      *line.ReceivedQty,
					UnitCostCents: line.UnitCostCents,
					SupplierID:    po.SupplierID,
					ReceivedAt:    now,
				}, cause)
				if err != nil {
					return fmt.Errorf("receive line %d: %w", line.LineNo, err)
				}
			}

			next := *po
			next.Status = domain.PurchaseOrderReceived
			next.ReceivedBy = actor.Username
			next.ReceivedAt = &now
			if err := tx.TransitionPurchaseOrder(ctx, next, domain.PurchaseOrderDraft, domain.PurchaseOrderOrdered); err != nil {
				if errors.Is(err, domain.ErrInvalidStatus) {
					return &domain.AlreadyReceivedError{PurchaseOrderID: po.ID, Status: po.Status}
				}
				return err
			}
			after = next
			return nil
		})
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.audit.Record(ctx, audit.EntityPurchase, purchaseOrderID, audit.ActionStatusChange, before, after)
	return after, nil
}

// checkReceivable rejects orders that were already received and names the
// first line missing receiving data.
func checkReceivable(po domain.PurchaseOrder) error {
	if po.Status == domain.PurchaseOrderReceived || po.Status == domain.PurchaseOrderClosed {
		return &domain.AlreadyReceivedError{PurchaseOrderID: po.ID, Status: po.Status}
	}
	if len(po.Lines) == 0 {
		return fmt.Errorf("%w: purchase order %s has no lines", store.ErrInvalidTransaction, po.ID)
	}
	for _, line := range po.Lines {
		var missing []string
		if line.ReceivedQty == nil {
			missing = append(missing, "received_qty")
		}
		if strings.TrimSpace(line.LotNumber) == "" {
			missing = append(missing, "lot_number")
		}
		if line.ExpiryDate == nil || line.ExpiryDate.IsZero() {
			missing = append(missing, "expiry_date")
		}
		if len(missing) > 0 {
			return &domain.IncompleteReceivingDataError{LineNo: line.LineNo, ItemID: line.ItemID, Missing: missing}
		}
	}
	return nil
}
