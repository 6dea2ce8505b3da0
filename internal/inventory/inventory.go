// Package inventory owns every change to a lot's quantity. Each exported
// mutation writes exactly one movement entry through the same store.Tx as
// the lot change, so a lot's quantity always equals the sum of its journal.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"apotek/backend/internal/domain"
	"apotek/backend/internal/store"
	"apotek/backend/internal/xid"
)

// Cause attributes a movement to the record and actor that caused it.
type Cause struct {
	Type    domain.MovementType
	CauseID string
	ActorID string
	Note    string
	At      time.Time
}

// CreateOrTopUp adds receipt.Quantity to the lot identified by
// (ItemID, LotNumber), inserting the lot when it does not exist yet.
func CreateOrTopUp(ctx context.Context, tx store.Tx, receipt domain.LotReceipt, cause Cause) (*domain.Lot, error) {
	if receipt.Quantity < 1 {
		return nil, fmt.Errorf("top up lot %s/%s: %w", receipt.ItemID, receipt.LotNumber, store.ErrInvalidTransaction)
	}
	at := cause.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if receipt.ReceivedAt.IsZero() {
		receipt.ReceivedAt = at
	}

	existing, err := tx.FindLot(ctx, receipt.ItemID, receipt.LotNumber)
	switch {
	case errors.Is(err, store.ErrNotFound):
		lot := domain.Lot{
			ID:             xid.New("lot"),
			ItemID:         receipt.ItemID,
			LotNumber:      receipt.LotNumber,
			ExpiryDate:     receipt.ExpiryDate,
			QuantityOnHand: receipt.Quantity,
			UnitCostCents:  receipt.UnitCostCents,
			SupplierID:     receipt.SupplierID,
			CreatedAt:      at,
			ReceivedAt:     receipt.ReceivedAt,
			UpdatedAt:      at,
		}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return nil, fmt.Errorf("insert lot %s/%s: %w", receipt.ItemID, receipt.LotNumber, err)
		}
		if err := appendMovement(ctx, tx, lot, receipt.Quantity, cause, at); err != nil {
			return nil, err
		}
		return &lot, nil
	case err != nil:
		return nil, fmt.Errorf("find lot %s/%s: %w", receipt.ItemID, receipt.LotNumber, err)
	}

	if !sameDay(existing.ExpiryDate, receipt.ExpiryDate) {
		return nil, fmt.Errorf("lot %s/%s expires %s, receipt says %s: %w",
			receipt.ItemID, receipt.LotNumber,
			existing.ExpiryDate.Format(time.DateOnly), receipt.ExpiryDate.Format(time.DateOnly),
			domain.ErrLotExpiryMismatch)
	}

	cost := WeightedUnitCost(existing.UnitCostCents, existing.QuantityOnHand, receipt.UnitCostCents, receipt.Quantity)
	if err := tx.SetLotCost(ctx, existing.ID, cost, receipt.ReceivedAt); err != nil {
		return nil, fmt.Errorf("update lot cost %s: %w", existing.ID, err)
	}
	lot, err := tx.ApplyLotDelta(ctx, existing.ID, receipt.Quantity, at)
	if err != nil {
		return nil, fmt.Errorf("top up lot %s: %w", existing.ID, err)
	}
	if err := appendMovement(ctx, tx, *lot, receipt.Quantity, cause, at); err != nil {
		return nil, err
	}
	return lot, nil
}

// Decrement removes qty from a lot. It fails with *domain.NegativeStockError
// when the lot holds less than qty at the moment of the write.
func Decrement(ctx context.Context, tx store.Tx, lotID string, qty int, cause Cause) (*domain.Lot, error) {
	if qty < 1 {
		return nil, fmt.Errorf("decrement lot %s by %d: %w", lotID, qty, store.ErrInvalidTransaction)
	}
	return apply(ctx, tx, lotID, -qty, cause)
}

// Adjust applies a signed correction to a lot for ADJUSTMENT, EXPIRY and
// RETURN movements.
func Adjust(ctx context.Context, tx store.Tx, lotID string, delta int, cause Cause) (*domain.Lot, error) {
	if delta == 0 {
		return nil, fmt.Errorf("adjust lot %s: %w", lotID, store.ErrInvalidTransaction)
	}
	switch cause.Type {
	case domain.MovementAdjustment, domain.MovementReturn:
	case domain.MovementExpiry:
		if delta > 0 {
			return nil, fmt.Errorf("expiry write-off must be negative: %w", store.ErrInvalidTransaction)
		}
	default:
		return nil, fmt.Errorf("adjust lot %s with %s: %w", lotID, cause.Type, store.ErrInvalidTransaction)
	}
	return apply(ctx, tx, lotID, delta, cause)
}

func apply(ctx context.Context, tx store.Tx, lotID string, delta int, cause Cause) (*domain.Lot, error) {
	at := cause.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	lot, err := tx.ApplyLotDelta(ctx, lotID, delta, at)
	if err != nil {
		return nil, fmt.Errorf("apply %d to lot %s: %w", delta, lotID, err)
	}
	if err := appendMovement(ctx, tx, *lot, delta, cause, at); err != nil {
		return nil, err
	}
	return lot, nil
}

func appendMovement(ctx context.Context, tx store.Tx, lot domain.Lot, delta int, cause Cause, at time.Time) error {
	entry := domain.MovementEntry{
		ID:        xid.New("mv"),
		Type:      cause.Type,
		ItemID:    lot.ItemID,
		LotID:     lot.ID,
		Delta:     delta,
		CauseID:   cause.CauseID,
		ActorID:   cause.ActorID,
		Note:      cause.Note,
		CreatedAt: at,
	}
	if err := tx.AppendMovement(ctx, entry); err != nil {
		return fmt.Errorf("append %s movement for lot %s: %w", cause.Type, lot.ID, err)
	}
	return nil
}

// Reconcile compares a lot's cached quantity with the sum of its journal.
func Reconcile(ctx context.Context, repo store.Repository, lotID string) (domain.LotReconciliation, error) {
	lot, err := repo.GetLot(ctx, lotID)
	if err != nil {
		return domain.LotReconciliation{}, err
	}
	sum, err := repo.SumMovements(ctx, lotID)
	if err != nil {
		return domain.LotReconciliation{}, err
	}
	return domain.LotReconciliation{
		LotID:          lotID,
		QuantityOnHand: lot.QuantityOnHand,
		JournalSum:     sum,
		Balanced:       sum == lot.QuantityOnHand,
	}, nil
}

// WeightedUnitCost averages the cost of stock on hand with an incoming
// receipt, rounding half away from zero to whole cents.
func WeightedUnitCost(oldCost int64, oldQty int, incomingCost int64, incomingQty int) int64 {
	if incomingQty <= 0 || incomingCost <= 0 {
		return oldCost
	}
	if oldQty <= 0 || oldCost <= 0 {
		return incomingCost
	}
	oldValue := decimal.NewFromInt(oldCost).Mul(decimal.NewFromInt(int64(oldQty)))
	newValue := decimal.NewFromInt(incomingCost).Mul(decimal.NewFromInt(int64(incomingQty)))
	totalQty := decimal.NewFromInt(int64(oldQty + incomingQty))
	return oldValue.Add(newValue).Div(totalQty).Round(0).IntPart()
}

func sameDay(a time.Time, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
