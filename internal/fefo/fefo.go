// Package fefo plans First-Expired-First-Out draw-downs across stock lots.
// It never mutates stock; callers apply a plan inside the transaction that
// read the lots.
package fefo

import (
	"slices"
	"strings"
	"time"

	"apotek/backend/internal/domain"
)

// Eligible reports whether a lot can be drawn from at now.
func Eligible(lot domain.Lot, now time.Time) bool {
	return lot.QuantityOnHand > 0 && lot.ExpiryDate.After(now)
}

// Compare orders lots by expiry, then creation time, then id.
func Compare(a domain.Lot, b domain.Lot) int {
	if c := a.ExpiryDate.Compare(b.ExpiryDate); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Available sums the quantity of lots of itemID that are eligible at now.
func Available(itemID string, lots []domain.Lot, now time.Time) int {
	total := 0
	for _, lot := range lots {
		if lot.ItemID == itemID && Eligible(lot, now) {
			total += lot.QuantityOnHand
		}
	}
	return total
}

// Allocate returns the draw-down plan for requested units of itemID. The plan
// is all-or-nothing: when eligible stock is short it returns an
// *domain.InsufficientStockError and no steps.
func Allocate(itemID string, requested int, lots []domain.Lot, now time.Time) (domain.AllocationPlan, error) {
	candidates := make([]domain.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.ItemID == itemID && Eligible(lot, now) {
			candidates = append(candidates, lot)
		}
	}
	slices.SortFunc(candidates, Compare)

	plan := domain.AllocationPlan{ItemID: itemID, Requested: requested}
	if requested < 1 {
		return plan, &domain.InsufficientStockError{ItemID: itemID, Requested: requested, Available: Available(itemID, lots, now)}
	}

	remaining := requested
	steps := make([]domain.AllocationStep, 0, 2)
	for _, lot := range candidates {
		if remaining == 0 {
			break
		}
		take := min(lot.QuantityOnHand, remaining)
		steps = append(steps, domain.AllocationStep{
			LotID:      lot.ID,
			LotNumber:  lot.LotNumber,
			Quantity:   take,
			ExpiryDate: lot.ExpiryDate,
		})
		remaining -= take
	}
	if remaining > 0 {
		return plan, &domain.InsufficientStockError{
			ItemID:    itemID,
			Requested: requested,
			Available: requested - remaining,
		}
	}

	plan.Steps = steps
	return plan, nil
}

// Deduct subtracts a plan from a working copy of lots so that a later
// allocation in the same transaction does not reuse the same units.
func Deduct(lots []domain.Lot, plan domain.AllocationPlan) {
	for _, step := range plan.Steps {
		for i := range lots {
			if lots[i].ID == step.LotID {
				lots[i].QuantityOnHand -= step.Quantity
				break
			}
		}
	}
}
