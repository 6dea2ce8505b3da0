package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInsufficientStock          = errors.New("insufficient stock")
	ErrNegativeStock              = errors.New("negative stock")
	ErrAlreadyReceived            = errors.New("purchase order already received")
	ErrIncompleteReceivingData    = errors.New("incomplete receiving data")
	ErrPrescriptionRequired       = errors.New("prescription required")
	ErrPrescriptionNotDispensable = errors.New("prescription cannot be dispensed")
	ErrLotExpiryMismatch          = errors.New("lot expiry date mismatch")
	ErrInvalidStatus              = errors.New("invalid status transition")
)

// InsufficientStockError reports how much of an item could actually be allocated.
type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type NegativeStockError struct {
	LotID     string
	Requested int
	OnHand    int
}

func (e *NegativeStockError) Error() string {
	return fmt.Sprintf("lot %s would go negative: change %d, on hand %d", e.LotID, e.Requested, e.OnHand)
}

func (e *NegativeStockError) Is(target error) bool {
	return target == ErrNegativeStock
}

type AlreadyReceivedError struct {
	PurchaseOrderID string
	Status          string
}

func (e *AlreadyReceivedError) Error() string {
	return fmt.Sprintf("purchase order %s already %s", e.PurchaseOrderID, strings.ToLower(e.Status))
}

func (e *AlreadyReceivedError) Is(target error) bool {
	return target == ErrAlreadyReceived
}

// IncompleteReceivingDataError names the first purchase order line that
// cannot be received and the fields it is missing.
type IncompleteReceivingDataError struct {
	LineNo  int
	ItemID  string
	Missing []string
}

func (e *IncompleteReceivingDataError) Error() string {
	return fmt.Sprintf("line %d (item %s) missing %s", e.LineNo, e.ItemID, strings.Join(e.Missing, ", "))
}

func (e *IncompleteReceivingDataError) Is(target error) bool {
	return target == ErrIncompleteReceivingData
}

type PrescriptionRequiredError struct {
	ItemID string
}

func (e *PrescriptionRequiredError) Error() string {
	return fmt.Sprintf("item %s requires a prescription", e.ItemID)
}

func (e *PrescriptionRequiredError) Is(target error) bool {
	return target == ErrPrescriptionRequired
}
