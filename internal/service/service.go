package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"apotek/backend/internal/audit"
	"apotek/backend/internal/domain"
	"apotek/backend/internal/inventory"
	"apotek/backend/internal/store"
	"apotek/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden role")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// ItemCatalog is the read-only view of the item catalog used by the sale
// and receiving workflows.
type ItemCatalog interface {
	GetItems(ctx context.Context, ids []string) (map[string]domain.Item, error)
	Invalidate(ctx context.Context, itemID string)
}

type Options struct {
	// SaleRetryLimit bounds how many times a sale or receipt is attempted
	// when it loses a race on a lot.
	SaleRetryLimit int
	InvoicePrefix  string
	Now            func() time.Time
}

type Service struct {
	repo          store.Repository
	catalog       ItemCatalog
	audit         *audit.Recorder
	validate      *validator.Validate
	retryLimit    int
	invoicePrefix string
	now           func() time.Time
}

func New(repo store.Repository, catalog ItemCatalog, opts Options) *Service {
	if opts.SaleRetryLimit < 1 {
		opts.SaleRetryLimit = 3
	}
	if strings.TrimSpace(opts.InvoicePrefix) == "" {
		opts.InvoicePrefix = "INV"
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:          repo,
		catalog:       catalog,
		audit:         audit.NewRecorder(repo, ActorFromContext),
		validate:      newValidator(),
		retryLimit:    opts.SaleRetryLimit,
		invoicePrefix: strings.ToUpper(strings.TrimSpace(opts.InvoicePrefix)),
		now:           opts.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// validateRequest reports the first failing field as ErrInvalidTransaction.
func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		return fmt.Errorf("%w: %s failed %s", store.ErrInvalidTransaction, field, fe.Tag())
	}
	return fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return domain.Actor{}, fmt.Errorf("%w: actor required", ErrForbidden)
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %s role cannot perform this action", ErrForbidden, actor.Role)
}

// retry runs attempt until it succeeds, fails with a non-transient error or
// the retry limit is reached. It returns the last error.
func (s *Service) retry(ctx context.Context, op string, transient func(error) bool, attempt func() error) error {
	var err error
	for n := 1; n <= s.retryLimit; n++ {
		err = attempt()
		if err == nil || !transient(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Printf("[service] WARN: %s attempt %d/%d lost a race: %v", op, n, s.retryLimit, err)
	}
	return err
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.Item, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Item{}, err
	}
	req.ID = strings.ToUpper(strings.TrimSpace(req.ID))
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return domain.Item{}, err
	}

	created, err := s.repo.CreateItem(ctx, domain.Item{
		ID:                   req.ID,
		Name:                 req.Name,
		RequiresPrescription: req.RequiresPrescription,
		PriceCents:           req.PriceCents,
		Active:               true,
		CreatedAt:            s.now(),
	})
	if err != nil {
		return domain.Item{}, err
	}
	s.catalog.Invalidate(ctx, created.ID)
	s.audit.Record(ctx, audit.EntityItem, created.ID, audit.ActionCreate, nil, created)
	return *created, nil
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.repo.ListItems(ctx)
}

func (s *Service) GetLot(ctx context.Context, lotID string) (domain.Lot, error) {
	lot, err := s.repo.GetLot(ctx, strings.TrimSpace(lotID))
	if err != nil {
		return domain.Lot{}, err
	}
	return *lot, nil
}

func (s *Service) ListLots(ctx context.Context, itemID string, includeEmpty bool, limit int) (domain.LotListResponse, error) {
	lots, err := s.repo.ListLots(ctx, store.LotFilter{
		ItemID:       strings.TrimSpace(itemID),
		IncludeEmpty: includeEmpty,
		Limit:        limit,
	})
	if err != nil {
		return domain.LotListResponse{}, err
	}
	return domain.LotListResponse{Lots: lots}, nil
}

// ExpiringLots lists lots that still hold stock and expire before the given
// instant, soonest first.
func (s *Service) ExpiringLots(ctx context.Context, before time.Time, limit int) (domain.LotListResponse, error) {
	if before.IsZero() {
		return domain.LotListResponse{}, store.ErrInvalidTransaction
	}
	lots, err := s.repo.ListLots(ctx, store.LotFilter{ExpiringBefore: &before, Limit: limit})
	if err != nil {
		return domain.LotListResponse{}, err
	}
	return domain.LotListResponse{Lots: lots}, nil
}

// AdjustLot books a stock-take correction or an expiry write-off against a
// single lot.
func (s *Service) AdjustLot(ctx context.Context, lotID string, req domain.LotAdjustRequest) (domain.Lot, error) {
	actor, err := requireRole(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.Lot{}, err
	}
	lotID = strings.TrimSpace(lotID)
	req.Type = strings.ToUpper(strings.TrimSpace(req.Type))
	req.Reason = strings.TrimSpace(req.Reason)
	if err := s.validateRequest(req); err != nil {
		return domain.Lot{}, err
	}

	adjustmentID := xid.New("adj")
	var before, after domain.Lot
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		before = *current
		updated, err := inventory.Adjust(ctx, tx, lotID, req.Delta, inventory.Cause{
			Type:    domain.MovementType(req.Type),
			CauseID: adjustmentID,
			ActorID: actor.Username,
			Note:    req.Reason,
			At:      s.now(),
		})
		if err != nil {
			return err
		}
		after = *updated
		return nil
	})
	if err != nil {
		return domain.Lot{}, err
	}

	s.audit.Record(ctx, audit.EntityLot, lotID, audit.ActionAdjust, before, after)
	return after, nil
}

func (s *Service) ReconcileLot(ctx context.Context, lotID string) (domain.LotReconciliation, error) {
	rec, err := inventory.Reconcile(ctx, s.repo, strings.TrimSpace(lotID))
	if err != nil {
		return domain.LotReconciliation{}, err
	}
	if !rec.Balanced {
		log.Printf("[service] WARN: lot %s out of balance: on_hand=%d journal=%d", rec.LotID, rec.QuantityOnHand, rec.JournalSum)
	}
	return rec, nil
}

func (s *Service) ListMovements(ctx context.Context, filter store.MovementFilter) ([]domain.MovementEntry, error) {
	filter.ItemID = strings.TrimSpace(filter.ItemID)
	filter.LotID = strings.TrimSpace(filter.LotID)
	filter.CauseID = strings.TrimSpace(filter.CauseID)
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) ListAuditRecords(ctx context.Context, filter store.AuditFilter) ([]domain.AuditRecord, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	filter.Entity = strings.TrimSpace(filter.Entity)
	filter.EntityID = strings.TrimSpace(filter.EntityID)
	return s.repo.ListAuditRecords(ctx, filter)
}
