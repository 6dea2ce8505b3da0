package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"apotek/backend/internal/domain"
	"apotek/backend/internal/xid"
)

const (
	EntityPurchase     = "purchase"
	EntitySale         = "sale"
	EntityLot          = "lot"
	EntityItem         = "item"
	EntityPrescription = "prescription"

	ActionCreate       = "CREATE"
	ActionUpdate       = "UPDATE"
	ActionStatusChange = "STATUS_CHANGE"
	ActionVoid         = "VOID"
	ActionAdjust       = "ADJUST"
)

type Writer interface {
	CreateAuditRecord(ctx context.Context, record domain.AuditRecord) error
}

// ActorFunc extracts the acting user from a request context.
type ActorFunc func(ctx context.Context) (domain.Actor, bool)

// Recorder appends before/after snapshots to the audit trail. It is best
// effort: write failures are logged and never returned to the caller.
type Recorder struct {
	writer Writer
	actor  ActorFunc
}

func NewRecorder(writer Writer, actor ActorFunc) *Recorder {
	return &Recorder{writer: writer, actor: actor}
}

func (r *Recorder) Record(ctx context.Context, entity string, entityID string, action string, before any, after any) {
	if r == nil || r.writer == nil {
		return
	}

	actor := domain.Actor{Username: "system", Role: "system"}
	if r.actor != nil {
		if a, ok := r.actor(ctx); ok {
			actor = a
		}
	}

	record := domain.AuditRecord{
		ID:        xid.New("audit"),
		Entity:    entity,
		EntityID:  entityID,
		Action:    action,
		ActorID:   actor.Username,
		ActorRole: actor.Role,
		Before:    snapshot(entity, entityID, before),
		After:     snapshot(entity, entityID, after),
		CreatedAt: time.Now().UTC(),
	}

	// The business transaction has already committed; a cancelled request
	// context must not drop the trail.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := r.writer.CreateAuditRecord(writeCtx, record); err != nil {
		log.Printf("[audit] WARN: failed to write audit record action=%s entity=%s/%s: %v", action, entity, entityID, err)
	}
}

func snapshot(entity string, entityID string, value any) json.RawMessage {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		log.Printf("[audit] WARN: failed to encode snapshot entity=%s/%s: %v", entity, entityID, err)
		return nil
	}
	return payload
}
