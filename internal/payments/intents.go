package payments

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
)

// outbox is the intent bookkeeping shared by the services: an intent is written before
// the processor is called, and closed or flagged for the sweeper afterwards.
type outbox struct {
	intents  IntentStore
	events   events.Publisher
	producer string
	log      *zap.Logger
}

func (o outbox) open(ctx context.Context, kind ledger.IntentKind, subject, ref string, amount int64,
	payload any, now time.Time) (*ledger.Intent, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	in := &ledger.Intent{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: subject,
		Reference: ref,
		Amount:    amount,
		Status:    ledger.IntentPending,
		Payload:   b,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.intents.CreateIntent(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

func (o outbox) close(ctx context.Context, id string, status ledger.IntentStatus, result any, lastErr string) {
	var b []byte
	if result != nil {
		b, _ = json.Marshal(result)
	}
	if err := o.intents.MarkIntent(ctx, id, status, b, lastErr); err != nil {
		// the sweeper will pick the intent up again and converge
		o.log.Warn("intent update failed", zap.String("intent_id", id),
			zap.String("status", string(status)), zap.Error(err))
	}
}

// flag records that the processor side effect happened but the ledger does not reflect it
// yet, and asks the reconciler to finish the job.
func (o outbox) flag(ctx context.Context, in *ledger.Intent, result any, cause error) {
	o.log.Error("reconciliation gap: processor succeeded, ledger write failed",
		zap.String("intent_id", in.ID),
		zap.String("kind", string(in.Kind)),
		zap.String("subject_id", in.SubjectID),
		zap.Error(cause))
	o.close(ctx, in.ID, ledger.IntentProcessorSucceeded, result, cause.Error())
	o.emit(ctx, events.EventReconciliationNeeded, in.ID, events.ReconciliationNeededPayload{
		IntentID:  in.ID,
		Kind:      string(in.Kind),
		SubjectID: in.SubjectID,
		Reason:    "LEDGER_WRITE_FAILED",
	})
}

func (o outbox) emit(ctx context.Context, eventType, key string, payload any) {
	if err := events.Emit(ctx, o.events, o.producer, eventType, key, payload); err != nil {
		o.log.Warn("publish failed", zap.String("event_type", eventType), zap.String("key", key), zap.Error(err))
	}
}
