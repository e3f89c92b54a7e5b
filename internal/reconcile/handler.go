package reconcile

import (
	"context"
	"errors"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
	kafkax "github.com/ariefcatur/go-payment-reconciliation/internal/kafka"
	"github.com/ariefcatur/go-payment-reconciliation/internal/ledger"
)

// HandleMessage is the consumer handler for reconciliation requests. It resolves the named
// intent right away instead of waiting for the next sweep; failures are left to the sweeper.
func (s *Sweeper) HandleMessage(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.Decode(m)
	if err != nil {
		return err
	}
	if env.EventType != events.EventReconciliationNeeded {
		return nil
	}
	log := s.Log.With(zap.String("event_id", env.EventID))

	if s.Dedup != nil {
		seen, err := s.Dedup.Seen(ctx, env.EventID)
		if err != nil {
			log.Warn("dedup lookup failed", zap.Error(err))
		}
		if seen {
			return nil
		}
	}

	p, err := events.Unwrap[events.ReconciliationNeededPayload](env)
	if err != nil {
		return err
	}
	log = log.With(zap.String("intent_id", p.IntentID))

	in, err := s.Intents.GetIntent(ctx, p.IntentID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		log.Warn("reconciliation requested for unknown intent")
	case err != nil:
		return err
	case in.Status.Open():
		if _, err := s.Resolve(ctx, *in); err != nil {
			log.Warn("immediate resolution failed, left for sweeper", zap.Error(err))
		}
	}

	if s.Dedup != nil {
		if err := s.Dedup.Mark(ctx, env.EventID); err != nil {
			log.Warn("dedup mark failed", zap.Error(err))
		}
	}
	return nil
}
