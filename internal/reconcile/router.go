package reconcile

import (
	"context"
	"time"

	errs "github.com/rcourtman/billing-reconciler/internal/errors"
	"github.com/rcourtman/billing-reconciler/internal/logging"
	"github.com/rcourtman/billing-reconciler/internal/webhook"
)

// DefaultEventTimeout bounds the handling of a whole event, well under the
// provider's delivery timeout.
const DefaultEventTimeout = 20 * time.Second

// Router dispatches verified events to the projector and commission engine.
type Router struct {
	projector    *Projector
	commissions  *CommissionEngine
	eventTimeout time.Duration
}

// NewRouter creates a router.
func NewRouter(projector *Projector, commissions *CommissionEngine, eventTimeout time.Duration) *Router {
	if eventTimeout <= 0 {
		eventTimeout = DefaultEventTimeout
	}
	return &Router{
		projector:    projector,
		commissions:  commissions,
		eventTimeout: eventTimeout,
	}
}

// Route handles ev. It returns an error only when the provider should
// redeliver the event; every other failure is logged and acknowledged.
func (r *Router) Route(ctx context.Context, ev webhook.Event) (webhook.RouteResult, error) {
	meta := ev.Meta()
	result := webhook.RouteResult{
		EventID:   meta.ID,
		EventType: meta.Type,
		Status:    webhook.StatusProcessed,
	}
	logger := logging.FromContext(ctx).With().
		Str("event_id", meta.ID).
		Str("type", meta.Type).
		Logger()

	ctx, cancel := context.WithTimeout(ctx, r.eventTimeout)
	defer cancel()

	var (
		outcome string
		err     error
	)
	switch e := ev.(type) {
	case webhook.SubscriptionCreated:
		var o ProjectionOutcome
		o, err = r.projector.ProjectCheckout(ctx, e)
		outcome = string(o)
	case webhook.SubscriptionUpdated:
		var o ProjectionOutcome
		o, err = r.projector.ProjectUpdate(ctx, e)
		outcome = string(o)
	case webhook.SubscriptionDeleted:
		var o ProjectionOutcome
		o, err = r.projector.ProjectDeletion(ctx, e)
		outcome = string(o)
	case webhook.InvoicePaid:
		var o Outcome
		o, err = r.commissions.OnInvoicePaid(ctx, e)
		outcome = string(o)
	default:
		logger.Info().Msg("Webhook ignored (unhandled type)")
		result.Status = webhook.StatusIgnored
		return result, nil
	}

	if err != nil {
		if errs.IsRetryableError(err) {
			return result, err
		}
		logger.Error().Err(err).Msg("Webhook event failed permanently, acknowledging")
		result.Status = webhook.StatusErrorIgnored
		return result, nil
	}
	result.Outcome = outcome
	return result, nil
}
