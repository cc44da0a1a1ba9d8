package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/catalog"
	errs "github.com/rcourtman/billing-reconciler/internal/errors"
	"github.com/rcourtman/billing-reconciler/internal/logging"
	"github.com/rcourtman/billing-reconciler/internal/metrics"
	"github.com/rcourtman/billing-reconciler/internal/models"
	"github.com/rcourtman/billing-reconciler/internal/notify"
	"github.com/rcourtman/billing-reconciler/internal/webhook"
)

// ProjectionOutcome describes what a projection did.
type ProjectionOutcome string

const (
	ProjectionUpserted ProjectionOutcome = "upserted"
	ProjectionCleared  ProjectionOutcome = "cleared"
	// ProjectionNotFound is a deletion for a subscription never recorded.
	ProjectionNotFound ProjectionOutcome = "not_found"
	// ProjectionUnresolvedProduct means the catalog has no product for the
	// event. Retrying cannot fix catalog configuration, so it is acknowledged.
	ProjectionUnresolvedProduct ProjectionOutcome = "unresolved_product"
)

// Projector owns the subscription records.
type Projector struct {
	store       SubscriptionStore
	catalog     catalog.Catalog
	fetcher     SubscriptionFetcher
	notifier    notify.Notifier
	callTimeout time.Duration
}

// NewProjector creates a projector. fetcher may be nil, in which case
// checkouts are projected from the session alone.
func NewProjector(store SubscriptionStore, cat catalog.Catalog, fetcher SubscriptionFetcher, notifier notify.Notifier, callTimeout time.Duration) *Projector {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Projector{
		store:       store,
		catalog:     cat,
		fetcher:     fetcher,
		notifier:    notifier,
		callTimeout: callTimeout,
	}
}

// ProjectCheckout records the customer mapping from a completed checkout and
// activates the subscription it created.
func (p *Projector) ProjectCheckout(ctx context.Context, ev webhook.SubscriptionCreated) (ProjectionOutcome, error) {
	userID := ev.UserID
	if userID == "" && ev.CustomerID != "" {
		mapped, err := p.userForCustomer(ctx, ev.CustomerID)
		if err != nil {
			return "", err
		}
		userID = mapped
	}
	if userID == "" {
		return "", errs.NewValidationError("project_checkout", ev.SessionID, fmt.Errorf("checkout carries no user reference"))
	}

	if ev.CustomerID != "" {
		if err := p.linkCustomer(ctx, ev.CustomerID, userID, ev.Email); err != nil {
			return "", err
		}
	}

	snapshot := webhook.SubscriptionUpdated{
		Envelope:        ev.Envelope,
		SubscriptionID:  ev.SubscriptionID,
		CustomerID:      ev.CustomerID,
		Status:          string(models.SubscriptionActive),
		ProductSlugHint: ev.ProductSlugHint,
	}
	if p.fetcher != nil && ev.SubscriptionID != "" {
		callCtx, cancel := withCallTimeout(ctx, p.callTimeout)
		fetched, err := p.fetcher.FetchSubscription(callCtx, ev.SubscriptionID)
		cancel()
		if err != nil {
			return "", err
		}
		fetched.Envelope = ev.Envelope
		if fetched.ProductSlugHint == "" {
			fetched.ProductSlugHint = ev.ProductSlugHint
		}
		snapshot = fetched
	}

	sub, product, outcome, err := p.upsert(ctx, userID, snapshot, "checkout")
	if err != nil || outcome != ProjectionUpserted {
		return outcome, err
	}

	p.notifier.Notify(ctx, notify.Notification{
		ID:      ev.ID + ":" + string(notify.KindSubscriptionConfirmed),
		Kind:    notify.KindSubscriptionConfirmed,
		UserID:  userID,
		Email:   ev.Email,
		Payload: subscriptionPayload(ev.ID, sub, product),
	})
	return outcome, nil
}

// ProjectUpdate writes the snapshot carried by a created or updated event.
func (p *Projector) ProjectUpdate(ctx context.Context, ev webhook.SubscriptionUpdated) (ProjectionOutcome, error) {
	userID := ev.UserID
	if userID == "" {
		if ev.CustomerID == "" {
			return "", errs.NewValidationError("project_update", ev.SubscriptionID, fmt.Errorf("subscription has no customer"))
		}
		mapped, err := p.userForCustomer(ctx, ev.CustomerID)
		if err != nil {
			return "", err
		}
		if mapped == "" {
			// The checkout that creates the mapping may not be processed yet.
			return "", errs.NewUnmappedError("project_update", ev.CustomerID)
		}
		userID = mapped
	} else if ev.CustomerID != "" {
		// Subscriptions created outside checkout carry the user in metadata;
		// invoices only carry the customer.
		if err := p.linkCustomer(ctx, ev.CustomerID, userID, ""); err != nil {
			return "", err
		}
	}

	_, _, outcome, err := p.upsert(ctx, userID, ev, "update")
	return outcome, err
}

// ProjectDeletion resets the subscription owned by the provider id to the
// free tier. Unknown ids are a no-op.
func (p *Projector) ProjectDeletion(ctx context.Context, ev webhook.SubscriptionDeleted) (ProjectionOutcome, error) {
	callCtx, cancel := withCallTimeout(ctx, p.callTimeout)
	cleared, err := p.store.ClearSubscription(callCtx, ev.SubscriptionID)
	cancel()
	if err != nil {
		return "", errs.WrapStoreError("clear_subscription", ev.SubscriptionID, err)
	}

	logger := logging.FromContext(ctx)
	if cleared == nil {
		logger.Info().
			Str("event_id", ev.ID).
			Str("subscription_id", ev.SubscriptionID).
			Msg("Subscription deletion for unknown subscription, nothing to clear")
		return ProjectionNotFound, nil
	}
	metrics.SubscriptionProjectionsTotal.WithLabelValues("delete", string(cleared.Status)).Inc()
	logger.Info().
		Str("event_id", ev.ID).
		Str("user_id", cleared.UserID).
		Str("product", cleared.ProductSlug).
		Msg("Subscription cleared to free tier")

	var product *models.Product
	callCtx, cancel = withCallTimeout(ctx, p.callTimeout)
	product, err = p.catalog.GetProduct(callCtx, cleared.ProductSlug)
	cancel()
	if err != nil {
		// Only the notification wording depends on it.
		logger.Warn().Err(err).Str("product", cleared.ProductSlug).Msg("Catalog lookup failed for cancellation notice")
	}

	p.notifier.Notify(ctx, notify.Notification{
		ID:      ev.ID + ":" + string(notify.KindSubscriptionCanceled),
		Kind:    notify.KindSubscriptionCanceled,
		UserID:  cleared.UserID,
		Payload: subscriptionPayload(ev.ID, cleared, product),
	})
	return ProjectionCleared, nil
}

func (p *Projector) linkCustomer(ctx context.Context, customerID, userID, email string) error {
	callCtx, cancel := withCallTimeout(ctx, p.callTimeout)
	defer cancel()
	err := p.store.LinkCustomer(callCtx, &models.Customer{
		ProviderCustomerID: customerID,
		UserID:             userID,
		Email:              email,
	})
	if err != nil {
		return errs.WrapStoreError("link_customer", customerID, err)
	}
	return nil
}

func (p *Projector) userForCustomer(ctx context.Context, customerID string) (string, error) {
	callCtx, cancel := withCallTimeout(ctx, p.callTimeout)
	defer cancel()
	userID, err := p.store.UserIDForCustomer(callCtx, customerID)
	if err != nil {
		return "", errs.WrapStoreError("lookup_customer", customerID, err)
	}
	return userID, nil
}

// resolveProduct finds the product by provider product id, falling back to
// the slug hint.
func (p *Projector) resolveProduct(ctx context.Context, providerProductID, slugHint string) (*models.Product, error) {
	if providerProductID != "" {
		callCtx, cancel := withCallTimeout(ctx, p.callTimeout)
		product, err := p.catalog.GetProductByProviderID(callCtx, providerProductID)
		cancel()
		if err != nil {
			return nil, errs.WrapCatalogError("get_product_by_provider_id", providerProductID, err)
		}
		if product != nil {
			return product, nil
		}
	}
	if slug := strings.TrimSpace(slugHint); slug != "" {
		callCtx, cancel := withCallTimeout(ctx, p.callTimeout)
		product, err := p.catalog.GetProduct(callCtx, slug)
		cancel()
		if err != nil {
			return nil, errs.WrapCatalogError("get_product", slug, err)
		}
		return product, nil
	}
	return nil, nil
}

func (p *Projector) upsert(ctx context.Context, userID string, snap webhook.SubscriptionUpdated, kind string) (*models.Subscription, *models.Product, ProjectionOutcome, error) {
	logger := logging.FromContext(ctx)

	product, err := p.resolveProduct(ctx, snap.ProviderProductID, snap.ProductSlugHint)
	if err != nil {
		return nil, nil, "", err
	}
	if product == nil {
		logger.Warn().
			Str("event_id", snap.ID).
			Str("subscription_id", snap.SubscriptionID).
			Str("provider_product_id", snap.ProviderProductID).
			Str("product_slug_hint", snap.ProductSlugHint).
			Msg("No catalog product for subscription, skipping projection")
		return nil, nil, ProjectionUnresolvedProduct, nil
	}

	tierID := ""
	if tier := product.MatchTier(snap.TierHint); tier != nil {
		tierID = tier.ID
	}
	if tierID == "" {
		return nil, nil, "", errs.NewValidationError("project_subscription", product.Slug, fmt.Errorf("product has no tiers"))
	}

	sub := &models.Subscription{
		UserID:                 userID,
		ProductSlug:            product.Slug,
		ProviderSubscriptionID: snap.SubscriptionID,
		ProviderPriceID:        snap.PriceID,
		TierID:                 tierID,
		Status:                 MapProviderStatus(snap.Status),
		CurrentPeriodEnd:       snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
	}

	callCtx, cancel := withCallTimeout(ctx, p.callTimeout)
	err = p.store.UpsertSubscription(callCtx, sub)
	cancel()
	if err != nil {
		return nil, nil, "", errs.WrapStoreError("upsert_subscription", userID+"/"+product.Slug, err)
	}

	metrics.SubscriptionProjectionsTotal.WithLabelValues(kind, string(sub.Status)).Inc()
	logger.Info().
		Str("event_id", snap.ID).
		Str("user_id", userID).
		Str("product", product.Slug).
		Str("tier", tierID).
		Str("status", string(sub.Status)).
		Msg("Subscription projected")
	return sub, product, ProjectionUpserted, nil
}

func subscriptionPayload(eventID string, sub *models.Subscription, product *models.Product) map[string]any {
	payload := map[string]any{
		notify.KeyEventID:     eventID,
		notify.KeyProductSlug: sub.ProductSlug,
		notify.KeyTierID:      sub.TierID,
	}
	if sub.CurrentPeriodEnd != nil {
		payload[notify.KeyPeriodEnd] = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	if product != nil {
		payload[notify.KeyProductName] = product.DisplayName
		for _, tier := range product.Tiers {
			if tier.ID == sub.TierID {
				payload[notify.KeyTierName] = tier.DisplayName
				break
			}
		}
	}
	return payload
}
