package reconcile

import (
	"strings"

	"github.com/rcourtman/billing-reconciler/internal/models"
)

// MapProviderStatus maps a provider subscription status onto the canonical
// set. Anything not recognised maps to free.
func MapProviderStatus(status string) models.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return models.SubscriptionActive
	case "trialing":
		return models.SubscriptionTrialing
	case "past_due":
		return models.SubscriptionPastDue
	case "canceled":
		return models.SubscriptionCanceled
	default:
		return models.SubscriptionFree
	}
}
