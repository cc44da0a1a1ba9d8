package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/billing-reconciler/internal/logging"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	AdminKey         string
	PublicMetrics    bool
	WebhookRateLimit int
	Store            Store
	Webhook          http.Handler
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.AdminKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Store))

	metricsHandler := promhttp.Handler()
	if deps.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhookLimiter := NewRateLimiter(deps.WebhookRateLimit)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(deps.Webhook))

	// Admin API (key-authenticated)
	mux.Handle("GET /api/admin/affiliates/{userID}", adminAuth(HandleGetAffiliate(deps.Store)))
	mux.Handle("GET /api/admin/affiliates/{userID}/commissions", adminAuth(HandleListCommissions(deps.Store)))
	mux.Handle("GET /api/admin/subscriptions/{userID}/{productSlug}", adminAuth(HandleGetSubscription(deps.Store)))
	mux.Handle("GET /api/admin/users/{userID}/notifications", adminAuth(HandleListNotifications(deps.Store)))
}

// requestIDMiddleware tags each request's context with its X-Request-ID, or a
// fresh one, and echoes it back.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
