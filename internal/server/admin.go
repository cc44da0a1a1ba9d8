package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/logging"
	"github.com/rcourtman/billing-reconciler/internal/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
	readyTimeout     = 2 * time.Second
)

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminReader is the read side used by the admin API.
type AdminReader interface {
	GetAffiliateLink(ctx context.Context, userID string) (*models.AffiliateLink, error)
	ListCommissions(ctx context.Context, affiliateUserID string, limit int) ([]*models.Commission, error)
	GetSubscription(ctx context.Context, userID, productSlug string) (*models.Subscription, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]*models.InboxNotification, error)
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks store connectivity (readiness probe).
func HandleReadyz(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "text/plain")
		if err := store.Ping(ctx); err != nil {
			logger := logging.FromContext(r.Context())
			logger.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			// Also check Authorization: Bearer <key>
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if adminKey == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

type affiliateResponse struct {
	*models.AffiliateLink
	LockDeadline *time.Time `json:"lock_deadline,omitempty"`
}

// HandleGetAffiliate returns an affiliate's terms and balances.
func HandleGetAffiliate(store AdminReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("userID"))
		link, err := store.GetAffiliateLink(r.Context(), userID)
		if err != nil {
			internalError(w, r, err, "get affiliate link")
			return
		}
		if link == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "affiliate not found"})
			return
		}

		resp := affiliateResponse{AffiliateLink: link}
		if deadline, ok := link.LockDeadline(); ok {
			resp.LockDeadline = &deadline
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleListCommissions lists an affiliate's commission ledger, newest first.
func HandleListCommissions(store AdminReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("userID"))
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}

		commissions, err := store.ListCommissions(r.Context(), userID, limit)
		if err != nil {
			internalError(w, r, err, "list commissions")
			return
		}
		if commissions == nil {
			commissions = []*models.Commission{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"commissions": commissions,
			"count":       len(commissions),
		})
	}
}

// HandleGetSubscription returns the subscription record for one user and product.
func HandleGetSubscription(store AdminReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("userID"))
		slug := strings.TrimSpace(r.PathValue("productSlug"))
		sub, err := store.GetSubscription(r.Context(), userID, slug)
		if err != nil {
			internalError(w, r, err, "get subscription")
			return
		}
		if sub == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "subscription not found"})
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

// HandleListNotifications returns a user's inbox.
func HandleListNotifications(store AdminReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("userID"))
		limit, ok := parseLimit(w, r)
		if !ok {
			return
		}

		items, err := store.ListNotifications(r.Context(), userID, limit)
		if err != nil {
			internalError(w, r, err, "list notifications")
			return
		}
		if items == nil {
			items = []*models.InboxNotification{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"notifications": items,
			"count":         len(items),
		})
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func internalError(w http.ResponseWriter, r *http.Request, err error, op string) {
	logger := logging.FromContext(r.Context())
	logger.Error().Err(err).Str("op", op).Msg("Admin request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
