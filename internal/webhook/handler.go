package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/logging"
	"github.com/rcourtman/billing-reconciler/internal/metrics"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// SignatureHeader is the header carrying the provider signature.
const SignatureHeader = "Stripe-Signature"

// RouteStatus is how an event was acknowledged.
type RouteStatus string

const (
	StatusProcessed RouteStatus = "processed"
	StatusIgnored   RouteStatus = "ignored"
	// StatusErrorIgnored marks a non-retryable failure that was logged and
	// acknowledged so the provider stops redelivering.
	StatusErrorIgnored RouteStatus = "error_ignored"
)

// RouteResult summarises the handling of one event.
type RouteResult struct {
	EventID   string      `json:"event_id"`
	EventType string      `json:"event_type"`
	Status    RouteStatus `json:"status"`
	Outcome   string      `json:"outcome,omitempty"`
}

// Router dispatches verified events. A returned error means the event must
// be redelivered.
type Router interface {
	Route(ctx context.Context, ev Event) (RouteResult, error)
}

// Handler is the inbound webhook endpoint.
type Handler struct {
	secret   string
	verifier *Verifier
	router   Router
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool        `json:"received"`
	Status   RouteStatus `json:"status"`
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(secret string, verifier *Verifier, router Router) *Handler {
	if verifier == nil {
		verifier = NewVerifier()
	}
	return &Handler{
		secret:   secret,
		verifier: verifier,
		router:   router,
	}
}

// ServeHTTP verifies the signature and routes the event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	requestID := logging.GetRequestID(r.Context())
	if requestID == "" {
		requestID = r.Header.Get("X-Request-ID")
	}
	ctx, requestID := logging.WithRequestID(r.Context(), requestID)
	logger := log.With().Str("request_id", requestID).Logger()

	ev, err := h.verifier.Verify(payload, r.Header.Get(SignatureHeader), h.secret)
	if err != nil {
		switch {
		case errors.Is(err, ErrConfig):
			status = http.StatusServiceUnavailable
			logger.Error().Msg("Webhook rejected: signing secret not configured")
			writeJSON(w, status, webhookErrorResponse{Error: ErrConfig.Error()})
		case errors.Is(err, ErrMalformedPayload):
			status = http.StatusBadRequest
			logger.Warn().Err(err).Msg("Webhook rejected: malformed payload")
			writeJSON(w, status, webhookErrorResponse{Error: ErrMalformedPayload.Error()})
		default:
			status = http.StatusBadRequest
			logger.Warn().Err(err).Msg("Webhook rejected: invalid signature")
			writeJSON(w, status, webhookErrorResponse{Error: ErrSignatureInvalid.Error()})
		}
		return
	}
	meta := ev.Meta()
	eventType = meta.Type

	result, err := h.router.Route(ctx, ev)
	if err != nil {
		logger.Error().Err(err).
			Str("event_id", meta.ID).
			Str("type", meta.Type).
			Msg("Webhook processing failed, provider will retry")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, webhookReceivedResponse{Received: true, Status: result.Status})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
