package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func sign(t *testing.T, secret, payload string) (body []byte, header string) {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	body, header := sign(t, secret, payload)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

const subscriptionUpdatedJSON = `{
  "id": "evt_sub_1",
  "object": "event",
  "type": "customer.subscription.updated",
  "created": 1760000000,
  "data": {"object": {
    "id": "sub_1",
    "customer": "cus_1",
    "status": "active",
    "cancel_at_period_end": true,
    "metadata": {"user_id": "user-1"},
    "items": {"data": [{
      "current_period_end": 1762592000,
      "price": {"id": "price_pro", "product": "prod_sched", "metadata": {"tier": "pro"}}
    }]}
  }}
}`

func TestVerifyDecodesSubscriptionUpdated(t *testing.T) {
	body, header := sign(t, testSecret, subscriptionUpdatedJSON)

	ev, err := NewVerifier().Verify(body, header, testSecret)
	require.NoError(t, err)

	sub, ok := ev.(SubscriptionUpdated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "evt_sub_1", sub.ID)
	assert.Equal(t, "sub_1", sub.SubscriptionID)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "user-1", sub.UserID)
	assert.Equal(t, "price_pro", sub.PriceID)
	assert.Equal(t, "prod_sched", sub.ProviderProductID)
	assert.Equal(t, "pro", sub.TierHint)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, int64(1762592000), sub.CurrentPeriodEnd.Unix())
}

func TestVerifyErrors(t *testing.T) {
	body, header := sign(t, testSecret, subscriptionUpdatedJSON)
	v := NewVerifier()

	_, err := v.Verify(body, header, "")
	assert.ErrorIs(t, err, ErrConfig)

	_, err = v.Verify(body, "", testSecret)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = v.Verify(body, header, "whsec_other")
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	tampered := bytes.Replace(body, []byte("sub_1"), []byte("sub_2"), 1)
	_, err = v.Verify(tampered, header, testSecret)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	badBody, badHeader := sign(t, testSecret, `{not json`)
	_, err = v.Verify(badBody, badHeader, testSecret)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	missingID, missingHeader := sign(t, testSecret,
		`{"id":"evt_1","type":"customer.subscription.updated","data":{"object":{"status":"active"}}}`)
	_, err = v.Verify(missingID, missingHeader, testSecret)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(subscriptionUpdatedJSON),
		Secret:    testSecret,
		Timestamp: time.Now().Add(-time.Hour),
		Scheme:    "v1",
	})
	_, err := NewVerifier().Verify(signed.Payload, signed.Header, testSecret)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestDecodeEventTypes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		check   func(t *testing.T, ev Event)
	}{
		{
			name:    "checkout subscription",
			payload: `{"id":"evt_c","type":"checkout.session.completed","data":{"object":{"id":"cs_1","mode":"subscription","customer":"cus_1","subscription":"sub_1","client_reference_id":"user-9","customer_details":{"email":"a@example.com"},"metadata":{"product_slug":"scheduler"}}}}`,
			check: func(t *testing.T, ev Event) {
				c, ok := ev.(SubscriptionCreated)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "user-9", c.UserID)
				assert.Equal(t, "sub_1", c.SubscriptionID)
				assert.Equal(t, "a@example.com", c.Email)
				assert.Equal(t, "scheduler", c.ProductSlugHint)
			},
		},
		{
			name:    "checkout payment mode",
			payload: `{"id":"evt_p","type":"checkout.session.completed","data":{"object":{"id":"cs_2","mode":"payment"}}}`,
			check: func(t *testing.T, ev Event) {
				assert.IsType(t, Other{}, ev)
			},
		},
		{
			name:    "subscription created",
			payload: `{"id":"evt_sc","type":"customer.subscription.created","data":{"object":{"id":"sub_1","customer":{"id":"cus_1"},"status":"trialing","current_period_end":1700000000}}}`,
			check: func(t *testing.T, ev Event) {
				u, ok := ev.(SubscriptionUpdated)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "cus_1", u.CustomerID)
				assert.Equal(t, int64(1700000000), u.CurrentPeriodEnd.Unix())
			},
		},
		{
			name:    "subscription deleted",
			payload: `{"id":"evt_d","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","customer":"cus_1"}}}`,
			check: func(t *testing.T, ev Event) {
				d, ok := ev.(SubscriptionDeleted)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "sub_1", d.SubscriptionID)
			},
		},
		{
			name:    "invoice paid",
			payload: `{"id":"evt_i","type":"invoice.paid","data":{"object":{"id":"in_1","customer":"cus_1","amount_paid":10000,"currency":"USD","parent":{"subscription_details":{"subscription":"sub_1"}}}}}`,
			check: func(t *testing.T, ev Event) {
				inv, ok := ev.(InvoicePaid)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, int64(10000), inv.AmountPaidCents)
				assert.Equal(t, "usd", inv.Currency)
				assert.Equal(t, "sub_1", inv.SubscriptionID)
			},
		},
		{
			name:    "unknown type",
			payload: `{"id":"evt_u","type":"customer.created","data":{"object":{"id":"cus_1"}}}`,
			check: func(t *testing.T, ev Event) {
				o, ok := ev.(Other)
				require.True(t, ok, "got %T", ev)
				assert.Equal(t, "customer.created", o.Type)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body, header := sign(t, testSecret, tc.payload)
			ev, err := NewVerifier().Verify(body, header, testSecret)
			require.NoError(t, err)
			tc.check(t, ev)
		})
	}
}

type fakeRouter struct {
	result RouteResult
	err    error
	events []Event
}

func (f *fakeRouter) Route(_ context.Context, ev Event) (RouteResult, error) {
	f.events = append(f.events, ev)
	return f.result, f.err
}

func TestHandlerResponses(t *testing.T) {
	t.Run("processed", func(t *testing.T) {
		router := &fakeRouter{result: RouteResult{Status: StatusProcessed}}
		rec := httptest.NewRecorder()
		NewHandler(testSecret, nil, router).ServeHTTP(rec, signedWebhookRequest(t, testSecret, subscriptionUpdatedJSON))

		require.Equal(t, http.StatusOK, rec.Code)
		var body webhookReceivedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Received)
		assert.Equal(t, StatusProcessed, body.Status)
		assert.Len(t, router.events, 1)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(testSecret, nil, &fakeRouter{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("secret not configured", func(t *testing.T) {
		router := &fakeRouter{}
		rec := httptest.NewRecorder()
		NewHandler("", nil, router).ServeHTTP(rec, signedWebhookRequest(t, testSecret, subscriptionUpdatedJSON))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Empty(t, router.events)
	})

	t.Run("bad signature", func(t *testing.T) {
		router := &fakeRouter{}
		rec := httptest.NewRecorder()
		NewHandler(testSecret, nil, router).ServeHTTP(rec, signedWebhookRequest(t, "whsec_wrong", subscriptionUpdatedJSON))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid signature")
		assert.Empty(t, router.events)
	})

	t.Run("malformed payload", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(testSecret, nil, &fakeRouter{}).ServeHTTP(rec, signedWebhookRequest(t, testSecret, `[]`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "malformed payload")
	})

	t.Run("retryable failure", func(t *testing.T) {
		router := &fakeRouter{err: errors.New("store unavailable")}
		rec := httptest.NewRecorder()
		NewHandler(testSecret, nil, router).ServeHTTP(rec, signedWebhookRequest(t, testSecret, subscriptionUpdatedJSON))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), webhookBodyLimit+1)
		req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(big))
		rec := httptest.NewRecorder()
		NewHandler(testSecret, nil, &fakeRouter{}).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
