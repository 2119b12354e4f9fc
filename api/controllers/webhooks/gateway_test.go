package webhooks

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gatewaywebhook "github.com/angelmondragon/billing-reconciler/internal/webhooks/gateway"
	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
)

type fakeConstructor struct {
	event gateway.Event
	err   error
}

func (f fakeConstructor) ConstructEvent(payload []byte, signature, secret string) (gateway.Event, error) {
	if f.err != nil {
		return gateway.Event{}, f.err
	}
	if signature != "t=1,v1=good" {
		return gateway.Event{}, gateway.ErrInvalidSignature
	}
	return f.event, nil
}

type fakeDispatcher struct {
	events  []gateway.Event
	outcome gatewaywebhook.Outcome
	err     error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, event gateway.Event) (gatewaywebhook.Outcome, error) {
	f.events = append(f.events, event)
	return f.outcome, f.err
}

func newVerifier(t *testing.T, secret string) *gatewaywebhook.Verifier {
	t.Helper()
	v, err := gatewaywebhook.NewVerifier(fakeConstructor{
		event: gateway.Event{ID: "evt_1", Type: "invoice.paid"},
	}, secret)
	require.NoError(t, err)
	return v
}

func post(handler http.Handler, body string, header, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewBufferString(body))
	if header != "" {
		req.Header.Set(header, sig)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGatewayWebhookAcknowledgesProcessedEvent(t *testing.T) {
	dispatcher := &fakeDispatcher{outcome: gatewaywebhook.OutcomeProcessed}
	handler := GatewayWebhook(newVerifier(t, "whsec_test"), dispatcher, 0, nil)

	rec := post(handler, `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=good")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
	require.Len(t, dispatcher.events, 1)
	assert.Equal(t, "evt_1", dispatcher.events[0].ID)
}

func TestGatewayWebhookAcceptsPlainSignatureHeader(t *testing.T) {
	dispatcher := &fakeDispatcher{outcome: gatewaywebhook.OutcomeIgnored}
	handler := GatewayWebhook(newVerifier(t, "whsec_test"), dispatcher, 0, nil)

	rec := post(handler, `{"id":"evt_1"}`, "Signature", "t=1,v1=good")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, dispatcher.events, 1)
}

func TestGatewayWebhookRejectsBadSignature(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	handler := GatewayWebhook(newVerifier(t, "whsec_test"), dispatcher, 0, nil)

	rec := post(handler, `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=forged")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(pkgerrors.CodeSignature))
	assert.Empty(t, dispatcher.events)
}

func TestGatewayWebhookRejectsMissingSignature(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	handler := GatewayWebhook(newVerifier(t, "whsec_test"), dispatcher, 0, nil)

	rec := post(handler, `{"id":"evt_1"}`, "", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, dispatcher.events)
}

func TestGatewayWebhookUnconfiguredSecretIs500(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	handler := GatewayWebhook(newVerifier(t, "  "), dispatcher, 0, nil)

	rec := post(handler, `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=good")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), string(pkgerrors.CodeConfiguration))
	assert.Empty(t, dispatcher.events)
}

func TestGatewayWebhookStorageFailureIs500(t *testing.T) {
	dispatcher := &fakeDispatcher{err: pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("db down"), "record transaction")}
	handler := GatewayWebhook(newVerifier(t, "whsec_test"), dispatcher, 0, nil)

	rec := post(handler, `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=good")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestGatewayWebhookRejectsOversizedBody(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	handler := GatewayWebhook(newVerifier(t, "whsec_test"), dispatcher, 16, nil)

	rec := post(handler, strings.Repeat("x", 64), "Stripe-Signature", "t=1,v1=good")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, dispatcher.events)
}
