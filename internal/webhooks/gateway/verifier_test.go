package gatewaywebhook

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/billing-reconciler/pkg/errors"
	"github.com/angelmondragon/billing-reconciler/pkg/gateway"
)

type stubConstructor struct {
	event  gateway.Event
	err    error
	secret string
}

func (s *stubConstructor) ConstructEvent(_ []byte, _ string, secret string) (gateway.Event, error) {
	s.secret = secret
	return s.event, s.err
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	valid := gateway.Event{ID: "evt_1", Type: "invoice.paid", Payload: json.RawMessage(payload)}

	tests := map[string]struct {
		secret    string
		signature string
		payload   []byte
		stub      *stubConstructor
		code      pkgerrors.Code
	}{
		"secret not configured": {secret: "", signature: "t=1,v1=abc", payload: payload, stub: &stubConstructor{event: valid}, code: pkgerrors.CodeConfiguration},
		"missing signature":     {secret: "whsec_x", signature: " ", payload: payload, stub: &stubConstructor{event: valid}, code: pkgerrors.CodeSignature},
		"empty payload":         {secret: "whsec_x", signature: "t=1,v1=abc", payload: nil, stub: &stubConstructor{event: valid}, code: pkgerrors.CodeSignature},
		"bad signature":         {secret: "whsec_x", signature: "t=1,v1=abc", payload: payload, stub: &stubConstructor{err: gateway.ErrInvalidSignature}, code: pkgerrors.CodeSignature},
		"unparseable payload":   {secret: "whsec_x", signature: "t=1,v1=abc", payload: payload, stub: &stubConstructor{err: gateway.ErrInvalidPayload}, code: pkgerrors.CodeSignature},
		"event without id":      {secret: "whsec_x", signature: "t=1,v1=abc", payload: payload, stub: &stubConstructor{event: gateway.Event{Type: "invoice.paid"}}, code: pkgerrors.CodeSignature},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			v, err := NewVerifier(tc.stub, tc.secret)
			require.NoError(t, err)
			_, err = v.Verify(tc.payload, tc.signature)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, tc.code), err.Error())
		})
	}
}

func TestVerifyAcceptsSignedEvent(t *testing.T) {
	stub := &stubConstructor{event: gateway.Event{ID: "evt_1", Type: "invoice.paid"}}
	v, err := NewVerifier(stub, " whsec_x ")
	require.NoError(t, err)

	event, err := v.Verify([]byte(`{}`), "t=1,v1=abc")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "whsec_x", stub.secret)
}

func TestSignatureFromHeader(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, SignatureFromHeader(h))

	h.Set("Signature", "alt")
	assert.Equal(t, "alt", SignatureFromHeader(h))

	h.Set("Stripe-Signature", "primary")
	assert.Equal(t, "primary", SignatureFromHeader(h))
}
