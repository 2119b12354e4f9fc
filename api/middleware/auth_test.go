package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-reconciler/pkg/auth"
	"github.com/angelmondragon/billing-reconciler/pkg/config"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "issuer", ExpirationMinutes: 60}

type seenCaller struct {
	called bool
	user   string
	role   string
}

func captureCaller(seen *seenCaller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.called = true
		seen.user = UserIDFromContext(r.Context())
		seen.role = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func serveWithAuthorization(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestAuthRejects(t *testing.T) {
	valid := mintTestToken(t, uuid.New(), auth.RoleUser)
	cases := map[string]string{
		"missing":        "",
		"garbage token":  "Bearer invalid",
		"no scheme":      valid,
		"basic scheme":   "Basic " + valid,
		"empty bearer":   "Bearer ",
		"foreign secret": "Bearer " + mintWith(t, config.JWTConfig{Secret: "other", Issuer: "issuer", ExpirationMinutes: 5}),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			var seen seenCaller
			resp := serveWithAuthorization(Auth(testJWT, nil)(captureCaller(&seen)), header)
			assert.Equal(t, http.StatusUnauthorized, resp.Code)
			assert.False(t, seen.called)
			assert.Contains(t, resp.Body.String(), "UNAUTHORIZED")
		})
	}
}

func TestAuthSeedsCaller(t *testing.T) {
	userID := uuid.New()
	var seen seenCaller
	resp := serveWithAuthorization(Auth(testJWT, nil)(captureCaller(&seen)), "bearer "+mintTestToken(t, userID, auth.RoleAdmin))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, userID.String(), seen.user)
	assert.Equal(t, string(auth.RoleAdmin), seen.role)
}

func TestOptionalAuth(t *testing.T) {
	userID := uuid.New()
	handler := func(seen *seenCaller) http.Handler { return OptionalAuth(testJWT, nil)(captureCaller(seen)) }

	t.Run("anonymous passes", func(t *testing.T) {
		var seen seenCaller
		resp := serveWithAuthorization(handler(&seen), "")
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, seen.called)
		assert.Empty(t, seen.user)
	})
	t.Run("token seeds caller", func(t *testing.T) {
		var seen seenCaller
		resp := serveWithAuthorization(handler(&seen), "Bearer "+mintTestToken(t, userID, auth.RoleUser))
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, userID.String(), seen.user)
	})
	t.Run("bad token rejected", func(t *testing.T) {
		var seen seenCaller
		resp := serveWithAuthorization(handler(&seen), "Bearer nope")
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
		assert.False(t, seen.called)
	})
}

func TestRequireAdmin(t *testing.T) {
	handler := RequireAdmin(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	serveAs := func(role auth.Role) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithRole(req.Context(), string(role)))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}

	assert.Equal(t, http.StatusForbidden, serveAs(auth.RoleUser))
	assert.Equal(t, http.StatusNoContent, serveAs(auth.RoleAdmin))
}

func TestBearerToken(t *testing.T) {
	token, present := bearerToken("  Bearer   abc.def ")
	assert.True(t, present)
	assert.Equal(t, "abc.def", token)

	_, present = bearerToken("   ")
	assert.False(t, present)

	token, present = bearerToken("Token abc")
	assert.True(t, present)
	assert.Empty(t, token)
}

func mintTestToken(t *testing.T, userID uuid.UUID, role auth.Role) string {
	t.Helper()
	token, err := auth.MintAccessToken(testJWT, time.Now(), auth.AccessTokenPayload{UserID: userID, Role: role})
	require.NoError(t, err)
	return token
}

func mintWith(t *testing.T, cfg config.JWTConfig) string {
	t.Helper()
	token, err := auth.MintAccessToken(cfg, time.Now(), auth.AccessTokenPayload{UserID: uuid.New(), Role: auth.RoleUser})
	require.NoError(t, err)
	return token
}
