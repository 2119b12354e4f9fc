package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billing-reconciler/pkg/auth"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

func TestRequestIDKeepsSaneInboundValue(t *testing.T) {
	var seen string
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "lb-7f3a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "lb-7f3a", seen)
	assert.Equal(t, "lb-7f3a", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDReplacesUnsafeInboundValue(t *testing.T) {
	for _, inbound := range []string{"", "has space", strings.Repeat("a", 200)} {
		var seen string
		handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromContext(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", inbound)
		handler.ServeHTTP(httptest.NewRecorder(), req)

		_, err := uuid.Parse(seen)
		assert.NoError(t, err, "inbound %q should be replaced with a uuid", inbound)
	}
}

func TestLoggingRecordsRouteAndStatus(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "middleware-test", Output: buf})

	r := chi.NewRouter()
	r.Use(Logging(logg))
	r.Get("/api/v1/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions/abc", nil))

	out := buf.String()
	require.Contains(t, out, "request.complete")
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"bytes":5`)
	assert.Contains(t, out, `"route":"/api/v1/subscriptions/{id}"`)
}

func TestLoggingQuietsHealthChecks(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "middleware-test", Output: buf})
	handler := Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Empty(t, buf.String())
}

func TestRequireAdminWithoutCaller(t *testing.T) {
	handler := RequireAdmin(nil)(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallerHelpersMerge(t *testing.T) {
	ctx := WithUserID(context.Background(), "u-1")
	ctx = WithRole(ctx, string(auth.RoleAdmin))

	caller, ok := CallerFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, Caller{UserID: "u-1", Role: auth.RoleAdmin}, caller)
	assert.Equal(t, "u-1", UserIDFromContext(ctx))
	assert.Equal(t, "admin", RoleFromContext(ctx))
}
