package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

const defaultCORSOrigin = "http://localhost:3000"

// CORS lets browser clients on origins call the JSON API. Gateway webhooks
// are server to server and never send an Origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{defaultCORSOrigin}
	}
	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			IdempotencyKeyHeader,
			requestIDHeader,
		},
		ExposedHeaders:   []string{requestIDHeader, IdempotentReplayHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
	return cors.New(opts).Handler
}
