// Package shield provides the HTTP middleware applied in front of the
// leadscout API: security headers, body limits, request tracing and HEAD
// handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(1 << 20) {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// APIStack returns the standard middleware stack for a JSON API.
// Order: HeadToGet → SecurityHeaders → MaxBody → TraceID.
func APIStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(APIHeaders()),
		MaxBody(maxBody),
		TraceID,
	}
}
