package api

import (
	"net/http"

	"github.com/relabs-tech/geodds/core/logger"
)

// requestID exposes the request id the context logger generated back to the
// caller, so a report of a failed call can be correlated with server logs.
func requestID(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := logger.RequestIDFromContext(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		h.ServeHTTP(w, r)
	})
}

// cors sets permissive CORS headers and short-circuits preflight requests,
// adapted from the teacher's CORS middleware.
func cors(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, User-Token")
		w.Header().Set("Access-Control-Expose-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			logger.FromContext(r.Context()).Debugln("preflight", r.URL, r.Method)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
