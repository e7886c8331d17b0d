// Package middleware provides HTTP middlewares for cross-origin access
// and request logging.
package middleware

import "net/http"

// WithCORS allows the device firmware and the static dashboard, both
// cross-origin callers, to reach the API. OPTIONS preflight requests are
// answered directly.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
