package http

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/HienTruongTHMH/Smart-Lock/internal/middleware"
)

// NewRouter constructs the HTTP handler serving the smart-lock API.
//
// Routes:
//
//	GET  /api/session  → SessionHandler.State (device poll)
//	POST /api/session  → SessionHandler.Apply (enrollment actions)
//	GET  /api/lock     → LockHandler.Handle  (action via query string)
//	POST /api/lock     → LockHandler.Handle  (action via body)
//	GET  /api/health   → liveness probe
//
// The device and the static dashboard are cross-origin callers, so CORS
// (including OPTIONS preflight) applies to everything.
func NewRouter(
	sessionHandler *SessionHandler,
	lockHandler *LockHandler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.WithCORS)
	r.Use(middleware.WithRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/session", sessionHandler.State)
		r.With(chiMiddleware.AllowContentType("application/json")).
			Post("/session", sessionHandler.Apply)

		r.Get("/lock", lockHandler.Handle)
		r.With(chiMiddleware.AllowContentType("application/json")).
			Post("/lock", lockHandler.Handle)

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":    "ok",
				"timestamp": time.Now().UTC(),
			})
		})
	})

	return r
}
