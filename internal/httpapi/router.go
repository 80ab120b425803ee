package httpapi

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the anotifyd API.
//
// Route layout:
//
//	GET /healthz           – liveness probe (no authentication required)
//	GET /api/v1/events     – paginated journal query (JWT required)
//	GET /api/v1/stream     – live WebSocket event feed (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (localhost-only
// deployments, and tests that cover only request parsing / response
// formatting). stream may be nil when the live feed is disabled.
func NewRouter(srv *Server, pubKey *rsa.PublicKey, stream http.Handler) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/events", srv.handleGetEvents)
		if stream != nil {
			r.Handle("/stream", stream)
		}
	})

	return r
}
