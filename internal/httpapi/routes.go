package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"partyquiz/internal/registry"
	"partyquiz/internal/session"
	"partyquiz/internal/store"
	"partyquiz/internal/ws"
)

func SetupRoutes(h *session.Hub, reg *registry.Registry, st store.Store, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Public routes
	r.Post("/sessions", CreateSession(h, st, log))
	r.Get("/sessions/{code}/stats", SessionStats(h, reg))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, reg, log))
	return r
}
