package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/atomservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *atomservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Atoms CRUD.
	r.Get("/atoms", h.ListAtoms)
	r.Post("/atoms", h.CreateAtom)
	r.Get("/atoms/{id}", h.GetAtom)
	r.Put("/atoms/{id}", h.UpsertAtom)
	r.Delete("/atoms/{id}", h.DeleteAtom)
	r.Post("/atoms/{id}/deprecate", h.DeprecateAtom)

	// Search.
	r.Get("/search", h.Search)

	// Store-wide operations.
	r.Get("/ids", h.ListAllIDs)
	r.Get("/next-id", h.NextID)
	r.Get("/export", h.Export)
	r.Get("/summary", h.Summary)
	r.Post("/rebuild", h.Rebuild)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
