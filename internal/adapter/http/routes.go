package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.WebSocket)

	r.Route("/api", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Rollouts
		r.Post("/rollouts", h.EnqueueRollout)
		r.Post("/rollouts/dequeue", h.DequeueRollout)
		r.Get("/rollouts", h.ListRollouts)
		r.Get("/rollouts/{id}", h.GetRollout)
		r.Post("/rollouts/{id}/requeue", h.RequeueRollout)

		// Attempts
		r.Get("/rollouts/{id}/attempts", h.ListAttempts)
		r.Post("/rollouts/{id}/attempts/{attemptID}/report", h.ReportAttempt)

		// Spans
		r.Post("/spans", h.AddSpans)
		r.Get("/rollouts/{id}/spans", h.QuerySpans)

		// Triplets
		r.Post("/rollouts/{id}/triplets", h.AdaptTriplets)
	})
}
