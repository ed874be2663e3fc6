package session

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes exposes a read-only debug surface for the rendering process
// and operators: the annotated queue, connection health and capacity.
func (s *Session) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/orders", s.handleOrders)
	r.Get("/orders/{id}", s.handleOrder)
	r.Get("/health", s.handleHealth)
	r.Get("/capacity", s.handleCapacity)
	return r
}

func (s *Session) handleOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Orders())
}

func (s *Session) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.store.State(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, AnnotatedOrder{OrderState: st, Flags: s.eval.Flags(id)})
}

func (s *Session) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"connection": s.Health(),
		"degraded":   s.Degraded(),
	})
}

func (s *Session) handleCapacity(w http.ResponseWriter, r *http.Request) {
	snap, tier := s.Capacity()
	writeJSON(w, map[string]any{
		"inKitchen":   snap.InKitchen,
		"max":         snap.Max,
		"percentUsed": snap.PercentUsed(),
		"isFull":      snap.IsFull(),
		"tier":        tier,
		"fetchedAt":   snap.FetchedAt,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
