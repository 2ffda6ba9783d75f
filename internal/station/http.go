package station

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"order-fulfillment/internal/api"
	"order-fulfillment/internal/common/logger"
)

type taskList struct {
	Station string  `json:"station"`
	Tasks   []Entry `json:"tasks"`
}

// NewRouter serves the station board to staff.
func NewRouter(w *Worker, checks map[string]api.HealthCheck, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(api.Tracing)
	r.Use(api.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.NotFound(api.NotFound)
	r.MethodNotAllowed(api.MethodNotAllowed)

	r.Get("/healthz", api.HealthHandler(checks))
	r.Route("/api/v1/station", func(r chi.Router) {
		r.Get("/tasks", func(rw http.ResponseWriter, _ *http.Request) {
			api.WriteJSON(rw, http.StatusOK, taskList{Station: string(w.station), Tasks: w.board.List()})
		})
		r.Get("/tasks/{order_id}", func(rw http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "order_id")
			e, ok := w.board.Get(id)
			if !ok {
				api.WriteProblem(rw, http.StatusNotFound, "not_found", "order "+id+" is not on the board")
				return
			}
			api.WriteJSON(rw, http.StatusOK, e)
		})
		r.Post("/tasks/{order_id}/{action}", func(rw http.ResponseWriter, req *http.Request) {
			status, err := ParseAction(chi.URLParam(req, "action"))
			if err != nil {
				api.WriteError(rw, err)
				return
			}
			e, err := w.Advance(req.Context(), chi.URLParam(req, "order_id"), status)
			if err != nil {
				api.WriteError(rw, err)
				return
			}
			api.WriteJSON(rw, http.StatusOK, e)
		})
	})
	return r
}
