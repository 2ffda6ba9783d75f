package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/coordinator"
	"order-fulfillment/internal/domain"
)

const maxBody = 1 << 20

// Coordinator is the set of operations the HTTP surface exposes.
type Coordinator interface {
	SubmitOrder(ctx context.Context, items []coordinator.ItemInput, paymentRef string) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error)
	ReportStationStatus(ctx context.Context, orderID string, station domain.Station, status domain.TaskStatus, token string) (coordinator.Ack, error)
	CancelOrder(ctx context.Context, orderID, token string) (domain.OrderStatus, error)
	Timeline(ctx context.Context, orderID string) ([]domain.Transition, error)
}

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	svc    Coordinator
	checks map[string]HealthCheck
	log    *logger.Logger
}

func NewHandler(svc Coordinator, checks map[string]HealthCheck, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{svc: svc, checks: checks, log: log}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code, _ := classify(err); code >= 500 {
		h.log.Ctx(r.Context()).Error("request_failed", err, map[string]any{
			"method": r.Method, "path": r.URL.Path,
		})
	}
	WriteError(w, err)
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decode(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, problemValidation, "invalid json: "+err.Error())
		return
	}
	items := make([]coordinator.ItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, coordinator.ItemInput{
			ProductRef: it.ProductRef,
			Quantity:   it.Quantity,
			Affinity:   it.StationAffinity,
		})
	}
	id, err := h.svc.SubmitOrder(r.Context(), items, req.PaymentRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+id+"/status")
	WriteJSON(w, http.StatusCreated, CreateOrderResponse{OrderID: id, Aggregate: domain.AggregateSubmitted})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetOrderStatus(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	station, err := domain.ParseStation(chi.URLParam(r, "station"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req ReportStatusRequest
	if err := decode(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, problemValidation, "invalid json: "+err.Error())
		return
	}
	status, err := domain.ParseTaskStatus(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ack, err := h.svc.ReportStationStatus(r.Context(), chi.URLParam(r, "order_id"), station, status, req.IdempotencyToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ReportStatusResponse{Applied: ack.Applied, Status: ack.Task.Status, Version: ack.Task.Version})
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := decode(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, problemValidation, "invalid json: "+err.Error())
		return
	}
	v, err := h.svc.CancelOrder(r.Context(), chi.URLParam(r, "order_id"), req.IdempotencyToken)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "order_id")
	events, err := h.svc.Timeline(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Transition{}
	}
	WriteJSON(w, http.StatusOK, TimelineResponse{OrderID: id, Events: events})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	HealthHandler(h.checks)(w, r)
}

// HealthHandler runs every check and answers 503 when any of them fails.
func HealthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := HealthResponse{Status: "ok", Time: time.Now().UTC()}
		code := http.StatusOK
		if len(checks) > 0 {
			resp.Checks = make(map[string]string, len(checks))
		}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
		WriteJSON(w, code, resp)
	}
}

func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed on "+r.URL.Path)
}

func NotFound(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, http.StatusNotFound, problemNotFound, "no route for "+r.URL.Path)
}
