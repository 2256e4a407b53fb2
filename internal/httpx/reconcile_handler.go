package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/rajatrajputdev/megance-inventory/internal/inventory"
	"github.com/rajatrajputdev/megance-inventory/internal/orders"
	"github.com/rajatrajputdev/megance-inventory/internal/postgres"
)

type Reconciler interface {
	Reconcile(ctx context.Context, req inventory.Request) (inventory.Result, error)
}

type StatusReader interface {
	Reconciliation(ctx context.Context, orderID string) (postgres.Reconciliation, error)
}

type ReconcileHandler struct {
	Service   Reconciler
	Status    StatusReader
	AdminKeys []string
	Timeout   time.Duration
}

type reconcileResp struct {
	OK      bool `json:"ok"`
	Already bool `json:"already,omitempty"`
}

type errorResp struct {
	Code    inventory.Code `json:"code"`
	Message string         `json:"message"`
}

func (h *ReconcileHandler) Register(r chi.Router) {
	r.Post("/orders/{id}/reconcile", h.reconcile)
	r.Get("/orders/{id}/reconciliation", h.status)
	r.With(AdminKey(h.AdminKeys)).Post("/admin/orders/{id}/reconcile", h.adminReconcile)
}

func (h *ReconcileHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, inventory.Request{
		OrderID: chi.URLParam(r, "id"),
		Source:  inventory.SourceCallable,
		Caller:  CallerFrom(r.Context()),
	})
}

func (h *ReconcileHandler) adminReconcile(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, inventory.Request{OrderID: chi.URLParam(r, "id"), Source: inventory.SourceAdmin})
}

func (h *ReconcileHandler) run(w http.ResponseWriter, r *http.Request, req inventory.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	res, err := h.Service.Reconcile(ctx, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reconcileResp{OK: true, Already: res.Already})
}

// status is visible to the order's owner only; orders without an owner are
// readable by any signed-in caller.
func (h *ReconcileHandler) status(w http.ResponseWriter, r *http.Request) {
	caller := CallerFrom(r.Context())
	if caller == nil {
		writeError(w, inventory.CodeUnauthenticated, "sign in required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	st, err := h.Status.Reconciliation(ctx, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		writeError(w, inventory.CodeNotFound, "order not found")
		return
	case err != nil:
		log.Error().Err(err).Str("order_id", st.OrderID).Msg("httpx: reconciliation status")
		writeError(w, inventory.CodeInternal, "internal error")
		return
	}
	if st.UserID != "" && st.UserID != caller.UserID {
		writeError(w, inventory.CodePermissionDenied, "order belongs to another user")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *ReconcileHandler) timeout() time.Duration {
	if h.Timeout <= 0 {
		return 10 * time.Second
	}
	return h.Timeout
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code inventory.Code, msg string) {
	writeJSON(w, StatusFor(code), errorResp{Code: code, Message: msg})
}

// writeServiceError hides internal causes from the client.
func writeServiceError(w http.ResponseWriter, err error) {
	code := inventory.CodeOf(err)
	msg := "internal error"
	var e *inventory.Error
	if code != inventory.CodeInternal && errors.As(err, &e) {
		msg = e.Message
	}
	writeError(w, code, msg)
}

func StatusFor(code inventory.Code) int {
	switch code {
	case inventory.CodeUnauthenticated:
		return http.StatusUnauthorized
	case inventory.CodeInvalidArgument:
		return http.StatusBadRequest
	case inventory.CodeNotFound:
		return http.StatusNotFound
	case inventory.CodePermissionDenied:
		return http.StatusForbidden
	case inventory.CodeFailedPrecondition:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
