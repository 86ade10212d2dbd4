package checkout

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/currency"
)

// Handler exposes the checkout endpoints.
type Handler struct {
	Svc *Service
}

// Availability reports whether GMPays is offered for ?amount=&currency=.
func (h *Handler) Availability(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	q := r.URL.Query()
	amount, err := currency.ParseAmount(q.Get("amount"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "amount must be a non-negative number", nil)
		return
	}
	code := strings.ToUpper(strings.TrimSpace(q.Get("currency")))
	if code == "" {
		code = currency.Validation
	}
	out, err := h.Svc.Availability(r.Context(), amount, code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

// Submit starts the payment for an order and returns the hosted page URL.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	out, err := h.Svc.Submit(r.Context(), chi.URLParam(r, "id"), common.ClientIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if err == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusBadRequest
		}
		code := appErr.Code
		if code == "" {
			code = "BAD_REQUEST"
		}
		common.JSONError(w, status, code, appErr.Message, appErr.Details)
		return
	}
	if errors.Is(err, common.ErrConfig) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout failed", nil)
}
