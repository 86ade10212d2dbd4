package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-gmpays/internal/common"
)

var validate = validator.New()

// Handler exposes the admin login endpoint.
type Handler struct {
	Service *Service
	Logger  zerolog.Logger
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=1024"`
}

// Login handles POST /admin/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "admin authentication not configured", nil)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "username and password are required", nil)
		return
	}
	token, err := h.Service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		var appErr *common.AppError
		if errors.As(err, &appErr) {
			h.Logger.Warn().Str("code", appErr.Code).Str("ip", common.ClientIP(r)).Msg("admin login refused")
			common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, nil)
			return
		}
		h.Logger.Error().Err(err).Msg("admin login failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to sign in", nil)
		return
	}
	h.Logger.Info().Str("subject", token.Subject).Msg("admin signed in")
	w.Header().Set("Cache-Control", "no-store")
	common.JSON(w, http.StatusOK, map[string]any{"data": token})
}
