package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/BradenHooton/carewatch/internal/services"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	Logout(ctx context.Context, principal *models.Principal, ip string)
}

// AuthHandlerConfig controls the cookies issued at login.
type AuthHandlerConfig struct {
	SessionMaxAge time.Duration
	SecureCookies bool
	IPConfig      *pkghttp.IPConfig
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	sessions *auth.SessionManager
	cfg      AuthHandlerConfig
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, sessions *auth.SessionManager, cfg AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=255"`
	Password string `json:"password" validate:"required,max=1024"`
	TOTPCode string `json:"totpCode" validate:"omitempty,numeric,len=6"`
	Redirect string `json:"redirect" validate:"omitempty,max=2048"`
}

// LoginResponse is returned on a successful login.
type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
	CSRFToken   string `json:"csrfToken"`
	Redirect    string `json:"redirect,omitempty"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.TOTPCode = strings.TrimSpace(req.TOTPCode)

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ClientIP(r, h.cfg.IPConfig)

	result, err := h.service.Login(r.Context(), services.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		TOTPCode:  req.TOTPCode,
		Redirect:  req.Redirect,
		IPAddress: ipAddress,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTOTPRequired):
			pkghttp.WriteError(w, http.StatusUnauthorized, "totp_required", "Second factor code required")
		case errors.Is(err, models.ErrUnauthorized),
			errors.Is(err, models.ErrInvalidTOTPCode):
			// one message for every credential failure
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	csrfToken, err := auth.GenerateCSRFToken()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to generate csrf token", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	if err := h.sessions.Start(w, r, result.User.ID, result.User.Role, ipAddress, csrfToken); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to start session",
			slog.String("user_id", result.User.ID),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	auth.SetCSRFTokenCookie(w, csrfToken, int(h.cfg.SessionMaxAge.Seconds()), h.cfg.SecureCookies)

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		AccessToken: result.AccessToken,
		ExpiresIn:   result.ExpiresIn,
		CSRFToken:   csrfToken,
		Redirect:    result.Redirect,
	})
}

// Logout handles POST /auth/logout by expiring the session
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r)
	if principal == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	if err := h.sessions.Destroy(w, r); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to destroy session",
			slog.String("user_id", principal.UserID),
			slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	auth.ClearCSRFTokenCookie(w, h.cfg.SecureCookies)

	h.service.Logout(r.Context(), principal, pkghttp.ClientIP(r, h.cfg.IPConfig))

	w.WriteHeader(http.StatusNoContent)
}
