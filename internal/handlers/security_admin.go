package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/BradenHooton/carewatch/internal/services"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// UnknownUsername is shown when the acting user of an audit log cannot be loaded.
const UnknownUsername = "Unknown User"

const defaultLookbackHours = 24

// SecurityServiceInterface is the security service as seen by the admin routes.
type SecurityServiceInterface interface {
	ClientIP(r *http.Request) string
	CreateAuditLog(ctx context.Context, userID *string, action, ipAddress string, details any, severity models.Severity) (*models.SecurityAuditLog, error)
	GetAuditLogs(ctx context.Context, filter models.AuditLogFilter) ([]*models.SecurityAuditLog, error)
	ResolveAuditLog(ctx context.Context, id, resolvedBy string) (models.ResolveOutcome, error)
	Stats(ctx context.Context) (*models.SecurityStats, error)
	RecentLoginAttempts(ctx context.Context, hours int) ([]*models.LoginAttempt, error)
	ClearLoginAttempts(ctx context.Context, ip, username string)
}

// UserLookup loads users for username enrichment.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// SecurityAdminHandler serves the administrator security dashboard.
type SecurityAdminHandler struct {
	service SecurityServiceInterface
	users   UserLookup
	logger  *slog.Logger
}

// NewSecurityAdminHandler creates a new SecurityAdminHandler
func NewSecurityAdminHandler(service SecurityServiceInterface, users UserLookup, logger *slog.Logger) *SecurityAdminHandler {
	return &SecurityAdminHandler{service: service, users: users, logger: logger}
}

// AuditLogResponse is an audit log with the acting user's name.
// Username is null for events without an actor.
type AuditLogResponse struct {
	*models.SecurityAuditLog
	Username *string `json:"username"`
}

// ClearLoginAttemptsRequest is the body of DELETE /login-attempts.
type ClearLoginAttemptsRequest struct {
	IPAddress string `json:"ipAddress" validate:"required,max=64"`
	Username  string `json:"username" validate:"omitempty,max=255"`
}

// ActionResponse acknowledges a state-changing admin request.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Routes mounts the handlers on r.
func (h *SecurityAdminHandler) Routes(r chi.Router) {
	r.Get("/audit-logs", h.ListAuditLogs)
	r.Post("/audit-logs/{id}/resolve", h.ResolveAuditLog)
	r.Get("/stats", h.GetStats)
	r.Get("/login-attempts", h.ListLoginAttempts)
	r.Delete("/login-attempts", h.ClearLoginAttempts)
}

// ListAuditLogs handles GET /api/security/audit-logs
// Accepts optional userId, action, severity, from, to and isResolved filters.
func (h *SecurityAdminHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditLogFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	logs, err := h.service.GetAuditLogs(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list audit logs", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to retrieve audit logs")
		return
	}

	resp := make([]AuditLogResponse, 0, len(logs))
	names := make(map[string]string)
	for _, log := range logs {
		item := AuditLogResponse{SecurityAuditLog: log}
		if log.UserID != nil {
			name := h.username(r.Context(), *log.UserID, names)
			item.Username = &name
		}
		resp = append(resp, item)
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

// username resolves id once per request; failures yield UnknownUsername.
func (h *SecurityAdminHandler) username(ctx context.Context, id string, cache map[string]string) string {
	if name, ok := cache[id]; ok {
		return name
	}

	name := UnknownUsername
	user, err := h.users.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			h.logger.WarnContext(ctx, "failed to load audit log actor", slog.String("user_id", id), slog.Any("error", err))
		}
	} else if user != nil {
		name = user.Username
	}

	cache[id] = name
	return name
}

func parseAuditLogFilter(r *http.Request) (models.AuditLogFilter, error) {
	var filter models.AuditLogFilter
	q := r.URL.Query()

	if v := strings.TrimSpace(q.Get("userId")); v != "" {
		if _, err := uuid.Parse(v); err != nil {
			return filter, errors.New("userId must be a UUID")
		}
		filter.UserID = &v
	}
	if v := strings.TrimSpace(q.Get("action")); v != "" {
		filter.Action = &v
	}
	if v := q.Get("severity"); v != "" {
		sev, err := models.ParseSeverity(v)
		if err != nil {
			return filter, errors.New("severity must be LOW, MEDIUM or HIGH")
		}
		filter.Severity = &sev
	}
	if v := q.Get("from"); v != "" {
		from, _, err := parseFilterTime(v)
		if err != nil {
			return filter, errors.New("from must be an RFC 3339 timestamp or a YYYY-MM-DD date")
		}
		filter.From = &from
	}
	if v := q.Get("to"); v != "" {
		to, dateOnly, err := parseFilterTime(v)
		if err != nil {
			return filter, errors.New("to must be an RFC 3339 timestamp or a YYYY-MM-DD date")
		}
		if dateOnly {
			// a bare date includes the whole day
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
		filter.To = &to
	}
	if v := q.Get("isResolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("isResolved must be true or false")
		}
		filter.IsResolved = &resolved
	}

	return filter, nil
}

func parseFilterTime(v string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	return t, true, err
}

// GetStats handles GET /api/security/stats
func (h *SecurityAdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to compute security stats", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to retrieve security stats")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, stats)
}

// ResolveAuditLog handles POST /api/security/audit-logs/{id}/resolve
func (h *SecurityAdminHandler) ResolveAuditLog(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r)
	if principal == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	outcome, err := h.service.ResolveAuditLog(r.Context(), chi.URLParam(r, "id"), principal.UserID)
	if err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, "Invalid audit log id")
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to resolve audit log", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to resolve audit log")
		return
	}

	switch outcome {
	case models.ResolveResolved:
		pkghttp.WriteJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "Audit log resolved"})
	case models.ResolveAlreadyResolved:
		pkghttp.WriteConflict(w, "Audit log already resolved")
	default:
		pkghttp.WriteNotFound(w, "Audit log not found")
	}
}

// ListLoginAttempts handles GET /api/security/login-attempts
// Accepts optional query param ?hours=N (default 24).
func (h *SecurityAdminHandler) ListLoginAttempts(w http.ResponseWriter, r *http.Request) {
	hours := defaultLookbackHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > services.MaxLookbackHours {
			pkghttp.WriteBadRequest(w, fmt.Sprintf("hours must be an integer between 1 and %d", services.MaxLookbackHours))
			return
		}
		hours = n
	}

	attempts, err := h.service.RecentLoginAttempts(r.Context(), hours)
	if err != nil {
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to list login attempts", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to retrieve login attempts")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, attempts)
}

// ClearLoginAttempts handles DELETE /api/security/login-attempts
func (h *SecurityAdminHandler) ClearLoginAttempts(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r)
	if principal == nil {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ClearLoginAttemptsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	req.IPAddress = strings.TrimSpace(req.IPAddress)
	req.Username = strings.TrimSpace(req.Username)

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	h.service.ClearLoginAttempts(r.Context(), req.IPAddress, req.Username)

	details := map[string]any{"ipAddress": req.IPAddress}
	if req.Username != "" {
		details["username"] = req.Username
	}
	_, err := h.service.CreateAuditLog(r.Context(), &principal.UserID, models.AuditActionClearLoginAttempts,
		h.service.ClientIP(r), details, models.SeverityMedium)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to audit login attempt clearance", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to record the action")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "Login attempts cleared"})
}
