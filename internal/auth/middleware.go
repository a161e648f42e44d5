package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/carewatch/internal/models"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// PrincipalContextKey is the key for storing the authenticated caller in context
	PrincipalContextKey contextKey = "principal"
)

// UserRepository interface for fetching user data
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// Authenticate resolves the caller from the session, falling back to an
// Authorization: Bearer token. It never rejects a request; routes that need
// an identity add RequireAuthenticated.
func Authenticate(tm *TokenManager, sm *SessionManager) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p := principalFromSession(sm, r); p != nil {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			if p := principalFromBearer(tm, r); p != nil {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func principalFromSession(sm *SessionManager, r *http.Request) *models.Principal {
	if sm == nil {
		return nil
	}
	session := sm.Get(r)
	userID := SessionString(session, SessionKeyUserID)
	if userID == "" {
		return nil
	}
	return &models.Principal{
		UserID: userID,
		Role:   SessionString(session, SessionKeyRole),
		Source: models.PrincipalSourceSession,
	}
}

func principalFromBearer(tm *TokenManager, r *http.Request) *models.Principal {
	if tm == nil {
		return nil
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil
	}
	claims, err := tm.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return nil
	}
	return &models.Principal{
		UserID: claims.UserID,
		Role:   claims.Role,
		Source: models.PrincipalSourceBearer,
	}
}

// RequireAuthenticated rejects requests without a resolved principal.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetPrincipal(r) == nil {
			pkghttp.WriteUnauthorized(w, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole creates a middleware that enforces role-based access control.
// The role is re-read from storage so demotions apply immediately.
func RequireRole(userRepo UserRepository, role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r)
			if principal == nil {
				pkghttp.WriteUnauthorized(w, "Authentication required")
				return
			}

			user, err := userRepo.GetByID(r.Context(), principal.UserID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrBadRequest) {
					pkghttp.WriteUnauthorized(w, "Authentication required")
					return
				}
				pkghttp.WriteInternalError(w, "Internal server error")
				return
			}

			if user.Role != role {
				pkghttp.WriteForbidden(w, "Insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// GetPrincipal extracts the authenticated caller from request context
func GetPrincipal(r *http.Request) *models.Principal {
	p, ok := r.Context().Value(PrincipalContextKey).(*models.Principal)
	if !ok {
		return nil
	}
	return p
}
