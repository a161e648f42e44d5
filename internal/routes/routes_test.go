package routes_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/handlers"
	"github.com/BradenHooton/carewatch/internal/metrics"
	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/BradenHooton/carewatch/internal/routes"
	"github.com/BradenHooton/carewatch/internal/services"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret  = "routes-test-secret-at-least-32ch"
	adminID     = "0b7f0c39-55b4-4f7a-8d0a-8b7f57f2c001"
	clinicianID = "0b7f0c39-55b4-4f7a-8d0a-8b7f57f2c002"
)

type fixture struct {
	router   http.Handler
	tokens   *auth.TokenManager
	attempts *services.MemoryLoginAttemptRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := auth.NewSessionStore(auth.SessionConfig{Secret: testSecret, MaxAge: time.Hour})
	require.NoError(t, err)
	sessions := auth.NewSessionManager(store)
	tokens := auth.NewTokenManager(testSecret, 15*time.Minute)

	users := &services.MockUserRepository{
		GetByIDFunc: func(ctx context.Context, id string) (*models.User, error) {
			switch id {
			case adminID:
				return &models.User{ID: adminID, Username: "admin", Role: models.RoleAdministrator}, nil
			case clinicianID:
				return &models.User{ID: clinicianID, Username: "dr.who", Role: models.RoleClinician}, nil
			}
			return nil, models.ErrNotFound
		},
	}
	attempts := &services.MemoryLoginAttemptRepository{}
	security := services.NewSecurityService(&services.MockAuditLogRepository{}, attempts, services.SecurityConfig{
		MaxLoginAttempts: 5,
		LockoutDuration:  15 * time.Minute,
	}, nil, nil, logger)

	authSvc := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			if req.Password != "Correct-Horse-9!" {
				return nil, models.ErrUnauthorized
			}
			return &services.LoginResult{
				User:        &models.User{ID: adminID, Username: "admin", Role: models.RoleAdministrator},
				AccessToken: "token",
				ExpiresIn:   900,
			}, nil
		},
	}

	router := routes.NewRouter(routes.Deps{
		Logger:       logger,
		Env:          "development",
		Metrics:      metrics.NewNoopMetrics(),
		Tokens:       tokens,
		Sessions:     sessions,
		Users:        users,
		Security:     security,
		AuthHandler:  handlers.NewAuthHandler(authSvc, sessions, handlers.AuthHandlerConfig{SessionMaxAge: time.Hour}, logger),
		AdminHandler: handlers.NewSecurityAdminHandler(security, users, logger),
	})

	return &fixture{router: router, tokens: tokens, attempts: attempts}
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) bearer(t *testing.T, req *http.Request, userID, role string) *http.Request {
	t.Helper()
	token, err := f.tokens.GenerateAccessToken(userID, role)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSecurityRoutes_RequireAdministrator(t *testing.T) {
	f := newFixture(t)

	w := f.serve(httptest.NewRequest(http.MethodGet, "/api/security/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// the stored role wins over the token claim
	req := f.bearer(t, httptest.NewRequest(http.MethodGet, "/api/security/stats", nil), clinicianID, models.RoleAdministrator)
	w = f.serve(req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = f.bearer(t, httptest.NewRequest(http.MethodGet, "/api/security/stats", nil), adminID, models.RoleAdministrator)
	w = f.serve(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalEvents"`)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestLogin_SessionFlowWithCSRF(t *testing.T) {
	f := newFixture(t)

	login := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"admin","password":"Correct-Horse-9!"}`))
	login.Header.Set("Content-Type", "application/json")
	w := f.serve(login)
	require.Equal(t, http.StatusOK, w.Code)

	var csrfToken string
	cookies := w.Result().Cookies()
	for _, c := range cookies {
		if c.Name == auth.CSRFCookieName {
			csrfToken = c.Value
		}
	}
	require.NotEmpty(t, csrfToken)

	withSession := func(req *http.Request) *http.Request {
		for _, c := range cookies {
			req.AddCookie(c)
		}
		return req
	}

	w = f.serve(withSession(httptest.NewRequest(http.MethodGet, "/api/security/audit-logs", nil)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	target := "/api/security/audit-logs/" + uuid.NewString() + "/resolve"
	w = f.serve(withSession(httptest.NewRequest(http.MethodPost, target, nil)))
	assert.Equal(t, http.StatusForbidden, w.Code, "state change without the CSRF header")

	req := withSession(httptest.NewRequest(http.MethodPost, target, nil))
	req.Header.Set(auth.CSRFHeaderName, csrfToken)
	w = f.serve(req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogin_LockedOutAddressIsRejected(t *testing.T) {
	f := newFixture(t)
	user := "admin"
	f.attempts.Rows = append(f.attempts.Rows, &models.LoginAttempt{
		Username:     &user,
		IPAddress:    "192.0.2.1",
		Timestamp:    time.Now().Add(-time.Minute),
		AttemptCount: 5,
	})

	login := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"admin","password":"Correct-Horse-9!"}`))
	login.Header.Set("Content-Type", "application/json")
	w := f.serve(login)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "Too many failed login attempts")
}

func TestParameterPollution_AppliedGlobally(t *testing.T) {
	f := newFixture(t)

	req := f.bearer(t, httptest.NewRequest(http.MethodGet, "/api/security/login-attempts?hours=1&hours=abc", nil), adminID, models.RoleAdministrator)
	w := f.serve(req)

	assert.Equal(t, http.StatusOK, w.Code)
}
