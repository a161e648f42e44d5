package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/handlers"
	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/BradenHooton/carewatch/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessions(t *testing.T) *auth.SessionManager {
	t.Helper()
	store, err := auth.NewSessionStore(auth.SessionConfig{Secret: "handler-test-session-secret-32ch", MaxAge: time.Hour})
	require.NoError(t, err)
	return auth.NewSessionManager(store)
}

func newAuthHandler(t *testing.T, svc handlers.AuthServiceInterface) (*handlers.AuthHandler, *auth.SessionManager) {
	sm := newSessions(t)
	cfg := handlers.AuthHandlerConfig{SessionMaxAge: time.Hour}
	return handlers.NewAuthHandler(svc, sm, cfg, testLogger()), sm
}

func TestLogin_Success(t *testing.T) {
	var got services.LoginRequest
	mockAuth := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			got = req
			return &services.LoginResult{
				User:        &models.User{ID: adminID, Username: "admin", Role: models.RoleAdministrator},
				AccessToken: "access_token_123",
				ExpiresIn:   900,
				Redirect:    "/dashboard",
			}, nil
		},
	}

	handler, sm := newAuthHandler(t, mockAuth)
	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Username: " admin ",
		Password: "Correct-Horse-9!",
		Redirect: "/dashboard",
	})
	req.RemoteAddr = "203.0.113.5:5555"
	req.Header.Set("User-Agent", "test-agent")

	w := httptest.NewRecorder()
	handler.Login(w, req)

	var resp handlers.LoginResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "access_token_123", resp.AccessToken)
	assert.Equal(t, 900, resp.ExpiresIn)
	assert.Equal(t, "/dashboard", resp.Redirect)
	assert.Len(t, resp.CSRFToken, 64)

	assert.Equal(t, "admin", got.Username)
	assert.Equal(t, "203.0.113.5", got.IPAddress)
	assert.Equal(t, "test-agent", got.UserAgent)

	// the session carries the identity and the same CSRF token
	next := httptest.NewRequest("GET", "/", nil)
	var csrfCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		next.AddCookie(c)
		if c.Name == auth.CSRFCookieName {
			csrfCookie = c
		}
	}
	session := sm.Get(next)
	assert.Equal(t, adminID, auth.SessionString(session, auth.SessionKeyUserID))
	assert.Equal(t, models.RoleAdministrator, auth.SessionString(session, auth.SessionKeyRole))
	assert.Equal(t, "203.0.113.5", auth.SessionString(session, auth.SessionKeyLastIP))
	assert.True(t, auth.ValidCSRFToken(session, resp.CSRFToken))
	require.NotNil(t, csrfCookie)
	assert.Equal(t, resp.CSRFToken, csrfCookie.Value)
}

func TestLogin_AuthenticationFailed(t *testing.T) {
	for _, err := range []error{models.ErrUnauthorized, models.ErrInvalidTOTPCode} {
		mockAuth := &handlers.MockAuthService{
			LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
				return nil, err
			},
		}

		handler, _ := newAuthHandler(t, mockAuth)
		req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
			Username: "admin",
			Password: "wrongpassword",
		})

		w := httptest.NewRecorder()
		handler.Login(w, req)

		handlers.AssertErrorResponse(t, w, 401, "unauthorized")
		assert.Empty(t, w.Result().Cookies())
	}
}

func TestLogin_TOTPRequired(t *testing.T) {
	mockAuth := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			return nil, models.ErrTOTPRequired
		},
	}

	handler, _ := newAuthHandler(t, mockAuth)
	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Username: "admin",
		Password: "Correct-Horse-9!",
	})

	w := httptest.NewRecorder()
	handler.Login(w, req)

	handlers.AssertErrorResponse(t, w, 401, "totp_required")
}

func TestLogin_InvalidRequest(t *testing.T) {
	called := false
	mockAuth := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			called = true
			return nil, models.ErrUnauthorized
		},
	}
	handler, _ := newAuthHandler(t, mockAuth)

	tests := []struct {
		name string
		body any
	}{
		{"missing password", handlers.LoginRequest{Username: "admin"}},
		{"missing username", handlers.LoginRequest{Password: "x"}},
		{"malformed totp", handlers.LoginRequest{Username: "admin", Password: "x", TOTPCode: "12ab56"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.Login(w, handlers.NewTestRequest(t, "POST", "/auth/login", tt.body))
			handlers.AssertErrorResponse(t, w, 400, "bad_request")
		})
	}
	assert.False(t, called)
}

func TestLogin_InternalError(t *testing.T) {
	mockAuth := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
			return nil, models.ErrInternalServer
		},
	}

	handler, _ := newAuthHandler(t, mockAuth)
	w := httptest.NewRecorder()
	handler.Login(w, handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{Username: "admin", Password: "x"}))

	handlers.AssertErrorResponse(t, w, 500, "internal_error")
}

func TestLogout_Success(t *testing.T) {
	var loggedOut *models.Principal
	mockAuth := &handlers.MockAuthService{
		LogoutFunc: func(ctx context.Context, principal *models.Principal, ip string) {
			loggedOut = principal
		},
	}

	handler, _ := newAuthHandler(t, mockAuth)
	req := handlers.WithAdminContext(handlers.NewTestRequest(t, "POST", "/auth/logout", nil), adminID)

	w := httptest.NewRecorder()
	handler.Logout(w, req)

	assert.Equal(t, 204, w.Code)
	require.NotNil(t, loggedOut)
	assert.Equal(t, adminID, loggedOut.UserID)

	for _, c := range w.Result().Cookies() {
		assert.True(t, c.MaxAge < 0, "cookie %s should be expired", c.Name)
	}
}

func TestLogout_Unauthorized(t *testing.T) {
	handler, _ := newAuthHandler(t, &handlers.MockAuthService{})

	w := httptest.NewRecorder()
	handler.Logout(w, handlers.NewTestRequest(t, "POST", "/auth/logout", nil))

	handlers.AssertErrorResponse(t, w, 401, "unauthorized")
}
