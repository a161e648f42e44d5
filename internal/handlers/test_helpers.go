package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/BradenHooton/carewatch/internal/services"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAdminContext attaches an administrator principal resolved from the session
func WithAdminContext(req *http.Request, userID string) *http.Request {
	p := &models.Principal{
		UserID: userID,
		Role:   models.RoleAdministrator,
		Source: models.PrincipalSourceSession,
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc  func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	LogoutFunc func(ctx context.Context, principal *models.Principal, ip string)
}

func (m *MockAuthService) Login(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.LoginFunc(ctx, req)
}

func (m *MockAuthService) Logout(ctx context.Context, principal *models.Principal, ip string) {
	if m.LogoutFunc != nil {
		m.LogoutFunc(ctx, principal, ip)
	}
}

// MockSecurityService implements SecurityServiceInterface for testing
type MockSecurityService struct {
	CreateAuditLogFunc      func(ctx context.Context, userID *string, action, ipAddress string, details any, severity models.Severity) (*models.SecurityAuditLog, error)
	GetAuditLogsFunc        func(ctx context.Context, filter models.AuditLogFilter) ([]*models.SecurityAuditLog, error)
	ResolveAuditLogFunc     func(ctx context.Context, id, resolvedBy string) (models.ResolveOutcome, error)
	StatsFunc               func(ctx context.Context) (*models.SecurityStats, error)
	RecentLoginAttemptsFunc func(ctx context.Context, hours int) ([]*models.LoginAttempt, error)
	ClearLoginAttemptsFunc  func(ctx context.Context, ip, username string)
}

func (m *MockSecurityService) ClientIP(r *http.Request) string {
	return pkghttp.GetClientIP(r)
}

func (m *MockSecurityService) CreateAuditLog(ctx context.Context, userID *string, action, ipAddress string, details any, severity models.Severity) (*models.SecurityAuditLog, error) {
	if m.CreateAuditLogFunc == nil {
		return &models.SecurityAuditLog{UserID: userID, Action: action, IPAddress: ipAddress, Severity: severity}, nil
	}
	return m.CreateAuditLogFunc(ctx, userID, action, ipAddress, details, severity)
}

func (m *MockSecurityService) GetAuditLogs(ctx context.Context, filter models.AuditLogFilter) ([]*models.SecurityAuditLog, error) {
	if m.GetAuditLogsFunc == nil {
		return []*models.SecurityAuditLog{}, nil
	}
	return m.GetAuditLogsFunc(ctx, filter)
}

func (m *MockSecurityService) ResolveAuditLog(ctx context.Context, id, resolvedBy string) (models.ResolveOutcome, error) {
	if m.ResolveAuditLogFunc == nil {
		return models.ResolveNotFound, nil
	}
	return m.ResolveAuditLogFunc(ctx, id, resolvedBy)
}

func (m *MockSecurityService) Stats(ctx context.Context) (*models.SecurityStats, error) {
	if m.StatsFunc == nil {
		return &models.SecurityStats{RecentFailedLogins: []models.FailedLoginSummary{}}, nil
	}
	return m.StatsFunc(ctx)
}

func (m *MockSecurityService) RecentLoginAttempts(ctx context.Context, hours int) ([]*models.LoginAttempt, error) {
	if m.RecentLoginAttemptsFunc == nil {
		return []*models.LoginAttempt{}, nil
	}
	return m.RecentLoginAttemptsFunc(ctx, hours)
}

func (m *MockSecurityService) ClearLoginAttempts(ctx context.Context, ip, username string) {
	if m.ClearLoginAttemptsFunc != nil {
		m.ClearLoginAttemptsFunc(ctx, ip, username)
	}
}

// MockUserLookup implements UserLookup for testing
type MockUserLookup struct {
	GetByIDFunc func(ctx context.Context, id string) (*models.User, error)
}

func (m *MockUserLookup) GetByID(ctx context.Context, id string) (*models.User, error) {
	if m.GetByIDFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetByIDFunc(ctx, id)
}
