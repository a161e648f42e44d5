package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/models"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestBodyBuffer_ReplaysBodyAndDecodesObject(t *testing.T) {
	var got *RequestBody
	var replayed []byte
	handler := BodyBuffer(DefaultMaxBodyBytes)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = BodyFromContext(r.Context())
		replayed, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest(http.MethodPost, "/auth/login", `{"username":"nurse","attempts":3}`))

	require.NotNil(t, got)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"username":"nurse","attempts":3}`, string(replayed))
	assert.Equal(t, "nurse", got.Object["username"])
	assert.Equal(t, json.Number("3"), got.Object["attempts"])
}

func TestBodyBuffer_TooLarge(t *testing.T) {
	called := false
	handler := BodyBuffer(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, jsonRequest(http.MethodPost, "/", `{"notes":"this body is longer than sixteen bytes"}`))

	assert.False(t, called)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Contains(t, rr.Body.String(), "payload_too_large")
}

func TestBodyBuffer_IgnoresOtherContentTypes(t *testing.T) {
	var got *RequestBody
	handler := BodyBuffer(DefaultMaxBodyBytes)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = BodyFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Nil(t, got)
}

func TestParameterPollution_Query(t *testing.T) {
	var query url.Values
	handler := ParameterPollution(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/security/audit-logs?id=1&id=2&tags[]=a&tags[]=b&severityList=LOW&severityList=HIGH", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"1"}, query["id"])
	assert.Equal(t, []string{"a", "b"}, query["tags[]"])
	assert.Equal(t, []string{"LOW", "HIGH"}, query["severityList"])
}

func TestParameterPollution_JSONBody(t *testing.T) {
	var got *RequestBody
	var replayed []byte
	handler := BodyBuffer(DefaultMaxBodyBytes)(ParameterPollution(discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = BodyFromContext(r.Context())
			replayed, _ = io.ReadAll(r.Body)
		})))

	body := `{"tags":["a","b"],"tagsList":["x","y"],"empty":[],"name":"n"}`
	handler.ServeHTTP(httptest.NewRecorder(), jsonRequest(http.MethodPost, "/", body))

	require.NotNil(t, got)
	assert.Equal(t, "a", got.Object["tags"])
	assert.Equal(t, []any{"x", "y"}, got.Object["tagsList"])
	assert.Equal(t, []any{}, got.Object["empty"])
	assert.JSONEq(t, `{"tags":"a","tagsList":["x","y"],"empty":[],"name":"n"}`, string(replayed))
}

func TestParameterPollution_FormBody(t *testing.T) {
	var form url.Values
	handler := BodyBuffer(DefaultMaxBodyBytes)(ParameterPollution(discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			form = r.PostForm
		})))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("role=admin&role=user&idList=1&idList=2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"admin"}, form["role"])
	assert.ElementsMatch(t, []string{"1", "2"}, form["idList"])
}

type fakeAuditWriter struct {
	events chan *models.SecurityAuditLog
}

func (f *fakeAuditWriter) ClientIP(r *http.Request) string {
	return pkghttp.GetClientIP(r)
}

func (f *fakeAuditWriter) CreateAuditLog(ctx context.Context, userID *string, action, ipAddress string, details any, severity models.Severity) (*models.SecurityAuditLog, error) {
	raw, _ := json.Marshal(details)
	entry := &models.SecurityAuditLog{UserID: userID, Action: action, IPAddress: ipAddress, Details: raw, Severity: severity}
	f.events <- entry
	return entry, nil
}

func newSessionManager(t *testing.T) *auth.SessionManager {
	t.Helper()
	store, err := auth.NewSessionStore(auth.SessionConfig{Secret: "middleware-test-secret-32-chars!", MaxAge: time.Hour})
	require.NoError(t, err)
	return auth.NewSessionManager(store)
}

// loggedInCookies starts a session for user-1 bound to ip.
func loggedInCookies(t *testing.T, sm *auth.SessionManager, ip string) []*http.Cookie {
	t.Helper()
	rr := httptest.NewRecorder()
	require.NoError(t, sm.Start(rr, httptest.NewRequest(http.MethodPost, "/auth/login", nil), "user-1", models.RoleAdministrator, ip, "csrf-1"))
	return rr.Result().Cookies()
}

func TestIPTracking_IPChangeWritesAuditEvent(t *testing.T) {
	sm := newSessionManager(t)
	writer := &fakeAuditWriter{events: make(chan *models.SecurityAuditLog, 1)}
	handler := IPTracking(writer, sm, discardLogger())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/security/stats", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	req.Header.Set("User-Agent", "test-agent")
	for _, c := range loggedInCookies(t, sm, "203.0.113.5") {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)

	select {
	case entry := <-writer.events:
		assert.Equal(t, models.AuditActionIPChange, entry.Action)
		assert.Equal(t, models.SeverityMedium, entry.Severity)
		assert.Equal(t, "198.51.100.7", entry.IPAddress)
		require.NotNil(t, entry.UserID)
		assert.Equal(t, "user-1", *entry.UserID)
		assert.JSONEq(t, `{"previousIp":"203.0.113.5","newIp":"198.51.100.7","userAgent":"test-agent"}`, string(entry.Details))
	case <-time.After(2 * time.Second):
		t.Fatal("expected an IP_CHANGE audit event")
	}

	// the new address is stored in the session
	next := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rr.Result().Cookies() {
		next.AddCookie(c)
	}
	assert.Equal(t, "198.51.100.7", auth.SessionString(sm.Get(next), auth.SessionKeyLastIP))
}

func TestIPTracking_SameIPAndNewSessions(t *testing.T) {
	sm := newSessionManager(t)
	writer := &fakeAuditWriter{events: make(chan *models.SecurityAuditLog, 1)}
	handler := IPTracking(writer, sm, discardLogger())(okHandler())

	same := httptest.NewRequest(http.MethodGet, "/", nil)
	same.RemoteAddr = "203.0.113.5:4000"
	for _, c := range loggedInCookies(t, sm, "203.0.113.5") {
		same.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, same)
	assert.Empty(t, rr.Result().Cookies())

	anonymous := httptest.NewRequest(http.MethodGet, "/", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, anonymous)
	assert.Empty(t, rr.Result().Cookies())

	select {
	case <-writer.events:
		t.Fatal("no audit event expected")
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeLoginGate struct {
	check models.LoginAttemptCheck
	ip    string
}

func (f *fakeLoginGate) ClientIP(r *http.Request) string {
	return pkghttp.GetClientIP(r)
}

func (f *fakeLoginGate) CheckLoginAttempts(ctx context.Context, ip string) models.LoginAttemptCheck {
	f.ip = ip
	return f.check
}

func TestLoginAttemptGate(t *testing.T) {
	remaining, count := 600, 5
	gate := &fakeLoginGate{check: models.LoginAttemptCheck{Blocked: true, RemainingLockTime: &remaining, AttemptCount: &count}}
	handler := LoginAttemptGate(gate)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "203.0.113.9", gate.ip)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "600", rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), "Too many failed login attempts. Try again in 600 seconds.")

	gate.check = models.LoginAttemptCheck{}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestLoginAttemptGate_BlockedRequestSkipsHandler(t *testing.T) {
	remaining := 30
	gate := &fakeLoginGate{check: models.LoginAttemptCheck{Blocked: true, RemainingLockTime: &remaining}}
	reached := false
	handler := LoginAttemptGate(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusUnauthorized)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/login", nil))

	assert.False(t, reached)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), `"error":"rate_limit_exceeded"`)
}

func TestSensitiveCleanup_WipesBeforeResponse(t *testing.T) {
	var body *RequestBody
	var atWrite map[string]any
	handler := BodyBuffer(DefaultMaxBodyBytes)(SensitiveCleanup(discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body = BodyFromContext(r.Context())
			assert.Equal(t, "Correct-Horse-9!", body.Object["password"])
			w.WriteHeader(http.StatusOK)
			atWrite = map[string]any{"password": body.Object["password"], "username": body.Object["username"]}
		})))

	handler.ServeHTTP(httptest.NewRecorder(), jsonRequest(http.MethodPost, "/auth/login",
		`{"username":"nurse","password":"Correct-Horse-9!","totpCode":"123456"}`))

	require.NotNil(t, body)
	assert.Equal(t, "", atWrite["password"])
	assert.Equal(t, "nurse", atWrite["username"])
	assert.Equal(t, "", body.Object["totpCode"])
	for _, b := range body.Raw {
		if b != 0 {
			t.Fatal("raw body not zeroed")
		}
	}
}

func TestSensitiveCleanup_HandlerWritesNothing(t *testing.T) {
	var body *RequestBody
	handler := BodyBuffer(DefaultMaxBodyBytes)(SensitiveCleanup(discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body = BodyFromContext(r.Context())
		})))

	handler.ServeHTTP(httptest.NewRecorder(), jsonRequest(http.MethodPost, "/", `{"ssn":"123-45-6789"}`))

	require.NotNil(t, body)
	assert.Equal(t, "", body.Object["ssn"])
}
