package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/models"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
	"github.com/BradenHooton/carewatch/pkg/secmem"
)

// DefaultMaxBodyBytes caps buffered request bodies.
const DefaultMaxBodyBytes int64 = 1 << 20

// CleanupFields are wiped from the buffered body before the response is sent.
var CleanupFields = []string{
	"password",
	"passwordConfirm",
	"token",
	"secret",
	"ssn",
	"socialSecurityNumber",
	"creditCard",
	"totpCode",
}

type bodyContextKey struct{}

// RequestBody is the buffered request body shared by the security middlewares.
// Object is the decoded top-level JSON object or form; it is nil for other
// payloads.
type RequestBody struct {
	Raw    []byte
	Object map[string]any
	form   bool
}

// BodyFromContext returns the body buffered by BodyBuffer, or nil.
func BodyFromContext(ctx context.Context) *RequestBody {
	b, _ := ctx.Value(bodyContextKey{}).(*RequestBody)
	return b
}

// replace swaps the replayed body for raw and wipes the previous bytes.
func (b *RequestBody) replace(r *http.Request, raw []byte) {
	old := b.Raw
	b.Raw = raw
	r.Body = io.NopCloser(bytes.NewReader(raw))
	r.ContentLength = int64(len(raw))
	secmem.WipeBuffer(old)
}

// BodyBuffer reads JSON and form bodies once, keeps the bytes and the decoded
// object in the request context and replays the body to later handlers.
func BodyBuffer(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
			isJSON := mediaType == "application/json"
			isForm := mediaType == "application/x-www-form-urlencoded"
			if !isJSON && !isForm {
				next.ServeHTTP(w, r)
				return
			}

			raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					pkghttp.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
					return
				}
				pkghttp.WriteBadRequest(w, "Failed to read request body")
				return
			}

			body := &RequestBody{Raw: raw, form: isForm}
			if isJSON {
				var obj map[string]any
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.UseNumber()
				if dec.Decode(&obj) == nil {
					body.Object = obj
				}
			} else if values, err := url.ParseQuery(string(raw)); err == nil {
				body.Object = formObject(values)
			}

			r.Body = io.NopCloser(bytes.NewReader(raw))
			r.ContentLength = int64(len(raw))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyContextKey{}, body)))
		})
	}
}

func formObject(values url.Values) map[string]any {
	obj := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			obj[key] = vals[0]
			continue
		}
		list := make([]any, len(vals))
		for i, v := range vals {
			list[i] = v
		}
		obj[key] = list
	}
	return obj
}

func encodeForm(obj map[string]any) []byte {
	values := url.Values{}
	for key, v := range obj {
		switch val := v.(type) {
		case []any:
			for _, item := range val {
				values.Add(key, fmt.Sprint(item))
			}
		default:
			values.Set(key, fmt.Sprint(val))
		}
	}
	return []byte(values.Encode())
}

// isListKey reports whether key declares that repeated values are expected.
func isListKey(key string) bool {
	return strings.HasSuffix(key, "[]") || strings.HasSuffix(key, "List")
}

// ParameterPollution collapses repeated query parameters and top-level body
// arrays to their first element unless the key ends in "[]" or "List".
func ParameterPollution(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.RawQuery != "" {
				query := r.URL.Query()
				polluted := false
				for key, vals := range query {
					if len(vals) > 1 && !isListKey(key) {
						logger.Warn("parameter pollution detected",
							slog.String("source", "query"),
							slog.String("param", key),
							slog.Int("values", len(vals)))
						query[key] = vals[:1]
						polluted = true
					}
				}
				if polluted {
					r.URL.RawQuery = query.Encode()
				}
			}

			if body := BodyFromContext(r.Context()); body != nil && body.Object != nil {
				polluted := false
				for key, v := range body.Object {
					list, ok := v.([]any)
					if !ok || len(list) == 0 || isListKey(key) {
						continue
					}
					logger.Warn("parameter pollution detected",
						slog.String("source", "body"),
						slog.String("param", key),
						slog.Int("values", len(list)))
					body.Object[key] = list[0]
					polluted = true
				}
				if polluted {
					if body.form {
						body.replace(r, encodeForm(body.Object))
					} else if raw, err := json.Marshal(body.Object); err == nil {
						body.replace(r, raw)
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuditWriter is the part of the security service IPTracking needs.
type AuditWriter interface {
	ClientIP(r *http.Request) string
	CreateAuditLog(ctx context.Context, userID *string, action, ipAddress string, details any, severity models.Severity) (*models.SecurityAuditLog, error)
}

// IPTracking records the client IP in the session. When the IP of a
// logged-in session changes it logs a warning and writes a MEDIUM IP_CHANGE
// audit event without waiting for it.
func IPTracking(svc AuditWriter, sm *auth.SessionManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := sm.Get(r)
			if session.IsNew {
				next.ServeHTTP(w, r)
				return
			}

			ip := svc.ClientIP(r)
			lastIP := auth.SessionString(session, auth.SessionKeyLastIP)
			userID := auth.SessionString(session, auth.SessionKeyUserID)

			if lastIP != "" && lastIP != ip && userID != "" {
				logger.Warn("session IP address changed",
					slog.String("user_id", userID),
					slog.String("previous_ip", lastIP),
					slog.String("ip_address", ip))

				details := map[string]any{
					"previousIp": lastIP,
					"newIp":      ip,
					"userAgent":  r.UserAgent(),
				}
				ctx := context.WithoutCancel(r.Context())
				go func() {
					if _, err := svc.CreateAuditLog(ctx, &userID, models.AuditActionIPChange, ip, details, models.SeverityMedium); err != nil {
						logger.Error("failed to record IP change", slog.String("user_id", userID), slog.Any("error", err))
					}
				}()
			}

			if lastIP != ip {
				session.Values[auth.SessionKeyLastIP] = ip
				if err := sm.Save(w, r, session); err != nil {
					logger.Error("failed to save session", slog.Any("error", err))
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LoginGate is the part of the security service LoginAttemptGate needs.
type LoginGate interface {
	ClientIP(r *http.Request) string
	CheckLoginAttempts(ctx context.Context, ip string) models.LoginAttemptCheck
}

// LoginAttemptGate answers 429 with Retry-After while the client IP is locked out.
func LoginAttemptGate(svc LoginGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			check := svc.CheckLoginAttempts(r.Context(), svc.ClientIP(r))
			if !check.Blocked {
				next.ServeHTTP(w, r)
				return
			}

			remaining := 0
			if check.RemainingLockTime != nil {
				remaining = *check.RemainingLockTime
			}
			w.Header().Set("Retry-After", strconv.Itoa(remaining))
			pkghttp.WriteTooManyRequests(w, fmt.Sprintf("Too many failed login attempts. Try again in %d seconds.", remaining))
		})
	}
}

// cleanupWriter runs wipe once, before the first header or body byte is
// written.
type cleanupWriter struct {
	http.ResponseWriter
	once sync.Once
	wipe func()
}

func (cw *cleanupWriter) WriteHeader(statusCode int) {
	cw.once.Do(cw.wipe)
	cw.ResponseWriter.WriteHeader(statusCode)
}

func (cw *cleanupWriter) Write(b []byte) (int, error) {
	cw.once.Do(cw.wipe)
	return cw.ResponseWriter.Write(b)
}

func (cw *cleanupWriter) Flush() {
	cw.once.Do(cw.wipe)
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *cleanupWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

// SensitiveCleanup wipes CleanupFields from the buffered body object and
// zeroes the raw body bytes just before the response is committed, or after
// the handler returns when it wrote nothing. Wiping is best effort: strings
// already copied out of the body by handlers are not reached.
func SensitiveCleanup(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := BodyFromContext(r.Context())
			if body == nil {
				next.ServeHTTP(w, r)
				return
			}

			cw := &cleanupWriter{ResponseWriter: w}
			cw.wipe = func() {
				defer func() {
					if rec := recover(); rec != nil {
						logger.Error("failed to wipe request body", slog.Any("panic", rec))
					}
				}()
				if body.Object != nil {
					secmem.WipeObjectProperties(body.Object, CleanupFields)
				}
				secmem.WipeBuffer(body.Raw)
			}
			defer cw.once.Do(cw.wipe)

			next.ServeHTTP(cw, r)
		})
	}
}
