package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/handlers"
	"github.com/BradenHooton/carewatch/internal/metrics"
	middlewareCustom "github.com/BradenHooton/carewatch/internal/middleware"
	"github.com/BradenHooton/carewatch/internal/models"
	"github.com/BradenHooton/carewatch/internal/services"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// adminRequestsPerMinute bounds each administrator on the security routes.
const adminRequestsPerMinute = 120

// Deps is everything the router needs.
type Deps struct {
	Logger         *slog.Logger
	Env            string
	AllowedOrigins []string
	IPConfig       *pkghttp.IPConfig
	LoginRateLimit int

	Metrics        metrics.Recorder
	MetricsHandler http.Handler // nil disables /metrics
	Health         http.HandlerFunc

	Tokens   *auth.TokenManager
	Sessions *auth.SessionManager
	Users    auth.UserRepository
	Security *services.SecurityService

	AuthHandler  *handlers.AuthHandler
	AdminHandler *handlers.SecurityAdminHandler
}

// NewRouter builds the HTTP handler with the global middleware chain.
// Authenticate runs before SecureLogger so request logs carry the user id,
// and the body middlewares run in buffer, cleanup, pollution order.
func NewRouter(d Deps) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(metrics.HTTPMiddleware(d.Metrics))
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: d.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(d.AllowedOrigins)))
	router.Use(auth.Authenticate(d.Tokens, d.Sessions))
	router.Use(middlewareCustom.SecureLogger(d.Logger, d.IPConfig))
	router.Use(middlewareCustom.BodyBuffer(middlewareCustom.DefaultMaxBodyBytes))
	router.Use(middlewareCustom.SensitiveCleanup(d.Logger))
	router.Use(middlewareCustom.ParameterPollution(d.Logger))
	router.Use(middlewareCustom.IPTracking(d.Security, d.Sessions, d.Logger))
	router.Use(middleware.Timeout(60 * time.Second))

	RegisterRoutes(router, d)

	return router
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, d Deps) {
	loginLimit := middlewareCustom.DefaultAuthRateLimit(d.IPConfig)
	if d.LoginRateLimit > 0 {
		loginLimit.RequestsPerMinute = d.LoginRateLimit
	}
	csrf := middlewareCustom.CSRFProtection(d.Sessions, d.Logger)

	if d.Health != nil {
		router.Get("/health", d.Health)
	}
	if d.MetricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", d.MetricsHandler)
	}

	// Public routes - no authentication required
	router.With(
		middlewareCustom.RateLimitByIP(loginLimit),
		middlewareCustom.LoginAttemptGate(d.Security),
	).Post("/auth/login", d.AuthHandler.Login)

	router.With(auth.RequireAuthenticated, csrf).Post("/auth/logout", d.AuthHandler.Logout)

	// Administrator security dashboard
	router.Route("/api/security", func(r chi.Router) {
		r.Use(auth.RequireAuthenticated)
		r.Use(auth.RequireRole(d.Users, models.RoleAdministrator))
		r.Use(csrf)
		r.Use(middlewareCustom.RateLimitByUser(middlewareCustom.RateLimitConfig{
			RequestsPerMinute: adminRequestsPerMinute,
			IPConfig:          d.IPConfig,
		}))
		d.AdminHandler.Routes(r)
	})
}
