package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BradenHooton/carewatch/internal/metrics"
	"github.com/BradenHooton/carewatch/internal/models"
	pkghttp "github.com/BradenHooton/carewatch/pkg/http"
	pkglogger "github.com/BradenHooton/carewatch/pkg/logger"
	"github.com/google/uuid"
)

const (
	// LoginAttemptWindow is the lookback for folding and counting failures.
	LoginAttemptWindow = 30 * time.Minute

	// MaxLookbackHours bounds RecentLoginAttempts to one year.
	MaxLookbackHours = 24 * 365

	statsWindow       = 24 * time.Hour
	statsTopUsers     = 5
	recentAttemptsMax = 100
	alertTimeout      = 30 * time.Second
)

// AuditLogRepository defines persistence for security audit events
type AuditLogRepository interface {
	Create(ctx context.Context, log *models.SecurityAuditLog) (*models.SecurityAuditLog, error)
	List(ctx context.Context, filter models.AuditLogFilter) ([]*models.SecurityAuditLog, error)
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (bool, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Counts(ctx context.Context) (models.AuditLogCounts, error)
}

// LoginAttemptRepository defines persistence for login attempt bookkeeping
type LoginAttemptRepository interface {
	Record(ctx context.Context, attempt models.LoginAttempt, windowStart, now time.Time) error
	FailedSince(ctx context.Context, ip string, since time.Time) (int, *time.Time, error)
	Clear(ctx context.Context, ip string, username *string) (int64, error)
	Recent(ctx context.Context, since time.Time, limit int) ([]*models.LoginAttempt, error)
	Stats(ctx context.Context, since time.Time, topUsers int) (models.LoginAttemptStats, error)
	CountLockedIPs(ctx context.Context, windowStart time.Time, threshold int, lockedSince time.Time) (int64, error)
}

// SecurityConfig holds lockout and redirect policy
type SecurityConfig struct {
	MaxLoginAttempts       int
	LockoutDuration        time.Duration
	AllowedRedirectDomains []string
	AppDomain              string
	TrustedProxies         []string
}

// MonitorSnapshot is a point-in-time view used to refresh gauges.
type MonitorSnapshot struct {
	LockedIPs        int64
	UnresolvedEvents int64
}

// SecurityService owns audit logging and login-attempt throttling.
//
// Audit writes fail closed. Login-attempt bookkeeping fails open: a storage
// outage must never lock every user out.
type SecurityService struct {
	audits   AuditLogRepository
	attempts LoginAttemptRepository
	cfg      SecurityConfig
	allowed  []string
	ipConfig *pkghttp.IPConfig
	alerts   AlertNotifier
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewSecurityService creates a new SecurityService. A nil alerts or recorder
// disables that side channel.
func NewSecurityService(audits AuditLogRepository, attempts LoginAttemptRepository, cfg SecurityConfig, alerts AlertNotifier, recorder metrics.Recorder, logger *slog.Logger) *SecurityService {
	if alerts == nil {
		alerts = NoopAlertNotifier{}
	}
	if recorder == nil {
		recorder = metrics.NewNoopMetrics()
	}

	allowed := make([]string, 0, len(cfg.AllowedRedirectDomains)+1)
	for _, d := range append([]string{cfg.AppDomain}, cfg.AllowedRedirectDomains...) {
		if d = normalizeHost(d); d != "" {
			allowed = append(allowed, d)
		}
	}

	return &SecurityService{
		audits:   audits,
		attempts: attempts,
		cfg:      cfg,
		allowed:  allowed,
		ipConfig: &pkghttp.IPConfig{TrustedProxies: cfg.TrustedProxies},
		alerts:   alerts,
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// ClientIP resolves the caller's address for bookkeeping.
func (s *SecurityService) ClientIP(r *http.Request) string {
	return pkghttp.ClientIP(r, s.ipConfig)
}

// CreateAuditLog persists a security event and returns the stored record.
// Storage errors are returned to the caller. HIGH events are also handed to
// the alert notifier in the background.
func (s *SecurityService) CreateAuditLog(ctx context.Context, userID *string, action, ipAddress string, details any, severity models.Severity) (*models.SecurityAuditLog, error) {
	if severity == "" {
		severity = models.SeverityLow
	}

	raw := json.RawMessage(`{}`)
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("%w: audit details are not serializable: %v", models.ErrBadRequest, err)
		}
		raw = encoded
	}

	// Dual-write: immediate slog output
	s.logger.InfoContext(ctx, "security audit event",
		slog.Any("user_id", userID),
		slog.String("action", action),
		slog.String("ip_address", ipAddress),
		slog.String("severity", string(severity)),
		slog.Any("details", pkglogger.SanitizeDataForLogging(details)),
	)

	created, err := s.audits.Create(ctx, &models.SecurityAuditLog{
		UserID:    userID,
		Action:    action,
		IPAddress: ipAddress,
		Details:   raw,
		Severity:  severity,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit log",
			slog.String("action", action),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}

	s.metrics.RecordAuditEvent(string(severity))

	if severity == models.SeverityHigh {
		go s.sendAlert(context.WithoutCancel(ctx), created)
	}

	return created, nil
}

func (s *SecurityService) sendAlert(ctx context.Context, log *models.SecurityAuditLog) {
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()

	if err := s.alerts.NotifyHighSeverity(ctx, log); err != nil {
		s.logger.Error("failed to send security alert",
			slog.String("audit_log_id", log.ID.String()),
			slog.Any("error", err),
		)
	}
}

// GetAuditLogs returns logs matching every set filter field, newest first.
func (s *SecurityService) GetAuditLogs(ctx context.Context, filter models.AuditLogFilter) ([]*models.SecurityAuditLog, error) {
	logs, err := s.audits.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return logs, nil
}

// ResolveAuditLog marks a log resolved by resolvedBy. Resolution happens at
// most once; later calls report ResolveAlreadyResolved and change nothing.
func (s *SecurityService) ResolveAuditLog(ctx context.Context, id, resolvedBy string) (models.ResolveOutcome, error) {
	logID, err := uuid.Parse(id)
	if err != nil {
		return models.ResolveNotFound, fmt.Errorf("%w: invalid audit log id", models.ErrBadRequest)
	}

	resolved, err := s.audits.Resolve(ctx, logID, resolvedBy, s.now())
	if err != nil {
		return models.ResolveNotFound, fmt.Errorf("failed to resolve audit log: %w", err)
	}
	if resolved {
		s.logger.InfoContext(ctx, "audit log resolved",
			slog.String("audit_log_id", logID.String()),
			slog.String("resolved_by", resolvedBy),
		)
		return models.ResolveResolved, nil
	}

	exists, err := s.audits.Exists(ctx, logID)
	if err != nil {
		return models.ResolveNotFound, fmt.Errorf("failed to look up audit log: %w", err)
	}
	if exists {
		return models.ResolveAlreadyResolved, nil
	}
	return models.ResolveNotFound, nil
}

// RecordLoginAttempt stores attempt. Errors are logged and swallowed.
func (s *SecurityService) RecordLoginAttempt(ctx context.Context, attempt models.LoginAttempt) {
	now := s.now()
	s.metrics.RecordLoginAttempt(attempt.Success)

	if err := s.attempts.Record(ctx, attempt, now.Add(-LoginAttemptWindow), now); err != nil {
		s.metrics.RecordStorageError("record_login_attempt")
		s.logger.ErrorContext(ctx, "failed to record login attempt",
			slog.String("ip_address", attempt.IPAddress),
			slog.Bool("success", attempt.Success),
			slog.Any("error", err),
		)
	}
}

// CheckLoginAttempts reports whether ip is locked out. An IP is blocked once
// its failures in the last LoginAttemptWindow reach MaxLoginAttempts, until
// LockoutDuration has passed since the newest failure. Storage errors allow
// the request.
func (s *SecurityService) CheckLoginAttempts(ctx context.Context, ip string) models.LoginAttemptCheck {
	now := s.now()

	count, last, err := s.attempts.FailedSince(ctx, ip, now.Add(-LoginAttemptWindow))
	if err != nil {
		s.metrics.RecordStorageError("check_login_attempts")
		s.logger.ErrorContext(ctx, "failed to check login attempts, allowing request",
			slog.String("ip_address", ip),
			slog.Any("error", err),
		)
		return models.LoginAttemptCheck{Blocked: false}
	}

	check := models.LoginAttemptCheck{}
	if count > 0 {
		check.AttemptCount = &count
	}

	if count < s.cfg.MaxLoginAttempts || last == nil {
		s.metrics.RecordLockoutDecision(false)
		return check
	}

	elapsed := now.Sub(*last)
	if elapsed >= s.cfg.LockoutDuration {
		s.metrics.RecordLockoutDecision(false)
		return check
	}

	remaining := int(math.Ceil((s.cfg.LockoutDuration - elapsed).Seconds()))
	check.Blocked = true
	check.RemainingLockTime = &remaining
	s.metrics.RecordLockoutDecision(true)
	return check
}

// ClearLoginAttempts deletes attempts from ip, limited to username when it is
// non-empty. Errors are logged and swallowed.
func (s *SecurityService) ClearLoginAttempts(ctx context.Context, ip, username string) {
	var user *string
	if username = strings.TrimSpace(username); username != "" {
		user = &username
	}

	cleared, err := s.attempts.Clear(ctx, ip, user)
	if err != nil {
		s.metrics.RecordStorageError("clear_login_attempts")
		s.logger.ErrorContext(ctx, "failed to clear login attempts",
			slog.String("ip_address", ip),
			slog.Any("error", err),
		)
		return
	}

	s.logger.InfoContext(ctx, "login attempts cleared",
		slog.String("ip_address", ip),
		slog.Int64("rows", cleared),
	)
}

// ValidateExternalURL reports whether raw points at an allowed host: the app
// domain, an ALLOWED_REDIRECT_DOMAINS entry, or a subdomain of either.
func (s *SecurityService) ValidateExternalURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}

	host := normalizeHost(u.Hostname())
	if host == "" {
		return false
	}

	for _, domain := range s.allowed {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// SanitizeDataForLogging returns a redacted deep copy of data.
func (s *SecurityService) SanitizeDataForLogging(data any, extra ...string) any {
	return pkglogger.SanitizeDataForLogging(data, extra...)
}

// Stats summarizes audit logs and the last day of login attempts.
func (s *SecurityService) Stats(ctx context.Context) (*models.SecurityStats, error) {
	counts, err := s.audits.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	attemptStats, err := s.attempts.Stats(ctx, s.now().Add(-statsWindow), statsTopUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize login attempts: %w", err)
	}

	recent := attemptStats.RecentFailedLogins
	if recent == nil {
		recent = []models.FailedLoginSummary{}
	}

	return &models.SecurityStats{
		TotalEvents:        counts.Total,
		HighSeverity:       counts.HighSeverity,
		UnresolvedEvents:   counts.Unresolved,
		LoginFailures:      attemptStats.LoginFailures,
		IPAddressCount:     attemptStats.IPAddressCount,
		RecentFailedLogins: recent,
	}, nil
}

// RecentLoginAttempts returns at most 100 attempts from the last hours hours.
func (s *SecurityService) RecentLoginAttempts(ctx context.Context, hours int) ([]*models.LoginAttempt, error) {
	if hours <= 0 || hours > MaxLookbackHours {
		return nil, fmt.Errorf("%w: hours must be between 1 and %d", models.ErrBadRequest, MaxLookbackHours)
	}

	attempts, err := s.attempts.Recent(ctx, s.now().Add(-time.Duration(hours)*time.Hour), recentAttemptsMax)
	if err != nil {
		return nil, fmt.Errorf("failed to list login attempts: %w", err)
	}
	return attempts, nil
}

// Snapshot counts currently locked IPs and unresolved audit events.
func (s *SecurityService) Snapshot(ctx context.Context) (MonitorSnapshot, error) {
	now := s.now()

	locked, err := s.attempts.CountLockedIPs(ctx, now.Add(-LoginAttemptWindow), s.cfg.MaxLoginAttempts, now.Add(-s.cfg.LockoutDuration))
	if err != nil {
		return MonitorSnapshot{}, fmt.Errorf("failed to count locked addresses: %w", err)
	}

	counts, err := s.audits.Counts(ctx)
	if err != nil {
		return MonitorSnapshot{}, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return MonitorSnapshot{LockedIPs: locked, UnresolvedEvents: counts.Unresolved}, nil
}
