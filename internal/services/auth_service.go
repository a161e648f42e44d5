package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/carewatch/internal/auth"
	"github.com/BradenHooton/carewatch/internal/models"
	pkgauth "github.com/BradenHooton/carewatch/pkg/auth"
	pkglogger "github.com/BradenHooton/carewatch/pkg/logger"
)

// UserRepository defines the user lookups the login flow needs
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	EnsureAdministrator(ctx context.Context, username, passwordHash string) (bool, error)
}

// LoginRequest carries credentials plus request metadata for bookkeeping.
type LoginRequest struct {
	Username  string
	Password  string
	TOTPCode  string
	Redirect  string
	IPAddress string
	UserAgent string
}

// LoginResult is returned on a successful login.
type LoginResult struct {
	User        *models.User
	AccessToken string
	ExpiresIn   int
	Redirect    string
}

// AuthService handles authentication business logic
type AuthService struct {
	users       UserRepository
	security    *SecurityService
	tm          *auth.TokenManager
	totp        *auth.TOTPManager
	timing      *auth.TimingDelay
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthService creates a new AuthService
func NewAuthService(users UserRepository, security *SecurityService, tm *auth.TokenManager, totp *auth.TOTPManager, timing *auth.TimingDelay, logger *slog.Logger, auditLogger *pkglogger.AuditLogger) *AuthService {
	return &AuthService{
		users:       users,
		security:    security,
		tm:          tm,
		totp:        totp,
		timing:      timing,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// Login verifies credentials and the second factor, records the attempt and
// issues an access token. Failures return ErrUnauthorized, ErrTOTPRequired or
// ErrInvalidTOTPCode after the configured timing delay.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := time.Now()
	username := strings.TrimSpace(req.Username)

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.ErrorContext(ctx, "failed to get user by username", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		// burn a comparison so unknown users cost the same as wrong passwords
		_ = pkgauth.ComparePassword(s.placeholderHash(), req.Password)
		return nil, s.fail(ctx, start, req, username, nil, "invalid_credentials", models.ErrUnauthorized)
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, req.Password); err != nil {
		return nil, s.fail(ctx, start, req, username, user, "invalid_credentials", models.ErrUnauthorized)
	}

	if user.TOTPSecret != nil {
		code := strings.TrimSpace(req.TOTPCode)
		if code == "" {
			// the password was right; ask for the code without counting a failure
			s.timing.WaitFrom(start, false)
			return nil, models.ErrTOTPRequired
		}

		valid, err := s.totp.Validate(*user.TOTPSecret, code)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to validate TOTP code",
				slog.String("user_id", user.ID),
				slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		if !valid {
			return nil, s.fail(ctx, start, req, username, user, "invalid_totp", models.ErrInvalidTOTPCode)
		}
	}

	accessToken, err := s.tm.GenerateAccessToken(user.ID, user.Role)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to generate access token", slog.String("user_id", user.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.security.RecordLoginAttempt(ctx, s.attempt(req, username, true))
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuthEvent{
		EventType: "login_success",
		UserID:    user.ID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Success:   true,
	})
	if _, err := s.security.CreateAuditLog(ctx, &user.ID, models.AuditActionLoginSuccess, req.IPAddress,
		map[string]any{"userAgent": req.UserAgent}, models.SeverityLow); err != nil {
		s.logger.WarnContext(ctx, "login succeeded but audit log was not persisted", slog.String("user_id", user.ID))
	}

	s.timing.WaitFrom(start, true)

	return &LoginResult{
		User:        user,
		AccessToken: accessToken,
		ExpiresIn:   int(s.tm.AccessTokenExpiry().Seconds()),
		Redirect:    s.SafeRedirect(req.Redirect),
	}, nil
}

// fail records a failed attempt, raises a lockout event if this failure
// crossed the threshold, waits out the timing delay and returns cause.
func (s *AuthService) fail(ctx context.Context, start time.Time, req LoginRequest, username string, user *models.User, reason string, cause error) error {
	var userID string
	if user != nil {
		userID = user.ID
	}

	s.security.RecordLoginAttempt(ctx, s.attempt(req, username, false))
	s.auditLogger.LogAuthAttempt(ctx, pkglogger.AuthEvent{
		EventType:     "login_failed",
		UserID:        userID,
		Username:      username,
		IPAddress:     req.IPAddress,
		UserAgent:     req.UserAgent,
		FailureReason: reason,
	})

	if check := s.security.CheckLoginAttempts(ctx, req.IPAddress); check.Blocked {
		var actor *string
		if user != nil {
			actor = &user.ID
		}
		details := map[string]any{"username": username, "reason": reason}
		if check.AttemptCount != nil {
			details["attemptCount"] = *check.AttemptCount
		}
		if check.RemainingLockTime != nil {
			details["lockoutSeconds"] = *check.RemainingLockTime
		}
		if _, err := s.security.CreateAuditLog(ctx, actor, models.AuditActionLoginLockout, req.IPAddress, details, models.SeverityHigh); err != nil {
			s.logger.ErrorContext(ctx, "login lockout was not persisted to the audit trail",
				slog.String("ip_address", req.IPAddress),
				slog.Any("error", err))
		}
	}

	s.timing.WaitFrom(start, false)
	return cause
}

func (s *AuthService) attempt(req LoginRequest, username string, success bool) models.LoginAttempt {
	a := models.LoginAttempt{
		IPAddress: req.IPAddress,
		Success:   success,
	}
	if username != "" {
		a.Username = &username
	}
	if req.UserAgent != "" {
		ua := req.UserAgent
		a.UserAgent = &ua
	}
	return a
}

// placeholderHash is compared against when the username does not exist.
func (s *AuthService) placeholderHash() string {
	s.dummyOnce.Do(func() {
		token, err := pkgauth.RandomKey()
		if err != nil {
			token = "placeholder"
		}
		hash, err := pkgauth.HashPassword(token)
		if err != nil {
			s.logger.Error("failed to build placeholder hash", slog.Any("error", err))
			return
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

// SafeRedirect returns target when it is a same-origin path or an allowed
// external URL, and "" otherwise.
func (s *AuthService) SafeRedirect(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if isLocalPath(target) {
		return target
	}
	if s.security.ValidateExternalURL(target) {
		return target
	}
	s.logger.Warn("rejected redirect target", slog.String("redirect", target))
	return ""
}

func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	return !strings.ContainsAny(p, "\r\n\t")
}

// Logout records the end of a session.
func (s *AuthService) Logout(ctx context.Context, principal *models.Principal, ip string) {
	if principal == nil {
		return
	}
	s.auditLogger.LogAccountAction(ctx, "logout", principal.UserID, ip, map[string]string{"source": principal.Source})
}

// EnsureAdministrator creates the bootstrap administrator if the username is free.
func (s *AuthService) EnsureAdministrator(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: administrator username is required", models.ErrBadRequest)
	}
	if err := pkgauth.DefaultPolicy.Check(username, password); err != nil {
		var policyErr *pkgauth.PolicyError
		if errors.As(err, &policyErr) {
			s.logger.WarnContext(ctx, "administrator password rejected", slog.Any("failures", policyErr.Failures))
		}
		return fmt.Errorf("%w: administrator password does not meet policy", models.ErrBadRequest)
	}

	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return err
	}

	created, err := s.users.EnsureAdministrator(ctx, username, hash)
	if err != nil {
		return fmt.Errorf("failed to bootstrap administrator: %w", err)
	}
	if created {
		s.auditLogger.LogAccountAction(ctx, "administrator_bootstrap", "", "", map[string]string{"username": username})
	}
	return nil
}
