package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Audit actions written by the service itself. Callers may use any other tag.
const (
	AuditActionIPChange           = "IP_CHANGE"
	AuditActionClearLoginAttempts = "CLEAR_LOGIN_ATTEMPTS"
	AuditActionLoginLockout       = "LOGIN_LOCKOUT"
	AuditActionLoginSuccess       = "LOGIN_SUCCESS"
)

// Severity grades a security audit event.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// ParseSeverity normalizes a severity string, rejecting unknown values.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return sev, nil
	default:
		return "", fmt.Errorf("%w: unknown severity %q", ErrBadRequest, s)
	}
}

// SecurityAuditLog is one security-relevant event tied to an actor.
// Once IsResolved is true, ResolvedBy and ResolvedAt never change.
type SecurityAuditLog struct {
	ID         uuid.UUID       `json:"id"`
	UserID     *string         `json:"userId"`
	Action     string          `json:"action"`
	IPAddress  string          `json:"ipAddress"`
	Details    json.RawMessage `json:"details"`
	Severity   Severity        `json:"severity"`
	Timestamp  time.Time       `json:"timestamp"`
	IsResolved bool            `json:"isResolved"`
	ResolvedBy *string         `json:"resolvedBy"`
	ResolvedAt *time.Time      `json:"resolvedAt"`
}

// AuditLogFilter narrows GetAuditLogs. Nil fields place no constraint.
type AuditLogFilter struct {
	UserID     *string
	Action     *string
	Severity   *Severity
	From       *time.Time
	To         *time.Time
	IsResolved *bool
}

// ResolveOutcome distinguishes the results of a resolve request.
type ResolveOutcome int

const (
	ResolveNotFound ResolveOutcome = iota
	ResolveResolved
	ResolveAlreadyResolved
)

func (o ResolveOutcome) String() string {
	switch o {
	case ResolveResolved:
		return "resolved"
	case ResolveAlreadyResolved:
		return "already_resolved"
	default:
		return "not_found"
	}
}

// AuditLogCounts aggregates the audit table for the admin dashboard.
type AuditLogCounts struct {
	Total        int64
	HighSeverity int64
	Unresolved   int64
}

// SecurityStats is the admin dashboard summary.
type SecurityStats struct {
	TotalEvents        int64                `json:"totalEvents"`
	HighSeverity       int64                `json:"highSeverity"`
	UnresolvedEvents   int64                `json:"unresolvedEvents"`
	LoginFailures      int64                `json:"loginFailures"`
	IPAddressCount     int64                `json:"ipAddressCount"`
	RecentFailedLogins []FailedLoginSummary `json:"recentFailedLogins"`
}
