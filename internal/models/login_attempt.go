package models

import "time"

// LoginAttempt is an aggregated record of attempts from one (IP, username)
// pair. Failed attempts inside the same window collapse into one row whose
// AttemptCount grows; a success always starts a fresh row.
type LoginAttempt struct {
	ID           int64     `json:"-"`
	Username     *string   `json:"username"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    *string   `json:"user_agent"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
	AttemptCount int       `json:"attempt_count"`
}

// LoginAttemptCheck is the derived lockout decision for an IP. It is never persisted.
type LoginAttemptCheck struct {
	Blocked           bool `json:"blocked"`
	RemainingLockTime *int `json:"remainingLockTime,omitempty"` // seconds
	AttemptCount      *int `json:"attemptCount,omitempty"`
}

// FailedLoginSummary aggregates failures for one username.
type FailedLoginSummary struct {
	Username    string    `json:"username"`
	Count       int64     `json:"count"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// LoginAttemptStats is the login-attempt half of the admin dashboard.
type LoginAttemptStats struct {
	LoginFailures      int64
	IPAddressCount     int64
	RecentFailedLogins []FailedLoginSummary
}
