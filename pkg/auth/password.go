package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost = 14

	// bcrypt ignores everything past 72 bytes.
	maxBcryptBytes = 72
	randomKeyBytes = 32
)

var ErrEmptyPassword = errors.New("password cannot be empty")

// PolicyError lists every rule a password broke. Error() stays generic so
// the list is only ever logged, never returned to a client.
type PolicyError struct {
	Failures []string
}

func (e *PolicyError) Error() string {
	return "password does not meet policy"
}

// PasswordPolicy describes the rules for staff account passwords.
type PasswordPolicy struct {
	MinLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// DefaultPolicy is applied to privileged accounts.
var DefaultPolicy = PasswordPolicy{
	MinLength:     12,
	RequireUpper:  true,
	RequireLower:  true,
	RequireDigit:  true,
	RequireSymbol: true,
}

// Passwords that show up in every breach corpus and in clinic front offices.
var denylist = map[string]struct{}{
	"password":     {},
	"password123":  {},
	"password123!": {},
	"passw0rd":     {},
	"123456789012": {},
	"qwertyuiop":   {},
	"letmein":      {},
	"welcome1":     {},
	"welcome123!":  {},
	"changeme":     {},
	"changeme123!": {},
	"admin":        {},
	"admin123":     {},
	"hospital1":    {},
	"hospital123!": {},
	"clinic123":    {},
	"doctor123":    {},
	"nurse123":     {},
	"patient123":   {},
	"summer2026!":  {},
	"winter2026!":  {},
}

// Check returns a *PolicyError when password breaks any rule. The username,
// when given, must not appear inside the password.
func (p PasswordPolicy) Check(username, password string) error {
	var failures []string

	if len([]rune(password)) < p.MinLength {
		failures = append(failures, fmt.Sprintf("shorter than %d characters", p.MinLength))
	}
	if len(password) > maxBcryptBytes {
		failures = append(failures, fmt.Sprintf("longer than %d bytes", maxBcryptBytes))
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			symbol = true
		}
	}
	if p.RequireUpper && !upper {
		failures = append(failures, "no uppercase letter")
	}
	if p.RequireLower && !lower {
		failures = append(failures, "no lowercase letter")
	}
	if p.RequireDigit && !digit {
		failures = append(failures, "no digit")
	}
	if p.RequireSymbol && !symbol {
		failures = append(failures, "no symbol")
	}

	lowered := strings.ToLower(password)
	if _, ok := denylist[lowered]; ok {
		failures = append(failures, "commonly used password")
	}
	if u := strings.ToLower(strings.TrimSpace(username)); len(u) >= 3 && strings.Contains(lowered, u) {
		failures = append(failures, "contains the username")
	}

	if len(failures) > 0 {
		return &PolicyError{Failures: failures}
	}
	return nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// ComparePassword returns nil when password matches hashed.
func ComparePassword(hashed, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
}

// RandomKey returns 256 random bits, base64 encoded.
func RandomKey() (string, error) {
	b := make([]byte, randomKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
