package models

import (
	"github.com/golang-jwt/jwt/v5"
)

type TokenClaims struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller, resolved from the session or a bearer token.
type Principal struct {
	UserID string
	Role   string
	Source string // "session" or "bearer"
}

const (
	PrincipalSourceSession = "session"
	PrincipalSourceBearer  = "bearer"
)
