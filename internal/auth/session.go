package auth

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"time"

	"github.com/boj/redistore"
	"github.com/gomodule/redigo/redis"
	"github.com/gorilla/sessions"
)

// Session value keys.
const (
	SessionKeyUserID    = "user_id"
	SessionKeyRole      = "role"
	SessionKeyLastIP    = "last_ip"
	SessionKeyCSRFToken = "csrf_token"
)

const defaultSessionName = "carewatch_session"

// SessionConfig configures the session cookie and its backing store.
type SessionConfig struct {
	Secret    string
	RedisAddr string // empty selects signed, encrypted cookies
	MaxAge    time.Duration
	Secure    bool
}

// SessionManager reads and writes the server-side session attached to a request.
type SessionManager struct {
	store sessions.Store
	name  string
}

// NewSessionManager wraps an existing store.
func NewSessionManager(store sessions.Store) *SessionManager {
	return &SessionManager{store: store, name: defaultSessionName}
}

// NewSessionStore builds a Redis-backed store when RedisAddr is set and a
// cookie store otherwise.
func NewSessionStore(cfg SessionConfig) (sessions.Store, error) {
	opts := &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	}
	keyPairs := sessionKeyPairs(cfg.Secret)

	if cfg.RedisAddr == "" {
		store := sessions.NewCookieStore(keyPairs...)
		store.Options = opts
		return store, nil
	}

	pool := &redis.Pool{
		MaxIdle:     10,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.RedisAddr)
		},
	}

	store, err := redistore.NewRediStoreWithPool(pool, keyPairs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis session store: %w", err)
	}
	store.SetKeyPrefix("carewatch:session:")
	store.Options = opts

	return store, nil
}

// sessionKeyPairs derives a hash key and a 32-byte AES key from the secret.
func sessionKeyPairs(secret string) [][]byte {
	hashKey := sha256.Sum256([]byte("carewatch-session-auth:" + secret))
	blockKey := sha256.Sum256([]byte("carewatch-session-enc:" + secret))
	return [][]byte{hashKey[:], blockKey[:]}
}

// Get returns the session for r. A session that fails to decode is replaced
// with a fresh one so callers never act on tampered data.
func (m *SessionManager) Get(r *http.Request) *sessions.Session {
	session, err := m.store.Get(r, m.name)
	if err != nil || session == nil {
		session, _ = m.store.New(r, m.name)
		if session == nil {
			session = sessions.NewSession(m.store, m.name)
		}
	}
	return session
}

// Save persists session changes. It must run before the response headers
// are written.
func (m *SessionManager) Save(w http.ResponseWriter, r *http.Request, session *sessions.Session) error {
	return session.Save(r, w)
}

// Start stores the authenticated identity in a freshly issued session.
func (m *SessionManager) Start(w http.ResponseWriter, r *http.Request, userID, role, ip, csrfToken string) error {
	session := m.Get(r)
	for key := range session.Values {
		delete(session.Values, key)
	}
	// server-side stores issue a new id, so a pre-login id is never reused
	session.ID = ""
	session.Values[SessionKeyUserID] = userID
	session.Values[SessionKeyRole] = role
	session.Values[SessionKeyLastIP] = ip
	session.Values[SessionKeyCSRFToken] = csrfToken
	return session.Save(r, w)
}

// Destroy expires the session.
func (m *SessionManager) Destroy(w http.ResponseWriter, r *http.Request) error {
	session := m.Get(r)
	for key := range session.Values {
		delete(session.Values, key)
	}
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// SessionString reads a string value from the session.
func SessionString(session *sessions.Session, key string) string {
	if session == nil {
		return ""
	}
	v, _ := session.Values[key].(string)
	return v
}
