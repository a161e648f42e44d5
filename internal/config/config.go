package config

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Security SecurityConfig
	Alerts   AlertConfig
	Metrics  MetricsConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	StatementTimeout  time.Duration
	LockTimeout       time.Duration
	BootstrapAdmin    BootstrapAdminConfig
}

// BootstrapAdminConfig seeds the first administrator when both fields are set.
type BootstrapAdminConfig struct {
	Username string
	Password string
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

type AuthConfig struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
	SessionSecret     string
	SessionRedisAddr  string
	SessionMaxAge     time.Duration
	LoginRateLimit    int
	MinResponseDelay  time.Duration
	MaxResponseJitter time.Duration
	TOTPEncryptionKey string // base64, 32 bytes; derived from SessionSecret when empty
}

// TOTPKey returns the AES-256 key protecting stored TOTP secrets.
func (c AuthConfig) TOTPKey() ([]byte, error) {
	if c.TOTPEncryptionKey == "" {
		sum := sha256.Sum256([]byte("totp:" + c.SessionSecret))
		return sum[:], nil
	}
	key, err := base64.StdEncoding.DecodeString(c.TOTPEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

// SecurityConfig drives lockout and redirect policy.
type SecurityConfig struct {
	MaxLoginAttempts       int
	LockoutDuration        time.Duration
	AllowedRedirectDomains []string
	AppDomain              string
	TrustedProxies         []string // CIDR ranges or addresses; empty trusts X-Forwarded-For as sent
	MonitorInterval        time.Duration
}

// AlertConfig enables SES notifications for HIGH severity events when
// Region, From and at least one recipient are set.
type AlertConfig struct {
	Region     string
	From       string
	Recipients []string
}

func (c AlertConfig) Enabled() bool {
	return c.Region != "" && c.From != "" && len(c.Recipients) > 0
}

type MetricsConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	sessionSecret := getEnv("SESSION_SECRET", "")
	if sessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "carewatch"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			StatementTimeout:  getEnvAsDuration("DB_STATEMENT_TIMEOUT", 10*time.Second),
			LockTimeout:       getEnvAsDuration("DB_LOCK_TIMEOUT", 3*time.Second),
			BootstrapAdmin: BootstrapAdminConfig{
				Username: getEnv("BOOTSTRAP_ADMIN_USERNAME", ""),
				Password: getEnv("BOOTSTRAP_ADMIN_PASSWORD", ""),
			},
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:         jwtSecret,
			AccessTokenExpiry: getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			SessionSecret:     sessionSecret,
			SessionRedisAddr:  getEnv("SESSION_REDIS_ADDR", ""),
			SessionMaxAge:     getEnvAsDuration("SESSION_MAX_AGE", 8*time.Hour),
			LoginRateLimit:    getEnvAsInt("LOGIN_RATE_LIMIT_PER_MINUTE", 10),
			MinResponseDelay:  getEnvAsDuration("AUTH_MIN_RESPONSE_DELAY", 100*time.Millisecond),
			MaxResponseJitter: getEnvAsDuration("AUTH_MAX_RESPONSE_JITTER", 50*time.Millisecond),
			TOTPEncryptionKey: getEnv("TOTP_ENCRYPTION_KEY", ""),
		},
		Security: SecurityConfig{
			MaxLoginAttempts:       getEnvAsInt("MAX_LOGIN_ATTEMPTS", 5),
			LockoutDuration:        getEnvAsSeconds("LOCKOUT_DURATION", 900*time.Second),
			AllowedRedirectDomains: getEnvAsList("ALLOWED_REDIRECT_DOMAINS"),
			AppDomain:              getEnv("APP_DOMAIN", ""),
			TrustedProxies:         getEnvAsList("TRUSTED_PROXIES"),
			MonitorInterval:        getEnvAsDuration("MONITOR_INTERVAL", 1*time.Minute),
		},
		Alerts: AlertConfig{
			Region:     getEnv("SECURITY_ALERT_REGION", ""),
			From:       getEnv("SECURITY_ALERT_FROM", ""),
			Recipients: getEnvAsList("SECURITY_ALERT_RECIPIENTS"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateSecret("JWT_SECRET", jwtSecret, env); err != nil {
		return nil, err
	}
	if err := validateSecret("SESSION_SECRET", sessionSecret, env); err != nil {
		return nil, err
	}

	if _, err := cfg.Auth.TOTPKey(); err != nil {
		return nil, err
	}

	if cfg.Security.MaxLoginAttempts < 1 {
		return nil, fmt.Errorf("MAX_LOGIN_ATTEMPTS must be at least 1")
	}
	if cfg.Security.LockoutDuration < 0 {
		return nil, fmt.Errorf("LOCKOUT_DURATION must not be negative")
	}
	if cfg.Security.MonitorInterval <= 0 {
		return nil, fmt.Errorf("MONITOR_INTERVAL must be positive")
	}
	if cfg.Database.StatementTimeout < 0 || cfg.Database.LockTimeout < 0 {
		return nil, fmt.Errorf("DB_STATEMENT_TIMEOUT and DB_LOCK_TIMEOUT must not be negative")
	}

	return cfg, nil
}

// validateSecret enforces minimum strength for signing secrets
func validateSecret(name, secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32 // 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("%s must be at least %d characters in %s environment (got %d)",
			name, minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("%s cannot be a common weak value", name)
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsSeconds reads a bare integer as seconds and falls back to Go
// duration syntax ("15m").
func getEnvAsSeconds(key string, defaultVal time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return []string{}
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		return getEnvAsList("ALLOWED_ORIGINS")
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
