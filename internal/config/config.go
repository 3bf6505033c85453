package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Lockout    LockoutConfig
	Session    SessionConfig
	Password   PasswordConfig
	TwoFactor  TwoFactorConfig
	Encryption EncryptionConfig
	Email      EmailConfig
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
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite string
	AuthRateLimit  int
	APIRateLimit   int
}

type RedisConfig struct {
	URL       string
	KeyPrefix string
}

type AuthConfig struct {
	JWTSecret              string
	AccessTokenExpiry      time.Duration
	RefreshTokenExpiry     time.Duration
	RotateRefreshTokens    bool
	CleanupInterval        time.Duration
	IntegrityCheckInterval time.Duration
	EmailVerificationTTL   time.Duration
	PasswordResetTTL       time.Duration
	LoginBaseDelay         time.Duration
	LoginRandomDelay       time.Duration
}

// LockoutConfig drives the brute-force throttle.
type LockoutConfig struct {
	Threshold        int
	Window           time.Duration
	Duration         time.Duration
	Delays           []time.Duration
	FailClosed       bool
	IPThreshold      int
	IPWindow         time.Duration
	IPBlockDuration  time.Duration
	LocalCacheTTL    time.Duration
	LocalCacheMaxLen int
}

type SessionConfig struct {
	MaxPerUser  int
	Timeout     time.Duration
	IdleTimeout time.Duration
}

type PasswordConfig struct {
	MaxAge      time.Duration
	MinAge      time.Duration
	HistorySize int
}

type TwoFactorConfig struct {
	Issuer           string
	PreAuthTTL       time.Duration
	PreAuthAttempts  int
	CodeTTL          time.Duration
	BackupCodeCount  int
	TrustedDeviceTTL time.Duration
	Skew             uint
}

type EncryptionConfig struct {
	MasterKey      string
	KDFIterations  int
	HashIterations int
}

type EmailConfig struct {
	Enabled      bool
	AWSRegion    string
	FromAddress  string
	AlertAddress string
	BaseURL      string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")
	masterKey := getEnv("ENCRYPTION_MASTER_KEY", jwtSecret)

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "dealergate"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CookieDomain:   getEnv("COOKIE_DOMAIN", ""),
			CookieSecure:   getEnvAsBool("COOKIE_SECURE", env == "production"),
			CookieSameSite: getEnv("COOKIE_SAMESITE", "strict"),
			AuthRateLimit:  getEnvAsInt("AUTH_RATE_LIMIT_PER_MINUTE", 10),
			APIRateLimit:   getEnvAsInt("API_RATE_LIMIT_PER_MINUTE", 120),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "dg:"),
		},
		Auth: AuthConfig{
			JWTSecret:              jwtSecret,
			AccessTokenExpiry:      getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 24*time.Hour),
			RefreshTokenExpiry:     getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
			RotateRefreshTokens:    getEnvAsBool("ROTATE_REFRESH_TOKENS", true),
			CleanupInterval:        getEnvAsDuration("TOKEN_CLEANUP_INTERVAL", 1*time.Hour),
			IntegrityCheckInterval: getEnvAsDuration("AUDIT_INTEGRITY_CHECK_INTERVAL", 24*time.Hour),
			EmailVerificationTTL:   getEnvAsDuration("EMAIL_VERIFICATION_TTL", 24*time.Hour),
			PasswordResetTTL:       getEnvAsDuration("PASSWORD_RESET_TTL", 1*time.Hour),
			LoginBaseDelay:         getEnvAsDuration("LOGIN_BASE_DELAY", 250*time.Millisecond),
			LoginRandomDelay:       getEnvAsDuration("LOGIN_RANDOM_DELAY", 100*time.Millisecond),
		},
		Lockout: LockoutConfig{
			Threshold:        getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			Window:           getEnvAsDuration("LOCKOUT_WINDOW", 15*time.Minute),
			Duration:         getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			Delays:           getEnvAsDurations("LOCKOUT_DELAYS", []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second}),
			FailClosed:       getEnvAsBool("LOCKOUT_FAIL_CLOSED", env == "production"),
			IPThreshold:      getEnvAsInt("LOCKOUT_IP_THRESHOLD", 50),
			IPWindow:         getEnvAsDuration("LOCKOUT_IP_WINDOW", 15*time.Minute),
			IPBlockDuration:  getEnvAsDuration("LOCKOUT_IP_BLOCK_DURATION", 1*time.Hour),
			LocalCacheTTL:    getEnvAsDuration("LOCKOUT_LOCAL_CACHE_TTL", 5*time.Second),
			LocalCacheMaxLen: getEnvAsInt("LOCKOUT_LOCAL_CACHE_SIZE", 10000),
		},
		Session: SessionConfig{
			MaxPerUser:  getEnvAsInt("SESSION_MAX_PER_USER", 5),
			Timeout:     getEnvAsDuration("SESSION_TIMEOUT", 24*time.Hour),
			IdleTimeout: getEnvAsDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		},
		Password: PasswordConfig{
			MaxAge:      getEnvAsDuration("PASSWORD_MAX_AGE", 90*24*time.Hour),
			MinAge:      getEnvAsDuration("PASSWORD_MIN_AGE", 24*time.Hour),
			HistorySize: getEnvAsInt("PASSWORD_HISTORY_SIZE", 5),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:           getEnv("TOTP_ISSUER", "DealerGate"),
			PreAuthTTL:       getEnvAsDuration("TWO_FACTOR_PREAUTH_TTL", 5*time.Minute),
			PreAuthAttempts:  getEnvAsInt("TWO_FACTOR_PREAUTH_ATTEMPTS", 5),
			CodeTTL:          getEnvAsDuration("TWO_FACTOR_CODE_TTL", 5*time.Minute),
			BackupCodeCount:  getEnvAsInt("TWO_FACTOR_BACKUP_CODES", 10),
			TrustedDeviceTTL: getEnvAsDuration("TRUSTED_DEVICE_TTL", 30*24*time.Hour),
			Skew:             uint(getEnvAsInt("TOTP_SKEW", 2)),
		},
		Encryption: EncryptionConfig{
			MasterKey:      masterKey,
			KDFIterations:  getEnvAsInt("ENCRYPTION_KDF_ITERATIONS", 600000),
			HashIterations: getEnvAsInt("PASSWORD_HASH_ITERATIONS", 310000),
		},
		Email: EmailConfig{
			Enabled:      getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
			FromAddress:  getEnv("EMAIL_FROM_ADDRESS", "no-reply@dealergate.local"),
			AlertAddress: getEnv("SECURITY_ALERT_ADDRESS", ""),
			BaseURL:      getEnv("APP_BASE_URL", "http://localhost:5173"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	// Validate JWT secret strength
	if err := validateSecret("JWT_SECRET", jwtSecret, env); err != nil {
		return nil, err
	}
	if err := validateSecret("ENCRYPTION_MASTER_KEY", masterKey, env); err != nil {
		return nil, err
	}
	if env == "production" && masterKey == jwtSecret {
		return nil, fmt.Errorf("ENCRYPTION_MASTER_KEY must differ from JWT_SECRET in production")
	}

	if cfg.Lockout.Threshold < 1 {
		return nil, fmt.Errorf("LOCKOUT_THRESHOLD must be at least 1")
	}
	if cfg.Session.MaxPerUser < 1 {
		return nil, fmt.Errorf("SESSION_MAX_PER_USER must be at least 1")
	}

	return cfg, nil
}

// validateSecret enforces minimum security standards for signing and encryption secrets
func validateSecret(name, secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("%s must be at least %d characters in %s environment (got %d)",
			name, minLength, env, len(secret))
	}

	// Check against common weak secrets
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
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

// getEnvAsDurations parses a comma separated schedule such as "0s,2s,5s".
// Any malformed element discards the whole value.
func getEnvAsDurations(key string, defaultVal []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	parts := strings.Split(value, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil || d < 0 {
			return defaultVal
		}
		out = append(out, d)
	}
	return out
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{} // Default to no origins in production
		}
		origins := strings.Split(originsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		return origins
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	}
}
