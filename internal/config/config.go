package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// DefaultSecretKey is the development signing secret. It is rejected in production.
const DefaultSecretKey = "dev_secret_key"

type Config struct {
	Port   string `env:"PORT" envDefault:"8080"`
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	DBAdapter  string `env:"DB_ADAPTER" envDefault:"postgres"`
	SQLiteFile string `env:"SQLITE_FILE" envDefault:"./data/sso.db"`
	// PostgreSQL connection settings
	DatabaseURL    string `env:"DATABASE_URL"`
	DBHost         string `env:"DB_HOST" envDefault:"localhost"`
	DBPort         string `env:"DB_PORT" envDefault:"5432"`
	DBName         string `env:"DB_NAME" envDefault:"auth_db"`
	DBUser         string `env:"DB_USER" envDefault:"postgres"`
	DBPassword     string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBSSLMode      string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"1"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	SecretKey     string `env:"SECRET_KEY" envDefault:"dev_secret_key"`
	SessionSecret string `env:"SESSION_SECRET"`
	SessionSecure bool   `env:"SESSION_SECURE" envDefault:"false"`
	AdminToken    string `env:"ADMIN_TOKEN"`

	RateLimitPerMinute         int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	TokenSweepInterval         time.Duration `env:"TOKEN_SWEEP_INTERVAL" envDefault:"0s"`
	AllowUnregisteredCallbacks bool          `env:"ALLOW_UNREGISTERED_CALLBACKS" envDefault:"false"`

	NATSURL           string `env:"NATS_URL"`
	NATSVerifySubject string `env:"NATS_VERIFY_SUBJECT" envDefault:"sso.verify-token"`
	NATSQueue         string `env:"NATS_QUEUE" envDefault:"sso-broker"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// IsProduction reports whether production-only checks apply.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.AppEnv)
	return env == "production" || env == "prod"
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns DATABASE_URL.
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}

	if c.DBHost == "" {
		return "", errors.New("DB_HOST or DATABASE_URL must be set")
	}
	if c.DBUser == "" {
		return "", errors.New("DB_USER must be set")
	}
	if c.DBName == "" {
		return "", errors.New("DB_NAME must be set")
	}

	port := c.DBPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.DBHost, port, c.DBUser, c.DBName, sslMode)
	if c.DBPassword != "" {
		dsn += " password=" + c.DBPassword
	}
	return dsn, nil
}

// SessionKey returns the key authenticating browser session cookies.
// Without SESSION_SECRET it is derived from the signing secret so the two never coincide.
func (c *Config) SessionKey() []byte {
	if c.SessionSecret != "" {
		return []byte(c.SessionSecret)
	}
	sum := sha256.Sum256([]byte("session:" + c.SecretKey))
	return []byte(hex.EncodeToString(sum[:]))
}

// New reads .env (when present) and the process environment.
func New() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses and validates the process environment without touching .env.
func FromEnv() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	c.DBAdapter = strings.ToLower(strings.TrimSpace(c.DBAdapter))
	switch c.DBAdapter {
	case "postgres":
		if _, err := c.BuildPostgresDSN(); err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if c.SecretKey == "" {
		return errors.New("SECRET_KEY must not be empty")
	}
	if c.IsProduction() {
		if c.SecretKey == DefaultSecretKey {
			return errors.New("SECRET_KEY must be set in production")
		}
		if c.AdminToken == "" {
			return errors.New("ADMIN_TOKEN must be set in production")
		}
		if c.DBAdapter == "memory" {
			return errors.New("DB_ADAPTER=memory is not allowed in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %d", c.RateLimitPerMinute)
	}
	if c.TokenSweepInterval < 0 {
		return fmt.Errorf("invalid TOKEN_SWEEP_INTERVAL: %s", c.TokenSweepInterval)
	}
	return nil
}
