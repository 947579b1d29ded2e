package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultJWTSecret = "change-me"

// minProductionSecret is the shortest HS256 secret accepted in production.
const minProductionSecret = 32

type Config struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	Env         string   `env:"ENV" envDefault:"development"`
	DBAdapter   string   `env:"DB_ADAPTER" envDefault:"postgres"`
	SQLiteFile  string   `env:"SQLITE_FILE" envDefault:"./data/nilesession.db"`
	MySQLDSN    string   `env:"MYSQL_DSN"`
	JwtSecret   string   `env:"JWT_SECRET" envDefault:"change-me"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string   `env:"LOG_FORMAT" envDefault:"text"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:5173,http://localhost:3000" envSeparator:","`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./migrations"`

	// PostgreSQL connection settings
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"nile"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"nilepass"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"nilesession"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`

	Tokens  TokenConfig
	Hashing HashConfig
	Limits  RateLimitConfig
	Redis   RedisConfig
	Events  EventsConfig

	Bootstrap BootstrapConfig
}

// TokenConfig controls lifetimes of issued credentials.
type TokenConfig struct {
	AccessTTL         time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTTL        time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	PasswordChangeTTL time.Duration `env:"PASSWORD_CHANGE_TTL" envDefault:"10m"`
	// ReuseRevokesAll revokes every live session when a signed refresh token
	// with no live record is presented.
	ReuseRevokesAll bool `env:"REFRESH_REUSE_REVOKE_ALL" envDefault:"true"`
}

type HashConfig struct {
	Algorithm  string `env:"PASSWORD_HASHER" envDefault:"bcrypt"`
	BcryptCost int    `env:"BCRYPT_COST" envDefault:"10"`
}

// RateLimitConfig holds the per-route budgets. A budget of Max requests is
// allowed per Window for each key.
type RateLimitConfig struct {
	Enabled       bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	LoginMax      int           `env:"RATE_LIMIT_LOGIN_MAX" envDefault:"5"`
	LoginWindow   time.Duration `env:"RATE_LIMIT_LOGIN_WINDOW" envDefault:"15m"`
	RefreshMax    int           `env:"RATE_LIMIT_REFRESH_MAX" envDefault:"10"`
	RefreshWindow time.Duration `env:"RATE_LIMIT_REFRESH_WINDOW" envDefault:"30m"`
	APIMax        int           `env:"RATE_LIMIT_API_MAX" envDefault:"100"`
	APIWindow     time.Duration `env:"RATE_LIMIT_API_WINDOW" envDefault:"1m"`
}

// RedisConfig enables the shared rate limiter when Addr is set.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// EventsConfig enables the RabbitMQ publisher when URL is set.
type EventsConfig struct {
	URL   string `env:"AMQP_URL"`
	Queue string `env:"AMQP_QUEUE" envDefault:"session.events"`
}

// BootstrapConfig seeds the first administrator into an empty store.
type BootstrapConfig struct {
	Username string `env:"BOOTSTRAP_ADMIN_USERNAME"`
	Email    string `env:"BOOTSTRAP_ADMIN_EMAIL"`
	Password string `env:"BOOTSTRAP_ADMIN_PASSWORD"`
	Fullname string `env:"BOOTSTRAP_ADMIN_FULLNAME" envDefault:"Administrator"`
}

// Enabled reports whether an administrator should be seeded.
func (b BootstrapConfig) Enabled() bool {
	return b.Username != "" && b.Password != ""
}

// IsProduction reports whether the service runs with production hardening.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(c.Env) {
	case "production", "prod":
		return true
	}
	return false
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// New loads an optional .env file, then reads the process environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(env.Options{})
}

// FromMap builds a Config from an explicit environment, ignoring the process
// environment. Used by tests and tooling.
func FromMap(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	c := &Config{}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "mysql":
		if c.MySQLDSN == "" {
			return errors.New("MYSQL_DSN must be set when DB_ADAPTER=mysql")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, mysql, memory)", c.DBAdapter)
	}

	if c.JwtSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	if c.IsProduction() {
		if c.JwtSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be set in production")
		}
		if len(c.JwtSecret) < minProductionSecret {
			return fmt.Errorf("JWT_SECRET must be at least %d bytes in production", minProductionSecret)
		}
	}

	if c.Tokens.AccessTTL < time.Second || c.Tokens.RefreshTTL < time.Second || c.Tokens.PasswordChangeTTL < time.Second {
		return errors.New("token TTLs must be at least one second")
	}
	if c.Tokens.AccessTTL >= c.Tokens.RefreshTTL {
		return fmt.Errorf("ACCESS_TOKEN_TTL (%s) must be shorter than REFRESH_TOKEN_TTL (%s)", c.Tokens.AccessTTL, c.Tokens.RefreshTTL)
	}

	switch c.Hashing.Algorithm {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("unsupported PASSWORD_HASHER: %s (supported: bcrypt, argon2id)", c.Hashing.Algorithm)
	}

	if c.Limits.Enabled {
		if c.Limits.LoginMax < 1 || c.Limits.RefreshMax < 1 || c.Limits.APIMax < 1 {
			return errors.New("rate limit budgets must be at least 1")
		}
		if c.Limits.LoginWindow <= 0 || c.Limits.RefreshWindow <= 0 || c.Limits.APIWindow <= 0 {
			return errors.New("rate limit windows must be positive")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return nil
}
