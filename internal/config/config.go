// Package config loads service configuration from an optional .env file, an
// optional YAML file and LEGIS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LEGIS"

// Config is the full runtime configuration of the auth API.
type Config struct {
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`

	HTTP     HTTPConfig     `mapstructure:"http"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Tokens   TokenConfig    `mapstructure:"tokens"`
	Password PasswordConfig `mapstructure:"password"`
	Lockout  LockoutConfig  `mapstructure:"lockout"`
	CSRF     CSRFConfig     `mapstructure:"csrf"`
	Log      LogConfig      `mapstructure:"log"`
	Sentry   SentryConfig   `mapstructure:"sentry"`

	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	RateBurst    int           `mapstructure:"rate_burst"`
	RatePerSec   int           `mapstructure:"rate_per_sec"`
	// AllowedOrigins lists CORS origins in addition to localhost.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TrustedProxies lists CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For header is honored.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	CookieSecure   bool     `mapstructure:"cookie_secure"`
	CookieDomain   string   `mapstructure:"cookie_domain"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type TokenConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
	StoreTTL   time.Duration `mapstructure:"store_timeout"`
}

type PasswordConfig struct {
	BcryptCost int `mapstructure:"bcrypt_cost"`
	MinLength  int `mapstructure:"min_length"`
}

type LockoutConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	Window              time.Duration `mapstructure:"window"`
	OpTimeout           time.Duration `mapstructure:"op_timeout"`
	StrikeMemory        time.Duration `mapstructure:"strike_memory"`
	AccountLockDuration time.Duration `mapstructure:"account_lock_duration"`
	DisableScripts      bool          `mapstructure:"disable_scripts"`
}

type CSRFConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Option adjusts how Load resolves its sources.
type Option func(*loader)

type loader struct {
	envFiles   []string
	configFile string
}

// WithEnvFiles loads the given dotenv files before reading the environment.
// Missing files are ignored.
func WithEnvFiles(files ...string) Option {
	return func(l *loader) { l.envFiles = files }
}

// WithConfigFile reads a YAML file beneath the environment.
func WithConfigFile(path string) Option {
	return func(l *loader) { l.configFile = path }
}

// Load resolves configuration: defaults, then file, then environment.
func Load(opts ...Option) (*Config, error) {
	l := &loader{envFiles: []string{".env"}}
	for _, opt := range opts {
		opt(l)
	}

	for _, f := range l.envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", l.configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("version", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("http.rate_per_sec", 10)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("http.cookie_secure", true)
	v.SetDefault("http.cookie_domain", "")

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 2*time.Second)
	v.SetDefault("redis.read_timeout", 500*time.Millisecond)
	v.SetDefault("redis.write_timeout", 500*time.Millisecond)

	v.SetDefault("tokens.secret", "")
	v.SetDefault("tokens.issuer", "legiswatch")
	v.SetDefault("tokens.audience", "legiswatch-web")
	v.SetDefault("tokens.access_ttl", 15*time.Minute)
	v.SetDefault("tokens.refresh_ttl", 7*24*time.Hour)
	v.SetDefault("tokens.store_timeout", 3*time.Second)

	v.SetDefault("password.bcrypt_cost", 12)
	v.SetDefault("password.min_length", 12)

	v.SetDefault("lockout.max_attempts", 5)
	v.SetDefault("lockout.window", 15*time.Minute)
	v.SetDefault("lockout.op_timeout", 500*time.Millisecond)
	v.SetDefault("lockout.strike_memory", 7*24*time.Hour)
	v.SetDefault("lockout.account_lock_duration", 15*time.Minute)
	v.SetDefault("lockout.disable_scripts", false)

	v.SetDefault("csrf.ttl", 12*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("sentry.dsn", "")

	v.SetDefault("cleanup_interval", time.Hour)
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Tokens.Secret) < 32 {
		errs = append(errs, errors.New("tokens.secret must be at least 32 bytes"))
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.Tokens.AccessTTL >= c.Tokens.RefreshTTL {
		errs = append(errs, errors.New("tokens.access_ttl must be shorter than tokens.refresh_ttl"))
	}
	if c.Lockout.MaxAttempts < 1 {
		errs = append(errs, errors.New("lockout.max_attempts must be positive"))
	}
	if c.Lockout.OpTimeout <= 0 {
		errs = append(errs, errors.New("lockout.op_timeout must be positive"))
	}
	if c.Password.BcryptCost < 4 || c.Password.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("password.bcrypt_cost %d out of range", c.Password.BcryptCost))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Production reports whether the service runs in production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}
