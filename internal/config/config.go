package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/kelseyhightower/envconfig"
)

const (
	ProfileBackendMongo    = "mongo"
	ProfileBackendDynamoDB = "dynamodb"
)

type Config struct {
	Server        ServerConfig        `envconfig:"SERVER"`
	MySQL         MySQLConfig         `envconfig:"MYSQL"`
	Redis         RedisConfig         `envconfig:"REDIS"`
	Session       SessionConfig       `envconfig:"SESSION"`
	Auth          AuthConfig          `envconfig:"AUTH"`
	Profile       ProfileConfig       `envconfig:"PROFILE"`
	Mongo         MongoConfig         `envconfig:"MONGO"`
	DynamoDB      DynamoDBConfig      `envconfig:"DYNAMODB"`
	RateLimit     RateLimitConfig     `envconfig:"RATE_LIMIT"`
	Observability ObservabilityConfig `envconfig:"OBSERVABILITY"`
	CORS          CORSConfig          `envconfig:"CORS"`
	Log           LogConfig           `envconfig:"LOG"`
	AWS           AWSConfig           `envconfig:"AWS"`
}

type AWSConfig struct {
	Region  string `envconfig:"REGION" default:"ap-northeast-2"`
	Profile string `envconfig:"PROFILE" default:""`
}

type ServerConfig struct {
	Port         string        `envconfig:"PORT" default:"8000"`
	Environment  string        `envconfig:"ENVIRONMENT" default:"development"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"3s"` // per store call
}

type MySQLConfig struct {
	Host            string        `envconfig:"HOST" default:"127.0.0.1"`
	Port            int           `envconfig:"PORT" default:"3306"`
	Database        string        `envconfig:"DB" default:"profile_app"`
	User            string        `envconfig:"USER" default:"profile"`
	Password        string        `envconfig:"PASSWORD" default:""`
	SecretName      string        `envconfig:"SECRET_NAME" default:""` // Secrets Manager overrides PASSWORD
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"25"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"30m"`
	Migrate         bool          `envconfig:"MIGRATE" default:"true"`
}

type RedisConfig struct {
	Address      string        `envconfig:"ADDRESS" default:"localhost:6379"`
	Password     string        `envconfig:"PASSWORD" default:""`
	SecretName   string        `envconfig:"SECRET_NAME" default:""` // Secrets Manager overrides PASSWORD
	Database     int           `envconfig:"DATABASE" default:"0"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"0"` // 0 disables retries
	PoolSize     int           `envconfig:"POOL_SIZE" default:"100"`
	PoolTimeout  time.Duration `envconfig:"POOL_TIMEOUT" default:"4s"`
	MinIdleConns int           `envconfig:"MIN_IDLE_CONNS" default:"10"`
	TLSEnabled   bool          `envconfig:"TLS_ENABLED" default:"false"`
}

type SessionConfig struct {
	TTL       time.Duration `envconfig:"TTL" default:"604800s"`
	KeyPrefix string        `envconfig:"KEY_PREFIX" default:"session:"`
}

type AuthConfig struct {
	BcryptCost int `envconfig:"BCRYPT_COST" default:"10"`
}

type ProfileConfig struct {
	Backend string `envconfig:"BACKEND" default:"mongo"`
}

type MongoConfig struct {
	URI        string `envconfig:"URI" default:"mongodb://127.0.0.1:27017"`
	Database   string `envconfig:"DB" default:"profile_app"`
	Collection string `envconfig:"COLLECTION" default:"profiles"`
}

type DynamoDBConfig struct {
	ProfilesTableName string `envconfig:"PROFILES_TABLE_NAME" default:"profile-api-profiles"`
	Region            string `envconfig:"REGION" default:"ap-northeast-2"`
	Endpoint          string `envconfig:"ENDPOINT" default:""` // DynamoDB Local
}

type RateLimitConfig struct {
	RPS          int           `envconfig:"RPS" default:"5"`
	Burst        int           `envconfig:"BURST" default:"10"`
	WindowSize   time.Duration `envconfig:"WINDOW_SIZE" default:"1s"`
	Enabled      bool          `envconfig:"ENABLED" default:"true"`
	LimitedPaths []string      `envconfig:"LIMITED_PATHS" default:"/login,/register"`

	// Load balancer IPs or CIDRs whose X-Forwarded-For hops are believed.
	// Empty means the TCP peer is the client.
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`
}

type ObservabilityConfig struct {
	MetricsPath    string  `envconfig:"METRICS_PATH" default:"/metrics"`
	OTLPEndpoint   string  `envconfig:"OTLP_ENDPOINT" default:"http://localhost:4318"`
	TracingEnabled bool    `envconfig:"TRACING_ENABLED" default:"false"`
	SampleRate     float64 `envconfig:"SAMPLE_RATE" default:"0.1"`
}

type CORSConfig struct {
	AllowOrigins string `envconfig:"ALLOW_ORIGINS" default:"*"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
}

func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	// envconfig keeps surrounding whitespace in slice elements
	if limited := os.Getenv("RATE_LIMIT_LIMITED_PATHS"); limited != "" {
		cfg.RateLimit.LimitedPaths = splitList(limited)
	}
	if proxies := os.Getenv("RATE_LIMIT_TRUSTED_PROXIES"); proxies != "" {
		cfg.RateLimit.TrustedProxies = splitList(proxies)
	}

	// SESSION_TTL_SECONDS takes precedence over SESSION_TTL
	if raw := os.Getenv("SESSION_TTL_SECONDS"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_TTL_SECONDS: %s", raw)
		}
		cfg.Session.TTL = time.Duration(secs) * time.Second
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", cfg.Server.Port)
	}

	// Redis EXPIRE has whole-second granularity
	if cfg.Session.TTL < time.Second {
		return fmt.Errorf("session TTL must be at least 1s, got %s", cfg.Session.TTL)
	}

	if cfg.Server.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", cfg.Server.StoreTimeout)
	}

	// bcrypt.MinCost .. bcrypt.MaxCost
	if cfg.Auth.BcryptCost < 4 || cfg.Auth.BcryptCost > 31 {
		return fmt.Errorf("invalid bcrypt cost: %d", cfg.Auth.BcryptCost)
	}

	switch cfg.Profile.Backend {
	case ProfileBackendMongo, ProfileBackendDynamoDB:
	default:
		return fmt.Errorf("unknown profile backend: %q", cfg.Profile.Backend)
	}

	for _, proxy := range cfg.RateLimit.TrustedProxies {
		if _, _, err := net.ParseCIDR(proxy); err != nil && net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid trusted proxy: %q", proxy)
		}
	}

	if cfg.Observability.SampleRate < 0 || cfg.Observability.SampleRate > 1 {
		return fmt.Errorf("invalid tracing sample rate: %f", cfg.Observability.SampleRate)
	}

	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// DSN builds the go-sql-driver/mysql connection string. Credentials are
// passed through the driver's formatter so any password character survives.
func (c MySQLConfig) DSN() string {
	dsn := mysql.NewConfig()
	dsn.User = c.User
	dsn.Passwd = c.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	dsn.DBName = c.Database
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	return dsn.FormatDSN()
}
