package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvProduction = "production"

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	BucketAudit string
	UseSSL      bool
	Region      string
}

type Argon2Config struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

type SecurityConfig struct {
	PrivateKey      string
	PrivateKeyPath  string
	PublicKey       string
	PublicKeyPath   string
	Issuer          string
	Audience        string
	TokenTTL        time.Duration
	TokenLeeway     time.Duration
	Argon2          Argon2Config
	HashConcurrency int64
}

type CookieConfig struct {
	Name   string
	Domain string
	Secure bool
}

type AnomalyConfig struct {
	ReferenceTimezone string
	TenantTimezones   map[string]string
	GeoIPDatabase     string
	LookupTimeout     time.Duration
	CheckTimeout      time.Duration
}

type AuditConfig struct {
	BufferSize int
}

type NotifyConfig struct {
	Stream string
}

type ReputationConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	RiskThreshold     float64
}

type DelegatedConfig struct {
	PublicKey     string
	PublicKeyPath string
	Issuer        string
	Audience      string
	CookieName    string
}

type NATSConfig struct {
	URL            string
	VerifySubject  string
	VerifyQueue    string
	RevokedSubject string
}

type TokensConfig struct {
	ActivationTTL    time.Duration
	PasswordResetTTL time.Duration
}

type MigrationConfig struct {
	RollbackWindow time.Duration
}

// RateLimitConfig.FailOpen only takes effect outside production.
type RateLimitConfig struct {
	FailOpen bool
}

// InternalConfig holds the shared secret sibling applications sign internal
// API calls with. An empty secret disables the internal routes.
type InternalConfig struct {
	SharedSecret string
	MaxSkew      time.Duration
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Security         SecurityConfig
	Cookie           CookieConfig
	Anomaly          AnomalyConfig
	Audit            AuditConfig
	Notify           NotifyConfig
	Reputation       ReputationConfig
	Delegated        DelegatedConfig
	NATS             NATSConfig
	Tokens           TokensConfig
	Migration        MigrationConfig
	RateLimit        RateLimitConfig
	Internal         InternalConfig
	AllowCORSOrigins []string
}

func (c *AppConfig) IsProduction() bool {
	return c.Environment == EnvProduction
}

// RateLimitFailOpen reports whether limiters may allow requests while Redis
// is unreachable. Production always fails closed.
func (c *AppConfig) RateLimitFailOpen() bool {
	return c.RateLimit.FailOpen && !c.IsProduction()
}

// Validate rejects configurations that would silently weaken production.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Security.PrivateKey == "" && c.Security.PrivateKeyPath == "" &&
		c.Security.PublicKey == "" && c.Security.PublicKeyPath == "" {
		errs = append(errs, errors.New("security: a token public or private key is required"))
	}
	if c.Security.Issuer == "" || c.Security.Audience == "" {
		errs = append(errs, errors.New("security: issuer and audience are required"))
	}

	if c.IsProduction() {
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis: addr is required in production, rate limiting cannot fail open"))
		}
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres: dsn is required in production"))
		}
		if c.Cookie.Domain == "" {
			errs = append(errs, errors.New("cookie: domain is required in production"))
		}
		if !c.Cookie.Secure {
			errs = append(errs, errors.New("cookie: secure must be enabled in production"))
		}
	}
	return errors.Join(errs...)
}

func Load() (*AppConfig, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("PORTALAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, decoderOptions); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decoderOptions(dc *mapstructure.DecoderConfig) {
	dc.TagName = "mapstructure"
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucketaudit", "portalauth-audit-archive")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("security.privatekey", "")
	v.SetDefault("security.privatekeypath", "")
	v.SetDefault("security.publickey", "")
	v.SetDefault("security.publickeypath", "")
	v.SetDefault("security.issuer", "portalauth")
	v.SetDefault("security.audience", "portal")
	v.SetDefault("security.tokenttl", "8h")
	v.SetDefault("security.tokenleeway", "30s")
	v.SetDefault("security.argon2.time", 3)
	v.SetDefault("security.argon2.memorykib", 64*1024)
	v.SetDefault("security.argon2.threads", 2)
	v.SetDefault("security.hashconcurrency", 4)

	v.SetDefault("cookie.name", "portal_session")
	v.SetDefault("cookie.domain", "")
	v.SetDefault("cookie.secure", true)

	v.SetDefault("anomaly.referencetimezone", "UTC")
	v.SetDefault("anomaly.tenanttimezones", map[string]string{})
	v.SetDefault("anomaly.geoipdatabase", "")
	v.SetDefault("anomaly.lookuptimeout", "300ms")
	v.SetDefault("anomaly.checktimeout", "1s")

	v.SetDefault("audit.buffersize", 1024)

	v.SetDefault("notify.stream", "portalauth:tasks")

	v.SetDefault("reputation.baseurl", "")
	v.SetDefault("reputation.apikey", "")
	v.SetDefault("reputation.timeout", "500ms")
	v.SetDefault("reputation.requestspersecond", 20)
	v.SetDefault("reputation.burst", 40)
	v.SetDefault("reputation.riskthreshold", 0.8)

	v.SetDefault("delegated.publickey", "")
	v.SetDefault("delegated.publickeypath", "")
	v.SetDefault("delegated.issuer", "")
	v.SetDefault("delegated.audience", "")
	v.SetDefault("delegated.cookiename", "__session")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.verifysubject", "auth.verify")
	v.SetDefault("nats.verifyqueue", "portalauth")
	v.SetDefault("nats.revokedsubject", "auth.sessions.revoked")

	v.SetDefault("tokens.activationttl", "168h") // 7 days
	v.SetDefault("tokens.passwordresetttl", "1h")

	v.SetDefault("migration.rollbackwindow", "24h")

	v.SetDefault("ratelimit.failopen", true)

	v.SetDefault("internal.sharedsecret", "")
	v.SetDefault("internal.maxskew", "5m")

	v.SetDefault("allowcorsorigins", []string{})
}
