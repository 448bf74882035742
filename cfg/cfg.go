package cfg

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	PepperFromEnv   = "env"
	PepperFromVault = "vault"
	PepperFromAWS   = "aws"
)

type Cfg struct {
	Port              string
	Environment       string
	LogLevel          string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseURL       Secret
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBQueryTimeout    time.Duration
	RedisURL          string
	RedisTLS          bool
	RedisUsername     string
	RedisPassword     Secret
	RedisTimeout      time.Duration
	PasteCacheTTL     time.Duration
	AnalyticsCacheTTL time.Duration
	AnalyticsCacheLen int
	ShortIDLength     int
	MaxPasteChars     int
	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8
	HasherConcurrency int
	Pepper            Secret
	PepperSource      string
	PepperSecretID    string
	PepperSecretKey   string
	VaultAddr         string
	VaultMount        string
	AWSRegion         string
	AWSEndpoint       string
	WorkerPoolSize    int
	TaskQueueSize     int
	RateLimit         RateLimitCfg
	TrustedProxies    []string
	MetricsUser       string
	MetricsPass       Secret
	CleanupInterval   time.Duration
	GeoTable          string
	ContextTimeout    time.Duration
}

type RateLimitCfg struct {
	RPM   int
	Burst int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabaseDriver = strings.ToLower(getEnv("DATABASE_DRIVER", DriverSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "pastebin.db")
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	c.PepperSource = strings.ToLower(getEnv("PEPPER_SOURCE", PepperFromEnv))
	c.PepperSecretID = getEnv("PEPPER_SECRET_ID", "pastebin/pepper")
	c.PepperSecretKey = getEnv("PEPPER_SECRET_KEY", "pepper")
	c.VaultAddr = getEnv("VAULT_ADDR", "")
	c.VaultMount = getEnv("VAULT_MOUNT_PATH", "secret")
	c.AWSRegion = getEnv("AWS_REGION", "")
	c.AWSEndpoint = getEnv("AWS_ENDPOINT_URL_SECRETS_MANAGER", "")
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.GeoTable = getEnv("GEO_TABLE", "")

	var err error
	ints := []struct {
		dst      *int
		key      string
		fallback int
	}{
		{&c.DBMaxOpenConns, "DB_MAX_OPEN_CONNS", 25},
		{&c.DBMaxIdleConns, "DB_MAX_IDLE_CONNS", 10},
		{&c.AnalyticsCacheLen, "ANALYTICS_CACHE_SIZE", 1000},
		{&c.ShortIDLength, "SHORT_ID_LENGTH", 8},
		{&c.MaxPasteChars, "MAX_PASTE_CHARS", 1_000_000},
		{&c.HasherConcurrency, "HASHER_CONCURRENCY", 4},
		{&c.WorkerPoolSize, "WORKER_POOL_SIZE", 8},
		{&c.TaskQueueSize, "TASK_QUEUE_SIZE", 1000},
		{&c.RateLimit.RPM, "RATE_LIMIT_RPM", 60},
		{&c.RateLimit.Burst, "RATE_LIMIT_BURST", 10},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.fallback); err != nil {
			return nil, err
		}
	}
	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&c.DBQueryTimeout, "DB_QUERY_TIMEOUT", 5 * time.Second},
		{&c.RedisTimeout, "REDIS_TIMEOUT", 2 * time.Second},
		{&c.PasteCacheTTL, "PASTE_CACHE_TTL", 5 * time.Minute},
		{&c.AnalyticsCacheTTL, "ANALYTICS_CACHE_TTL", 30 * time.Second},
		{&c.CleanupInterval, "CLEANUP_INTERVAL", 10 * time.Minute},
		{&c.ContextTimeout, "CONTEXT_TIMEOUT", 10 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}
	c.Argon2Time, err = getUint32("ARGON2_TIME", 3)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL.Value() == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.PasteCacheTTL < 0 || c.AnalyticsCacheTTL < 0 {
		return errors.New("cache TTLs must not be negative")
	}
	if c.AnalyticsCacheLen <= 0 {
		return errors.New("ANALYTICS_CACHE_SIZE must be positive")
	}
	if c.ShortIDLength < 4 || c.ShortIDLength > 32 {
		return errors.New("SHORT_ID_LENGTH must be between 4 and 32")
	}
	if c.MaxPasteChars <= 0 || c.MaxPasteChars > 1_000_000 {
		return errors.New("MAX_PASTE_CHARS must be between 1 and 1000000")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be at least 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.WorkerPoolSize <= 0 || c.TaskQueueSize <= 0 {
		return errors.New("WORKER_POOL_SIZE and TASK_QUEUE_SIZE must be positive")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.CleanupInterval < time.Second {
		return errors.New("CLEANUP_INTERVAL must be at least 1s")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	switch c.PepperSource {
	case PepperFromEnv:
		if len(c.Pepper.Value()) < 32 {
			return errors.New("PEPPER must be at least 32 bytes")
		}
	case PepperFromVault, PepperFromAWS:
		if c.PepperSecretID == "" {
			return errors.New("PEPPER_SECRET_ID is required for remote pepper sources")
		}
		if c.PepperSource == PepperFromVault && c.VaultAddr == "" {
			return errors.New("VAULT_ADDR is required when PEPPER_SOURCE=vault")
		}
	default:
		return fmt.Errorf("unknown PEPPER_SOURCE %q", c.PepperSource)
	}
	return nil
}

func (c *Cfg) IsDev() bool {
	return c.Environment == "development"
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.DatabaseURL.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
