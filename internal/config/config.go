package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transports.
const (
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
	TransportStdio          = "stdio"
)

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
	LockBackendNone   = "none"
)

// Defaults.
const (
	DefaultFHIRBaseURL  = "https://api.medplum.com/fhir/R4/"
	DefaultTokenURL     = "https://api.medplum.com/oauth2/token"
	DefaultFHIRTimeout  = 30 * time.Second
	DefaultHTTPAddr     = ":3000"
	DefaultRateLimit    = 10
	DefaultRateBurst    = 20
	DefaultRedisAddr    = "localhost:6379"
	DefaultLockTTL      = 30 * time.Second
	DefaultKafkaTopic   = "scheduling.events"
	DefaultReconcileMax = 100
)

var (
	// ErrMissingCredentials means the FHIR client id or secret is missing or blank.
	ErrMissingCredentials = errors.New("missing FHIR store credentials: set MEDPLUM_CLIENT_ID and MEDPLUM_CLIENT_SECRET")

	// ErrInvalid marks any other invalid setting.
	ErrInvalid = errors.New("invalid configuration")
)

// Environment variable names.
const (
	EnvFHIRBaseURL       = "MEDPLUM_BASE_URL"
	EnvTokenURL          = "MEDPLUM_TOKEN_URL"
	EnvClientID          = "MEDPLUM_CLIENT_ID"
	EnvClientSecret      = "MEDPLUM_CLIENT_SECRET"
	EnvFHIRTimeout       = "MEDPLUM_TIMEOUT"
	EnvTransport         = "MCP_TRANSPORT"
	EnvHTTPAddr          = "MCP_HTTP_ADDR"
	EnvBaseURL           = "MCP_BASE_URL"
	EnvReadOnly          = "MCP_READ_ONLY"
	EnvRateLimit         = "MCP_RATE_LIMIT"
	EnvRateBurst         = "MCP_RATE_BURST"
	EnvTrustProxy        = "MCP_TRUST_PROXY"
	EnvMetricsAddr       = "METRICS_ADDR"
	EnvLockBackend       = "LOCK_BACKEND"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRedisPassword     = "REDIS_PASSWORD"
	EnvRedisDB           = "REDIS_DB"
	EnvLockTTL           = "LOCK_TTL"
	EnvKafkaBrokers      = "KAFKA_BROKERS"
	EnvKafkaTopic        = "KAFKA_TOPIC"
	EnvLedgerPath        = "LEDGER_PATH"
	EnvReconcileSchedule = "RECONCILE_SCHEDULE"
	EnvReconcileBatch    = "RECONCILE_BATCH"
	EnvLogFormat         = "LOG_FORMAT"
)

// Config is the full server configuration.
type Config struct {
	FHIR      FHIRConfig      `yaml:"fhir"`
	Server    ServerConfig    `yaml:"server"`
	Lock      LockConfig      `yaml:"lock"`
	Events    EventsConfig    `yaml:"events"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	LogFormat string          `yaml:"logFormat"`
}

// FHIRConfig configures the Medplum store client.
type FHIRConfig struct {
	BaseURL      string        `yaml:"baseURL"`
	TokenURL     string        `yaml:"tokenURL"`
	ClientID     string        `yaml:"clientID"`
	ClientSecret string        `yaml:"clientSecret"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ServerConfig configures the MCP transport.
type ServerConfig struct {
	Transport string `yaml:"transport"`
	HTTPAddr  string `yaml:"httpAddr"`
	// BaseURL is the public URL advertised in the SSE endpoint event.
	BaseURL  string `yaml:"baseURL"`
	ReadOnly bool   `yaml:"readOnly"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit   float64 `yaml:"rateLimit"`
	RateBurst   int     `yaml:"rateBurst"`
	// TrustProxy keys rate limits on X-Forwarded-For instead of the peer address.
	TrustProxy  bool   `yaml:"trustProxy"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// LockConfig configures the slot lock.
type LockConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	TTL           time.Duration `yaml:"ttl"`
}

// EventsConfig configures event publishing. No brokers means events are logged.
type EventsConfig struct {
	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`
}

// ReconcileConfig configures the inconsistency ledger and its repair loop.
type ReconcileConfig struct {
	LedgerPath string `yaml:"ledgerPath"`
	// Schedule is a cron spec; empty disables the in-process loop.
	Schedule string `yaml:"schedule"`
	Batch    int    `yaml:"batch"`
}

// Default returns the built-in defaults. Credentials are left empty.
func Default() Config {
	return Config{
		FHIR: FHIRConfig{
			BaseURL:  DefaultFHIRBaseURL,
			TokenURL: DefaultTokenURL,
			Timeout:  DefaultFHIRTimeout,
		},
		Server: ServerConfig{
			Transport: TransportSSE,
			HTTPAddr:  DefaultHTTPAddr,
			RateLimit: DefaultRateLimit,
			RateBurst: DefaultRateBurst,
		},
		Lock: LockConfig{
			Backend:   LockBackendMemory,
			RedisAddr: DefaultRedisAddr,
			TTL:       DefaultLockTTL,
		},
		Events: EventsConfig{
			KafkaTopic: DefaultKafkaTopic,
		},
		Reconcile: ReconcileConfig{
			Batch: DefaultReconcileMax,
		},
		LogFormat: "text",
	}
}

// Load returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := decodeYAML(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg with the environment variables that are set and
// non-empty. getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	// Secrets keep surrounding whitespace so Validate can reject blank values.
	raw := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str(EnvFHIRBaseURL, &c.FHIR.BaseURL)
	str(EnvTokenURL, &c.FHIR.TokenURL)
	raw(EnvClientID, &c.FHIR.ClientID)
	raw(EnvClientSecret, &c.FHIR.ClientSecret)
	duration(EnvFHIRTimeout, &c.FHIR.Timeout)

	str(EnvTransport, &c.Server.Transport)
	str(EnvHTTPAddr, &c.Server.HTTPAddr)
	str(EnvBaseURL, &c.Server.BaseURL)
	boolean(EnvReadOnly, &c.Server.ReadOnly)
	float(EnvRateLimit, &c.Server.RateLimit)
	integer(EnvRateBurst, &c.Server.RateBurst)
	boolean(EnvTrustProxy, &c.Server.TrustProxy)
	str(EnvMetricsAddr, &c.Server.MetricsAddr)

	str(EnvLockBackend, &c.Lock.Backend)
	str(EnvRedisAddr, &c.Lock.RedisAddr)
	raw(EnvRedisPassword, &c.Lock.RedisPassword)
	integer(EnvRedisDB, &c.Lock.RedisDB)
	duration(EnvLockTTL, &c.Lock.TTL)

	if v := getenv(EnvKafkaBrokers); v != "" {
		c.Events.KafkaBrokers = SplitList(v)
	}
	str(EnvKafkaTopic, &c.Events.KafkaTopic)

	str(EnvLedgerPath, &c.Reconcile.LedgerPath)
	str(EnvReconcileSchedule, &c.Reconcile.Schedule)
	integer(EnvReconcileBatch, &c.Reconcile.Batch)

	str(EnvLogFormat, &c.LogFormat)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateCredentials checks only the store credentials.
func (c *Config) ValidateCredentials() error {
	var missing []string
	if strings.TrimSpace(c.FHIR.ClientID) == "" {
		missing = append(missing, EnvClientID)
	}
	if strings.TrimSpace(c.FHIR.ClientSecret) == "" {
		missing = append(missing, EnvClientSecret)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w (missing %s)", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.ValidateCredentials(); err != nil {
		return err
	}

	var errs []error
	for name, raw := range map[string]string{"FHIR base URL": c.FHIR.BaseURL, "token URL": c.FHIR.TokenURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", name, raw))
		}
	}
	if c.FHIR.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("FHIR timeout must be positive, got %s", c.FHIR.Timeout))
	}

	switch c.Server.Transport {
	case TransportSSE, TransportStreamableHTTP, TransportStdio:
	default:
		errs = append(errs, fmt.Errorf("unsupported transport %q (supported: %s, %s, %s)",
			c.Server.Transport, TransportSSE, TransportStreamableHTTP, TransportStdio))
	}
	if c.Server.Transport != TransportStdio && c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP address is required for HTTP transports"))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("rate limit and burst must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		errs = append(errs, errors.New("rate burst must be positive when rate limiting is enabled"))
	}

	switch c.Lock.Backend {
	case LockBackendMemory, LockBackendNone:
	case LockBackendRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required for the redis lock backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported lock backend %q", c.Lock.Backend))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, fmt.Errorf("lock TTL must be positive, got %s", c.Lock.TTL))
	}

	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	if c.Reconcile.Schedule != "" && c.Reconcile.LedgerPath == "" {
		errs = append(errs, errors.New("reconcile schedule requires a ledger path"))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q (supported: text, json)", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// SplitList splits a comma-separated list, trimming whitespace and
// dropping empty elements. It returns nil when nothing remains.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
