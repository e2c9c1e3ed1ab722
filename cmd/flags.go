package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teemow/fhir-scheduling-mcp/internal/config"
)

// configFlags holds the flag values shared by serve and reconcile. Only
// flags the user explicitly set override env vars and the config file.
type configFlags struct {
	configFile string
	envFile    string
	debug      bool
	logFormat  string

	fhirBaseURL  string
	tokenURL     string
	clientID     string
	clientSecret string
	fhirTimeout  time.Duration

	transport   string
	httpAddr    string
	baseURL     string
	readOnly    bool
	rateLimit   float64
	rateBurst   int
	trustProxy  bool
	metricsAddr string

	lockBackend   string
	redisAddr     string
	redisPassword string
	redisDB       int
	lockTTL       time.Duration

	kafkaBrokers []string
	kafkaTopic   string

	ledgerPath        string
	reconcileSchedule string
	reconcileBatch    int
}

// addCommonFlags registers the flags every command that talks to the store needs.
func (f *configFlags) addCommonFlags(cmd *cobra.Command) {
	d := config.Default()

	cmd.Flags().StringVar(&f.configFile, "config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&f.envFile, "env-file", "", "Path to a .env file (default: ./.env when present)")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&f.logFormat, "log-format", d.LogFormat, "Log format: text or json. Can also use LOG_FORMAT env var.")

	cmd.Flags().StringVar(&f.fhirBaseURL, "fhir-base-url", d.FHIR.BaseURL, "FHIR R4 base URL of the Medplum project. Can also use MEDPLUM_BASE_URL env var.")
	cmd.Flags().StringVar(&f.tokenURL, "token-url", d.FHIR.TokenURL, "OAuth2 token endpoint for the client-credentials grant. Can also use MEDPLUM_TOKEN_URL env var.")
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "Medplum client application id. Can also use MEDPLUM_CLIENT_ID env var.")
	cmd.Flags().StringVar(&f.clientSecret, "client-secret", "", "Medplum client application secret. Can also use MEDPLUM_CLIENT_SECRET env var.")
	cmd.Flags().DurationVar(&f.fhirTimeout, "fhir-timeout", d.FHIR.Timeout, "Timeout for each FHIR store request. Can also use MEDPLUM_TIMEOUT env var.")

	cmd.Flags().StringVar(&f.ledgerPath, "ledger-path", "", "SQLite file recording inconsistent states for reconciliation. Can also use LEDGER_PATH env var.")
	cmd.Flags().IntVar(&f.reconcileBatch, "reconcile-batch", d.Reconcile.Batch, "Maximum ledger records repaired per reconciliation run. Can also use RECONCILE_BATCH env var.")
}

// addServeFlags registers the transport, lock and event flags.
func (f *configFlags) addServeFlags(cmd *cobra.Command) {
	d := config.Default()

	cmd.Flags().StringVar(&f.transport, "transport", d.Server.Transport, "Transport type: sse, streamable-http or stdio. Can also use MCP_TRANSPORT env var.")
	cmd.Flags().StringVar(&f.httpAddr, "http-addr", d.Server.HTTPAddr, "HTTP listen address (HTTP transports only). Can also use MCP_HTTP_ADDR env var.")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "Public base URL advertised in the SSE endpoint event. Can also use MCP_BASE_URL env var.")
	cmd.Flags().BoolVar(&f.readOnly, "read-only", false, "Only register the read tools (no booking or cancellation). Can also use MCP_READ_ONLY env var.")
	cmd.Flags().Float64Var(&f.rateLimit, "rate-limit", d.Server.RateLimit, "Requests per second per client IP on the MCP endpoints; 0 disables. Can also use MCP_RATE_LIMIT env var.")
	cmd.Flags().IntVar(&f.rateBurst, "rate-burst", d.Server.RateBurst, "Rate limit burst size. Can also use MCP_RATE_BURST env var.")
	cmd.Flags().BoolVar(&f.trustProxy, "trust-proxy", false, "Use X-Forwarded-For for rate limiting (only behind a trusted proxy). Can also use MCP_TRUST_PROXY env var.")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve /metrics on a dedicated address instead of the main port. Can also use METRICS_ADDR env var.")

	cmd.Flags().StringVar(&f.lockBackend, "lock-backend", d.Lock.Backend, "Slot lock backend: memory, redis or none. Can also use LOCK_BACKEND env var.")
	cmd.Flags().StringVar(&f.redisAddr, "redis-addr", d.Lock.RedisAddr, "Redis address for the redis lock backend. Can also use REDIS_ADDR env var.")
	cmd.Flags().StringVar(&f.redisPassword, "redis-password", "", "Redis password. Can also use REDIS_PASSWORD env var.")
	cmd.Flags().IntVar(&f.redisDB, "redis-db", 0, "Redis database number. Can also use REDIS_DB env var.")
	cmd.Flags().DurationVar(&f.lockTTL, "lock-ttl", d.Lock.TTL, "Expiry of a slot lock. Can also use LOCK_TTL env var.")

	cmd.Flags().StringSliceVar(&f.kafkaBrokers, "kafka-brokers", nil, "Kafka brokers for scheduling events (comma-separated); empty logs events instead. Can also use KAFKA_BROKERS env var.")
	cmd.Flags().StringVar(&f.kafkaTopic, "kafka-topic", d.Events.KafkaTopic, "Kafka topic for scheduling events. Can also use KAFKA_TOPIC env var.")

	cmd.Flags().StringVar(&f.reconcileSchedule, "reconcile-schedule", "", "Cron spec for in-process reconciliation (e.g. '@every 5m'); requires --ledger-path. Can also use RECONCILE_SCHEDULE env var.")
}

// load builds the configuration: defaults, then the YAML file, then env
// vars (after loading the .env file), then explicitly set flags.
func (f *configFlags) load(cmd *cobra.Command) (config.Config, error) {
	if err := loadEnvFile(f.envFile); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(f.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return config.Config{}, err
	}
	f.applyChanged(cmd, &cfg)
	return cfg, nil
}

func (f *configFlags) applyChanged(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	set := func(name string, apply func()) {
		if changed(name) {
			apply()
		}
	}

	set("log-format", func() { cfg.LogFormat = f.logFormat })
	set("fhir-base-url", func() { cfg.FHIR.BaseURL = f.fhirBaseURL })
	set("token-url", func() { cfg.FHIR.TokenURL = f.tokenURL })
	set("client-id", func() { cfg.FHIR.ClientID = f.clientID })
	set("client-secret", func() { cfg.FHIR.ClientSecret = f.clientSecret })
	set("fhir-timeout", func() { cfg.FHIR.Timeout = f.fhirTimeout })

	set("transport", func() { cfg.Server.Transport = f.transport })
	set("http-addr", func() { cfg.Server.HTTPAddr = f.httpAddr })
	set("base-url", func() { cfg.Server.BaseURL = f.baseURL })
	set("read-only", func() { cfg.Server.ReadOnly = f.readOnly })
	set("rate-limit", func() { cfg.Server.RateLimit = f.rateLimit })
	set("rate-burst", func() { cfg.Server.RateBurst = f.rateBurst })
	set("trust-proxy", func() { cfg.Server.TrustProxy = f.trustProxy })
	set("metrics-addr", func() { cfg.Server.MetricsAddr = f.metricsAddr })

	set("lock-backend", func() { cfg.Lock.Backend = f.lockBackend })
	set("redis-addr", func() { cfg.Lock.RedisAddr = f.redisAddr })
	set("redis-password", func() { cfg.Lock.RedisPassword = f.redisPassword })
	set("redis-db", func() { cfg.Lock.RedisDB = f.redisDB })
	set("lock-ttl", func() { cfg.Lock.TTL = f.lockTTL })

	set("kafka-brokers", func() { cfg.Events.KafkaBrokers = f.kafkaBrokers })
	set("kafka-topic", func() { cfg.Events.KafkaTopic = f.kafkaTopic })

	set("ledger-path", func() { cfg.Reconcile.LedgerPath = f.ledgerPath })
	set("reconcile-schedule", func() { cfg.Reconcile.Schedule = f.reconcileSchedule })
	set("reconcile-batch", func() { cfg.Reconcile.Batch = f.reconcileBatch })
}

// loadEnvFile loads path into the process environment without overriding
// variables that are already set. With no path, ./.env is loaded if present.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}
