package instrumentation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig wraps every error returned by Config.ApplyEnv and Config.Validate.
var ErrInvalidConfig = errors.New("invalid instrumentation config")

// Environment variables read by Config.ApplyEnv.
const (
	EnvEnabled           = "INSTRUMENTATION_ENABLED"
	EnvServiceName       = "OTEL_SERVICE_NAME"
	EnvInstanceID        = "OTEL_SERVICE_INSTANCE_ID"
	EnvEnvironment       = "DEPLOYMENT_ENVIRONMENT"
	EnvMetricsExporter   = "METRICS_EXPORTER"
	EnvTracingExporter   = "TRACING_EXPORTER"
	EnvOTLPEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTLPInsecure      = "OTEL_EXPORTER_OTLP_INSECURE"
	EnvTraceSamplingRate = "OTEL_TRACES_SAMPLER_ARG"
	EnvDetailedLabels    = "METRICS_DETAILED_LABELS"
	EnvAuditEnabled      = "AUDIT_LOGGING_ENABLED"
	EnvAuditIncludePII   = "AUDIT_LOGGING_INCLUDE_PII"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// InstanceID identifies this replica. Empty means the hostname.
	InstanceID string

	// Environment is reported as deployment.environment when set,
	// e.g. "staging" for a Medplum sandbox project.
	Environment string

	// Enabled turns metrics and tracing on. When false NewProvider returns
	// a provider whose Metrics records nothing.
	Enabled bool

	// MetricsExporter is one of prometheus, otlp or stdout.
	MetricsExporter string

	// TracingExporter is one of otlp, stdout or none.
	TracingExporter string

	// OTLPEndpoint is the collector address without scheme, e.g. "localhost:4318".
	OTLPEndpoint string

	// OTLPInsecure sends OTLP over plain HTTP. Spans carry FHIR resource
	// ids, so keep this off outside local development.
	OTLPInsecure bool

	// TraceSamplingRate is the ratio of root spans sampled, 0.0 to 1.0.
	TraceSamplingRate float64

	// DetailedLabels adds resource ids to tool spans and audit lines.
	DetailedLabels bool

	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig holds configuration for audit logging.
type AuditLoggingConfig struct {
	Enabled bool

	// IncludePII writes appointment, practitioner and slot ids in clear
	// text. When false they are hashed.
	IncludePII bool
}

// DefaultConfig returns the built-in defaults: Prometheus metrics, no
// tracing, audit logging with hashed ids.
func DefaultConfig() Config {
	return Config{
		ServiceName:       DefaultServiceName,
		ServiceVersion:    "unknown",
		Enabled:           true,
		MetricsExporter:   ExporterPrometheus,
		TracingExporter:   ExporterNone,
		TraceSamplingRate: 0.1,
		AuditLogging: AuditLoggingConfig{
			Enabled: true,
		},
	}
}

// ApplyEnv overrides c with the variables getenv returns. Unset or empty
// variables leave the field alone; unparsable ones are reported together.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, key, v))
			return
		}
		*dst = b
	}

	boolean(EnvEnabled, &c.Enabled)
	str(EnvServiceName, &c.ServiceName)
	str(EnvInstanceID, &c.InstanceID)
	str(EnvEnvironment, &c.Environment)
	str(EnvMetricsExporter, &c.MetricsExporter)
	str(EnvTracingExporter, &c.TracingExporter)
	str(EnvOTLPEndpoint, &c.OTLPEndpoint)
	boolean(EnvOTLPInsecure, &c.OTLPInsecure)
	boolean(EnvDetailedLabels, &c.DetailedLabels)
	boolean(EnvAuditEnabled, &c.AuditLogging.Enabled)
	boolean(EnvAuditIncludePII, &c.AuditLogging.IncludePII)

	if v := strings.TrimSpace(getenv(EnvTraceSamplingRate)); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, EnvTraceSamplingRate, v))
		} else {
			c.TraceSamplingRate = rate
		}
	}

	return errors.Join(errs...)
}

// Validate checks the exporter settings. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("%w: trace sampling rate must be between 0.0 and 1.0, got %g", ErrInvalidConfig, c.TraceSamplingRate))
	}

	switch c.MetricsExporter {
	case ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		errs = append(errs, fmt.Errorf("%w: metrics exporter %q, must be one of: prometheus, otlp, stdout", ErrInvalidConfig, c.MetricsExporter))
	}

	switch c.TracingExporter {
	case ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		errs = append(errs, fmt.Errorf("%w: tracing exporter %q, must be one of: otlp, stdout, none", ErrInvalidConfig, c.TracingExporter))
	}

	if (c.MetricsExporter == ExporterOTLP || c.TracingExporter == ExporterOTLP) && c.OTLPEndpoint == "" {
		errs = append(errs, fmt.Errorf("%w: OTLP endpoint is required for the otlp exporter; set %s", ErrInvalidConfig, EnvOTLPEndpoint))
	}
	if strings.Contains(c.OTLPEndpoint, "://") {
		errs = append(errs, fmt.Errorf("%w: OTLP endpoint %q must not include a scheme", ErrInvalidConfig, c.OTLPEndpoint))
	}

	return errors.Join(errs...)
}

// Constants for metric label values.
const (
	// DefaultServiceName is the OTel service name used when OTEL_SERVICE_NAME is unset.
	DefaultServiceName = "fhir-scheduling-mcp"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Token fetch result values
	TokenResultSuccess = "success"
	TokenResultFailure = "failure"

	// Booking result values
	BookingResultBooked       = "booked"
	BookingResultUnavailable  = "unavailable"
	BookingResultCompensated  = "compensated"
	BookingResultInconsistent = "inconsistent"
	BookingResultFailed       = "failed"

	// Exporter types
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	// MetricExportInterval is the push interval of the otlp and stdout metric exporters.
	MetricExportInterval = 30 * time.Second
)
