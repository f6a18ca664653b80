package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all optimizer configuration values.
type Config struct {
	ListenPort     int
	DebugEndpoints bool // ZEROSCALE_DEBUG_ENDPOINTS, default: false; enables pprof/debug on the API port

	// Ledger persistence. When PostgresDSN is empty the in-memory ledger is
	// used (rollback state does not survive a restart).
	PostgresDSN string
	ArchiveDir  string // ZEROSCALE_ARCHIVE_DIR, default: "" (archiving disabled)

	// Traffic source.
	PrometheusURL  string
	SampleTimeout  time.Duration // bound on every traffic-source call
	AnalysisWindow time.Duration // how far back planning looks at traffic

	// Classification.
	ProbeInterval   time.Duration // expected liveness/readiness probe period
	ProbeJitter     time.Duration // tolerance around ProbeInterval
	ProbePaths      []string
	ProbeUserAgents []string
	MinSamples      int

	// Decision thresholds.
	ConfidenceThreshold float64 // higher = more conservative
	CPUThresholdPct     float64
	MemoryThresholdPct  float64
	ExcludedNamespaces  []string
	ExcludedSelectors   []string // label selectors that must never be zero-scaled

	// Cost model.
	CPUCostPerCoreMonth   float64
	MemoryCostPerGiBMonth float64

	// Risk rule table.
	RiskReplicaThreshold int32 // replicas above this raise risk to at least medium

	// Execution.
	MaxRetries          int
	ExecutorConcurrency int
	ControlPlaneQPS     float64
	ControlPlaneBurst   int

	// Safety-net monitoring.
	RollbackTimeout     time.Duration
	PollInterval        time.Duration
	TrafficTriggerRatio float64 // fraction of baseline business rate that triggers rollback
	RollbackRetention   time.Duration

	// Alerting.
	AlertWebhookURL string
	AlertAuthToken  string
	AllowInsecure   bool // ZEROSCALE_ALLOW_INSECURE, default: false; allows http:// AlertWebhookURL

	Version string
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		ListenPort:     parseInt("ZEROSCALE_PORT", 8080),
		DebugEndpoints: parseBool("ZEROSCALE_DEBUG_ENDPOINTS", false),

		PostgresDSN: os.Getenv("ZEROSCALE_POSTGRES_DSN"),
		ArchiveDir:  os.Getenv("ZEROSCALE_ARCHIVE_DIR"),

		PrometheusURL:  envOrDefault("ZEROSCALE_PROMETHEUS_URL", "http://prometheus.monitoring.svc:9090"),
		SampleTimeout:  parseDuration("ZEROSCALE_SAMPLE_TIMEOUT", 10*time.Second),
		AnalysisWindow: parseDuration("ZEROSCALE_ANALYSIS_WINDOW", 30*time.Minute),

		ProbeInterval:   parseDuration("ZEROSCALE_PROBE_INTERVAL", 10*time.Second),
		ProbeJitter:     parseDuration("ZEROSCALE_PROBE_JITTER", 1*time.Second),
		ProbePaths:      parseStringSlice("ZEROSCALE_PROBE_PATHS", defaultProbePaths),
		ProbeUserAgents: parseStringSlice("ZEROSCALE_PROBE_USER_AGENTS", defaultProbeUserAgents),
		MinSamples:      parseInt("ZEROSCALE_MIN_SAMPLES", 30),

		ConfidenceThreshold: parseFloat("ZEROSCALE_CONFIDENCE_THRESHOLD", 0.90),
		CPUThresholdPct:     parseFloat("ZEROSCALE_CPU_THRESHOLD_PCT", 10),
		MemoryThresholdPct:  parseFloat("ZEROSCALE_MEMORY_THRESHOLD_PCT", 20),
		ExcludedNamespaces:  parseStringSlice("ZEROSCALE_EXCLUDED_NAMESPACES", defaultExcludedNamespaces),
		ExcludedSelectors:   parseStringSlice("ZEROSCALE_EXCLUDED_SELECTORS", defaultExcludedSelectors),

		CPUCostPerCoreMonth:   parseFloat("ZEROSCALE_CPU_COST_PER_CORE_MONTH", 23.0),
		MemoryCostPerGiBMonth: parseFloat("ZEROSCALE_MEMORY_COST_PER_GIB_MONTH", 3.0),

		RiskReplicaThreshold: int32(parseInt("ZEROSCALE_RISK_REPLICA_THRESHOLD", 5)),

		MaxRetries:          parseInt("ZEROSCALE_MAX_RETRIES", 3),
		ExecutorConcurrency: parseInt("ZEROSCALE_EXECUTOR_CONCURRENCY", 4),
		ControlPlaneQPS:     parseFloat("ZEROSCALE_CONTROL_PLANE_QPS", 5),
		ControlPlaneBurst:   parseInt("ZEROSCALE_CONTROL_PLANE_BURST", 10),

		RollbackTimeout:     parseDuration("ZEROSCALE_ROLLBACK_TIMEOUT", 30*time.Minute),
		PollInterval:        parseDuration("ZEROSCALE_POLL_INTERVAL", 5*time.Second),
		TrafficTriggerRatio: parseFloat("ZEROSCALE_TRAFFIC_TRIGGER_RATIO", 0.10),
		RollbackRetention:   parseDuration("ZEROSCALE_ROLLBACK_RETENTION", 24*time.Hour),

		AlertWebhookURL: os.Getenv("ZEROSCALE_ALERT_WEBHOOK_URL"),
		AlertAuthToken:  os.Getenv("ZEROSCALE_ALERT_AUTH_TOKEN"),
		AllowInsecure:   parseBool("ZEROSCALE_ALLOW_INSECURE", false),

		Version: envOrDefault("ZEROSCALE_VERSION", "dev"),
	}

	return cfg
}

var defaultProbePaths = []string{
	"/healthz", "/readyz", "/livez", "/health", "/ready", "/ping", "/status",
}

var defaultProbeUserAgents = []string{
	"kube-probe", "Prometheus", "ELB-HealthChecker", "GoogleHC", "Envoy/HC",
}

var defaultExcludedNamespaces = []string{
	"kube-system", "kube-public", "kube-node-lease",
}

var defaultExcludedSelectors = []string{
	"app.kubernetes.io/component=operator",
	"app.kubernetes.io/component=controller",
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func parseStringSlice(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}
