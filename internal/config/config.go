package config

import (
	"fmt"
	"os"
)

import (
	"gopkg.in/yaml.v3"
)

// ServerCfg holds HTTP listen settings.
type ServerCfg struct {
	HTTPAddr string `yaml:"httpAddr"` // listen address, e.g. ":8080"
}

// RedisCfg holds Redis connection and namespace settings.
type RedisCfg struct {
	Addr               string   `yaml:"addr"`               // Redis address, e.g. "127.0.0.1:6379"
	Addrs              []string `yaml:"addrs"`              // Optional cluster addresses
	Password           string   `yaml:"password"`           // Redis password
	DB                 int      `yaml:"db"`                 // Redis DB index (single-node only)
	Prefix             string   `yaml:"prefix"`             // Key prefix
	UpdatesChannel     string   `yaml:"updatesChannel"`     // Pub/Sub channel for limit-override updates
	PoolSize           int      `yaml:"poolSize"`           // Connection pool size
	MinIdleConns       int      `yaml:"minIdleConns"`       // Minimum idle connections
	MaxRetries         int      `yaml:"maxRetries"`         // Command retry count
	ReadTimeoutMs      int      `yaml:"readTimeoutMs"`      // Read timeout (ms)
	WriteTimeoutMs     int      `yaml:"writeTimeoutMs"`     // Write timeout (ms)
	DialTimeoutMs      int      `yaml:"dialTimeoutMs"`      // Dial timeout (ms)
	CommandTimeoutMs   int      `yaml:"commandTimeoutMs"`   // Per-command budget applied by the repo (ms)
	ConnMaxLifetimeSec int      `yaml:"connMaxLifetimeSec"` // Max connection lifetime (sec)
}

// Features holds behavior switches.
type Features struct {
	FailPolicy    string `yaml:"failPolicy"`    // fail-open | fail-closed (store errors in the rate limiter)
	LocalFallback bool   `yaml:"localFallback"` // route fail-open decisions through an in-process token bucket
}

// CategoryLimit is the sliding-window quota for one rate-limit category.
type CategoryLimit struct {
	WindowMs    int64 `yaml:"windowMs"    json:"windowMs"`    // trailing window length (ms)
	MaxRequests int64 `yaml:"maxRequests" json:"maxRequests"` // max accepted requests inside the window
}

// RateLimitCfg configures the sliding-window rate limiter.
type RateLimitCfg struct {
	IP             CategoryLimit `yaml:"ip"`             // anonymous clients keyed by forwarded IP
	Customer       CategoryLimit `yaml:"customer"`       // authenticated storefront customers
	Admin          CategoryLimit `yaml:"admin"`          // authenticated dashboard admins
	Payment        CategoryLimit `yaml:"payment"`        // payment-critical endpoints
	TokenPrefixLen int           `yaml:"tokenPrefixLen"` // bearer-token prefix length used for identity
	TTLBufferSec   int           `yaml:"ttlBufferSec"`   // extra TTL on stored windows beyond windowMs
	PaymentPaths   []string      `yaml:"paymentPaths"`   // path prefixes classified as payment-critical
	AdminPaths     []string      `yaml:"adminPaths"`     // path prefixes requiring admin identity
}

// RecursionCfg bounds server-to-server call chains and in-process loops.
type RecursionCfg struct {
	MaxDepth      int   `yaml:"maxDepth"`      // max forwarded hop count
	TimeoutMs     int64 `yaml:"timeoutMs"`     // max elapsed time since chain origin (ms)
	MaxIterations int   `yaml:"maxIterations"` // default loop-guard iteration bound
}

// DegradedCfg configures the degraded-mode manager.
type DegradedCfg struct {
	MaxQueueSize         int64    `yaml:"maxQueueSize"`         // trigger: queue depth above this
	MaxResponseTimeMs    int64    `yaml:"maxResponseTimeMs"`    // trigger: average response time above this (ms)
	MaxErrorRatePercent  float64  `yaml:"maxErrorRatePercent"`  // trigger: error rate above this (%)
	MaxRetryCount        int64    `yaml:"maxRetryCount"`        // trigger: retries in the trailing window above this
	DisabledFeatures     []string `yaml:"disabledFeatures"`     // features switched off while active
	CriticalFeatures     []string `yaml:"criticalFeatures"`     // features that stay enabled no matter what
	RetryAfterSec        int      `yaml:"retryAfterSec"`        // Retry-After hint on 503 responses
	EvalIntervalMs       int      `yaml:"evalIntervalMs"`       // metrics poll interval (ms)
	MetricsWindowMinutes int      `yaml:"metricsWindowMinutes"` // trailing window for counter-based metrics
}

// QueueCfg configures the background job queue.
type QueueCfg struct {
	Name               string  `yaml:"name"`               // queue name (key namespace)
	MaxSize            int     `yaml:"maxSize"`            // enqueue backpressure limit
	BatchSize          int     `yaml:"batchSize"`          // messages fetched per Process call
	MaxAttempts        int     `yaml:"maxAttempts"`        // default attempts before dead-lettering
	JobTimeoutMs       int64   `yaml:"jobTimeoutMs"`       // per-job handler timeout (ms)
	BackoffTableMs     []int64 `yaml:"backoffTableMs"`     // base retry delays indexed by attempt
	JitterPercent      int     `yaml:"jitterPercent"`      // symmetric jitter band around the base delay
	MinBackoffMs       int64   `yaml:"minBackoffMs"`       // floor on the jittered delay
	PerMinuteBudget    int     `yaml:"perMinuteBudget"`    // max jobs processed per wall-clock minute
	ConsumerIntervalMs int     `yaml:"consumerIntervalMs"` // built-in consumer tick interval (ms)
}

// Config is the full service configuration.
type Config struct {
	Server    ServerCfg    `yaml:"server"`
	Redis     RedisCfg     `yaml:"redis"`
	Features  Features     `yaml:"features"`
	RateLimit RateLimitCfg `yaml:"rateLimit"`
	Recursion RecursionCfg `yaml:"recursion"`
	Degraded  DegradedCfg  `yaml:"degraded"`
	Queue     QueueCfg     `yaml:"queue"`
}

// Load reads a YAML config file, expanding ${ENV} references, and
// applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	c.ApplyDefaults()
	return &c, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "shopguard"
	}
	if c.Redis.UpdatesChannel == "" {
		c.Redis.UpdatesChannel = c.Redis.Prefix + ":limit_updates"
	}
	if c.Features.FailPolicy == "" {
		c.Features.FailPolicy = "fail-open"
	}

	defLimit := func(l *CategoryLimit, windowMs, maxReq int64) {
		if l.WindowMs <= 0 {
			l.WindowMs = windowMs
		}
		if l.MaxRequests <= 0 {
			l.MaxRequests = maxReq
		}
	}
	defLimit(&c.RateLimit.IP, 60_000, 60)
	defLimit(&c.RateLimit.Customer, 3_600_000, 600)
	defLimit(&c.RateLimit.Admin, 3_600_000, 3000)
	defLimit(&c.RateLimit.Payment, 60_000, 5)
	if c.RateLimit.TokenPrefixLen <= 0 {
		c.RateLimit.TokenPrefixLen = 16
	}
	if c.RateLimit.TTLBufferSec <= 0 {
		c.RateLimit.TTLBufferSec = 60
	}
	if len(c.RateLimit.PaymentPaths) == 0 {
		c.RateLimit.PaymentPaths = []string{"/v1/checkout", "/v1/payments"}
	}
	if len(c.RateLimit.AdminPaths) == 0 {
		c.RateLimit.AdminPaths = []string{"/v1/admin"}
	}

	if c.Recursion.MaxDepth <= 0 {
		c.Recursion.MaxDepth = 3
	}
	if c.Recursion.TimeoutMs <= 0 {
		c.Recursion.TimeoutMs = 5000
	}
	if c.Recursion.MaxIterations <= 0 {
		c.Recursion.MaxIterations = 10
	}

	if c.Degraded.MaxQueueSize <= 0 {
		c.Degraded.MaxQueueSize = 8000
	}
	if c.Degraded.MaxResponseTimeMs <= 0 {
		c.Degraded.MaxResponseTimeMs = 3000
	}
	if c.Degraded.MaxErrorRatePercent <= 0 {
		c.Degraded.MaxErrorRatePercent = 10
	}
	if c.Degraded.MaxRetryCount <= 0 {
		c.Degraded.MaxRetryCount = 500
	}
	if len(c.Degraded.DisabledFeatures) == 0 {
		c.Degraded.DisabledFeatures = []string{
			"product-recommendations",
			"wishlist",
			"reviews",
			"search-suggestions",
			"marketing-email",
		}
	}
	if len(c.Degraded.CriticalFeatures) == 0 {
		c.Degraded.CriticalFeatures = []string{
			"auth",
			"checkout",
			"payment-webhook",
			"order-status",
			"transactional-email",
		}
	}
	if c.Degraded.RetryAfterSec <= 0 {
		c.Degraded.RetryAfterSec = 300
	}
	if c.Degraded.EvalIntervalMs <= 0 {
		c.Degraded.EvalIntervalMs = 30_000
	}
	if c.Degraded.MetricsWindowMinutes <= 0 {
		c.Degraded.MetricsWindowMinutes = 5
	}

	if c.Queue.Name == "" {
		c.Queue.Name = "jobs"
	}
	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = 10_000
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.JobTimeoutMs <= 0 {
		c.Queue.JobTimeoutMs = 30_000
	}
	if len(c.Queue.BackoffTableMs) == 0 {
		c.Queue.BackoffTableMs = []int64{1000, 5000, 15000}
	}
	if c.Queue.JitterPercent <= 0 {
		c.Queue.JitterPercent = 20
	}
	if c.Queue.MinBackoffMs <= 0 {
		c.Queue.MinBackoffMs = 1000
	}
	if c.Queue.PerMinuteBudget <= 0 {
		c.Queue.PerMinuteBudget = 100
	}
	if c.Queue.ConsumerIntervalMs <= 0 {
		c.Queue.ConsumerIntervalMs = 5000
	}
}
