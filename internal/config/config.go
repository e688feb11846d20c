// Package config loads blueprint engine configuration from defaults, an
// optional YAML file and BPE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override: server.port is read from
// BPE_SERVER_PORT.
const EnvPrefix = "BPE"

// Config holds all configuration for the engine service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port          string        `mapstructure:"port"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	HSTSMaxAge    int           `mapstructure:"hsts_max_age"`
}

// StoreConfig selects the persistence backend for runs, blueprints and the
// tool catalog.
type StoreConfig struct {
	Kind          string        `mapstructure:"kind"` // "memory" or "redis"
	RedisURL      string        `mapstructure:"redis_url"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
	RunTTL        time.Duration `mapstructure:"run_ttl"`
	EventMaxLen   int64         `mapstructure:"event_max_len"`
}

type EngineConfig struct {
	PerRunParallelism   int           `mapstructure:"per_run_parallelism"`
	GlobalParallelism   int           `mapstructure:"global_parallelism"`
	DefaultRetries      int           `mapstructure:"default_retries"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffCap          time.Duration `mapstructure:"backoff_cap"`
	NodeTimeout         time.Duration `mapstructure:"node_timeout"`
	CancelGrace         time.Duration `mapstructure:"cancel_grace"`
	TimerPollInterval   time.Duration `mapstructure:"timer_poll_interval"`
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`
	DefaultIterationCap int           `mapstructure:"default_iteration_cap"`
}

type GatewayConfig struct {
	// ToolsFile is a JSON list of tool manifests registered at startup.
	ToolsFile string `mapstructure:"tools_file"`
	// Credentials selects where per-agent tool credentials come from:
	// "none", "file" (CredentialsFile) or "redis" (the store's Redis).
	Credentials     string           `mapstructure:"credentials"`
	CredentialsFile string           `mapstructure:"credentials_file"`
	Subprocess      SubprocessConfig `mapstructure:"subprocess"`
	HTTP            HTTPToolConfig   `mapstructure:"http"`
	NATS            NATSConfig       `mapstructure:"nats"`
	K8s             K8sConfig        `mapstructure:"k8s"`
	Brain           BrainConfig      `mapstructure:"brain"`
}

type SubprocessConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	CWD     string `mapstructure:"cwd"`
	// EnvPassthrough lists variables copied from the engine environment.
	EnvPassthrough []string `mapstructure:"env_passthrough"`
}

type HTTPToolConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// NATSConfig is shared by the nats tool runtime and the NATS notifier.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type K8sConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	InCluster          bool          `mapstructure:"in_cluster"`
	Kubeconfig         string        `mapstructure:"kubeconfig"`
	Namespace          string        `mapstructure:"namespace"`
	ServiceAccountName string        `mapstructure:"service_account"`
	ImagePullSecrets   []string      `mapstructure:"image_pull_secrets"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

type BrainConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	DefaultModel string        `mapstructure:"default_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TokenURL     string        `mapstructure:"token_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scopes       []string      `mapstructure:"scopes"`
}

type AuthConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	OIDCIssuer   string   `mapstructure:"oidc_issuer"`
	OIDCClientID string   `mapstructure:"oidc_client_id"`
	ApproverRole string   `mapstructure:"approver_role"`
	PublicPaths  []string `mapstructure:"public_paths"`
	// ApprovalSecret signs approval links. Links are disabled when empty.
	ApprovalSecret string        `mapstructure:"approval_secret"`
	ApprovalTTL    time.Duration `mapstructure:"approval_ttl"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type ArchiveConfig struct {
	Kind            string `mapstructure:"kind"` // "memory", "s3", "minio" or "none"
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Prefix          string `mapstructure:"prefix"`
	// LinkTTL bounds presigned download links.
	LinkTTL time.Duration `mapstructure:"link_ttl"`
}

type NotifyConfig struct {
	RedisChannel string `mapstructure:"redis_channel"`
	NATSPrefix   string `mapstructure:"nats_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // json|text
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "7070")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_grace", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.hsts_max_age", 0)

	v.SetDefault("store.kind", "memory")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.prefix", "bpe")
	v.SetDefault("store.run_ttl", 7*24*time.Hour)
	v.SetDefault("store.event_max_len", 5000)

	v.SetDefault("engine.per_run_parallelism", 4)
	v.SetDefault("engine.global_parallelism", 16)
	v.SetDefault("engine.default_retries", 0)
	v.SetDefault("engine.backoff_base", time.Second)
	v.SetDefault("engine.backoff_cap", 60*time.Second)
	v.SetDefault("engine.node_timeout", 60*time.Second)
	v.SetDefault("engine.cancel_grace", 5*time.Second)
	v.SetDefault("engine.timer_poll_interval", time.Second)
	v.SetDefault("engine.default_poll_interval", 30*time.Second)
	v.SetDefault("engine.default_iteration_cap", 50)

	v.SetDefault("gateway.tools_file", "")
	v.SetDefault("gateway.credentials", "none")
	v.SetDefault("gateway.credentials_file", "")
	v.SetDefault("gateway.subprocess.enabled", true)
	v.SetDefault("gateway.subprocess.cwd", "")
	v.SetDefault("gateway.subprocess.env_passthrough", []string{"PATH", "HOME"})
	v.SetDefault("gateway.http.enabled", true)
	v.SetDefault("gateway.nats.url", "")
	v.SetDefault("gateway.nats.subject_prefix", "tools")
	v.SetDefault("gateway.nats.max_reconnects", 10)
	v.SetDefault("gateway.nats.reconnect_wait", 2*time.Second)
	v.SetDefault("gateway.k8s.enabled", false)
	v.SetDefault("gateway.k8s.in_cluster", false)
	v.SetDefault("gateway.k8s.kubeconfig", "")
	v.SetDefault("gateway.k8s.namespace", "blueprint-tools")
	v.SetDefault("gateway.k8s.service_account", "default")
	v.SetDefault("gateway.k8s.image_pull_secrets", []string{})
	v.SetDefault("gateway.k8s.poll_interval", time.Second)
	v.SetDefault("gateway.brain.endpoint", "https://api.openai.com/v1")
	v.SetDefault("gateway.brain.api_key", "")
	v.SetDefault("gateway.brain.default_model", "openai/gpt-4o")
	v.SetDefault("gateway.brain.timeout", 60*time.Second)
	v.SetDefault("gateway.brain.token_url", "")
	v.SetDefault("gateway.brain.client_id", "")
	v.SetDefault("gateway.brain.client_secret", "")
	v.SetDefault("gateway.brain.scopes", []string{})

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.oidc_issuer", "")
	v.SetDefault("auth.oidc_client_id", "")
	v.SetDefault("auth.approver_role", "approver")
	v.SetDefault("auth.public_paths", []string{"/metrics"})
	v.SetDefault("auth.approval_secret", "")
	v.SetDefault("auth.approval_ttl", 72*time.Hour)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 100.0)
	v.SetDefault("rate_limit.burst", 200)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("archive.kind", "memory")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.prefix", "archive")
	v.SetDefault("archive.link_ttl", "15m")

	v.SetDefault("notify.redis_channel", "")
	v.SetDefault("notify.nats_prefix", "blueprint")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. The YAML file named by BPE_CONFIG_FILE is read
// when set; environment variables win over both file and defaults.
func Load() (*Config, error) {
	return load(os.Getenv(EnvPrefix + "_CONFIG_FILE"))
}

// Default returns the built-in defaults, ignoring files and environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return &cfg
}

func load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port != "", "server.port is required")
	check(oneOf(c.Store.Kind, "memory", "redis"), "store.kind must be memory or redis, got %q", c.Store.Kind)
	check(c.Store.Kind != "redis" || c.Store.RedisURL != "", "store.redis_url is required for the redis store")

	check(oneOf(c.Gateway.Credentials, "none", "file", "redis"), "gateway.credentials must be none, file or redis, got %q", c.Gateway.Credentials)
	check(c.Gateway.Credentials != "file" || c.Gateway.CredentialsFile != "", "gateway.credentials_file is required for file credentials")
	check(c.Gateway.Credentials != "redis" || c.Store.Kind == "redis", "gateway.credentials=redis requires store.kind=redis")

	check(c.Engine.PerRunParallelism >= 1, "engine.per_run_parallelism must be at least 1")
	check(c.Engine.GlobalParallelism >= c.Engine.PerRunParallelism, "engine.global_parallelism must be at least engine.per_run_parallelism")
	check(c.Engine.DefaultRetries >= 0, "engine.default_retries must not be negative")
	check(c.Engine.BackoffBase > 0 && c.Engine.BackoffCap >= c.Engine.BackoffBase, "engine.backoff_cap must be at least engine.backoff_base")
	check(c.Engine.NodeTimeout > 0, "engine.node_timeout must be positive")
	check(c.Engine.CancelGrace >= 0, "engine.cancel_grace must not be negative")
	check(c.Engine.TimerPollInterval > 0, "engine.timer_poll_interval must be positive")
	check(c.Engine.DefaultIterationCap >= 1, "engine.default_iteration_cap must be at least 1")

	check(!c.Auth.Enabled || c.Auth.OIDCIssuer != "", "auth.oidc_issuer is required when auth is enabled")
	check(!c.RateLimit.Enabled || (c.RateLimit.RPS > 0 && c.RateLimit.Burst > 0), "rate_limit.rps and rate_limit.burst must be positive")
	check(c.Tracing.SampleRate >= 0 && c.Tracing.SampleRate <= 1, "tracing.sample_rate must be within [0, 1]")
	check(oneOf(c.Archive.Kind, "memory", "s3", "minio", "none"), "archive.kind must be memory, s3, minio or none, got %q", c.Archive.Kind)
	check(!oneOf(c.Archive.Kind, "s3", "minio") || c.Archive.Bucket != "", "archive.bucket is required for %s", c.Archive.Kind)
	check(c.Archive.LinkTTL > 0 && c.Archive.LinkTTL <= 7*24*time.Hour, "archive.link_ttl must be within (0, 168h]")
	check(oneOf(c.Log.Level, "debug", "info", "warn", "error"), "log.level must be debug, info, warn or error, got %q", c.Log.Level)
	check(oneOf(c.Log.Format, "json", "text"), "log.format must be json or text, got %q", c.Log.Format)

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
