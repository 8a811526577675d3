// Package config loads process configuration from an optional YAML file and
// environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/autofix/pkg/approval"
	"github.com/Mindburn-Labs/autofix/pkg/archive"
)

// Ledger backends.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

type ServerConfig struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	DataDir        string        `yaml:"data_dir"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	ApprovalLease  time.Duration `yaml:"approval_lease"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

type LedgerConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// RedisConfig enables the shared idempotency store when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type N8NConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type ModelConfig struct {
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

type TelegramConfig struct {
	BotToken      string `yaml:"bot_token"`
	ChatID        string `yaml:"chat_id"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// GitHubConfig enables tracking issues when Token, Owner and Repo are set.
type GitHubConfig struct {
	Token string `yaml:"token"`
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
}

func (g GitHubConfig) Enabled() bool {
	return g.Token != "" && g.Owner != "" && g.Repo != ""
}

type AuthConfig struct {
	// JWTSecret guards the trigger webhook and the records API when set.
	JWTSecret string `yaml:"jwt_secret"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Config holds server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Redis     RedisConfig     `yaml:"redis"`
	N8N       N8NConfig       `yaml:"n8n"`
	Model     ModelConfig     `yaml:"model"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	GitHub    GitHubConfig    `yaml:"github"`
	Archive   archive.Config  `yaml:"archive"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// PatchPolicy is a CEL expression gating each fix operation.
	PatchPolicy string `yaml:"patch_policy"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			LogLevel:       "INFO",
			DataDir:        "data",
			ProcessTimeout: 2 * time.Minute,
			ApprovalLease:  5 * time.Minute,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Redis:     RedisConfig{TTL: 24 * time.Hour},
		N8N:       N8NConfig{Timeout: 30 * time.Second},
		Model:     ModelConfig{Model: "claude-sonnet-4-5-20250929", MaxTokens: 4096, Timeout: 60 * time.Second},
		Telemetry: TelemetryConfig{ServiceName: "autofix"},
	}
}

// Load reads AUTOFIX_CONFIG (if set) and then the environment.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("AUTOFIX_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolve()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}
	e.str("PORT", &c.Server.Port)
	e.str("LOG_LEVEL", &c.Server.LogLevel)
	e.str("DATA_DIR", &c.Server.DataDir)
	e.duration("PROCESS_TIMEOUT", &c.Server.ProcessTimeout)
	e.duration("APPROVAL_LEASE", &c.Server.ApprovalLease)
	e.float("RATE_LIMIT_RPS", &c.Server.RateLimitRPS)
	e.integer("RATE_LIMIT_BURST", &c.Server.RateLimitBurst)

	e.str("LEDGER_BACKEND", &c.Ledger.Backend)
	e.str("DATABASE_URL", &c.Ledger.DatabaseURL)
	e.str("SQLITE_PATH", &c.Ledger.SQLitePath)

	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.integer("REDIS_DB", &c.Redis.DB)
	e.duration("IDEMPOTENCY_TTL", &c.Redis.TTL)

	e.str("N8N_BASE_URL", &c.N8N.BaseURL)
	e.str("N8N_API_KEY", &c.N8N.APIKey)
	e.duration("N8N_TIMEOUT", &c.N8N.Timeout)

	e.str("ANTHROPIC_API_KEY", &c.Model.APIKey)
	e.str("ANTHROPIC_BASE_URL", &c.Model.BaseURL)
	e.str("ANTHROPIC_MODEL", &c.Model.Model)
	e.integer("ANTHROPIC_MAX_TOKENS", &c.Model.MaxTokens)
	e.duration("ANTHROPIC_TIMEOUT", &c.Model.Timeout)

	e.str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	e.str("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	e.str("TELEGRAM_WEBHOOK_SECRET", &c.Telegram.WebhookSecret)

	e.str("GITHUB_TOKEN", &c.GitHub.Token)
	e.str("GITHUB_OWNER", &c.GitHub.Owner)
	e.str("GITHUB_REPO", &c.GitHub.Repo)

	var backend string
	e.str("ARCHIVE_BACKEND", &backend)
	if backend != "" {
		c.Archive.Backend = archive.Backend(backend)
	}
	e.str("ARCHIVE_DIR", &c.Archive.Dir)
	e.str("ARCHIVE_S3_BUCKET", &c.Archive.S3Bucket)
	e.str("ARCHIVE_S3_REGION", &c.Archive.S3Region)
	e.str("ARCHIVE_S3_ENDPOINT", &c.Archive.S3Endpoint)
	e.str("ARCHIVE_GCS_BUCKET", &c.Archive.GCSBucket)
	e.str("ARCHIVE_PREFIX", &c.Archive.Prefix)

	e.str("TRIGGER_JWT_SECRET", &c.Auth.JWTSecret)

	e.boolean("OTEL_ENABLED", &c.Telemetry.Enabled)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	e.str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	e.str("PATCH_POLICY", &c.PatchPolicy)
	return errors.Join(e.errs...)
}

// resolve fills values derived from other settings.
func (c *Config) resolve() {
	c.Server.LogLevel = strings.ToUpper(c.Server.LogLevel)
	c.Ledger.Backend = strings.ToLower(c.Ledger.Backend)
	if c.Ledger.Backend == "" {
		if c.Ledger.DatabaseURL != "" {
			c.Ledger.Backend = LedgerPostgres
		} else {
			c.Ledger.Backend = LedgerSQLite
		}
	}
	if c.Ledger.SQLitePath == "" {
		c.Ledger.SQLitePath = filepath.Join(c.Server.DataDir, "autofix.db")
	}
}

// Validate reports every missing or inconsistent setting needed to serve.
func (c *Config) Validate() error {
	var missing []string
	require := func(v, name string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	require(c.N8N.BaseURL, "N8N_BASE_URL")
	require(c.N8N.APIKey, "N8N_API_KEY")
	require(c.Model.APIKey, "ANTHROPIC_API_KEY")
	require(c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	require(c.Telegram.ChatID, "TELEGRAM_CHAT_ID")

	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", ")))
	}
	switch c.Ledger.Backend {
	case LedgerSQLite, LedgerMemory:
	case LedgerPostgres:
		if c.Ledger.DatabaseURL == "" {
			errs = append(errs, errors.New("LEDGER_BACKEND=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q (valid: sqlite, postgres, memory)", c.Ledger.Backend))
	}
	switch c.Server.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_LEVEL %q", c.Server.LogLevel))
	}
	if c.Server.ProcessTimeout <= 0 {
		errs = append(errs, errors.New("PROCESS_TIMEOUT must be positive"))
	}
	// An approval must finish, including its terminal write, before another
	// delivery of the same decision can take the claim over.
	if minLease := c.Server.ProcessTimeout + approval.DefaultFinalizeTimeout; c.Server.ApprovalLease <= minLease {
		errs = append(errs, fmt.Errorf("APPROVAL_LEASE %s must exceed PROCESS_TIMEOUT plus %s (%s)",
			c.Server.ApprovalLease, approval.DefaultFinalizeTimeout, minLease))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, errors.New("ANTHROPIC_MAX_TOKENS must be positive"))
	}
	return errors.Join(errs...)
}

// envReader applies set environment variables and collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) integer(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (e *envReader) boolean(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}
