// Package config loads the service configuration from a YAML file with
// LOOM_-prefixed environment overrides, and watches files for hot reload.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loomworks/loom/internal/auth"
	"github.com/loomworks/loom/internal/budget"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tools"
)

// Config is the full service configuration tree. Every leaf can be overridden
// through the environment: `database.host` becomes LOOM_DATABASE_HOST.
type Config struct {
	Database store.Config   `mapstructure:"database"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Executor ExecutorConfig `mapstructure:"executor"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Budget   budget.Config  `mapstructure:"budget"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Policy   policy.Config  `mapstructure:"policy"`
	Events   events.Config  `mapstructure:"events"`
	Auth     auth.Config    `mapstructure:"auth"`
	Server   ServerConfig   `mapstructure:"server"`
	Health   HealthConfig   `mapstructure:"health"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Plans    PlansConfig    `mapstructure:"plans"`
}

type MemoryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type ToolsConfig struct {
	FileRead   tools.FileReadConfig      `mapstructure:"file_read"`
	CodeRunner tools.CommandRunnerConfig `mapstructure:"code_runner"`
	Audio      tools.TTSConfig           `mapstructure:"audio"`
	WebSearch  tools.WebSearchConfig     `mapstructure:"web_search"`
}

type ExecutorConfig struct {
	MaxParallelism       int `mapstructure:"max_parallelism"`
	TaskTimeoutSeconds   int `mapstructure:"task_timeout_seconds"`
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`
}

type LLMConfig struct {
	// Provider selects the backing API: "openai" or "anthropic".
	Provider  string         `mapstructure:"provider"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
}

type ProviderConfig struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

type ApprovalConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type PlansConfig struct {
	// Dir holds YAML plan files served by name; empty disables the registry.
	Dir string `mapstructure:"dir"`
}

// Load reads the configuration file at path (optional, YAML) and applies
// LOOM_ environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, faults.Wrap(faults.Configuration, "reading config file "+path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, faults.Wrap(faults.Configuration, "decoding config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "loom")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "loom")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "loom.db")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("memory.max_entries", 50)

	// The file tool refuses to start without a sandbox root, so defaults must
	// point somewhere that exists.
	v.SetDefault("tools.file_read.base_dir", os.TempDir())
	v.SetDefault("tools.file_read.allow_symlinks", false)
	v.SetDefault("tools.file_read.max_size_bytes", 10*1024*1024)
	v.SetDefault("tools.file_read.max_path_length", 255)
	v.SetDefault("tools.code_runner.timeout", "30s")
	v.SetDefault("tools.code_runner.allowed_commands", []string{})
	v.SetDefault("tools.audio.output_dir", "")
	v.SetDefault("tools.web_search.endpoint", "")
	v.SetDefault("tools.web_search.html_endpoint", "")
	v.SetDefault("tools.web_search.timeout", "10s")

	v.SetDefault("executor.max_parallelism", 0) // 0 = NumCPU
	v.SetDefault("executor.task_timeout_seconds", 300)
	v.SetDefault("executor.shutdown_grace_seconds", 30)

	v.SetDefault("llm.provider", "openai")
	for _, p := range []string{"openai", "anthropic"} {
		v.SetDefault("llm."+p+".api_key", "")
		v.SetDefault("llm."+p+".model", "")
		v.SetDefault("llm."+p+".base_url", "")
		v.SetDefault("llm."+p+".timeout_seconds", 60)
		v.SetDefault("llm."+p+".max_retries", 3)
	}

	v.SetDefault("budget.tokens_per_minute", 0)
	v.SetDefault("budget.max_tokens_per_workflow", 0)

	v.SetDefault("approval.enabled", false)
	v.SetDefault("approval.timeout_seconds", 1800)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.mode", "enforce")
	v.SetDefault("policy.fail_closed", false)

	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("events.redis_addr", "")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_keys", map[string]string{})

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("health.addr", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "loom")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("plans.dir", "")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return faults.Errorf(faults.Configuration, "unsupported database driver %q", c.Database.Driver)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return faults.Errorf(faults.Configuration, "unsupported llm provider %q", c.LLM.Provider)
	}
	switch c.Policy.Mode {
	case policy.ModeOff, policy.ModePermissive, policy.ModeEnforce, "":
	default:
		return faults.Errorf(faults.Configuration, "unsupported policy mode %q", c.Policy.Mode)
	}
	if c.Server.Addr == "" {
		return faults.New(faults.Configuration, "server.addr is required")
	}
	if c.Executor.TaskTimeoutSeconds < 0 || c.Executor.ShutdownGraceSeconds < 0 {
		return faults.New(faults.Configuration, "executor timeouts must not be negative")
	}
	if c.Budget.TokensPerMinute < 0 || c.Budget.MaxTokensPerWorkflow < 0 {
		return faults.New(faults.Configuration, "budget limits must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(level string) (string, error) {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "":
		return strings.ToLower(level), nil
	default:
		return "", faults.Errorf(faults.Configuration, "unsupported log level %q", level)
	}
}

// TaskTimeout returns the per-task timeout as a duration.
func (c ExecutorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the shutdown grace period as a duration.
func (c ExecutorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// Timeout returns the provider request timeout as a duration.
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Active returns the provider config selected by llm.provider.
func (c LLMConfig) Active() (ProviderConfig, error) {
	switch c.Provider {
	case "openai":
		return c.OpenAI, nil
	case "anthropic":
		return c.Anthropic, nil
	default:
		return ProviderConfig{}, faults.Errorf(faults.Configuration, "unsupported llm provider %q", c.Provider)
	}
}

// String renders the config for startup logging with secrets elided.
func (c *Config) String() string {
	return fmt.Sprintf("driver=%s provider=%s server=%s policy=%v auth=%v tracing=%v",
		c.Database.Driver, c.LLM.Provider, c.Server.Addr,
		c.Policy.Enabled, c.Auth.Enabled, c.Tracing.Enabled)
}
