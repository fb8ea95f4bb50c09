// Package config loads stock-agent settings from defaults, a YAML file and
// STOCK_AGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nachoal/stock-agent-go/agent"
	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/internal/logging"
	"github.com/nachoal/stock-agent-go/smart"
	"github.com/nachoal/stock-agent-go/taskrunner"
	"github.com/nachoal/stock-agent-go/tools/limiter"
	"github.com/nachoal/stock-agent-go/tools/registry"
)

// EnvPrefix prefixes every environment override, e.g. STOCK_AGENT_LLM_MODEL.
const EnvPrefix = "STOCK_AGENT"

// Session backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	LLM     LLMConfig      `mapstructure:"llm"`
	Agent   AgentConfig    `mapstructure:"agent"`
	Tasks   TasksConfig    `mapstructure:"tasks"`
	Session SessionConfig  `mapstructure:"session"`
	Smart   smart.Config   `mapstructure:"smart"`
	Market  MarketConfig   `mapstructure:"market"`
	Skills  SkillsConfig   `mapstructure:"skills"`
	Log     logging.Config `mapstructure:"log"`
	Server  ServerConfig   `mapstructure:"server"`
}

// LLMConfig selects the OpenAI-compatible completion backend. BaseURL
// overrides the endpoint of Provider.
type LLMConfig struct {
	Provider   string        `mapstructure:"provider"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// AgentConfig holds reasoning loop and tool execution limits.
type AgentConfig struct {
	PersonasFile    string           `mapstructure:"personas_file"`
	MaxIterations   int              `mapstructure:"max_iterations"`
	Temperature     float32          `mapstructure:"temperature"`
	MaxTokens       int              `mapstructure:"max_tokens"`
	Budget          agent.ToolBudget `mapstructure:"budget"`
	ParallelTools   bool             `mapstructure:"parallel_tools"`
	ToolConcurrency int              `mapstructure:"tool_concurrency"`
	ToolAttempts    int              `mapstructure:"tool_attempts"`
	ToolRetryDelay  time.Duration    `mapstructure:"tool_retry_delay"`
}

// TasksConfig bounds delegated sub-tasks.
type TasksConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	ChunkSize   int           `mapstructure:"chunk_size"`
	MaxSubTasks int           `mapstructure:"max_sub_tasks"`
}

// SessionConfig selects where sessions live and how they are trimmed.
type SessionConfig struct {
	Backend          string        `mapstructure:"backend"`
	Dir              string        `mapstructure:"dir"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	RedisURL         string        `mapstructure:"redis_url"`
	RedisPrefix      string        `mapstructure:"redis_prefix"`
	RedisTTL         time.Duration `mapstructure:"redis_ttl"`
	ReadThrough      bool          `mapstructure:"read_through"`
	MaxMessages      int           `mapstructure:"max_messages"`
	KeepRecent       int           `mapstructure:"keep_recent"`
	SampleEvery      int           `mapstructure:"sample_every"`
	TodoRunRetention int           `mapstructure:"todo_run_retention"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// MarketConfig points the market tools at the data service.
type MarketConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SkillsConfig adds playbooks from a directory to the built-in ones.
type SkillsConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	KeepAlive       time.Duration `mapstructure:"keep_alive"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// HomeDir returns ~/.stock-agent, or .stock-agent when the home directory
// is unknown.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stock-agent"
	}
	return filepath.Join(home, ".stock-agent")
}

// NewViper returns a viper instance with every default set and
// environment overrides enabled. Callers may bind flags before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	ad := agent.DefaultConfig()
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.max_retries", 3)

	retry := registry.DefaultRetryPolicy()
	v.SetDefault("agent.personas_file", "")
	v.SetDefault("agent.max_iterations", ad.MaxIterations)
	v.SetDefault("agent.temperature", ad.Temperature)
	v.SetDefault("agent.max_tokens", ad.MaxTokens)
	v.SetDefault("agent.budget.simple", ad.Budget.Simple)
	v.SetDefault("agent.budget.complex", ad.Budget.Complex)
	v.SetDefault("agent.parallel_tools", ad.ParallelTools)
	v.SetDefault("agent.tool_concurrency", limiter.DefaultSize)
	v.SetDefault("agent.tool_attempts", retry.MaxAttempts)
	v.SetDefault("agent.tool_retry_delay", retry.BaseDelay)

	tc := taskrunner.DefaultConfig()
	v.SetDefault("tasks.timeout", tc.DefaultTimeout)
	v.SetDefault("tasks.chunk_size", tc.ChunkSize)
	v.SetDefault("tasks.max_sub_tasks", 5)

	cp := history.DefaultCompactionPolicy()
	v.SetDefault("session.backend", BackendFile)
	v.SetDefault("session.dir", filepath.Join(HomeDir(), "sessions"))
	v.SetDefault("session.sqlite_path", filepath.Join(HomeDir(), "sessions.db"))
	v.SetDefault("session.redis_url", "")
	v.SetDefault("session.redis_prefix", "stock-agent")
	v.SetDefault("session.redis_ttl", 30*24*time.Hour)
	v.SetDefault("session.read_through", false)
	v.SetDefault("session.max_messages", cp.MaxMessages)
	v.SetDefault("session.keep_recent", cp.KeepRecent)
	v.SetDefault("session.sample_every", cp.SampleEvery)
	v.SetDefault("session.todo_run_retention", history.DefaultTodoRunRetention)
	v.SetDefault("session.max_age", 30*24*time.Hour)

	sc := smart.DefaultConfig()
	v.SetDefault("smart.turn_timeout", sc.TurnTimeout)
	v.SetDefault("smart.fallback_tools", sc.FallbackTools)
	v.SetDefault("smart.fallback_timeout", sc.FallbackTimeout)
	v.SetDefault("smart.memory_messages", sc.MemoryMessages)
	v.SetDefault("smart.default_persona", sc.DefaultPersona)

	v.SetDefault("market.base_url", "http://localhost:8000")
	v.SetDefault("market.timeout", 15*time.Second)

	v.SetDefault("skills.dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.keep_alive", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
}

// Load reads path, or the first config.yaml found in ~/.stock-agent and the
// working directory, then applies environment overrides. A missing default
// file is not an error; a missing explicit path is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(HomeDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the runtime cannot honor.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := c.LLM.Endpoint(); err != nil {
		errs = append(errs, err)
	}
	check(c.LLM.Timeout > 0, "llm.timeout must be positive")
	check(c.LLM.MaxRetries >= 0, "llm.max_retries must not be negative")

	check(c.Agent.MaxIterations > 0, "agent.max_iterations must be positive")
	check(c.Agent.Budget.Simple >= 0 && c.Agent.Budget.Complex >= 0, "agent.budget values must not be negative")
	check(c.Agent.ToolConcurrency > 0, "agent.tool_concurrency must be positive")
	check(c.Agent.ToolAttempts > 0, "agent.tool_attempts must be positive")

	check(c.Tasks.Timeout > 0, "tasks.timeout must be positive")
	check(c.Tasks.ChunkSize > 0, "tasks.chunk_size must be positive")
	check(c.Tasks.MaxSubTasks > 0, "tasks.max_sub_tasks must be positive")

	switch c.Session.Backend {
	case BackendMemory, BackendFile, BackendSQLite:
	case BackendRedis:
		check(c.Session.RedisURL != "", "session.redis_url is required for the redis backend")
	default:
		errs = append(errs, fmt.Errorf("session.backend %q is not one of memory, file, sqlite, redis", c.Session.Backend))
	}
	check(c.Session.KeepRecent > 0 && c.Session.KeepRecent < c.Session.MaxMessages,
		"session.keep_recent must be positive and below session.max_messages")
	check(c.Session.SampleEvery > 0, "session.sample_every must be positive")
	check(c.Session.TodoRunRetention > 0, "session.todo_run_retention must be positive")

	check(c.Smart.TurnTimeout > 0, "smart.turn_timeout must be positive")
	check(c.Smart.FallbackTimeout > 0, "smart.fallback_timeout must be positive")
	check(c.Smart.DefaultPersona != "", "smart.default_persona is required")

	check(c.Market.BaseURL != "", "market.base_url is required")

	return errors.Join(errs...)
}

// providerEndpoints are OpenAI-compatible chat endpoints by provider name.
var providerEndpoints = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"moonshot": "https://api.moonshot.cn/v1",
	"groq":     "https://api.groq.com/openai/v1",
	"lmstudio": "http://localhost:1234/v1",
	"ollama":   "http://localhost:11434/v1",
}

// Endpoint returns BaseURL, or the endpoint of Provider when BaseURL is
// empty.
func (c LLMConfig) Endpoint() (string, error) {
	if c.BaseURL != "" {
		return c.BaseURL, nil
	}
	if u, ok := providerEndpoints[strings.ToLower(c.Provider)]; ok {
		return u, nil
	}
	return "", fmt.Errorf("llm.provider %q is unknown and llm.base_url is empty", c.Provider)
}

// AgentBase is the agent configuration personas are applied on top of.
func (c *Config) AgentBase() agent.Config {
	base := agent.DefaultConfig()
	base.Model = c.LLM.Model
	base.MaxIterations = c.Agent.MaxIterations
	base.Temperature = c.Agent.Temperature
	base.MaxTokens = c.Agent.MaxTokens
	base.Budget = c.Agent.Budget
	base.ParallelTools = c.Agent.ParallelTools
	return base
}

// RetryPolicy returns the per-call tool retry policy.
func (c *Config) RetryPolicy() registry.RetryPolicy {
	return registry.RetryPolicy{MaxAttempts: c.Agent.ToolAttempts, BaseDelay: c.Agent.ToolRetryDelay}
}

// TaskConfig returns the sub-task runner configuration.
func (c *Config) TaskConfig() taskrunner.Config {
	return taskrunner.Config{DefaultTimeout: c.Tasks.Timeout, ChunkSize: c.Tasks.ChunkSize}
}

// Compaction returns the session compaction policy.
func (c *Config) Compaction() history.CompactionPolicy {
	return history.CompactionPolicy{
		MaxMessages: c.Session.MaxMessages,
		KeepRecent:  c.Session.KeepRecent,
		SampleEvery: c.Session.SampleEvery,
	}
}
