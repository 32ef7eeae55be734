package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration. Static sections are read
// once at startup; Workflow tunables may be hot-reloaded (see Manager).
type Config struct {
	HTTP          HTTPConfig          `mapstructure:"http"`
	Temporal      TemporalConfig      `mapstructure:"temporal"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Search        SearchConfig        `mapstructure:"search"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type HTTPConfig struct {
	Port           int     `mapstructure:"port"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SearchConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
	Country    string `mapstructure:"country"`
	Locale     string `mapstructure:"locale"`
}

// WorkflowConfig holds the pipeline tunables.
type WorkflowConfig struct {
	SkipResearchThreshold float64       `mapstructure:"skip_research_threshold"`
	MaxToolErrors         int           `mapstructure:"max_tool_errors"`
	MaxSearchQueries      int           `mapstructure:"max_search_queries"`
	MaxScrapeURLs         int           `mapstructure:"max_scrape_urls"`
	StageBudgetFast       time.Duration `mapstructure:"stage_budget_fast"`
	StageBudgetResearch   time.Duration `mapstructure:"stage_budget_research"`
	TokenTTL              time.Duration `mapstructure:"token_ttl"`
	EventLogTTL           time.Duration `mapstructure:"event_log_ttl"`
	SigningKey            string        `mapstructure:"signing_key"`
	// RecoveryOnNoOutput decides what happens when turn-budget recovery finds
	// nothing usable: "fail" surfaces the error, "resubmit_hint" marks it
	// retryable for the caller. Never an internal retry loop.
	RecoveryOnNoOutput string `mapstructure:"recovery_on_no_output"`
	StreamRingCapacity int    `mapstructure:"stream_ring_capacity"`
}

type ObservabilityConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.rate_limit_rps", 5.0)
	v.SetDefault("http.rate_limit_burst", 10)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "answerflow")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "answerflow")
	v.SetDefault("postgres.database", "answerflow")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("llm.base_url", "http://localhost:8000")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("search.base_url", "https://google.serper.dev/search")
	v.SetDefault("search.max_results", 5)

	v.SetDefault("workflow.skip_research_threshold", 0.9)
	v.SetDefault("workflow.max_tool_errors", 3)
	v.SetDefault("workflow.max_search_queries", 4)
	v.SetDefault("workflow.max_scrape_urls", 3)
	v.SetDefault("workflow.stage_budget_fast", 60*time.Second)
	v.SetDefault("workflow.stage_budget_research", 180*time.Second)
	v.SetDefault("workflow.token_ttl", time.Hour)
	v.SetDefault("workflow.event_log_ttl", 24*time.Hour)
	v.SetDefault("workflow.recovery_on_no_output", "fail")
	v.SetDefault("workflow.stream_ring_capacity", 256)

	v.SetDefault("observability.metrics_port", 2112)
	v.SetDefault("observability.log_level", "info")
}

// Load reads configuration from path (optional; env ANSWERFLOW_CONFIG
// overrides) merged with ANSWERFLOW_* environment variables over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANSWERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("ANSWERFLOW_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Workflow.SkipResearchThreshold < 0 || c.Workflow.SkipResearchThreshold > 1 {
		return fmt.Errorf("workflow.skip_research_threshold must be in [0,1], got %v", c.Workflow.SkipResearchThreshold)
	}
	if c.Workflow.MaxToolErrors < 1 {
		return fmt.Errorf("workflow.max_tool_errors must be >= 1, got %d", c.Workflow.MaxToolErrors)
	}
	if c.Workflow.MaxSearchQueries < 1 {
		return fmt.Errorf("workflow.max_search_queries must be >= 1, got %d", c.Workflow.MaxSearchQueries)
	}
	switch c.Workflow.RecoveryOnNoOutput {
	case "fail", "resubmit_hint":
	default:
		return fmt.Errorf("workflow.recovery_on_no_output must be fail or resubmit_hint, got %q", c.Workflow.RecoveryOnNoOutput)
	}
	return nil
}
