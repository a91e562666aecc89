// Package config loads the process configuration surface enumerated in the
// runtime's design: defaults, then an optional cua.yaml file, then
// environment variables (env wins), via github.com/spf13/viper.
package config

import (
	"strings"
	"time"

	"github.com/onkernel/cua-agent"
	"github.com/spf13/viper"
)

// Config is the fully resolved process configuration.
type Config struct {
	Anthropic  AnthropicConfig
	Agent      AgentConfig
	Context    ContextConfig
	Browser    BrowserConfig
	APIKeySecret string

	HTTPAddr string
	Database DatabaseConfig
	Objects  ObjectStoreConfig
	Tracing  TracingConfig
}

// AnthropicConfig configures the ModelPort.
type AnthropicConfig struct {
	Model            string
	MaxTokens        int
	ThinkingEnabled  bool
	ThinkingBudget   int
	Betas            []string
	APIKey           string
}

// AgentConfig configures the SamplingLoop's defaults.
type AgentConfig struct {
	MaxIterations       int
	SamplingLoopDelay   time.Duration
	MaxBase64Screenshots int
	KeepRecentThinking  int
	FullPayloadStorage  bool
}

// ContextConfig configures ContextShaper's automatic context management.
type ContextConfig struct {
	EnablePromptCaching     bool
	EnableContextManagement bool
	TriggerTokens           int
	KeepToolUses            int
	ClearMinTokens          int
	ExcludeTools            []string
}

// BrowserConfig configures the RemoteBrowserPort adapter.
type BrowserConfig struct {
	TypingDelay       time.Duration
	TimeoutSeconds    int
	Persistence       bool
	UseProfiles       bool
}

// DatabaseConfig selects and configures the StateStore backend.
type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

// ObjectStoreConfig configures the S3-backed ObjectStore.
type ObjectStoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible providers
}

// TracingConfig configures the OTEL exporter.
type TracingConfig struct {
	Enabled        bool
	OTLPEndpoint   string
	ServiceName    string
}

// Load resolves Config from defaults, an optional file at path (empty
// string disables file loading), and environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	return Config{
		Anthropic: AnthropicConfig{
			Model:           v.GetString("anthropic_model"),
			MaxTokens:       v.GetInt("anthropic_max_tokens"),
			ThinkingEnabled: v.GetBool("anthropic_thinking_enabled"),
			ThinkingBudget:  v.GetInt("thinking_budget_tokens"),
			Betas:           splitComma(v.GetString("anthropic_betas")),
			APIKey:          v.GetString("anthropic_api_key"),
		},
		Agent: AgentConfig{
			MaxIterations:        v.GetInt("agent_max_iterations"),
			SamplingLoopDelay:    time.Duration(v.GetInt("sampling_loop_delay_ms")) * time.Millisecond,
			MaxBase64Screenshots: v.GetInt("max_base64_screenshots"),
			KeepRecentThinking:   v.GetInt("keep_recent_thinking_blocks"),
			FullPayloadStorage:   v.GetBool("full_anthropic_payload"),
		},
		Context: ContextConfig{
			EnablePromptCaching:     v.GetBool("enable_prompt_caching"),
			EnableContextManagement: v.GetBool("enable_context_management"),
			TriggerTokens:           v.GetInt("context_trigger_tokens"),
			KeepToolUses:            v.GetInt("context_keep_tool_uses"),
			ClearMinTokens:          v.GetInt("context_clear_min_tokens"),
			ExcludeTools:            splitComma(v.GetString("context_exclude_tools")),
		},
		Browser: BrowserConfig{
			TypingDelay:    time.Duration(v.GetInt("typing_delay_ms")) * time.Millisecond,
			TimeoutSeconds: v.GetInt("onkernel_timeout_seconds"),
			Persistence:    v.GetBool("browser_persistence"),
			UseProfiles:    v.GetBool("onkernel_use_profiles"),
		},
		APIKeySecret: v.GetString("api_key_secret"),
		HTTPAddr:     v.GetString("http_addr"),
		Database: DatabaseConfig{
			Driver: v.GetString("database_driver"),
			DSN:    v.GetString("database_dsn"),
		},
		Objects: ObjectStoreConfig{
			Bucket:   v.GetString("object_store_bucket"),
			Region:   v.GetString("object_store_region"),
			Endpoint: v.GetString("object_store_endpoint"),
		},
		Tracing: TracingConfig{
			Enabled:      v.GetBool("tracing_enabled"),
			OTLPEndpoint: v.GetString("otlp_endpoint"),
			ServiceName:  v.GetString("otlp_service_name"),
		},
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic_max_tokens", 4096)
	v.SetDefault("anthropic_thinking_enabled", true)
	v.SetDefault("thinking_budget_tokens", 1024)
	v.SetDefault("agent_max_iterations", 35)
	v.SetDefault("sampling_loop_delay_ms", 100)
	v.SetDefault("max_base64_screenshots", 3)
	v.SetDefault("keep_recent_thinking_blocks", 1)
	v.SetDefault("full_anthropic_payload", false)
	v.SetDefault("enable_prompt_caching", true)
	v.SetDefault("enable_context_management", true)
	v.SetDefault("context_trigger_tokens", 0)
	v.SetDefault("context_keep_tool_uses", 5)
	v.SetDefault("context_clear_min_tokens", 20000)
	v.SetDefault("context_exclude_tools", "report_task_status,memory")
	v.SetDefault("typing_delay_ms", 5)
	v.SetDefault("onkernel_timeout_seconds", 60)
	v.SetDefault("browser_persistence", false)
	v.SetDefault("onkernel_use_profiles", false)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_driver", "sqlite")
	v.SetDefault("database_dsn", "cua.db")
	v.SetDefault("otlp_service_name", "cua-agent")
}

// bindEnv explicitly binds every env var named in the configuration
// surface so viper.AutomaticEnv's best-effort matching isn't relied on for
// the keys that matter operationally.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"anthropic_model", "anthropic_max_tokens", "anthropic_thinking_enabled",
		"thinking_budget_tokens", "anthropic_betas", "anthropic_api_key",
		"agent_max_iterations", "sampling_loop_delay_ms",
		"max_base64_screenshots", "keep_recent_thinking_blocks",
		"full_anthropic_payload",
		"enable_prompt_caching", "enable_context_management",
		"context_trigger_tokens", "context_keep_tool_uses",
		"context_clear_min_tokens", "context_exclude_tools",
		"typing_delay_ms", "onkernel_timeout_seconds",
		"browser_persistence", "onkernel_use_profiles",
		"api_key_secret", "http_addr",
		"database_driver", "database_dsn",
		"object_store_bucket", "object_store_region", "object_store_endpoint",
		"tracing_enabled", "otlp_endpoint", "otlp_service_name",
	}
	for _, k := range keys {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ToExecutionConfig projects the config surface into the process-default
// cua.ExecutionConfig that batch and per-task overrides are merged over.
func (c Config) ToExecutionConfig() cua.ExecutionConfig {
	return cua.ExecutionConfig{
		MaxIterations:           c.Agent.MaxIterations,
		InterIterationDelay:     c.Agent.SamplingLoopDelay,
		KeepScreenshots:         c.Agent.MaxBase64Screenshots,
		KeepReasoningBlocks:     c.Agent.KeepRecentThinking,
		ReasoningBudgetTokens:   c.Anthropic.ThinkingBudget,
		MaxOutputTokens:         c.Anthropic.MaxTokens,
		Model:                   c.Anthropic.Model,
		TypingDelay:             c.Browser.TypingDelay,
		EnablePromptCaching:     c.Context.EnablePromptCaching,
		EnableContextManagement: c.Context.EnableContextManagement,
		ContextTriggerTokens:    c.Context.TriggerTokens,
		ContextKeepToolUses:     c.Context.KeepToolUses,
		ContextClearMinTokens:   c.Context.ClearMinTokens,
		ContextExcludeTools:     c.Context.ExcludeTools,
	}
}
