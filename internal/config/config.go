package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderBedrock = "bedrock"
	ProviderOpenAI  = "openai"
)

// Config is the full process configuration. It is loaded once in cmd and
// passed down explicitly.
type Config struct {
	Addr    string `mapstructure:"addr"`
	GinMode string `mapstructure:"gin_mode"`

	AWSRegion        string `mapstructure:"aws_region"`
	DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
	TablePrefix      string `mapstructure:"table_prefix"`

	LLMProvider    string   `mapstructure:"llm_provider"`
	BedrockModelID string   `mapstructure:"bedrock_model_id"`
	OpenAIBaseURL  string   `mapstructure:"openai_base_url"`
	OpenAIModel    string   `mapstructure:"openai_model"`
	AllowedModels  []string `mapstructure:"allowed_models"`

	SystemPrompt    string `mapstructure:"system_prompt"`
	ParamPrefix     string `mapstructure:"param_prefix"`
	AdminInviteCode string `mapstructure:"admin_invite_code"`

	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	AuthCacheTTL  time.Duration `mapstructure:"auth_cache_ttl"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogOutput string `mapstructure:"log_output"`

	HistoryLimit      int           `mapstructure:"history_limit"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("gin_mode", "release")

	v.SetDefault("aws_region", "us-east-1")
	v.SetDefault("dynamodb_endpoint", "")
	v.SetDefault("table_prefix", "")

	v.SetDefault("llm_provider", ProviderBedrock)
	v.SetDefault("bedrock_model_id", "us.anthropic.claude-opus-4-0-20250514")
	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("openai_model", "gpt-4o-mini")
	v.SetDefault("allowed_models", []string{})

	v.SetDefault("system_prompt", "")
	v.SetDefault("param_prefix", "")
	v.SetDefault("admin_invite_code", "")

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("auth_cache_ttl", "5m")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_output", "stdout")

	v.SetDefault("history_limit", 50)
	v.SetDefault("heartbeat_interval", "15s")
	v.SetDefault("shutdown_timeout", "30s")
}

// Load reads defaults, then the optional config file at path, then environment
// variables (AWS_REGION, TABLE_PREFIX, BEDROCK_MODEL_ID, ...), later layers winning.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.AllowedModels = splitList(cfg.AllowedModels)
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail later at first use.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderBedrock:
		if strings.TrimSpace(c.BedrockModelID) == "" {
			return errors.New("config: bedrock_model_id is required")
		}
	case ProviderOpenAI:
		if strings.TrimSpace(c.OpenAIModel) == "" {
			return errors.New("config: openai_model is required")
		}
		if strings.TrimSpace(c.ParamPrefix) == "" {
			return errors.New("config: param_prefix is required for the openai provider")
		}
	default:
		return fmt.Errorf("config: unknown llm_provider %q", c.LLMProvider)
	}
	if c.HistoryLimit <= 0 {
		return errors.New("config: history_limit must be positive")
	}
	return nil
}

// DefaultModel is the model used when a chat request does not name one.
func (c *Config) DefaultModel() string {
	if c.LLMProvider == ProviderOpenAI {
		return strings.TrimSpace(c.OpenAIModel)
	}
	return strings.TrimSpace(c.BedrockModelID)
}

// splitList flattens entries such as ["a,b", " c "] so that comma separated
// environment values and YAML lists behave the same.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
