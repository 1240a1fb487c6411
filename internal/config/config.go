package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Backend kinds accepted by AgentConfig.Backend.
const (
	BackendOpenAIAssistant = "openai-assistant"
	BackendOpenAIChat      = "openai-chat"
	BackendAnthropicChat   = "anthropic-chat"
)

// Store drivers accepted by StoreConfig.Driver.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config represents the threadline configuration
type Config struct {
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	DataDir     string            `json:"data_dir" mapstructure:"data_dir"`
	Backends    BackendsConfig    `json:"backends" mapstructure:"backends"`
	Store       StoreConfig       `json:"store" mapstructure:"store"`
	Transcripts TranscriptsConfig `json:"transcripts" mapstructure:"transcripts"`
	Queue       QueueConfig       `json:"queue" mapstructure:"queue"`
	Run         RunConfig         `json:"run" mapstructure:"run"`
	Janitor     JanitorConfig     `json:"janitor" mapstructure:"janitor"`
	Server      ServerConfig      `json:"server" mapstructure:"server"`
	Agents      []AgentConfig     `json:"agents" mapstructure:"agents"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// BackendsConfig holds credentials per provider.
type BackendsConfig struct {
	OpenAI    ProviderConfig `json:"openai" mapstructure:"openai"`
	Anthropic ProviderConfig `json:"anthropic" mapstructure:"anthropic"`
}

// ProviderConfig configures one provider account.
type ProviderConfig struct {
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `json:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `json:"burst" mapstructure:"burst"`
}

// StoreConfig selects where persistent session mappings live.
type StoreConfig struct {
	Driver     string      `json:"driver" mapstructure:"driver"`
	SQLitePath string      `json:"sqlite_path" mapstructure:"sqlite_path"`
	Redis      RedisConfig `json:"redis" mapstructure:"redis"`
	// CacheSize enables an LRU lookup cache in front of the store when positive.
	CacheSize int `json:"cache_size" mapstructure:"cache_size"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
}

// TranscriptsConfig controls the turn transcript log.
type TranscriptsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	SQLitePath string `json:"sqlite_path" mapstructure:"sqlite_path"`
}

// QueueConfig holds batch queue settings
type QueueConfig struct {
	BatchSize      int           `json:"batch_size" mapstructure:"batch_size"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
}

// RunConfig holds run polling and retry settings
type RunConfig struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	PollInterval   time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	MaxRetries     int           `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" mapstructure:"retry_base_delay"`
	LeaseTTL       time.Duration `json:"lease_ttl" mapstructure:"lease_ttl"`
}

// JanitorConfig holds the orphan cleanup schedule
type JanitorConfig struct {
	Enabled           bool     `json:"enabled" mapstructure:"enabled"`
	Schedule          string   `json:"schedule" mapstructure:"schedule"`
	MaxDeleteAttempts int      `json:"max_delete_attempts" mapstructure:"max_delete_attempts"`
	Keep              []string `json:"keep" mapstructure:"keep"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// AgentConfig represents a single agent
type AgentConfig struct {
	Name         string  `json:"name" mapstructure:"name"`
	DisplayName  string  `json:"display_name" mapstructure:"display_name"`
	Backend      string  `json:"backend" mapstructure:"backend"`
	AssistantID  string  `json:"assistant_id" mapstructure:"assistant_id"`
	Model        string  `json:"model" mapstructure:"model"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	Persistent   bool    `json:"persistent" mapstructure:"persistent"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Backends: BackendsConfig{
			OpenAI:    ProviderConfig{Burst: 1},
			Anthropic: ProviderConfig{Burst: 1},
		},
		Store: StoreConfig{
			Driver:    StoreSQLite,
			Redis:     RedisConfig{Addr: "localhost:6379", Prefix: "threadline:"},
			CacheSize: 256,
		},
		Transcripts: TranscriptsConfig{
			Enabled: false,
		},
		Queue: QueueConfig{
			BatchSize:      5,
			RequestTimeout: 30 * time.Second,
		},
		Run: RunConfig{
			MaxAttempts:    30,
			PollInterval:   time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			LeaseTTL:       30 * time.Second,
		},
		Janitor: JanitorConfig{
			Enabled:           true,
			Schedule:          "@every 5m",
			MaxDeleteAttempts: 5,
			Keep:              []string{},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Agents: []AgentConfig{},
	}
}

// Agent returns the agent with the given name.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Backends.OpenAI.APIKey = mask(c.Backends.OpenAI.APIKey)
	masked.Backends.Anthropic.APIKey = mask(c.Backends.Anthropic.APIKey)
	masked.Store.Redis.Password = mask(c.Store.Redis.Password)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if seen[agent.Name] {
			return fmt.Errorf("agent %s: duplicate name", agent.Name)
		}
		seen[agent.Name] = true

		switch agent.Backend {
		case BackendOpenAIAssistant:
			if agent.AssistantID == "" {
				return fmt.Errorf("agent %s: assistant_id is required for %s", agent.Name, agent.Backend)
			}
			if c.Backends.OpenAI.APIKey == "" {
				return fmt.Errorf("agent %s: backends.openai.api_key is required", agent.Name)
			}
		case BackendOpenAIChat:
			if agent.Model == "" {
				return fmt.Errorf("agent %s: model is required for %s", agent.Name, agent.Backend)
			}
			if c.Backends.OpenAI.APIKey == "" {
				return fmt.Errorf("agent %s: backends.openai.api_key is required", agent.Name)
			}
		case BackendAnthropicChat:
			if agent.Model == "" {
				return fmt.Errorf("agent %s: model is required for %s", agent.Name, agent.Backend)
			}
			if c.Backends.Anthropic.APIKey == "" {
				return fmt.Errorf("agent %s: backends.anthropic.api_key is required", agent.Name)
			}
		default:
			return fmt.Errorf("agent %s: invalid backend %q", agent.Name, agent.Backend)
		}
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}

	if c.Transcripts.Enabled && c.Transcripts.SQLitePath == "" {
		return fmt.Errorf("transcripts.sqlite_path is required when transcripts are enabled")
	}

	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}
	if c.Queue.RequestTimeout <= 0 {
		return fmt.Errorf("queue.request_timeout must be positive")
	}
	if c.Run.MaxAttempts <= 0 {
		return fmt.Errorf("run.max_attempts must be positive")
	}
	if c.Run.MaxRetries <= 0 {
		return fmt.Errorf("run.max_retries must be positive")
	}
	if c.Run.PollInterval < 0 || c.Run.RetryBaseDelay < 0 {
		return fmt.Errorf("run intervals must be >= 0")
	}

	return nil
}
