package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/threadline/pkg/janitor"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateBaseURL accepts an empty value or an absolute http(s) URL.
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid base URL: %s", raw)
	}
	return nil
}

// ValidateBackend validates an agent backend kind
func (v *Validator) ValidateBackend(kind string) error {
	valid := []string{BackendOpenAIAssistant, BackendOpenAIChat, BackendAnthropicChat}
	for _, k := range valid {
		if kind == k {
			return nil
		}
	}
	return fmt.Errorf("invalid backend: %s (must be one of: %s)", kind, strings.Join(valid, ", "))
}

// ValidateStoreDriver validates the session store driver
func (v *Validator) ValidateStoreDriver(driver string) error {
	valid := []string{StoreMemory, StoreSQLite, StoreRedis}
	for _, d := range valid {
		if driver == d {
			return nil
		}
	}
	return fmt.Errorf("invalid store driver: %s (must be one of: %s)", driver, strings.Join(valid, ", "))
}

// ValidateSchedule validates a janitor cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return fmt.Errorf("janitor schedule cannot be empty")
	}
	return janitor.ValidateSchedule(expr)
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every problem found.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	usesOpenAI, usesAnthropic := false, false
	for i, agent := range cfg.Agents {
		if err := v.ValidateBackend(agent.Backend); err != nil {
			errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
		}
		switch agent.Backend {
		case BackendOpenAIAssistant, BackendOpenAIChat:
			usesOpenAI = true
		case BackendAnthropicChat:
			usesAnthropic = true
		}
		if agent.Temperature != 0 {
			if err := v.ValidateTemperature(agent.Temperature); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
			}
		}
		if agent.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(agent.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
			}
		}
	}

	if usesOpenAI {
		if err := v.ValidateAPIKey(cfg.Backends.OpenAI.APIKey, "openai"); err != nil {
			errors = append(errors, err)
		}
	}
	if usesAnthropic {
		if err := v.ValidateAPIKey(cfg.Backends.Anthropic.APIKey, "anthropic"); err != nil {
			errors = append(errors, err)
		}
	}
	for _, p := range []ProviderConfig{cfg.Backends.OpenAI, cfg.Backends.Anthropic} {
		if err := v.ValidateBaseURL(p.BaseURL); err != nil {
			errors = append(errors, err)
		}
		if p.RateLimit < 0 {
			errors = append(errors, fmt.Errorf("backend rate_limit must be >= 0"))
		}
	}

	if err := v.ValidateStoreDriver(cfg.Store.Driver); err != nil {
		errors = append(errors, err)
	}
	if cfg.Store.CacheSize < 0 {
		errors = append(errors, fmt.Errorf("store.cache_size must be >= 0"))
	}

	if cfg.Janitor.Enabled {
		if err := v.ValidateSchedule(cfg.Janitor.Schedule); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Run.LeaseTTL < 0 {
		errors = append(errors, fmt.Errorf("run.lease_ttl must be >= 0"))
	}

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
