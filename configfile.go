package loom

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the TOML shape accepted by LoadConfigFile. Zero values mean
// "not set" and leave the built-in default in place.
type fileConfig struct {
	SystemPrompt   string         `toml:"system_prompt"`
	MaxTurns       int            `toml:"max_turns"`
	MaxTokens      int            `toml:"max_tokens"`
	MaxRetries     int            `toml:"max_retries"`
	RetryBackoffMS int            `toml:"retry_backoff_ms"`
	TimeoutMS      int            `toml:"timeout_ms"`
	ToolTimeoutMS  int            `toml:"tool_timeout_ms"`
	WorkingDir     string         `toml:"working_directory"`
	Subscribe      []string       `toml:"subscribe"`
	Scratchpad     bool           `toml:"scratchpad"`
	Context        map[string]any `toml:"context"`
}

// LoadConfigFile reads agent options from a TOML file. The returned options
// compose with programmatic ones; later options win:
//
//	opts, err := loom.LoadConfigFile("agent.toml")
//	agent, err := loom.NewAgentServer(append(opts, loom.WithProvider(p, nil))...)
func LoadConfigFile(path string) ([]Option, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("loom: load config %s: %w", path, err)
	}
	var opts []Option
	if fc.SystemPrompt != "" {
		opts = append(opts, WithSystemPrompt(fc.SystemPrompt))
	}
	if fc.MaxTurns > 0 {
		opts = append(opts, WithMaxTurns(fc.MaxTurns))
	}
	if fc.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(fc.MaxTokens))
	}
	if fc.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(fc.MaxRetries))
	}
	if fc.RetryBackoffMS > 0 {
		opts = append(opts, WithRetryBackoff(time.Duration(fc.RetryBackoffMS)*time.Millisecond))
	}
	if fc.TimeoutMS > 0 {
		opts = append(opts, WithTimeout(time.Duration(fc.TimeoutMS)*time.Millisecond))
	}
	if fc.ToolTimeoutMS > 0 {
		opts = append(opts, WithToolTimeout(time.Duration(fc.ToolTimeoutMS)*time.Millisecond))
	}
	if fc.WorkingDir != "" {
		opts = append(opts, WithWorkingDir(fc.WorkingDir))
	}
	if len(fc.Context) > 0 {
		opts = append(opts, WithContext(fc.Context))
	}
	if len(fc.Subscribe) > 0 {
		opts = append(opts, func(c *Config) { c.Subscribe = append(c.Subscribe, fc.Subscribe...) })
	}
	if fc.Scratchpad {
		opts = append(opts, WithScratchpad())
	}
	return opts, nil
}
