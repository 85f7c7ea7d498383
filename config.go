package loom

import (
	"log/slog"
	"maps"
	"time"
)

// Defaults applied by NewConfig when the corresponding option is not set.
const (
	DefaultMaxTurns     = 25
	DefaultMaxTokens    = 200_000
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = time.Second
	DefaultTimeout      = 120 * time.Second
	DefaultToolTimeout  = 120 * time.Second
)

// Config is the immutable per-run configuration of an agent.
// Build it once via NewConfig; never mutate it during a run.
type Config struct {
	Provider       Provider
	ProviderConfig map[string]any
	Tools          []Tool
	SystemPrompt   string
	MaxTurns       int
	MaxTokens      int
	MaxRetries     int
	RetryBackoff   time.Duration
	Timeout        time.Duration
	ToolTimeout    time.Duration
	Middleware     []Middleware
	WorkingDir     string
	Context        map[string]any
	PubSub         PubSub
	Subscribe      []string
	OnShutdown     func(Session)
	Logger         *slog.Logger
	Scratchpad     bool
}

// Option configures an agent run.
type Option func(*Config)

// WithProvider sets the LLM provider and its provider-specific config map.
func WithProvider(p Provider, providerConfig map[string]any) Option {
	return func(c *Config) {
		c.Provider = p
		c.ProviderConfig = providerConfig
	}
}

// WithTools appends tools, preserving registration order.
func WithTools(tools ...Tool) Option {
	return func(c *Config) { c.Tools = append(c.Tools, tools...) }
}

// WithSystemPrompt sets the system prompt prepended to every provider call.
func WithSystemPrompt(s string) Option {
	return func(c *Config) { c.SystemPrompt = s }
}

// WithMaxTurns caps the number of turns per run (default 25).
func WithMaxTurns(n int) Option {
	return func(c *Config) { c.MaxTurns = n }
}

// WithMaxTokens sets the token budget; compaction triggers at 90% of it
// (default 200000).
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithMaxRetries sets the retry budget per provider call (default 3).
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithRetryBackoff sets the base delay for full-jitter exponential backoff
// (default 1s).
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Config) { c.RetryBackoff = d }
}

// WithTimeout sets the overall run deadline (default 120s).
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithToolTimeout sets the per-tool execution timeout (default 120s).
func WithToolTimeout(d time.Duration) Option {
	return func(c *Config) { c.ToolTimeout = d }
}

// WithMiddleware appends middleware, preserving order.
func WithMiddleware(mws ...Middleware) Option {
	return func(c *Config) { c.Middleware = append(c.Middleware, mws...) }
}

// WithWorkingDir sets the working directory passed to tools (default ".").
func WithWorkingDir(dir string) Option {
	return func(c *Config) { c.WorkingDir = dir }
}

// WithContext merges entries into the free-form context map made available
// to tools. The reserved key "session_id" pins the agent's effective
// session id.
func WithContext(values map[string]any) Option {
	return func(c *Config) {
		if c.Context == nil {
			c.Context = make(map[string]any, len(values))
		}
		maps.Copy(c.Context, values)
	}
}

// WithContextValue sets a single context entry.
func WithContextValue(key string, value any) Option {
	return func(c *Config) {
		if c.Context == nil {
			c.Context = make(map[string]any, 1)
		}
		c.Context[key] = value
	}
}

// WithPubSub injects the bus and the topics to subscribe to on start.
// The bus is a capability, not a global; async SendMessage refuses to run
// without one.
func WithPubSub(bus PubSub, subscribe ...string) Option {
	return func(c *Config) {
		c.PubSub = bus
		c.Subscribe = append(c.Subscribe, subscribe...)
	}
}

// WithOnShutdown registers a callback invoked with the exported session
// when the agent stops. Faults from the callback are swallowed.
func WithOnShutdown(fn func(Session)) Option {
	return func(c *Config) { c.OnShutdown = fn }
}

// WithLogger sets the structured logger. If not set, a no-op logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithScratchpad enables the per-agent scratchpad and its built-in tool.
func WithScratchpad() Option {
	return func(c *Config) { c.Scratchpad = true }
}

// NewConfig builds a Config from options with defaults applied.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		MaxTurns:     DefaultMaxTurns,
		MaxTokens:    DefaultMaxTokens,
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
		Timeout:      DefaultTimeout,
		ToolTimeout:  DefaultToolTimeout,
		WorkingDir:   ".",
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = nopLogger
	}
	return c
}

// SessionID returns the pinned session id from the context map, or "".
func (c *Config) SessionID() string {
	if v, ok := c.Context["session_id"].(string); ok {
		return v
	}
	return ""
}
