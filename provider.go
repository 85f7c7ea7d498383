package loom

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StopReason is the provider's signal for why generation stopped.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Chunk is an incremental piece of a streaming response.
type Chunk struct {
	Text string `json:"text"`
}

// Request is the input to a provider call. Config carries provider-specific
// options plus runtime-injected keys: "system_prompt" and "receive_timeout_ms".
type Request struct {
	Messages []Message
	Tools    []ToolDef
	Config   map[string]any
}

// Response is a parsed provider completion. Messages holds the new
// assistant message(s) to append to the conversation.
type Response struct {
	StopReason StopReason
	Messages   []Message
	Usage      Usage
}

// Provider abstracts the LLM backend. Adapters for specific APIs live
// outside this module; the runtime only consumes this contract.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
	// Complete sends a request and returns the full parsed response.
	Complete(ctx context.Context, req Request) (Response, error)
}

// StreamingProvider is an optional capability, feature-detected by type
// assertion: if sp, ok := p.(StreamingProvider); ok { ... }
type StreamingProvider interface {
	Provider
	// Stream delivers chunks to onChunk as they arrive, then returns the
	// final response. The final shape is identical to Complete's.
	Stream(ctx context.Context, req Request, onChunk func(Chunk)) (Response, error)
}

// NetworkKind classifies a network-level provider failure.
type NetworkKind string

const (
	NetConnRefused NetworkKind = "econnrefused"
	NetClosed      NetworkKind = "closed"
	NetTimeout     NetworkKind = "timeout"
	NetUnprocessed NetworkKind = "unprocessed"
)

// ProviderError is a structured provider failure. Exactly one of Status,
// Name, and Network is meaningful; the zero values mark the others unused.
// Classification happens on the structured kind, never on message text.
type ProviderError struct {
	// Status is the HTTP status code, or 0 for non-HTTP failures.
	Status int
	// Name is the provider-assigned error class (e.g. "rate_limit_error").
	Name string
	// Network is the network-level failure kind.
	Network NetworkKind
	// Message is the human-readable detail.
	Message string
}

func (e *ProviderError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	case e.Name != "":
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	case e.Network != "":
		return fmt.Sprintf("HTTP request failed: %s: %s", e.Message, e.Network)
	default:
		return e.Message
	}
}

// retryableStatuses are the HTTP statuses worth retrying.
var retryableStatuses = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// retryableNames are the provider-assigned error classes worth retrying.
var retryableNames = map[string]bool{
	"rate_limit_error":    true,
	"rate_limit_exceeded": true,
	"overloaded_error":    true,
	"server_error":        true,
	"resource_exhausted":  true,
	"internal":            true,
	"unavailable":         true,
}

// Retryable reports whether the error represents a transient condition.
// Network "unprocessed" counts as retryable; the request never reached the
// server, so replaying it is safe (a judgement call, but the safe one).
func (e *ProviderError) Retryable() bool {
	switch {
	case e.Status != 0:
		return retryableStatuses[e.Status]
	case e.Name != "":
		return retryableNames[strings.ToLower(e.Name)]
	case e.Network != "":
		return e.Network == NetConnRefused || e.Network == NetClosed ||
			e.Network == NetTimeout || e.Network == NetUnprocessed
	}
	return false
}

// retryable reports whether err is a transient provider error.
// Anything that is not a *ProviderError is non-retryable.
func retryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}
