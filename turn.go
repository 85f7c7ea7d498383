package loom

import (
	"context"
	"maps"
	"sync/atomic"
	"time"
)

// RunOptions carries per-run execution parameters into the turn engine.
type RunOptions struct {
	// Streaming requests chunk delivery via OnChunk. Providers without a
	// streaming entry point fall back to a single final chunk.
	Streaming bool
	OnChunk   func(Chunk)
	// Observer receives tool execution events.
	Observer ToolObserver
	// CorrelationID tags tool events from this run. Empty gets a fresh id.
	CorrelationID string
}

// RunLoop drives the agentic loop on the given state until a terminal
// status: the provider is called once per turn, tool calls are executed
// and fed back, and the loop ends on end_turn, the turn cap, a middleware
// halt, or an exhausted error. The state is mutated in place; callers that
// need isolation pass a clone and install it afterwards.
func RunLoop(ctx context.Context, state *State, opts RunOptions) Result {
	cfg := state.Config
	logger := cfg.Logger
	state.Status = StatusRunning
	state.LastError = ""
	state.StartedAt = time.Now()
	deadline := state.StartedAt.Add(cfg.Timeout - deadlineHeadroom)
	if opts.CorrelationID == "" {
		opts.CorrelationID = NewID()
	}
	seq := &atomic.Int64{}

	for {
		if state.TurnCount >= cfg.MaxTurns {
			logger.Warn("turn cap reached", "agent", state.AgentID, "turns", state.TurnCount)
			state.Status = StatusMaxTurns
			return state.result()
		}

		state.Messages = maybeCompact(state.Messages, cfg.MaxTokens)

		res, err := runHook(ctx, cfg.Middleware, HookInfo{Hook: HookBeforeCompletion, State: state})
		if err != nil {
			return failRun(ctx, state, err)
		}
		if res.halted {
			return haltRun(state, res.haltReason)
		}

		req := buildRequest(state, deadline)
		resp, err := completeWithRetry(ctx, cfg, req, deadline, opts.Streaming, opts.OnChunk, logger)
		if err != nil {
			return failRun(ctx, state, err)
		}

		// Providers that hit their output token limit or a stop sequence
		// have still produced a usable final answer.
		if resp.StopReason == StopMaxTokens || resp.StopReason == StopStopSequence {
			resp.StopReason = StopEndTurn
		}

		state.Messages = append(state.Messages, resp.Messages...)
		state.TurnCount++
		state.Usage = state.Usage.Merge(resp.Usage)
		logger.Debug("turn complete",
			"agent", state.AgentID,
			"turn", state.TurnCount,
			"stop_reason", resp.StopReason,
			"tokens", resp.Usage.InputTokens+resp.Usage.OutputTokens)

		res, err = runHook(ctx, cfg.Middleware, HookInfo{Hook: HookAfterCompletion, State: state})
		if err != nil {
			return failRun(ctx, state, err)
		}
		if res.halted {
			return haltRun(state, res.haltReason)
		}

		if resp.StopReason != StopToolUse {
			state.Status = StatusCompleted
			return state.result()
		}

		calls := pendingToolUses(resp.Messages)
		if len(calls) == 0 {
			// Stop reason says tool_use but no call blocks arrived.
			// Treat as a completed turn rather than spinning.
			state.Status = StatusCompleted
			return state.result()
		}

		resultMsg, hookRes, err := executeToolCalls(ctx, state, calls, execOptions{
			observer:      opts.Observer,
			seq:           seq,
			correlationID: opts.CorrelationID,
			turn:          state.TurnCount,
		})
		if err != nil {
			return failRun(ctx, state, err)
		}
		if hookRes != nil && hookRes.halted {
			return haltRun(state, hookRes.haltReason)
		}
		state.Messages = append(state.Messages, resultMsg)

		res, err = runHook(ctx, cfg.Middleware, HookInfo{Hook: HookAfterToolExecution, State: state})
		if err != nil {
			return failRun(ctx, state, err)
		}
		if res.halted {
			return haltRun(state, res.haltReason)
		}
	}
}

// buildRequest assembles the provider request for one turn: the provider
// config map plus the runtime-injected system prompt and a receive timeout
// bounded below so calls started near the deadline still get a window.
func buildRequest(state *State, deadline time.Time) Request {
	cfg := state.Config
	pc := make(map[string]any, len(cfg.ProviderConfig)+2)
	maps.Copy(pc, cfg.ProviderConfig)
	if cfg.SystemPrompt != "" {
		pc["system_prompt"] = cfg.SystemPrompt
	}
	recv := time.Until(deadline)
	if recv < minReceiveTimeout {
		recv = minReceiveTimeout
	}
	pc["receive_timeout_ms"] = recv.Milliseconds()
	return Request{
		Messages: state.Messages,
		Tools:    state.ToolDefs(),
		Config:   pc,
	}
}

// pendingToolUses collects the tool call blocks from freshly appended
// assistant messages, in provider order.
func pendingToolUses(msgs []Message) []ToolUseBlock {
	var calls []ToolUseBlock
	for _, m := range msgs {
		calls = append(calls, m.ToolUses()...)
	}
	return calls
}

// haltRun ends the run with status halted and the middleware's reason.
func haltRun(state *State, reason string) Result {
	state.Status = StatusHalted
	state.LastError = "Halted by middleware: " + reason
	return state.result()
}

// failRun ends the run with status error after giving on_error middleware
// a chance to observe the failure or convert it into a halt.
func failRun(ctx context.Context, state *State, runErr error) Result {
	cfg := state.Config
	cfg.Logger.Error("run failed", "agent", state.AgentID, "turn", state.TurnCount, "error", runErr)
	res, hookErr := runHook(ctx, cfg.Middleware, HookInfo{Hook: HookOnError, State: state, Err: runErr})
	if hookErr == nil && res.halted {
		state.Status = StatusHalted
		state.LastError = "Halted by middleware: " + res.haltReason
		return state.result()
	}
	state.Status = StatusError
	state.LastError = runErr.Error()
	return state.result()
}
