package loom

import (
	"context"
	"fmt"
)

// Hook names the pipeline phases, listed in the order they fire in one turn.
type Hook string

const (
	HookSessionStart       Hook = "session_start"
	HookBeforeCompletion   Hook = "before_completion"
	HookAfterCompletion    Hook = "after_completion"
	HookBeforeToolCall     Hook = "before_tool_call"
	HookAfterToolExecution Hook = "after_tool_execution"
	HookOnError            Hook = "on_error"
	HookSessionEnd         Hook = "session_end"
)

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeHalt
	outcomeBlock
)

// Outcome is a middleware's verdict for one hook invocation.
type Outcome struct {
	kind   outcomeKind
	Reason string
}

// Continue lets the fold proceed to the next middleware.
func Continue() Outcome { return Outcome{kind: outcomeContinue} }

// Halt stops the pipeline; the run terminates with status halted.
func Halt(reason string) Outcome { return Outcome{kind: outcomeHalt, Reason: reason} }

// BlockToolCall skips a single tool call, replacing it with an error result
// block. Only meaningful at HookBeforeToolCall; anywhere else it is a
// programming error that the pipeline reports explicitly.
func BlockToolCall(reason string) Outcome { return Outcome{kind: outcomeBlock, Reason: reason} }

// HookInfo is the payload handed to each middleware invocation.
type HookInfo struct {
	Hook Hook
	// State is the live run state. Middleware may mutate it.
	State *State
	// ToolCall is set only at HookBeforeToolCall.
	ToolCall *ToolUseBlock
	// Err is set only at HookOnError.
	Err error
}

// Middleware observes and steers a run at named hook points.
// Running a hook is a left fold over the configured list.
type Middleware func(ctx context.Context, info HookInfo) Outcome

// hookResult is the fold outcome of running one hook across the pipeline.
type hookResult struct {
	halted      bool
	haltReason  string
	blocked     bool
	blockReason string
}

// runHook folds info over the middleware list in order. Halt short-circuits.
// BlockToolCall short-circuits only at before_tool_call; at any other hook it
// is surfaced as an error rather than silently coerced.
func runHook(ctx context.Context, mws []Middleware, info HookInfo) (hookResult, error) {
	for _, mw := range mws {
		out := mw(ctx, info)
		switch out.kind {
		case outcomeContinue:
		case outcomeHalt:
			return hookResult{halted: true, haltReason: out.Reason}, nil
		case outcomeBlock:
			if info.Hook != HookBeforeToolCall {
				return hookResult{}, fmt.Errorf("loom: middleware returned BlockToolCall at hook %q; BlockToolCall is only valid at %q", info.Hook, HookBeforeToolCall)
			}
			return hookResult{blocked: true, blockReason: out.Reason}, nil
		default:
			return hookResult{}, fmt.Errorf("loom: middleware returned unknown outcome %d", out.kind)
		}
	}
	return hookResult{}, nil
}
