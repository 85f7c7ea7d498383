package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ToolEventType identifies the kind of a tool execution event.
type ToolEventType string

const (
	// EventToolStart fires when a worker picks up a tool call.
	EventToolStart ToolEventType = "tool_start"
	// EventToolEnd fires when the call completes, errors, blocks, or times out.
	EventToolEnd ToolEventType = "tool_end"
)

// ToolEvent is emitted around each tool execution. Seq values come from a
// single shared counter per run, so consumers can sort interleaved
// start/end events globally.
type ToolEvent struct {
	Type          ToolEventType   `json:"type"`
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input,omitempty"`
	Seq           int64           `json:"event_seq"`
	StartSeq      int64           `json:"start_event_seq,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Turn          int             `json:"turn"`
	Duration      time.Duration   `json:"duration_ms,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// ToolObserver receives tool execution events. Implementations must be
// safe for concurrent use; workers emit events in parallel.
type ToolObserver interface {
	OnToolEvent(ev ToolEvent)
}

// maxParallelTools caps the number of concurrent tool workers to avoid
// overwhelming external services with unbounded parallelism.
const maxParallelTools = 10

// execOptions carries the per-run execution context into the executor.
type execOptions struct {
	observer      ToolObserver
	seq           *atomic.Int64
	correlationID string
	turn          int
}

// taggedCall is a tool call after the before_tool_call middleware pass.
type taggedCall struct {
	call        ToolUseBlock
	blocked     bool
	blockReason string
}

// executeToolCalls runs one assistant message's tool calls. It first walks
// the calls in order running before_tool_call middleware — a halt returns
// immediately without executing anything; a block tags that call only —
// then dispatches the tagged entries in parallel and collects results in
// input order, wrapped into a single synthetic user message.
func executeToolCalls(ctx context.Context, state *State, calls []ToolUseBlock, opts execOptions) (Message, *hookResult, error) {
	tagged := make([]taggedCall, len(calls))
	for i, call := range calls {
		c := call
		res, err := runHook(ctx, state.Config.Middleware, HookInfo{
			Hook:     HookBeforeToolCall,
			State:    state,
			ToolCall: &c,
		})
		if err != nil {
			return Message{}, nil, err
		}
		if res.halted {
			return Message{}, &res, nil
		}
		tagged[i] = taggedCall{call: call, blocked: res.blocked, blockReason: res.blockReason}
	}

	results := dispatchParallel(ctx, state, tagged, opts)
	return ToolResults(results...), nil, nil
}

// dispatchParallel fans the tagged calls out to a fixed worker pool
// (single calls run inline) and returns result blocks in input order
// regardless of completion order.
func dispatchParallel(ctx context.Context, state *State, tagged []taggedCall, opts execOptions) []ToolResultBlock {
	if len(tagged) == 1 {
		return []ToolResultBlock{runToolWorker(ctx, state, tagged[0], opts)}
	}

	type indexedResult struct {
		idx    int
		result ToolResultBlock
	}
	resultCh := make(chan indexedResult, len(tagged))

	type workItem struct {
		idx int
		tc  taggedCall
	}
	workCh := make(chan workItem, len(tagged))
	for i, tc := range tagged {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	numWorkers := min(len(tagged), maxParallelTools)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				resultCh <- indexedResult{w.idx, runToolWorker(ctx, state, w.tc, opts)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]ToolResultBlock, len(tagged))
	seen := make([]bool, len(tagged))
	for r := range resultCh {
		results[r.idx] = r.result
		seen[r.idx] = true
	}
	for i := range results {
		if !seen[i] {
			results[i] = ToolResultBlock{
				ToolUseID: tagged[i].call.ID,
				Content:   "error: result not received",
				IsError:   true,
			}
		}
	}
	return results
}

// runToolWorker executes (or synthesizes) a single tagged call, emitting
// start/end events and enforcing the per-tool timeout.
func runToolWorker(ctx context.Context, state *State, tc taggedCall, opts execOptions) ToolResultBlock {
	startSeq := opts.seq.Add(1)
	if opts.observer != nil {
		opts.observer.OnToolEvent(ToolEvent{
			Type:          EventToolStart,
			ID:            tc.call.ID,
			Name:          tc.call.Name,
			Input:         tc.call.Input,
			Seq:           startSeq,
			CorrelationID: opts.correlationID,
			Turn:          opts.turn,
		})
	}
	start := time.Now()
	result := executeOne(ctx, state, tc)
	if opts.observer != nil {
		ev := ToolEvent{
			Type:          EventToolEnd,
			ID:            tc.call.ID,
			Name:          tc.call.Name,
			Seq:           opts.seq.Add(1),
			StartSeq:      startSeq,
			CorrelationID: opts.correlationID,
			Turn:          opts.turn,
			Duration:      time.Since(start),
		}
		if result.IsError {
			ev.Error = result.Content
		}
		opts.observer.OnToolEvent(ev)
	}
	return result
}

// executeOne produces the result block for a single call: blocked
// synthesis, unknown-name and schema errors, tool errors, crashes, and
// timeouts all become is_error result blocks — never a loop abort.
func executeOne(ctx context.Context, state *State, tc taggedCall) ToolResultBlock {
	id := tc.call.ID
	if tc.blocked {
		return ToolResultBlock{ToolUseID: id, Content: "Blocked by middleware: " + tc.blockReason, IsError: true}
	}
	tool := state.registry.lookup(tc.call.Name)
	if tool == nil {
		return ToolResultBlock{ToolUseID: id, Content: "Unknown tool: " + tc.call.Name, IsError: true}
	}
	if err := state.registry.validateInput(tc.call.Name, tc.call.Input); err != nil {
		return ToolResultBlock{ToolUseID: id, Content: "Invalid tool input: " + err.Error(), IsError: true}
	}

	timeout := state.Config.ToolTimeout
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("Tool crashed: %v", p)}
			}
		}()
		content, err := tool.Execute(execCtx, tc.call.Input, state.toolContext())
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return ToolResultBlock{ToolUseID: id, Content: out.err.Error(), IsError: true}
		}
		return ToolResultBlock{ToolUseID: id, Content: out.content}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return ToolResultBlock{ToolUseID: id, Content: "error: " + ctx.Err().Error(), IsError: true}
		}
		return ToolResultBlock{ToolUseID: id, Content: fmt.Sprintf("Tool execution timed out after %s", timeout), IsError: true}
	}
}
