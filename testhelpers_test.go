package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// --- Provider mocks (shared across turn_test.go, agent_test.go) ---

// scriptStep is one scripted provider interaction: a response or an error.
type scriptStep struct {
	resp Response
	err  error
}

// scriptedProvider replays a fixed sequence of responses. Calls beyond
// the script return an exhausted error so runaway loops fail loudly.
type scriptedProvider struct {
	mu     sync.Mutex
	script []scriptStep
	calls  int
	chunks []string
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, _ Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.script) {
		p.calls++
		return Response{}, fmt.Errorf("scripted provider exhausted after %d calls", len(p.script))
	}
	step := p.script[p.calls]
	p.calls++
	return step.resp, step.err
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// scriptedStreamProvider adds a streaming path: chunks are delivered
// before each non-error step's response, errors fire after emitting
// emitBeforeFail chunks so stream-safety behavior can be exercised.
type scriptedStreamProvider struct {
	scriptedProvider
	emitBeforeFail []string
}

func (p *scriptedStreamProvider) Stream(ctx context.Context, req Request, onChunk func(Chunk)) (Response, error) {
	p.mu.Lock()
	idx := p.calls
	var step scriptStep
	exhausted := idx >= len(p.script)
	if !exhausted {
		step = p.script[idx]
	}
	p.calls++
	p.mu.Unlock()
	if exhausted {
		return Response{}, fmt.Errorf("scripted provider exhausted after %d calls", len(p.script))
	}
	if step.err != nil {
		for _, c := range p.emitBeforeFail {
			onChunk(Chunk{Text: c})
		}
		return Response{}, step.err
	}
	for _, m := range step.resp.Messages {
		if t := m.Text(); t != "" {
			onChunk(Chunk{Text: t})
		}
	}
	return step.resp, nil
}

// gateProvider blocks every Complete until released, holding an agent in
// the busy state for as long as a test needs.
type gateProvider struct {
	entered chan struct{}
	release chan struct{}
}

func newGateProvider() *gateProvider {
	return &gateProvider{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (*gateProvider) Name() string { return "gate" }

func (p *gateProvider) Complete(ctx context.Context, _ Request) (Response, error) {
	p.entered <- struct{}{}
	select {
	case <-p.release:
		return textResponse("gated answer"), nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// panicProvider crashes on every call.
type panicProvider struct{}

func (*panicProvider) Name() string { return "panicky" }
func (*panicProvider) Complete(context.Context, Request) (Response, error) {
	panic("provider exploded")
}

// capturingProvider records the last request and answers with fixed text.
type capturingProvider struct {
	onRequest func(Request)
}

func (*capturingProvider) Name() string { return "capturing" }

func (p *capturingProvider) Complete(_ context.Context, req Request) (Response, error) {
	if p.onRequest != nil {
		p.onRequest(req)
	}
	return textResponse("captured"), nil
}

func textResponse(text string) Response {
	return Response{
		StopReason: StopEndTurn,
		Messages:   []Message{AssistantText(text)},
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolUseResponse(calls ...ToolUseBlock) Response {
	blocks := make([]Block, len(calls))
	for i, c := range calls {
		blocks[i] = c
	}
	return Response{
		StopReason: StopToolUse,
		Messages:   []Message{{Role: RoleAssistant, Blocks: blocks}},
		Usage:      Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolCall(id, name, input string) ToolUseBlock {
	return ToolUseBlock{ID: id, Name: name, Input: json.RawMessage(input)}
}

// --- Tool mocks ---

type echoTool struct{}

func (echoTool) Name() string                 { return "echo" }
func (echoTool) Description() string          { return "Echo the input back" }
func (echoTool) InputSchema() json.RawMessage { return nil }
func (echoTool) Execute(_ context.Context, input json.RawMessage, _ ToolContext) (string, error) {
	return "echo: " + string(input), nil
}

type failTool struct{}

func (failTool) Name() string                 { return "fail" }
func (failTool) Description() string          { return "Always fails" }
func (failTool) InputSchema() json.RawMessage { return nil }
func (failTool) Execute(_ context.Context, _ json.RawMessage, _ ToolContext) (string, error) {
	return "", fmt.Errorf("tool broken")
}

type panicTool struct{}

func (panicTool) Name() string                 { return "panic" }
func (panicTool) Description() string          { return "Always panics" }
func (panicTool) InputSchema() json.RawMessage { return nil }
func (panicTool) Execute(_ context.Context, _ json.RawMessage, _ ToolContext) (string, error) {
	panic("boom")
}

// slowTool blocks for its delay unless the context ends first.
type slowTool struct {
	delay time.Duration
}

func (slowTool) Name() string                 { return "slow" }
func (slowTool) Description() string          { return "Sleeps before answering" }
func (slowTool) InputSchema() json.RawMessage { return nil }
func (s slowTool) Execute(ctx context.Context, _ json.RawMessage, _ ToolContext) (string, error) {
	select {
	case <-time.After(s.delay):
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// barrierTool blocks every execution until parties calls have arrived,
// proving the calls ran concurrently.
type barrierTool struct {
	parties int
	arrived atomic.Int64
	release chan struct{}
	once    sync.Once
}

func newBarrierTool(parties int) *barrierTool {
	return &barrierTool{parties: parties, release: make(chan struct{})}
}

func (*barrierTool) Name() string                 { return "barrier" }
func (*barrierTool) Description() string          { return "Waits for all parties" }
func (*barrierTool) InputSchema() json.RawMessage { return nil }

func (b *barrierTool) Execute(ctx context.Context, input json.RawMessage, _ ToolContext) (string, error) {
	if b.arrived.Add(1) >= int64(b.parties) {
		b.once.Do(func() { close(b.release) })
	}
	select {
	case <-b.release:
		return "released " + string(input), nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Second):
		return "", fmt.Errorf("barrier never released")
	}
}

// orderTool records completion order while returning per-call content.
type orderTool struct {
	mu        sync.Mutex
	completed []string
	delays    map[string]time.Duration
}

func (*orderTool) Name() string                 { return "order" }
func (*orderTool) Description() string          { return "Records completion order" }
func (*orderTool) InputSchema() json.RawMessage { return nil }

func (o *orderTool) Execute(_ context.Context, input json.RawMessage, _ ToolContext) (string, error) {
	var in struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", err
	}
	if d, ok := o.delays[in.Key]; ok {
		time.Sleep(d)
	}
	o.mu.Lock()
	o.completed = append(o.completed, in.Key)
	o.mu.Unlock()
	return "ran " + in.Key, nil
}

// schemaTool declares a typed input schema so validation can reject
// mis-typed inputs before dispatch.
type schemaTool struct{}

func (*schemaTool) Name() string        { return "typed" }
func (*schemaTool) Description() string { return "Requires an integer count" }
func (*schemaTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"count": {"type": "integer"}},
		"required": ["count"]
	}`)
}
func (*schemaTool) Execute(_ context.Context, input json.RawMessage, _ ToolContext) (string, error) {
	return "ok " + string(input), nil
}

// countingTool counts executions through a shared counter.
type countingTool struct {
	count *atomic.Int64
}

func (*countingTool) Name() string                 { return "count" }
func (*countingTool) Description() string          { return "Counts executions" }
func (*countingTool) InputSchema() json.RawMessage { return nil }
func (c *countingTool) Execute(_ context.Context, _ json.RawMessage, _ ToolContext) (string, error) {
	c.count.Add(1)
	return "counted", nil
}

// --- Observer mock ---

// recordingObserver collects tool events for assertion.
type recordingObserver struct {
	mu     sync.Mutex
	events []ToolEvent
}

func (r *recordingObserver) OnToolEvent(ev ToolEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingObserver) byType(t ToolEventType) []ToolEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ToolEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
