package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"
)

// AgentEvent is the inbound message shape on subscribed topics. Payloads
// with any other type field are ignored.
type AgentEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ResponseEvent is broadcast on the agent's response topic after every
// asynchronous run, including crashed ones.
type ResponseEvent struct {
	Type   string `json:"type"`
	Result Result `json:"result"`
}

// Health is a point-in-time snapshot of an agent server, readable while
// a run is in flight.
type Health struct {
	Status       Status `json:"status"`
	Turns        int    `json:"turns"`
	MessageCount int    `json:"message_count"`
	Usage        Usage  `json:"usage"`
	UptimeMS     int64  `json:"uptime_ms"`
	Busy         bool   `json:"busy"`
}

// runningTask marks an in-flight run and carries its cancellation.
type runningTask struct {
	id     string
	cancel context.CancelFunc
}

// AgentServer owns one agent's state and serializes every turn against
// it: synchronous chats, asynchronous sends, and subscribed events all
// flow through the same at-most-one-run gate. Reads (Messages, Health,
// ExportSession) stay available while a run is in flight because turns
// execute on a snapshot and install their result afterwards.
type AgentServer struct {
	mu      sync.Mutex
	chatMu  sync.Mutex
	cfg     *Config
	state   *State
	running *runningTask

	subCancel []func()
	subWG     sync.WaitGroup
	subCtx    context.Context
	subStop   context.CancelFunc
}

// NewAgentServer builds an agent from options, runs session_start
// middleware (a halt refuses construction), and starts the configured
// topic subscriptions.
func NewAgentServer(opts ...Option) (*AgentServer, error) {
	cfg := NewConfig(opts...)
	state, err := NewState(cfg)
	if err != nil {
		return nil, err
	}
	res, err := runHook(context.Background(), cfg.Middleware, HookInfo{Hook: HookSessionStart, State: state})
	if err != nil {
		return nil, err
	}
	if res.halted {
		return nil, fmt.Errorf("loom: session start halted by middleware: %s", res.haltReason)
	}

	a := &AgentServer{cfg: cfg, state: state}
	a.subCtx, a.subStop = context.WithCancel(context.Background())
	if err := a.startSubscriptions(); err != nil {
		a.subStop()
		return nil, err
	}
	cfg.Logger.Info("agent started", "agent", state.AgentID, "session", state.EffectiveSessionID())
	return a, nil
}

func (a *AgentServer) startSubscriptions() error {
	if a.cfg.PubSub == nil {
		if len(a.cfg.Subscribe) > 0 {
			return ErrNoPubSub
		}
		return nil
	}
	for _, topic := range a.cfg.Subscribe {
		ch, cancel, err := a.cfg.PubSub.Subscribe(a.subCtx, topic)
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", topic, err)
		}
		a.subCancel = append(a.subCancel, cancel)
		a.subWG.Add(1)
		go func(topic string, ch <-chan []byte) {
			defer a.subWG.Done()
			for payload := range ch {
				a.handleAgentEvent(topic, payload)
			}
		}(topic, ch)
	}
	return nil
}

// handleAgentEvent processes one inbound topic message. Malformed or
// foreign payloads are skipped; events arriving while a run is in flight
// are dropped with a log line rather than queued.
func (a *AgentServer) handleAgentEvent(topic string, payload []byte) {
	var ev AgentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.cfg.Logger.Warn("dropping malformed event", "topic", topic, "error", err)
		return
	}
	if ev.Type != "agent_event" || ev.Message == "" {
		return
	}
	snap, task, err := a.beginRun(ev.Message)
	if err != nil {
		a.cfg.Logger.Warn("dropping event, agent busy", "topic", topic)
		return
	}
	requestID := NewID()
	a.runAsync(snap, task, requestID)
}

// beginRun takes the run gate: it snapshots the state with the user
// message appended and marks the server busy. ErrBusy when a run is
// already in flight.
func (a *AgentServer) beginRun(text string) (*State, *runningTask, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running != nil {
		return nil, nil, ErrBusy
	}
	snap := a.state.clone()
	snap.Messages = append(snap.Messages, UserText(text))
	// The real cancel is installed once the run context exists.
	task := &runningTask{id: NewID(), cancel: func() {}}
	a.running = task
	return snap, task, nil
}

// setTaskCancel installs the run context's cancel under the state lock,
// so Stop always observes a usable cancel function.
func (a *AgentServer) setTaskCancel(task *runningTask, cancel context.CancelFunc) {
	a.mu.Lock()
	task.cancel = cancel
	a.mu.Unlock()
}

// finishRun installs the post-run snapshot and clears the gate, unless a
// newer task has replaced this one.
func (a *AgentServer) finishRun(task *runningTask, snap *State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running != task {
		return
	}
	a.state = snap
	a.running = nil
}

// Chat runs one synchronous exchange: the user text is appended and the
// turn loop runs to a terminal status before returning. Concurrent Chat
// calls serialize; an in-flight asynchronous run returns ErrBusy.
func (a *AgentServer) Chat(ctx context.Context, text string) (Result, error) {
	return a.chat(ctx, text, RunOptions{})
}

// StreamChat is Chat with incremental chunk delivery.
func (a *AgentServer) StreamChat(ctx context.Context, text string, onChunk func(Chunk)) (Result, error) {
	return a.chat(ctx, text, RunOptions{Streaming: true, OnChunk: onChunk})
}

func (a *AgentServer) chat(ctx context.Context, text string, opts RunOptions) (Result, error) {
	a.chatMu.Lock()
	defer a.chatMu.Unlock()
	snap, task, err := a.beginRun(text)
	if err != nil {
		return Result{}, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.setTaskCancel(task, cancel)
	defer cancel()
	result := RunLoop(runCtx, snap, opts)
	a.finishRun(task, snap)
	return result, nil
}

// SendMessage starts an asynchronous run and returns its request id
// immediately. The result is broadcast on the agent's response topic,
// tagged with that id. A configured bus is required; a busy agent
// returns ErrBusy without touching state.
func (a *AgentServer) SendMessage(text string) (string, error) {
	if a.cfg.PubSub == nil {
		return "", ErrNoPubSub
	}
	snap, task, err := a.beginRun(text)
	if err != nil {
		return "", err
	}
	requestID := NewID()
	go a.runAsync(snap, task, requestID)
	return requestID, nil
}

// runAsync drives one background run and broadcasts the outcome. A panic
// in the loop is converted to a status error result: the installed state
// is the pre-turn snapshot, user message included, with everything the
// crashed loop appended discarded.
func (a *AgentServer) runAsync(snap *State, task *runningTask, requestID string) {
	runCtx, cancel := context.WithCancel(context.Background())
	a.setTaskCancel(task, cancel)
	defer cancel()

	preTurn := len(snap.Messages)

	defer func() {
		if p := recover(); p != nil {
			a.cfg.Logger.Error("run crashed", "agent", snap.AgentID, "panic", p)
			snap.Messages = snap.Messages[:preTurn]
			snap.Status = StatusError
			snap.LastError = fmt.Sprintf("run crashed: %v", p)
			a.finishRun(task, snap)
			result := snap.result()
			result.RequestID = requestID
			a.broadcast(result)
		}
	}()

	result := RunLoop(runCtx, snap, RunOptions{CorrelationID: requestID})
	a.finishRun(task, snap)
	result.RequestID = requestID
	a.broadcast(result)
}

// broadcast publishes a response event on the agent's response topic.
// Publish failures are logged, never propagated; the run already
// completed and its state is installed.
func (a *AgentServer) broadcast(result Result) {
	topic := a.ResponseTopic()
	payload, err := json.Marshal(ResponseEvent{Type: "response", Result: result})
	if err != nil {
		a.cfg.Logger.Error("marshal response event", "error", err)
		return
	}
	if err := a.cfg.PubSub.Publish(context.Background(), topic, payload); err != nil {
		a.cfg.Logger.Error("broadcast response", "topic", topic, "error", err)
	}
}

// ResponseTopic is the topic asynchronous results are broadcast on.
func (a *AgentServer) ResponseTopic() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return "agent:" + a.state.EffectiveSessionID() + ":responses"
}

// Messages returns a copy of the conversation history.
func (a *AgentServer) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := make([]Message, len(a.state.Messages))
	copy(msgs, a.state.Messages)
	return msgs
}

// Usage returns the accumulated token usage.
func (a *AgentServer) Usage() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Usage
}

// Health reports the agent's current status. Available while busy.
func (a *AgentServer) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Health{
		Status:       a.state.Status,
		Turns:        a.state.TurnCount,
		MessageCount: len(a.state.Messages),
		Usage:        a.state.Usage,
		UptimeMS:     time.Since(a.state.CreatedAt).Milliseconds(),
		Busy:         a.running != nil,
	}
}

// ExportSession returns the session envelope for persistence. Available
// while busy; the export reflects the last installed state.
func (a *AgentServer) ExportSession() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.exportSession()
}

// Reset clears conversation history, usage, and status. Rejected with
// ErrBusy while a run is in flight.
func (a *AgentServer) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running != nil {
		return ErrBusy
	}
	a.state.Messages = nil
	a.state.TurnCount = 0
	a.state.Usage = Usage{}
	a.state.Status = StatusIdle
	a.state.LastError = ""
	return nil
}

// SetModel replaces the provider and its config together. Rejected with
// ErrBusy while a run is in flight; the config map is copied, not aliased,
// so later caller mutations never reach a run snapshot.
func (a *AgentServer) SetModel(p Provider, providerConfig map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running != nil {
		return ErrBusy
	}
	pc := make(map[string]any, len(providerConfig))
	maps.Copy(pc, providerConfig)
	a.cfg.Provider = p
	a.cfg.ProviderConfig = pc
	return nil
}

// Stop cancels any in-flight run, tears down subscriptions, runs
// session_end middleware, and hands the exported session to the shutdown
// callback. Faults in middleware or the callback are logged, never
// propagated.
func (a *AgentServer) Stop() {
	a.mu.Lock()
	if a.running != nil {
		a.running.cancel()
		a.running = nil
	}
	a.mu.Unlock()

	a.subStop()
	for _, cancel := range a.subCancel {
		cancel()
	}
	a.subWG.Wait()

	res, err := runHook(context.Background(), a.cfg.Middleware, HookInfo{Hook: HookSessionEnd, State: a.state})
	if err != nil {
		a.cfg.Logger.Warn("session_end middleware error", "error", err)
	} else if res.halted {
		a.cfg.Logger.Warn("session_end halt ignored", "reason", res.haltReason)
	}

	if a.cfg.OnShutdown != nil {
		session := a.ExportSession()
		func() {
			defer func() {
				if p := recover(); p != nil {
					a.cfg.Logger.Error("shutdown callback panicked", "panic", p)
				}
			}()
			a.cfg.OnShutdown(session)
		}()
	}
	a.cfg.Logger.Info("agent stopped", "agent", a.state.AgentID)
}
