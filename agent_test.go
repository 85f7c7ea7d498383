package loom

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestAgent(t *testing.T, opts ...Option) *AgentServer {
	t.Helper()
	a, err := NewAgentServer(append([]Option{WithRetryBackoff(time.Millisecond)}, opts...)...)
	if err != nil {
		t.Fatalf("NewAgentServer: %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

func waitResponse(t *testing.T, ch <-chan []byte, timeout time.Duration) ResponseEvent {
	t.Helper()
	select {
	case payload, ok := <-ch:
		if !ok {
			t.Fatal("response channel closed")
		}
		var ev ResponseEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal response event: %v", err)
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("no response broadcast before timeout")
		return ResponseEvent{}
	}
}

func TestAgentChat(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{{resp: textResponse("hello")}}}
	a := newTestAgent(t, WithProvider(p, nil))

	result, err := a.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Status != StatusCompleted || result.Text != "hello" {
		t.Errorf("result = %+v", result)
	}
	if len(a.Messages()) != 2 {
		t.Errorf("history = %d messages, want 2", len(a.Messages()))
	}
}

func TestAgentSendMessageBroadcasts(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{{resp: textResponse("async hello")}}}
	bus := NewMemoryBus()
	a := newTestAgent(t,
		WithProvider(p, nil),
		WithPubSub(bus),
		WithContextValue("session_id", "sess-42"))

	ch, cancel, err := bus.Subscribe(context.Background(), "agent:sess-42:responses")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	requestID, err := a.SendMessage("hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if requestID == "" {
		t.Fatal("empty request id")
	}

	ev := waitResponse(t, ch, 2*time.Second)
	if ev.Type != "response" {
		t.Errorf("event type = %q", ev.Type)
	}
	if ev.Result.RequestID != requestID {
		t.Errorf("request id = %q, want %q", ev.Result.RequestID, requestID)
	}
	if ev.Result.Status != StatusCompleted || ev.Result.Text != "async hello" {
		t.Errorf("result = %+v", ev.Result)
	}
}

func TestAgentSendMessageRequiresBus(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{{resp: textResponse("x")}}}
	a := newTestAgent(t, WithProvider(p, nil))

	if _, err := a.SendMessage("hi"); !errors.Is(err, ErrNoPubSub) {
		t.Fatalf("err = %v, want ErrNoPubSub", err)
	}
}

func TestAgentBusyGating(t *testing.T) {
	gate := newGateProvider()
	bus := NewMemoryBus()
	a := newTestAgent(t, WithProvider(gate, nil), WithPubSub(bus))

	ch, cancel, err := bus.Subscribe(context.Background(), a.ResponseTopic())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := a.SendMessage("first"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	<-gate.entered // run is now in flight

	if _, err := a.SendMessage("second"); !errors.Is(err, ErrBusy) {
		t.Errorf("second SendMessage err = %v, want ErrBusy", err)
	}
	if _, err := a.Chat(context.Background(), "third"); !errors.Is(err, ErrBusy) {
		t.Errorf("Chat err = %v, want ErrBusy", err)
	}
	if err := a.Reset(); !errors.Is(err, ErrBusy) {
		t.Errorf("Reset err = %v, want ErrBusy", err)
	}
	if err := a.SetModel(&panicProvider{}, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("SetModel err = %v, want ErrBusy", err)
	}

	// Reads stay available while busy.
	h := a.Health()
	if !h.Busy {
		t.Error("health does not report busy")
	}
	_ = a.Messages()
	_ = a.ExportSession()

	close(gate.release)
	ev := waitResponse(t, ch, 2*time.Second)
	if ev.Result.Status != StatusCompleted {
		t.Errorf("result status = %s", ev.Result.Status)
	}

	// Rejected sends must not have touched history: one user + one
	// assistant message only.
	deadline := time.Now().Add(time.Second)
	for len(a.Messages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(a.Messages()); n != 2 {
		t.Errorf("history = %d messages, want 2", n)
	}
}

func TestAgentCrashRecovery(t *testing.T) {
	bus := NewMemoryBus()
	a := newTestAgent(t, WithProvider(&panicProvider{}, nil), WithPubSub(bus))

	ch, cancel, err := bus.Subscribe(context.Background(), a.ResponseTopic())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	requestID, err := a.SendMessage("cause a crash")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ev := waitResponse(t, ch, 2*time.Second)
	if ev.Result.Status != StatusError {
		t.Fatalf("status = %s, want error", ev.Result.Status)
	}
	if ev.Result.RequestID != requestID {
		t.Errorf("request id = %q, want %q", ev.Result.RequestID, requestID)
	}
	if !strings.Contains(ev.Result.Error, "provider exploded") {
		t.Errorf("error = %q", ev.Result.Error)
	}

	// The agent survives: the user message is retained and new sends work.
	msgs := a.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Errorf("post-crash history = %+v", msgs)
	}
	if _, err := a.SendMessage("still alive?"); err != nil {
		t.Errorf("SendMessage after crash: %v", err)
	}
}

// panicSecondProvider answers one tool-use turn, then crashes.
type panicSecondProvider struct {
	calls atomic.Int64
}

func (*panicSecondProvider) Name() string { return "panic-second" }

func (p *panicSecondProvider) Complete(context.Context, Request) (Response, error) {
	if p.calls.Add(1) == 1 {
		return toolUseResponse(toolCall("t1", "echo", `{"text":"x"}`)), nil
	}
	panic("provider exploded late")
}

func TestAgentCrashInstallsPreTurnSnapshot(t *testing.T) {
	bus := NewMemoryBus()
	a := newTestAgent(t,
		WithProvider(&panicSecondProvider{}, nil),
		WithTools(echoTool{}),
		WithPubSub(bus))

	ch, cancel, err := bus.Subscribe(context.Background(), a.ResponseTopic())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	if _, err := a.SendMessage("do the thing"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ev := waitResponse(t, ch, 2*time.Second)
	if ev.Result.Status != StatusError {
		t.Fatalf("status = %s, want error", ev.Result.Status)
	}

	// The run completed a full tool turn before crashing; none of those
	// appended messages survive, only the user message.
	msgs := a.Messages()
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Errorf("post-crash history = %+v", msgs)
	}
}

func TestAgentSubscribedEventTriggersRun(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{{resp: textResponse("from event")}}}
	bus := NewMemoryBus()
	a := newTestAgent(t,
		WithProvider(p, nil),
		WithPubSub(bus, "inbox"))

	ch, cancel, err := bus.Subscribe(context.Background(), a.ResponseTopic())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	payload, _ := json.Marshal(AgentEvent{Type: "agent_event", Message: "ping"})
	if err := bus.Publish(context.Background(), "inbox", payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev := waitResponse(t, ch, 2*time.Second)
	if ev.Result.Status != StatusCompleted || ev.Result.Text != "from event" {
		t.Errorf("result = %+v", ev.Result)
	}
}

func TestAgentSessionStartHaltRefusesConstruction(t *testing.T) {
	_, err := NewAgentServer(
		WithProvider(&scriptedProvider{}, nil),
		WithMiddleware(func(_ context.Context, info HookInfo) Outcome {
			if info.Hook == HookSessionStart {
				return Halt("not allowed")
			}
			return Continue()
		}),
	)
	if err == nil || !strings.Contains(err.Error(), "not allowed") {
		t.Fatalf("err = %v, want session start refusal", err)
	}
}

func TestAgentResetClearsState(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{{resp: textResponse("one")}}}
	a := newTestAgent(t, WithProvider(p, nil))

	if _, err := a.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(a.Messages()) != 0 {
		t.Errorf("messages after reset = %d", len(a.Messages()))
	}
	h := a.Health()
	if h.Status != StatusIdle || h.Turns != 0 {
		t.Errorf("health after reset = %+v", h)
	}
	if (a.Usage() != Usage{}) {
		t.Errorf("usage after reset = %+v", a.Usage())
	}
}

func TestAgentExportSessionUsesEffectiveID(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{{resp: textResponse("x")}}}
	a := newTestAgent(t,
		WithProvider(p, nil),
		WithContextValue("session_id", "pinned-id"))

	if _, err := a.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	sess := a.ExportSession()
	if sess.ID != "pinned-id" {
		t.Errorf("session id = %q, want pinned-id", sess.ID)
	}
	if sess.Metadata.Provider != "scripted" || sess.Metadata.Turns != 1 {
		t.Errorf("metadata = %+v", sess.Metadata)
	}
	if a.ResponseTopic() != "agent:pinned-id:responses" {
		t.Errorf("topic = %q", a.ResponseTopic())
	}
}

func TestAgentStopRunsShutdownCallback(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{{resp: textResponse("x")}}}
	var exported *Session
	a, err := NewAgentServer(
		WithProvider(p, nil),
		WithOnShutdown(func(s Session) { exported = &s }),
	)
	if err != nil {
		t.Fatalf("NewAgentServer: %v", err)
	}
	if _, err := a.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	a.Stop()

	if exported == nil {
		t.Fatal("shutdown callback not invoked")
	}
	if len(exported.Messages) != 2 {
		t.Errorf("exported %d messages, want 2", len(exported.Messages))
	}
}

func TestAgentStopSurvivesPanickingShutdownCallback(t *testing.T) {
	p := &scriptedProvider{}
	a, err := NewAgentServer(
		WithProvider(p, nil),
		WithOnShutdown(func(Session) { panic("callback boom") }),
	)
	if err != nil {
		t.Fatalf("NewAgentServer: %v", err)
	}
	a.Stop() // must not panic
}

func TestAgentSetModel(t *testing.T) {
	var got map[string]any
	next := &capturingProvider{onRequest: func(req Request) { got = req.Config }}
	a := newTestAgent(t, WithProvider(&panicProvider{}, map[string]any{"model": "m1"}))

	if err := a.SetModel(next, map[string]any{"model": "m2", "temp": 0.5}); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	if _, err := a.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got["model"] != "m2" {
		t.Errorf("model = %v, want m2", got["model"])
	}
	if got["temp"] != 0.5 {
		t.Errorf("temp = %v, want provider config installed with the provider", got["temp"])
	}
}
