package loom

import (
	"testing"
)

func TestNewStateAgentID(t *testing.T) {
	s1, err := NewState(NewConfig())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if s1.AgentID == "" {
		t.Error("empty agent id")
	}
	if s1.EffectiveSessionID() != s1.AgentID {
		t.Errorf("effective id = %q, want agent id %q", s1.EffectiveSessionID(), s1.AgentID)
	}

	s2, err := NewState(NewConfig(WithContextValue("session_id", "pinned")))
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	if s2.AgentID != "pinned" || s2.EffectiveSessionID() != "pinned" {
		t.Errorf("pinned state = %q / %q", s2.AgentID, s2.EffectiveSessionID())
	}
}

func TestStateCloneIsolatesMessages(t *testing.T) {
	s, err := NewState(NewConfig())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	s.Messages = append(s.Messages, UserText("one"))

	cp := s.clone()
	cp.Messages = append(cp.Messages, AssistantText("two"))
	cp.TurnCount = 5
	cp.Status = StatusRunning

	if len(s.Messages) != 1 || s.TurnCount != 0 || s.Status != StatusIdle {
		t.Errorf("clone mutation leaked into original: %+v", s)
	}
	if cp.registry != s.registry {
		t.Error("clone does not share the registry")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusError, StatusMaxTurns, StatusHalted}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Errorf("%s not terminal", st)
		}
	}
	for _, st := range []Status{StatusIdle, StatusRunning} {
		if st.Terminal() {
			t.Errorf("%s terminal", st)
		}
	}
}

func TestResultTextFromLastAssistant(t *testing.T) {
	s, err := NewState(NewConfig())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	s.Messages = []Message{
		UserText("q"),
		AssistantText("draft"),
		UserText("refine"),
		AssistantText("final"),
	}
	s.Status = StatusCompleted
	if r := s.result(); r.Text != "final" {
		t.Errorf("result text = %q", r.Text)
	}
}
