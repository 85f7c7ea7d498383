package loom

import (
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusMaxTurns  Status = "max_turns"
	StatusHalted    Status = "halted"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusMaxTurns || s == StatusHalted
}

// State is the mutable run state owned by one agent server. All mutation
// is serialized by the owner; the turn engine operates on a snapshot.
type State struct {
	Config     *Config
	Messages   []Message
	TurnCount  int
	Usage      Usage
	Status     Status
	LastError  string
	AgentID    string
	StartedAt  time.Time
	CreatedAt  time.Time
	registry   *registry
	scratchpad *Scratchpad
}

// NewState initializes run state from a config: builds the tool registry
// (duplicate names fail construction), starts the scratchpad when enabled,
// and fixes the agent id from context session_id or a fresh random id.
func NewState(cfg *Config) (*State, error) {
	s := &State{
		Config:    cfg,
		Status:    StatusIdle,
		CreatedAt: time.Now(),
	}
	if s.AgentID = cfg.SessionID(); s.AgentID == "" {
		s.AgentID = NewID()
	}
	tools := cfg.Tools
	if cfg.Scratchpad {
		s.scratchpad = NewScratchpad()
		tools = append(append([]Tool{}, tools...), &scratchpadTool{pad: s.scratchpad})
	}
	reg, err := buildRegistry(tools)
	if err != nil {
		return nil, err
	}
	s.registry = reg
	return s, nil
}

// EffectiveSessionID is the canonical identifier for pub/sub topics and
// session export. Always derived, never stored, so the broadcast topic and
// the exported id cannot diverge.
func (s *State) EffectiveSessionID() string {
	if id := s.Config.SessionID(); id != "" {
		return id
	}
	return s.AgentID
}

// ToolDefs returns the provider-facing tool descriptors in order.
func (s *State) ToolDefs() []ToolDef {
	if s.registry == nil {
		return nil
	}
	return s.registry.defs
}

// clone returns a snapshot sharing the config, registry, and scratchpad,
// with an independent message slice. Blocks are treated as immutable, so a
// shallow copy of each message is sufficient.
func (s *State) clone() *State {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	return &cp
}

// toolContext builds the ToolContext handed to tool executions.
func (s *State) toolContext() ToolContext {
	return ToolContext{
		WorkingDir: s.Config.WorkingDir,
		Config:     s.Config,
		Scratchpad: s.scratchpad,
		Values:     s.Config.Context,
	}
}

// lastAssistantText returns the text of the most recent assistant message.
func (s *State) lastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			if t := s.Messages[i].Text(); t != "" {
				return t
			}
		}
	}
	return ""
}

// Result is the caller-facing outcome of a run. Ok and Err shapes carry
// the same fields; Status distinguishes them.
type Result struct {
	Text      string    `json:"text"`
	Messages  []Message `json:"messages"`
	Usage     Usage     `json:"usage"`
	Status    Status    `json:"status"`
	Turns     int       `json:"turns"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// result builds a Result view of the state.
func (s *State) result() Result {
	return Result{
		Text:     s.lastAssistantText(),
		Messages: s.Messages,
		Usage:    s.Usage,
		Status:   s.Status,
		Turns:    s.TurnCount,
		Error:    s.LastError,
	}
}

// SessionMetadata summarizes a session for export and listing.
type SessionMetadata struct {
	Status   Status `json:"status"`
	Turns    int    `json:"turns"`
	Provider string `json:"provider"`
}

// Session is the export envelope handed to SessionStore implementations.
type Session struct {
	ID        string          `json:"id"`
	Messages  []Message       `json:"messages"`
	Usage     Usage           `json:"usage"`
	Metadata  SessionMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// exportSession builds the Session envelope using the effective session id.
func (s *State) exportSession() Session {
	providerName := ""
	if s.Config.Provider != nil {
		providerName = s.Config.Provider.Name()
	}
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return Session{
		ID:       s.EffectiveSessionID(),
		Messages: msgs,
		Usage:    s.Usage,
		Metadata: SessionMetadata{
			Status:   s.Status,
			Turns:    s.TurnCount,
			Provider: providerName,
		},
		CreatedAt: s.CreatedAt,
		UpdatedAt: time.Now(),
	}
}
