package loom

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeMedia      BlockType = "media"
)

// Block is a tagged content-block variant within a message.
// Concrete types: TextBlock, ToolUseBlock, ToolResultBlock, MediaBlock.
type Block interface {
	BlockType() BlockType
}

// TextBlock carries plain text.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) BlockType() BlockType { return BlockTypeText }

// ToolUseBlock is a structured request by the model to invoke a named tool.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (ToolUseBlock) BlockType() BlockType { return BlockTypeToolUse }

// ToolResultBlock reflects a tool's output back to the model. It appears
// only in user-role messages, and ToolUseID must reference a preceding
// ToolUseBlock from an assistant message in the same conversation.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (ToolResultBlock) BlockType() BlockType { return BlockTypeToolResult }

// MediaKind identifies the media category of a MediaBlock.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAudio    MediaKind = "audio"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaBlock carries multimodal content, either inline (Data) or by
// reference (URI). Exactly one of Data and URI should be set.
type MediaBlock struct {
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mime_type"`
	Data     []byte    `json:"data,omitempty"`
	URI      string    `json:"uri,omitempty"`
}

func (MediaBlock) BlockType() BlockType { return BlockTypeMedia }

// Message is an immutable conversation entry. Content holds plain string
// content; Blocks holds structured block content and takes precedence when
// non-empty. User/assistant alternation is enforced by construction, not
// by validation.
type Message struct {
	Role    Role
	Content string
	Blocks  []Block
}

// UserText builds a user message with plain text content.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantText builds an assistant message with plain text content.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// SystemText builds a system message with plain text content.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// ToolResults builds the synthetic user message that carries tool results
// back to the provider, preserving the order of the given blocks.
func ToolResults(results ...ToolResultBlock) Message {
	blocks := make([]Block, len(results))
	for i, r := range results {
		blocks[i] = r
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

// Text returns the textual content of the message: the plain Content when
// set, otherwise the concatenation of all TextBlock contents.
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if t, ok := b.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ToolUseBlock {
	var calls []ToolUseBlock
	for _, b := range m.Blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			calls = append(calls, tu)
		}
	}
	return calls
}

// blockEnvelope is the wire shape of a tagged content block.
type blockEnvelope struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Kind      MediaKind       `json:"kind,omitempty"`
	MimeType  string          `json:"mime_type,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	URI       string          `json:"uri,omitempty"`
}

// MarshalJSON encodes the message with content as either a string or an
// ordered list of tagged block envelopes.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Blocks) == 0 {
		return json.Marshal(struct {
			Role    Role   `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content})
	}
	envs := make([]blockEnvelope, len(m.Blocks))
	for i, b := range m.Blocks {
		switch v := b.(type) {
		case TextBlock:
			envs[i] = blockEnvelope{Type: BlockTypeText, Text: v.Text}
		case ToolUseBlock:
			envs[i] = blockEnvelope{Type: BlockTypeToolUse, ID: v.ID, Name: v.Name, Input: v.Input}
		case ToolResultBlock:
			envs[i] = blockEnvelope{Type: BlockTypeToolResult, ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError}
		case MediaBlock:
			envs[i] = blockEnvelope{Type: BlockTypeMedia, Kind: v.Kind, MimeType: v.MimeType, Data: v.Data, URI: v.URI}
		default:
			return nil, fmt.Errorf("loom: unknown block type %T", b)
		}
	}
	return json.Marshal(struct {
		Role    Role            `json:"role"`
		Content []blockEnvelope `json:"content"`
	}{m.Role, envs})
}

// UnmarshalJSON decodes both content shapes produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var probe struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	m.Role = probe.Role
	m.Content = ""
	m.Blocks = nil
	if len(probe.Content) == 0 {
		return nil
	}
	if probe.Content[0] == '"' {
		return json.Unmarshal(probe.Content, &m.Content)
	}
	var envs []blockEnvelope
	if err := json.Unmarshal(probe.Content, &envs); err != nil {
		return err
	}
	m.Blocks = make([]Block, len(envs))
	for i, e := range envs {
		switch e.Type {
		case BlockTypeText:
			m.Blocks[i] = TextBlock{Text: e.Text}
		case BlockTypeToolUse:
			m.Blocks[i] = ToolUseBlock{ID: e.ID, Name: e.Name, Input: e.Input}
		case BlockTypeToolResult:
			m.Blocks[i] = ToolResultBlock{ToolUseID: e.ToolUseID, Content: e.Content, IsError: e.IsError}
		case BlockTypeMedia:
			m.Blocks[i] = MediaBlock{Kind: e.Kind, MimeType: e.MimeType, Data: e.Data, URI: e.URI}
		default:
			return fmt.Errorf("loom: unknown block type %q", e.Type)
		}
	}
	return nil
}

// Usage tracks token consumption across provider calls.
// EstimatedCostCents is a budget signal, not a billing figure.
type Usage struct {
	InputTokens              int     `json:"input_tokens"`
	OutputTokens             int     `json:"output_tokens"`
	CacheCreationInputTokens int     `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int     `json:"cache_read_input_tokens"`
	EstimatedCostCents       float64 `json:"estimated_cost_cents"`
}

// Merge returns the field-wise sum of u and o. Merge is commutative and
// associative over all fields.
func (u Usage) Merge(o Usage) Usage {
	return Usage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
		EstimatedCostCents:       u.EstimatedCostCents + o.EstimatedCostCents,
	}
}

// Add accumulates o into u in place.
func (u *Usage) Add(o Usage) {
	*u = u.Merge(o)
}
