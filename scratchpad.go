package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Scratchpad is a per-agent mutable key→string map. It is owned by one
// agent server and accessed only by that agent's tool workers during a
// turn; the lock covers the intra-turn parallelism of the tool executor.
type Scratchpad struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewScratchpad creates an empty scratchpad.
func NewScratchpad() *Scratchpad {
	return &Scratchpad{data: make(map[string]string)}
}

// Get returns the value for key and whether it exists.
func (s *Scratchpad) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key.
func (s *Scratchpad) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Scratchpad) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Keys returns all keys in sorted order.
func (s *Scratchpad) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (s *Scratchpad) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// ScratchpadToolName is reserved; registering another tool under it is a
// construction-time error when the scratchpad is enabled.
const ScratchpadToolName = "scratchpad"

// scratchpadTool exposes the scratchpad to the model.
type scratchpadTool struct {
	pad *Scratchpad
}

func (t *scratchpadTool) Name() string { return ScratchpadToolName }

func (t *scratchpadTool) Description() string {
	return "Persistent key-value notes for this session. Actions: set, get, list, delete."
}

func (t *scratchpadTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["set", "get", "list", "delete"]},
			"key": {"type": "string"},
			"value": {"type": "string"}
		},
		"required": ["action"]
	}`)
}

func (t *scratchpadTool) Execute(_ context.Context, input json.RawMessage, _ ToolContext) (string, error) {
	var args struct {
		Action string `json:"action"`
		Key    string `json:"key"`
		Value  string `json:"value"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	switch args.Action {
	case "set":
		if args.Key == "" {
			return "", fmt.Errorf("set requires a key")
		}
		t.pad.Set(args.Key, args.Value)
		return "stored " + args.Key, nil
	case "get":
		v, ok := t.pad.Get(args.Key)
		if !ok {
			return "", fmt.Errorf("no entry for key %q", args.Key)
		}
		return v, nil
	case "list":
		keys := t.pad.Keys()
		if len(keys) == 0 {
			return "scratchpad is empty", nil
		}
		return strings.Join(keys, "\n"), nil
	case "delete":
		t.pad.Delete(args.Key)
		return "deleted " + args.Key, nil
	default:
		return "", fmt.Errorf("unknown action %q", args.Action)
	}
}
