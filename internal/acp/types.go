// Package acp implements the client side of the Agent Client Protocol on top
// of a JSON-RPC transport: handshake, sessions, streamed prompts,
// cancellation and permission replies.
package acp

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Methods sent by the client.
const (
	MethodInitialize         = "initialize"
	MethodSessionNew         = "session/new"
	MethodSessionPrompt      = "session/prompt"
	MethodSessionCancel      = "session/cancel"
	MethodPermissionResponse = "session/permission_response"
)

// Methods sent by the agent.
const (
	MethodSessionUpdate     = "session/update"
	MethodPromptComplete    = "session/prompt_complete"
	MethodRequestPermission = "session/request_permission"
)

// DefaultProtocolVersion is offered during initialize when none is set.
const DefaultProtocolVersion ProtocolVersion = "1"

// ProtocolVersion is carried as text. Agents send either a JSON number or a
// string; integers are written back as numbers.
type ProtocolVersion string

func (v ProtocolVersion) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(v), 10, 64); err == nil {
		return []byte(v), nil
	}
	return json.Marshal(string(v))
}

func (v *ProtocolVersion) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = ProtocolVersion(s)
		return nil
	}
	if string(b) == "null" {
		*v = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = ProtocolVersion(n.String())
	return nil
}

// ClientInfo identifies this client to the agent.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type ClientCapabilities struct {
	FS       FileSystemCapability `json:"fs"`
	Terminal bool                 `json:"terminal"`
}

type InitializeParams struct {
	ProtocolVersion    ProtocolVersion    `json:"protocolVersion"`
	ClientInfo         *ClientInfo        `json:"clientInfo,omitempty"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

type PromptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities"`
}

type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InitializeResult is the negotiated outcome of the handshake.
type InitializeResult struct {
	ProtocolVersion ProtocolVersion   `json:"protocolVersion"`
	Capabilities    AgentCapabilities `json:"agentCapabilities"`
	AuthMethods     []AuthMethod      `json:"authMethods,omitempty"`
}

// UnmarshalJSON accepts capabilities under either "agentCapabilities" or the
// older "capabilities" key.
func (r *InitializeResult) UnmarshalJSON(b []byte) error {
	var w struct {
		ProtocolVersion   ProtocolVersion    `json:"protocolVersion"`
		AgentCapabilities *AgentCapabilities `json:"agentCapabilities"`
		Capabilities      *AgentCapabilities `json:"capabilities"`
		AuthMethods       []AuthMethod       `json:"authMethods"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.ProtocolVersion = w.ProtocolVersion
	r.AuthMethods = w.AuthMethods
	switch {
	case w.AgentCapabilities != nil:
		r.Capabilities = *w.AgentCapabilities
	case w.Capabilities != nil:
		r.Capabilities = *w.Capabilities
	}
	return nil
}

type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MCPServer describes a tool server the agent should attach to a session.
type MCPServer struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Env     []EnvVariable `json:"env"`
}

type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// ContentBlock is one piece of prompt or message content.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// StopReason explains why a prompt turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
	TotalTokens  int `json:"totalTokens,omitempty"`
}

// PromptResult terminates a prompt stream.
type PromptResult struct {
	StopReason StopReason `json:"stopReason"`
	Usage      *Usage     `json:"usage,omitempty"`
}

type sessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type promptComplete struct {
	SessionID string       `json:"sessionId"`
	Result    PromptResult `json:"result"`
}

// PermissionOption is one choice offered to the user.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
}

// PermissionRequest is an agent asking for approval before it continues.
type PermissionRequest struct {
	RequestID   string             `json:"requestId"`
	SessionID   string             `json:"sessionId"`
	ToolCallID  string             `json:"toolCallId"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Path        string             `json:"path,omitempty"`
	Diff        string             `json:"diff,omitempty"`
	Options     []PermissionOption `json:"options"`
	Timestamp   time.Time          `json:"timestamp"`
}

// permissionParams is the inbound shape; tool call details may be nested
// under toolCall or flattened.
type permissionParams struct {
	RequestID   string `json:"requestId"`
	SessionID   string `json:"sessionId"`
	ToolCallID  string `json:"toolCallId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Path        string `json:"path"`
	Diff        string `json:"diff"`
	ToolCall    *struct {
		ToolCallID string `json:"toolCallId"`
		Title      string `json:"title"`
	} `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
	Timestamp *time.Time         `json:"timestamp"`
}

type permissionResponseParams struct {
	RequestID string `json:"requestId"`
	OptionID  string `json:"optionId"`
}

type permissionOutcome struct {
	Outcome struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId"`
	} `json:"outcome"`
}
