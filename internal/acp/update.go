package acp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Update tags.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateResource          = "resource"
	UpdateThought           = "thought"

	updateAgentThoughtChunk = "agent_thought_chunk"
)

// Update is one incremental unit of a prompt turn. The concrete type is one
// of AgentMessageChunk, ToolCall, ToolCallUpdate, Plan, Resource, Thought or
// UnknownUpdate.
type Update interface {
	Kind() string
	isUpdate()
}

type AgentMessageChunk struct {
	Content ContentBlock `json:"content"`
}

type Location struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

type ToolCall struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title"`
	ToolKind   string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Locations  []Location      `json:"locations,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

type ToolCallUpdate struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Status     string          `json:"status,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Locations  []Location      `json:"locations,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`
}

type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

type Resource struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

type Thought struct {
	Content ContentBlock `json:"content"`
}

// UnknownUpdate keeps an update whose tag this client does not model.
type UnknownUpdate struct {
	Tag string
	Raw json.RawMessage
}

func (AgentMessageChunk) Kind() string { return UpdateAgentMessageChunk }
func (ToolCall) Kind() string          { return UpdateToolCall }
func (ToolCallUpdate) Kind() string    { return UpdateToolCallUpdate }
func (Plan) Kind() string              { return UpdatePlan }
func (Resource) Kind() string          { return UpdateResource }
func (Thought) Kind() string           { return UpdateThought }
func (u UnknownUpdate) Kind() string   { return u.Tag }

func (AgentMessageChunk) isUpdate() {}
func (ToolCall) isUpdate()          {}
func (ToolCallUpdate) isUpdate()    {}
func (Plan) isUpdate()              {}
func (Resource) isUpdate()          {}
func (Thought) isUpdate()           {}
func (UnknownUpdate) isUpdate()     {}

func (u AgentMessageChunk) MarshalJSON() ([]byte, error) {
	type alias AgentMessageChunk
	return marshalTagged(u.Kind(), alias(u))
}

func (u ToolCall) MarshalJSON() ([]byte, error) {
	type alias ToolCall
	return marshalTagged(u.Kind(), alias(u))
}

func (u ToolCallUpdate) MarshalJSON() ([]byte, error) {
	type alias ToolCallUpdate
	return marshalTagged(u.Kind(), alias(u))
}

func (u Plan) MarshalJSON() ([]byte, error) {
	type alias Plan
	return marshalTagged(u.Kind(), alias(u))
}

func (u Resource) MarshalJSON() ([]byte, error) {
	type alias Resource
	return marshalTagged(u.Kind(), alias(u))
}

func (u Thought) MarshalJSON() ([]byte, error) {
	type alias Thought
	return marshalTagged(u.Kind(), alias(u))
}

func (u UnknownUpdate) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return marshalTagged(u.Tag, struct{}{})
	}
	return u.Raw, nil
}

func marshalTagged(tag string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	t, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	out := append([]byte(`{"sessionUpdate":`), t...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

var errMissingTag = errors.New("update has no sessionUpdate tag")

// DecodeUpdate decodes a tagged update. The tag is read from "sessionUpdate",
// falling back to "type". Unrecognised tags yield UnknownUpdate.
func DecodeUpdate(raw json.RawMessage) (Update, error) {
	var head struct {
		SessionUpdate string `json:"sessionUpdate"`
		Type          string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	tag := head.SessionUpdate
	if tag == "" {
		tag = head.Type
	}
	var u Update
	var err error
	switch tag {
	case "":
		return nil, errMissingTag
	case UpdateAgentMessageChunk:
		var v AgentMessageChunk
		err = json.Unmarshal(raw, &v)
		u = v
	case UpdateToolCall:
		var v ToolCall
		err = json.Unmarshal(raw, &v)
		u = v
	case UpdateToolCallUpdate:
		var v ToolCallUpdate
		err = json.Unmarshal(raw, &v)
		u = v
	case UpdatePlan:
		var v Plan
		err = json.Unmarshal(raw, &v)
		u = v
	case UpdateResource:
		var v Resource
		err = json.Unmarshal(raw, &v)
		u = v
	case UpdateThought, updateAgentThoughtChunk:
		var v Thought
		err = json.Unmarshal(raw, &v)
		u = v
	default:
		u = UnknownUpdate{Tag: tag, Raw: append(json.RawMessage(nil), raw...)}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s update: %w", tag, err)
	}
	return u, nil
}
