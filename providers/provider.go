// Package providers defines provider-agnostic interfaces and wire-level
// domain models for the assistant backend: the prompt stream, the
// cancel signal, and the durable conversation log.
package providers

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy. The transport classifies failures into these
// sentinels; everything downstream matches with errors.Is.
var (
	// ErrTransport covers network failures and non-2xx responses that
	// occur before a stream is established. Retryable.
	ErrTransport = errors.New("providers: transport failure")

	// ErrStreamParse covers malformed data received mid-stream. Not
	// retryable: partial output may already have been applied.
	ErrStreamParse = errors.New("providers: malformed stream data")

	// ErrAuth covers expired or invalid credentials.
	ErrAuth = errors.New("providers: invalid or expired credential")

	// ErrQuota covers exhausted balance or entitlement (HTTP 402).
	ErrQuota = errors.New("providers: balance or entitlement exhausted")

	// ErrCancelled marks a locally-aborted request.
	ErrCancelled = errors.New("providers: request cancelled")
)

// PromptClient opens assistant response streams.
// Implementations: the SSE backend client, mocks.
type PromptClient interface {
	// Stream sends the prompt and returns a reader over decoded events.
	Stream(ctx context.Context, req PromptRequest) (StreamReader, error)

	// CancelGeneration asks the server to stop generating for the open
	// stream. Best effort: the caller's local abort is authoritative
	// regardless of the outcome.
	CancelGeneration(ctx context.Context, userID, sessionID string) error

	// Name returns the client name (e.g. "sse", "mock").
	Name() string
}

// HistoryClient reads the durable, cursor-paginated conversation log.
type HistoryClient interface {
	// FetchPage returns one page of turns, newest first. An empty
	// cursor requests the most recent page.
	FetchPage(ctx context.Context, req HistoryRequest) (*HistoryPage, error)
}

// StreamReader yields decoded events in receipt order. Next returns
// io.EOF once the stream is exhausted; after a terminal Done or Error
// event no further content events follow.
type StreamReader interface {
	Next() (*StreamEvent, error)
	Close() error
}

// PromptRequest carries one prompt to the backend.
type PromptRequest struct {
	UserID        string
	DeviceID      string
	SessionID     string
	Model         string
	Input         []Part
	UserLocalTime string
}

// Part is one element of a turn's input or output.
type Part struct {
	Type     string `json:"type"` // "text", "image", "tool_call", "tool_result"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageURL,omitempty"`

	// Tool call fields
	ToolCallID string         `json:"toolCallID,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolArgs   map[string]any `json:"toolArgs,omitempty"`

	// Tool result fields
	ToolResultID string         `json:"toolResultID,omitempty"`
	ToolOutput   map[string]any `json:"toolOutput,omitempty"`
	IsError      bool           `json:"isError,omitempty"`
}

// Part type discriminators.
const (
	PartText       = "text"
	PartImage      = "image"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
)

// TextPart builds a text content part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart builds an image content part.
func ImagePart(url string) Part {
	return Part{Type: PartImage, ImageURL: url}
}

// ToolCall describes a tool invocation reported mid-stream.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult describes a tool outcome reported mid-stream.
type ToolResult struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Output  map[string]any `json:"output,omitempty"`
	IsError bool           `json:"isError,omitempty"`
}

// HistoryRequest selects one page of the durable log.
type HistoryRequest struct {
	UserID string
	Limit  int
	Cursor string
}

// HistoryPage is one page of durable turns, newest first.
type HistoryPage struct {
	Turns      []Memory `json:"conversations"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// Memory is the durable record of one prompt/response exchange as the
// server stores it.
type Memory struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionID,omitempty"`
	Input          []Part    `json:"input,omitempty"`
	Output         []Part    `json:"output,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Score          float64   `json:"score,omitempty"`
	VectorDistance float64   `json:"vector_distance,omitempty"`
	Depth          int       `json:"depth,omitempty"`
}

// EventType discriminates decoded stream events.
type EventType string

const (
	EventTextDelta      EventType = "text.delta"
	EventToolCallDelta  EventType = "tool.call"
	EventToolResult     EventType = "tool.result"
	EventImagePartial   EventType = "image.partial"
	EventImageComplete  EventType = "image.complete"
	EventIdentity       EventType = "identity.assigned"
	EventSessionCreated EventType = "session.created"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// StreamEvent is one decoded event from the response stream.
type StreamEvent struct {
	Type       EventType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Image      []byte
	ImageURL   string
	TempID     string
	RealID     string
	SessionID  string
	Err        error
}

// Terminal reports whether no further events follow this one.
func (e *StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// TextDelta builds a text delta event.
func TextDelta(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Text: text}
}

// ToolCallDelta builds a tool call event.
func ToolCallDelta(tc ToolCall) StreamEvent {
	return StreamEvent{Type: EventToolCallDelta, ToolCall: &tc}
}

// ToolResultDelta builds a tool result event.
func ToolResultDelta(tr ToolResult) StreamEvent {
	return StreamEvent{Type: EventToolResult, ToolResult: &tr}
}

// ImagePartialEvent builds a progressive image frame event.
func ImagePartialEvent(frame []byte) StreamEvent {
	return StreamEvent{Type: EventImagePartial, Image: frame}
}

// ImageCompleteEvent builds a completed image event.
func ImageCompleteEvent(url string) StreamEvent {
	return StreamEvent{Type: EventImageComplete, ImageURL: url}
}

// IdentityAssigned builds the temp-to-durable id assignment event.
func IdentityAssigned(tempID, realID string) StreamEvent {
	return StreamEvent{Type: EventIdentity, TempID: tempID, RealID: realID}
}

// SessionCreated builds a session assignment event.
func SessionCreated(sessionID string) StreamEvent {
	return StreamEvent{Type: EventSessionCreated, SessionID: sessionID}
}

// Done builds the terminal success event.
func Done() StreamEvent {
	return StreamEvent{Type: EventDone}
}

// ErrorEvent builds a terminal failure event.
func ErrorEvent(err error) StreamEvent {
	return StreamEvent{Type: EventError, Err: err}
}
