package chatsync

import (
	"strings"
	"time"

	"github.com/markodavidovic/chatsync/providers"
)

// Type aliases for the wire-level content model.
type (
	ContentPart    = providers.Part
	ToolCallInfo   = providers.ToolCall
	ToolResultInfo = providers.ToolResult
)

// TurnState tracks where a turn sits in its lifecycle. The zero value
// is a durable, server-owned copy.
type TurnState string

const (
	// TurnDurable is a turn served from the persisted conversation log.
	TurnDurable TurnState = ""
	// TurnStreaming is an optimistic turn with an open response stream.
	TurnStreaming TurnState = "streaming"
	// TurnFinalized is a completed turn awaiting reconciliation.
	TurnFinalized TurnState = "finalized"
	// TurnInterrupted is a cancelled turn kept visible with its
	// partial output. Never reconciled.
	TurnInterrupted TurnState = "interrupted"
	// TurnFailed is a turn that ended in a terminal error. Partial
	// output already streamed stays visible.
	TurnFailed TurnState = "failed"
)

// ConversationTurn is one prompt/response exchange.
type ConversationTurn struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID,omitempty"`
	Input     []ContentPart  `json:"input,omitempty"`
	Output    []ContentPart  `json:"output,omitempty"`
	ToolCalls []ToolCallInfo `json:"toolCalls,omitempty"`

	// ImagePartial holds the latest progressive frame of a generated
	// image; ImageURL holds the completed image. At most one of the
	// two is set at any instant.
	ImagePartial []byte `json:"-"`
	ImageURL     string `json:"imageURL,omitempty"`

	Timestamp time.Time `json:"timestamp"`
	State     TurnState `json:"state,omitempty"`

	// Failure carries the terminal error message for TurnFailed turns.
	Failure string `json:"failure,omitempty"`

	// Relevance metadata. Neutral defaults for optimistic turns; the
	// durable store populates them authoritatively.
	Score          float64 `json:"score,omitempty"`
	VectorDistance float64 `json:"vector_distance,omitempty"`
	Depth          int     `json:"depth,omitempty"`
}

// Optimistic reports whether the turn is client-held state rather than
// a durable copy.
func (t *ConversationTurn) Optimistic() bool {
	return t.State != TurnDurable
}

// Text returns the concatenated text parts of the output.
func (t *ConversationTurn) Text() string {
	var b strings.Builder
	for _, part := range t.Output {
		if part.Type == providers.PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// appendText extends the last output text part, or starts a new text
// part when the output is empty or ends with a non-text part.
func (t *ConversationTurn) appendText(delta string) {
	if n := len(t.Output); n > 0 && t.Output[n-1].Type == providers.PartText {
		t.Output[n-1].Text += delta
		return
	}
	t.Output = append(t.Output, providers.TextPart(delta))
}

// appendToolCall records the call and closes the current text part, so
// a later text delta starts a fresh part after the call.
func (t *ConversationTurn) appendToolCall(tc ToolCallInfo) {
	t.ToolCalls = append(t.ToolCalls, tc)
	t.Output = append(t.Output, ContentPart{
		Type:       providers.PartToolCall,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		ToolArgs:   tc.Args,
	})
}

func (t *ConversationTurn) appendToolResult(tr ToolResultInfo) {
	t.Output = append(t.Output, ContentPart{
		Type:         providers.PartToolResult,
		ToolResultID: tr.ID,
		ToolName:     tr.Name,
		ToolOutput:   tr.Output,
		IsError:      tr.IsError,
	})
}

// setImagePartial replaces the progressive frame. Nothing else changes.
func (t *ConversationTurn) setImagePartial(frame []byte) {
	t.ImagePartial = frame
}

// completeImage sets the final image and clears the partial frame in
// the same step, preserving their mutual exclusion.
func (t *ConversationTurn) completeImage(url string) {
	t.ImageURL = url
	t.ImagePartial = nil
}

// clone returns a copy safe to hand to consumers while the stream loop
// keeps mutating the original.
func (t *ConversationTurn) clone() *ConversationTurn {
	copied := *t
	copied.Input = append([]ContentPart(nil), t.Input...)
	copied.Output = append([]ContentPart(nil), t.Output...)
	copied.ToolCalls = append([]ToolCallInfo(nil), t.ToolCalls...)
	copied.ImagePartial = append([]byte(nil), t.ImagePartial...)
	return &copied
}

// turnFromMemory converts a durable record into the merged-view shape.
func turnFromMemory(m providers.Memory) ConversationTurn {
	return ConversationTurn{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Input:          m.Input,
		Output:         m.Output,
		Timestamp:      m.Timestamp,
		State:          TurnDurable,
		Score:          m.Score,
		VectorDistance: m.VectorDistance,
		Depth:          m.Depth,
	}
}
