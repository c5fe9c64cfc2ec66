package chatsync

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markodavidovic/chatsync/providers"
)

const tempIDPrefix = "optimistic-"

// OptimisticTurnStore holds at most one locally-originated,
// not-yet-persisted conversation turn. All apply operations are no-ops
// when the slot is empty, the id does not match, or the turn is no
// longer streaming, so late events from a cancelled or superseded
// stream cannot land.
type OptimisticTurnStore struct {
	mu   sync.Mutex
	slot *ConversationTurn
	now  func() time.Time
}

// NewOptimisticTurnStore creates an empty store.
func NewOptimisticTurnStore() *OptimisticTurnStore {
	return &OptimisticTurnStore{now: time.Now}
}

// Begin fills the slot with a fresh streaming turn and returns its
// temporary id. A turn already occupying the slot is superseded: the
// caller is expected to have cancelled its stream first.
func (s *OptimisticTurnStore) Begin(sessionID string, input []ContentPart) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tempID := tempIDPrefix + uuid.NewString()
	s.slot = &ConversationTurn{
		ID:        tempID,
		SessionID: sessionID,
		Input:     append([]ContentPart(nil), input...),
		Timestamp: s.now(),
		State:     TurnStreaming,
	}
	return tempID
}

// ApplyTextDelta appends streamed text to the turn's output.
func (s *OptimisticTurnStore) ApplyTextDelta(id, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming(id) {
		return
	}
	s.slot.appendText(delta)
}

// ApplyToolCallDelta appends a tool call to the turn.
func (s *OptimisticTurnStore) ApplyToolCallDelta(id string, tc ToolCallInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming(id) {
		return
	}
	s.slot.appendToolCall(tc)
}

// ApplyToolResult appends a tool result to the turn's output.
func (s *OptimisticTurnStore) ApplyToolResult(id string, tr ToolResultInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming(id) {
		return
	}
	s.slot.appendToolResult(tr)
}

// ApplyImagePartial replaces the turn's progressive image frame.
func (s *OptimisticTurnStore) ApplyImagePartial(id string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming(id) {
		return
	}
	s.slot.setImagePartial(frame)
}

// ApplyImageComplete sets the final image URL and clears the partial.
func (s *OptimisticTurnStore) ApplyImageComplete(id, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming(id) {
		return
	}
	s.slot.completeImage(url)
}

// RemapID renames the slot's id in place. No-op when the ids mismatch
// or are equal, so a repeated remap is safe.
func (s *OptimisticTurnStore) RemapID(tempID, realID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil || s.slot.ID != tempID || tempID == realID || realID == "" {
		return
	}
	s.slot.ID = realID
}

// Finalize collapses the output to the authoritative final text and
// marks the turn finalized. An empty finalText keeps the streamed
// output as-is.
func (s *OptimisticTurnStore) Finalize(id, finalText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming(id) {
		return
	}
	if finalText != "" {
		s.slot.Output = []ContentPart{providers.TextPart(finalText)}
	}
	s.slot.State = TurnFinalized
}

// MarkInterrupted flags the turn as stopped by the user, keeping its
// partial output visible.
func (s *OptimisticTurnStore) MarkInterrupted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming(id) {
		return
	}
	s.slot.State = TurnInterrupted
}

// MarkFailed flags the turn with a terminal failure. Partial output
// already streamed is kept.
func (s *OptimisticTurnStore) MarkFailed(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil || s.slot.ID != id {
		return
	}
	s.slot.State = TurnFailed
	if err != nil {
		s.slot.Failure = err.Error()
	}
}

// Clear empties the slot unconditionally.
func (s *OptimisticTurnStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot = nil
}

// ClearIf empties the slot only while it still holds the given id.
// Reconciliation uses this so that clearing a settled turn can never
// drop a newer turn that superseded it.
func (s *OptimisticTurnStore) ClearIf(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil || s.slot.ID != id {
		return false
	}
	s.slot = nil
	return true
}

// Snapshot returns a copy of the slot, or nil when empty.
func (s *OptimisticTurnStore) Snapshot() *ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil {
		return nil
	}
	return s.slot.clone()
}

// ID returns the current slot id.
func (s *OptimisticTurnStore) ID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot == nil {
		return "", false
	}
	return s.slot.ID, true
}

func (s *OptimisticTurnStore) streaming(id string) bool {
	return s.slot != nil && s.slot.ID == id && s.slot.State == TurnStreaming
}
