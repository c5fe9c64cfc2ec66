package chatsync

import "time"

// EventType represents the type of engine notification.
type EventType string

const (
	EventTurnUpdated      EventType = "turn.updated"
	EventTurnFinalized    EventType = "turn.finalized"
	EventTurnReconciled   EventType = "turn.reconciled"
	EventTurnInterrupted  EventType = "turn.interrupted"
	EventTurnFailed       EventType = "turn.failed"
	EventHistoryRefreshed EventType = "history.refreshed"
)

// Event notifies subscribers that the merged view changed. It replaces
// the ambient broadcast events of older designs with an explicit,
// typed channel.
type Event struct {
	Type      EventType
	TurnID    string
	Timestamp time.Time
	Err       error
}

// NewEvent creates an event with the current timestamp.
func NewEvent(eventType EventType, turnID string) Event {
	return Event{
		Type:      eventType,
		TurnID:    turnID,
		Timestamp: time.Now(),
	}
}

// TurnUpdated signals new streamed content on the optimistic turn.
func TurnUpdatedEvent(turnID string) Event {
	return NewEvent(EventTurnUpdated, turnID)
}

// TurnFinalized signals that the stream completed.
func TurnFinalizedEvent(turnID string) Event {
	return NewEvent(EventTurnFinalized, turnID)
}

// TurnReconciled signals that the durable copy replaced the optimistic
// turn.
func TurnReconciledEvent(turnID string) Event {
	return NewEvent(EventTurnReconciled, turnID)
}

// TurnInterrupted signals a user-initiated stop.
func TurnInterruptedEvent(turnID string) Event {
	return NewEvent(EventTurnInterrupted, turnID)
}

// TurnFailed signals a terminal failure on the turn.
func TurnFailedEvent(turnID string, err error) Event {
	ev := NewEvent(EventTurnFailed, turnID)
	ev.Err = err
	return ev
}

// HistoryRefreshed signals that the durable cache changed.
func HistoryRefreshedEvent() Event {
	return NewEvent(EventHistoryRefreshed, "")
}
