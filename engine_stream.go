package chatsync

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel/trace"

	"github.com/markodavidovic/chatsync/providers"
)

// consume is the single stream-consumption loop for one turn. All
// optimistic store mutations for the turn happen here, in receipt
// order. It runs until a terminal event, stream end, or cancellation.
func (e *Engine) consume(ctx context.Context, sendSpan trace.Span, turnID string, reader providers.StreamReader, cancelStream context.CancelFunc) {
	defer e.wg.Done()
	defer cancelStream()
	defer func() {
		if err := reader.Close(); err != nil {
			e.logger.Debug("stream close failed", "error", err)
		}
	}()

	_, streamSpan := startSpan(ctx, e.tracer, spanStream, e.userID, e.SessionID())

	currentID := turnID
	for {
		ev, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Stream ended without an explicit done event.
				e.finishTurn(currentID)
				endSpan(streamSpan, nil)
				endSpan(sendSpan, nil)
				return
			}
			e.failTurn(currentID, err)
			endSpan(streamSpan, err)
			endSpan(sendSpan, err)
			return
		}

		if e.logEvents {
			e.logger.Debug("stream event", "turn", currentID, "type", ev.Type)
		}

		switch ev.Type {
		case providers.EventTextDelta:
			e.store.ApplyTextDelta(currentID, ev.Text)
			e.bus.publish(TurnUpdatedEvent(currentID))

		case providers.EventToolCallDelta:
			e.store.ApplyToolCallDelta(currentID, *ev.ToolCall)
			e.bus.publish(TurnUpdatedEvent(currentID))

		case providers.EventToolResult:
			e.store.ApplyToolResult(currentID, *ev.ToolResult)
			e.bus.publish(TurnUpdatedEvent(currentID))

		case providers.EventImagePartial:
			e.store.ApplyImagePartial(currentID, ev.Image)
			e.bus.publish(TurnUpdatedEvent(currentID))

		case providers.EventImageComplete:
			e.store.ApplyImageComplete(currentID, ev.ImageURL)
			e.bus.publish(TurnUpdatedEvent(currentID))

		case providers.EventIdentity:
			tempID := ev.TempID
			if tempID == "" {
				tempID = currentID
			}
			e.remapper.Remap(tempID, ev.RealID)
			if tempID == currentID && ev.RealID != "" {
				e.rebindActive(currentID, ev.RealID)
				currentID = ev.RealID
			}

		case providers.EventSessionCreated:
			e.setSession(ev.SessionID)

		case providers.EventDone:
			e.store.Finalize(currentID, ev.Text)
			e.clearActive(currentID)
			e.bus.publish(TurnFinalizedEvent(currentID))
			endSpan(streamSpan, nil)
			endSpan(sendSpan, nil)
			e.scheduleReconcile(currentID)
			return

		case providers.EventError:
			e.failTurn(currentID, ev.Err)
			endSpan(streamSpan, ev.Err)
			endSpan(sendSpan, ev.Err)
			return
		}
	}
}

// finishTurn finalizes a turn whose stream ended cleanly and schedules
// reconciliation. No-op when the turn was cancelled or superseded.
func (e *Engine) finishTurn(id string) {
	if e.halted(id) {
		return
	}
	e.store.Finalize(id, "")
	e.clearActive(id)
	e.bus.publish(TurnFinalizedEvent(id))
	e.scheduleReconcile(id)
}

// failTurn marks a turn failed unless it was cancelled or superseded,
// in which case the error is expected and swallowed.
func (e *Engine) failTurn(id string, err error) {
	if e.halted(id) || errors.Is(err, providers.ErrCancelled) {
		e.logger.Debug("stream ended after cancel", "turn", id)
		return
	}
	e.logger.Error("stream failed", "turn", id, "error", err)
	e.store.MarkFailed(id, err)
	e.clearActive(id)
	e.bus.publish(TurnFailedEvent(id, err))
}

// halted reports whether the turn is no longer streaming: cancelled,
// superseded, or already terminal.
func (e *Engine) halted(id string) bool {
	snap := e.store.Snapshot()
	return snap == nil || snap.ID != id || snap.State != TurnStreaming
}

// scheduleReconcile runs the two-phase reconciliation for a finalized
// turn on its own goroutine, traced end to end.
func (e *Engine) scheduleReconcile(id string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, span := startSpan(e.ctx, e.tracer, spanReconcile, e.userID, e.SessionID())
		e.rec.run(ctx, id)
		endSpan(span, nil)
	}()
}
