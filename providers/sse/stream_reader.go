package sse

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/markodavidovic/chatsync/providers"
)

// Server-sent event names on the chat stream.
const (
	eventChatContent    = "chat.content"
	eventToolCall       = "tool.call"
	eventToolResult     = "tool.result"
	eventImagePartial   = "image.partial"
	eventImageComplete  = "image.complete"
	eventPairAssigned   = "pair.assigned"
	eventSessionCreated = "session.created"
	eventDone           = "done"
	eventError          = "error"
)

// streamReader decodes the SSE chat stream into typed events.
//
// The raw bytes are buffered and consumed one complete line at a time,
// so chunk boundaries that split a line, a UTF-8 rune, or a base64
// image frame are harmless: the incomplete tail stays in the buffer
// until the rest arrives.
type streamReader struct {
	reader io.ReadCloser
	logger *slog.Logger

	buf       []byte
	eventName string
	pending   []*providers.StreamEvent
	terminal  bool
}

func newStreamReader(reader io.ReadCloser, logger *slog.Logger) *streamReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &streamReader{
		reader: reader,
		logger: logger,
	}
}

// Next returns the next decoded event, or io.EOF once the stream is
// exhausted. After a terminal event has been returned, every further
// call returns io.EOF.
func (s *streamReader) Next() (*providers.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Terminal() {
				s.terminal = true
			}
			return ev, nil
		}
		if s.terminal {
			return nil, io.EOF
		}

		buf := make([]byte, 4096)
		n, err := s.reader.Read(buf)
		if n > 0 {
			s.buf = append(s.buf, buf[:n]...)
			s.drainLines()
		}
		if err != nil {
			if err == io.EOF {
				// A stream that ends without a done event is still
				// finished; the remaining buffered lines were
				// incomplete and are dropped.
				s.terminal = true
				if len(s.pending) == 0 {
					return nil, io.EOF
				}
				continue
			}
			return nil, err
		}
	}
}

func (s *streamReader) Close() error {
	return s.reader.Close()
}

// drainLines consumes every complete line in the buffer, leaving any
// incomplete tail for the next read.
func (s *streamReader) drainLines() {
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx == -1 {
			return
		}
		line := strings.TrimRight(string(s.buf[:idx]), "\r")
		s.buf = s.buf[idx+1:]
		s.handleLine(line)
		if s.hasTerminalPending() {
			return
		}
	}
}

func (s *streamReader) hasTerminalPending() bool {
	for _, ev := range s.pending {
		if ev.Terminal() {
			return true
		}
	}
	return false
}

func (s *streamReader) handleLine(line string) {
	if field, ok := strings.CutPrefix(line, "event: "); ok {
		s.eventName = strings.TrimSpace(field)
		return
	}
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return
	}

	switch s.eventName {
	case eventChatContent:
		// Content data is the raw text chunk, not JSON.
		if data != "" {
			s.emit(providers.TextDelta(data))
		}

	case eventToolCall:
		payload, ok := s.decodeJSON(data)
		if !ok {
			return
		}
		var tc providers.ToolCall
		if err := json.Unmarshal(payload, &tc); err != nil {
			s.fail("decode tool call", err)
			return
		}
		s.emit(providers.ToolCallDelta(tc))

	case eventToolResult:
		payload, ok := s.decodeJSON(data)
		if !ok {
			return
		}
		var tr providers.ToolResult
		if err := json.Unmarshal(payload, &tr); err != nil {
			s.fail("decode tool result", err)
			return
		}
		s.emit(providers.ToolResultDelta(tr))

	case eventImagePartial:
		if !gjson.Valid(data) {
			s.fail("image partial envelope", errInvalidJSON)
			return
		}
		frame, err := base64.StdEncoding.DecodeString(gjson.Get(data, "data").String())
		if err != nil {
			s.fail("decode image frame", err)
			return
		}
		s.emit(providers.ImagePartialEvent(frame))

	case eventImageComplete:
		if !gjson.Valid(data) {
			s.fail("image complete envelope", errInvalidJSON)
			return
		}
		s.emit(providers.ImageCompleteEvent(gjson.Get(data, "url").String()))

	case eventPairAssigned:
		if !gjson.Valid(data) {
			s.fail("pair assignment envelope", errInvalidJSON)
			return
		}
		s.emit(providers.IdentityAssigned(
			gjson.Get(data, "tempID").String(),
			gjson.Get(data, "pairID").String(),
		))

	case eventSessionCreated:
		if !gjson.Valid(data) {
			s.fail("session envelope", errInvalidJSON)
			return
		}
		s.emit(providers.SessionCreated(gjson.Get(data, "id").String()))

	case eventDone:
		s.emit(providers.Done())

	case eventError:
		s.emit(providers.ErrorEvent(serverError(data)))

	default:
		s.logger.Debug("unknown stream event", "event", s.eventName)
	}
}

// decodeJSON validates the payload before strict decoding so malformed
// data downgrades to a typed parse failure instead of aborting the
// read loop.
func (s *streamReader) decodeJSON(data string) ([]byte, bool) {
	if !gjson.Valid(data) {
		s.fail("stream envelope", errInvalidJSON)
		return nil, false
	}
	return []byte(data), true
}

func (s *streamReader) emit(ev providers.StreamEvent) {
	s.pending = append(s.pending, &ev)
}

// fail emits a terminal parse-error event. The decode loop itself
// never panics or returns a raw error for malformed content.
func (s *streamReader) fail(context string, err error) {
	s.logger.Error("stream decode failure", "context", context, "error", err)
	s.emit(providers.ErrorEvent(fmt.Errorf("%w: %s: %v", providers.ErrStreamParse, context, err)))
}

var errInvalidJSON = fmt.Errorf("invalid JSON")

// serverError maps an error event payload onto the taxonomy. The
// server reports a code alongside a human-readable message.
func serverError(data string) error {
	if !gjson.Valid(data) {
		return fmt.Errorf("%w: malformed error event", providers.ErrStreamParse)
	}
	message := gjson.Get(data, "message").String()
	switch gjson.Get(data, "code").String() {
	case "quota", "payment_required":
		return fmt.Errorf("%w: %s", providers.ErrQuota, message)
	case "auth", "unauthorized":
		return fmt.Errorf("%w: %s", providers.ErrAuth, message)
	default:
		return fmt.Errorf("%w: %s", providers.ErrTransport, message)
	}
}
