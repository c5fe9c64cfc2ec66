// Package mock implements scripted prompt and history clients for testing.
package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/markodavidovic/chatsync/providers"
)

var (
	ErrNoStream = errors.New("mock: no stream configured")
	ErrClosed   = errors.New("mock: stream closed")
)

type scriptedStream struct {
	events []providers.StreamEvent
	err    error
	hold   bool
}

// Client implements providers.PromptClient for testing.
type Client struct {
	mu        sync.Mutex
	streams   []scriptedStream
	callCount int
	cancels   int
}

// New creates a new mock client.
func New() *Client {
	return &Client{}
}

// WithStream appends a scripted stream of events.
func (m *Client) WithStream(events ...providers.StreamEvent) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := make([]providers.StreamEvent, len(events))
	copy(stream, events)
	m.streams = append(m.streams, scriptedStream{events: stream})
	return m
}

// WithStreamError appends a failing Stream call.
func (m *Client) WithStreamError(err error) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, scriptedStream{err: err})
	return m
}

// WithHeldStream appends a stream that delivers the scripted events and
// then blocks until the request context is cancelled or the reader is
// closed. Used to exercise cancellation mid-stream.
func (m *Client) WithHeldStream(events ...providers.StreamEvent) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := make([]providers.StreamEvent, len(events))
	copy(stream, events)
	m.streams = append(m.streams, scriptedStream{events: stream, hold: true})
	return m
}

// Name returns the client name.
func (m *Client) Name() string {
	return "mock"
}

// Stream returns the next scripted stream.
func (m *Client) Stream(ctx context.Context, req providers.PromptRequest) (providers.StreamReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	if len(m.streams) == 0 {
		return nil, ErrNoStream
	}

	next := m.streams[0]
	m.streams = m.streams[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &streamReader{ctx: ctx, events: next.events, hold: next.hold, closed: make(chan struct{})}, nil
}

// CancelGeneration records the cancel signal.
func (m *Client) CancelGeneration(ctx context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	return nil
}

// CallCount returns the number of Stream calls made.
func (m *Client) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// CancelCount returns the number of CancelGeneration calls made.
func (m *Client) CancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels
}

type streamReader struct {
	ctx    context.Context
	mu     sync.Mutex
	events []providers.StreamEvent
	idx    int
	hold   bool
	closed chan struct{}
	once   sync.Once
}

func (s *streamReader) Next() (*providers.StreamEvent, error) {
	s.mu.Lock()
	if s.idx < len(s.events) {
		ev := s.events[s.idx]
		s.idx++
		s.mu.Unlock()
		return &ev, nil
	}
	hold := s.hold
	s.mu.Unlock()

	if !hold {
		return nil, io.EOF
	}

	select {
	case <-s.ctx.Done():
		return nil, fmt.Errorf("%w: %v", providers.ErrCancelled, s.ctx.Err())
	case <-s.closed:
		return nil, ErrClosed
	}
}

func (s *streamReader) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
