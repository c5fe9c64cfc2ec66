// Package chatsync streams assistant responses into a single optimistic
// conversation turn and reconciles it against the durable, server-owned
// conversation log.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/markodavidovic/chatsync/internal/retry"
	"github.com/markodavidovic/chatsync/providers"
)

// Type aliases for internal package types
type (
	RetryConfig = retry.Config
)

// Function re-exports for convenience
var (
	DefaultRetryConfig = retry.DefaultConfig
)

const defaultEventBuffer = 10

// Engine orchestrates prompt streaming, the optimistic turn and
// reconciliation against the durable log.
type Engine struct {
	userID   string
	deviceID string
	model    string
	logger   *slog.Logger
	tracer   trace.Tracer

	store    *OptimisticTurnStore
	remapper *Remapper
	history  *PaginatedHistoryCache
	executor *RequestExecutor
	bus      *Bus
	rec      *reconciler

	logEvents bool

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	sessionID    string
	activeID     string
	activeCancel context.CancelFunc
}

// Config holds engine configuration.
type Config struct {
	// UserID identifies the conversation owner on the backend.
	UserID string
	// DeviceID identifies the sending device.
	DeviceID string
	// Model names the assistant model for prompt requests.
	Model string
	// SessionID resumes an existing session; empty starts fresh and the
	// backend assigns one on the first stream.
	SessionID string
	// PromptClient opens response streams.
	PromptClient providers.PromptClient
	// HistoryClient reads the durable conversation log.
	HistoryClient providers.HistoryClient
	// PageSize is the history page size.
	PageSize int

	Retry       *RetryConfig
	Reconcile   *ReconcileConfig
	Logging     *LoggingConfig
	EventBuffer int
	Tracer      trace.Tracer
}

var ErrMissingHistoryClient = errors.New("chatsync: history client is required")

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.UserID == "" {
		return ErrMissingUserID
	}
	if c.PromptClient == nil {
		return ErrMissingPromptClient
	}
	if c.HistoryClient == nil {
		return ErrMissingHistoryClient
	}
	return nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:    defaultPageSize,
		EventBuffer: defaultEventBuffer,
	}
}

// New creates an engine with the given configuration.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	logCfg := DefaultLoggingConfig()
	if cfg.Logging != nil {
		logCfg = *cfg.Logging
	}
	logger := resolveLogger(logCfg)

	retryCfg := retry.DefaultConfig()
	if cfg.Retry != nil {
		retryCfg = *cfg.Retry
	}

	recCfg := DefaultReconcileConfig()
	if cfg.Reconcile != nil {
		recCfg = *cfg.Reconcile
	}

	store := NewOptimisticTurnStore()
	remapper := NewRemapper(store)
	history := NewPaginatedHistoryCache(cfg.HistoryClient, cfg.UserID, cfg.PageSize, logger)
	bus := newBus(cfg.EventBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		userID:    cfg.UserID,
		deviceID:  cfg.DeviceID,
		model:     cfg.Model,
		logger:    logger,
		tracer:    resolveTracer(cfg.Tracer),
		store:     store,
		remapper:  remapper,
		history:   history,
		executor:  NewRequestExecutor(cfg.PromptClient, retryCfg, logger),
		bus:       bus,
		logEvents: logCfg.LogStreamEvents,
		ctx:       ctx,
		cancelAll: cancel,
		sessionID: cfg.SessionID,
	}
	e.rec = &reconciler{
		store:   store,
		remap:   remapper,
		history: history,
		bus:     bus,
		logger:  logger,
		cfg:     recCfg,
	}

	e.wg.Add(1)
	go e.runStaleSweep()

	return e, nil
}

// Messages returns the merged conversation view, newest first: the
// optimistic turn at the head when present, then the cached durable log.
func (e *Engine) Messages() []ConversationTurn {
	return Merge(e.store.Snapshot(), e.history.Turns())
}

// Send submits a text prompt, optionally with an attached image, and
// starts streaming the response. It returns the new turn's temporary id
// as soon as the stream is open; consumption continues in the
// background. A Send while another turn is streaming supersedes it.
func (e *Engine) Send(ctx context.Context, prompt, imageURL string) (string, error) {
	parts := []ContentPart{providers.TextPart(prompt)}
	if imageURL != "" {
		parts = append(parts, providers.ImagePart(imageURL))
	}
	return e.SendParts(ctx, parts)
}

// SendParts submits a prompt built from explicit content parts.
func (e *Engine) SendParts(ctx context.Context, parts []ContentPart) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	sessionID := e.sessionID
	e.mu.Unlock()

	tempID := e.store.Begin(sessionID, parts)
	e.bus.publish(TurnUpdatedEvent(tempID))

	spanCtx, span := startSpan(ctx, e.tracer, spanSend, e.userID, sessionID)

	req := providers.PromptRequest{
		UserID:        e.userID,
		DeviceID:      e.deviceID,
		SessionID:     sessionID,
		Model:         e.model,
		Input:         parts,
		UserLocalTime: time.Now().Format(time.RFC1123),
	}

	reader, cancelStream, err := e.executor.Send(spanCtx, req)
	if err != nil {
		e.store.MarkFailed(tempID, err)
		e.bus.publish(TurnFailedEvent(tempID, err))
		endSpan(span, err)
		return "", fmt.Errorf("send prompt: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		// Close won the race while the stream was being opened; the
		// WaitGroup may already be drained, so no goroutine may start.
		e.mu.Unlock()
		cancelStream()
		reader.Close()
		e.store.ClearIf(tempID)
		endSpan(span, ErrEngineClosed)
		return "", ErrEngineClosed
	}
	e.activeID = tempID
	e.activeCancel = cancelStream
	e.wg.Add(1)
	e.mu.Unlock()

	go e.consume(spanCtx, span, tempID, reader, cancelStream)

	return tempID, nil
}

// CancelPrompt stops the in-flight stream. The turn keeps its partial
// output and is marked interrupted; no reconciliation runs for it.
func (e *Engine) CancelPrompt() error {
	e.mu.Lock()
	id, cancel := e.activeID, e.activeCancel
	e.activeID, e.activeCancel = "", nil
	e.mu.Unlock()

	if cancel == nil {
		return ErrNoActiveTurn
	}
	e.store.MarkInterrupted(id)
	cancel()
	e.bus.publish(TurnInterruptedEvent(id))
	e.logger.Info("prompt cancelled", "turn", id)
	return nil
}

// FetchNextPage loads the next older durable page into the cache.
func (e *Engine) FetchNextPage(ctx context.Context) error {
	ctx, span := startSpan(ctx, e.tracer, spanHistory, e.userID, e.SessionID())
	err := e.history.FetchNextPage(ctx)
	endSpan(span, err)
	if err != nil {
		return err
	}
	e.bus.publish(HistoryRefreshedEvent())
	return nil
}

// Refetch reloads the most recent durable page.
func (e *Engine) Refetch(ctx context.Context) error {
	ctx, span := startSpan(ctx, e.tracer, spanHistory, e.userID, e.SessionID())
	err := e.history.Refetch(ctx)
	endSpan(span, err)
	if err != nil {
		return err
	}
	e.bus.publish(HistoryRefreshedEvent())
	return nil
}

// HasNextPage reports whether an older durable page remains.
func (e *Engine) HasNextPage() bool {
	return e.history.HasNextPage()
}

// Subscribe registers for engine events. Call the returned cancel to
// unsubscribe.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// SessionID returns the current session, which may have been assigned
// by the backend mid-stream.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Close stops background work and closes subscriber channels. Safe to
// call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel := e.activeCancel
	e.activeID, e.activeCancel = "", nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.cancelAll()
	e.wg.Wait()
	e.bus.close()
	return nil
}

func (e *Engine) setSession(sessionID string) {
	if sessionID == "" {
		return
	}
	e.mu.Lock()
	e.sessionID = sessionID
	e.mu.Unlock()
}

// rebindActive follows an id remap so a later CancelPrompt targets the
// turn under its new id.
func (e *Engine) rebindActive(oldID, newID string) {
	e.mu.Lock()
	if e.activeID == oldID {
		e.activeID = newID
	}
	e.mu.Unlock()
}

// clearActive releases the active slot if it still belongs to id.
func (e *Engine) clearActive(id string) {
	e.mu.Lock()
	if e.activeID == id {
		e.activeID, e.activeCancel = "", nil
	}
	e.mu.Unlock()
}

func (e *Engine) runStaleSweep() {
	defer e.wg.Done()

	interval := e.rec.cfg.StaleAfter / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.rec.sweepStale(now)
		}
	}
}
