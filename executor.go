package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markodavidovic/chatsync/internal/retry"
	"github.com/markodavidovic/chatsync/providers"
)

const cancelSignalTimeout = 5 * time.Second

// RequestExecutor issues prompt requests with a bounded retry budget
// and tracks the single in-flight request.
//
// Only transport-classified failures are retried, and only while no
// stream has been established: once any bytes have been delivered,
// redoing a partial assistant answer automatically is unsafe.
//
// At most one request is active at a time. A new Send implicitly
// cancels the previous request (supersede policy).
type RequestExecutor struct {
	client providers.PromptClient
	retry  retry.Config
	logger *slog.Logger

	mu     sync.Mutex
	active *inflight
}

type inflight struct {
	cancel context.CancelFunc
}

// NewRequestExecutor creates an executor. The retry config's
// retryable-error set is forced to the transport sentinel.
func NewRequestExecutor(client providers.PromptClient, cfg retry.Config, logger *slog.Logger) *RequestExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.RetryableErrors = []error{providers.ErrTransport}
	cfg.Logger = logger
	return &RequestExecutor{
		client: client,
		retry:  cfg,
		logger: logger,
	}
}

// Send opens a stream for the prompt. The returned cancel aborts the
// local read immediately and signals the server best-effort; it is
// safe to call more than once.
func (e *RequestExecutor) Send(ctx context.Context, req providers.PromptRequest) (providers.StreamReader, context.CancelFunc, error) {
	e.mu.Lock()
	if e.active != nil {
		e.logger.Info("superseding in-flight prompt request")
		e.active.cancel()
	}
	reqCtx, cancelCtx := context.WithCancel(ctx)
	current := &inflight{cancel: cancelCtx}
	e.active = current
	e.mu.Unlock()

	reader, err := retry.Do(reqCtx, e.retry, func() (providers.StreamReader, error) {
		return e.client.Stream(reqCtx, req)
	})
	if err != nil {
		// Capture the cancellation state before tearing down the
		// request context, so auth, quota and exhausted-transport
		// failures keep their own classification.
		cancelled := reqCtx.Err() != nil
		e.release(current)
		cancelCtx()
		if cancelled && !errors.Is(err, providers.ErrCancelled) {
			err = fmt.Errorf("%w: %v", providers.ErrCancelled, err)
		}
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			e.release(current)
			go e.signalCancel(req.UserID, req.SessionID)
		})
	}
	return reader, cancel, nil
}

// release clears the active slot if it still belongs to this request.
func (e *RequestExecutor) release(which *inflight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == which {
		e.active = nil
	}
}

// signalCancel tells the server to stop generating. Best effort: the
// local abort already happened and is authoritative.
func (e *RequestExecutor) signalCancel(userID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelSignalTimeout)
	defer cancel()
	if err := e.client.CancelGeneration(ctx, userID, sessionID); err != nil {
		e.logger.Warn("server-side cancel failed", "error", err)
	}
}
