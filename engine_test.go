package chatsync

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/markodavidovic/chatsync/internal/testutil"
	"github.com/markodavidovic/chatsync/providers"
	"github.com/markodavidovic/chatsync/providers/mock"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	if cfg.UserID == "" {
		cfg.UserID = "u1"
	}
	cfg.DeviceID = "device-1"
	cfg.Model = "assistant-v3"
	if cfg.Retry == nil {
		cfg.Retry = &RetryConfig{
			MaxRetries:   1,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
		}
	}
	if cfg.Reconcile == nil {
		cfg.Reconcile = &ReconcileConfig{
			SettleDelay:     2 * time.Millisecond,
			ConfirmInterval: 5 * time.Millisecond,
			ConfirmTimeout:  500 * time.Millisecond,
			ClearLinger:     time.Millisecond,
			StaleAfter:      time.Minute,
		}
	}
	cfg.Logging = &LoggingConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	e, err := New(cfg)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineStreamsAndReconciles(t *testing.T) {
	client := mock.New().WithStream(
		providers.TextDelta("Hi"),
		providers.TextDelta(" there"),
		providers.IdentityAssigned("", "mem-1"),
		providers.Done(),
	)
	history := mock.NewHistory()
	history.SetPage("", providers.HistoryPage{
		Turns: []providers.Memory{memory("mem-1", "Hi there")},
	})

	e := newTestEngine(t, Config{PromptClient: client, HistoryClient: history})

	ch, unsubscribe := e.Subscribe()
	defer unsubscribe()
	var mu sync.Mutex
	seen := make(map[EventType]bool)
	go func() {
		for ev := range ch {
			mu.Lock()
			seen[ev.Type] = true
			mu.Unlock()
		}
	}()

	id, err := e.Send(testutil.NewTestContext(), "hello", "")
	testutil.AssertNoError(t, err)
	if id == "" {
		t.Fatal("expected a turn id")
	}

	// The merged view must never show the same id twice while the
	// optimistic turn settles into the durable log.
	testutil.Eventually(t, 2*time.Second, func() bool {
		turns := e.Messages()
		ids := make(map[string]bool, len(turns))
		for _, turn := range turns {
			if ids[turn.ID] {
				t.Fatalf("duplicate id %q in merged view", turn.ID)
			}
			ids[turn.ID] = true
		}
		return len(turns) == 1 && turns[0].ID == "mem-1" && turns[0].State == TurnDurable
	})

	testutil.Eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[EventTurnFinalized] && seen[EventTurnReconciled] && seen[EventHistoryRefreshed]
	})
}

func TestEngineCancelKeepsInterruptedTurn(t *testing.T) {
	client := mock.New().WithHeldStream(providers.TextDelta("partial answ"))
	history := mock.NewHistory()

	e := newTestEngine(t, Config{PromptClient: client, HistoryClient: history})

	_, err := e.Send(testutil.NewTestContext(), "question", "")
	testutil.AssertNoError(t, err)

	testutil.Eventually(t, time.Second, func() bool {
		snap := e.store.Snapshot()
		return snap != nil && snap.Text() == "partial answ"
	})

	testutil.AssertNoError(t, e.CancelPrompt())

	testutil.Eventually(t, time.Second, func() bool {
		snap := e.store.Snapshot()
		return snap != nil && snap.State == TurnInterrupted
	})
	testutil.Eventually(t, time.Second, func() bool {
		return client.CancelCount() == 1
	})

	// Cancellation never reconciles: no durable refresh may happen.
	time.Sleep(50 * time.Millisecond)
	testutil.AssertEqual(t, history.FetchCount(), 0)
	testutil.AssertEqual(t, e.store.Snapshot().Text(), "partial answ")

	testutil.AssertErrorIs(t, e.CancelPrompt(), ErrNoActiveTurn)
}

func TestEngineSendFailureMarksTurnFailed(t *testing.T) {
	client := mock.New().WithStreamError(fmt.Errorf("%w: status 402", providers.ErrQuota))
	e := newTestEngine(t, Config{PromptClient: client, HistoryClient: mock.NewHistory()})

	_, err := e.Send(testutil.NewTestContext(), "question", "")
	testutil.AssertErrorIs(t, err, ErrQuota)

	turns := e.Messages()
	testutil.AssertEqual(t, len(turns), 1)
	testutil.AssertEqual(t, turns[0].State, TurnFailed)
	if turns[0].Failure == "" {
		t.Fatal("expected failure message on the turn")
	}
}

func TestEngineMidStreamErrorKeepsPartialText(t *testing.T) {
	client := mock.New().WithStream(
		providers.TextDelta("partial"),
		providers.ErrorEvent(fmt.Errorf("%w: model crashed", providers.ErrTransport)),
	)
	e := newTestEngine(t, Config{PromptClient: client, HistoryClient: mock.NewHistory()})

	_, err := e.Send(testutil.NewTestContext(), "question", "")
	testutil.AssertNoError(t, err)

	testutil.Eventually(t, time.Second, func() bool {
		snap := e.store.Snapshot()
		return snap != nil && snap.State == TurnFailed && snap.Text() == "partial"
	})
}

func TestEngineSecondSendSupersedesFirst(t *testing.T) {
	client := mock.New().
		WithHeldStream(providers.TextDelta("one")).
		WithStream(providers.TextDelta("two"), providers.Done())
	e := newTestEngine(t, Config{PromptClient: client, HistoryClient: mock.NewHistory()})

	first, err := e.Send(testutil.NewTestContext(), "first", "")
	testutil.AssertNoError(t, err)
	testutil.Eventually(t, time.Second, func() bool {
		snap := e.store.Snapshot()
		return snap != nil && snap.Text() == "one"
	})

	second, err := e.Send(testutil.NewTestContext(), "second", "")
	testutil.AssertNoError(t, err)
	if first == second {
		t.Fatal("expected a fresh turn id")
	}

	testutil.Eventually(t, time.Second, func() bool {
		snap := e.store.Snapshot()
		return snap == nil || snap.ID != first
	})
}

func TestEngineSessionAssignedMidStream(t *testing.T) {
	client := mock.New().WithStream(
		providers.SessionCreated("sess-9"),
		providers.TextDelta("ok"),
		providers.Done(),
	)
	e := newTestEngine(t, Config{PromptClient: client, HistoryClient: mock.NewHistory()})

	_, err := e.Send(testutil.NewTestContext(), "question", "")
	testutil.AssertNoError(t, err)

	testutil.Eventually(t, time.Second, func() bool {
		return e.SessionID() == "sess-9"
	})
}

func TestEngineImageStreaming(t *testing.T) {
	client := mock.New().WithStream(
		providers.ImagePartialEvent([]byte{0xFF, 0xD8}),
		providers.ImageCompleteEvent("https://img.example/out.png"),
		providers.Done(),
	)
	e := newTestEngine(t, Config{PromptClient: client, HistoryClient: mock.NewHistory()})

	_, err := e.Send(testutil.NewTestContext(), "draw", "")
	testutil.AssertNoError(t, err)

	testutil.Eventually(t, time.Second, func() bool {
		snap := e.store.Snapshot()
		return snap != nil &&
			snap.ImageURL == "https://img.example/out.png" &&
			len(snap.ImagePartial) == 0
	})
}

func TestConfigValidate(t *testing.T) {
	client := mock.New()
	history := mock.NewHistory()

	_, err := New(Config{PromptClient: client, HistoryClient: history})
	testutil.AssertErrorIs(t, err, ErrMissingUserID)

	_, err = New(Config{UserID: "u1", HistoryClient: history})
	testutil.AssertErrorIs(t, err, ErrMissingPromptClient)

	_, err = New(Config{UserID: "u1", PromptClient: client})
	testutil.AssertErrorIs(t, err, ErrMissingHistoryClient)
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t, Config{PromptClient: mock.New(), HistoryClient: mock.NewHistory()})

	testutil.AssertNoError(t, e.Close())
	testutil.AssertNoError(t, e.Close())

	_, err := e.SendParts(testutil.NewTestContext(), nil)
	testutil.AssertErrorIs(t, err, ErrEngineClosed)
}

func TestEngineCloseDuringSendBursts(t *testing.T) {
	client := mock.New()
	for i := 0; i < 64; i++ {
		client.WithHeldStream(providers.TextDelta("chunk"))
	}
	e := newTestEngine(t, Config{PromptClient: client, HistoryClient: mock.NewHistory()})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := e.SendParts(testutil.NewTestContext(), nil); errors.Is(err, ErrEngineClosed) {
				return
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	testutil.AssertNoError(t, e.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not observe engine close")
	}

	_, err := e.SendParts(testutil.NewTestContext(), nil)
	testutil.AssertErrorIs(t, err, ErrEngineClosed)
}

func TestEngineEmitsSendSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(testutil.NewTestContext())

	client := mock.New().WithStream(providers.TextDelta("ok"), providers.Done())
	e := newTestEngine(t, Config{
		PromptClient:  client,
		HistoryClient: mock.NewHistory(),
		Tracer:        tp.Tracer("test"),
	})

	_, err := e.Send(testutil.NewTestContext(), "question", "")
	testutil.AssertNoError(t, err)

	testutil.Eventually(t, time.Second, func() bool {
		for _, span := range recorder.Ended() {
			if span.Name() == "chatsync.send" {
				return true
			}
		}
		return false
	})
}
