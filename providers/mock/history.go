package mock

import (
	"context"
	"sync"

	"github.com/markodavidovic/chatsync/providers"
)

// History implements providers.HistoryClient for testing. Pages are
// keyed by cursor and can be replaced mid-test to simulate the server
// persisting new turns between refetches.
type History struct {
	mu         sync.Mutex
	pages      map[string]providers.HistoryPage
	fetchCount int

	// BeforeFetch, when set, runs outside the lock before each page
	// lookup. Tests use it to control response ordering.
	BeforeFetch func(req providers.HistoryRequest)
}

// NewHistory creates an empty mock history.
func NewHistory() *History {
	return &History{pages: make(map[string]providers.HistoryPage)}
}

// SetPage installs or replaces the page served for a cursor. The empty
// cursor is the most recent page.
func (h *History) SetPage(cursor string, page providers.HistoryPage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages[cursor] = page
}

// FetchPage serves the configured page; unknown cursors yield an empty
// page rather than an error.
func (h *History) FetchPage(ctx context.Context, req providers.HistoryRequest) (*providers.HistoryPage, error) {
	if h.BeforeFetch != nil {
		h.BeforeFetch(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetchCount++

	page, ok := h.pages[req.Cursor]
	if !ok {
		return &providers.HistoryPage{}, nil
	}

	copied := providers.HistoryPage{
		Turns:      make([]providers.Memory, len(page.Turns)),
		NextCursor: page.NextCursor,
	}
	copy(copied.Turns, page.Turns)
	return &copied, nil
}

// FetchCount returns the number of FetchPage calls made.
func (h *History) FetchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetchCount
}
