package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/markodavidovic/chatsync/internal/kvstore"
	"github.com/markodavidovic/chatsync/providers"
)

const defaultPageSize = 5

type cachedPage struct {
	turns      []providers.Memory
	nextCursor string
}

// PaginatedHistoryCache is a cursor-paginated read cache over the
// durable conversation log, newest first.
//
// Every request is keyed by (userID, cursor) and stamped with a
// monotonic sequence; a response replaces the cache for its key only
// if no later request for the same key already landed. Refetching is
// therefore idempotent and safe to run concurrently with pagination:
// later completions win, stale responses are dropped.
type PaginatedHistoryCache struct {
	client providers.HistoryClient
	userID string
	limit  int
	logger *slog.Logger
	pages  *kvstore.Store[cachedPage]

	mu         sync.Mutex
	cursors    []string // cursor chain in fetch order, starting at ""
	nextCursor string
	hasNext    bool
	fetched    bool
	seq        uint64
	applied    map[string]uint64
}

// NewPaginatedHistoryCache creates an empty cache for one user's log.
func NewPaginatedHistoryCache(client providers.HistoryClient, userID string, limit int, logger *slog.Logger) *PaginatedHistoryCache {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PaginatedHistoryCache{
		client:  client,
		userID:  userID,
		limit:   limit,
		logger:  logger,
		pages:   kvstore.New[cachedPage](kvstore.NoExpiration, 0),
		applied: make(map[string]uint64),
	}
}

// FetchNextPage loads the next older page. The first call loads the
// most recent page.
func (c *PaginatedHistoryCache) FetchNextPage(ctx context.Context) error {
	c.mu.Lock()
	cursor := ""
	if c.fetched {
		if !c.hasNext {
			c.mu.Unlock()
			return nil
		}
		cursor = c.nextCursor
	}
	c.mu.Unlock()

	return c.fetch(ctx, cursor)
}

// Refetch reloads the most recent page. Idempotent; concurrent calls
// resolve last-response-wins per key.
func (c *PaginatedHistoryCache) Refetch(ctx context.Context) error {
	return c.fetch(ctx, "")
}

func (c *PaginatedHistoryCache) fetch(ctx context.Context, cursor string) error {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	page, err := c.client.FetchPage(ctx, providers.HistoryRequest{
		UserID: c.userID,
		Limit:  c.limit,
		Cursor: cursor,
	})
	if err != nil {
		return fmt.Errorf("fetch history page: %w", err)
	}

	key := c.pageKey(cursor)

	c.mu.Lock()
	defer c.mu.Unlock()

	if seq < c.applied[key] {
		// A later request for this key already completed; applying
		// this response would overwrite fresher data.
		c.logger.Debug("dropping stale history response", "cursor", cursor)
		return nil
	}
	c.applied[key] = seq

	// Pages never expire on their own: the cursor chain owns their
	// lifetime, and an expired entry would silently hide durable turns
	// from the merged view.
	c.pages.Set(key, cachedPage{turns: page.Turns, nextCursor: page.NextCursor}, kvstore.NoExpiration)

	if !c.contains(cursor) {
		c.cursors = append(c.cursors, cursor)
	}
	if c.isTail(cursor) {
		c.nextCursor = page.NextCursor
		c.hasNext = page.NextCursor != ""
	}
	c.fetched = true
	return nil
}

// Turns assembles the cached pages into one newest-first list of
// durable turns.
func (c *PaginatedHistoryCache) Turns() []ConversationTurn {
	c.mu.Lock()
	cursors := append([]string(nil), c.cursors...)
	c.mu.Unlock()

	var turns []ConversationTurn
	for _, cursor := range cursors {
		page, ok := c.pages.Get(c.pageKey(cursor))
		if !ok {
			continue
		}
		for _, m := range page.turns {
			turns = append(turns, turnFromMemory(m))
		}
	}
	return turns
}

// ContainsID reports whether the durable log (as cached) holds a turn
// with the given id.
func (c *PaginatedHistoryCache) ContainsID(id string) bool {
	for _, turn := range c.Turns() {
		if turn.ID == id {
			return true
		}
	}
	return false
}

// HasNextPage reports whether an older page remains.
func (c *PaginatedHistoryCache) HasNextPage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasNext
}

func (c *PaginatedHistoryCache) pageKey(cursor string) string {
	return c.userID + "|" + cursor
}

func (c *PaginatedHistoryCache) contains(cursor string) bool {
	for _, existing := range c.cursors {
		if existing == cursor {
			return true
		}
	}
	return false
}

func (c *PaginatedHistoryCache) isTail(cursor string) bool {
	return len(c.cursors) > 0 && c.cursors[len(c.cursors)-1] == cursor
}
