package chatsync

import (
	"errors"

	"github.com/markodavidovic/chatsync/providers"
)

// Configuration errors.
var (
	ErrMissingUserID       = errors.New("chatsync: user ID is required")
	ErrMissingPromptClient = errors.New("chatsync: prompt client is required")
	ErrEngineClosed        = errors.New("chatsync: engine is closed")
	ErrNoActiveTurn        = errors.New("chatsync: no active turn")
)

// Stream and transport errors, re-exported so callers can classify
// failures without importing the providers package.
var (
	ErrTransport   = providers.ErrTransport
	ErrStreamParse = providers.ErrStreamParse
	ErrAuth        = providers.ErrAuth
	ErrQuota       = providers.ErrQuota
	ErrCancelled   = providers.ErrCancelled
)
