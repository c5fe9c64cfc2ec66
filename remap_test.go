package chatsync

import (
	"testing"

	"github.com/markodavidovic/chatsync/internal/testutil"
)

func TestRemapRenamesSlotAndRecordsMapping(t *testing.T) {
	store := NewOptimisticTurnStore()
	remapper := NewRemapper(store)
	tempID := store.Begin("", nil)

	remapper.Remap(tempID, "mem-42")

	testutil.AssertEqual(t, store.Snapshot().ID, "mem-42")
	testutil.AssertEqual(t, remapper.RealID(tempID), "mem-42")
}

func TestRemapIsIdempotent(t *testing.T) {
	store := NewOptimisticTurnStore()
	remapper := NewRemapper(store)
	tempID := store.Begin("", nil)

	remapper.Remap(tempID, "mem-42")
	remapper.Remap(tempID, "mem-42")

	testutil.AssertEqual(t, store.Snapshot().ID, "mem-42")
}

func TestRemapAfterClearIsSafe(t *testing.T) {
	store := NewOptimisticTurnStore()
	remapper := NewRemapper(store)
	tempID := store.Begin("", nil)
	store.Clear()

	remapper.Remap(tempID, "mem-42")

	// Mapping still recorded so reconciliation can match either id.
	testutil.AssertEqual(t, remapper.RealID(tempID), "mem-42")
}

func TestRealIDFallsBackToInput(t *testing.T) {
	remapper := NewRemapper(NewOptimisticTurnStore())
	testutil.AssertEqual(t, remapper.RealID("never-mapped"), "never-mapped")
}

func TestRemapIgnoresDegenerateArguments(t *testing.T) {
	store := NewOptimisticTurnStore()
	remapper := NewRemapper(store)
	tempID := store.Begin("", nil)

	remapper.Remap(tempID, "")
	remapper.Remap("", "mem-1")
	remapper.Remap(tempID, tempID)

	testutil.AssertEqual(t, store.Snapshot().ID, tempID)
	testutil.AssertEqual(t, remapper.RealID(tempID), tempID)
}
