package chatsync

import "sync"

// Remapper applies the server-assigned durable identifier to the
// optimistic slot and remembers the mapping so reconciliation can
// match the durable copy under either id.
type Remapper struct {
	mu     sync.Mutex
	store  *OptimisticTurnStore
	byTemp map[string]string
}

// NewRemapper creates a remapper over the given store.
func NewRemapper(store *OptimisticTurnStore) *Remapper {
	return &Remapper{store: store, byTemp: make(map[string]string)}
}

// Remap renames tempID to realID. Idempotent: remapping the same pair
// twice, or remapping after the slot was cleared, is a safe no-op.
func (r *Remapper) Remap(tempID, realID string) {
	if tempID == "" || realID == "" || tempID == realID {
		return
	}

	r.mu.Lock()
	r.byTemp[tempID] = realID
	r.mu.Unlock()

	r.store.RemapID(tempID, realID)
}

// RealID returns the durable id recorded for a temporary id, or the
// input unchanged when no remap has happened.
func (r *Remapper) RealID(tempID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if real, ok := r.byTemp[tempID]; ok {
		return real
	}
	return tempID
}
