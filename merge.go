package chatsync

// Merge combines the optimistic slot with the durable turns into the
// single ordered list consumers render. The optimistic turn leads the
// list iff it exists, is still client-held, and its id does not already
// appear among the durable turns; a durable copy always wins the
// duplicate.
//
// Pure function: no hidden state.
func Merge(optimistic *ConversationTurn, durable []ConversationTurn) []ConversationTurn {
	if optimistic == nil || !optimistic.Optimistic() {
		return durable
	}
	for i := range durable {
		if durable[i].ID == optimistic.ID {
			return durable
		}
	}

	merged := make([]ConversationTurn, 0, len(durable)+1)
	merged = append(merged, *optimistic)
	return append(merged, durable...)
}
