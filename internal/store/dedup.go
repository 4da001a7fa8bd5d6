package store

// Index remembers which server messages have been applied and which optimistic
// entries are still waiting for their acknowledgement.
type Index struct {
	processed map[string]struct{}
	inflight  map[string]int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		processed: make(map[string]struct{}),
		inflight:  make(map[string]int),
	}
}

// Seen reports whether a server id has already been applied.
func (x *Index) Seen(id string) bool {
	_, ok := x.processed[id]
	return ok
}

// MarkApplied records a server id. It never removes anything.
func (x *Index) MarkApplied(id string) {
	if id == "" {
		return
	}
	x.processed[id] = struct{}{}
}

// Track registers an optimistic entry at position pos under its correlation id.
func (x *Index) Track(correlationID string, pos int) {
	x.inflight[correlationID] = pos
}

// Pending returns the position of the in-flight entry for correlationID.
func (x *Index) Pending(correlationID string) (int, bool) {
	if correlationID == "" {
		return 0, false
	}
	pos, ok := x.inflight[correlationID]
	return pos, ok
}

// shiftAfter moves every in-flight position greater than pos down by one.
func (x *Index) shiftAfter(pos int) {
	for corr, p := range x.inflight {
		if p > pos {
			x.inflight[corr] = p - 1
		}
	}
}

// Release forgets an in-flight correlation id.
func (x *Index) Release(correlationID string) {
	delete(x.inflight, correlationID)
}

// Len returns the number of applied server ids.
func (x *Index) Len() int {
	return len(x.processed)
}

// InFlight returns the number of optimistic entries awaiting acknowledgement.
func (x *Index) InFlight() int {
	return len(x.inflight)
}
