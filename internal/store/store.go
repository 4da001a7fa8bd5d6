// Package store keeps the ordered message log of the active conversation and
// merges optimistic sends with server-confirmed messages.
package store

import (
	"time"

	"github.com/google/uuid"

	"storefront-chat/internal/models"
)

// Outcome describes what Apply did with an inbound message.
type Outcome int

const (
	// Appended means the message was new and added at the end of the log.
	Appended Outcome = iota
	// Reconciled means the message replaced its optimistic entry in place.
	Reconciled
	// Duplicate means the server id was already applied; nothing changed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Store is the message log of one conversation. It is not safe for concurrent
// use; the owning session serializes access.
type Store struct {
	messages []models.Message
	index    *Index
	now      func() time.Time
	newID    func() string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		index: NewIndex(),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Load replaces the whole log with an authoritative snapshot and reseeds the
// index from it. Repeated ids inside the snapshot keep their first occurrence.
func (s *Store) Load(snapshot []models.Message) {
	s.index = NewIndex()
	s.messages = make([]models.Message, 0, len(snapshot))
	for _, msg := range snapshot {
		if msg.ID == "" || s.index.Seen(msg.ID) {
			continue
		}
		msg.DeliveryStatus = models.StatusDelivered
		msg.CorrelationID = ""
		s.index.MarkApplied(msg.ID)
		s.messages = append(s.messages, msg)
	}
}

// AppendOptimistic appends a local send that is visible before any network round
// trip. The returned message carries the generated correlation id.
func (s *Store) AppendOptimistic(draft models.Message) models.Message {
	draft.ID = ""
	draft.CorrelationID = s.newID()
	draft.DeliveryStatus = models.StatusPending
	draft.SentAt = s.now()
	draft.IsRead = false
	if draft.Kind == "" {
		draft.Kind = models.KindText
	}
	s.index.Track(draft.CorrelationID, len(s.messages))
	s.messages = append(s.messages, draft)
	return draft
}

// Apply ingests a server message. Reconciliation against a pending optimistic
// entry is checked before the duplicate lookup so that the acknowledgement of
// our own send is never mistaken for a redelivery.
func (s *Store) Apply(msg models.Message) (Outcome, int) {
	if pos, ok := s.index.Pending(msg.CorrelationID); ok {
		local := s.messages[pos]
		msg.DeliveryStatus = models.StatusDelivered
		msg.IsRead = msg.IsRead || local.IsRead
		if s.index.Seen(msg.ID) {
			// An uncorrelated copy was appended earlier; fold it into the
			// optimistic slot so the id stays unique.
			if dup := s.find(msg.ID); dup >= 0 {
				msg.IsRead = msg.IsRead || s.messages[dup].IsRead
				s.remove(dup)
				if dup < pos {
					pos--
				}
			}
		}
		s.messages[pos] = msg
		s.index.Release(msg.CorrelationID)
		s.index.MarkApplied(msg.ID)
		return Reconciled, pos
	}
	if s.index.Seen(msg.ID) {
		return Duplicate, -1
	}
	msg.DeliveryStatus = models.StatusDelivered
	s.index.MarkApplied(msg.ID)
	s.messages = append(s.messages, msg)
	return Appended, len(s.messages) - 1
}

func (s *Store) find(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// remove deletes the entry at pos and moves later in-flight positions down.
func (s *Store) remove(pos int) {
	s.messages = append(s.messages[:pos], s.messages[pos+1:]...)
	s.index.shiftAfter(pos)
}

// MarkFailed moves a pending optimistic entry to failed. It reports false when
// no pending entry exists for correlationID.
func (s *Store) MarkFailed(correlationID string) bool {
	pos, ok := s.index.Pending(correlationID)
	if !ok {
		return false
	}
	s.index.Release(correlationID)
	if s.messages[pos].DeliveryStatus != models.StatusPending {
		return false
	}
	s.messages[pos].DeliveryStatus = models.StatusFailed
	return true
}

// Update calls fn for every message in order and returns how many calls reported a change.
func (s *Store) Update(fn func(*models.Message) bool) int {
	changed := 0
	for i := range s.messages {
		if fn(&s.messages[i]) {
			changed++
		}
	}
	return changed
}

// At returns the message at position pos.
func (s *Store) At(pos int) (models.Message, bool) {
	if pos < 0 || pos >= len(s.messages) {
		return models.Message{}, false
	}
	return s.messages[pos], true
}

// Set overwrites the message at position pos.
func (s *Store) Set(pos int, msg models.Message) {
	if pos < 0 || pos >= len(s.messages) {
		return
	}
	s.messages[pos] = msg
}

// Snapshot returns a copy of the log in display order.
func (s *Store) Snapshot() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	return len(s.messages)
}

// Index exposes the deduplication index for inspection.
func (s *Store) Index() *Index {
	return s.index
}
