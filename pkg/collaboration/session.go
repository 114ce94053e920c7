package collaboration

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/models"
)

// session is the registry's record of one document being edited.
// Lock order: Registry.mu, then mu, then histMu.
type session struct {
	id        string
	doc       models.DocumentRef
	createdAt time.Time

	lastActivity atomic.Int64

	// mu guards the roster; presence broadcasts are published while it is
	// held so roster payloads go out in mutation order
	mu           sync.Mutex
	participants []models.Participant
	destroyed    bool

	histMu   sync.Mutex
	changes  []models.FieldChangeEvent
	messages []models.ChatMessage
	// recorded outlives the history caps so evicted entries are not re-added
	recorded *Deduplicator

	recorder bus.Subscription
}

func (s *session) touch(now time.Time) {
	n := now.UnixNano()
	for {
		cur := s.lastActivity.Load()
		if cur >= n || s.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *session) lastActive() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *session) indexOf(userID string) int {
	for i, p := range s.participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *session) remove(i int) {
	s.participants = append(s.participants[:i], s.participants[i+1:]...)
}

func (s *session) roster() []models.Participant {
	return models.CloneParticipants(s.participants)
}

// recordChange appends ev to the history unless it was recorded before
func (s *session) recordChange(ev models.FieldChangeEvent, limit int) bool {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if s.recorded.Seen(changeKey(ev)) {
		return false
	}
	ev.Doc = s.doc
	s.changes = append(s.changes, ev)
	if limit > 0 && len(s.changes) > limit {
		s.changes = append([]models.FieldChangeEvent(nil), s.changes[len(s.changes)-limit:]...)
	}
	return true
}

func changeKey(ev models.FieldChangeEvent) string {
	if ev.ChangeID != "" {
		return "change#" + ev.ChangeID
	}
	return EventKey(ev.Origin(), ev.Sequence)
}

func (s *session) recordChat(msg models.ChatMessage, limit int) bool {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if s.recorded.Seen("chat#" + msg.ID) {
		return false
	}
	s.messages = append(s.messages, msg)
	if limit > 0 && len(s.messages) > limit {
		s.messages = append([]models.ChatMessage(nil), s.messages[len(s.messages)-limit:]...)
	}
	return true
}

func (s *session) snapshot() *models.SessionSnapshot {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return &models.SessionSnapshot{
		SessionID:    s.id,
		Doc:          s.doc,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActive(),
		Changes:      append([]models.FieldChangeEvent{}, s.changes...),
		Messages:     append([]models.ChatMessage{}, s.messages...),
	}
}

func (s *session) history(changes, messages int) ([]models.FieldChangeEvent, []models.ChatMessage) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	return tail(s.changes, changes), tail(s.messages, messages)
}

func tail[T any](in []T, n int) []T {
	if n > 0 && len(in) > n {
		in = in[len(in)-n:]
	}
	return append([]T{}, in...)
}
