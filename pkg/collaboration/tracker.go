package collaboration

import (
	"time"

	"github.com/google/uuid"

	"github.com/developer-mesh/collabcore/pkg/models"
)

// RemoteDecision is what the tracker did with an inbound change
type RemoteDecision int

const (
	// RemoteApplied means the value went straight into the local view
	RemoteApplied RemoteDecision = iota
	// RemoteMatched means a local pending edit already holds the same value
	RemoteMatched
	// RemoteConflict means a local pending edit holds a different value
	RemoteConflict
	// RemoteEcho means the event came from this user and was ignored
	RemoteEcho
)

func (d RemoteDecision) String() string {
	switch d {
	case RemoteApplied:
		return "applied"
	case RemoteMatched:
		return "matched"
	case RemoteConflict:
		return "conflict"
	case RemoteEcho:
		return "echo"
	default:
		return "unknown"
	}
}

type pendingEdit struct {
	value    interface{}
	revision uint64
	sentRev  uint64
}

// UnsavedEdit is a pending local value waiting to reach the document store
type UnsavedEdit struct {
	Target   models.FieldTarget
	Value    interface{}
	Revision uint64
}

// Tracker is one client's field change tracker: the local view of field
// values, the edits not yet saved to the document store, and the client's
// outbound sequence. The owning Client serializes all calls.
type Tracker struct {
	doc    models.DocumentRef
	user   models.UserInfo
	client string
	kinds  map[string]models.FieldKind
	now    func() time.Time

	seq      uint64
	view     map[models.FieldTarget]interface{}
	pending  map[models.FieldTarget]*pendingEdit
	lastSent map[models.FieldTarget]uint64
}

// NewTracker creates a tracker for user's client on doc. kinds maps field
// names to their kind; unlisted fields are text.
func NewTracker(doc models.DocumentRef, user models.UserInfo, clientID string, kinds map[string]models.FieldKind) *Tracker {
	return &Tracker{
		doc:      doc,
		user:     user,
		client:   clientID,
		kinds:    kinds,
		now:      time.Now,
		view:     make(map[models.FieldTarget]interface{}),
		pending:  make(map[models.FieldTarget]*pendingEdit),
		lastSent: make(map[models.FieldTarget]uint64),
	}
}

// Kind returns the field kind of target
func (t *Tracker) Kind(target models.FieldTarget) models.FieldKind {
	if k, ok := t.kinds[target.Field]; ok {
		return k
	}
	return models.FieldKindText
}

// Edit records a local edit. The value is visible locally at once and
// stays pending until it is saved or superseded by a resolution.
func (t *Tracker) Edit(target models.FieldTarget, value interface{}) {
	t.view[target] = value
	p, ok := t.pending[target]
	if !ok {
		p = &pendingEdit{}
		t.pending[target] = p
	}
	p.value = value
	p.revision++
}

// Outgoing builds the event for target's latest unsent edit. It returns
// false when there is nothing new to broadcast.
func (t *Tracker) Outgoing(target models.FieldTarget) (models.FieldChangeEvent, bool) {
	p, ok := t.pending[target]
	if !ok || p.sentRev == p.revision {
		return models.FieldChangeEvent{}, false
	}
	t.seq++
	p.sentRev = p.revision
	t.lastSent[target] = t.seq
	return models.FieldChangeEvent{
		Doc:         t.doc,
		FieldTarget: target,
		Value:       p.value,
		User:        t.user.ID,
		FullName:    t.user.FullName,
		ClientID:    t.client,
		Sequence:    t.seq,
		ChangeID:    uuid.NewString(),
		Timestamp:   t.now(),
	}, true
}

// Unsent lists targets whose latest edit has not been broadcast
func (t *Tracker) Unsent() []models.FieldTarget {
	var out []models.FieldTarget
	for target, p := range t.pending {
		if p.sentRev != p.revision {
			out = append(out, target)
		}
	}
	return out
}

// Receive decides what an inbound change from a peer means locally
func (t *Tracker) Receive(ev models.FieldChangeEvent) RemoteDecision {
	if ev.User == t.user.ID {
		return RemoteEcho
	}
	p, ok := t.pending[ev.FieldTarget]
	if !ok {
		t.view[ev.FieldTarget] = ev.Value
		return RemoteApplied
	}
	if models.ValuesEqual(p.value, ev.Value) {
		return RemoteMatched
	}
	return RemoteConflict
}

// Value returns the local view of target
func (t *Tracker) Value(target models.FieldTarget) (interface{}, bool) {
	v, ok := t.view[target]
	return v, ok
}

// Remember caches a value read from the document store unless the view
// already has one
func (t *Tracker) Remember(target models.FieldTarget, value interface{}) {
	if _, ok := t.view[target]; !ok {
		t.view[target] = value
	}
}

// Apply sets the local view without touching pending state
func (t *Tracker) Apply(target models.FieldTarget, value interface{}) {
	t.view[target] = value
}

// Pending returns the unsaved local value of target
func (t *Tracker) Pending(target models.FieldTarget) (interface{}, bool) {
	p, ok := t.pending[target]
	if !ok {
		return nil, false
	}
	return p.value, true
}

// HasUnsent reports whether target has an edit newer than its last broadcast
func (t *Tracker) HasUnsent(target models.FieldTarget) bool {
	p, ok := t.pending[target]
	return ok && p.sentRev != p.revision
}

// ClearPending forgets the unsaved edit on target
func (t *Tracker) ClearPending(target models.FieldTarget) {
	delete(t.pending, target)
}

// Unsaved lists the pending edits
func (t *Tracker) Unsaved() []UnsavedEdit {
	out := make([]UnsavedEdit, 0, len(t.pending))
	for target, p := range t.pending {
		out = append(out, UnsavedEdit{Target: target, Value: p.value, Revision: p.revision})
	}
	return out
}

// MarkSaved clears target's pending edit if it has not changed since
// revision was read
func (t *Tracker) MarkSaved(target models.FieldTarget, revision uint64) bool {
	p, ok := t.pending[target]
	if !ok || p.revision != revision {
		return false
	}
	delete(t.pending, target)
	return true
}

// LastSent returns the sequence of the last broadcast for target
func (t *Tracker) LastSent(target models.FieldTarget) uint64 {
	return t.lastSent[target]
}

// Sequence returns the last sequence number this client used
func (t *Tracker) Sequence() uint64 {
	return t.seq
}
