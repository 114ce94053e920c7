package collaboration

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/bus"
	"github.com/developer-mesh/collabcore/pkg/models"
)

var (
	// ErrSessionUnavailable is returned when a join is refused
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrStaleEvent marks an event older than the last one applied to its target
	ErrStaleEvent = errors.New("stale event")
	// ErrDuplicateEvent marks an event that was already delivered
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrConflictPending is returned for edits to a target with an open conflict
	ErrConflictPending = errors.New("conflict pending")
	// ErrTransportUnavailable is returned when the bus cannot be reached
	ErrTransportUnavailable = bus.ErrTransportUnavailable

	ErrSessionNotFound    = errors.New("session not found")
	ErrNotParticipant     = errors.New("user is not a participant of the session")
	ErrStrategyNotAllowed = errors.New("resolution strategy not allowed for field")
	ErrNoConflict         = errors.New("no pending conflict for field")
	ErrConflictDiscarded  = errors.New("conflict discarded without resolution")
	ErrNotJoined          = errors.New("client has not joined a session")
	ErrClosed             = errors.New("registry closed")
)

// SessionUnavailableError explains why a join was refused
type SessionUnavailableError struct {
	Doc    models.DocumentRef
	Reason string
	HeldBy string
}

func (e *SessionUnavailableError) Error() string {
	if e.HeldBy != "" {
		return fmt.Sprintf("session unavailable for %s: %s (held by %s)", e.Doc, e.Reason, e.HeldBy)
	}
	return fmt.Sprintf("session unavailable for %s: %s", e.Doc, e.Reason)
}

func (e *SessionUnavailableError) Unwrap() error {
	return ErrSessionUnavailable
}

// ConflictPendingError is returned when an edit hits a target that is
// waiting for a resolution decision
type ConflictPendingError struct {
	Target   models.FieldTarget
	Conflict *models.ConflictRecord
}

func (e *ConflictPendingError) Error() string {
	return fmt.Sprintf("field %s has a pending conflict", e.Target)
}

func (e *ConflictPendingError) Unwrap() error {
	return ErrConflictPending
}

// holder is implemented by gate errors that know who holds the document
type holder interface {
	Holder() string
}

func unavailable(doc models.DocumentRef, err error) error {
	var sue *SessionUnavailableError
	if errors.As(err, &sue) {
		return sue
	}
	out := &SessionUnavailableError{Doc: doc, Reason: err.Error()}
	var h holder
	if errors.As(err, &h) {
		out.HeldBy = h.Holder()
	}
	return out
}
