package models

import (
	"time"
)

// ConflictOutcome is the state of a ConflictRecord
type ConflictOutcome string

const (
	OutcomePending      ConflictOutcome = "pending"
	OutcomeKeepLocal    ConflictOutcome = "keep-local"
	OutcomeAcceptRemote ConflictOutcome = "accept-remote"
	OutcomeMerged       ConflictOutcome = "merged"
	// OutcomeDiscarded closes a record without a decision, e.g. when either
	// party leaves the session.
	OutcomeDiscarded ConflictOutcome = "discarded"
)

// ResolutionStrategy is the user's choice for settling a conflict
type ResolutionStrategy string

const (
	StrategyKeepLocal    ResolutionStrategy = "keep-local"
	StrategyAcceptRemote ResolutionStrategy = "accept-remote"
	StrategyMerge        ResolutionStrategy = "merge"
)

// Outcome maps a strategy to the outcome it produces
func (s ResolutionStrategy) Outcome() ConflictOutcome {
	switch s {
	case StrategyKeepLocal:
		return OutcomeKeepLocal
	case StrategyAcceptRemote:
		return OutcomeAcceptRemote
	case StrategyMerge:
		return OutcomeMerged
	default:
		return OutcomePending
	}
}

// ConflictRecord is a detected disagreement between a local unsent value and
// a remote value for the same field target.
type ConflictRecord struct {
	ID             string          `json:"id"`
	Doc            DocumentRef     `json:"document"`
	Target         FieldTarget     `json:"target"`
	Kind           FieldKind       `json:"kind"`
	LocalValue     interface{}     `json:"local_value"`
	RemoteValue    interface{}     `json:"remote_value"`
	RemoteUser     string          `json:"remote_user"`
	RemoteFullName string          `json:"remote_full_name,omitempty"`
	RemoteClient   string          `json:"remote_client"`
	RemoteSequence uint64          `json:"remote_sequence"`
	DetectedAt     time.Time       `json:"detected_at"`
	Outcome        ConflictOutcome `json:"outcome"`
	ResolvedValue  interface{}     `json:"resolved_value,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// IsPending reports whether the record still awaits a decision
func (c *ConflictRecord) IsPending() bool {
	return c.Outcome == OutcomePending
}

// AllowedStrategies lists the strategies offered for the record's field kind
func (c *ConflictRecord) AllowedStrategies() []ResolutionStrategy {
	if c.Kind.Mergeable() {
		return []ResolutionStrategy{StrategyKeepLocal, StrategyAcceptRemote, StrategyMerge}
	}
	return []ResolutionStrategy{StrategyKeepLocal, StrategyAcceptRemote}
}

// Allows reports whether strategy is offered for this record
func (c *ConflictRecord) Allows(strategy ResolutionStrategy) bool {
	for _, s := range c.AllowedStrategies() {
		if s == strategy {
			return true
		}
	}
	return false
}

// RemoteOrigin returns the stream that produced the remote value
func (c *ConflictRecord) RemoteOrigin() Origin {
	return Origin{User: c.RemoteUser, Client: c.RemoteClient}
}

// Clone returns a copy safe to hand to UI callbacks
func (c *ConflictRecord) Clone() *ConflictRecord {
	out := *c
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}

// ResolutionNotice tells peers how a conflict was settled. The addressed
// remote client closes its own matching record instead of re-flagging it.
type ResolutionNotice struct {
	FieldTarget
	Resolution       ConflictOutcome `json:"resolution"`
	WinningValue     interface{}     `json:"winning_value"`
	ResolvedBy       string          `json:"resolved_by"`
	ResolverClient   string          `json:"resolver_client"`
	ResolverSequence uint64          `json:"resolver_sequence"`
	RemoteUser       string          `json:"remote_user"`
	RemoteClient     string          `json:"remote_client"`
	RemoteSequence   uint64          `json:"remote_sequence"`
	ResolvedAt       time.Time       `json:"resolved_at"`
}

// ResolverOrigin returns the stream of the client that resolved the conflict
func (n ResolutionNotice) ResolverOrigin() Origin {
	return Origin{User: n.ResolvedBy, Client: n.ResolverClient}
}

// AddressedTo reports whether the notice answers an event from origin
func (n ResolutionNotice) AddressedTo(origin Origin) bool {
	return n.RemoteUser == origin.User && n.RemoteClient == origin.Client
}
