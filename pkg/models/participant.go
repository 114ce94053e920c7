package models

import (
	"time"
)

// UserInfo is the identity a caller presents when joining a session
type UserInfo struct {
	ID       string `json:"user" db:"user_id"`
	FullName string `json:"full_name" db:"full_name"`
	Image    string `json:"image,omitempty" db:"image"`
}

// Participant is a user attached to a session
type Participant struct {
	UserID         string       `json:"user" db:"user_id"`
	FullName       string       `json:"full_name" db:"full_name"`
	Image          string       `json:"image,omitempty" db:"image"`
	JoinedAt       time.Time    `json:"joined_at" db:"joined_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
	Focus          *FieldTarget `json:"selected_field,omitempty" db:"-"`
	CursorPosition *int         `json:"cursor_position,omitempty" db:"-"`
}

// NewParticipant creates a participant that joined and heartbeated at now
func NewParticipant(user UserInfo, now time.Time) Participant {
	return Participant{
		UserID:        user.ID,
		FullName:      user.FullName,
		Image:         user.Image,
		JoinedAt:      now,
		LastHeartbeat: now,
	}
}

// Info returns the identity part of the participant
func (p Participant) Info() UserInfo {
	return UserInfo{ID: p.UserID, FullName: p.FullName, Image: p.Image}
}

// ExpiredAt reports whether the participant has been silent for at least ttl at now
func (p Participant) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.LastHeartbeat) >= ttl
}

// Clone returns a deep copy so callers cannot alias registry state
func (p Participant) Clone() Participant {
	out := p
	if p.Focus != nil {
		focus := *p.Focus
		out.Focus = &focus
	}
	if p.CursorPosition != nil {
		pos := *p.CursorPosition
		out.CursorPosition = &pos
	}
	return out
}

// CloneParticipants deep-copies a roster, returning an empty non-nil slice for nil input
func CloneParticipants(in []Participant) []Participant {
	out := make([]Participant, 0, len(in))
	for _, p := range in {
		out = append(out, p.Clone())
	}
	return out
}

// FieldLock reports another participant's current focus on a field
type FieldLock struct {
	FieldTarget
	User     string `json:"user"`
	FullName string `json:"full_name"`
	Position *int   `json:"cursor_position,omitempty"`
}
