package models

import (
	"time"
)

// ChatMessage is one entry of a session's chat log
type ChatMessage struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	FullName  string    `json:"full_name"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSnapshot is the persisted state of a session. The roster is
// persisted separately through the membership store.
type SessionSnapshot struct {
	SessionID    string             `json:"session_id"`
	Doc          DocumentRef        `json:"document"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`
	Changes      []FieldChangeEvent `json:"change_history"`
	Messages     []ChatMessage      `json:"messages"`
}

// SessionStatus summarises a document's collaboration state
type SessionStatus struct {
	SessionID       string             `json:"session_id,omitempty"`
	Doc             DocumentRef        `json:"document"`
	ActiveUsers     []Participant      `json:"active_users"`
	RecentChanges   []FieldChangeEvent `json:"recent_changes"`
	Messages        []ChatMessage      `json:"messages"`
	IsCollaborative bool               `json:"is_collaborative"`
	LastActivity    time.Time          `json:"last_activity,omitempty"`
}

// JoinResult is returned to a participant that joined a session
type JoinResult struct {
	SessionID   string        `json:"session_id"`
	Doc         DocumentRef   `json:"document"`
	ActiveUsers []Participant `json:"active_users"`
}
