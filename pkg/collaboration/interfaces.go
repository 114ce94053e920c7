// Package collaboration implements the real-time collaborative editing core:
// the server-side session registry and presence broadcaster, and the
// per-user client that tracks field edits, detects conflicts and talks to
// peers over the message bus.
package collaboration

import (
	"context"

	"github.com/developer-mesh/collabcore/pkg/models"
	"github.com/developer-mesh/collabcore/pkg/observability"
)

// MembershipStore persists who is attached to which document
type MembershipStore interface {
	RecordJoin(ctx context.Context, sessionID string, doc models.DocumentRef, p models.Participant) error
	RecordLeave(ctx context.Context, sessionID string, doc models.DocumentRef, userID string) error
	ListActive(ctx context.Context, doc models.DocumentRef) ([]models.Participant, error)
}

// SnapshotStore caches session state between process restarts. Load
// returns nil and no error when nothing is stored.
type SnapshotStore interface {
	Load(ctx context.Context, doc models.DocumentRef) (*models.SessionSnapshot, error)
	Save(ctx context.Context, snapshot *models.SessionSnapshot) error
	Delete(ctx context.Context, doc models.DocumentRef) error
}

// DocumentStore owns canonical field values. GetField returns nil and no
// error for a field that has never been set.
type DocumentStore interface {
	GetField(ctx context.Context, doc models.DocumentRef, target models.FieldTarget) (interface{}, error)
	SetField(ctx context.Context, doc models.DocumentRef, target models.FieldTarget, value interface{}) error
}

// SessionService is the server-side surface a client talks to. *Registry
// implements it.
type SessionService interface {
	Join(ctx context.Context, doc models.DocumentRef, user models.UserInfo) (*models.JoinResult, error)
	Leave(ctx context.Context, sessionID, userID string) error
	Heartbeat(ctx context.Context, sessionID, userID string) error
	MoveCursor(ctx context.Context, sessionID, userID string, target models.FieldTarget, position int) error
	PostChat(ctx context.Context, sessionID, userID, text string) (*models.ChatMessage, error)
}

// ServiceConfig carries the observability dependencies shared by the
// collaboration components
type ServiceConfig struct {
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Tracer  observability.StartSpanFunc
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Logger == nil {
		c.Logger = observability.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewNoOpMetricsClient()
	}
	if c.Tracer == nil {
		c.Tracer = observability.NoopStartSpan
	}
	return c
}
