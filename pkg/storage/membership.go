package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/models"
)

// SQLMembershipStore persists session membership in
// collaboration_participants. A departed user keeps its row with left_at
// set until it joins again.
type SQLMembershipStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLMembershipStore creates a membership store on db
func NewSQLMembershipStore(db *sqlx.DB) *SQLMembershipStore {
	return &SQLMembershipStore{db: db, now: time.Now}
}

// RecordJoin upserts the participant and clears any earlier departure
func (s *SQLMembershipStore) RecordJoin(ctx context.Context, sessionID string, doc models.DocumentRef, p models.Participant) error {
	query := s.db.Rebind(`
		INSERT INTO collaboration_participants
			(doc_type, doc_id, user_id, session_id, full_name, image, joined_at, last_heartbeat, left_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (doc_type, doc_id, user_id) DO UPDATE SET
			session_id = excluded.session_id,
			full_name = excluded.full_name,
			image = excluded.image,
			joined_at = excluded.joined_at,
			last_heartbeat = excluded.last_heartbeat,
			left_at = NULL`)

	_, err := s.db.ExecContext(ctx, query,
		doc.DocType, doc.DocID, p.UserID, sessionID, p.FullName, p.Image, p.JoinedAt.UTC(), p.LastHeartbeat.UTC())
	if err != nil {
		return errors.Wrapf(err, "record join of %s on %s", p.UserID, doc)
	}
	return nil
}

// RecordLeave marks the user as departed. Unknown users are ignored.
func (s *SQLMembershipStore) RecordLeave(ctx context.Context, sessionID string, doc models.DocumentRef, userID string) error {
	query := s.db.Rebind(`
		UPDATE collaboration_participants
		SET left_at = ?
		WHERE doc_type = ? AND doc_id = ? AND user_id = ? AND left_at IS NULL`)

	if _, err := s.db.ExecContext(ctx, query, s.now().UTC(), doc.DocType, doc.DocID, userID); err != nil {
		return errors.Wrapf(err, "record leave of %s on %s", userID, doc)
	}
	return nil
}

// ListActive returns the participants that have not left, in join order
func (s *SQLMembershipStore) ListActive(ctx context.Context, doc models.DocumentRef) ([]models.Participant, error) {
	query := s.db.Rebind(`
		SELECT user_id, full_name, image, joined_at, last_heartbeat
		FROM collaboration_participants
		WHERE doc_type = ? AND doc_id = ? AND left_at IS NULL
		ORDER BY joined_at, user_id`)

	participants := []models.Participant{}
	if err := s.db.SelectContext(ctx, &participants, query, doc.DocType, doc.DocID); err != nil {
		return nil, errors.Wrapf(err, "list participants of %s", doc)
	}
	return participants, nil
}
