package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/developer-mesh/collabcore/pkg/models"
)

// SQLDocumentStore keeps field values as JSON text in document_fields
type SQLDocumentStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLDocumentStore creates a document store on db
func NewSQLDocumentStore(db *sqlx.DB) *SQLDocumentStore {
	return &SQLDocumentStore{db: db, now: time.Now}
}

// GetField returns the stored value of target, or nil if it was never set
func (s *SQLDocumentStore) GetField(ctx context.Context, doc models.DocumentRef, target models.FieldTarget) (interface{}, error) {
	query := s.db.Rebind(`
		SELECT value FROM document_fields
		WHERE doc_type = ? AND doc_id = ? AND fieldname = ? AND row_name = ?`)

	var raw string
	err := s.db.GetContext(ctx, &raw, query, doc.DocType, doc.DocID, target.Field, target.Row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s of %s", target, doc)
	}

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, errors.Wrapf(err, "decode %s of %s", target, doc)
	}
	return value, nil
}

// SetField stores value for target
func (s *SQLDocumentStore) SetField(ctx context.Context, doc models.DocumentRef, target models.FieldTarget, value interface{}) error {
	if err := target.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", target)
	}

	query := s.db.Rebind(`
		INSERT INTO document_fields (doc_type, doc_id, fieldname, row_name, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (doc_type, doc_id, fieldname, row_name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`)

	if _, err := s.db.ExecContext(ctx, query, doc.DocType, doc.DocID, target.Field, target.Row, string(raw), s.now().UTC()); err != nil {
		return errors.Wrapf(err, "set %s of %s", target, doc)
	}
	return nil
}

type fieldKey struct {
	doc    models.DocumentRef
	target models.FieldTarget
}

// MemoryDocumentStore keeps field values in memory. Values are stored as
// JSON so readers see the same types a SQL store would return.
type MemoryDocumentStore struct {
	mu     sync.RWMutex
	fields map[fieldKey][]byte
}

// NewMemoryDocumentStore creates an empty in-memory document store
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{fields: make(map[fieldKey][]byte)}
}

// GetField returns the stored value of target, or nil if it was never set
func (s *MemoryDocumentStore) GetField(ctx context.Context, doc models.DocumentRef, target models.FieldTarget) (interface{}, error) {
	s.mu.RLock()
	raw, ok := s.fields[fieldKey{doc: doc, target: target}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errors.Wrapf(err, "decode %s", target)
	}
	return value, nil
}

// SetField stores value for target
func (s *MemoryDocumentStore) SetField(ctx context.Context, doc models.DocumentRef, target models.FieldTarget, value interface{}) error {
	if err := target.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", target)
	}
	s.mu.Lock()
	s.fields[fieldKey{doc: doc, target: target}] = raw
	s.mu.Unlock()
	return nil
}
