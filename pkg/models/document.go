// Package models contains the data types shared by the collaboration
// registry, the client-side trackers, the bus codec, and the stores.
package models

import (
	"fmt"
	"strings"
)

const (
	topicPrefix    = "collaboration"
	cacheKeyPrefix = "collaboration_session"
)

// DocumentRef identifies a single document instance being edited
type DocumentRef struct {
	DocType string `json:"document_type" db:"doc_type" validate:"required"`
	DocID   string `json:"document_id" db:"doc_id" validate:"required"`
}

// NewDocumentRef builds a DocumentRef, trimming surrounding whitespace
func NewDocumentRef(docType, docID string) DocumentRef {
	return DocumentRef{
		DocType: strings.TrimSpace(docType),
		DocID:   strings.TrimSpace(docID),
	}
}

// Validate reports whether both halves of the reference are present
func (d DocumentRef) Validate() error {
	return validateStruct(d)
}

// Topic is the bus topic every participant of the document subscribes to
func (d DocumentRef) Topic() string {
	return fmt.Sprintf("%s:%s:%s", topicPrefix, d.DocType, d.DocID)
}

// CacheKey is the key under which the session snapshot is cached
func (d DocumentRef) CacheKey() string {
	return fmt.Sprintf("%s:%s:%s", cacheKeyPrefix, d.DocType, d.DocID)
}

func (d DocumentRef) String() string {
	return d.DocType + "/" + d.DocID
}

// FieldTarget is the editable unit: a field name plus an optional child row
type FieldTarget struct {
	Field string `json:"fieldname" db:"fieldname" validate:"notblank"`
	Row   string `json:"row_name,omitempty" db:"row_name"`
}

// Validate reports whether the target names a field
func (t FieldTarget) Validate() error {
	return validateStruct(t)
}

// IsTabular reports whether the target addresses a child-table row
func (t FieldTarget) IsTabular() bool {
	return t.Row != ""
}

func (t FieldTarget) String() string {
	if !t.IsTabular() {
		return t.Field
	}
	return t.Row + "." + t.Field
}

// FieldKind describes the value domain of a field and so which conflict
// strategies make sense for it.
type FieldKind string

const (
	FieldKindText     FieldKind = "text"
	FieldKindNumeric  FieldKind = "numeric"
	FieldKindCurrency FieldKind = "currency"
)

// Mergeable reports whether textual concatenation is a sensible resolution
func (k FieldKind) Mergeable() bool {
	switch k {
	case FieldKindNumeric, FieldKindCurrency:
		return false
	default:
		return true
	}
}
