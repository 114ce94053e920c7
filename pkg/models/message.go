package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MessageKind tags a bus message
type MessageKind string

const (
	KindUserJoined       MessageKind = "user_joined"
	KindUserLeft         MessageKind = "user_left"
	KindFieldChanged     MessageKind = "field_changed"
	KindCursorMoved      MessageKind = "cursor_moved"
	KindChatMessage      MessageKind = "chat_message"
	KindConflictResolved MessageKind = "conflict_resolved"
)

// MessageKinds lists every kind of the closed union
var MessageKinds = []MessageKind{
	KindUserJoined,
	KindUserLeft,
	KindFieldChanged,
	KindCursorMoved,
	KindChatMessage,
	KindConflictResolved,
}

var (
	// ErrUnknownMessageKind is returned when decoding a kind outside the union
	ErrUnknownMessageKind = errors.New("unknown message kind")
	// ErrMalformedMessage is returned when a payload cannot be decoded
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is the closed union exchanged over the bus. Only the types in this
// file implement it.
type Message interface {
	Kind() MessageKind
	Document() DocumentRef
	isMessage()
}

// UserJoined announces a new participant together with the full roster
type UserJoined struct {
	Doc         DocumentRef
	User        Participant
	ActiveUsers []Participant
}

// UserLeft announces a departure together with the remaining roster
type UserLeft struct {
	Doc         DocumentRef
	User        string
	Reason      string
	ActiveUsers []Participant
}

// FieldChanged carries one FieldChangeEvent
type FieldChanged struct {
	Event FieldChangeEvent
}

// CursorMoved shares a participant's focus and caret position
type CursorMoved struct {
	Doc      DocumentRef
	User     string
	FullName string
	Target   FieldTarget
	Position int
}

// ChatPosted carries one chat message
type ChatPosted struct {
	Doc  DocumentRef
	Chat ChatMessage
}

// ConflictResolved carries a resolution notice
type ConflictResolved struct {
	Doc    DocumentRef
	Notice ResolutionNotice
}

func (UserJoined) Kind() MessageKind       { return KindUserJoined }
func (UserLeft) Kind() MessageKind         { return KindUserLeft }
func (FieldChanged) Kind() MessageKind     { return KindFieldChanged }
func (CursorMoved) Kind() MessageKind      { return KindCursorMoved }
func (ChatPosted) Kind() MessageKind       { return KindChatMessage }
func (ConflictResolved) Kind() MessageKind { return KindConflictResolved }

func (m UserJoined) Document() DocumentRef       { return m.Doc }
func (m UserLeft) Document() DocumentRef         { return m.Doc }
func (m FieldChanged) Document() DocumentRef     { return m.Event.Doc }
func (m CursorMoved) Document() DocumentRef      { return m.Doc }
func (m ChatPosted) Document() DocumentRef       { return m.Doc }
func (m ConflictResolved) Document() DocumentRef { return m.Doc }

func (UserJoined) isMessage()       {}
func (UserLeft) isMessage()         {}
func (FieldChanged) isMessage()     {}
func (CursorMoved) isMessage()      {}
func (ChatPosted) isMessage()       {}
func (ConflictResolved) isMessage() {}

// header is the part of the wire envelope shared by every kind
type header struct {
	Event        MessageKind `json:"event"`
	DocumentType string      `json:"document_type"`
	DocumentID   string      `json:"document_id"`
}

func newHeader(m Message) header {
	doc := m.Document()
	return header{Event: m.Kind(), DocumentType: doc.DocType, DocumentID: doc.DocID}
}

func (h header) doc() DocumentRef {
	return DocumentRef{DocType: h.DocumentType, DocID: h.DocumentID}
}

type presenceWire struct {
	header
	User        string        `json:"user,omitempty"`
	UserInfo    *Participant  `json:"user_info,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ActiveUsers []Participant `json:"active_users"`
}

type fieldChangedWire struct {
	header
	ChangeInfo FieldChangeEvent `json:"change_info"`
}

type cursorWire struct {
	header
	User     string `json:"user"`
	FullName string `json:"full_name,omitempty"`
	FieldTarget
	Position int `json:"position"`
}

type chatWire struct {
	header
	MessageInfo ChatMessage `json:"message_info"`
}

type resolvedWire struct {
	header
	Resolution ResolutionNotice `json:"resolution"`
}

// EncodeMessage serialises a Message into its JSON wire envelope
func EncodeMessage(m Message) ([]byte, error) {
	var wire interface{}

	switch msg := m.(type) {
	case UserJoined:
		user := msg.User
		wire = presenceWire{
			header:      newHeader(msg),
			User:        user.UserID,
			UserInfo:    &user,
			ActiveUsers: CloneParticipants(msg.ActiveUsers),
		}
	case UserLeft:
		wire = presenceWire{
			header:      newHeader(msg),
			User:        msg.User,
			Reason:      msg.Reason,
			ActiveUsers: CloneParticipants(msg.ActiveUsers),
		}
	case FieldChanged:
		wire = fieldChangedWire{header: newHeader(msg), ChangeInfo: msg.Event}
	case CursorMoved:
		wire = cursorWire{
			header:      newHeader(msg),
			User:        msg.User,
			FullName:    msg.FullName,
			FieldTarget: msg.Target,
			Position:    msg.Position,
		}
	case ChatPosted:
		wire = chatWire{header: newHeader(msg), MessageInfo: msg.Chat}
	case ConflictResolved:
		wire = resolvedWire{header: newHeader(msg), Resolution: msg.Notice}
	case nil:
		return nil, errors.Wrap(ErrMalformedMessage, "nil message")
	default:
		return nil, errors.Wrapf(ErrUnknownMessageKind, "%T", m)
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", m.Kind())
	}
	return data, nil
}

// DecodeMessage parses a JSON wire envelope into the matching Message variant
func DecodeMessage(data []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	doc := h.doc()
	if err := doc.Validate(); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}

	switch h.Event {
	case KindUserJoined, KindUserLeft:
		var w presenceWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%s: %v", h.Event, err)
		}
		if h.Event == KindUserLeft {
			return UserLeft{Doc: doc, User: w.User, Reason: w.Reason, ActiveUsers: CloneParticipants(w.ActiveUsers)}, nil
		}
		joined := UserJoined{Doc: doc, ActiveUsers: CloneParticipants(w.ActiveUsers)}
		if w.UserInfo != nil {
			joined.User = *w.UserInfo
		} else {
			joined.User = Participant{UserID: w.User}
		}
		return joined, nil

	case KindFieldChanged:
		var w fieldChangedWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%s: %v", h.Event, err)
		}
		w.ChangeInfo.Doc = doc
		if err := w.ChangeInfo.Validate(); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%s: %v", h.Event, err)
		}
		return FieldChanged{Event: w.ChangeInfo}, nil

	case KindCursorMoved:
		var w cursorWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%s: %v", h.Event, err)
		}
		return CursorMoved{Doc: doc, User: w.User, FullName: w.FullName, Target: w.FieldTarget, Position: w.Position}, nil

	case KindChatMessage:
		var w chatWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%s: %v", h.Event, err)
		}
		return ChatPosted{Doc: doc, Chat: w.MessageInfo}, nil

	case KindConflictResolved:
		var w resolvedWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, errors.Wrapf(ErrMalformedMessage, "%s: %v", h.Event, err)
		}
		return ConflictResolved{Doc: doc, Notice: w.Resolution}, nil

	default:
		return nil, errors.Wrapf(ErrUnknownMessageKind, "%q", h.Event)
	}
}
