package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentRef(t *testing.T) {
	doc := NewDocumentRef(" BOQ ", "BOQ-001")

	assert.NoError(t, doc.Validate())
	assert.Equal(t, "collaboration:BOQ:BOQ-001", doc.Topic())
	assert.Equal(t, "collaboration_session:BOQ:BOQ-001", doc.CacheKey())
	assert.EqualError(t, DocumentRef{DocType: "BOQ"}.Validate(), "document_id is required")
	assert.EqualError(t, DocumentRef{DocID: "1"}.Validate(), "document_type is required")
}

func TestFieldTarget(t *testing.T) {
	assert.Equal(t, "rate", FieldTarget{Field: "rate"}.String())
	assert.Equal(t, "r1.rate", FieldTarget{Field: "rate", Row: "r1"}.String())
	assert.True(t, FieldTarget{Field: "rate", Row: "r1"}.IsTabular())
	assert.False(t, FieldTarget{Field: "rate"}.IsTabular())
	assert.EqualError(t, FieldTarget{Row: "r1"}.Validate(), "fieldname is required")
	assert.EqualError(t, FieldTarget{Field: "  "}.Validate(), "fieldname is required", "blank names are rejected")
}

func TestFieldChangeEventValidate(t *testing.T) {
	ev := FieldChangeEvent{
		FieldTarget: FieldTarget{Field: "rate"},
		User:        "alice",
		ClientID:    "c1",
		Sequence:    1,
	}
	assert.NoError(t, ev.Validate(), "the document is filled in by the receiver")

	tests := []struct {
		name   string
		mutate func(*FieldChangeEvent)
		want   string
	}{
		{"no field", func(e *FieldChangeEvent) { e.Field = "" }, "fieldname is required"},
		{"no user", func(e *FieldChangeEvent) { e.User = "" }, "user is required"},
		{"zero sequence", func(e *FieldChangeEvent) { e.Sequence = 0 }, "sequence must be greater than 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := ev
			tt.mutate(&bad)
			assert.EqualError(t, bad.Validate(), tt.want)
		})
	}
}

func TestValuesEqual(t *testing.T) {
	var decoded interface{}
	require.NoError(t, json.Unmarshal([]byte(`5`), &decoded))

	assert.True(t, ValuesEqual(5, decoded), "int and decoded float64 of the same number")
	assert.True(t, ValuesEqual("abc", "abc"))
	assert.False(t, ValuesEqual("5", 5), "string and number differ")
	assert.False(t, ValuesEqual(5, 7))
	assert.True(t, ValuesEqual(nil, nil))
}

func TestValueText(t *testing.T) {
	assert.Equal(t, "", ValueText(nil))
	assert.Equal(t, "plain", ValueText("plain"))
	assert.Equal(t, "5", ValueText(5))
	assert.Equal(t, "1000000", ValueText(float64(1000000)))
	assert.Equal(t, "12.5", ValueText(12.5))
	assert.Equal(t, "quoted", ValueText(json.RawMessage(`"quoted"`)))
}

func TestConflictRecordStrategies(t *testing.T) {
	text := &ConflictRecord{Kind: FieldKindText, Outcome: OutcomePending}
	assert.True(t, text.IsPending())
	assert.Equal(t, []ResolutionStrategy{StrategyKeepLocal, StrategyAcceptRemote, StrategyMerge}, text.AllowedStrategies())

	for _, kind := range []FieldKind{FieldKindNumeric, FieldKindCurrency} {
		rec := &ConflictRecord{Kind: kind}
		assert.False(t, rec.Allows(StrategyMerge), kind)
		assert.True(t, rec.Allows(StrategyKeepLocal), kind)
		assert.True(t, rec.Allows(StrategyAcceptRemote), kind)
	}

	assert.Equal(t, OutcomeMerged, StrategyMerge.Outcome())
	assert.Equal(t, OutcomePending, ResolutionStrategy("bogus").Outcome())
}

func TestParticipantExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := NewParticipant(UserInfo{ID: "a", FullName: "Alice"}, now)

	assert.False(t, p.ExpiredAt(now.Add(89*time.Second), 90*time.Second))
	assert.True(t, p.ExpiredAt(now.Add(90*time.Second), 90*time.Second), "silent for exactly the ttl")
	assert.True(t, p.ExpiredAt(now.Add(91*time.Second), 90*time.Second))

	pos := 3
	p.CursorPosition = &pos
	clone := p.Clone()
	*clone.CursorPosition = 9
	assert.Equal(t, 3, *p.CursorPosition)
}

func TestFieldChangedWireShape(t *testing.T) {
	doc := NewDocumentRef("BOQ", "BOQ-001")
	msg := FieldChanged{Event: FieldChangeEvent{
		Doc:         doc,
		FieldTarget: FieldTarget{Field: "rate", Row: "r1"},
		Value:       120,
		User:        "alice",
		ClientID:    "c-1",
		Sequence:    4,
		ChangeID:    "chg",
	}}

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "field_changed", raw["event"])
	assert.Equal(t, "BOQ", raw["document_type"])
	assert.Equal(t, "BOQ-001", raw["document_id"])

	info, ok := raw["change_info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "rate", info["fieldname"])
	assert.Equal(t, "r1", info["row_name"])
	assert.Equal(t, float64(4), info["sequence"])

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	changed, ok := decoded.(FieldChanged)
	require.True(t, ok)
	assert.Equal(t, doc, changed.Event.Doc)
	assert.Equal(t, Origin{User: "alice", Client: "c-1"}, changed.Event.Origin())
	assert.True(t, ValuesEqual(120, changed.Event.Value))
}

func TestPresenceCarriesRoster(t *testing.T) {
	doc := NewDocumentRef("BOQ", "BOQ-001")
	now := time.Now().UTC().Truncate(time.Second)
	alice := NewParticipant(UserInfo{ID: "alice", FullName: "Alice"}, now)
	bob := NewParticipant(UserInfo{ID: "bob", FullName: "Bob"}, now)

	data, err := EncodeMessage(UserJoined{Doc: doc, User: bob, ActiveUsers: []Participant{alice, bob}})
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	joined, ok := decoded.(UserJoined)
	require.True(t, ok)
	assert.Equal(t, "bob", joined.User.UserID)
	require.Len(t, joined.ActiveUsers, 2)
	assert.Equal(t, "alice", joined.ActiveUsers[0].UserID)

	// an empty roster still serialises as an array
	data, err = EncodeMessage(UserLeft{Doc: doc, User: "bob"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"active_users":[]`)
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		target  error
	}{
		{"not json", `{`, ErrMalformedMessage},
		{"missing document", `{"event":"chat_message"}`, ErrMalformedMessage},
		{"unknown kind", `{"event":"typing","document_type":"BOQ","document_id":"1"}`, ErrUnknownMessageKind},
		{"zero sequence", `{"event":"field_changed","document_type":"BOQ","document_id":"1","change_info":{"fieldname":"rate","user":"a","sequence":0}}`, ErrMalformedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}

	_, err := EncodeMessage(nil)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}
