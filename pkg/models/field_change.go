package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Origin identifies one client incarnation of a user. Sequence numbers are
// only comparable within the same origin.
type Origin struct {
	User   string `json:"user"`
	Client string `json:"client_id"`
}

func (o Origin) String() string {
	return o.User + "/" + o.Client
}

// FieldChangeEvent is an immutable record of one field mutation
type FieldChangeEvent struct {
	Doc DocumentRef `json:"-" validate:"-"`
	FieldTarget
	Value     interface{} `json:"value"`
	User      string      `json:"user" validate:"required"`
	FullName  string      `json:"full_name,omitempty"`
	ClientID  string      `json:"client_id"`
	Sequence  uint64      `json:"sequence" validate:"gt=0"`
	ChangeID  string      `json:"change_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// Origin returns the (user, client) stream the event belongs to
func (e FieldChangeEvent) Origin() Origin {
	return Origin{User: e.User, Client: e.ClientID}
}

// Validate checks the fields every receiver relies on
func (e FieldChangeEvent) Validate() error {
	return validateStruct(e)
}

// ValuesEqual compares two field values by their JSON encoding, so a locally
// typed int and a decoded float64 with the same numeric value are equal.
func ValuesEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return bytes.Equal(ab, bb)
}

// ValueText renders a field value for display and textual merging
func ValueText(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(val, &s); err == nil {
			return s
		}
		return string(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
