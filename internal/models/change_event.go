package models

import (
	"bytes"
	"encoding/json"
)

// EventType is the kind of change carried by a ChangeEvent
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAny    EventType = "*"
)

// Record is one row pushed from or returned by the backend, keyed by column name
type Record map[string]interface{}

// ChangeEvent represents a single change pushed for a watched table
type ChangeEvent struct {
	Type      EventType `json:"type"` // INSERT, UPDATE, DELETE
	Schema    string    `json:"schema"`
	Table     string    `json:"table"`
	Timestamp int64     `json:"timestamp"`
	Record    Record    `json:"record,omitempty"`     // new row data (INSERT, UPDATE)
	OldRecord Record    `json:"old_record,omitempty"` // previous row data (UPDATE, DELETE)
}

// Canonical returns the record serialized with deterministic key order.
// encoding/json sorts map keys, so equal records serialize identically.
func (r Record) Canonical() ([]byte, error) {
	return json.Marshal(r)
}

// Clone returns a shallow copy of the record
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// RecordsEqual reports whether two records have identical serialized forms.
// Records that fail to serialize never compare equal.
func RecordsEqual(a, b Record) bool {
	if len(a) != len(b) {
		return false
	}
	ab, err := a.Canonical()
	if err != nil {
		return false
	}
	bb, err := b.Canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
