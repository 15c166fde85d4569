package models

import (
	"encoding/json"
	"time"
)

// PayloadKind tags the shape of a context record payload.
type PayloadKind string

const (
	// PayloadStructured means the payload is a JSON object whose top-level
	// fields can be compared and merged mechanically.
	PayloadStructured PayloadKind = "structured"
	// PayloadOpaque means the payload is an uninterpreted byte blob
	// (rendered artifacts, binary output). Structural merge never applies.
	PayloadOpaque PayloadKind = "opaque"
)

// Valid returns true if the kind is a known value.
func (k PayloadKind) Valid() bool {
	return k == PayloadStructured || k == PayloadOpaque
}

// Payload is a tagged context record value.
type Payload struct {
	// Kind tags how Data should be interpreted.
	Kind PayloadKind `json:"kind"`
	// Data is the raw value. For PayloadStructured it is a JSON object.
	Data []byte `json:"data"`
}

// StructuredPayload wraps a JSON object as a structured payload.
func StructuredPayload(data []byte) Payload {
	return Payload{Kind: PayloadStructured, Data: data}
}

// OpaquePayload wraps raw bytes as an opaque payload.
func OpaquePayload(data []byte) Payload {
	return Payload{Kind: PayloadOpaque, Data: data}
}

// Fields decodes a structured payload into its top-level fields.
// Returns false when the payload is opaque or not a JSON object.
func (p Payload) Fields() (map[string]json.RawMessage, bool) {
	if p.Kind != PayloadStructured {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.Data, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// ContextRecord is a named, versioned blob of shared state scoped to a project.
// Versions start at 1 on first write and increment exactly once per committed
// write.
type ContextRecord struct {
	// ProjectID scopes the record to its owning project.
	ProjectID string `json:"project_id"`
	// Key names the record (e.g. "requirements", "artifact:docs/plan.md").
	Key string `json:"key"`
	// Payload is the current committed value.
	Payload Payload `json:"payload"`
	// Version is the commit counter. Zero means the record does not exist yet.
	Version int64 `json:"version"`
	// LastWriter identifies the holder that committed the current version.
	LastWriter string `json:"last_writer"`
	// UpdatedAt is when the current version was committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Lock is an exclusive, time-bounded claim on one context record key.
// A lock whose expiry has elapsed is abandoned and may be reclaimed by any
// caller.
type Lock struct {
	// ProjectID scopes the lock to its owning project.
	ProjectID string `json:"project_id"`
	// Key is the context record key the lock covers.
	Key string `json:"key"`
	// Token is the opaque proof of ownership returned on acquisition.
	Token string `json:"token"`
	// Holder identifies who acquired the lock.
	Holder string `json:"holder"`
	// AcquiredAt is when the lock was granted.
	AcquiredAt time.Time `json:"acquired_at"`
	// ExpiresAt is when the lock becomes reclaimable.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired returns true if the lock is reclaimable at the given instant.
func (l Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ChangeEvent is published on every committed context record write.
// Events for a given key are delivered in version order.
type ChangeEvent struct {
	// ProjectID is the owning project.
	ProjectID string `json:"project_id"`
	// Key is the record that changed.
	Key string `json:"key"`
	// Version is the version the write committed.
	Version int64 `json:"version"`
	// Holder is the writer that committed it.
	Holder string `json:"holder"`
	// At is when the commit happened.
	At time.Time `json:"at"`
}
