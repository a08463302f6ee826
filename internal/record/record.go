// Package record defines the canonical shape of a benchmark record as it
// moves between the document store and the relational store.
package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimestampPrecision is the resolution both stores keep for createdAt/updatedAt.
// Timestamps are truncated to it on every read and write so a round trip through
// either store compares equal.
const TimestampPrecision = time.Millisecond

// Stamp normalizes t to UTC at TimestampPrecision.
func Stamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// Now returns the current time stamped at TimestampPrecision.
func Now() time.Time {
	return Stamp(time.Now())
}

// NewCorrelationID generates a correlation identifier. It is called exactly once per
// logical record, in the origin store.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Record is a synchronizable unit. NativeID is meaningful only inside the store that
// returned the record; CorrelationID is what both stores share.
type Record struct {
	CorrelationID string          `json:"correlationId"`
	NativeID      string          `json:"nativeId,omitempty"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	IsDeleted     bool            `json:"isDeleted"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// CorrelationKey returns the correlation identifier.
func (r Record) CorrelationKey() string { return r.CorrelationID }

// LastModified returns updatedAt.
func (r Record) LastModified() time.Time { return r.UpdatedAt }

// SoftDeleted reports whether the record is marked deleted.
func (r Record) SoftDeleted() bool { return r.IsDeleted }

// Fingerprint hashes the payload with insignificant whitespace removed.
func (r Record) Fingerprint() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, r.Payload); err != nil {
		buf.Reset()
		buf.Write(r.Payload)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Normalize stamps both timestamps. NativeID is left untouched.
func (r Record) Normalize() Record {
	r.CreatedAt = Stamp(r.CreatedAt)
	r.UpdatedAt = Stamp(r.UpdatedAt)
	return r
}

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	if r.Payload != nil {
		r.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return r
}
