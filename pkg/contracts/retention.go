package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// RetentionKind tags the Retention variant.
type RetentionKind string

const (
	RetentionSession   RetentionKind = "session"
	RetentionTimebound RetentionKind = "timebound"
	RetentionPermanent RetentionKind = "permanent"
)

// Valid reports whether k is a known retention kind.
func (k RetentionKind) Valid() bool {
	switch k {
	case RetentionSession, RetentionTimebound, RetentionPermanent:
		return true
	}
	return false
}

// Retention is a tagged variant: Session | Timebound{until} | Permanent.
// Build values with SessionRetention, TimeboundRetention or PermanentRetention.
// A deadline is only ever carried by the timebound variant.
type Retention struct {
	kind  RetentionKind
	until time.Time
}

// SessionRetention keeps memory for the current session only.
func SessionRetention() Retention { return Retention{kind: RetentionSession} }

// PermanentRetention keeps memory until the contract ends.
func PermanentRetention() Retention { return Retention{kind: RetentionPermanent} }

// TimeboundRetention keeps memory until the given deadline.
func TimeboundRetention(until time.Time) Retention {
	return Retention{kind: RetentionTimebound, until: until.UTC()}
}

// Kind returns the variant tag.
func (r Retention) Kind() RetentionKind { return r.kind }

// Until returns the deadline of a timebound retention. ok is false for the
// other variants and for a timebound value decoded without a deadline.
func (r Retention) Until() (until time.Time, ok bool) {
	if r.kind != RetentionTimebound || r.until.IsZero() {
		return time.Time{}, false
	}
	return r.until, true
}

// ElapsedAt reports whether a timebound deadline lies at or before now.
func (r Retention) ElapsedAt(now time.Time) bool {
	until, ok := r.Until()
	return ok && !until.After(now)
}

func (r Retention) String() string {
	if until, ok := r.Until(); ok {
		return fmt.Sprintf("%s(until %s)", r.kind, until.Format(time.RFC3339))
	}
	return string(r.kind)
}

// MemoryPermissions govern storage of memory under a contract.
type MemoryPermissions struct {
	MayStore          bool
	ClassificationCap int
	Retention         Retention
}

// memoryPermissionsRecord is the serialized shape: retention is flattened to
// a kind plus an optional ISO-8601 deadline.
type memoryPermissionsRecord struct {
	MayStore          bool          `json:"may_store" yaml:"may_store"`
	ClassificationCap int           `json:"classification_cap" yaml:"classification_cap"`
	Retention         RetentionKind `json:"retention" yaml:"retention"`
	RetentionUntil    *time.Time    `json:"retention_until,omitempty" yaml:"retention_until,omitempty"`
}

func (m MemoryPermissions) record() memoryPermissionsRecord {
	rec := memoryPermissionsRecord{
		MayStore:          m.MayStore,
		ClassificationCap: m.ClassificationCap,
		Retention:         m.Retention.kind,
	}
	if until, ok := m.Retention.Until(); ok {
		rec.RetentionUntil = &until
	}
	return rec
}

func (rec memoryPermissionsRecord) permissions() MemoryPermissions {
	m := MemoryPermissions{
		MayStore:          rec.MayStore,
		ClassificationCap: rec.ClassificationCap,
		Retention:         Retention{kind: rec.Retention},
	}
	if rec.Retention == RetentionTimebound && rec.RetentionUntil != nil {
		m.Retention.until = rec.RetentionUntil.UTC()
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (m MemoryPermissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.record())
}

// UnmarshalJSON implements json.Unmarshaler. A retention_until supplied for a
// non-timebound kind is dropped.
func (m *MemoryPermissions) UnmarshalJSON(data []byte) error {
	var rec memoryPermissionsRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*m = rec.permissions()
	return nil
}
