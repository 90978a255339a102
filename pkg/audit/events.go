// Package audit implements the append-only, hash-chained audit trail for
// contract lifecycle transitions, enforcement decisions and override
// activity.
package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// EventType categorizes audit events.
type EventType string

const (
	EventContractCreated         EventType = "contract_created"
	EventContractReviewed        EventType = "contract_reviewed"
	EventContractReturnedToDraft EventType = "contract_returned_to_draft"
	EventContractActivated       EventType = "contract_activated"
	EventContractExpired         EventType = "contract_expired"
	EventContractRevoked         EventType = "contract_revoked"
	EventContractAmended         EventType = "contract_amended"

	EventEnforcementCheck     EventType = "enforcement_check"
	EventEnforcementViolation EventType = "enforcement_violation"

	EventMemoryCreated           EventType = "memory_created"
	EventMemoryRecalled          EventType = "memory_recalled"
	EventMemoryTombstoned        EventType = "memory_tombstoned"
	EventGeneralizationAttempted EventType = "generalization_attempted"
	EventExportAttempted         EventType = "export_attempted"

	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"

	EventOverrideTriggered EventType = "emergency_override_triggered"
	EventOverrideDisabled  EventType = "emergency_override_disabled"

	EventCustom EventType = "custom"
)

// Hook names one of the four enforcement checkpoints.
type Hook string

const (
	HookMemoryCreation Hook = "memory_creation"
	HookAbstraction    Hook = "abstraction"
	HookRecall         Hook = "recall"
	HookExport         Hook = "export"
)

// AuditEvent is one immutable record. Sequence, PreviousHash and EntryHash
// are assigned by the Logger on append.
type AuditEvent struct {
	EventID       string          `json:"event_id"`
	Sequence      uint64          `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	EventType     EventType       `json:"event_type"`
	ContractID    string          `json:"contract_id,omitempty"`
	Actor         string          `json:"actor"`
	PreviousState contracts.State `json:"previous_state,omitempty"`
	NewState      contracts.State `json:"new_state,omitempty"`
	Allowed       *bool           `json:"allowed,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Details       Details         `json:"details,omitempty"`
	PreviousHash  string          `json:"previous_hash"`
	EntryHash     string          `json:"entry_hash"`
}

// clone returns a copy sharing no mutable state with e.
func (e AuditEvent) clone() AuditEvent {
	out := e
	if e.Allowed != nil {
		v := *e.Allowed
		out.Allowed = &v
	}
	if e.Details != nil {
		out.Details = e.Details.clone()
	}
	return out
}

// UnmarshalJSON decodes the details payload into the shape registered for
// the event type.
func (e *AuditEvent) UnmarshalJSON(data []byte) error {
	type plain AuditEvent
	aux := struct {
		*plain
		Details json.RawMessage `json:"details,omitempty"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Details = nil
	if len(aux.Details) == 0 || string(aux.Details) == "null" {
		return nil
	}
	d, err := decodeDetails(e.EventType, aux.Details)
	if err != nil {
		return fmt.Errorf("audit: event %s: %w", e.EventID, err)
	}
	e.Details = d
	return nil
}

// Details is the event-specific payload. The set of implementations is
// closed; each event type maps to exactly one shape.
type Details interface {
	clone() Details
}

// LifecycleDetails accompany contract_* events.
type LifecycleDetails struct {
	ContractType  contracts.Type `json:"contract_type,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	AmendedFrom   string         `json:"amended_from,omitempty"`
	AmendedTo     string         `json:"amended_to,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
}

func (d LifecycleDetails) clone() Details {
	d.ChangedFields = append([]string(nil), d.ChangedFields...)
	d.Warnings = append([]string(nil), d.Warnings...)
	return d
}

// ContextSnapshot is the operation context captured at decision time.
type ContextSnapshot struct {
	ContractID        string                     `json:"contract_id"`
	ContractType      contracts.Type             `json:"contract_type,omitempty"`
	ContractState     contracts.State            `json:"contract_state,omitempty"`
	BoundaryMode      contracts.BoundaryMode     `json:"boundary_mode,omitempty"`
	Domain            string                     `json:"domain,omitempty"`
	Context           string                     `json:"context,omitempty"`
	Tool              string                     `json:"tool,omitempty"`
	AbstractionLevel  contracts.AbstractionLevel `json:"abstraction_level,omitempty"`
	IsTransfer        bool                       `json:"is_transfer,omitempty"`
	Requester         string                     `json:"requester,omitempty"`
	Classification    *int                       `json:"classification,omitempty"`
	TargetAbstraction contracts.AbstractionLevel `json:"target_abstraction,omitempty"`
}

func (s ContextSnapshot) clone() ContextSnapshot {
	if s.Classification != nil {
		v := *s.Classification
		s.Classification = &v
	}
	return s
}

// EnforcementDetails accompany enforcement_check events.
type EnforcementDetails struct {
	Hook    Hook            `json:"hook"`
	Context ContextSnapshot `json:"context"`
}

func (d EnforcementDetails) clone() Details {
	d.Context = d.Context.clone()
	return d
}

// ViolationDetails accompany enforcement_violation events and carry the full
// operation context of the denied call.
type ViolationDetails struct {
	Hook             Hook            `json:"hook"`
	ViolationDetails ContextSnapshot `json:"violation_details"`
}

func (d ViolationDetails) clone() Details {
	d.ViolationDetails = d.ViolationDetails.clone()
	return d
}

// OverrideDetails accompany emergency_override_* events.
type OverrideDetails struct {
	ActiveContracts   int        `json:"active_contracts,omitempty"`
	AutoDisableAt     *time.Time `json:"auto_disable_at,omitempty"`
	DurationMillis    int64      `json:"duration_ms,omitempty"`
	OperationsBlocked uint64     `json:"operations_blocked,omitempty"`
	AutoDisabled      bool       `json:"auto_disabled,omitempty"`
}

func (d OverrideDetails) clone() Details {
	if d.AutoDisableAt != nil {
		t := *d.AutoDisableAt
		d.AutoDisableAt = &t
	}
	return d
}

// MemoryDetails accompany memory, generalization and export events.
type MemoryDetails struct {
	MemoryID         string                     `json:"memory_id,omitempty"`
	Classification   *int                       `json:"classification,omitempty"`
	AbstractionLevel contracts.AbstractionLevel `json:"abstraction_level,omitempty"`
	Destination      string                     `json:"destination,omitempty"`
}

func (d MemoryDetails) clone() Details {
	if d.Classification != nil {
		v := *d.Classification
		d.Classification = &v
	}
	return d
}

// SessionDetails accompany session_* events.
type SessionDetails struct {
	SessionID string   `json:"session_id"`
	Contracts []string `json:"contracts,omitempty"`
}

func (d SessionDetails) clone() Details {
	d.Contracts = append([]string(nil), d.Contracts...)
	return d
}

// CustomDetails accompany custom events.
type CustomDetails struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (d CustomDetails) clone() Details {
	if d.Fields != nil {
		f := make(map[string]any, len(d.Fields))
		for k, v := range d.Fields {
			f[k] = v
		}
		d.Fields = f
	}
	return d
}

// detailsFor returns an empty payload of the shape registered for t.
func detailsFor(t EventType) (Details, bool) {
	switch t {
	case EventContractCreated, EventContractReviewed, EventContractReturnedToDraft,
		EventContractActivated, EventContractExpired, EventContractRevoked, EventContractAmended:
		return LifecycleDetails{}, true
	case EventEnforcementCheck:
		return EnforcementDetails{}, true
	case EventEnforcementViolation:
		return ViolationDetails{}, true
	case EventOverrideTriggered, EventOverrideDisabled:
		return OverrideDetails{}, true
	case EventMemoryCreated, EventMemoryRecalled, EventMemoryTombstoned,
		EventGeneralizationAttempted, EventExportAttempted:
		return MemoryDetails{}, true
	case EventSessionStarted, EventSessionEnded:
		return SessionDetails{}, true
	case EventCustom:
		return CustomDetails{}, true
	}
	return nil, false
}

// checkDetails rejects a payload whose shape does not belong to t.
func checkDetails(t EventType, d Details) error {
	want, ok := detailsFor(t)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if d == nil {
		return nil
	}
	if reflect.TypeOf(want) != reflect.TypeOf(d) {
		return fmt.Errorf("%w: %s does not carry %T", ErrDetailsMismatch, t, d)
	}
	return nil
}

func decodeDetails(t EventType, raw json.RawMessage) (Details, error) {
	switch t {
	case EventContractCreated, EventContractReviewed, EventContractReturnedToDraft,
		EventContractActivated, EventContractExpired, EventContractRevoked, EventContractAmended:
		var d LifecycleDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case EventEnforcementCheck:
		var d EnforcementDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case EventEnforcementViolation:
		var d ViolationDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case EventOverrideTriggered, EventOverrideDisabled:
		var d OverrideDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case EventMemoryCreated, EventMemoryRecalled, EventMemoryTombstoned,
		EventGeneralizationAttempted, EventExportAttempted:
		var d MemoryDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case EventSessionStarted, EventSessionEnded:
		var d SessionDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	case EventCustom:
		var d CustomDetails
		err := json.Unmarshal(raw, &d)
		return d, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
}
