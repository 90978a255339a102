// Package contracts defines the learning contract data model: the typed,
// scoped, revocable grant that governs what an agent may learn, store,
// generalize, recall, or export.
package contracts

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a contract.
type State string

const (
	StateDraft   State = "draft"
	StateReview  State = "review"
	StateActive  State = "active"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
	StateAmended State = "amended"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateReview, StateActive, StateExpired, StateRevoked, StateAmended:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateRevoked
}

// Type determines the mandatory structural constraints of a contract.
type Type string

const (
	TypeObservation Type = "observation"
	TypeEpisodic    Type = "episodic"
	TypeProcedural  Type = "procedural"
	TypeStrategic   Type = "strategic"
	TypeProhibited  Type = "prohibited"
)

// Valid reports whether t is a known contract type.
func (t Type) Valid() bool {
	switch t {
	case TypeObservation, TypeEpisodic, TypeProcedural, TypeStrategic, TypeProhibited:
		return true
	}
	return false
}

// AbstractionLevel is how generalized a learned artifact is.
// Levels are totally ordered: RAW < PATTERN < HEURISTIC < STRATEGY.
type AbstractionLevel string

const (
	AbstractionRaw       AbstractionLevel = "raw"
	AbstractionPattern   AbstractionLevel = "pattern"
	AbstractionHeuristic AbstractionLevel = "heuristic"
	AbstractionStrategy  AbstractionLevel = "strategy"
)

var abstractionRank = map[AbstractionLevel]int{
	AbstractionRaw:       0,
	AbstractionPattern:   1,
	AbstractionHeuristic: 2,
	AbstractionStrategy:  3,
}

// Rank returns the ordinal of the level, or -1 if unknown.
func (a AbstractionLevel) Rank() int {
	if r, ok := abstractionRank[a]; ok {
		return r
	}
	return -1
}

// Valid reports whether a is a known abstraction level.
func (a AbstractionLevel) Valid() bool { return a.Rank() >= 0 }

// Exceeds reports whether a is strictly above limit.
func (a AbstractionLevel) Exceeds(limit AbstractionLevel) bool {
	return a.Rank() > limit.Rank()
}

// BoundaryMode is the externally supplied trust posture.
// Modes are totally ordered: RESTRICTED < NORMAL < TRUSTED < PRIVILEGED.
type BoundaryMode string

const (
	BoundaryRestricted BoundaryMode = "restricted"
	BoundaryNormal     BoundaryMode = "normal"
	BoundaryTrusted    BoundaryMode = "trusted"
	BoundaryPrivileged BoundaryMode = "privileged"
)

var boundaryRank = map[BoundaryMode]int{
	BoundaryRestricted: 0,
	BoundaryNormal:     1,
	BoundaryTrusted:    2,
	BoundaryPrivileged: 3,
}

// Rank returns the ordinal of the mode, or -1 if unknown.
func (b BoundaryMode) Rank() int {
	if r, ok := boundaryRank[b]; ok {
		return r
	}
	return -1
}

// Valid reports whether b is a known boundary mode.
func (b BoundaryMode) Valid() bool { return b.Rank() >= 0 }

// AtLeast reports whether b is at or above min. Unknown modes never satisfy.
func (b BoundaryMode) AtLeast(min BoundaryMode) bool {
	return b.Valid() && min.Valid() && b.Rank() >= min.Rank()
}

// MinClassification and MaxClassification bound the classification scale.
const (
	MinClassification = 0
	MaxClassification = 5
)

// Scope is the (domains, contexts, tools) triple a contract applies to.
// An empty set is a wildcard, except that the enforcement engine fails
// closed when all three are empty and the operation names a dimension.
type Scope struct {
	Domains        []string         `json:"domains"`
	Contexts       []string         `json:"contexts"`
	Tools          []string         `json:"tools"`
	MaxAbstraction AbstractionLevel `json:"max_abstraction"`
	Transferable   bool             `json:"transferable"`
}

// IsEmpty reports whether domains, contexts and tools are all empty.
func (s Scope) IsEmpty() bool {
	return len(s.Domains) == 0 && len(s.Contexts) == 0 && len(s.Tools) == 0
}

// GeneralizationRules govern whether stored memory may be abstracted.
// Conditions are advisory text and are not machine-checked.
type GeneralizationRules struct {
	Allowed    bool     `json:"allowed"`
	Conditions []string `json:"conditions"`
}

// RecallRules govern who may read memory back and under which boundary mode.
type RecallRules struct {
	RequiresOwner   bool         `json:"requires_owner"`
	BoundaryModeMin BoundaryMode `json:"boundary_mode_min"`
}

// LearningContract is the central entity. Only the lifecycle manager writes
// State; everything else treats a contract as a read-only snapshot.
type LearningContract struct {
	ContractID          string              `json:"contract_id"`
	CreatedAt           time.Time           `json:"created_at"`
	CreatedBy           string              `json:"created_by"`
	State               State               `json:"state"`
	ContractType        Type                `json:"contract_type"`
	Scope               Scope               `json:"scope"`
	MemoryPermissions   MemoryPermissions   `json:"memory_permissions"`
	GeneralizationRules GeneralizationRules `json:"generalization_rules"`
	RecallRules         RecallRules         `json:"recall_rules"`
	Expiration          *time.Time          `json:"expiration,omitempty"`
	Revocable           bool                `json:"revocable"`
	Metadata            map[string]any      `json:"metadata,omitempty"`
}

// Metadata keys linking an amendment draft to its predecessor.
const (
	MetaAmendedFrom     = "amended_from"
	MetaAmendmentReason = "amendment_reason"
)

// AmendedFrom returns the predecessor contract id, if any.
func (c *LearningContract) AmendedFrom() string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[MetaAmendedFrom].(string)
	return s
}

// String implements fmt.Stringer.
func (c *LearningContract) String() string {
	if c == nil {
		return "<nil contract>"
	}
	return fmt.Sprintf("%s[%s/%s owner=%s]", c.ContractID, c.ContractType, c.State, c.CreatedBy)
}

// Clone returns a deep copy. Callers never share mutable state with a
// repository or the lifecycle manager.
func (c *LearningContract) Clone() *LearningContract {
	if c == nil {
		return nil
	}
	out := *c
	out.Scope.Domains = cloneStrings(c.Scope.Domains)
	out.Scope.Contexts = cloneStrings(c.Scope.Contexts)
	out.Scope.Tools = cloneStrings(c.Scope.Tools)
	out.GeneralizationRules.Conditions = cloneStrings(c.GeneralizationRules.Conditions)
	if c.Expiration != nil {
		t := *c.Expiration
		out.Expiration = &t
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
