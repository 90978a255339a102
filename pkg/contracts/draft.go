package contracts

import (
	"fmt"
	"sort"
	"time"
)

// DefaultClassificationCap applies to storing types unless overridden.
const DefaultClassificationCap = 3

// Draft is the caller-supplied part of a contract. The lifecycle manager
// assigns identity and state when it creates the contract.
type Draft struct {
	CreatedBy           string
	ContractType        Type
	Scope               Scope
	MemoryPermissions   MemoryPermissions
	GeneralizationRules GeneralizationRules
	RecallRules         RecallRules
	Expiration          *time.Time
	Revocable           bool
	Metadata            map[string]any
}

// Build materializes the draft as a DRAFT contract with the given identity.
// The draft's slices and maps are copied.
func (d Draft) Build(id string, createdAt time.Time) *LearningContract {
	c := &LearningContract{
		ContractID:          id,
		CreatedAt:           createdAt.UTC(),
		CreatedBy:           d.CreatedBy,
		State:               StateDraft,
		ContractType:        d.ContractType,
		Scope:               d.Scope,
		MemoryPermissions:   d.MemoryPermissions,
		GeneralizationRules: d.GeneralizationRules,
		RecallRules:         d.RecallRules,
		Expiration:          d.Expiration,
		Revocable:           d.Revocable,
		Metadata:            d.Metadata,
	}
	return c.Clone()
}

// ObservationDraft may watch but never store or generalize.
func ObservationDraft(owner string, scope Scope) Draft {
	return Draft{
		CreatedBy:    owner,
		ContractType: TypeObservation,
		Scope:        withAbstraction(scope, AbstractionRaw),
		MemoryPermissions: MemoryPermissions{
			MayStore:          false,
			ClassificationCap: 0,
			Retention:         SessionRetention(),
		},
		GeneralizationRules: GeneralizationRules{Allowed: false},
		RecallRules:         RecallRules{RequiresOwner: true, BoundaryModeMin: BoundaryNormal},
		Revocable:           true,
	}
}

// EpisodicDraft may store specific episodes without generalizing them.
func EpisodicDraft(owner string, scope Scope) Draft {
	return Draft{
		CreatedBy:    owner,
		ContractType: TypeEpisodic,
		Scope:        withAbstraction(scope, AbstractionRaw),
		MemoryPermissions: MemoryPermissions{
			MayStore:          true,
			ClassificationCap: DefaultClassificationCap,
			Retention:         PermanentRetention(),
		},
		GeneralizationRules: GeneralizationRules{Allowed: false},
		RecallRules:         RecallRules{RequiresOwner: true, BoundaryModeMin: BoundaryNormal},
		Revocable:           true,
	}
}

// ProceduralDraft may store and derive reusable heuristics.
func ProceduralDraft(owner string, scope Scope) Draft {
	return Draft{
		CreatedBy:    owner,
		ContractType: TypeProcedural,
		Scope:        withAbstraction(scope, AbstractionHeuristic),
		MemoryPermissions: MemoryPermissions{
			MayStore:          true,
			ClassificationCap: DefaultClassificationCap,
			Retention:         PermanentRetention(),
		},
		GeneralizationRules: GeneralizationRules{
			Allowed:    true,
			Conditions: []string{"Within specified domain only", "No cross-context application"},
		},
		RecallRules: RecallRules{RequiresOwner: true, BoundaryModeMin: BoundaryNormal},
		Revocable:   true,
	}
}

// StrategicDraft may learn long-horizon strategy; recall needs a trusted boundary.
func StrategicDraft(owner string, scope Scope) Draft {
	return Draft{
		CreatedBy:    owner,
		ContractType: TypeStrategic,
		Scope:        withAbstraction(scope, AbstractionStrategy),
		MemoryPermissions: MemoryPermissions{
			MayStore:          true,
			ClassificationCap: DefaultClassificationCap,
			Retention:         PermanentRetention(),
		},
		GeneralizationRules: GeneralizationRules{
			Allowed:    true,
			Conditions: []string{"Requires high-trust boundary mode"},
		},
		RecallRules: RecallRules{RequiresOwner: true, BoundaryModeMin: BoundaryTrusted},
		Revocable:   true,
	}
}

// ProhibitedDraft forbids learning in its scope. It can never be revoked.
func ProhibitedDraft(owner string, scope Scope) Draft {
	return Draft{
		CreatedBy:    owner,
		ContractType: TypeProhibited,
		Scope:        withAbstraction(scope, AbstractionRaw),
		MemoryPermissions: MemoryPermissions{
			MayStore:          false,
			ClassificationCap: 0,
			Retention:         SessionRetention(),
		},
		GeneralizationRules: GeneralizationRules{Allowed: false},
		RecallRules:         RecallRules{RequiresOwner: true, BoundaryModeMin: BoundaryRestricted},
		Revocable:           false,
	}
}

// NewDraft returns the factory defaults for t.
func NewDraft(t Type, owner string, scope Scope) (Draft, error) {
	switch t {
	case TypeObservation:
		return ObservationDraft(owner, scope), nil
	case TypeEpisodic:
		return EpisodicDraft(owner, scope), nil
	case TypeProcedural:
		return ProceduralDraft(owner, scope), nil
	case TypeStrategic:
		return StrategicDraft(owner, scope), nil
	case TypeProhibited:
		return ProhibitedDraft(owner, scope), nil
	default:
		return Draft{}, fmt.Errorf("unknown contract type %q", t)
	}
}

func withAbstraction(s Scope, def AbstractionLevel) Scope {
	if s.MaxAbstraction == "" {
		s.MaxAbstraction = def
	}
	return s
}

// Amendment is a set of changes applied to a copy of an active contract to
// seed its successor draft. Nil fields are left as they were.
type Amendment struct {
	Scope               *Scope
	MemoryPermissions   *MemoryPermissions
	GeneralizationRules *GeneralizationRules
	RecallRules         *RecallRules
	Expiration          *time.Time
	ClearExpiration     bool
	Metadata            map[string]any
}

// ApplyTo mutates c in place. A replacement scope without max_abstraction
// keeps the current level.
func (a Amendment) ApplyTo(c *LearningContract) {
	if a.Scope != nil {
		keep := c.Scope.MaxAbstraction
		c.Scope = *a.Scope
		if c.Scope.MaxAbstraction == "" {
			c.Scope.MaxAbstraction = keep
		}
		c.Scope.Domains = cloneStrings(a.Scope.Domains)
		c.Scope.Contexts = cloneStrings(a.Scope.Contexts)
		c.Scope.Tools = cloneStrings(a.Scope.Tools)
	}
	if a.MemoryPermissions != nil {
		c.MemoryPermissions = *a.MemoryPermissions
	}
	if a.GeneralizationRules != nil {
		c.GeneralizationRules = *a.GeneralizationRules
		c.GeneralizationRules.Conditions = cloneStrings(a.GeneralizationRules.Conditions)
	}
	if a.RecallRules != nil {
		c.RecallRules = *a.RecallRules
	}
	if a.ClearExpiration {
		c.Expiration = nil
	} else if a.Expiration != nil {
		t := a.Expiration.UTC()
		c.Expiration = &t
	}
	if len(a.Metadata) > 0 && c.Metadata == nil {
		c.Metadata = make(map[string]any, len(a.Metadata))
	}
	for k, v := range a.Metadata {
		c.Metadata[k] = v
	}
}

// Fields lists the names of the parts this amendment changes, sorted.
func (a Amendment) Fields() []string {
	var out []string
	if a.Scope != nil {
		out = append(out, "scope")
	}
	if a.MemoryPermissions != nil {
		out = append(out, "memory_permissions")
	}
	if a.GeneralizationRules != nil {
		out = append(out, "generalization_rules")
	}
	if a.RecallRules != nil {
		out = append(out, "recall_rules")
	}
	if a.ClearExpiration || a.Expiration != nil {
		out = append(out, "expiration")
	}
	if len(a.Metadata) > 0 {
		out = append(out, "metadata")
	}
	sort.Strings(out)
	return out
}
