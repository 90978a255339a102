// Package enforcement evaluates the four memory hooks (creation,
// abstraction, recall, export) against a contract. Each hook runs its checks
// in a fixed order and the first failing check names the denial. Every call
// is recorded in the audit trail whatever the outcome.
package enforcement

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kase1111-hash/learning-contracts/pkg/audit"
	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
	"github.com/kase1111-hash/learning-contracts/pkg/observability"
)

// OperationContext describes one memory operation.
type OperationContext struct {
	Contract         *contracts.LearningContract
	BoundaryMode     contracts.BoundaryMode
	Domain           string
	Context          string
	Tool             string
	AbstractionLevel contracts.AbstractionLevel
	IsTransfer       bool
	Requester        string
}

func (oc OperationContext) contractID() string {
	if oc.Contract == nil {
		return ""
	}
	return oc.Contract.ContractID
}

// Result is a policy decision. A denial is a normal return, never an error.
type Result struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	ContractID string `json:"contract_id"`
}

// Status answers time-dependent questions about a contract.
// *lifecycle.Manager implements it.
type Status interface {
	IsExpired(c *contracts.LearningContract) bool
	IsEnforceable(c *contracts.LearningContract) bool
}

// Gate is consulted first by every hook. *override.Manager implements it.
type Gate interface {
	CheckOperation(ctx context.Context, operation, contractID string) (reason string, blocked bool)
}

// Recorder persists enforcement decisions. *audit.Logger implements it.
type Recorder interface {
	LogEnforcementCheck(ctx context.Context, hook audit.Hook, snap audit.ContextSnapshot, d audit.Decision) error
}

// Engine evaluates enforcement hooks. It never mutates a contract.
type Engine struct {
	status    Status
	recorder  Recorder
	gate      Gate
	telemetry *observability.Provider
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTelemetry records a span and a decision count per hook call.
func WithTelemetry(p *observability.Provider) Option {
	return func(e *Engine) { e.telemetry = p }
}

// New creates an Engine. gate may be nil when no emergency override is
// wired.
func New(status Status, recorder Recorder, gate Gate, opts ...Option) *Engine {
	e := &Engine{
		status:   status,
		recorder: recorder,
		gate:     gate,
		log:      slog.Default().With("component", "enforcement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// check is one step of a hook. It returns a denial reason, or "" to pass.
type check func() string

// CheckMemoryCreation decides whether memory of the given classification may
// be stored: override, enforceable, prohibited, may_store, classification
// cap, scope.
func (e *Engine) CheckMemoryCreation(ctx context.Context, oc OperationContext, classification int) Result {
	snap := snapshot(oc)
	snap.Classification = &classification
	c := oc.Contract

	return e.evaluate(ctx, audit.HookMemoryCreation, oc, snap,
		e.overrideCheck(ctx, "memory_creation", oc),
		e.enforceableCheck(c),
		func() string {
			if c.ContractType == contracts.TypeProhibited {
				return "prohibited contract forbids memory creation"
			}
			return ""
		},
		func() string {
			if !c.MemoryPermissions.MayStore {
				return "contract does not permit memory storage"
			}
			return ""
		},
		func() string {
			if classification < contracts.MinClassification || classification > contracts.MaxClassification {
				return fmt.Sprintf("classification %d is outside %d-%d",
					classification, contracts.MinClassification, contracts.MaxClassification)
			}
			if classification > c.MemoryPermissions.ClassificationCap {
				return fmt.Sprintf("classification %d exceeds cap %d",
					classification, c.MemoryPermissions.ClassificationCap)
			}
			return ""
		},
		scopeCheck(oc),
	)
}

// CheckAbstraction decides whether memory may be generalized to target:
// override, enforceable, prohibited, generalization allowed, max
// abstraction, scope.
func (e *Engine) CheckAbstraction(ctx context.Context, oc OperationContext, target contracts.AbstractionLevel) Result {
	snap := snapshot(oc)
	snap.TargetAbstraction = target
	c := oc.Contract

	return e.evaluate(ctx, audit.HookAbstraction, oc, snap,
		e.overrideCheck(ctx, "abstraction", oc),
		e.enforceableCheck(c),
		func() string {
			if c.ContractType == contracts.TypeProhibited {
				return "prohibited contract forbids generalization"
			}
			return ""
		},
		func() string {
			if !c.GeneralizationRules.Allowed {
				return "contract does not permit generalization"
			}
			return ""
		},
		func() string {
			if !target.Valid() {
				return fmt.Sprintf("unknown abstraction level %q", target)
			}
			if target.Exceeds(c.Scope.MaxAbstraction) {
				return fmt.Sprintf("abstraction %s exceeds maximum %s", target, c.Scope.MaxAbstraction)
			}
			return ""
		},
		scopeCheck(oc),
	)
}

// CheckRecall decides whether stored memory may be read back: override,
// frozen, tombstoned, owner, boundary mode, scope. Memory governed by a
// contract in any other state stays recallable.
func (e *Engine) CheckRecall(ctx context.Context, oc OperationContext) Result {
	c := oc.Contract

	return e.evaluate(ctx, audit.HookRecall, oc, snapshot(oc),
		e.overrideCheck(ctx, "recall", oc),
		func() string {
			if c == nil {
				return "no contract governs this operation"
			}
			if e.status.IsExpired(c) {
				return "contract expired: memory is frozen"
			}
			return ""
		},
		func() string {
			if c.State == contracts.StateRevoked {
				return "contract revoked: memory is tombstoned"
			}
			return ""
		},
		func() string {
			if !c.RecallRules.RequiresOwner {
				return ""
			}
			if oc.Requester == "" {
				return "recall requires the contract owner; no requester supplied"
			}
			if oc.Requester != c.CreatedBy {
				return fmt.Sprintf("requester %q is not the contract owner", oc.Requester)
			}
			return ""
		},
		func() string {
			if !oc.BoundaryMode.AtLeast(c.RecallRules.BoundaryModeMin) {
				return fmt.Sprintf("boundary mode %q is below required %s",
					oc.BoundaryMode, c.RecallRules.BoundaryModeMin)
			}
			return ""
		},
		scopeCheck(oc),
	)
}

// CheckExport decides whether memory may leave the agent: override,
// enforceable, transferable.
func (e *Engine) CheckExport(ctx context.Context, oc OperationContext) Result {
	c := oc.Contract

	return e.evaluate(ctx, audit.HookExport, oc, snapshot(oc),
		e.overrideCheck(ctx, "export", oc),
		e.enforceableCheck(c),
		func() string {
			if !c.Scope.Transferable {
				return "contract scope is not transferable"
			}
			return ""
		},
	)
}

func (e *Engine) overrideCheck(ctx context.Context, operation string, oc OperationContext) check {
	return func() string {
		if e.gate == nil {
			return ""
		}
		if reason, blocked := e.gate.CheckOperation(ctx, operation, oc.contractID()); blocked {
			return reason
		}
		return ""
	}
}

func (e *Engine) enforceableCheck(c *contracts.LearningContract) check {
	return func() string {
		switch {
		case c == nil:
			return "no contract governs this operation"
		case e.status.IsEnforceable(c):
			return ""
		case e.status.IsExpired(c):
			return "contract has expired"
		default:
			return fmt.Sprintf("contract is not active (state: %s)", c.State)
		}
	}
}

func scopeCheck(oc OperationContext) check {
	return func() string {
		if reason, ok := matchScope(oc.Contract.Scope, oc); !ok {
			return reason
		}
		return ""
	}
}

// evaluate runs checks in order, stopping at the first denial, and records
// the decision. A decision that cannot be recorded is turned into a denial.
func (e *Engine) evaluate(ctx context.Context, hook audit.Hook, oc OperationContext, snap audit.ContextSnapshot, checks ...check) Result {
	ctx, done := e.telemetry.TrackOperation(ctx, "lc.enforcement."+string(hook),
		attribute.String("lc.hook", string(hook)))

	res := Result{Allowed: true, ContractID: oc.contractID()}
	for _, chk := range checks {
		if reason := chk(); reason != "" {
			res.Allowed = false
			res.Reason = reason
			break
		}
	}

	err := e.recorder.LogEnforcementCheck(ctx, hook, snap, audit.Decision{
		Allowed:    res.Allowed,
		Reason:     res.Reason,
		ContractID: res.ContractID,
	})
	if err != nil {
		e.log.ErrorContext(ctx, "failed to record enforcement decision",
			"hook", hook, "contract_id", res.ContractID, "error", err)
		res = Result{
			Allowed:    false,
			Reason:     "enforcement decision could not be audited",
			ContractID: res.ContractID,
		}
	}

	if !res.Allowed {
		e.log.DebugContext(ctx, "enforcement denied",
			"hook", hook, "contract_id", res.ContractID, "reason", res.Reason)
	}
	e.telemetry.RecordDecision(ctx, string(hook), res.Allowed)
	done(err)
	return res
}

func snapshot(oc OperationContext) audit.ContextSnapshot {
	snap := audit.ContextSnapshot{
		ContractID:       oc.contractID(),
		BoundaryMode:     oc.BoundaryMode,
		Domain:           oc.Domain,
		Context:          oc.Context,
		Tool:             oc.Tool,
		AbstractionLevel: oc.AbstractionLevel,
		IsTransfer:       oc.IsTransfer,
		Requester:        oc.Requester,
	}
	if oc.Contract != nil {
		snap.ContractType = oc.Contract.ContractType
		snap.ContractState = oc.Contract.State
	}
	return snap
}
