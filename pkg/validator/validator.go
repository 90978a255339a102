// Package validator performs structural and semantic validation of learning
// contracts and of proposed state transitions. It has no side effects.
package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// ErrInvalidContract is wrapped by every ValidationError.
var ErrInvalidContract = errors.New("contract validation failed")

// Result is the outcome of Validate. Errors make a contract unusable;
// warnings are advisory.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Err returns a *ValidationError when the result is invalid, else nil.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: append([]string(nil), r.Errors...)}
}

func (r *Result) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidationError lists every reason a contract was rejected.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidContract, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidContract }

// Validator checks contracts against the type table and field rules.
// Time-dependent rules use the injected clock.
type Validator struct {
	clock contracts.Clock
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock pins the validator's notion of now.
func WithClock(c contracts.Clock) Option {
	return func(v *Validator) {
		if c != nil {
			v.clock = c
		}
	}
}

// New creates a Validator using the wall clock unless overridden.
func New(opts ...Option) *Validator {
	v := &Validator{clock: contracts.SystemClock{}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs every check and collects all errors and warnings.
func (v *Validator) Validate(c *contracts.LearningContract) Result {
	var r Result
	if c == nil {
		r.fail("contract is nil")
		return r
	}

	if strings.TrimSpace(c.ContractID) == "" {
		r.fail("contract_id is required")
	}
	if strings.TrimSpace(c.CreatedBy) == "" {
		r.fail("created_by is required")
	}
	if c.CreatedAt.IsZero() {
		r.fail("created_at is required")
	}
	if !c.State.Valid() {
		r.fail("invalid state %q", c.State)
	}

	typeOK := c.ContractType.Valid()
	if !typeOK {
		r.fail("invalid contract_type %q", c.ContractType)
	}
	if !c.Scope.MaxAbstraction.Valid() {
		r.fail("invalid scope.max_abstraction %q", c.Scope.MaxAbstraction)
	}
	if !c.RecallRules.BoundaryModeMin.Valid() {
		r.fail("invalid recall_rules.boundary_mode_min %q", c.RecallRules.BoundaryModeMin)
	}

	v.checkScope(c.Scope, &r)
	v.checkMemoryPermissions(c.MemoryPermissions, &r)

	if c.Expiration != nil && !c.CreatedAt.IsZero() && c.Expiration.Before(c.CreatedAt) {
		r.fail("expiration %s is before created_at %s",
			c.Expiration.UTC().Format("2006-01-02T15:04:05Z07:00"),
			c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}

	if typeOK {
		checkTypeRules(c, &r)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (v *Validator) checkScope(s contracts.Scope, r *Result) {
	dims := []struct {
		name   string
		values []string
	}{
		{"domains", s.Domains},
		{"contexts", s.Contexts},
		{"tools", s.Tools},
	}
	for _, d := range dims {
		seen := make(map[string]bool, len(d.values))
		for i, val := range d.values {
			if strings.TrimSpace(val) == "" {
				r.fail("scope.%s[%d] must be a non-empty string", d.name, i)
				continue
			}
			if seen[val] {
				r.warn("scope.%s contains duplicate entry %q", d.name, val)
			}
			seen[val] = true
		}
	}
	if s.IsEmpty() {
		r.warn("scope has no domains, contexts or tools; operations naming any of them will be denied")
	}
}

func (v *Validator) checkMemoryPermissions(mp contracts.MemoryPermissions, r *Result) {
	if mp.ClassificationCap < contracts.MinClassification || mp.ClassificationCap > contracts.MaxClassification {
		r.fail("memory_permissions.classification_cap %d is outside %d-%d",
			mp.ClassificationCap, contracts.MinClassification, contracts.MaxClassification)
	}

	kind := mp.Retention.Kind()
	if !kind.Valid() {
		r.fail("invalid memory_permissions.retention %q", kind)
		return
	}
	if kind != contracts.RetentionTimebound {
		return
	}
	until, ok := mp.Retention.Until()
	if !ok {
		r.fail("memory_permissions.retention_until is required for timebound retention")
		return
	}
	if !until.After(v.clock.Now()) {
		r.fail("memory_permissions.retention_until %s is not in the future",
			until.Format("2006-01-02T15:04:05Z07:00"))
	}
}

func checkTypeRules(c *contracts.LearningContract, r *Result) {
	mayStore := c.MemoryPermissions.MayStore
	generalize := c.GeneralizationRules.Allowed

	switch c.ContractType {
	case contracts.TypeObservation:
		if mayStore {
			r.fail("observation contracts must not allow memory storage")
		}
		if generalize {
			r.fail("observation contracts must not allow generalization")
		}
	case contracts.TypeEpisodic:
		if generalize {
			r.fail("episodic contracts must not allow generalization")
		}
	case contracts.TypeProcedural:
		if generalize {
			switch c.Scope.MaxAbstraction {
			case contracts.AbstractionRaw:
				r.warn("procedural contract allows generalization but caps abstraction at raw")
			case contracts.AbstractionStrategy:
				r.warn("procedural contract allows generalization up to strategy; consider a strategic contract")
			}
		}
	case contracts.TypeStrategic:
		if !c.RecallRules.BoundaryModeMin.AtLeast(contracts.BoundaryTrusted) {
			r.fail("strategic contracts require boundary_mode_min of trusted or privileged, got %q",
				c.RecallRules.BoundaryModeMin)
		}
	case contracts.TypeProhibited:
		if mayStore {
			r.fail("prohibited contracts must not allow memory storage")
		}
		if generalize {
			r.fail("prohibited contracts must not allow generalization")
		}
		if c.Revocable {
			r.fail("prohibited contracts must not be revocable")
		}
	}

	if c.GeneralizationRules.Allowed && len(c.GeneralizationRules.Conditions) == 0 {
		r.warn("generalization is allowed without any stated conditions")
	}
}

var defaultValidator = New()

// Validate checks c with a wall-clock validator.
func Validate(c *contracts.LearningContract) Result {
	return defaultValidator.Validate(c)
}
