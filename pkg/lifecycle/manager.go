// Package lifecycle owns contract state. It is the only writer of
// LearningContract.State: every transition is checked against the adjacency
// table, persisted through the repository and recorded in the audit trail.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kase1111-hash/learning-contracts/pkg/audit"
	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
	"github.com/kase1111-hash/learning-contracts/pkg/observability"
	"github.com/kase1111-hash/learning-contracts/pkg/store"
	"github.com/kase1111-hash/learning-contracts/pkg/validator"
)

var (
	ErrNotFound     = errors.New("lifecycle: contract not found")
	ErrNotRevocable = errors.New("lifecycle: contract is not revocable")

	// ErrInvalidTransition and ErrValidation are the validator's sentinels,
	// re-exported so callers can match on this package alone.
	ErrInvalidTransition = validator.ErrInvalidTransition
	ErrValidation        = validator.ErrInvalidContract
)

// Auditor records lifecycle events.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (audit.AuditEvent, error)
}

// Manager drives contracts through
//
//	DRAFT -> REVIEW -> ACTIVE -> EXPIRED | REVOKED | AMENDED
//
// with REVIEW -> DRAFT as the return path. Transitions on the same contract
// are serialized; transitions on different contracts run in parallel.
type Manager struct {
	repo      *store.Repository
	audit     Auditor
	validator *validator.Validator
	clock     contracts.Clock
	newID     func() string
	telemetry *observability.Provider
	log       *slog.Logger
	locks     *keyedLocks
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for creation times and expiry checks. It
// also drives the default validator.
func WithClock(c contracts.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithValidator replaces the default validator.
func WithValidator(v *validator.Validator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithIDGenerator replaces uuid-based contract ids.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) {
		if f != nil {
			m.newID = f
		}
	}
}

// WithTelemetry tracks each transition as an operation.
func WithTelemetry(p *observability.Provider) Option {
	return func(m *Manager) { m.telemetry = p }
}

// NewManager creates a Manager over repo, recording to auditor.
func NewManager(repo *store.Repository, auditor Auditor, opts ...Option) *Manager {
	m := &Manager{
		repo:  repo,
		audit: auditor,
		clock: contracts.SystemClock{},
		newID: uuid.NewString,
		log:   slog.Default().With("component", "lifecycle"),
		locks: newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.validator == nil {
		m.validator = validator.New(validator.WithClock(m.clock))
	}
	return m
}

// CreateDraft assigns identity to d, validates it and stores it in DRAFT.
// An invalid draft is rejected with a *validator.ValidationError.
func (m *Manager) CreateDraft(ctx context.Context, d contracts.Draft) (c *contracts.LearningContract, err error) {
	ctx, done := m.telemetry.TrackOperation(ctx, "lc.lifecycle.create_draft",
		attribute.String("lc.contract_type", string(d.ContractType)))
	defer func() { done(err) }()

	c = d.Build(m.newID(), m.clock.Now())
	res := m.validator.Validate(c)
	if !res.Valid {
		return nil, res.Err()
	}

	unlock := m.locks.lock(c.ContractID)
	defer unlock()

	if err := m.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("lifecycle: save draft: %w", err)
	}
	_, err = m.audit.Record(ctx, audit.Entry{
		EventType:  audit.EventContractCreated,
		ContractID: c.ContractID,
		Actor:      c.CreatedBy,
		NewState:   contracts.StateDraft,
		Details: audit.LifecycleDetails{
			ContractType: c.ContractType,
			Warnings:     res.Warnings,
		},
	})
	if err != nil {
		if _, derr := m.repo.Delete(ctx, c.ContractID); derr != nil {
			m.log.ErrorContext(ctx, "failed to roll back draft", "contract_id", c.ContractID, "error", derr)
		}
		return nil, fmt.Errorf("lifecycle: audit draft creation: %w", err)
	}

	for _, w := range res.Warnings {
		m.log.WarnContext(ctx, "contract created with warning", "contract_id", c.ContractID, "warning", w)
	}
	m.log.InfoContext(ctx, "contract drafted",
		"contract_id", c.ContractID, "type", c.ContractType, "owner", c.CreatedBy)
	return c.Clone(), nil
}

// SubmitForReview moves a draft into review. An amended contract returns to
// review only through the successor draft Amend creates, never under its
// own ID.
func (m *Manager) SubmitForReview(ctx context.Context, id, actor string) (*contracts.LearningContract, error) {
	return m.transition(ctx, transitionRequest{
		id:    id,
		actor: actor,
		to:    contracts.StateReview,
		event: audit.EventContractReviewed,
		check: func(c *contracts.LearningContract) error {
			if c.State != contracts.StateDraft {
				return fmt.Errorf("contract %s: %w: only a draft can be submitted for review (state: %s)",
					c.ContractID, ErrInvalidTransition, c.State)
			}
			return nil
		},
	})
}

// ReturnToDraft sends a contract under review back to its author.
func (m *Manager) ReturnToDraft(ctx context.Context, id, actor, reason string) (*contracts.LearningContract, error) {
	return m.transition(ctx, transitionRequest{
		id:     id,
		actor:  actor,
		to:     contracts.StateDraft,
		event:  audit.EventContractReturnedToDraft,
		reason: reason,
	})
}

// Activate moves a reviewed contract to ACTIVE. The contract is validated
// again and activation fails if it no longer passes.
func (m *Manager) Activate(ctx context.Context, id, actor string) (*contracts.LearningContract, error) {
	return m.transition(ctx, transitionRequest{
		id:    id,
		actor: actor,
		to:    contracts.StateActive,
		event: audit.EventContractActivated,
		check: func(c *contracts.LearningContract) error {
			return m.validator.Validate(c).Err()
		},
	})
}

// Expire ends an active contract. Memory it governed becomes frozen.
func (m *Manager) Expire(ctx context.Context, id, actor, reason string) (*contracts.LearningContract, error) {
	return m.transition(ctx, transitionRequest{
		id:     id,
		actor:  actor,
		to:     contracts.StateExpired,
		event:  audit.EventContractExpired,
		reason: reason,
	})
}

// Revoke withdraws an active contract. Memory it governed becomes
// tombstoned. Contracts marked non-revocable cannot be revoked.
func (m *Manager) Revoke(ctx context.Context, id, actor, reason string) (*contracts.LearningContract, error) {
	return m.transition(ctx, transitionRequest{
		id:     id,
		actor:  actor,
		to:     contracts.StateRevoked,
		event:  audit.EventContractRevoked,
		reason: reason,
		check: func(c *contracts.LearningContract) error {
			if !c.Revocable {
				return fmt.Errorf("%w: %s", ErrNotRevocable, c.ContractID)
			}
			return nil
		},
	})
}

type transitionRequest struct {
	id     string
	actor  string
	to     contracts.State
	event  audit.EventType
	reason string
	// check runs after the adjacency check and before anything is written.
	check func(*contracts.LearningContract) error
}

func (m *Manager) transition(ctx context.Context, req transitionRequest) (_ *contracts.LearningContract, err error) {
	ctx, done := m.telemetry.TrackOperation(ctx, "lc.lifecycle.transition",
		attribute.String("lc.target_state", string(req.to)))
	defer func() { done(err) }()

	unlock := m.locks.lock(req.id)
	defer unlock()

	c, err := m.load(ctx, req.id)
	if err != nil {
		return nil, err
	}
	from := c.State
	if err := validator.ValidateTransition(from, req.to).Err(); err != nil {
		return nil, fmt.Errorf("contract %s: %w", req.id, err)
	}
	if req.check != nil {
		if err := req.check(c); err != nil {
			return nil, err
		}
	}

	prev := c.Clone()
	c.State = req.to
	if err := m.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("lifecycle: save %s: %w", req.id, err)
	}

	_, err = m.audit.Record(ctx, audit.Entry{
		EventType:     req.event,
		ContractID:    c.ContractID,
		Actor:         req.actor,
		PreviousState: from,
		NewState:      req.to,
		Reason:        req.reason,
		Details:       audit.LifecycleDetails{ContractType: c.ContractType},
	})
	if err != nil {
		if rerr := m.repo.Save(ctx, prev); rerr != nil {
			m.log.ErrorContext(ctx, "failed to roll back transition",
				"contract_id", req.id, "error", rerr)
		}
		return nil, fmt.Errorf("lifecycle: audit %s: %w", req.event, err)
	}

	m.log.InfoContext(ctx, "contract transitioned",
		"contract_id", req.id, "from", from, "to", req.to, "actor", req.actor)
	return c.Clone(), nil
}

// Amend retires an active contract in favour of a successor. The original
// moves to AMENDED and keeps its identity; the successor is a new DRAFT
// seeded from the original with changes applied and linked back through
// metadata. The successor is validated before anything is written.
func (m *Manager) Amend(ctx context.Context, id, actor string, changes contracts.Amendment, reason string) (original, draft *contracts.LearningContract, err error) {
	ctx, done := m.telemetry.TrackOperation(ctx, "lc.lifecycle.amend")
	defer func() { done(err) }()

	unlock := m.locks.lock(id)
	defer unlock()

	orig, err := m.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := validator.ValidateTransition(orig.State, contracts.StateAmended).Err(); err != nil {
		return nil, nil, fmt.Errorf("contract %s: %w", id, err)
	}

	next := orig.Clone()
	changes.ApplyTo(next)
	next.ContractID = m.newID()
	next.CreatedAt = m.clock.Now().UTC()
	next.State = contracts.StateDraft
	if next.Metadata == nil {
		next.Metadata = make(map[string]any, 2)
	}
	next.Metadata[contracts.MetaAmendedFrom] = orig.ContractID
	if reason != "" {
		next.Metadata[contracts.MetaAmendmentReason] = reason
	}
	res := m.validator.Validate(next)
	if !res.Valid {
		return nil, nil, res.Err()
	}

	prev := orig.Clone()
	orig.State = contracts.StateAmended
	if err := m.repo.Save(ctx, orig); err != nil {
		return nil, nil, fmt.Errorf("lifecycle: save %s: %w", id, err)
	}
	if err := m.repo.Save(ctx, next); err != nil {
		m.restore(ctx, prev)
		return nil, nil, fmt.Errorf("lifecycle: save amendment draft: %w", err)
	}

	_, err = m.audit.Record(ctx, audit.Entry{
		EventType:     audit.EventContractAmended,
		ContractID:    orig.ContractID,
		Actor:         actor,
		PreviousState: contracts.StateActive,
		NewState:      contracts.StateAmended,
		Reason:        reason,
		Details: audit.LifecycleDetails{
			ContractType:  orig.ContractType,
			ChangedFields: changes.Fields(),
			AmendedTo:     next.ContractID,
		},
	})
	if err == nil {
		_, err = m.audit.Record(ctx, audit.Entry{
			EventType:  audit.EventContractCreated,
			ContractID: next.ContractID,
			Actor:      actor,
			NewState:   contracts.StateDraft,
			Reason:     reason,
			Details: audit.LifecycleDetails{
				ContractType: next.ContractType,
				AmendedFrom:  orig.ContractID,
				Warnings:     res.Warnings,
			},
		})
	}
	if err != nil {
		m.restore(ctx, prev)
		if _, derr := m.repo.Delete(ctx, next.ContractID); derr != nil {
			m.log.ErrorContext(ctx, "failed to roll back amendment draft", "contract_id", next.ContractID, "error", derr)
		}
		return nil, nil, fmt.Errorf("lifecycle: audit amendment: %w", err)
	}

	m.log.InfoContext(ctx, "contract amended",
		"contract_id", orig.ContractID, "successor", next.ContractID, "actor", actor)
	return orig.Clone(), next.Clone(), nil
}

func (m *Manager) restore(ctx context.Context, c *contracts.LearningContract) {
	if err := m.repo.Save(ctx, c); err != nil {
		m.log.ErrorContext(ctx, "failed to restore contract", "contract_id", c.ContractID, "error", err)
	}
}

func (m *Manager) load(ctx context.Context, id string) (*contracts.LearningContract, error) {
	c, err := m.repo.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load %s: %w", id, err)
	}
	return c, nil
}

// Get returns the current snapshot of a contract.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.LearningContract, error) {
	return m.load(ctx, id)
}

// List returns contracts matching f.
func (m *Manager) List(ctx context.Context, f store.Filter) ([]*contracts.LearningContract, error) {
	return m.repo.Query(ctx, f)
}

// IsExpired reports whether c is EXPIRED, or ACTIVE with an expiration at or
// before now.
func (m *Manager) IsExpired(c *contracts.LearningContract) bool {
	switch c.State {
	case contracts.StateExpired:
		return true
	case contracts.StateActive:
		return c.Expiration != nil && !c.Expiration.After(m.clock.Now())
	default:
		return false
	}
}

// IsEnforceable reports whether c may authorize operations right now.
func (m *Manager) IsEnforceable(c *contracts.LearningContract) bool {
	return c != nil && c.State == contracts.StateActive && !m.IsExpired(c)
}

// ExpireDue expires every active contract whose expiration or timebound
// retention deadline has passed. Contracts that moved concurrently are
// skipped. It returns the contracts it expired.
func (m *Manager) ExpireDue(ctx context.Context, actor string) ([]*contracts.LearningContract, error) {
	now := m.clock.Now()

	due := make(map[string]string)
	var order []string
	expired, err := m.repo.Expired(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, c := range expired {
		due[c.ContractID] = "expiration reached"
		order = append(order, c.ContractID)
	}
	elapsed, err := m.repo.TimeboundExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, c := range elapsed {
		if _, ok := due[c.ContractID]; ok {
			continue
		}
		due[c.ContractID] = "retention period elapsed"
		order = append(order, c.ContractID)
	}

	var (
		out  []*contracts.LearningContract
		errs []error
	)
	for _, id := range order {
		c, err := m.Expire(ctx, id, actor, due[id])
		switch {
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
			m.log.DebugContext(ctx, "skipping contract that changed before expiry", "contract_id", id, "error", err)
		case err != nil:
			errs = append(errs, err)
		default:
			out = append(out, c)
		}
	}
	if len(out) > 0 {
		m.log.InfoContext(ctx, "expired due contracts", "count", len(out), "at", now.UTC().Format(time.RFC3339))
	}
	return out, errors.Join(errs...)
}
