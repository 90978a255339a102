// Package override implements the emergency override: a process-wide kill
// switch that, while active, makes every enforcement hook deny.
//
// A Manager is an explicit object. Construct one per running system and hand
// it to the enforcement engine.
package override

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kase1111-hash/learning-contracts/pkg/audit"
	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

var (
	ErrOverrideActive       = errors.New("override: emergency override already active")
	ErrOverrideInactive     = errors.New("override: emergency override is not active")
	ErrConfirmationRequired = errors.New("override: confirmation token required")
	ErrConfirmationRejected = errors.New("override: confirmation token rejected")
)

// AutoDisableActor is recorded as the actor of timer-driven disables.
const AutoDisableActor = "system:auto-disable"

// Auditor records override events. *audit.Logger satisfies it.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (audit.AuditEvent, error)
}

// State is a snapshot of the override.
type State struct {
	Active            bool       `json:"active"`
	Reason            string     `json:"reason,omitempty"`
	TriggeredBy       string     `json:"triggered_by,omitempty"`
	TriggeredAt       *time.Time `json:"triggered_at,omitempty"`
	OperationsBlocked uint64     `json:"operations_blocked"`
	AutoDisableAt     *time.Time `json:"auto_disable_at,omitempty"`
}

// Config controls confirmation and the auto-disable timer.
type Config struct {
	// RequireConfirmation makes Disable fail without a token.
	RequireConfirmation bool
	// Verifier checks tokens when RequireConfirmation is set. Nil accepts
	// any non-empty token.
	Verifier Verifier
	// AutoDisableAfter arms a one-shot timer on trigger. Zero disables it.
	AutoDisableAfter time.Duration
	// BlockedLogRate bounds blocked-operation log lines per second.
	BlockedLogRate rate.Limit
}

// TriggerEvent is delivered to trigger listeners.
type TriggerEvent struct {
	TriggeredBy     string
	Reason          string
	TriggeredAt     time.Time
	ActiveContracts int
	AutoDisableAt   *time.Time
}

// DisableEvent is delivered to disable listeners.
type DisableEvent struct {
	DisabledBy        string
	Reason            string
	DisabledAt        time.Time
	Duration          time.Duration
	OperationsBlocked uint64
	AutoDisabled      bool
}

// BlockedEvent is delivered to blocked-operation listeners.
type BlockedEvent struct {
	Operation    string
	ContractID   string
	Reason       string
	BlockedTotal uint64
}

// TriggerResult is returned by Trigger.
type TriggerResult struct {
	TriggeredAt   time.Time
	AutoDisableAt *time.Time
}

// DisableResult is returned by Disable.
type DisableResult struct {
	Duration          time.Duration
	OperationsBlocked uint64
}

// Manager owns the override state. Trigger, Disable and CheckOperation are
// mutually exclusive.
type Manager struct {
	mu    sync.Mutex
	state State
	// epoch identifies the current activation. The auto-disable timer only
	// acts if the epoch it was armed with is still current.
	epoch uint64
	timer *time.Timer

	cfg     Config
	audit   Auditor
	clock   contracts.Clock
	log     *slog.Logger
	limiter *rate.Limiter

	onTrigger registry[TriggerEvent]
	onDisable registry[DisableEvent]
	onBlocked registry[BlockedEvent]
}

// Option configures a Manager.
type Option func(*Manager)

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

// NewManager creates an inactive override. auditor may be nil.
func NewManager(cfg Config, auditor Auditor, opts ...Option) *Manager {
	if cfg.BlockedLogRate <= 0 {
		cfg.BlockedLogRate = 1
	}
	m := &Manager{
		cfg:   cfg,
		audit: auditor,
		clock: contracts.SystemClock{},
		log:   slog.Default().With("component", "override"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.limiter = rate.NewLimiter(cfg.BlockedLogRate, 5)
	m.onTrigger.log = m.log
	m.onDisable.log = m.log
	m.onBlocked.log = m.log
	return m
}

// Trigger activates the override. It fails if the override is already active.
func (m *Manager) Trigger(ctx context.Context, by, reason string, activeContracts int) (TriggerResult, error) {
	m.mu.Lock()
	if m.state.Active {
		m.mu.Unlock()
		return TriggerResult{}, ErrOverrideActive
	}

	now := m.clock.Now().UTC()
	m.epoch++
	m.state = State{
		Active:      true,
		Reason:      reason,
		TriggeredBy: by,
		TriggeredAt: &now,
	}
	if d := m.cfg.AutoDisableAfter; d > 0 {
		at := now.Add(d)
		m.state.AutoDisableAt = &at
		epoch := m.epoch
		m.timer = time.AfterFunc(d, func() { m.autoDisable(epoch) })
	}

	ev := TriggerEvent{
		TriggeredBy:     by,
		Reason:          reason,
		TriggeredAt:     now,
		ActiveContracts: activeContracts,
		AutoDisableAt:   copyTime(m.state.AutoDisableAt),
	}
	m.record(ctx, audit.Entry{
		EventType: audit.EventOverrideTriggered,
		Actor:     by,
		Reason:    reason,
		Details: audit.OverrideDetails{
			ActiveContracts: activeContracts,
			AutoDisableAt:   copyTime(m.state.AutoDisableAt),
		},
	})
	m.mu.Unlock()

	m.log.WarnContext(ctx, "emergency override triggered",
		"triggered_by", by,
		"reason", reason,
		"active_contracts", activeContracts,
	)
	m.onTrigger.notify(ev)
	return TriggerResult{TriggeredAt: now, AutoDisableAt: copyTime(ev.AutoDisableAt)}, nil
}

// Resume re-engages an activation that was recorded earlier, typically by a
// previous process sharing the same audit store. No trigger event is
// recorded and trigger listeners are not notified. The auto-disable timer,
// if configured, counts from triggeredAt.
func (m *Manager) Resume(ctx context.Context, by, reason string, triggeredAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Active {
		return ErrOverrideActive
	}

	at := triggeredAt.UTC()
	m.epoch++
	m.state = State{
		Active:      true,
		Reason:      reason,
		TriggeredBy: by,
		TriggeredAt: &at,
	}
	if d := m.cfg.AutoDisableAfter; d > 0 {
		deadline := at.Add(d)
		m.state.AutoDisableAt = &deadline
		epoch := m.epoch
		m.timer = time.AfterFunc(max(deadline.Sub(m.clock.Now()), 0), func() { m.autoDisable(epoch) })
	}

	m.log.InfoContext(ctx, "emergency override resumed",
		"triggered_by", by,
		"reason", reason,
		"triggered_at", at,
	)
	return nil
}

// Disable deactivates the override, cancels any pending auto-disable and
// resets the counters.
func (m *Manager) Disable(ctx context.Context, by, reason, token string) (DisableResult, error) {
	m.mu.Lock()
	if !m.state.Active {
		m.mu.Unlock()
		return DisableResult{}, ErrOverrideInactive
	}
	if m.cfg.RequireConfirmation {
		if token == "" {
			m.mu.Unlock()
			return DisableResult{}, ErrConfirmationRequired
		}
		if m.cfg.Verifier != nil {
			if err := m.cfg.Verifier.Verify(ctx, token, by); err != nil {
				m.mu.Unlock()
				return DisableResult{}, fmt.Errorf("%w: %w", ErrConfirmationRejected, err)
			}
		}
	}
	ev := m.disableLocked(ctx, by, reason, false)
	m.mu.Unlock()

	m.onDisable.notify(ev)
	return DisableResult{Duration: ev.Duration, OperationsBlocked: ev.OperationsBlocked}, nil
}

func (m *Manager) autoDisable(epoch uint64) {
	ctx := context.Background()
	m.mu.Lock()
	if !m.state.Active || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	ev := m.disableLocked(ctx, AutoDisableActor, "auto-disable timeout elapsed", true)
	m.mu.Unlock()

	m.onDisable.notify(ev)
}

// disableLocked claims the transition. Callers hold m.mu.
func (m *Manager) disableLocked(ctx context.Context, by, reason string, auto bool) DisableEvent {
	now := m.clock.Now().UTC()
	var dur time.Duration
	if m.state.TriggeredAt != nil {
		dur = now.Sub(*m.state.TriggeredAt)
	}
	ev := DisableEvent{
		DisabledBy:        by,
		Reason:            reason,
		DisabledAt:        now,
		Duration:          dur,
		OperationsBlocked: m.state.OperationsBlocked,
		AutoDisabled:      auto,
	}

	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state = State{}

	m.record(ctx, audit.Entry{
		EventType: audit.EventOverrideDisabled,
		Actor:     by,
		Reason:    reason,
		Details: audit.OverrideDetails{
			DurationMillis:    dur.Milliseconds(),
			OperationsBlocked: ev.OperationsBlocked,
			AutoDisabled:      auto,
		},
	})
	m.log.InfoContext(ctx, "emergency override disabled",
		"disabled_by", by,
		"duration", dur,
		"operations_blocked", ev.OperationsBlocked,
		"auto", auto,
	)
	return ev
}

// CheckOperation returns a denial reason and true while the override is
// active, counting the blocked call. It returns "", false otherwise.
func (m *Manager) CheckOperation(ctx context.Context, operation, contractID string) (string, bool) {
	m.mu.Lock()
	if !m.state.Active {
		m.mu.Unlock()
		return "", false
	}
	m.state.OperationsBlocked++
	ev := BlockedEvent{
		Operation:    operation,
		ContractID:   contractID,
		Reason:       "emergency override active: " + m.state.Reason,
		BlockedTotal: m.state.OperationsBlocked,
	}
	m.mu.Unlock()

	if m.limiter.Allow() {
		m.log.WarnContext(ctx, "operation blocked by emergency override",
			"operation", operation,
			"contract_id", contractID,
			"blocked_total", ev.BlockedTotal,
		)
	}
	m.onBlocked.notify(ev)
	return ev.Reason, true
}

// IsActive reports whether the override is currently active.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Active
}

// Status returns a snapshot of the current state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.TriggeredAt = copyTime(s.TriggeredAt)
	s.AutoDisableAt = copyTime(s.AutoDisableAt)
	return s
}

// Close cancels a pending auto-disable timer. The override state is kept.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state.AutoDisableAt = nil
}

// OnTrigger registers fn for trigger notifications.
func (m *Manager) OnTrigger(fn func(TriggerEvent)) *Subscription { return m.onTrigger.add(fn) }

// OnDisable registers fn for disable notifications.
func (m *Manager) OnDisable(fn func(DisableEvent)) *Subscription { return m.onDisable.add(fn) }

// OnBlockedOperation registers fn for every blocked operation.
func (m *Manager) OnBlockedOperation(fn func(BlockedEvent)) *Subscription {
	return m.onBlocked.add(fn)
}

func (m *Manager) record(ctx context.Context, e audit.Entry) {
	if m.audit == nil {
		return
	}
	if _, err := m.audit.Record(ctx, e); err != nil {
		m.log.ErrorContext(ctx, "failed to record override event", "event_type", e.EventType, "error", err)
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
