package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

var (
	ErrUnknownEventType = errors.New("audit: unknown event type")
	ErrDetailsMismatch  = errors.New("audit: details do not match event type")
	ErrChainBroken      = errors.New("audit: hash chain is broken")
	ErrStoreWrite       = errors.New("audit: store of record write failed")
)

// SystemActor is recorded when an event has no human or agent actor.
const SystemActor = "system"

const genesisHash = "genesis"

// Entry is the caller-supplied part of an event. Identity, timestamp and
// chain fields are assigned on append.
type Entry struct {
	EventType     EventType
	ContractID    string
	Actor         string
	PreviousState contracts.State
	NewState      contracts.State
	Allowed       *bool
	Reason        string
	Details       Details
}

// Decision is an enforcement outcome as recorded in the trail.
type Decision struct {
	Allowed    bool
	Reason     string
	ContractID string
}

// Logger is an append-only audit log with hash chaining. Appends are
// linearizable and queries observe a consistent snapshot.
type Logger struct {
	mu        sync.RWMutex
	events    []AuditEvent
	byID      map[string]int
	sequence  uint64
	chainHead string

	sinkMu sync.RWMutex
	sinks  []Sink

	// store is written inside the append; a failed write leaves the chain
	// where it was.
	store Sink

	clock contracts.Clock
	log   *slog.Logger
	query *queryCompiler
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock sets the timestamp source.
func WithClock(c contracts.Clock) Option {
	return func(l *Logger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the structured logger used for sink failures.
func WithLogger(s *slog.Logger) Option {
	return func(l *Logger) {
		if s != nil {
			l.log = s
		}
	}
}

// WithSink registers a sink at construction time.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithStore sets the store of record. Every event is written to it before
// the chain advances, and an append whose write fails returns the error and
// is discarded. Events loaded through Restore are not written again.
func WithStore(s Sink) Option {
	return func(l *Logger) {
		l.store = s
	}
}

// NewLogger creates an empty audit log.
func NewLogger(opts ...Option) *Logger {
	l := &Logger{
		byID:      make(map[string]int),
		chainHead: genesisHash,
		clock:     contracts.SystemClock{},
		log:       slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.query = newQueryCompiler()
	return l
}

// AddSink registers a consumer for events appended from now on.
func (l *Logger) AddSink(s Sink) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Record appends a single event.
func (l *Logger) Record(ctx context.Context, e Entry) (AuditEvent, error) {
	if err := checkDetails(e.EventType, e.Details); err != nil {
		return AuditEvent{}, err
	}

	l.mu.Lock()
	ev, err := l.appendLocked(ctx, e)
	l.mu.Unlock()
	if err != nil {
		return AuditEvent{}, err
	}

	l.dispatch(ctx, ev)
	return ev.clone(), nil
}

// LogEnforcementCheck records one enforcement_check event and, only when
// the decision is a denial, an enforcement_violation event carrying the full
// context. Both are appended under a single lock so nothing interleaves.
func (l *Logger) LogEnforcementCheck(ctx context.Context, hook Hook, snap ContextSnapshot, d Decision) error {
	actor := snap.Requester
	if actor == "" {
		actor = SystemActor
	}
	allowed := d.Allowed

	entries := []Entry{{
		EventType:  EventEnforcementCheck,
		ContractID: d.ContractID,
		Actor:      actor,
		Allowed:    &allowed,
		Reason:     d.Reason,
		Details:    EnforcementDetails{Hook: hook, Context: snap.clone()},
	}}
	if !d.Allowed {
		denied := false
		entries = append(entries, Entry{
			EventType:  EventEnforcementViolation,
			ContractID: d.ContractID,
			Actor:      actor,
			Allowed:    &denied,
			Reason:     d.Reason,
			Details:    ViolationDetails{Hook: hook, ViolationDetails: snap.clone()},
		})
	}

	appended := make([]AuditEvent, 0, len(entries))
	l.mu.Lock()
	for _, e := range entries {
		ev, err := l.appendLocked(ctx, e)
		if err != nil {
			l.mu.Unlock()
			for _, prev := range appended {
				l.dispatch(ctx, prev)
			}
			return err
		}
		appended = append(appended, ev)
	}
	l.mu.Unlock()

	for _, ev := range appended {
		l.dispatch(ctx, ev)
	}
	return nil
}

// appendLocked assigns identity and chain fields, writes the store of
// record and commits. Callers hold l.mu.
func (l *Logger) appendLocked(ctx context.Context, e Entry) (AuditEvent, error) {
	actor := e.Actor
	if actor == "" {
		actor = SystemActor
	}
	ev := AuditEvent{
		EventID:       uuid.New().String(),
		Sequence:      l.sequence + 1,
		Timestamp:     l.clock.Now().UTC().Round(0),
		EventType:     e.EventType,
		ContractID:    e.ContractID,
		Actor:         actor,
		PreviousState: e.PreviousState,
		NewState:      e.NewState,
		Allowed:       e.Allowed,
		Reason:        e.Reason,
		Details:       e.Details,
		PreviousHash:  l.chainHead,
	}
	ev = ev.clone()

	hash, err := computeEntryHash(ev)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("audit: failed to compute entry hash: %w", err)
	}
	ev.EntryHash = hash

	if l.store != nil {
		if err := l.store.Write(ctx, ev.clone()); err != nil {
			return AuditEvent{}, fmt.Errorf("%w: %w", ErrStoreWrite, err)
		}
	}

	l.sequence = ev.Sequence
	l.chainHead = hash
	l.byID[ev.EventID] = len(l.events)
	l.events = append(l.events, ev)
	return ev, nil
}

// ErrNotEmpty is returned by Restore on a logger that already holds events.
var ErrNotEmpty = errors.New("audit: logger already holds events")

// Restore loads a previously persisted chain, in append order, into an empty
// logger. The chain is verified first and nothing is forwarded to sinks.
func (l *Logger) Restore(events []AuditEvent) error {
	if err := verifyEvents(events); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) > 0 {
		return ErrNotEmpty
	}
	for _, ev := range events {
		ev = ev.clone()
		l.byID[ev.EventID] = len(l.events)
		l.events = append(l.events, ev)
		l.sequence = ev.Sequence
		l.chainHead = ev.EntryHash
	}
	return nil
}

// dispatch forwards ev to every sink outside the append lock. Sink failures
// never affect the append.
func (l *Logger) dispatch(ctx context.Context, ev AuditEvent) {
	l.sinkMu.RLock()
	sinks := append([]Sink(nil), l.sinks...)
	l.sinkMu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(ctx, ev.clone()); err != nil {
			l.log.ErrorContext(ctx, "audit sink write failed",
				"event_id", ev.EventID,
				"event_type", ev.EventType,
				"error", err,
			)
		}
	}
}

// computeEntryHash hashes the RFC 8785 canonical form of the event with its
// own EntryHash cleared.
func computeEntryHash(ev AuditEvent) (string, error) {
	ev.EntryHash = ""
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Get returns a copy of the event with the given id.
func (l *Logger) Get(eventID string) (AuditEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[eventID]
	if !ok {
		return AuditEvent{}, false
	}
	return l.events[i].clone(), true
}

// Export returns a copy of every event in append order.
func (l *Logger) Export() []AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEvent, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.clone()
	}
	return out
}

// Count returns the number of events.
func (l *Logger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// ChainHead returns the hash of the newest event, or "genesis" when empty.
func (l *Logger) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// ContractHistory returns every event for the contract in append order.
func (l *Logger) ContractHistory(contractID string) []AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AuditEvent
	for _, ev := range l.events {
		if ev.ContractID == contractID {
			out = append(out, ev.clone())
		}
	}
	return out
}

// Violations returns enforcement_violation events, newest first. An empty
// contractID matches every contract.
func (l *Logger) Violations(contractID string) []AuditEvent {
	out, _ := l.Query(QueryOptions{
		ContractID: contractID,
		EventTypes: []EventType{EventEnforcementViolation},
	})
	return out
}

// VerifyChain recomputes every entry hash and checks the links.
func (l *Logger) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyEvents(l.events)
}

// VerifyEvents checks a chain exported in append order, starting at genesis.
func VerifyEvents(events []AuditEvent) error {
	return verifyEvents(events)
}

func verifyEvents(events []AuditEvent) error {
	expectedPrev := genesisHash
	for i, ev := range events {
		if ev.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, ev.PreviousHash, expectedPrev)
		}
		computed, err := computeEntryHash(ev)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != ev.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, ev.EntryHash)
		}
		expectedPrev = ev.EntryHash
	}
	return nil
}
