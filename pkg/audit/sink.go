package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink consumes appended events, e.g. a SIEM forwarder or a database.
// Sinks run after the append and cannot veto it.
type Sink interface {
	Write(ctx context.Context, ev AuditEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev AuditEvent) error

func (f SinkFunc) Write(ctx context.Context, ev AuditEvent) error { return f(ctx, ev) }

// ErrSinkClosed is returned by AsyncSink.Write after Close.
var ErrSinkClosed = errors.New("audit: sink closed")

// AsyncSink moves delivery to a background goroutine so that slow consumers
// stay off the enforcement path. When the buffer is full, events are dropped
// and counted.
type AsyncSink struct {
	next    Sink
	ch      chan AuditEvent
	done    chan struct{}
	dropped atomic.Uint64
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts the delivery goroutine. buffer <= 0 means 256.
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		next: next,
		ch:   make(chan AuditEvent, buffer),
		done: make(chan struct{}),
		log:  slog.Default().With("component", "audit.async_sink"),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		if err := s.next.Write(context.Background(), ev); err != nil {
			s.log.Error("async audit delivery failed", "event_id", ev.EventID, "error", err)
		}
	}
}

// Write enqueues ev without blocking.
func (s *AsyncSink) Write(_ context.Context, ev AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		n := s.dropped.Add(1)
		s.log.Warn("audit sink buffer full, dropping event", "event_id", ev.EventID, "dropped_total", n)
		return nil
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close stops accepting events and waits for the buffer to drain or ctx to end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SQLSink persists events to an audit_events table. It supports both
// Postgres and SQLite via standard drivers.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

const sinkSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	sequence BIGINT NOT NULL,
	event_id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	contract_id TEXT,
	actor TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	payload TEXT NOT NULL
);
`

func (s *SQLSink) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sinkSchema)
	return err
}

func (s *SQLSink) Write(ctx context.Context, ev AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	query := `
		INSERT INTO audit_events (sequence, event_id, timestamp, event_type, contract_id, actor, entry_hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		int64(ev.Sequence), ev.EventID, ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(ev.EventType), ev.ContractID, ev.Actor, ev.EntryHash, string(payload),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest sequence first.
func (s *SQLSink) Recent(ctx context.Context, limit int) ([]AuditEvent, error) {
	query := `SELECT payload FROM audit_events ORDER BY sequence DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// All returns every stored event in append order, ready for Logger.Restore.
func (s *SQLSink) All(ctx context.Context) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM audit_events ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]AuditEvent, error) {
	defer func() { _ = rows.Close() }()

	out := make([]AuditEvent, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("audit: decode stored event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
