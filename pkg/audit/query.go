package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// ErrInvalidQuery is returned when a query expression fails to compile or
// evaluate.
var ErrInvalidQuery = errors.New("audit: invalid query")

// QueryOptions combines filters. Zero values do not filter. Results are
// sorted by timestamp descending, newest append first on ties, before
// Offset and Limit are applied.
type QueryOptions struct {
	ContractID string
	EventTypes []EventType
	Actor      string
	Since      *time.Time
	Until      *time.Time
	Allowed    *bool
	Offset     int
	Limit      int

	// Expr is an optional CEL predicate over the JSON form of the event,
	// bound to the variable "event", e.g.
	//   event.details.hook == "recall" && event.actor != "alice"
	Expr string
}

func (o QueryOptions) matches(e *AuditEvent) bool {
	if o.ContractID != "" && e.ContractID != o.ContractID {
		return false
	}
	if len(o.EventTypes) > 0 {
		found := false
		for _, t := range o.EventTypes {
			if e.EventType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if o.Actor != "" && e.Actor != o.Actor {
		return false
	}
	if o.Since != nil && e.Timestamp.Before(*o.Since) {
		return false
	}
	if o.Until != nil && e.Timestamp.After(*o.Until) {
		return false
	}
	if o.Allowed != nil && (e.Allowed == nil || *e.Allowed != *o.Allowed) {
		return false
	}
	return true
}

// Query returns copies of the events matching opts.
func (l *Logger) Query(opts QueryOptions) ([]AuditEvent, error) {
	var prg cel.Program
	if opts.Expr != "" {
		p, err := l.query.compile(opts.Expr)
		if err != nil {
			return nil, err
		}
		prg = p
	}

	l.mu.RLock()
	matched := make([]AuditEvent, 0)
	for i := range l.events {
		if opts.matches(&l.events[i]) {
			matched = append(matched, l.events[i].clone())
		}
	}
	l.mu.RUnlock()

	if prg != nil {
		filtered := matched[:0]
		for _, ev := range matched {
			ok, err := evalPredicate(prg, ev)
			if err != nil {
				return nil, err
			}
			if ok {
				filtered = append(filtered, ev)
			}
		}
		matched = filtered
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].Sequence > matched[j].Sequence
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []AuditEvent{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// queryCompiler caches compiled CEL programs by expression text.
type queryCompiler struct {
	env      *cel.Env
	envErr   error
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newQueryCompiler() *queryCompiler {
	env, err := cel.NewEnv(cel.Variable("event", cel.DynType))
	return &queryCompiler{env: env, envErr: err, prgCache: make(map[string]cel.Program)}
}

func (c *queryCompiler) compile(expr string) (cel.Program, error) {
	if c.envErr != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrInvalidQuery, c.envErr)
	}

	c.mu.RLock()
	prg, hit := c.prgCache[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile: %w", ErrInvalidQuery, issues.Err())
	}
	if ot := ast.OutputType(); !ot.IsExactType(cel.BoolType) && !ot.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must yield bool, got %s", ErrInvalidQuery, ot)
	}
	p, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program: %w", ErrInvalidQuery, err)
	}
	c.prgCache[expr] = p
	return p, nil
}

func evalPredicate(prg cel.Program, ev AuditEvent) (bool, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{"event": input})
	if err != nil {
		// Omitted optional fields surface as missing keys and do not match.
		if isMissingField(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: eval: %w", ErrInvalidQuery, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: result not bool", ErrInvalidQuery)
	}
	return val, nil
}

// cel-go does not export its resolution error types, so missing fields are
// recognised by message.
func isMissingField(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "no such key") ||
		strings.HasPrefix(msg, "no such attribute") ||
		strings.HasPrefix(msg, "index out of bounds")
}
