package validator

import (
	"errors"
	"fmt"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

// ErrInvalidTransition is returned for any move outside the adjacency table.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the complete adjacency table. EXPIRED and REVOKED are
// terminal. AMENDED re-enters review only through a newly created draft.
var transitions = map[contracts.State][]contracts.State{
	contracts.StateDraft:   {contracts.StateReview},
	contracts.StateReview:  {contracts.StateActive, contracts.StateDraft},
	contracts.StateActive:  {contracts.StateExpired, contracts.StateRevoked, contracts.StateAmended},
	contracts.StateAmended: {contracts.StateReview},
}

// TransitionResult is the outcome of ValidateTransition.
type TransitionResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// Err returns an error wrapping ErrInvalidTransition when invalid.
func (r TransitionResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidTransition, r.Errors[0])
}

// ValidateTransition checks membership of from -> to in the adjacency table.
func ValidateTransition(from, to contracts.State) TransitionResult {
	var errs []string
	if !from.Valid() {
		errs = append(errs, fmt.Sprintf("unknown source state %q", from))
	}
	if !to.Valid() {
		errs = append(errs, fmt.Sprintf("unknown target state %q", to))
	}
	if len(errs) == 0 && !CanTransition(from, to) {
		if from.Terminal() {
			errs = append(errs, fmt.Sprintf("%s is a terminal state; cannot move to %s", from, to))
		} else {
			errs = append(errs, fmt.Sprintf("cannot move from %s to %s", from, to))
		}
	}
	return TransitionResult{Valid: len(errs) == 0, Errors: errs}
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to contracts.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the targets reachable from s.
func AllowedTransitions(s contracts.State) []contracts.State {
	return append([]contracts.State(nil), transitions[s]...)
}
