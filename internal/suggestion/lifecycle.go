// Package suggestion implements the rename suggestion lifecycle:
// creation with the one-open-per-path rule, human decisions and the
// execution outcome transitions.
package suggestion

import (
	"errors"
	"fmt"

	"snapname/internal/store"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid suggestion transition")

// TransitionError reports a decision on a suggestion that is not in a
// state allowing it. Nothing was changed.
type TransitionError struct {
	ID   string
	From store.SuggestionStatus
	To   store.SuggestionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("suggestion %s cannot go from %s to %s", e.ID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions is the complete graph. Rejected and executed have no exits.
var transitions = map[store.SuggestionStatus][]store.SuggestionStatus{
	store.SuggestionPending:  {store.SuggestionApproved, store.SuggestionRejected},
	store.SuggestionApproved: {store.SuggestionExecuted, store.SuggestionFailed},
	store.SuggestionFailed:   {store.SuggestionApproved, store.SuggestionRejected},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to store.SuggestionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf lists the states that may move to target, in a stable order.
func sourcesOf(target store.SuggestionStatus) []store.SuggestionStatus {
	var from []store.SuggestionStatus
	for _, s := range []store.SuggestionStatus{
		store.SuggestionPending,
		store.SuggestionApproved,
		store.SuggestionRejected,
		store.SuggestionExecuted,
		store.SuggestionFailed,
	} {
		if CanTransition(s, target) {
			from = append(from, s)
		}
	}
	return from
}
