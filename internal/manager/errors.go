package manager

import (
	"fmt"

	"parrotd/internal/graph"
)

// sessionNotFoundError is returned for unknown or closed sessions (404).
type sessionNotFoundError struct{ id int }

func (e sessionNotFoundError) Error() string { return fmt.Sprintf("session not found: %d", e.id) }

// IsSessionNotFound reports whether err refers to an unknown session.
func IsSessionNotFound(err error) bool {
	_, ok := err.(sessionNotFoundError)
	return ok
}

// varNotFoundError is returned for variable names a session never saw (404).
type varNotFoundError struct{ name string }

func (e varNotFoundError) Error() string { return "variable not found: " + e.name }

// IsVarNotFound reports whether err refers to an unknown variable.
func IsVarNotFound(err error) bool {
	_, ok := err.(varNotFoundError)
	return ok
}

// varConflictError rejects writes to a variable that is already set or has a
// producer in the graph (409).
type varConflictError struct {
	name   string
	reason string
}

func (e varConflictError) Error() string { return fmt.Sprintf("variable %q: %s", e.name, e.reason) }

// IsConflict reports whether err is a write conflict on a semantic variable,
// including a second producer in a submitted request.
func IsConflict(err error) bool {
	if _, ok := err.(varConflictError); ok {
		return true
	}
	return graph.IsConflictingProducer(err)
}

// invalidRequestError signals a malformed submission (400).
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

// IsInvalidRequest reports whether err is a malformed submission.
func IsInvalidRequest(err error) bool {
	_, ok := err.(invalidRequestError)
	return ok
}

// primitiveError wraps a failed Fill or Generate so the engine can be flagged.
type primitiveError struct {
	op     string
	engine int
	err    error
}

func (e primitiveError) Error() string {
	return fmt.Sprintf("%s on engine %d: %v", e.op, e.engine, e.err)
}

func (e primitiveError) Unwrap() error { return e.err }
