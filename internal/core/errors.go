package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not_found")
	// ErrConflict is returned by fulfillment when the title was already requested.
	ErrConflict = errors.New("already_requested")
	// ErrIllegalTransition rejects an edge not present in the request graph.
	ErrIllegalTransition = errors.New("illegal_transition")
	// ErrStaleStatus means the stored status no longer matches the expected source.
	ErrStaleStatus = errors.New("stale_status")
	ErrDuplicate   = errors.New("duplicate")
)

// UserInputError carries a corrective one-line reply for the sender.
type UserInputError struct {
	Msg string
}

func (e *UserInputError) Error() string { return e.Msg }

// AuthorizationError is raised for unknown senders or non-admins using admin verbs.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return "unauthorized: " + e.Reason }

// CollaboratorError wraps a failure from the transport, catalog or store.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Collaborator wraps err as a CollaboratorError unless it is nil.
func Collaborator(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Op: op, Err: err}
}
