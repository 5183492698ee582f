// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleTransition means the row was no longer in the expected status.
	ErrStaleTransition   = errors.New("stale status transition")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPhone      = errors.New("invalid phone number")
	ErrInvalidReason     = errors.New("invalid suppression reason")
	ErrNotFound          = errors.New("not found")
)

// ErrEntityNotFound is returned by repositories when a lookup misses.
type ErrEntityNotFound struct {
	Entity string
	Key    string
}

func (e *ErrEntityNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// Is lets callers match any not-found error with errors.Is(err, ErrNotFound).
func (e *ErrEntityNotFound) Is(target error) bool {
	return target == ErrNotFound
}

func NewCampaignNotFound(id string) error {
	return &ErrEntityNotFound{Entity: "campaign", Key: id}
}

func NewTargetNotFound(id string) error {
	return &ErrEntityNotFound{Entity: "target", Key: id}
}

func NewLeadNotFound(id string) error {
	return &ErrEntityNotFound{Entity: "lead", Key: id}
}

func NewMessageNotFound(key string) error {
	return &ErrEntityNotFound{Entity: "message", Key: key}
}

func NewSuppressionNotFound(id string) error {
	return &ErrEntityNotFound{Entity: "suppression", Key: id}
}

func NewPhoneNumberNotFound(key string) error {
	return &ErrEntityNotFound{Entity: "phone number", Key: key}
}

func NewTemplateNotFound(id string) error {
	return &ErrEntityNotFound{Entity: "template", Key: id}
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: %s -> %s: %v", e.Entity, e.ID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func NewStaleTransition(entity, id, from, to string) error {
	return &TransitionError{Entity: entity, ID: id, From: from, To: to, Err: ErrStaleTransition}
}

func NewInvalidTransition(entity, id, from, to string) error {
	return &TransitionError{Entity: entity, ID: id, From: from, To: to, Err: ErrInvalidTransition}
}
