package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentAlreadyExists = errors.New("payment already exists")
	ErrVersionConflict      = errors.New("payment version conflict")

	// ErrProcessingTransient marks a failure that redelivery can recover from:
	// the store was unavailable or a version conflict repeated.
	ErrProcessingTransient = errors.New("transient processing failure")

	ErrRejectedTransition = errors.New("rejected payment transition")
)

// RejectedTransitionError reports an action that is not legal for the current
// payment status. The record is left untouched.
type RejectedTransitionError struct {
	From   PaymentStatus
	Action string
	Reason string
}

func (e *RejectedTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "<none>"
	}
	if e.Reason != "" {
		return fmt.Sprintf("payment action %s rejected in status %s: %s", e.Action, from, e.Reason)
	}
	return fmt.Sprintf("payment action %s rejected in status %s", e.Action, from)
}

func (e *RejectedTransitionError) Unwrap() error { return ErrRejectedTransition }
