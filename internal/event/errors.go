package event

import "fmt"

// EncodeError means an event could not be turned into wire bytes. The publish
// attempt is aborted and the error goes back to the caller.
type EncodeError struct {
	EventID string
	Reason  string
	Err     error
}

func (e *EncodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encode event %s: %s: %v", e.EventID, e.Reason, e.Err)
	}
	return fmt.Sprintf("encode event %s: %s", e.EventID, e.Reason)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError means the payload can never be decoded. It is not retryable.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode event: %s: %v", e.Reason, e.Err)
	}
	return "decode event: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }
