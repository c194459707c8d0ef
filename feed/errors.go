package feed

import "fmt"

// PreconditionError is returned when an operation is attempted without the
// identities it needs. No store call has been made.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition: " + e.Reason
}

var (
	ErrNoConversation = &PreconditionError{Reason: "no conversation selected"}
	ErrEmptyText      = &PreconditionError{Reason: "empty text"}
)

// StoreError wraps a failure reported by the message store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
