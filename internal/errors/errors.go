package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// OperationError represents an error that occurred during a clone stage
type OperationError struct {
	Op        string // The stage being performed
	Kind      Kind   // The category of failure
	Transient bool   // Whether the failure may succeed on retry
	Err       error  // The underlying error
}

// Error implements the error interface
func (e *OperationError) Error() string {
	if e.Err == nil {
		if e.Op == "" {
			return e.Kind.String()
		}
		if e.Kind == KindUnknown {
			return e.Op
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *OperationError) Unwrap() error {
	return e.Err
}

// New creates a new OperationError without a kind
func New(op string, err error) *OperationError {
	return &OperationError{
		Op:  op,
		Err: err,
	}
}

// Wrap creates a new OperationError of the given kind
func Wrap(op string, kind Kind, err error) *OperationError {
	return &OperationError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// Errorf creates a new OperationError of the given kind with a formatted message
func Errorf(op string, kind Kind, format string, args ...any) *OperationError {
	return Wrap(op, kind, fmt.Errorf(format, args...))
}

// Transient marks err as retryable by wrapping it in a transport OperationError
func Transient(op string, err error) *OperationError {
	return &OperationError{
		Op:        op,
		Kind:      KindTransport,
		Transient: true,
		Err:       err,
	}
}

// Is implements error matching for OperationError.
// An empty Op or an unknown Kind on the target acts as a wildcard.
func (e *OperationError) Is(target error) bool {
	t, ok := target.(*OperationError)
	if !ok {
		return false
	}
	if t.Op == "" && t.Kind == KindUnknown {
		return false
	}
	if t.Op != "" && e.Op != t.Op {
		return false
	}
	if t.Kind != KindUnknown && e.Kind != t.Kind {
		return false
	}
	return true
}

// KindOf returns the first known kind found in err's chain
func KindOf(err error) Kind {
	for err != nil {
		var opErr *OperationError
		if !stderrors.As(err, &opErr) {
			return KindUnknown
		}
		if opErr.Kind != KindUnknown {
			return opErr.Kind
		}
		err = opErr.Err
	}
	return KindUnknown
}

// FromContext converts context cancellation and deadline errors into
// CancelledError and TimeoutError. Other errors are returned unchanged.
func FromContext(op string, err error) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k == KindTimeout || k == KindCancelled {
		return err
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(op, KindTimeout, err)
	case stderrors.Is(err, context.Canceled):
		return Wrap(op, KindCancelled, err)
	}
	return err
}
