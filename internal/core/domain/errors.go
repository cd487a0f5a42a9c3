package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a keyed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks transient lock contention: lock-wait timeout,
	// deadlock victim or serialization failure.
	ErrConflict = errors.New("lock conflict")
	// ErrNegativeStock is returned when a write would take stock below zero.
	ErrNegativeStock = errors.New("stock would become negative")
)

type ErrorKind string

const (
	KindOK                 ErrorKind = "OK"
	KindInvalidArgument    ErrorKind = "InvalidArgument"
	KindNotFound           ErrorKind = "NotFound"
	KindInsufficientStock  ErrorKind = "InsufficientStock"
	KindConflict           ErrorKind = "Conflict"
	KindRetriesExhausted   ErrorKind = "RetriesExhausted"
	KindInvariantViolation ErrorKind = "InvariantViolation"
	KindInvalidState       ErrorKind = "InvalidState"
	KindAlreadyCancelled   ErrorKind = "AlreadyCancelled"
	KindStorage            ErrorKind = "Storage"
)

// IsError reports whether the kind describes a failed call. OK and
// AlreadyCancelled are not failures.
func (k ErrorKind) IsError() bool {
	return k != KindOK && k != KindAlreadyCancelled && k != ""
}

// FulfillmentError is a classified failure of CreateOrder or CancelOrder.
type FulfillmentError struct {
	Kind ErrorKind
	Msg  string
	// Available is the stock observed under lock for InsufficientStock.
	Available int
	Err       error
}

func (e *FulfillmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *FulfillmentError) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, msg string, err error) *FulfillmentError {
	return &FulfillmentError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of err. Unclassified errors are Storage.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOK
	}
	var fe *FulfillmentError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindStorage
}
