package errs

import (
	"errors"
)

var (
	// ErrNotFound - book or reservation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest - admission refused: book not lendable or capacity exhausted.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict - an active reservation for this (user, book) already exists,
	// or the store could not serialize the transaction after retries.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition - the requested status change is not in the transition table
	// or its precondition does not hold.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrCapacity - a counter adjustment would leave a book outside its capacity bounds.
	ErrCapacity = errors.New("capacity exhausted")
	// ErrForbidden - access gate denial or missing role.
	ErrForbidden = errors.New("forbidden")
)
