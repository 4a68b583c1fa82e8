package exams

import "errors"

// Protocol errors: rejected with a specific reason and surfaced to the
// initiating side; they never affect other students or sessions.
var (
	ErrAlreadyExists  = errors.New("exam code already in use")
	ErrNotFound       = errors.New("exam not found")
	ErrInvalidState   = errors.New("exam is not in a valid state for this operation")
	ErrUnknownStudent = errors.New("student not part of this exam")
)

// ErrCorrupted marks a fatal per-session invariant violation. The affected
// session is forcibly ended and isolated; other sessions continue.
var ErrCorrupted = errors.New("exam session state corrupted")
