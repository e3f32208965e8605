package realtime

import "errors"

var (
	// ErrForbidden is returned on a contact-relationship or ownership violation.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when a referenced message or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation is not valid for the
	// message's kind (e.g. editing a non-text message).
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidReference is returned when a reply target does not resolve
	// to an existing message.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrBadInput is returned for structurally invalid operation inputs.
	ErrBadInput = errors.New("bad input")
)
