package auth

import "errors"

var (
	// ErrInvalidToken is returned when a token fails verification or
	// validation. A rejected credential is never downgraded to anonymous.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("missing token")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)
