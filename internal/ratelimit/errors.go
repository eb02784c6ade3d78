package ratelimit

import "errors"

var (
	// ErrInvalidPolicy is returned when a policy definition cannot be used.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
	// ErrUnknownPolicy is returned when a policy name is not in the catalog.
	ErrUnknownPolicy = errors.New("ratelimit: unknown policy")
	// ErrInvalidKey is returned by stores for an empty record key.
	ErrInvalidKey = errors.New("ratelimit: empty key")
)
