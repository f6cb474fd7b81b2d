// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidArgument indicates the caller supplied an argument the operation
// cannot work with (e.g. an empty span batch).
var ErrInvalidArgument = errors.New("invalid argument")

// ErrValidation indicates a request payload failed validation.
var ErrValidation = errors.New("validation failed")
