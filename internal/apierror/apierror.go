// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the error taxonomy shared by every service layer.
// Domain code classifies failures by kind; the handlers layer converts kinds
// to HTTP status codes exactly once.
package apierror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping.
type Kind int

const (
	// KindFatal covers unexpected failures: DB unreachable, OSM unreachable.
	KindFatal Kind = iota
	// KindInvalid covers malformed input, unknown statuses and illegal transitions.
	KindInvalid
	// KindNotAuthorized covers missing or rejected credentials.
	KindNotAuthorized
	// KindForbidden covers authenticated callers with insufficient grants.
	KindForbidden
	// KindNotFound covers unknown identifiers.
	KindNotFound
	// KindConflict covers lock contention, OSM changeset conflicts and duplicate keys.
	KindConflict
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid"
	case KindNotAuthorized:
		return "NotAuthorized"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	default:
		return "Fatal"
	}
}

// Error is a classified error with a human readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing the cause chain.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are Fatal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// MessageOf returns the user-facing message for an error. Fatal errors are
// sanitised so internal detail never leaks to a response body.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindFatal {
		return ae.Message
	}
	return "internal server error"
}
