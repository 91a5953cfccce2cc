// errors.go: typed error kinds for config, request and integrity failures
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pmbd

import (
	"fmt"

	goerrors "github.com/agilira/go-errors"
)

// Kind identifies the class of a pmbd error, so callers can branch on it
// (errors.As into *Error, then Kind) instead of matching message strings.
type Kind int

const (
	// KindCapacityExceeded is returned when a request's sector range falls
	// outside [0, capacity).
	KindCapacityExceeded Kind = iota
	// KindOutOfMemory is returned when allocating a buffer or scratch space
	// fails during device construction.
	KindOutOfMemory
	// KindConfigInvalid is returned for a malformed or inconsistent clause
	// string.
	KindConfigInvalid
	// KindVerificationMismatch is returned when a post-write readback
	// differs from the source; treated as fatal by the flush engine.
	KindVerificationMismatch
	// KindChecksumMismatch is returned when a post-read CRC differs from
	// the stored CRC; logged but non-fatal.
	KindChecksumMismatch
)

func (k Kind) String() string {
	switch k {
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindOutOfMemory:
		return "out_of_memory"
	case KindConfigInvalid:
		return "config_invalid"
	case KindVerificationMismatch:
		return "verification_mismatch"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind. It implements Unwrap so
// errors.Is/errors.As work against both the Kind sentinel and the wrapped
// cause.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "MakeRequest", "ParseConfig"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pmbd: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("pmbd: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// sentinel base errors, constructed through go-errors so identity checks
// via errors.Is are stable regardless of the formatted message attached by
// newError.
var (
	baseCapacityExceeded     = goerrors.New("sector range outside device capacity")
	baseOutOfMemory          = goerrors.New("allocation failed")
	baseConfigInvalid        = goerrors.New("invalid configuration")
	baseVerificationMismatch = goerrors.New("post-write readback mismatch")
	baseChecksumMismatch     = goerrors.New("checksum mismatch")
)

func newError(kind Kind, op string, detail string) *Error {
	var base error
	switch kind {
	case KindCapacityExceeded:
		base = baseCapacityExceeded
	case KindOutOfMemory:
		base = baseOutOfMemory
	case KindConfigInvalid:
		base = baseConfigInvalid
	case KindVerificationMismatch:
		base = baseVerificationMismatch
	case KindChecksumMismatch:
		base = baseChecksumMismatch
	}
	if detail != "" {
		base = fmt.Errorf("%s: %w", detail, base)
	}
	return &Error{Kind: kind, Op: op, Err: base}
}
