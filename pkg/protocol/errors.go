/**
 * Copyright (c) 2026, the stalqd authors.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package protocol

import (
	"github.com/pkg/errors"
)

// Error replies sent by the server. Each is a single uppercase token on its
// own line; the token is the error string so a handler result can be written
// to the wire directly.
var (
	ErrBadFormat      = errors.New("BAD_FORMAT")
	ErrUnknownCommand = errors.New("UNKNOWN_COMMAND")
	ErrExpectedCRLF   = errors.New("EXPECTED_CRLF")
	ErrJobTooBig      = errors.New("JOB_TOO_BIG")
	ErrNotFound       = errors.New("NOT_FOUND")
	ErrNotIgnored     = errors.New("NOT_IGNORED")
	ErrDeadlineSoon   = errors.New("DEADLINE_SOON")
	ErrTimedOut       = errors.New("TIMED_OUT")
	ErrDraining       = errors.New("DRAINING")
	ErrInternal       = errors.New("INTERNAL_ERROR")
)

var wireErrors = []error{
	ErrBadFormat,
	ErrUnknownCommand,
	ErrExpectedCRLF,
	ErrJobTooBig,
	ErrNotFound,
	ErrNotIgnored,
	ErrDeadlineSoon,
	ErrTimedOut,
	ErrDraining,
	ErrInternal,
}

// WireError reduces err to the protocol token the client should see. Errors
// wrapped with github.com/pkg/errors keep their cause; anything that is not a
// protocol error reports INTERNAL_ERROR.
func WireError(err error) string {
	cause := errors.Cause(err)
	for _, we := range wireErrors {
		if cause == we {
			return we.Error()
		}
	}
	return ErrInternal.Error()
}
