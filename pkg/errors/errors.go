// Package errors provides error handling for mapdebug.
//
// It re-exports github.com/cockroachdb/errors so that every failure carries a
// stack trace, user-facing hints and safe details, and adds the sentinel errors
// the resource store client maps HTTP statuses onto.
//
//	if err := c.PutMapping(ctx, m); err != nil {
//	    return errors.Wrapf(err, "create mapping %s", m.ID())
//	}
//
//	if errors.Is(err, errors.ErrConflict) {
//	    fmt.Println(errors.FlattenHints(err))
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetail   = crdb.WithDetail
	WithDetailf  = crdb.WithDetailf
	Mark         = crdb.Mark
	GetAllHints  = crdb.GetAllHints
	FlattenHints = crdb.FlattenHints
)

// Inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinels. Wrap them (or Mark with them) to keep errors.Is working.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = New("not found")

	// ErrConflict indicates the store rejected a write because the resource
	// changed underneath the caller.
	ErrConflict = New("resource conflict")

	// ErrInvalidRequest indicates the store rejected the payload.
	ErrInvalidRequest = New("invalid request")

	// ErrUnavailable indicates the store could not be reached.
	ErrUnavailable = New("service unavailable")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}
