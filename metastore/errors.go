package metastore

import (
	"errors"
	"fmt"
)

// ErrorKind classifies metastore failures.
type ErrorKind int

const (
	ReadFailure ErrorKind = iota
	WriteFailure
	ParseFailure
	NotFound
	AlreadyExists
)

func (k ErrorKind) String() string {
	switch k {
	case ReadFailure:
		return "read_failure"
	case WriteFailure:
		return "write_failure"
	case ParseFailure:
		return "parse_failure"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	default:
		return fmt.Sprintf("invalid(%d)", int(k))
	}
}

// Error is a kinded metastore error with an optional cause.
type Error struct {
	Kind ErrorKind
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("metastore: %s of index %q", e.Kind, e.Name)
	}
	return fmt.Sprintf("metastore: %s of index %q: %v", e.Kind, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether |err| is a metastore Error of |kind|.
func IsKind(err error, kind ErrorKind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}

// IsNotFound reports whether |err| is a NotFound metastore error.
func IsNotFound(err error) bool { return IsKind(err, NotFound) }

// IsAlreadyExists reports whether |err| is an AlreadyExists error.
func IsAlreadyExists(err error) bool { return IsKind(err, AlreadyExists) }
