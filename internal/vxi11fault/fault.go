// Package vxi11fault defines the VXI-11 error code taxonomy and a typed
// error that carries one, so every layer below the dispatcher can return a
// plain Go error and have it translate cleanly into the Device_Error.error
// field of a reply.
package vxi11fault

import (
	"errors"
	"fmt"
)

// Code is a VXI-11 error code as defined by the VXI-11 specification.
type Code int32

const (
	NoError                   Code = 0
	SyntaxError               Code = 1
	DeviceNotAccessible       Code = 3
	InvalidLinkIdentifier     Code = 4
	ParameterError            Code = 5
	ChannelNotEstablished     Code = 6
	OperationNotSupported     Code = 8
	OutOfResources            Code = 9
	DeviceLockedByAnotherLink Code = 11
	NoLockHeldByThisLink      Code = 12
	IOTimeout                 Code = 15
	IOError                   Code = 17
	Abort                     Code = 23
)

var names = map[Code]string{
	NoError:                   "no error",
	SyntaxError:               "syntax error",
	DeviceNotAccessible:       "device not accessible",
	InvalidLinkIdentifier:     "invalid link identifier",
	ParameterError:            "parameter error",
	ChannelNotEstablished:     "channel not established",
	OperationNotSupported:     "operation not supported",
	OutOfResources:            "out of resources",
	DeviceLockedByAnotherLink: "device locked by another link",
	NoLockHeldByThisLink:      "no lock held by this link",
	IOTimeout:                 "io timeout",
	IOError:                   "io error",
	Abort:                     "abort",
}

// String renders the human-readable name of a code, falling back to its
// numeric value for anything outside the known taxonomy.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("error %d", int32(c))
}

// Fault is the error type the adapters and the core engine raise (the
// resource manager returns plain errors, which the engine translates); the
// dispatcher is the only place that unwraps it back into the VXI-11 error
// field of a reply.
type Fault struct {
	Code Code
	// Detail, if non-empty, is a diagnostic appended to the error message.
	// A MODBUS exception response is carried in Err, not here.
	Detail string
	Err    error
}

// New creates a Fault with no further detail.
func New(code Code) *Fault { return &Fault{Code: code} }

// Newf creates a Fault with a formatted detail string.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a VXI-11 code to an underlying Go error, preserving it for
// errors.Unwrap.
func Wrap(code Code, err error) *Fault {
	return &Fault{Code: code, Err: err}
}

func (f *Fault) Error() string {
	switch {
	case f.Err != nil && f.Detail != "":
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Detail, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	default:
		return f.Code.String()
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// As extracts the VXI-11 code carried by err, defaulting to IOError for any
// error that was not itself raised as a *Fault — this is deliberately a
// fail-closed default: an unrecognized failure mode is reported as a
// transport problem rather than silently answered NO_ERROR.
func As(err error) Code {
	if err == nil {
		return NoError
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return IOError
}
