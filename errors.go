package ircore

import (
	"errors"
	"fmt"

	"git.sr.ht/~delthas/ircore/irc"
)

var (
	ErrNoSuchConnection    = errors.New("no such connection")
	ErrClosed              = errors.New("connection closed")
	ErrDisconnected        = errors.New("connection disconnected")
	ErrRegistrationTimeout = errors.New("timed out waiting for registration")
)

// UsageError is returned when an action or a command is not valid in the
// current state of a connection. The state is left unchanged.
type UsageError struct {
	Identity Identity
	State    State
	Command  string // name of the action or the command
	Message  string
}

func (err *UsageError) Error() string {
	return fmt.Sprintf("%v: %v", err.Identity, err.Message)
}

// TransientNetworkError is a network failure expected to go away on retry.
type TransientNetworkError struct {
	Identity Identity
	Err      error
}

func (err *TransientNetworkError) Error() string {
	return fmt.Sprintf("%v: %v", err.Identity, err.Err)
}

func (err *TransientNetworkError) Unwrap() error {
	return err.Err
}

// FatalConnectionError is a failure that retrying with the same identity and
// credentials cannot fix. The connection is released.
type FatalConnectionError struct {
	Identity Identity
	Err      error
}

func (err *FatalConnectionError) Error() string {
	return fmt.Sprintf("%v: %v", err.Identity, err.Err)
}

func (err *FatalConnectionError) Unwrap() error {
	return err.Err
}

type CapacityError struct {
	Max int
}

func (err *CapacityError) Error() string {
	return fmt.Sprintf("too many connections (maximum %d)", err.Max)
}

type AlreadyExistsError struct {
	Identity Identity
}

func (err *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%v: connection already exists", err.Identity)
}

// ProtocolDecodeError is returned for malformed lines, which are dropped.
type ProtocolDecodeError = irc.DecodeError

// ErrorClass is the classification of a network failure.
type ErrorClass int

const (
	Transient ErrorClass = iota
	Fatal
)

func (c ErrorClass) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "transient"
}

var errorClasses = map[irc.Op]ErrorClass{
	irc.OpConnect:  Transient,
	irc.OpRead:     Transient,
	irc.OpWrite:    Transient,
	irc.OpTimeout:  Transient,
	irc.OpClosed:   Transient,
	irc.OpResolve:  Fatal,
	irc.OpSocket:   Fatal,
	irc.OpResource: Fatal,
	irc.OpTLS:      Fatal,
}

// classify wraps a transport error in a *TransientNetworkError or a
// *FatalConnectionError. Errors without a known step are transient.
func classify(id Identity, err error) (ErrorClass, error) {
	class := Transient
	var netErr *irc.NetError
	if errors.As(err, &netErr) {
		if c, ok := errorClasses[netErr.Op]; ok {
			class = c
		}
	}
	if class == Fatal {
		return class, &FatalConnectionError{Identity: id, Err: err}
	}
	return class, &TransientNetworkError{Identity: id, Err: err}
}

// errorOp returns the name of the failing step of a transport error.
func errorOp(err error) string {
	var netErr *irc.NetError
	if errors.As(err, &netErr) {
		return netErr.Op.String()
	}
	return "unknown"
}
