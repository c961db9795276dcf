package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrExited is returned for operations on a guest that has exited.
	ErrExited = errors.New("guest has already exited")
	// ErrNotStarted is returned for operations on a bridge before Start.
	ErrNotStarted = errors.New("guest not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("guest already started")
	// ErrClosed ends a run stopped by Close.
	ErrClosed = errors.New("bridge closed")
	// ErrDeadlock ends a run whose guest is suspended with nothing left to
	// wake it.
	ErrDeadlock = errors.New("guest is idle with no pending events")
	// ErrEventPending reports a host call into the guest while another
	// event is still undelivered.
	ErrEventPending = errors.New("an event is already pending")
	// ErrUnmappedRef reports a reference id the registry does not hold.
	ErrUnmappedRef = errors.New("reference not mapped")
	// ErrRefUnderflow reports a release of more references than were taken.
	ErrRefUnderflow = errors.New("reference count underflow")
	// ErrOutOfRange reports a guest address or length outside its memory.
	ErrOutOfRange = errors.New("memory access out of range")
	// ErrArgsTooLong is returned by Start when argv and the environment do
	// not fit below the guest's data segment.
	ErrArgsTooLong = errors.New("total length of command line and environment variables exceeds limit")
	// ErrMissingExport is returned when a module lacks an export the guest
	// ABI requires.
	ErrMissingExport = errors.New("missing export")
)

// ProtocolError reports that the guest and host views of shared state have
// diverged. It is fatal to the bridge: host imports panic with it so the
// current guest call unwinds, and the run ends with it as its error.
type ProtocolError struct {
	Op  string
	ID  uint32
	Err error
}

func (e *ProtocolError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("bridge protocol violation in %s (ref %d): %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("bridge protocol violation in %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// GuestError reports that the guest trapped while the host was driving it.
type GuestError struct {
	Op  string
	Err error
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("guest %s: %v", e.Op, e.Err)
}

func (e *GuestError) Unwrap() error { return e.Err }

func violation(op string, id uint32, err error) *ProtocolError {
	return &ProtocolError{Op: op, ID: id, Err: err}
}

// guestFailure wraps an error returned by a guest export. Errors that are
// already fatal bridge errors are passed through unchanged.
func guestFailure(op string, err error) error {
	if isFatal(err) {
		return err
	}
	return &GuestError{Op: op, Err: err}
}

func isFatal(err error) bool {
	var pe *ProtocolError
	var ge *GuestError
	return errors.As(err, &pe) || errors.As(err, &ge)
}
