// Package xfer holds the backend-agnostic data model and engine contract
// shared by every transport backend: memory descriptors, connection and
// request handles, the closed error-kind enum, and the Engine interface
// each backend implements.
package xfer

import "fmt"

// Status is the closed set of outcomes an Engine operation may report.
type Status int

const (
	// Success indicates the operation completed.
	Success Status = iota
	// InProgress indicates an async operation was accepted; poll via
	// checkXfer or getNotifs.
	InProgress
	// InvalidParam indicates malformed input, a size mismatch, or an
	// unknown agent at prep time.
	InvalidParam
	// NotFound indicates no such agent, connection, or metadata.
	NotFound
	// NotSupported indicates the backend cannot service this request.
	NotSupported
	// Mismatch indicates a blob failed to parse or field widths disagree.
	Mismatch
	// RemoteDisconnect indicates the peer endpoint closed or timed out;
	// the connection is now FAILED.
	RemoteDisconnect
	// Cancelled indicates the operation was released before completion.
	Cancelled
	// Backend indicates a transport-level failure not covered above.
	Backend
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case InProgress:
		return "InProgress"
	case InvalidParam:
		return "InvalidParam"
	case NotFound:
		return "NotFound"
	case NotSupported:
		return "NotSupported"
	case Mismatch:
		return "Mismatch"
	case RemoteDisconnect:
		return "RemoteDisconnect"
	case Cancelled:
		return "Cancelled"
	case Backend:
		return "Backend"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Error wraps a Status with an optional underlying cause and the context
// (agent, operation) it occurred under, so callers can errors.Is/As against
// either the fixed kind or the wrapped transport error.
type Error struct {
	Status Status
	Agent  AgentID
	Op     string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Agent != "" {
			return fmt.Sprintf("%s: agent=%s: %s: %v", e.Op, e.Agent, e.Status, e.Cause)
		}
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Cause)
	}
	if e.Agent != "" {
		return fmt.Sprintf("%s: agent=%s: %s", e.Op, e.Agent, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error for op, optionally wrapping cause.
func NewError(status Status, op string, agent AgentID, cause error) *Error {
	return &Error{Status: status, Op: op, Agent: agent, Cause: cause}
}

// StatusOf extracts the Status carried by err, defaulting to Backend for any
// error that isn't one of ours.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var xe *Error
	if ok := asError(err, &xe); ok {
		return xe.Status
	}
	return Backend
}

// asError is a narrow errors.As to avoid importing errors just for this.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
