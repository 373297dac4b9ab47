package connection

import (
	"fmt"
	"time"
)

// The ConnectionFailedError is returned once the connect retry budget
// is exhausted. It wraps the final attempt's error and is safe to
// retry at the application level.
type ConnectionFailedError struct {
	Address  string
	Attempts uint64
	Err      error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempt(s): %s", e.Address, e.Attempts, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error { return e.Err }

func (e *ConnectionFailedError) Transient() bool { return true }

// The TimeoutError is returned when a connect or receive exceeds its
// configured budget. The connection is left in the failed state and
// should be discarded rather than reused; whether to retry the
// operation is the caller's decision.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Budget)
}

func (e *TimeoutError) Transient() bool { return true }

// The SocketError wraps an underlying I/O failure during send or
// receive.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("socket error during %s: %s", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

func (e *SocketError) Transient() bool { return true }

// The NotConnectedError is returned when send or receive is attempted
// on a connection that is not in the connected state.
type NotConnectedError struct {
	State State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("connection is %s, not connected", e.State)
}

func (e *NotConnectedError) Transient() bool { return true }
